// Package agent contains the central orchestrator: a dispatcher that drains
// the message bus and runs one turn per inbound message, serialized per
// session and capped globally, plus the LLM-tool iteration each turn runs.
//
// Concurrency discipline: turns for one session execute strictly in arrival
// order; the queue table install ("observe predecessor, become the tail")
// happens atomically with the arrival under the dispatcher lock, so two
// near-simultaneous messages for the same session can never race. Across
// sessions, turns run in parallel bounded by a weighted semaphore.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/memory"
	"github.com/nextlevelbuilder/beacon/internal/providers"
	"github.com/nextlevelbuilder/beacon/internal/scheduler"
	"github.com/nextlevelbuilder/beacon/internal/session"
	"github.com/nextlevelbuilder/beacon/internal/skills"
	"github.com/nextlevelbuilder/beacon/internal/spaces"
	"github.com/nextlevelbuilder/beacon/internal/tools"
	"github.com/nextlevelbuilder/beacon/internal/users"
)

// Defaults for the loop knobs.
const (
	DefaultMaxIterations = 20
	DefaultMaxConcurrent = 5
)

// errSessionCancelled is the cancellation cause for user-initiated aborts
// (/stop, transport disconnect). It makes the in-flight turn answer
// "[Session cancelled]" where a shutdown abort stays silent.
var errSessionCancelled = errors.New("session cancelled")

// Config wires the loop's collaborators. Bus, Sessions, Tools, Provider and
// Users are required; the rest degrade gracefully when nil.
type Config struct {
	Bus      *bus.MessageBus
	Sessions *session.Store
	Tools    *tools.Registry
	Provider providers.Provider
	Users    *users.Service

	Memory    *memory.Service        // nil: no memory block or guidance
	Skills    *skills.Loader         // nil: no skills block
	Spaces    *spaces.Service        // nil: space commands disabled
	Scheduler *scheduler.Scheduler   // nil: /status omits tasks
	Subagents *tools.SubagentManager // nil: /status omits subagents

	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int   // default 20
	MaxConcurrent int64 // semaphore size, default 5
	MemoryWindow  int   // compaction trigger, default session.DefaultMemoryWindow
	SystemPrompt  string
	DisplayName   string
	Version       string
}

// turnHandle is one queued or in-flight turn. done closes when the turn has
// fully settled (semaphore released, queue entry removed), which is what the
// successor in the session chain waits on.
type turnHandle struct {
	msg    bus.InboundMessage
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

func (t *turnHandle) abort() { t.cancel(errSessionCancelled) }

// sessionQueue is the per-session FIFO state: the current tail to chain
// behind and the set of live handles the cancel hook aborts.
type sessionQueue struct {
	tail    *turnHandle
	handles map[*turnHandle]struct{}
}

// Loop is the dispatcher plus per-turn execution.
type Loop struct {
	cfg           Config
	maxIterations int
	memoryWindow  int
	sem           *semaphore.Weighted

	mu     sync.Mutex
	queues map[string]*sessionQueue

	compactMu sync.Map // session id -> *sync.Mutex
	wg        sync.WaitGroup
}

// NewLoop validates cfg and creates the loop. The bus cancel hook is
// installed by Run.
func NewLoop(cfg Config) *Loop {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	window := cfg.MemoryWindow
	if window <= 0 {
		window = session.DefaultMemoryWindow
	}
	return &Loop{
		cfg:           cfg,
		maxIterations: maxIterations,
		memoryWindow:  window,
		sem:           semaphore.NewWeighted(maxConcurrent),
		queues:        make(map[string]*sessionQueue),
	}
}

// Run drains the bus until ctx ends or the bus closes. Each inbound message
// becomes a turn chained behind its session's previous turn. Run returns
// once the inbound stream ends; Wait blocks until dispatched turns settle.
func (l *Loop) Run(ctx context.Context) {
	l.cfg.Bus.OnSessionCancel(func(sessionID string) { l.abortSession(sessionID) })
	slog.Info("agent loop started",
		"max_concurrent", l.cfg.MaxConcurrent, "max_iterations", l.maxIterations)

	for {
		msg, ok := l.cfg.Bus.Inbound(ctx)
		if !ok {
			slog.Info("agent loop stopping", "pending_turns", l.Stats().Turns)
			return
		}
		// /stop must bypass the session FIFO: queued behind the turn it is
		// meant to abort it could never run.
		if strings.EqualFold(strings.TrimSpace(msg.Text), "/stop") {
			l.handleStop(msg)
			continue
		}
		l.dispatch(ctx, msg)
	}
}

// Wait blocks until every dispatched turn (and its async compaction) has
// settled. Call after Run returns.
func (l *Loop) Wait() { l.wg.Wait() }

// dispatch installs the turn as the session's new tail and starts its
// runner. Called only from Run, but the lock also orders it against the
// cancel hook.
func (l *Loop) dispatch(ctx context.Context, msg bus.InboundMessage) {
	tctx, cancel := context.WithCancelCause(ctx)
	t := &turnHandle{msg: msg, ctx: tctx, cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	q, ok := l.queues[msg.SessionID]
	if !ok {
		q = &sessionQueue{handles: make(map[*turnHandle]struct{})}
		l.queues[msg.SessionID] = q
	}
	prev := q.tail
	q.tail = t
	q.handles[t] = struct{}{}
	l.mu.Unlock()

	if prev != nil {
		slog.Debug("turn queued behind predecessor", "session", msg.SessionID)
	}

	l.wg.Add(1)
	go l.runTurn(t, prev)
}

// runTurn waits for the predecessor, passes the global semaphore and
// executes the turn. Cancellation is honoured before and after the acquire;
// a turn aborted before processing starts dies silently.
func (l *Loop) runTurn(t *turnHandle, prev *turnHandle) {
	defer l.wg.Done()
	defer close(t.done)
	defer l.finishTurn(t)

	if prev != nil {
		select {
		case <-prev.done:
		case <-t.ctx.Done():
			return
		}
	}

	if t.ctx.Err() != nil {
		return
	}
	if err := l.sem.Acquire(t.ctx, 1); err != nil {
		return
	}
	defer l.sem.Release(1)
	if t.ctx.Err() != nil {
		return
	}

	l.processTurn(t.ctx, t.msg)
}

// finishTurn releases the turn's resources and drops empty queue state.
func (l *Loop) finishTurn(t *turnHandle) {
	t.cancel(nil)

	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.queues[t.msg.SessionID]
	if !ok {
		return
	}
	delete(q.handles, t)
	if q.tail == t {
		q.tail = nil
	}
	if len(q.handles) == 0 {
		delete(l.queues, t.msg.SessionID)
	}
}

// abortSession aborts every queued and in-flight turn of the session plus
// its running subagents. Returns how many turn handles were signalled.
func (l *Loop) abortSession(sessionID string) int {
	l.mu.Lock()
	var handles []*turnHandle
	if q, ok := l.queues[sessionID]; ok {
		for h := range q.handles {
			handles = append(handles, h)
		}
	}
	l.mu.Unlock()

	for _, h := range handles {
		h.abort()
	}
	if len(handles) > 0 {
		slog.Info("session turns aborted", "session", sessionID, "count", len(handles))
	}
	if l.cfg.Subagents != nil {
		l.cfg.Subagents.CancelBySession(sessionID)
	}
	return len(handles)
}

// Stats reports dispatcher state for /status.
type Stats struct {
	Sessions int // sessions with queued or running turns
	Turns    int // queued plus in-flight turns
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{Sessions: len(l.queues)}
	for _, q := range l.queues {
		s.Turns += len(q.handles)
	}
	return s
}
