// Package scheduler turns wall-clock time into synthetic inbound messages.
// Tasks are persisted through store.TaskStore and rehydrated on start; fires
// publish to the message bus with sender "scheduler" so they flow through
// the normal agent loop.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/store"
)

var (
	// ErrInvalidCron reports a cron expression that failed to parse.
	ErrInvalidCron = errors.New("invalid cron expression (expected 5 fields: minute hour day-of-month month day-of-week, e.g. \"0 9 * * 1-5\")")

	// ErrQuotaExceeded reports too many enabled tasks for one session.
	ErrQuotaExceeded = errors.New("scheduled task quota exceeded for this session")

	// ErrTaskNotFound reports an unknown task id, or an id owned by a
	// different session.
	ErrTaskNotFound = errors.New("scheduled task not found")
)

// DefaultMaxTasksPerSession caps enabled tasks per session.
const DefaultMaxTasksPerSession = 10

// TaskInfo is a scheduled task together with its next computed fire time.
// NextRun is zero for disabled tasks.
type TaskInfo struct {
	store.TaskRecord
	NextRun time.Time
}

// AddTaskInput carries the fields for a new scheduled task.
type AddTaskInput struct {
	SessionID     string
	Channel       string
	Cron          string
	Description   string
	Prompt        string
	CreatorUserID string
}

type task struct {
	rec     store.TaskRecord
	nextRun time.Time
}

// Scheduler owns all scheduled tasks. A single goroutine sleeps until the
// earliest next fire; task mutations poke it awake to recompute.
type Scheduler struct {
	store store.TaskStore
	bus   *bus.MessageBus
	gron  *gronx.Gronx

	maxPerSession int
	now           func() time.Time

	mu    sync.Mutex
	tasks map[string]*task
	wake  chan struct{}

	started bool
	stopped bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaxTasksPerSession overrides the per-session enabled-task cap.
func WithMaxTasksPerSession(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxPerSession = n
		}
	}
}

// New creates a scheduler over the given task store and bus.
func New(st store.TaskStore, b *bus.MessageBus, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         st,
		bus:           b,
		gron:          gronx.New(),
		maxPerSession: DefaultMaxTasksPerSession,
		now:           time.Now,
		tasks:         make(map[string]*task),
		wake:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads persisted tasks, schedules the enabled ones and launches the
// fire loop. Tasks whose stored cron no longer parses are disabled with a
// warning rather than failing startup.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	recs, err := s.store.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load tasks: %w", err)
	}

	now := s.now()
	s.mu.Lock()
	for _, rec := range recs {
		t := &task{rec: rec}
		if rec.Enabled {
			next, err := gronx.NextTickAfter(rec.CronExpr, now, false)
			if err != nil {
				slog.Warn("scheduler: stored task has invalid cron, disabling",
					"task", rec.ID, "cron", rec.CronExpr, "error", err)
				t.rec.Enabled = false
			} else {
				t.nextRun = next
			}
		}
		s.tasks[rec.ID] = t
	}
	count := len(s.tasks)
	s.mu.Unlock()

	slog.Info("scheduler started", "tasks", count)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop halts the fire loop and waits for it to exit. In-memory task state
// stays queryable after Stop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
}

// AddTask validates, persists and schedules a new task. The returned info
// carries the first computed fire time.
func (s *Scheduler) AddTask(ctx context.Context, in AddTaskInput) (TaskInfo, error) {
	expr := strings.TrimSpace(in.Cron)
	if !s.gron.IsValid(expr) {
		return TaskInfo{}, fmt.Errorf("%q: %w", in.Cron, ErrInvalidCron)
	}
	now := s.now()
	next, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		return TaskInfo{}, fmt.Errorf("%q: %w", in.Cron, ErrInvalidCron)
	}

	rec := store.TaskRecord{
		ID:            shortID(),
		SessionID:     in.SessionID,
		Channel:       in.Channel,
		CronExpr:      expr,
		Description:   in.Description,
		Prompt:        in.Prompt,
		Enabled:       true,
		CreatedAt:     now.UTC(),
		CreatorUserID: in.CreatorUserID,
	}

	s.mu.Lock()
	if n := s.enabledCountLocked(in.SessionID); n >= s.maxPerSession {
		s.mu.Unlock()
		return TaskInfo{}, fmt.Errorf("session has %d enabled tasks (max %d): %w",
			n, s.maxPerSession, ErrQuotaExceeded)
	}
	s.tasks[rec.ID] = &task{rec: rec, nextRun: next}
	s.mu.Unlock()

	if err := s.store.SaveTask(ctx, rec); err != nil {
		s.mu.Lock()
		delete(s.tasks, rec.ID)
		s.mu.Unlock()
		return TaskInfo{}, fmt.Errorf("scheduler: persist task: %w", err)
	}

	slog.Info("scheduler: task added", "task", rec.ID, "session", rec.SessionID,
		"cron", rec.CronExpr, "next", next)
	s.poke()
	return TaskInfo{TaskRecord: rec, NextRun: next}, nil
}

// RemoveTask unschedules and deletes a task. The session id must match the
// task's owning session.
func (s *Scheduler) RemoveTask(ctx context.Context, id, sessionID string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.rec.SessionID != sessionID {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	delete(s.tasks, id)
	s.mu.Unlock()

	if err := s.store.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("scheduler: delete task %s: %w", id, err)
	}
	s.poke()
	return nil
}

// SetTaskEnabled starts or stops a task's cron binding. Idempotent.
// Re-enabling counts against the per-session quota.
func (s *Scheduler) SetTaskEnabled(ctx context.Context, id, sessionID string, enabled bool) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.rec.SessionID != sessionID {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.rec.Enabled == enabled {
		s.mu.Unlock()
		return nil
	}
	if enabled {
		if n := s.enabledCountLocked(sessionID); n >= s.maxPerSession {
			s.mu.Unlock()
			return fmt.Errorf("session has %d enabled tasks (max %d): %w",
				n, s.maxPerSession, ErrQuotaExceeded)
		}
		next, err := gronx.NextTickAfter(t.rec.CronExpr, s.now(), false)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("%q: %w", t.rec.CronExpr, ErrInvalidCron)
		}
		t.nextRun = next
	} else {
		t.nextRun = time.Time{}
	}
	t.rec.Enabled = enabled
	rec := t.rec
	s.mu.Unlock()

	if err := s.store.SaveTask(ctx, rec); err != nil {
		return fmt.Errorf("scheduler: persist task %s: %w", id, err)
	}
	s.poke()
	return nil
}

// Get returns one task with its next fire time.
func (s *Scheduler) Get(id string) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return TaskInfo{}, false
	}
	return TaskInfo{TaskRecord: t.rec, NextRun: t.nextRun}, true
}

// TasksBySession lists a session's tasks ordered by creation time.
func (s *Scheduler) TasksBySession(sessionID string) []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TaskInfo
	for _, t := range s.tasks {
		if t.rec.SessionID == sessionID {
			out = append(out, TaskInfo{TaskRecord: t.rec, NextRun: t.nextRun})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RunOnce fires every task due at the current clock reading and returns the
// count. Primarily for tests.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.fireDue(ctx, s.now())
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if next, ok := s.earliestFire(); ok {
			d := next.Sub(s.now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case <-s.quit:
			stopTimer(timer)
			return
		case <-s.wake:
			stopTimer(timer)
		case <-timerC:
			s.fireDue(ctx, s.now())
		}
	}
}

// fireDue publishes a synthetic inbound for every due task and advances its
// schedule from now, so fires missed during downtime are skipped rather
// than replayed.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) int {
	var due []store.TaskRecord

	s.mu.Lock()
	for _, t := range s.tasks {
		if !t.rec.Enabled || t.nextRun.IsZero() || now.Before(t.nextRun) {
			continue
		}
		ts := now.UTC()
		t.rec.LastRunAt = &ts
		t.rec.RunCount++
		next, err := gronx.NextTickAfter(t.rec.CronExpr, now, false)
		if err != nil {
			slog.Warn("scheduler: task cron stopped parsing, disabling",
				"task", t.rec.ID, "cron", t.rec.CronExpr, "error", err)
			t.rec.Enabled = false
			t.nextRun = time.Time{}
		} else {
			t.nextRun = next
		}
		due = append(due, t.rec)
	}
	s.mu.Unlock()

	for _, rec := range due {
		s.publish(rec)
		// Run-state persistence is best-effort; a failed save costs at
		// most a stale run_count after restart.
		if err := s.store.SaveTask(ctx, rec); err != nil {
			slog.Warn("scheduler: persist run state failed", "task", rec.ID, "error", err)
		}
	}
	return len(due)
}

func (s *Scheduler) publish(rec store.TaskRecord) {
	meta := map[string]string{bus.MetaScheduledTaskID: rec.ID}
	if rec.CreatorUserID != "" {
		meta[bus.MetaCreatorUserID] = rec.CreatorUserID
	}
	s.bus.PublishInbound(bus.InboundMessage{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Channel:   rec.Channel,
		SessionID: rec.SessionID,
		Sender:    bus.SenderScheduler,
		Text:      fmt.Sprintf("[Scheduled task: %s]\n%s", rec.Description, rec.Prompt),
		Timestamp: s.now(),
		Metadata:  meta,
	})
	slog.Info("scheduler: task fired", "task", rec.ID, "session", rec.SessionID, "runs", rec.RunCount)
}

func (s *Scheduler) earliestFire() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time
	found := false
	for _, t := range s.tasks {
		if !t.rec.Enabled || t.nextRun.IsZero() {
			continue
		}
		if !found || t.nextRun.Before(earliest) {
			earliest = t.nextRun
			found = true
		}
	}
	return earliest, found
}

func (s *Scheduler) enabledCountLocked(sessionID string) int {
	n := 0
	for _, t := range s.tasks {
		if t.rec.SessionID == sessionID && t.rec.Enabled {
			n++
		}
	}
	return n
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func shortID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
