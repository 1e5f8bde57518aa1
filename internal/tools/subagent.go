package tools

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/beacon/internal/beaconerr"
	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/providers"
)

// Subagent lifecycle states.
const (
	SubagentRunning   = "running"
	SubagentCompleted = "completed"
	SubagentFailed    = "failed"
	SubagentCancelled = "cancelled"
)

// ErrCapacityExceeded is returned by Spawn when the concurrent subagent cap
// is reached.
var ErrCapacityExceeded = errors.New("subagent capacity exceeded")

// ErrSubagentNotFound is returned by CancelByID for an unknown id.
var ErrSubagentNotFound = errors.New("subagent not found")

// subagentDeny lists tools a subagent may never call: spawning (no nesting)
// and user-facing messaging stay with the main loop.
var subagentDeny = map[string]bool{
	"spawn":          true,
	"list_subagents": true,
	"send_message":   true,
}

// defaultSubagentRetention is how long finished entries stay visible to
// status queries before GC.
const defaultSubagentRetention = 60 * time.Second

// SubagentOrigin identifies the turn a subagent was spawned from. The
// announce message is routed back through it, and the subagent's tools run
// under the same session identity and workspace.
type SubagentOrigin struct {
	SessionID    string
	Channel      string
	UserID       string
	WorkspaceDir string
}

// SpawnOptions are the optional knobs of one Spawn call.
type SpawnOptions struct {
	Label string
}

// SubagentInfo is a point-in-time snapshot of one subagent task.
type SubagentInfo struct {
	ID          string
	Label       string
	Task        string
	Status      string
	Result      string
	Origin      SubagentOrigin
	CreatedAt   time.Time
	CompletedAt time.Time
}

type subagentTask struct {
	info   SubagentInfo
	cancel context.CancelFunc
}

// SubagentConfig tunes background subagent execution.
type SubagentConfig struct {
	MaxConcurrent int           // default 4
	MaxIterations int           // default 10, deliberately below the main loop
	Timeout       time.Duration // wall clock per task, default 3m
	Model         string        // empty inherits the provider default
	Temperature   float64
	MaxTokens     int
	Retention     time.Duration // finished-entry grace for status queries
}

// InboundPublisher is the slice of the bus the manager needs to announce
// results.
type InboundPublisher interface {
	PublishInbound(msg bus.InboundMessage)
}

// SubagentManager runs spawn-and-forget background agents. Each shares the
// main provider and a filtered view of the tool registry, runs a reduced
// iteration loop under its own cancellation handle and wall-clock timeout,
// and announces its terminal result as a synthetic inbound message to the
// origin session. Cancelled tasks announce nothing.
type SubagentManager struct {
	cfg      SubagentConfig
	provider providers.Provider
	registry *Registry
	bus      InboundPublisher

	mu    sync.Mutex
	tasks map[string]*subagentTask
	bysid map[string][]string // session id -> task ids (spawn order)
	wg    sync.WaitGroup
}

// NewSubagentManager creates a manager over the full tool registry; each
// task sees a filtered copy.
func NewSubagentManager(provider providers.Provider, registry *Registry, b InboundPublisher, cfg SubagentConfig) *SubagentManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultSubagentRetention
	}
	return &SubagentManager{
		cfg:      cfg,
		provider: provider,
		registry: registry,
		bus:      b,
		tasks:    make(map[string]*subagentTask),
		bysid:    make(map[string][]string),
	}
}

// Spawn starts a background subagent for taskPrompt and returns its snapshot
// immediately. Fails with ErrCapacityExceeded when MaxConcurrent tasks are
// already running. The task detaches from the caller's cancellation: it owns
// its handle and outlives the spawning turn.
func (m *SubagentManager) Spawn(ctx context.Context, taskPrompt string, origin SubagentOrigin, opts SpawnOptions) (SubagentInfo, error) {
	label := strings.TrimSpace(opts.Label)
	if label == "" {
		label = truncateStr(strings.TrimSpace(taskPrompt), 48)
	}

	m.mu.Lock()
	running := 0
	for _, t := range m.tasks {
		if t.info.Status == SubagentRunning {
			running++
		}
	}
	if running >= m.cfg.MaxConcurrent {
		m.mu.Unlock()
		return SubagentInfo{}, fmt.Errorf("%w: %d running (max %d)", ErrCapacityExceeded, running, m.cfg.MaxConcurrent)
	}

	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &subagentTask{
		info: SubagentInfo{
			ID:        subagentID(),
			Label:     label,
			Task:      taskPrompt,
			Status:    SubagentRunning,
			Origin:    origin,
			CreatedAt: time.Now().UTC(),
		},
		cancel: cancel,
	}
	m.tasks[t.info.ID] = t
	m.bysid[origin.SessionID] = append(m.bysid[origin.SessionID], t.info.ID)
	m.mu.Unlock()

	slog.Info("subagent spawned", "id", t.info.ID, "label", label, "session", origin.SessionID)

	m.wg.Add(1)
	go m.run(tctx, t)
	return t.info, nil
}

// run executes one task to settlement and announces non-cancelled outcomes.
func (m *SubagentManager) run(ctx context.Context, t *subagentTask) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	text, err := m.execute(ctx, t.info)

	m.mu.Lock()
	switch {
	case err == nil:
		t.info.Status = SubagentCompleted
		t.info.Result = text
	case errors.Is(err, context.Canceled):
		t.info.Status = SubagentCancelled
		t.info.Result = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		t.info.Status = SubagentFailed
		t.info.Result = fmt.Sprintf("timed out after %s", m.cfg.Timeout)
	default:
		t.info.Status = SubagentFailed
		t.info.Result = err.Error()
	}
	t.info.CompletedAt = time.Now().UTC()
	info := t.info
	m.mu.Unlock()

	slog.Info("subagent finished", "id", info.ID, "status", info.Status,
		"elapsed", info.CompletedAt.Sub(info.CreatedAt).Round(time.Millisecond))

	if info.Status != SubagentCancelled {
		m.bus.PublishInbound(bus.InboundMessage{
			Channel:   info.Origin.Channel,
			SessionID: info.Origin.SessionID,
			Sender:    bus.SenderSubagent,
			Text:      announceBody(info),
			Timestamp: time.Now().UTC(),
			Metadata: map[string]string{
				bus.MetaSubagentID:    info.ID,
				bus.MetaSubagentLabel: info.Label,
				bus.MetaSource:        "subagent",
			},
		})
	}

	time.AfterFunc(m.cfg.Retention, func() { m.remove(info.ID) })
}

// execute runs the reduced iteration loop: fixed subagent system prompt,
// filtered registry, lower iteration ceiling. Cancellation is checked before
// and after each LLM call and before each tool invocation.
func (m *SubagentManager) execute(ctx context.Context, info SubagentInfo) (string, error) {
	reg := m.filteredRegistry()
	defs := reg.Definitions()

	ec := ExecContext{
		SessionID:    info.Origin.SessionID,
		WorkspaceDir: info.Origin.WorkspaceDir,
		Channel:      info.Origin.Channel,
		UserID:       info.Origin.UserID,
	}

	msgs := []providers.Message{{Role: "user", Content: info.Task}}

	for iter := 1; iter <= m.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := m.provider.Chat(ctx, providers.ChatRequest{
			Model:       m.cfg.Model,
			System:      subagentSystemPrompt,
			Messages:    msgs,
			Tools:       defs,
			Temperature: m.cfg.Temperature,
			MaxTokens:   m.cfg.MaxTokens,
		})
		if err != nil {
			return "", fmt.Errorf("llm call (iteration %d): %w", iter, err)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			text := strings.TrimSpace(resp.Content)
			if text == "" {
				text = "Task completed without a final report."
			}
			return text, nil
		}

		assistant := providers.Message{Role: "assistant", Content: resp.Content}
		assistant.ToolCalls = append(assistant.ToolCalls, resp.ToolCalls...)
		msgs = append(msgs, assistant)

		for _, tc := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			slog.Debug("subagent tool call", "id", info.ID, "tool", tc.Name)
			res := reg.Execute(WithExecContext(ctx, ec), tc.Name, tc.Arguments)
			msgs = append(msgs, providers.Message{
				Role:       "tool",
				Content:    res.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}
	return "", beaconerr.ErrIterationLimit
}

// filteredRegistry copies the shared registry minus the denied tools.
func (m *SubagentManager) filteredRegistry() *Registry {
	sub := NewRegistry()
	for _, t := range m.registry.List() {
		if subagentDeny[t.Name()] {
			continue
		}
		sub.Register(t)
	}
	return sub
}

// CancelBySession cancels every running subagent spawned from the session
// and returns how many were signalled.
func (m *SubagentManager) CancelBySession(sessionID string) int {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, id := range m.bysid[sessionID] {
		if t, ok := m.tasks[id]; ok && t.info.Status == SubagentRunning {
			cancels = append(cancels, t.cancel)
		}
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		slog.Info("subagents cancelled", "session", sessionID, "count", len(cancels))
	}
	return len(cancels)
}

// CancelByID cancels one running subagent.
func (m *SubagentManager) CancelByID(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubagentNotFound, id)
	}
	t.cancel()
	return nil
}

// StopAll cancels every task and waits for the runners to settle. Used on
// shutdown.
func (m *SubagentManager) StopAll() {
	m.mu.Lock()
	for _, t := range m.tasks {
		t.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// List returns snapshots of the session's tasks in spawn order, or of all
// tasks when sessionID is empty.
func (m *SubagentManager) List(sessionID string) []SubagentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SubagentInfo
	if sessionID == "" {
		for _, t := range m.tasks {
			out = append(out, t.info)
		}
		return out
	}
	for _, id := range m.bysid[sessionID] {
		if t, ok := m.tasks[id]; ok {
			out = append(out, t.info)
		}
	}
	return out
}

// RunningCount reports how many tasks are currently running.
func (m *SubagentManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.info.Status == SubagentRunning {
			n++
		}
	}
	return n
}

// remove drops a finished entry from both indexes.
func (m *SubagentManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.info.Status == SubagentRunning {
		return
	}
	delete(m.tasks, id)

	sid := t.info.Origin.SessionID
	ids := m.bysid[sid]
	for i, v := range ids {
		if v == id {
			m.bysid[sid] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.bysid[sid]) == 0 {
		delete(m.bysid, sid)
	}
}

// announceBody renders the completion template that re-enters the agent loop
// as a synthetic user message.
func announceBody(info SubagentInfo) string {
	outcome := "completed successfully"
	if info.Status != SubagentCompleted {
		outcome = "failed"
	}
	return fmt.Sprintf(`[Subagent '%s' %s]

Task: %s

Result:
%s

Summarize this naturally for the user. Keep it brief (1-2 sentences).
Do not mention technical details like "subagent" or task IDs.`,
		info.Label, outcome, info.Task, info.Result)
}

// subagentSystemPrompt frames the reduced loop. Subagents report back to the
// main agent, never directly to a user.
const subagentSystemPrompt = `You are a background task runner executing one specific task.
Work autonomously: you cannot ask clarifying questions.
Use the available tools as needed, then report your findings.
Your final message is delivered to the agent that spawned you, not to a user.
End with a concise summary of what you did and what you found.`

func subagentID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
