package tools

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/providers"
)

// cannedProvider returns queued replies in order, then falls back to
// respond, then to a bare "done".
type cannedProvider struct {
	respond func(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)

	mu    sync.Mutex
	queue []cannedReply
	calls int
}

type cannedReply struct {
	resp *providers.ChatResponse
	err  error
}

func reply(text string) cannedReply {
	return cannedReply{resp: &providers.ChatResponse{Content: text, FinishReason: providers.FinishStop}}
}

func replyToolCall(id, name string) cannedReply {
	return cannedReply{resp: &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: id, Name: name, Arguments: map[string]any{}}},
		FinishReason: providers.FinishToolCalls,
	}}
}

func (p *cannedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	var r cannedReply
	queued := len(p.queue) > 0
	if queued {
		r = p.queue[0]
		p.queue = p.queue[1:]
	}
	p.mu.Unlock()

	if queued {
		return r.resp, r.err
	}
	if p.respond != nil {
		return p.respond(ctx, req)
	}
	return &providers.ChatResponse{Content: "done", FinishReason: providers.FinishStop}, nil
}

func (p *cannedProvider) DefaultModel() string { return "canned-1" }
func (p *cannedProvider) Name() string         { return "canned" }

func (p *cannedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// blockingProvider blocks every call until its context ends, signalling
// entered once per call.
func blockingProvider(entered chan struct{}) *cannedProvider {
	return &cannedProvider{
		respond: func(ctx context.Context, _ providers.ChatRequest) (*providers.ChatResponse, error) {
			entered <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// inboundCapture implements InboundPublisher and records announcements.
type inboundCapture struct {
	ch chan bus.InboundMessage
}

func newInboundCapture() *inboundCapture {
	return &inboundCapture{ch: make(chan bus.InboundMessage, 16)}
}

func (c *inboundCapture) PublishInbound(m bus.InboundMessage) { c.ch <- m }

func (c *inboundCapture) await(t *testing.T) bus.InboundMessage {
	t.Helper()
	select {
	case m := <-c.ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the announce message")
		return bus.InboundMessage{}
	}
}

func (c *inboundCapture) empty() bool {
	select {
	case <-c.ch:
		return false
	default:
		return true
	}
}

// funcTool is a registry entry backed by a function.
type funcTool struct {
	name string
	fn   func(ctx context.Context, args map[string]any) *Result
}

func (f *funcTool) Name() string        { return f.name }
func (f *funcTool) Description() string { return f.name + " test tool" }
func (f *funcTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (f *funcTool) Execute(ctx context.Context, args map[string]any) *Result {
	return f.fn(ctx, args)
}

func testOrigin() SubagentOrigin {
	return SubagentOrigin{SessionID: "s1", Channel: "test", UserID: "u1"}
}

// waitStatus polls the manager until the task reaches the wanted status.
func waitStatus(t *testing.T, m *SubagentManager, id, want string) SubagentInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, info := range m.List("") {
			if info.ID == id && info.Status == want {
				return info
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subagent %s never reached status %q", id, want)
	return SubagentInfo{}
}

func enterSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// TestSubagentAnnouncesCompletion spawns one task to completion and checks
// the announce message routed back to the origin session.
func TestSubagentAnnouncesCompletion(t *testing.T) {
	provider := &cannedProvider{queue: []cannedReply{reply("All log files located.")}}
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, NewRegistry(), capture, SubagentConfig{Retention: time.Hour})
	defer mgr.StopAll()

	info, err := mgr.Spawn(context.Background(), "find the logs", testOrigin(), SpawnOptions{Label: "log-hunt"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	ann := capture.await(t)
	if ann.Sender != bus.SenderSubagent {
		t.Errorf("announce sender = %q, want %q", ann.Sender, bus.SenderSubagent)
	}
	if ann.SessionID != "s1" || ann.Channel != "test" {
		t.Errorf("announce routed to %s/%s, want test/s1", ann.Channel, ann.SessionID)
	}
	if ann.Metadata[bus.MetaSubagentID] != info.ID || ann.Metadata[bus.MetaSource] != "subagent" {
		t.Errorf("announce metadata = %+v", ann.Metadata)
	}
	if !strings.HasPrefix(ann.Text, "[Subagent 'log-hunt' completed successfully]") {
		t.Errorf("announce text starts %q", firstLineOf(ann.Text))
	}
	for _, want := range []string{"Task: find the logs", "Result:\nAll log files located.", "Summarize this naturally"} {
		if !strings.Contains(ann.Text, want) {
			t.Errorf("announce text lacks %q:\n%s", want, ann.Text)
		}
	}

	final := waitStatus(t, mgr, info.ID, SubagentCompleted)
	if final.Result != "All log files located." {
		t.Errorf("result = %q", final.Result)
	}
	if mgr.RunningCount() != 0 {
		t.Errorf("running count = %d after completion", mgr.RunningCount())
	}
}

func firstLineOf(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// TestSubagentRunsTools checks the reduced loop feeds tool results back to
// the model.
func TestSubagentRunsTools(t *testing.T) {
	provider := &cannedProvider{queue: []cannedReply{
		replyToolCall("c1", "probe"),
		reply("Probed: 42"),
	}}
	registry := NewRegistry()
	var probed int
	var mu sync.Mutex
	registry.Register(&funcTool{name: "probe", fn: func(context.Context, map[string]any) *Result {
		mu.Lock()
		probed++
		mu.Unlock()
		return NewResult("42")
	}})
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, registry, capture, SubagentConfig{Retention: time.Hour})
	defer mgr.StopAll()

	if _, err := mgr.Spawn(context.Background(), "probe the thing", testOrigin(), SpawnOptions{}); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	ann := capture.await(t)
	if !strings.Contains(ann.Text, "Probed: 42") {
		t.Errorf("announce lacks the tool-informed result:\n%s", ann.Text)
	}
	mu.Lock()
	defer mu.Unlock()
	if probed != 1 {
		t.Errorf("probe ran %d times, want 1", probed)
	}
}

// TestSubagentHidesDeniedTools checks spawn/list_subagents/send_message are
// not advertised to the subagent model.
func TestSubagentHidesDeniedTools(t *testing.T) {
	var mu sync.Mutex
	var advertised []string
	provider := &cannedProvider{
		respond: func(_ context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
			mu.Lock()
			for _, d := range req.Tools {
				advertised = append(advertised, d.Function.Name)
			}
			mu.Unlock()
			return &providers.ChatResponse{Content: "done", FinishReason: providers.FinishStop}, nil
		},
	}
	registry := NewRegistry()
	for _, name := range []string{"spawn", "list_subagents", "send_message", "probe"} {
		registry.Register(&funcTool{name: name, fn: func(context.Context, map[string]any) *Result {
			return NewResult("ok")
		}})
	}
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, registry, capture, SubagentConfig{Retention: time.Hour})
	defer mgr.StopAll()

	if _, err := mgr.Spawn(context.Background(), "task", testOrigin(), SpawnOptions{}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	capture.await(t)

	mu.Lock()
	defer mu.Unlock()
	saw := map[string]bool{}
	for _, n := range advertised {
		saw[n] = true
	}
	if saw["spawn"] || saw["list_subagents"] || saw["send_message"] {
		t.Errorf("denied tools advertised: %v", advertised)
	}
	if !saw["probe"] {
		t.Errorf("allowed tool missing from advertisement: %v", advertised)
	}
}

// TestSubagentCancelAnnouncesNothing cancels a running task and checks it
// settles as cancelled without an announce message.
func TestSubagentCancelAnnouncesNothing(t *testing.T) {
	entered := make(chan struct{}, 1)
	provider := blockingProvider(entered)
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, NewRegistry(), capture, SubagentConfig{Retention: time.Hour})

	info, err := mgr.Spawn(context.Background(), "slow task", testOrigin(), SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	enterSignal(t, entered, "task to reach the provider")

	if n := mgr.CancelBySession("s1"); n != 1 {
		t.Fatalf("cancelled %d tasks, want 1", n)
	}
	waitStatus(t, mgr, info.ID, SubagentCancelled)
	mgr.StopAll() // ensures the runner goroutine fully returned

	if !capture.empty() {
		t.Error("cancelled task produced an announce message")
	}
}

// TestSubagentCapacity caps concurrent tasks and rejects the overflow spawn.
func TestSubagentCapacity(t *testing.T) {
	entered := make(chan struct{}, 4)
	provider := blockingProvider(entered)
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, NewRegistry(), capture, SubagentConfig{MaxConcurrent: 2, Retention: time.Hour})
	defer mgr.StopAll()

	for i := 0; i < 2; i++ {
		if _, err := mgr.Spawn(context.Background(), "slow task", testOrigin(), SpawnOptions{}); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}
	enterSignal(t, entered, "first task")
	enterSignal(t, entered, "second task")

	_, err := mgr.Spawn(context.Background(), "one too many", testOrigin(), SpawnOptions{})
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("third spawn error = %v, want ErrCapacityExceeded", err)
	}

	if n := mgr.CancelBySession("s1"); n != 2 {
		t.Fatalf("cancelled %d tasks, want 2", n)
	}
}

// TestSubagentTimeoutFails lets the wall clock expire and checks the task
// fails with a timeout result and still announces.
func TestSubagentTimeoutFails(t *testing.T) {
	entered := make(chan struct{}, 1)
	provider := blockingProvider(entered)
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, NewRegistry(), capture, SubagentConfig{Timeout: 30 * time.Millisecond, Retention: time.Hour})
	defer mgr.StopAll()

	info, err := mgr.Spawn(context.Background(), "will overrun", testOrigin(), SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	final := waitStatus(t, mgr, info.ID, SubagentFailed)
	if !strings.Contains(final.Result, "timed out after") {
		t.Errorf("result = %q, want a timeout notice", final.Result)
	}
	ann := capture.await(t)
	if !strings.Contains(ann.Text, "failed]") {
		t.Errorf("announce text starts %q, want a failed outcome", firstLineOf(ann.Text))
	}
}

// TestSubagentProviderFailure surfaces the provider error in the failed
// announce.
func TestSubagentProviderFailure(t *testing.T) {
	provider := &cannedProvider{queue: []cannedReply{{err: errors.New("api down")}}}
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, NewRegistry(), capture, SubagentConfig{Retention: time.Hour})
	defer mgr.StopAll()

	info, err := mgr.Spawn(context.Background(), "doomed", testOrigin(), SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitStatus(t, mgr, info.ID, SubagentFailed)

	ann := capture.await(t)
	if !strings.Contains(ann.Text, "api down") {
		t.Errorf("announce lacks the provider error:\n%s", ann.Text)
	}
}

// TestSubagentIterationCeiling fails a task whose model never stops calling
// tools.
func TestSubagentIterationCeiling(t *testing.T) {
	var n int
	var mu sync.Mutex
	provider := &cannedProvider{
		respond: func(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
			mu.Lock()
			n++
			id := "c" + string(rune('0'+n))
			mu.Unlock()
			return &providers.ChatResponse{
				ToolCalls:    []providers.ToolCall{{ID: id, Name: "noop", Arguments: map[string]any{}}},
				FinishReason: providers.FinishToolCalls,
			}, nil
		},
	}
	registry := NewRegistry()
	registry.Register(&funcTool{name: "noop", fn: func(context.Context, map[string]any) *Result {
		return NewResult("ok")
	}})
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, registry, capture, SubagentConfig{MaxIterations: 2, Retention: time.Hour})
	defer mgr.StopAll()

	info, err := mgr.Spawn(context.Background(), "never stops", testOrigin(), SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitStatus(t, mgr, info.ID, SubagentFailed)
	if c := provider.callCount(); c != 2 {
		t.Errorf("provider calls = %d, want the 2 allowed iterations", c)
	}
}

// TestSubagentRetentionGC drops finished entries after the grace period.
func TestSubagentRetentionGC(t *testing.T) {
	provider := &cannedProvider{queue: []cannedReply{reply("done")}}
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, NewRegistry(), capture, SubagentConfig{Retention: 20 * time.Millisecond})
	defer mgr.StopAll()

	if _, err := mgr.Spawn(context.Background(), "short", testOrigin(), SpawnOptions{}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	capture.await(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(mgr.List("s1")) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("finished entry survived retention: %+v", mgr.List("s1"))
}

// TestSubagentDefaultLabel derives the label from the task prompt.
func TestSubagentDefaultLabel(t *testing.T) {
	provider := &cannedProvider{queue: []cannedReply{reply("done")}}
	capture := newInboundCapture()
	mgr := NewSubagentManager(provider, NewRegistry(), capture, SubagentConfig{Retention: time.Hour})
	defer mgr.StopAll()

	task := strings.Repeat("summarise the quarterly report ", 3)
	info, err := mgr.Spawn(context.Background(), task, testOrigin(), SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	want := strings.TrimSpace(task)[:48]
	if info.Label != want {
		t.Errorf("label = %q, want the 48-char task prefix %q", info.Label, want)
	}
	capture.await(t)
}
