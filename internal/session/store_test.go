package session

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/beacon/internal/store"
)

func user(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

func chainHead(ids ...string) Message {
	calls := make([]ToolCall, len(ids))
	for i, id := range ids {
		calls[i] = ToolCall{ID: id, Name: "exec", Arguments: map[string]any{"command": "true"}}
	}
	return Message{Role: RoleAssistant, ToolCalls: calls}
}

func toolResult(id string) Message {
	return Message{Role: RoleTool, Content: "ok", ToolCallID: id, ToolName: "exec"}
}

func newTestStore(t *testing.T, window int) (*Store, *store.Memory) {
	t.Helper()
	backend := store.NewMemory()
	s := NewStore(backend, Config{MemoryWindow: window, WorkspaceRoot: t.TempDir()})
	return s, backend
}

// seed creates the session and appends msgs, failing the test on any error.
func seed(t *testing.T, s *Store, sid string, msgs []Message) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.GetOrCreate(ctx, sid, "test"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for i, msg := range msgs {
		if err := s.AddMessage(ctx, sid, msg); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}
}

// roles summarises a message slice for compact assertions.
func roles(msgs []Message) string {
	parts := make([]string, len(msgs))
	for i, m := range msgs {
		switch {
		case m.IsChainHead():
			parts[i] = fmt.Sprintf("assistant+%d", len(m.ToolCalls))
		default:
			parts[i] = m.Role
		}
	}
	return strings.Join(parts, " ")
}

// TestSanitizeStart verifies the head-repair rules: leading tool messages are
// dropped, and a leading chain with fewer results than calls is dropped
// together with the results it has, repeatedly.
func TestSanitizeStart(t *testing.T) {
	tests := []struct {
		name string
		in   []Message
		want string
	}{
		{
			name: "clean history untouched",
			in:   []Message{user("hi"), assistant("hello")},
			want: "user assistant",
		},
		{
			name: "leading tool messages dropped",
			in:   []Message{toolResult("a"), toolResult("b"), user("hi")},
			want: "user",
		},
		{
			name: "complete leading chain kept",
			in:   []Message{chainHead("a", "b"), toolResult("a"), toolResult("b"), assistant("done")},
			want: "assistant+2 tool tool assistant",
		},
		{
			name: "truncated leading chain dropped",
			in:   []Message{chainHead("a", "b"), toolResult("a"), user("next")},
			want: "user",
		},
		{
			name: "cascade of broken heads",
			in: []Message{
				toolResult("x"),
				chainHead("a", "b"), toolResult("a"),
				user("hi"), assistant("hello"),
			},
			want: "user assistant",
		},
		{
			name: "empty",
			in:   nil,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roles(sanitizeStart(tt.in))
			if got != tt.want {
				t.Errorf("sanitizeStart = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestSafeSplitBoundary verifies the backward walk: from a tool result to
// before the chain head, from a chain head one more step left, and 0 when
// the walk reaches the start.
func TestSafeSplitBoundary(t *testing.T) {
	// 0:user 1:assistant 2:user 3:assistant+2 4:tool 5:tool 6:assistant 7:user
	log := []Message{
		user("q1"), assistant("a1"),
		user("q2"), chainHead("a", "b"), toolResult("a"), toolResult("b"), assistant("a2"),
		user("q3"),
	}

	tests := []struct {
		name     string
		boundary int
		want     int
	}{
		{name: "plain user boundary unchanged", boundary: 7, want: 7},
		{name: "plain assistant boundary unchanged", boundary: 6, want: 6},
		{name: "tool boundary walks to before chain head", boundary: 5, want: 2},
		{name: "first tool result same walk", boundary: 4, want: 2},
		{name: "chain head walks one more left", boundary: 3, want: 2},
		{name: "start stays at zero", boundary: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := safeSplitBoundary(log, tt.boundary)
			if got != tt.want {
				t.Errorf("safeSplitBoundary(%d) = %d, want %d", tt.boundary, got, tt.want)
			}
		})
	}

	t.Run("chain at index zero yields zero", func(t *testing.T) {
		log := []Message{chainHead("a"), toolResult("a"), assistant("done")}
		if got := safeSplitBoundary(log, 1); got != 0 {
			t.Errorf("safeSplitBoundary = %d, want 0", got)
		}
	})
}

// TestGetOrCreate_UpgradesUnknownChannel verifies that a session created
// with channel "unknown" is upgraded in place when a real transport shows up.
func TestGetOrCreate_UpgradesUnknownChannel(t *testing.T) {
	s, backend := newTestStore(t, 50)
	ctx := context.Background()

	sess, err := s.GetOrCreate(ctx, "s1", "unknown")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess.Channel != "unknown" {
		t.Fatalf("channel = %q, want unknown", sess.Channel)
	}

	sess, err = s.GetOrCreate(ctx, "s1", "telegram")
	if err != nil {
		t.Fatalf("GetOrCreate upgrade: %v", err)
	}
	if sess.Channel != "telegram" {
		t.Errorf("channel = %q, want telegram", sess.Channel)
	}

	// A later unknown does not downgrade.
	sess, _ = s.GetOrCreate(ctx, "s1", "unknown")
	if sess.Channel != "telegram" {
		t.Errorf("channel downgraded to %q", sess.Channel)
	}

	metas, _ := backend.LoadSessionMetas(ctx)
	if len(metas) != 1 || metas[0].Channel != "telegram" {
		t.Errorf("persisted meta = %+v, want telegram channel", metas)
	}
}

// TestSetSessionChannelData merges routing data into the meta, persists it,
// and keeps returned snapshots isolated from later mutation.
func TestSetSessionChannelData(t *testing.T) {
	s, backend := newTestStore(t, 50)
	ctx := context.Background()

	if _, err := s.GetOrCreate(ctx, "s1", "telegram"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	s.SetSessionChannelData(ctx, "s1", map[string]string{"chat_id": "42", "is_group": "false"})
	s.SetSessionChannelData(ctx, "s1", map[string]string{"is_group": "true"})

	sess, _ := s.Get("s1")
	if sess.ChannelData["chat_id"] != "42" || sess.ChannelData["is_group"] != "true" {
		t.Fatalf("channel data = %v, want merged chat_id/is_group", sess.ChannelData)
	}

	// Snapshots are copies; writing through one must not leak into the store.
	sess.ChannelData["chat_id"] = "boom"
	again, _ := s.Get("s1")
	if again.ChannelData["chat_id"] != "42" {
		t.Fatalf("snapshot mutation leaked: %v", again.ChannelData)
	}

	metas, _ := backend.LoadSessionMetas(ctx)
	if len(metas) != 1 || metas[0].ChannelData["chat_id"] != "42" {
		t.Fatalf("persisted meta = %+v, want chat_id 42", metas)
	}
}

// TestAddMessage_AssignsIDAndPersists verifies fresh id assignment and the
// durable append.
func TestAddMessage_AssignsIDAndPersists(t *testing.T) {
	s, backend := newTestStore(t, 50)
	ctx := context.Background()

	seed(t, s, "s1", []Message{user("hello")})

	hist, err := s.GetHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(hist) != 1 || hist[0].ID == "" {
		t.Fatalf("message id not assigned: %+v", hist)
	}

	recs, _ := backend.LoadMessages(ctx, "s1")
	if len(recs) != 1 {
		t.Fatalf("persisted %d records, want 1", len(recs))
	}
	if recs[0].ID != hist[0].ID {
		t.Errorf("persisted id = %q, want %q", recs[0].ID, hist[0].ID)
	}

	if err := s.AddMessage(ctx, "nope", user("x")); err == nil {
		t.Error("AddMessage on unknown session succeeded, want error")
	}
}

// TestGetHistory_SummaryAndWindow verifies the prompt view: synthetic system
// message carrying the summary, then the most recent messages with one slot
// reserved for the summary.
func TestGetHistory_SummaryAndWindow(t *testing.T) {
	s, _ := newTestStore(t, 4)
	ctx := context.Background()

	seed(t, s, "s1", []Message{
		user("one"), assistant("1"),
		user("two"), assistant("2"),
		user("three"), assistant("3"),
	})

	// No summary: plain tail of memory_window.
	hist, err := s.GetHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if got := roles(hist); got != "user assistant user assistant" {
		t.Errorf("window view = %q", got)
	}
	if hist[0].Content != "two" {
		t.Errorf("window starts at %q, want two", hist[0].Content)
	}

	// With a summary: synthetic system head plus window-1 tail.
	if err := s.ApplyCompression(ctx, "s1", "early chat about numbers", 2); err != nil {
		t.Fatalf("ApplyCompression: %v", err)
	}
	hist, err = s.GetHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if hist[0].Role != RoleSystem || !strings.Contains(hist[0].Content, "early chat about numbers") {
		t.Fatalf("history head = %+v, want summary-bearing system message", hist[0])
	}
	rest := hist[1:]
	if len(rest) != 3 { // window 4 minus summary slot
		t.Fatalf("tail length = %d, want 3", len(rest))
	}
	if rest[0].Content != "2" {
		t.Errorf("tail starts at %q, want \"2\"", rest[0].Content)
	}
}

// TestGetHistory_WindowCutSanitised verifies that a window cut landing
// inside a tool-call chain is repaired before the view is returned.
func TestGetHistory_WindowCutSanitised(t *testing.T) {
	s, _ := newTestStore(t, 3)
	ctx := context.Background()

	seed(t, s, "s1", []Message{
		user("q"),
		chainHead("a", "b"), toolResult("a"), toolResult("b"),
		assistant("done"),
	})

	// Tail of 3 = [tool(b), assistant]... leading tool must be dropped.
	hist, err := s.GetHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if got := roles(hist); got != "assistant" {
		t.Errorf("sanitised view = %q, want bare assistant", got)
	}
}

// TestCompression_AccumulatesAndSurvivesRestart verifies delta accumulation
// onto an existing summary and the summary-guided replay on a cold start:
// the head covered by compressed_count is skipped and the view re-sanitised.
func TestCompression_AccumulatesAndSurvivesRestart(t *testing.T) {
	backend := store.NewMemory()
	s := NewStore(backend, Config{MemoryWindow: 50})
	ctx := context.Background()

	var msgs []Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, user(fmt.Sprintf("q%d", i)), assistant(fmt.Sprintf("a%d", i)))
	}
	seed(t, s, "s1", msgs) // 20 messages

	if err := s.ApplyCompression(ctx, "s1", "first summary", 6); err != nil {
		t.Fatalf("ApplyCompression: %v", err)
	}
	if n, _ := s.GetMessageCount(ctx, "s1"); n != 14 {
		t.Fatalf("count after first compression = %d, want 14", n)
	}

	if err := s.ApplyCompression(ctx, "s1", "second summary", 4); err != nil {
		t.Fatalf("ApplyCompression second: %v", err)
	}
	if n, _ := s.GetMessageCount(ctx, "s1"); n != 10 {
		t.Fatalf("count after second compression = %d, want 10", n)
	}

	sum, _ := backend.LoadSummary(ctx, "s1")
	if sum == nil || sum.CompressedCount != 10 || sum.Content != "second summary" {
		t.Fatalf("persisted summary = %+v, want compressed_count 10", sum)
	}

	// The full log is never truncated.
	recs, _ := backend.LoadMessages(ctx, "s1")
	if len(recs) != 20 {
		t.Fatalf("persisted log = %d records, want all 20", len(recs))
	}

	// Cold restart: new store over the same backend.
	s2 := NewStore(backend, Config{MemoryWindow: 50})
	if err := s2.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := s2.GetOrCreate(ctx, "s1", "test"); err != nil {
		t.Fatalf("GetOrCreate after restart: %v", err)
	}
	if n, _ := s2.GetMessageCount(ctx, "s1"); n != 10 {
		t.Errorf("count after replay = %d, want 10", n)
	}
	hist, _ := s2.GetHistory(ctx, "s1")
	if hist[0].Role != RoleSystem || !strings.Contains(hist[0].Content, "second summary") {
		t.Errorf("replayed history head = %+v, want summary system message", hist[0])
	}
	if hist[1].Content != "q5" {
		t.Errorf("first replayed message = %q, want q5", hist[1].Content)
	}
}

// TestApplyCompression_ReplayIsNoOp verifies idempotence: re-applying the
// identical summary text leaves counts and view unchanged.
func TestApplyCompression_ReplayIsNoOp(t *testing.T) {
	s, backend := newTestStore(t, 50)
	ctx := context.Background()

	seed(t, s, "s1", []Message{user("a"), assistant("b"), user("c"), assistant("d")})

	if err := s.ApplyCompression(ctx, "s1", "sum", 2); err != nil {
		t.Fatalf("ApplyCompression: %v", err)
	}
	if err := s.ApplyCompression(ctx, "s1", "sum", 2); err != nil {
		t.Fatalf("ApplyCompression replay: %v", err)
	}

	if n, _ := s.GetMessageCount(ctx, "s1"); n != 2 {
		t.Errorf("count = %d, want 2 (replay must not drop more)", n)
	}
	sum, _ := backend.LoadSummary(ctx, "s1")
	if sum.CompressedCount != 2 {
		t.Errorf("compressed_count = %d, want 2", sum.CompressedCount)
	}
}

// TestGetMessagesToCompress_ChainProtection builds a 60-message log whose
// only tool-call chain sits at [38..42] and verifies that a split landing
// mid-chain walks back to 37 (the user message that opened the turn),
// compressing [0..36], and that the view after compaction starts with the
// summary followed by message 37.
func TestGetMessagesToCompress_ChainProtection(t *testing.T) {
	s, _ := newTestStore(t, 50)
	ctx := context.Background()

	fill := func(msgs []Message, upto int) []Message {
		for len(msgs) < upto {
			i := len(msgs)
			if i%2 == 0 {
				msgs = append(msgs, user(fmt.Sprintf("m%d", i)))
			} else {
				msgs = append(msgs, assistant(fmt.Sprintf("m%d", i)))
			}
		}
		return msgs
	}

	// [0..36] plain turns; 37: the turn the chain belongs to; 38: head;
	// 39-42: results; [43..59] plain turns.
	msgs := fill(nil, 37)
	msgs = append(msgs, user("run the checks"))
	msgs = append(msgs, chainHead("c1", "c2", "c3", "c4"))
	msgs = append(msgs, toolResult("c1"), toolResult("c2"), toolResult("c3"), toolResult("c4"))
	msgs = fill(msgs, 60)
	if !msgs[38].IsChainHead() || msgs[42].Role != RoleTool {
		t.Fatalf("fixture misaligned: 38=%s 42=%s", roles(msgs[38:39]), roles(msgs[42:43]))
	}
	seed(t, s, "s1", msgs)

	// keepRecent=20 puts the naive boundary at 40, inside the chain.
	slice, err := s.GetMessagesToCompress(ctx, "s1", 20)
	if err != nil {
		t.Fatalf("GetMessagesToCompress: %v", err)
	}
	if len(slice) != 37 {
		t.Fatalf("compress slice length = %d, want 37 ([0..36])", len(slice))
	}
	if slice[len(slice)-1].Content != "m36" {
		t.Errorf("slice ends at %q, want m36", slice[len(slice)-1].Content)
	}

	// The safe split point is stable under repeat calls.
	again, _ := s.GetMessagesToCompress(ctx, "s1", 20)
	if len(again) != len(slice) {
		t.Errorf("repeat call returned %d messages, want %d", len(again), len(slice))
	}

	if err := s.ApplyCompression(ctx, "s1", "summary of the early conversation", len(slice)); err != nil {
		t.Fatalf("ApplyCompression: %v", err)
	}
	hist, err := s.GetHistory(ctx, "s1")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if hist[0].Role != RoleSystem || !strings.Contains(hist[0].Content, "summary of the early conversation") {
		t.Fatalf("history head = %+v, want summary system message", hist[0])
	}
	if hist[1].Content != "run the checks" {
		t.Errorf("first message after summary = %q, want the turn opener", hist[1].Content)
	}
	if !hist[2].IsChainHead() {
		t.Errorf("chain head not preserved after compaction: %s", roles(hist))
	}
}

// TestFindSessionsByUser_NoMaterialize verifies the user index works right
// after Init, for sessions whose logs were never replayed this run.
func TestFindSessionsByUser_NoMaterialize(t *testing.T) {
	backend := store.NewMemory()
	ctx := context.Background()

	// Pre-seed backend as a previous run would have.
	first := NewStore(backend, Config{})
	seed(t, first, "s1", []Message{user("hello")})
	first.SetSessionUser(ctx, "s1", "u9")
	seed(t, first, "s2", []Message{user("other")})
	first.SetSessionUser(ctx, "s2", "u9")

	s := NewStore(backend, Config{})
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got := s.FindSessionsByUser("u9")
	if len(got) != 2 {
		t.Fatalf("found %d sessions, want 2", len(got))
	}
	for _, sess := range got {
		if sess.UserID != "u9" {
			t.Errorf("session %s bound to %q", sess.ID, sess.UserID)
		}
	}
}

// TestClearSession_PreservesMetaAndWorkspace verifies that /clear drops the
// log and summary but keeps the meta row and scratch directory.
func TestClearSession_PreservesMetaAndWorkspace(t *testing.T) {
	s, backend := newTestStore(t, 50)
	ctx := context.Background()

	seed(t, s, "s1", []Message{user("a"), assistant("b")})
	s.SetSessionUser(ctx, "s1", "u1")
	if err := s.ApplyCompression(ctx, "s1", "sum", 1); err != nil {
		t.Fatalf("ApplyCompression: %v", err)
	}
	dir, err := s.WorkspaceDir("s1")
	if err != nil {
		t.Fatalf("WorkspaceDir: %v", err)
	}

	if err := s.ClearSession(ctx, "s1"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}

	if n, _ := s.GetMessageCount(ctx, "s1"); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
	if sum, _ := backend.LoadSummary(ctx, "s1"); sum != nil {
		t.Errorf("summary survived clear: %+v", sum)
	}
	sess, ok := s.Get("s1")
	if !ok || sess.UserID != "u1" {
		t.Errorf("meta lost after clear: %+v ok=%v", sess, ok)
	}
	if dir2, _ := s.WorkspaceDir("s1"); dir2 != dir {
		t.Errorf("workspace moved after clear: %q -> %q", dir, dir2)
	}
}

// TestMigrateSessionsUser verifies rebinding every session from one user to
// another, as /link does after an identity merge.
func TestMigrateSessionsUser(t *testing.T) {
	s, _ := newTestStore(t, 50)
	ctx := context.Background()

	seed(t, s, "s1", []Message{user("a")})
	seed(t, s, "s2", []Message{user("b")})
	seed(t, s, "s3", []Message{user("c")})
	s.SetSessionUser(ctx, "s1", "old")
	s.SetSessionUser(ctx, "s2", "old")
	s.SetSessionUser(ctx, "s3", "other")

	if moved := s.MigrateSessionsUser(ctx, "old", "new"); moved != 2 {
		t.Fatalf("moved = %d, want 2", moved)
	}
	if got := s.FindSessionsByUser("new"); len(got) != 2 {
		t.Errorf("new user has %d sessions, want 2", len(got))
	}
	if got := s.FindSessionsByUser("old"); len(got) != 0 {
		t.Errorf("old user still has %d sessions", len(got))
	}
	if got := s.FindSessionsByUser("other"); len(got) != 1 {
		t.Errorf("unrelated user affected: %d sessions", len(got))
	}
}
