package store

import (
	"context"
	"testing"
	"time"
)

// TestMemory_AppendAndLoadMessages verifies append order, payload isolation
// and duplicate-id suppression.
func TestMemory_AppendAndLoadMessages(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	payload := []byte(`{"role":"user","content":"hi"}`)
	if err := m.AppendMessage(ctx, "s1", MessageRecord{ID: "m1", Payload: payload, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	payload[0] = 'X' // caller mutates its buffer; stored copy must not change

	if err := m.AppendMessage(ctx, "s1", MessageRecord{ID: "m2", Payload: []byte(`{"role":"assistant"}`)}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	// Same id again: keep first.
	if err := m.AppendMessage(ctx, "s1", MessageRecord{ID: "m1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("AppendMessage duplicate: %v", err)
	}

	recs, err := m.LoadMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].ID != "m1" || recs[1].ID != "m2" {
		t.Errorf("order = [%s %s], want [m1 m2]", recs[0].ID, recs[1].ID)
	}
	if string(recs[0].Payload) != `{"role":"user","content":"hi"}` {
		t.Errorf("stored payload was mutated: %s", recs[0].Payload)
	}
}

// TestMemory_SummaryRoundTrip verifies summary save/load/clear and the nil
// return for a session without one.
func TestMemory_SummaryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sum, err := m.LoadSummary(ctx, "s1")
	if err != nil || sum != nil {
		t.Fatalf("LoadSummary on empty = (%v, %v), want (nil, nil)", sum, err)
	}

	want := SummaryRecord{Content: "user asked about the weather", CompressedCount: 12, UpdatedAt: time.Now()}
	if err := m.SaveSummary(ctx, "s1", want); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	sum, err = m.LoadSummary(ctx, "s1")
	if err != nil || sum == nil {
		t.Fatalf("LoadSummary = (%v, %v), want record", sum, err)
	}
	if sum.Content != want.Content || sum.CompressedCount != 12 {
		t.Errorf("got %+v, want %+v", sum, want)
	}

	if err := m.ClearSummary(ctx, "s1"); err != nil {
		t.Fatalf("ClearSummary: %v", err)
	}
	if sum, _ := m.LoadSummary(ctx, "s1"); sum != nil {
		t.Errorf("summary survived clear: %+v", sum)
	}
}

// TestMemory_SessionMetaUpsert verifies that saving the same session id twice
// keeps one row with the latest values.
func TestMemory_SessionMetaUpsert(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	if err := m.SaveSessionMeta(ctx, SessionMeta{SessionID: "s1", Channel: "unknown", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveSessionMeta: %v", err)
	}
	if err := m.SaveSessionMeta(ctx, SessionMeta{SessionID: "s1", Channel: "telegram", UserID: "u1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("SaveSessionMeta: %v", err)
	}

	metas, err := m.LoadSessionMetas(ctx)
	if err != nil {
		t.Fatalf("LoadSessionMetas: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("got %d metas, want 1", len(metas))
	}
	if metas[0].Channel != "telegram" || metas[0].UserID != "u1" {
		t.Errorf("got %+v, want channel=telegram user=u1", metas[0])
	}
}

// TestMemory_TaskCRUD verifies task save, overwrite, delete and reload.
func TestMemory_TaskCRUD(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task := TaskRecord{ID: "t1", SessionID: "s1", Channel: "telegram", CronExpr: "0 * * * *", Prompt: "heartbeat", Enabled: true, CreatedAt: time.Now()}
	if err := m.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	task.RunCount = 3
	if err := m.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask update: %v", err)
	}

	tasks, err := m.LoadTasks(ctx)
	if err != nil {
		t.Fatalf("LoadTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].RunCount != 3 {
		t.Fatalf("got %+v, want one task with run_count=3", tasks)
	}

	if err := m.DeleteTask(ctx, "t1"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	tasks, _ = m.LoadTasks(ctx)
	if len(tasks) != 0 {
		t.Errorf("task survived delete: %+v", tasks)
	}
}

// TestMemory_MemoriesPerUser verifies that memory entries are scoped to the
// user id and cleared independently.
func TestMemory_MemoriesPerUser(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.AppendMemory(ctx, MemoryEntry{ID: "e1", UserID: "u1", Text: "likes jazz"})
	m.AppendMemory(ctx, MemoryEntry{ID: "e2", UserID: "u1", Text: "based in Hanoi"})
	m.AppendMemory(ctx, MemoryEntry{ID: "e3", UserID: "u2", Text: "prefers dark mode"})

	got, err := m.LoadMemories(ctx, "u1")
	if err != nil {
		t.Fatalf("LoadMemories: %v", err)
	}
	if len(got) != 2 || got[0].Text != "likes jazz" || got[1].Text != "based in Hanoi" {
		t.Errorf("u1 memories = %+v, want the two entries in append order", got)
	}

	if err := m.ClearMemories(ctx, "u1"); err != nil {
		t.Fatalf("ClearMemories: %v", err)
	}
	if got, _ := m.LoadMemories(ctx, "u1"); len(got) != 0 {
		t.Errorf("u1 memories survived clear: %+v", got)
	}
	if got, _ := m.LoadMemories(ctx, "u2"); len(got) != 1 {
		t.Errorf("u2 memories affected by u1 clear: %+v", got)
	}
}
