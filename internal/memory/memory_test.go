package memory

import (
	"context"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/beacon/internal/store"
)

// TestAppendReadClear covers the basic per-user lifecycle.
func TestAppendReadClear(t *testing.T) {
	svc := NewService(store.NewMemory(), 0)
	ctx := context.Background()

	if _, err := svc.Append(ctx, "u1", "  "); err == nil {
		t.Error("blank memory accepted")
	}

	e1, err := svc.Append(ctx, "u1", "prefers metric units")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e1.ID == "" || e1.UserID != "u1" {
		t.Errorf("entry = %+v", e1)
	}
	svc.Append(ctx, "u1", "timezone is UTC+7")
	svc.Append(ctx, "u2", "other user fact")

	got, err := svc.Read(ctx, "u1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 || got[0].Text != "prefers metric units" {
		t.Errorf("Read = %+v", got)
	}

	if err := svc.Clear(ctx, "u1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, _ = svc.Read(ctx, "u1")
	if len(got) != 0 {
		t.Errorf("memories survived clear: %+v", got)
	}
	other, _ := svc.Read(ctx, "u2")
	if len(other) != 1 {
		t.Errorf("clear leaked across users: %+v", other)
	}
}

// TestPromptBlock verifies rendering and the recency cap.
func TestPromptBlock(t *testing.T) {
	svc := NewService(store.NewMemory(), 2)
	ctx := context.Background()

	block, err := svc.PromptBlock(ctx, "u1")
	if err != nil || block != "" {
		t.Fatalf("empty user block = %q err=%v", block, err)
	}
	if block, _ := svc.PromptBlock(ctx, ""); block != "" {
		t.Errorf("anonymous block = %q", block)
	}

	svc.Append(ctx, "u1", "first")
	svc.Append(ctx, "u1", "second")
	svc.Append(ctx, "u1", "third")

	block, err = svc.PromptBlock(ctx, "u1")
	if err != nil {
		t.Fatalf("PromptBlock: %v", err)
	}
	if !strings.HasPrefix(block, "<memory>") || !strings.HasSuffix(block, "</memory>") {
		t.Errorf("block not wrapped: %q", block)
	}
	if strings.Contains(block, "first") {
		t.Errorf("cap not applied, oldest entry leaked: %q", block)
	}
	if !strings.Contains(block, "- second") || !strings.Contains(block, "- third") {
		t.Errorf("recent entries missing: %q", block)
	}
}
