package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/beacon/internal/memory"
)

// MemorySaveTool persists a short fact about the current user. The user
// identity comes from the execution context, so the tool itself is stateless.
type MemorySaveTool struct {
	svc *memory.Service
}

func NewMemorySaveTool(svc *memory.Service) *MemorySaveTool {
	return &MemorySaveTool{svc: svc}
}

func (t *MemorySaveTool) Name() string { return "memory_save" }

func (t *MemorySaveTool) Description() string {
	return "Save a short fact about the user to long-term memory (preferences, recurring context, important dates)"
}

func (t *MemorySaveTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The fact to remember, one short sentence",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MemorySaveTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	content, _ := args["content"].(string)
	if strings.TrimSpace(content) == "" {
		return ErrorResult("content is required")
	}
	ec := ExecContextFrom(ctx)
	if ec.UserID == "" {
		return ErrorResult("no user identity bound to this session; memory is per-user")
	}
	if _, err := t.svc.Append(ctx, ec.UserID, content); err != nil {
		return ErrorResult(fmt.Sprintf("saving memory: %v", err))
	}
	return SilentResult("Saved to memory.")
}

// MemoryListTool returns the current user's saved memories.
type MemoryListTool struct {
	svc *memory.Service
}

func NewMemoryListTool(svc *memory.Service) *MemoryListTool {
	return &MemoryListTool{svc: svc}
}

func (t *MemoryListTool) Name() string { return "memory_list" }

func (t *MemoryListTool) Description() string {
	return "List everything saved to long-term memory for the current user"
}

func (t *MemoryListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *MemoryListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	ec := ExecContextFrom(ctx)
	if ec.UserID == "" {
		return ErrorResult("no user identity bound to this session; memory is per-user")
	}
	entries, err := t.svc.Read(ctx, ec.UserID)
	if err != nil {
		return ErrorResult(fmt.Sprintf("reading memory: %v", err))
	}
	if len(entries) == 0 {
		return SilentResult("(no memories saved yet)")
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s\n", e.CreatedAt.Format("2006-01-02"), e.Text)
	}
	return SilentResult(strings.TrimRight(b.String(), "\n"))
}
