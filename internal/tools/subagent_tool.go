package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Spawner is the slice of the subagent manager the spawn tools need.
type Spawner interface {
	Spawn(ctx context.Context, taskPrompt string, origin SubagentOrigin, opts SpawnOptions) (SubagentInfo, error)
	List(sessionID string) []SubagentInfo
}

// SpawnTool starts a background subagent. The origin comes from the
// execution context of the calling turn, so concurrent turns never see each
// other's origin.
type SpawnTool struct {
	mgr Spawner
}

func NewSpawnTool(mgr Spawner) *SpawnTool {
	return &SpawnTool{mgr: mgr}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Run a task in the background with a separate agent; the result is announced back into this conversation when done. Use for long or independent work"
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Complete, self-contained instructions for the background task",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Short name for the task, shown in status output",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return ErrorResult("task is required")
	}
	label, _ := args["label"].(string)

	ec := ExecContextFrom(ctx)
	if ec.SessionID == "" {
		return ErrorResult("no session bound to this invocation")
	}

	info, err := t.mgr.Spawn(ctx, task, SubagentOrigin{
		SessionID:    ec.SessionID,
		Channel:      ec.Channel,
		UserID:       ec.UserID,
		WorkspaceDir: ec.WorkspaceDir,
	}, SpawnOptions{Label: label})
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			return ErrorResult("too many subagents are already running; wait for one to finish or answer without spawning")
		}
		return ErrorResult(fmt.Sprintf("spawning subagent: %v", err))
	}
	return NewResult(fmt.Sprintf("Started background task %s (%q). The result will arrive in this conversation when it finishes; tell the user the task is running and continue.",
		info.ID, info.Label))
}

// ListSubagentsTool shows this conversation's background tasks.
type ListSubagentsTool struct {
	mgr Spawner
}

func NewListSubagentsTool(mgr Spawner) *ListSubagentsTool {
	return &ListSubagentsTool{mgr: mgr}
}

func (t *ListSubagentsTool) Name() string { return "list_subagents" }

func (t *ListSubagentsTool) Description() string {
	return "List the background tasks spawned from this conversation and their status"
}

func (t *ListSubagentsTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListSubagentsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	ec := ExecContextFrom(ctx)
	infos := t.mgr.List(ec.SessionID)
	if len(infos) == 0 {
		return SilentResult("(no background tasks)")
	}

	var b strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&b, "- %s [%s] %q", info.ID, info.Status, info.Label)
		if info.Status == SubagentRunning {
			fmt.Fprintf(&b, " running for %s", time.Since(info.CreatedAt).Round(time.Second))
		}
		b.WriteString("\n")
	}
	return SilentResult(strings.TrimRight(b.String(), "\n"))
}
