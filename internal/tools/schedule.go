package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/beacon/internal/scheduler"
)

// TaskScheduler is the slice of the scheduler the scheduling tools need.
type TaskScheduler interface {
	AddTask(ctx context.Context, in scheduler.AddTaskInput) (scheduler.TaskInfo, error)
	RemoveTask(ctx context.Context, id, sessionID string) error
	TasksBySession(sessionID string) []scheduler.TaskInfo
}

// ScheduleTaskTool creates a recurring task that re-enters the agent as a
// synthetic message whenever its cron expression fires.
type ScheduleTaskTool struct {
	sched TaskScheduler
}

func NewScheduleTaskTool(sched TaskScheduler) *ScheduleTaskTool {
	return &ScheduleTaskTool{sched: sched}
}

func (t *ScheduleTaskTool) Name() string { return "schedule_task" }

func (t *ScheduleTaskTool) Description() string {
	return "Schedule a recurring task using a 5-field cron expression; when it fires the prompt is processed in this conversation"
}

func (t *ScheduleTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"cron": map[string]interface{}{
				"type":        "string",
				"description": "Cron expression: minute hour day-of-month month day-of-week, e.g. \"0 9 * * 1-5\"",
			},
			"description": map[string]interface{}{
				"type":        "string",
				"description": "Short human-readable label for the task",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The instruction to run each time the task fires",
			},
		},
		"required": []string{"cron", "description", "prompt"},
	}
}

func (t *ScheduleTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	cron, _ := args["cron"].(string)
	desc, _ := args["description"].(string)
	prompt, _ := args["prompt"].(string)
	if strings.TrimSpace(cron) == "" || strings.TrimSpace(desc) == "" || strings.TrimSpace(prompt) == "" {
		return ErrorResult("cron, description and prompt are all required")
	}

	ec := ExecContextFrom(ctx)
	if ec.SessionID == "" {
		return ErrorResult("no session bound to this invocation")
	}

	info, err := t.sched.AddTask(ctx, scheduler.AddTaskInput{
		SessionID:     ec.SessionID,
		Channel:       ec.Channel,
		Cron:          cron,
		Description:   desc,
		Prompt:        prompt,
		CreatorUserID: ec.UserID,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrQuotaExceeded) {
			return ErrorResult("task limit for this conversation reached; cancel an existing task first (list_scheduled_tasks shows them)")
		}
		return ErrorResult(fmt.Sprintf("scheduling task: %v", err))
	}
	return NewResult(fmt.Sprintf("Scheduled task %s (%q, cron %s). Next run: %s.",
		info.ID, info.Description, info.CronExpr, info.NextRun.Format("2006-01-02 15:04 MST")))
}

// ListScheduledTasksTool lists this conversation's scheduled tasks.
type ListScheduledTasksTool struct {
	sched TaskScheduler
}

func NewListScheduledTasksTool(sched TaskScheduler) *ListScheduledTasksTool {
	return &ListScheduledTasksTool{sched: sched}
}

func (t *ListScheduledTasksTool) Name() string { return "list_scheduled_tasks" }

func (t *ListScheduledTasksTool) Description() string {
	return "List the scheduled tasks registered for this conversation"
}

func (t *ListScheduledTasksTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ListScheduledTasksTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	ec := ExecContextFrom(ctx)
	tasks := t.sched.TasksBySession(ec.SessionID)
	if len(tasks) == 0 {
		return SilentResult("(no scheduled tasks)")
	}
	var b strings.Builder
	for _, task := range tasks {
		state := "enabled"
		if !task.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "- %s [%s] cron=%q %s (runs: %d", task.ID, state, task.CronExpr, task.Description, task.RunCount)
		if task.Enabled && !task.NextRun.IsZero() {
			fmt.Fprintf(&b, ", next: %s", task.NextRun.Format("2006-01-02 15:04 MST"))
		}
		b.WriteString(")\n")
	}
	return SilentResult(strings.TrimRight(b.String(), "\n"))
}

// CancelScheduledTaskTool removes a scheduled task. Only tasks belonging to
// the calling session can be cancelled.
type CancelScheduledTaskTool struct {
	sched TaskScheduler
}

func NewCancelScheduledTaskTool(sched TaskScheduler) *CancelScheduledTaskTool {
	return &CancelScheduledTaskTool{sched: sched}
}

func (t *CancelScheduledTaskTool) Name() string { return "cancel_scheduled_task" }

func (t *CancelScheduledTaskTool) Description() string {
	return "Cancel a scheduled task by its id"
}

func (t *CancelScheduledTaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task_id": map[string]interface{}{
				"type":        "string",
				"description": "Id of the task to cancel, as shown by list_scheduled_tasks",
			},
		},
		"required": []string{"task_id"},
	}
}

func (t *CancelScheduledTaskTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	taskID, _ := args["task_id"].(string)
	if strings.TrimSpace(taskID) == "" {
		return ErrorResult("task_id is required")
	}
	ec := ExecContextFrom(ctx)
	if err := t.sched.RemoveTask(ctx, taskID, ec.SessionID); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			return ErrorResult(fmt.Sprintf("no task %s in this conversation", taskID))
		}
		return ErrorResult(fmt.Sprintf("cancelling task: %v", err))
	}
	return NewResult(fmt.Sprintf("Cancelled scheduled task %s.", taskID))
}
