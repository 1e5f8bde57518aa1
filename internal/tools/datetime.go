package tools

import (
	"context"
	"fmt"
	"time"
)

// DatetimeTool reports the current date and time. Models have no clock;
// scheduled prompts and relative-date questions need one.
type DatetimeTool struct {
	now func() time.Time
}

func NewDatetimeTool(now func() time.Time) *DatetimeTool {
	if now == nil {
		now = time.Now
	}
	return &DatetimeTool{now: now}
}

func (t *DatetimeTool) Name() string { return "get_datetime" }

func (t *DatetimeTool) Description() string {
	return "Get the current date and time, optionally in a specific IANA timezone"
}

func (t *DatetimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"timezone": map[string]interface{}{
				"type":        "string",
				"description": "IANA timezone name, e.g. \"Asia/Singapore\" (default: server local time)",
			},
		},
	}
}

func (t *DatetimeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	now := t.now()
	if tz, _ := args["timezone"].(string); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return ErrorResult(fmt.Sprintf("unknown timezone %q", tz))
		}
		now = now.In(loc)
	}
	return SilentResult(fmt.Sprintf("%s (%s, week %d)",
		now.Format("Monday, 2 January 2006 15:04:05 MST"),
		now.Format(time.RFC3339),
		isoWeek(now),
	))
}

func isoWeek(t time.Time) int {
	_, week := t.ISOWeek()
	return week
}
