package bus

import "time"

// Progress step tags, in the order a turn produces them.
const (
	StepThinking    = "thinking"
	StepLLMResponse = "llm_response"
	StepToolCall    = "tool_call"
	StepToolResult  = "tool_result"
)

// Metadata keys understood by the core.
const (
	MetaScheduledTaskID = "scheduled_task_id"
	MetaCreatorUserID   = "creator_user_id"
	MetaDisplayName     = "display_name"
	MetaSource          = "source"
	MetaSubagentID      = "subagent_id"
	MetaSubagentLabel   = "subagent_label"
	MetaSenderUserID    = "sender_user_id"
)

// SenderScheduler is the synthetic sender for cron-triggered messages.
const SenderScheduler = "scheduler"

// SenderSubagent is the synthetic sender for subagent completion announcements.
const SenderSubagent = "system:subagent"

// InboundMessage represents a message received from a channel (Telegram, Discord, etc.).
// SessionID is chosen by the transport and must be stable per end client
// so that restarts preserve history.
type InboundMessage struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	SessionID string            `json:"session_id"`
	Sender    string            `json:"sender"`
	Text      string            `json:"text"`
	Media     []string          `json:"media,omitempty"` // local file paths
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a reply to be sent to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	SessionID string            `json:"session_id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ProgressMessage reports intermediate turn state to a channel.
// Delivery is best-effort; transports may render or drop them.
type ProgressMessage struct {
	Channel   string         `json:"channel"`
	SessionID string         `json:"session_id"`
	Step      string         `json:"step"` // thinking | llm_response | tool_call | tool_result
	Iteration int            `json:"iteration"`
	Tool      string         `json:"tool,omitempty"`
	ToolArgs  map[string]any `json:"tool_args,omitempty"`
	Text      string         `json:"text,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// OutboundHandler delivers an outbound message to a transport.
// Errors are logged by the bus and never propagate to the caller.
type OutboundHandler func(msg OutboundMessage) error

// ProgressHandler delivers a progress message to a transport.
// Invocations are fire-and-forget.
type ProgressHandler func(msg ProgressMessage)
