// Package session owns durable conversation state: the per-session message
// log, its rolling summary, and the prompt-ready window handed to the LLM.
// All truncation and compaction respects the tool-call chain: an assistant
// message with N tool_calls is atomic with its N tool-role follow-ups.
package session

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// MetaSource marks synthetic user messages, e.g. source=scheduler.
const MetaSource = "source"

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is the unit of conversation. Content may be empty when an
// assistant message only carries tool calls. ToolCallID and ToolName are set
// on tool-role messages.
type Message struct {
	ID         string            `json:"id,omitempty"`
	Role       string            `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp,omitempty"`
}

// IsChainHead reports whether m opens a tool-call chain.
func (m Message) IsChainHead() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// sanitizeStart repairs the head of a message window so it never begins with
// an orphaned tool message or a truncated tool-call chain: leading tool
// messages are dropped; a leading chain head with fewer tool results than
// tool calls is dropped together with the results it does have, and the scan
// repeats.
func sanitizeStart(msgs []Message) []Message {
	for len(msgs) > 0 {
		head := msgs[0]
		if head.Role == RoleTool {
			msgs = msgs[1:]
			continue
		}
		if head.IsChainHead() {
			results := 0
			for i := 1; i < len(msgs) && msgs[i].Role == RoleTool; i++ {
				results++
			}
			if results < len(head.ToolCalls) {
				msgs = msgs[1+results:]
				continue
			}
		}
		break
	}
	return msgs
}

// safeSplitBoundary moves boundary (the index of the first message to keep)
// backward until it no longer splits a tool-call chain: from a tool-role
// message it walks left to the chain's assistant head, and from an assistant
// head one more step left, so the kept window starts with the message that
// opened that turn. Returns 0 when no safe boundary above index 0 exists.
func safeSplitBoundary(msgs []Message, boundary int) int {
	if boundary >= len(msgs) {
		boundary = len(msgs) - 1
	}
	for boundary > 0 {
		m := msgs[boundary]
		if m.Role == RoleTool {
			j := boundary - 1
			for j > 0 && msgs[j].Role == RoleTool {
				j--
			}
			boundary = j
			continue
		}
		if m.IsChainHead() {
			boundary--
			continue
		}
		break
	}
	if boundary < 0 {
		return 0
	}
	return boundary
}
