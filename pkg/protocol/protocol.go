// Package protocol defines the JSON frames exchanged over the WebSocket
// gateway. Clients send chat and cancel frames; the server answers with
// reply, progress and error frames.
package protocol

// Version identifies the wire protocol. Reported by /healthz so clients can
// detect incompatible servers before opening a socket.
const Version = 1

// Client frame types.
const (
	TypeChat   = "chat"
	TypeCancel = "cancel"
)

// Server frame types.
const (
	TypeReply    = "reply"
	TypeProgress = "progress"
	TypeError    = "error"
)

// ClientFrame is a message from client to server.
//
// A chat frame starts (or continues) a turn on the given session; an empty
// session_id on the first chat frame asks the server to allocate one, which
// is echoed back on every server frame. A cancel frame aborts the queued and
// in-flight turns of the session.
type ClientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ServerFrame is a message from server to client.
//
// reply carries the final text of a turn. progress reports intermediate
// state (step is one of thinking, llm_response, tool_call, tool_result).
// error reports a request that was rejected before reaching the agent.
type ServerFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`

	// Progress fields.
	Step      string `json:"step,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
	Tool      string `json:"tool,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`

	// Error detail for type "error".
	Error string `json:"error,omitempty"`
}
