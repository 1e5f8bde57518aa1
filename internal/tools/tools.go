// Package tools holds the tool registry, the built-in tools the agent loop
// exposes to the model, and the subagent manager. Tools receive their
// per-turn identity (session, workspace, channel, user) through the
// execution context rather than mutable fields, so one registry instance is
// safe under concurrent turns.
package tools

import "context"

// Tool is one callable capability advertised to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON schema of the arguments object.
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// ExecContext carries the identity of the turn a tool call belongs to.
// Injected per invocation; never stored on the tool.
type ExecContext struct {
	SessionID    string
	WorkspaceDir string
	Channel      string
	UserID       string
}

type execContextKey struct{}

// WithExecContext attaches the turn identity for tools to read.
func WithExecContext(ctx context.Context, ec ExecContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, ec)
}

// ExecContextFrom returns the turn identity, zero-valued when absent.
func ExecContextFrom(ctx context.Context) ExecContext {
	ec, _ := ctx.Value(execContextKey{}).(ExecContext)
	return ec
}

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content fed back to the model
	ForUser string `json:"for_user,omitempty"` // content shown directly to the user
	Silent  bool   `json:"silent"`             // suppress user-facing rendering
	IsError bool   `json:"is_error"`           // marks a failed invocation
	Err     error  `json:"-"`                  // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
