// Package beaconerr defines the typed error taxonomy shared across the
// runtime. Callers match with errors.As for the kind and errors.Is for
// sentinels; everything else is wrapped context via fmt.Errorf("%w").
package beaconerr

import (
	"errors"
	"fmt"
)

// ErrIterationLimit marks a turn that hit max_iterations without the model
// producing a terminal reply. Surfaced to the user as a turn failure.
var ErrIterationLimit = errors.New("reached max iterations without a final reply")

// ConfigError is fatal at init: the process should not start.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// NewConfig reports an invalid or missing configuration value.
func NewConfig(field, reason string) *ConfigError {
	return &ConfigError{Field: field, Reason: reason}
}

// ProviderError is an LLM upstream failure. Recoverable: the turn fails but
// the process keeps running.
type ProviderError struct {
	Provider string
	Status   int // HTTP status when known, 0 otherwise
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProvider wraps an upstream LLM failure with the provider name.
func NewProvider(provider string, status int, err error) *ProviderError {
	return &ProviderError{Provider: provider, Status: status, Err: err}
}

// ToolNotFoundError: the model asked for a tool the registry does not hold.
// The model sees a textual error in the tool-role message.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Tool)
}

// NewToolNotFound reports an unknown tool name.
func NewToolNotFound(tool string) *ToolNotFoundError {
	return &ToolNotFoundError{Tool: tool}
}

// ToolExecutionError carries the tool name and the exact argument map of a
// failed invocation. It is fed back to the model, never crashes the loop.
type ToolExecutionError struct {
	Tool string
	Args map[string]any
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// NewToolExecution wraps a tool failure, preserving the argument map for
// diagnostics. Passing an existing *ToolExecutionError returns it unchanged.
func NewToolExecution(tool string, args map[string]any, err error) *ToolExecutionError {
	var te *ToolExecutionError
	if errors.As(err, &te) {
		return te
	}
	return &ToolExecutionError{Tool: tool, Args: args, Err: err}
}

// SessionError is a persistence failure on the session log. Fatal for the
// turn that hit it.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// NewSession wraps a session-store failure with the operation that failed.
func NewSession(sessionID, op string, err error) *SessionError {
	return &SessionError{SessionID: sessionID, Op: op, Err: err}
}

// SubagentError is misuse or capacity exhaustion in the subagent manager.
type SubagentError struct {
	TaskID string
	Err    error
}

func (e *SubagentError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("subagent: %v", e.Err)
	}
	return fmt.Sprintf("subagent %s: %v", e.TaskID, e.Err)
}

func (e *SubagentError) Unwrap() error { return e.Err }

// NewSubagent wraps a subagent lifecycle failure.
func NewSubagent(taskID string, err error) *SubagentError {
	return &SubagentError{TaskID: taskID, Err: err}
}

// AgentLoopError is an unexpected state inside the per-turn pipeline,
// including the iteration ceiling.
type AgentLoopError struct {
	SessionID string
	Err       error
}

func (e *AgentLoopError) Error() string {
	return fmt.Sprintf("agent loop (session %s): %v", e.SessionID, e.Err)
}

func (e *AgentLoopError) Unwrap() error { return e.Err }

// NewAgentLoop wraps a per-turn pipeline failure with its session.
func NewAgentLoop(sessionID string, err error) *AgentLoopError {
	return &AgentLoopError{SessionID: sessionID, Err: err}
}

// UserMessage renders err as the short user-visible reason for a failed
// turn, without internal detail like argument maps or HTTP bodies.
func UserMessage(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return "the model provider had a transient error, please try again"
	}
	if errors.Is(err, ErrIterationLimit) {
		return "reached the maximum number of tool iterations for one message"
	}
	var te *ToolExecutionError
	if errors.As(err, &te) {
		return fmt.Sprintf("tool %s failed", te.Tool)
	}
	var se *SessionError
	if errors.As(err, &se) {
		return "could not save the conversation, please try again"
	}
	return err.Error()
}
