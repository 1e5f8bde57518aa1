// Package store defines the persistence contracts of the runtime and the
// record types that cross them. Concrete backends live in the sqlite and pg
// subpackages; an in-memory implementation in this package backs tests and
// ephemeral runs.
package store

import (
	"context"
	"time"
)

// SessionMeta is the cheap per-session index row: everything the runtime
// needs to route and bind a session without replaying its message log.
type SessionMeta struct {
	SessionID   string            `json:"session_id"`
	Channel     string            `json:"channel"`
	UserID      string            `json:"user_id,omitempty"`
	ChannelData map[string]string `json:"channel_data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// MessageRecord is one appended conversation message. Payload is the
// canonical JSON of the full message; the backend never interprets it.
type MessageRecord struct {
	ID        string    `json:"id"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// SummaryRecord is a session's rolling compaction summary.
// CompressedCount is the number of head messages of the persisted log the
// summary stands in for; reload skips that many entries.
type SummaryRecord struct {
	Content         string    `json:"content"`
	CompressedCount int       `json:"compressed_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SessionBackend is the narrow persistence contract of the session store.
// Appends must be durable and atomic per message; the full log is never
// truncated by the runtime.
type SessionBackend interface {
	LoadSessionMetas(ctx context.Context) ([]SessionMeta, error)
	SaveSessionMeta(ctx context.Context, meta SessionMeta) error
	AppendMessage(ctx context.Context, sessionID string, rec MessageRecord) error
	LoadMessages(ctx context.Context, sessionID string) ([]MessageRecord, error)
	ClearMessages(ctx context.Context, sessionID string) error
	LoadSummary(ctx context.Context, sessionID string) (*SummaryRecord, error)
	SaveSummary(ctx context.Context, sessionID string, sum SummaryRecord) error
	ClearSummary(ctx context.Context, sessionID string) error
}

// TaskRecord is a persisted scheduled task.
type TaskRecord struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Channel       string     `json:"channel"`
	CronExpr      string     `json:"cron_expr"`
	Description   string     `json:"description"`
	Prompt        string     `json:"prompt"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	RunCount      int        `json:"run_count"`
	CreatorUserID string     `json:"creator_user_id,omitempty"`
}

// TaskStore persists scheduled tasks across restarts.
type TaskStore interface {
	SaveTask(ctx context.Context, task TaskRecord) error
	DeleteTask(ctx context.Context, id string) error
	LoadTasks(ctx context.Context) ([]TaskRecord, error)
}

// UserRecord is one canonical user with their channel identities.
// Identities are "channel:sender" pairs.
type UserRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Identities  []string  `json:"identities"`
	CreatedAt   time.Time `json:"created_at"`
}

// UserStore persists user records.
type UserStore interface {
	SaveUser(ctx context.Context, user UserRecord) error
	DeleteUser(ctx context.Context, id string) error
	LoadUsers(ctx context.Context) ([]UserRecord, error)
}

// SpaceRecord is a shared-context group.
type SpaceRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	Members   []string  `json:"members"`
	Context   string    `json:"context,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SpaceStore persists spaces.
type SpaceStore interface {
	SaveSpace(ctx context.Context, space SpaceRecord) error
	DeleteSpace(ctx context.Context, id string) error
	LoadSpaces(ctx context.Context) ([]SpaceRecord, error)
}

// MemoryEntry is one long-term memory line for a user.
type MemoryEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryStore persists per-user long-term memory.
type MemoryStore interface {
	AppendMemory(ctx context.Context, entry MemoryEntry) error
	LoadMemories(ctx context.Context, userID string) ([]MemoryEntry, error)
	ClearMemories(ctx context.Context, userID string) error
}

// Backend bundles every persistence interface the runtime needs. The sqlite
// and pg subpackages and the in-memory store all satisfy it.
type Backend interface {
	SessionBackend
	TaskStore
	UserStore
	SpaceStore
	MemoryStore

	// Close releases the underlying database. Safe to call once at shutdown,
	// after every other component has stopped.
	Close() error
}
