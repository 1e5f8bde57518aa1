// Package sqlite implements store.Backend on an embedded SQLite database
// (modernc.org/sqlite, no cgo). This is the default storage mode; the schema
// is ensured at open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/beacon/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id   TEXT PRIMARY KEY,
	channel      TEXT NOT NULL DEFAULT 'unknown',
	user_id      TEXT NOT NULL DEFAULT '',
	channel_data TEXT NOT NULL DEFAULT '{}',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	session_id TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);

CREATE TABLE IF NOT EXISTS summaries (
	session_id       TEXT PRIMARY KEY,
	content          TEXT NOT NULL,
	compressed_count INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id              TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	channel         TEXT NOT NULL,
	cron_expr       TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	prompt          TEXT NOT NULL,
	enabled         INTEGER NOT NULL DEFAULT 1,
	created_at      INTEGER NOT NULL,
	last_run_at     INTEGER,
	run_count       INTEGER NOT NULL DEFAULT 0,
	creator_user_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON scheduled_tasks(session_id);

CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	identities   TEXT NOT NULL DEFAULT '[]',
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS spaces (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	members    TEXT NOT NULL DEFAULT '[]',
	context    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memories (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	text       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id, created_at);
`

// Store implements store.Backend on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema. Parent directories are created.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serializes writes; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) LoadSessionMetas(ctx context.Context) ([]store.SessionMeta, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, channel, user_id, channel_data, created_at, updated_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load session metas: %w", err)
	}
	defer rows.Close()

	var metas []store.SessionMeta
	for rows.Next() {
		var meta store.SessionMeta
		var data string
		var created, updated int64
		if err := rows.Scan(&meta.SessionID, &meta.Channel, &meta.UserID, &data, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan session meta: %w", err)
		}
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &meta.ChannelData); err != nil {
				return nil, fmt.Errorf("decode channel_data for %s: %w", meta.SessionID, err)
			}
		}
		meta.CreatedAt = fromMillis(created)
		meta.UpdatedAt = fromMillis(updated)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *Store) SaveSessionMeta(ctx context.Context, meta store.SessionMeta) error {
	data, err := json.Marshal(meta.ChannelData)
	if err != nil {
		return fmt.Errorf("encode channel_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, channel, user_id, channel_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   channel = excluded.channel,
		   user_id = excluded.user_id,
		   channel_data = excluded.channel_data,
		   updated_at = excluded.updated_at`,
		meta.SessionID, meta.Channel, meta.UserID, string(data),
		toMillis(meta.CreatedAt), toMillis(meta.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save session meta: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, rec store.MessageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, sessionID, string(rec.Payload), toMillis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]store.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, created_at FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var recs []store.MessageRecord
	for rows.Next() {
		var rec store.MessageRecord
		var payload string
		var created int64
		if err := rows.Scan(&rec.ID, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		rec.Payload = []byte(payload)
		rec.CreatedAt = fromMillis(created)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func (s *Store) LoadSummary(ctx context.Context, sessionID string) (*store.SummaryRecord, error) {
	var sum store.SummaryRecord
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT content, compressed_count, updated_at FROM summaries WHERE session_id = ?`, sessionID).
		Scan(&sum.Content, &sum.CompressedCount, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	sum.UpdatedAt = fromMillis(updated)
	return &sum, nil
}

func (s *Store) SaveSummary(ctx context.Context, sessionID string, sum store.SummaryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (session_id, content, compressed_count, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   content = excluded.content,
		   compressed_count = excluded.compressed_count,
		   updated_at = excluded.updated_at`,
		sessionID, sum.Content, sum.CompressedCount, toMillis(sum.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *Store) ClearSummary(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear summary: %w", err)
	}
	return nil
}

func (s *Store) SaveTask(ctx context.Context, task store.TaskRecord) error {
	var lastRun any
	if task.LastRunAt != nil {
		lastRun = toMillis(*task.LastRunAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks
		   (id, session_id, channel, cron_expr, description, prompt, enabled, created_at, last_run_at, run_count, creator_user_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   cron_expr = excluded.cron_expr,
		   description = excluded.description,
		   prompt = excluded.prompt,
		   enabled = excluded.enabled,
		   last_run_at = excluded.last_run_at,
		   run_count = excluded.run_count`,
		task.ID, task.SessionID, task.Channel, task.CronExpr, task.Description, task.Prompt,
		boolToInt(task.Enabled), toMillis(task.CreatedAt), lastRun, task.RunCount, task.CreatorUserID)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *Store) LoadTasks(ctx context.Context) ([]store.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, channel, cron_expr, description, prompt, enabled, created_at, last_run_at, run_count, creator_user_id
		 FROM scheduled_tasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []store.TaskRecord
	for rows.Next() {
		var task store.TaskRecord
		var enabled int
		var created int64
		var lastRun sql.NullInt64
		if err := rows.Scan(&task.ID, &task.SessionID, &task.Channel, &task.CronExpr, &task.Description,
			&task.Prompt, &enabled, &created, &lastRun, &task.RunCount, &task.CreatorUserID); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Enabled = enabled != 0
		task.CreatedAt = fromMillis(created)
		if lastRun.Valid {
			t := fromMillis(lastRun.Int64)
			task.LastRunAt = &t
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) SaveUser(ctx context.Context, user store.UserRecord) error {
	ids, err := json.Marshal(user.Identities)
	if err != nil {
		return fmt.Errorf("encode identities: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, identities, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name = excluded.display_name,
		   identities = excluded.identities`,
		user.ID, user.DisplayName, string(ids), toMillis(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *Store) LoadUsers(ctx context.Context) ([]store.UserRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, identities, created_at FROM users`)
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	defer rows.Close()

	var users []store.UserRecord
	for rows.Next() {
		var user store.UserRecord
		var ids string
		var created int64
		if err := rows.Scan(&user.ID, &user.DisplayName, &ids, &created); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &user.Identities); err != nil {
			return nil, fmt.Errorf("decode identities for %s: %w", user.ID, err)
		}
		user.CreatedAt = fromMillis(created)
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) SaveSpace(ctx context.Context, space store.SpaceRecord) error {
	members, err := json.Marshal(space.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO spaces (id, name, owner_id, members, context, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   owner_id = excluded.owner_id,
		   members = excluded.members,
		   context = excluded.context`,
		space.ID, space.Name, space.OwnerID, string(members), space.Context, toMillis(space.CreatedAt))
	if err != nil {
		return fmt.Errorf("save space: %w", err)
	}
	return nil
}

func (s *Store) DeleteSpace(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spaces WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete space: %w", err)
	}
	return nil
}

func (s *Store) LoadSpaces(ctx context.Context) ([]store.SpaceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, owner_id, members, context, created_at FROM spaces`)
	if err != nil {
		return nil, fmt.Errorf("load spaces: %w", err)
	}
	defer rows.Close()

	var spaces []store.SpaceRecord
	for rows.Next() {
		var space store.SpaceRecord
		var members string
		var created int64
		if err := rows.Scan(&space.ID, &space.Name, &space.OwnerID, &members, &space.Context, &created); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		if err := json.Unmarshal([]byte(members), &space.Members); err != nil {
			return nil, fmt.Errorf("decode members for %s: %w", space.ID, err)
		}
		space.CreatedAt = fromMillis(created)
		spaces = append(spaces, space)
	}
	return spaces, rows.Err()
}

func (s *Store) AppendMemory(ctx context.Context, entry store.MemoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, text, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		entry.ID, entry.UserID, entry.Text, toMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

func (s *Store) LoadMemories(ctx context.Context, userID string) ([]store.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, text, created_at FROM memories WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()

	var entries []store.MemoryEntry
	for rows.Next() {
		var entry store.MemoryEntry
		var created int64
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Text, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		entry.CreatedAt = fromMillis(created)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) ClearMemories(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
