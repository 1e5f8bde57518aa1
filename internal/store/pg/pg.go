// Package pg implements store.Backend on PostgreSQL via the pgx stdlib
// driver. The schema is managed by `beacon migrate`, not ensured here.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/beacon/internal/store"
)

// Store implements store.Backend on Postgres.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection with a ping.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for migrations and doctor checks.
func (s *Store) DB() *sql.DB { return s.db }

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
		var data []byte
		if err := rows.Scan(&meta.SessionID, &meta.Channel, &meta.UserID, &data, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session meta: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &meta.ChannelData); err != nil {
				return nil, fmt.Errorf("decode channel_data for %s: %w", meta.SessionID, err)
			}
		}
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
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id) DO UPDATE SET
		   channel = EXCLUDED.channel,
		   user_id = EXCLUDED.user_id,
		   channel_data = EXCLUDED.channel_data,
		   updated_at = EXCLUDED.updated_at`,
		meta.SessionID, meta.Channel, meta.UserID, data, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session meta: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, rec store.MessageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, payload, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, sessionID, rec.Payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]store.MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, created_at FROM messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	var recs []store.MessageRecord
	for rows.Next() {
		var rec store.MessageRecord
		if err := rows.Scan(&rec.ID, &rec.Payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) ClearMessages(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	return nil
}

func (s *Store) LoadSummary(ctx context.Context, sessionID string) (*store.SummaryRecord, error) {
	var sum store.SummaryRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT content, compressed_count, updated_at FROM summaries WHERE session_id = $1`, sessionID).
		Scan(&sum.Content, &sum.CompressedCount, &sum.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary: %w", err)
	}
	return &sum, nil
}

func (s *Store) SaveSummary(ctx context.Context, sessionID string, sum store.SummaryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (session_id, content, compressed_count, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE SET
		   content = EXCLUDED.content,
		   compressed_count = EXCLUDED.compressed_count,
		   updated_at = EXCLUDED.updated_at`,
		sessionID, sum.Content, sum.CompressedCount, sum.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

func (s *Store) ClearSummary(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clear summary: %w", err)
	}
	return nil
}

func (s *Store) SaveTask(ctx context.Context, task store.TaskRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks
		   (id, session_id, channel, cron_expr, description, prompt, enabled, created_at, last_run_at, run_count, creator_user_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   cron_expr = EXCLUDED.cron_expr,
		   description = EXCLUDED.description,
		   prompt = EXCLUDED.prompt,
		   enabled = EXCLUDED.enabled,
		   last_run_at = EXCLUDED.last_run_at,
		   run_count = EXCLUDED.run_count`,
		task.ID, task.SessionID, task.Channel, task.CronExpr, task.Description, task.Prompt,
		task.Enabled, task.CreatedAt, task.LastRunAt, task.RunCount, task.CreatorUserID)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id); err != nil {
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
		var lastRun sql.NullTime
		if err := rows.Scan(&task.ID, &task.SessionID, &task.Channel, &task.CronExpr, &task.Description,
			&task.Prompt, &task.Enabled, &task.CreatedAt, &lastRun, &task.RunCount, &task.CreatorUserID); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if lastRun.Valid {
			t := lastRun.Time
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
		`INSERT INTO users (id, display_name, identities, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   identities = EXCLUDED.identities`,
		user.ID, user.DisplayName, ids, user.CreatedAt)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
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
		var ids []byte
		if err := rows.Scan(&user.ID, &user.DisplayName, &ids, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if err := json.Unmarshal(ids, &user.Identities); err != nil {
			return nil, fmt.Errorf("decode identities for %s: %w", user.ID, err)
		}
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
		`INSERT INTO spaces (id, name, owner_id, members, context, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   owner_id = EXCLUDED.owner_id,
		   members = EXCLUDED.members,
		   context = EXCLUDED.context`,
		space.ID, space.Name, space.OwnerID, members, space.Context, space.CreatedAt)
	if err != nil {
		return fmt.Errorf("save space: %w", err)
	}
	return nil
}

func (s *Store) DeleteSpace(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spaces WHERE id = $1`, id); err != nil {
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
		var members []byte
		if err := rows.Scan(&space.ID, &space.Name, &space.OwnerID, &members, &space.Context, &space.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		if err := json.Unmarshal(members, &space.Members); err != nil {
			return nil, fmt.Errorf("decode members for %s: %w", space.ID, err)
		}
		spaces = append(spaces, space)
	}
	return spaces, rows.Err()
}

func (s *Store) AppendMemory(ctx context.Context, entry store.MemoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, text, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.UserID, entry.Text, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append memory: %w", err)
	}
	return nil
}

func (s *Store) LoadMemories(ctx context.Context, userID string) ([]store.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, text, created_at FROM memories WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	defer rows.Close()

	var entries []store.MemoryEntry
	for rows.Next() {
		var entry store.MemoryEntry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Text, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) ClearMemories(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}
	return nil
}
