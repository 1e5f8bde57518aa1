package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/beacon/internal/beaconerr"
	"github.com/nextlevelbuilder/beacon/internal/store"
)

// ChannelUnknown is the placeholder channel for sessions created before
// their transport identified itself. GetOrCreate upgrades it in place.
const ChannelUnknown = "unknown"

// DefaultMemoryWindow bounds the prompt-ready history view.
const DefaultMemoryWindow = 50

// Session is a point-in-time snapshot of one session's meta.
type Session struct {
	ID           string
	Channel      string
	UserID       string
	ChannelData  map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
	HasSummary   bool
}

// Config tunes the store.
type Config struct {
	// MemoryWindow caps the number of messages GetHistory returns
	// (one slot is reserved for the summary when present). Defaults to
	// DefaultMemoryWindow.
	MemoryWindow int
	// WorkspaceRoot is the parent directory for per-session scratch dirs.
	WorkspaceRoot string
}

// state is the live (materialised) form of one session. messages is the
// in-memory view: the persisted log minus the summary-compressed head.
type state struct {
	meta     store.SessionMeta
	messages []Message
	summary  *store.SummaryRecord
	loaded   bool
}

// Store owns all session state. It is the only writer; the agent loop holds
// short-lived snapshots. Per-session turn serialization is the dispatcher's
// job, so the store only guards its own maps.
type Store struct {
	backend       store.SessionBackend
	memoryWindow  int
	workspaceRoot string

	mu       sync.RWMutex
	sessions map[string]*state
}

// NewStore creates a session store over a persistence backend.
func NewStore(backend store.SessionBackend, cfg Config) *Store {
	window := cfg.MemoryWindow
	if window <= 0 {
		window = DefaultMemoryWindow
	}
	return &Store{
		backend:       backend,
		memoryWindow:  window,
		workspaceRoot: cfg.WorkspaceRoot,
		sessions:      make(map[string]*state),
	}
}

// Init loads every session meta as a cheap index, without replaying message
// logs. FindSessionsByUser works immediately after; logs are materialised
// lazily on first use.
func (s *Store) Init(ctx context.Context) error {
	metas, err := s.backend.LoadSessionMetas(ctx)
	if err != nil {
		return fmt.Errorf("load session metas: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, meta := range metas {
		s.sessions[meta.SessionID] = &state{meta: meta}
	}
	slog.Info("session store initialized", "sessions", len(metas))
	return nil
}

// GetOrCreate returns the session snapshot, creating and persisting minimal
// meta when absent. An existing session with channel "unknown" is upgraded
// to the supplied channel.
func (s *Store) GetOrCreate(ctx context.Context, sessionID, channel string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		now := time.Now().UTC()
		if channel == "" {
			channel = ChannelUnknown
		}
		st = &state{
			meta: store.SessionMeta{
				SessionID: sessionID,
				Channel:   channel,
				CreatedAt: now,
				UpdatedAt: now,
			},
			loaded: true,
		}
		s.sessions[sessionID] = st
		if err := s.backend.SaveSessionMeta(ctx, st.meta); err != nil {
			slog.Warn("persist new session meta failed", "session", sessionID, "error", err)
		}
		return s.snapshot(st), nil
	}

	if err := s.materialize(ctx, st); err != nil {
		return Session{}, err
	}

	if st.meta.Channel == ChannelUnknown && channel != "" && channel != ChannelUnknown {
		st.meta.Channel = channel
		st.meta.UpdatedAt = time.Now().UTC()
		if err := s.backend.SaveSessionMeta(ctx, st.meta); err != nil {
			slog.Warn("persist channel upgrade failed", "session", sessionID, "error", err)
		}
	}
	return s.snapshot(st), nil
}

// materialize loads messages and summary for a session known only by meta.
// The persisted head covered by the summary is skipped (summary-guided
// replay) and the remaining view is start-sanitised, so the chain invariant
// holds even if persisted counts are slightly off. Caller holds s.mu.
func (s *Store) materialize(ctx context.Context, st *state) error {
	if st.loaded {
		return nil
	}

	sum, err := s.backend.LoadSummary(ctx, st.meta.SessionID)
	if err != nil {
		return beaconerr.NewSession(st.meta.SessionID, "load summary", err)
	}
	recs, err := s.backend.LoadMessages(ctx, st.meta.SessionID)
	if err != nil {
		return beaconerr.NewSession(st.meta.SessionID, "load messages", err)
	}

	skip := 0
	if sum != nil {
		skip = sum.CompressedCount
		if skip > len(recs) {
			slog.Warn("summary compressed count exceeds log length",
				"session", st.meta.SessionID, "compressed", skip, "log", len(recs))
			skip = len(recs)
		}
	}

	msgs := make([]Message, 0, len(recs)-skip)
	for _, rec := range recs[skip:] {
		var msg Message
		if err := json.Unmarshal(rec.Payload, &msg); err != nil {
			slog.Warn("skipping undecodable message", "session", st.meta.SessionID, "id", rec.ID, "error", err)
			continue
		}
		if msg.ID == "" {
			msg.ID = rec.ID
		}
		msgs = append(msgs, msg)
	}

	st.messages = sanitizeStart(msgs)
	st.summary = sum
	st.loaded = true
	return nil
}

// AddMessage appends a message to the session, assigning a fresh id when the
// message has none, and persists it. Persistence failure is fatal for the
// caller's turn.
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return beaconerr.NewSession(sessionID, "add message", fmt.Errorf("session not found"))
	}
	if err := s.materialize(ctx, st); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return beaconerr.NewSession(sessionID, "encode message", err)
	}
	rec := store.MessageRecord{ID: msg.ID, Payload: payload, CreatedAt: msg.Timestamp}
	if err := s.backend.AppendMessage(ctx, sessionID, rec); err != nil {
		return beaconerr.NewSession(sessionID, "append message", err)
	}

	st.messages = append(st.messages, msg)
	st.meta.UpdatedAt = msg.Timestamp
	if err := s.backend.SaveSessionMeta(ctx, st.meta); err != nil {
		slog.Warn("persist session meta failed", "session", sessionID, "error", err)
	}
	return nil
}

// GetHistory returns the prompt-ready view: a synthetic system message
// carrying the summary when one exists, then the most recent messages up to
// the memory window (minus the summary slot), start-sanitised.
func (s *Store) GetHistory(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if err := s.materialize(ctx, st); err != nil {
		return nil, err
	}

	limit := s.memoryWindow
	var out []Message
	if st.summary != nil && st.summary.Content != "" {
		out = append(out, Message{
			Role:    RoleSystem,
			Content: "[Previous conversation summary]\n" + st.summary.Content,
		})
		limit--
	}

	tail := st.messages
	if len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	tail = sanitizeStart(tail)
	out = append(out, tail...)
	return out, nil
}

// Summary returns the current summary text, empty when none exists.
func (s *Store) Summary(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return "", nil
	}
	if err := s.materialize(ctx, st); err != nil {
		return "", err
	}
	if st.summary == nil {
		return "", nil
	}
	return st.summary.Content, nil
}

// GetMessageCount reports the in-memory (post-compression) message count.
func (s *Store) GetMessageCount(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return 0, nil
	}
	if err := s.materialize(ctx, st); err != nil {
		return 0, err
	}
	return len(st.messages), nil
}

// GetMessagesToCompress returns the head slice that can be summarised while
// keeping at least keepRecent messages, with the boundary walked backward to
// a safe split point (never inside a tool-call chain). Returns nil when no
// safe head exists.
func (s *Store) GetMessagesToCompress(ctx context.Context, sessionID string, keepRecent int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if err := s.materialize(ctx, st); err != nil {
		return nil, err
	}

	if keepRecent < 1 {
		keepRecent = 1
	}
	boundary := len(st.messages) - keepRecent
	if boundary <= 0 {
		return nil, nil
	}

	boundary = safeSplitBoundary(st.messages, boundary)
	if boundary <= 0 {
		return nil, nil
	}

	head := make([]Message, boundary)
	copy(head, st.messages[:boundary])
	return head, nil
}

// ApplyCompression installs a new summary covering compressedCount in-memory
// head messages and drops them from the view. When a summary already exists
// the count accumulates onto it, since the in-memory view already excludes
// the previously compressed head. The persisted log is never truncated.
// Re-applying an identical summary text is a no-op, so replays are safe.
func (s *Store) ApplyCompression(ctx context.Context, sessionID, summaryText string, compressedCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return beaconerr.NewSession(sessionID, "apply compression", fmt.Errorf("session not found"))
	}
	if err := s.materialize(ctx, st); err != nil {
		return err
	}

	if st.summary != nil && st.summary.Content == summaryText {
		slog.Debug("compression replay ignored", "session", sessionID)
		return nil
	}
	if compressedCount < 0 || compressedCount > len(st.messages) {
		return beaconerr.NewSession(sessionID, "apply compression",
			fmt.Errorf("compressed count %d out of range (have %d messages)", compressedCount, len(st.messages)))
	}

	total := compressedCount
	if st.summary != nil {
		total += st.summary.CompressedCount
	}
	sum := store.SummaryRecord{
		Content:         summaryText,
		CompressedCount: total,
		UpdatedAt:       time.Now().UTC(),
	}
	if err := s.backend.SaveSummary(ctx, sessionID, sum); err != nil {
		return beaconerr.NewSession(sessionID, "save summary", err)
	}

	st.summary = &sum
	st.messages = append([]Message(nil), st.messages[compressedCount:]...)
	return nil
}

// ClearSession drops the session's messages and summary. Meta and the
// workspace directory are preserved.
func (s *Store) ClearSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	if err := s.backend.ClearMessages(ctx, sessionID); err != nil {
		return beaconerr.NewSession(sessionID, "clear messages", err)
	}
	if err := s.backend.ClearSummary(ctx, sessionID); err != nil {
		return beaconerr.NewSession(sessionID, "clear summary", err)
	}

	st.messages = nil
	st.summary = nil
	st.loaded = true
	st.meta.UpdatedAt = time.Now().UTC()
	if err := s.backend.SaveSessionMeta(ctx, st.meta); err != nil {
		slog.Warn("persist session meta failed", "session", sessionID, "error", err)
	}
	return nil
}

// SetSessionUser binds a user to the session. Meta persistence is
// best-effort: the index is rebuilt from messages, not the other way round.
func (s *Store) SetSessionUser(ctx context.Context, sessionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if st.meta.UserID == userID {
		return
	}
	st.meta.UserID = userID
	st.meta.UpdatedAt = time.Now().UTC()
	if err := s.backend.SaveSessionMeta(ctx, st.meta); err != nil {
		slog.Warn("persist user binding failed", "session", sessionID, "user", userID, "error", err)
	}
}

// SetSessionChannelData merges key-value pairs into the session's
// channel-specific data bag (e.g. chat id). Best-effort persistence.
func (s *Store) SetSessionChannelData(ctx context.Context, sessionID string, data map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if st.meta.ChannelData == nil {
		st.meta.ChannelData = make(map[string]string, len(data))
	}
	for k, v := range data {
		st.meta.ChannelData[k] = v
	}
	st.meta.UpdatedAt = time.Now().UTC()
	if err := s.backend.SaveSessionMeta(ctx, st.meta); err != nil {
		slog.Warn("persist channel data failed", "session", sessionID, "error", err)
	}
}

// MigrateSessionsUser rebinds every session of user from to user to and
// returns how many were moved. Used when /link merges identities.
func (s *Store) MigrateSessionsUser(ctx context.Context, from, to string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, st := range s.sessions {
		if st.meta.UserID != from {
			continue
		}
		st.meta.UserID = to
		st.meta.UpdatedAt = time.Now().UTC()
		if err := s.backend.SaveSessionMeta(ctx, st.meta); err != nil {
			slog.Warn("persist user migration failed", "session", st.meta.SessionID, "error", err)
		}
		moved++
	}
	return moved
}

// FindSessionsByUser returns snapshots of every session bound to the user,
// including sessions never materialised this run.
func (s *Store) FindSessionsByUser(userID string) []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Session
	for _, st := range s.sessions {
		if st.meta.UserID == userID {
			out = append(out, s.snapshot(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Get returns a snapshot without creating the session.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.snapshot(st), true
}

// Sessions returns snapshots of every known session.
func (s *Store) Sessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, st := range s.sessions {
		out = append(out, s.snapshot(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// snapshot copies meta into an immutable view. Caller holds s.mu.
func (s *Store) snapshot(st *state) Session {
	var data map[string]string
	if len(st.meta.ChannelData) > 0 {
		data = make(map[string]string, len(st.meta.ChannelData))
		for k, v := range st.meta.ChannelData {
			data[k] = v
		}
	}
	return Session{
		ID:           st.meta.SessionID,
		Channel:      st.meta.Channel,
		UserID:       st.meta.UserID,
		ChannelData:  data,
		CreatedAt:    st.meta.CreatedAt,
		UpdatedAt:    st.meta.UpdatedAt,
		MessageCount: len(st.messages),
		HasSummary:   st.summary != nil && st.summary.Content != "",
	}
}
