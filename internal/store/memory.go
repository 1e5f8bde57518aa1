package store

import (
	"context"
	"sync"
)

// Memory is an in-process Backend. It backs tests and ephemeral runs; no
// state survives the process.
type Memory struct {
	mu        sync.RWMutex
	metas     map[string]SessionMeta
	messages  map[string][]MessageRecord
	summaries map[string]SummaryRecord
	tasks     map[string]TaskRecord
	users     map[string]UserRecord
	spaces    map[string]SpaceRecord
	memories  map[string][]MemoryEntry
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		metas:     make(map[string]SessionMeta),
		messages:  make(map[string][]MessageRecord),
		summaries: make(map[string]SummaryRecord),
		tasks:     make(map[string]TaskRecord),
		users:     make(map[string]UserRecord),
		spaces:    make(map[string]SpaceRecord),
		memories:  make(map[string][]MemoryEntry),
	}
}

func (m *Memory) LoadSessionMetas(ctx context.Context) ([]SessionMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionMeta, 0, len(m.metas))
	for _, meta := range m.metas {
		out = append(out, meta)
	}
	return out, nil
}

func (m *Memory) SaveSessionMeta(ctx context.Context, meta SessionMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas[meta.SessionID] = meta
	return nil
}

func (m *Memory) AppendMessage(ctx context.Context, sessionID string, rec MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages[sessionID] {
		if existing.ID == rec.ID {
			return nil // duplicate append, keep first
		}
	}
	payload := make([]byte, len(rec.Payload))
	copy(payload, rec.Payload)
	rec.Payload = payload
	m.messages[sessionID] = append(m.messages[sessionID], rec)
	return nil
}

func (m *Memory) LoadMessages(ctx context.Context, sessionID string) ([]MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := m.messages[sessionID]
	out := make([]MessageRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (m *Memory) ClearMessages(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, sessionID)
	return nil
}

func (m *Memory) LoadSummary(ctx context.Context, sessionID string) (*SummaryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum, ok := m.summaries[sessionID]
	if !ok {
		return nil, nil
	}
	return &sum, nil
}

func (m *Memory) SaveSummary(ctx context.Context, sessionID string, sum SummaryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[sessionID] = sum
	return nil
}

func (m *Memory) ClearSummary(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.summaries, sessionID)
	return nil
}

func (m *Memory) SaveTask(ctx context.Context, task TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

func (m *Memory) LoadTasks(ctx context.Context) ([]TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TaskRecord, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, task)
	}
	return out, nil
}

func (m *Memory) SaveUser(ctx context.Context, user UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(user.Identities))
	copy(ids, user.Identities)
	user.Identities = ids
	m.users[user.ID] = user
	return nil
}

func (m *Memory) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *Memory) LoadUsers(ctx context.Context) ([]UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UserRecord, 0, len(m.users))
	for _, user := range m.users {
		out = append(out, user)
	}
	return out, nil
}

func (m *Memory) SaveSpace(ctx context.Context, space SpaceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]string, len(space.Members))
	copy(members, space.Members)
	space.Members = members
	m.spaces[space.ID] = space
	return nil
}

func (m *Memory) DeleteSpace(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spaces, id)
	return nil
}

func (m *Memory) LoadSpaces(ctx context.Context) ([]SpaceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SpaceRecord, 0, len(m.spaces))
	for _, space := range m.spaces {
		out = append(out, space)
	}
	return out, nil
}

func (m *Memory) AppendMemory(ctx context.Context, entry MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memories[entry.UserID] = append(m.memories[entry.UserID], entry)
	return nil
}

func (m *Memory) LoadMemories(ctx context.Context, userID string) ([]MemoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.memories[userID]
	out := make([]MemoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (m *Memory) ClearMemories(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.memories, userID)
	return nil
}

func (m *Memory) Close() error { return nil }
