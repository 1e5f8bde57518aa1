// Package memory is the long-term per-user memory: short facts the agent
// saves across sessions and re-reads into its system prompt.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/beacon/internal/store"
)

// Service wraps the memory store with id/timestamp assignment and prompt
// rendering.
type Service struct {
	store      store.MemoryStore
	maxEntries int
}

// NewService creates the memory service. maxEntries caps how many recent
// entries the prompt block carries (0 means the default of 50).
func NewService(st store.MemoryStore, maxEntries int) *Service {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	return &Service{store: st, maxEntries: maxEntries}
}

// Append saves one memory entry for the user.
func (s *Service) Append(ctx context.Context, userID, text string) (store.MemoryEntry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.MemoryEntry{}, fmt.Errorf("memory text is empty")
	}
	entry := store.MemoryEntry{
		ID:        uuid.Must(uuid.NewV7()).String(),
		UserID:    userID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.AppendMemory(ctx, entry); err != nil {
		return store.MemoryEntry{}, fmt.Errorf("append memory: %w", err)
	}
	return entry, nil
}

// Read returns the user's memories, oldest first.
func (s *Service) Read(ctx context.Context, userID string) ([]store.MemoryEntry, error) {
	entries, err := s.store.LoadMemories(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load memories: %w", err)
	}
	return entries, nil
}

// Clear removes every memory for the user.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := s.store.ClearMemories(ctx, userID); err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}
	return nil
}

// PromptBlock renders the <memory> block for the system prompt, keeping the
// most recent maxEntries. Empty when the user has no memories.
func (s *Service) PromptBlock(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	entries, err := s.Read(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	if len(entries) > s.maxEntries {
		entries = entries[len(entries)-s.maxEntries:]
	}

	var b strings.Builder
	b.WriteString("<memory>\n")
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	b.WriteString("</memory>")
	return b.String(), nil
}
