// Package spaces groups users around a shared context blob that is injected
// into every member's system prompt.
package spaces

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/beacon/internal/store"
)

var (
	ErrSpaceNotFound = errors.New("space not found")
	ErrNotInSpace    = errors.New("you are not in a space")
	ErrNotOwner      = errors.New("only the space owner can do that")
)

// Service owns the space index. A user belongs to at most one space; joining
// another leaves the previous one.
type Service struct {
	store store.SpaceStore

	mu       sync.RWMutex
	spaces   map[string]store.SpaceRecord
	memberOf map[string]string // user id -> space id
}

// NewService creates the space service over a space store.
func NewService(st store.SpaceStore) *Service {
	return &Service{
		store:    st,
		spaces:   make(map[string]store.SpaceRecord),
		memberOf: make(map[string]string),
	}
}

// Init loads persisted spaces and rebuilds the membership index.
func (s *Service) Init(ctx context.Context) error {
	recs, err := s.store.LoadSpaces(ctx)
	if err != nil {
		return fmt.Errorf("load spaces: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range recs {
		s.spaces[sp.ID] = sp
		for _, uid := range sp.Members {
			s.memberOf[uid] = sp.ID
		}
	}
	slog.Info("space index loaded", "spaces", len(recs))
	return nil
}

// Create makes a new space with the owner as first member. The owner leaves
// any previous space.
func (s *Service) Create(ctx context.Context, name, ownerID string) (store.SpaceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.leaveLocked(ctx, ownerID); err != nil {
		return store.SpaceRecord{}, err
	}

	sp := store.SpaceRecord{
		ID:        shortID(),
		Name:      name,
		OwnerID:   ownerID,
		Members:   []string{ownerID},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveSpace(ctx, sp); err != nil {
		return store.SpaceRecord{}, fmt.Errorf("save space: %w", err)
	}
	s.spaces[sp.ID] = sp
	s.memberOf[ownerID] = sp.ID
	slog.Info("space created", "space", sp.ID, "name", name, "owner", ownerID)
	return sp, nil
}

// Join adds the user to a space, leaving any previous one.
func (s *Service) Join(ctx context.Context, spaceID, userID string) (store.SpaceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.spaces[spaceID]
	if !ok {
		return store.SpaceRecord{}, ErrSpaceNotFound
	}
	if s.memberOf[userID] == spaceID {
		return sp, nil
	}
	if err := s.leaveLocked(ctx, userID); err != nil {
		return store.SpaceRecord{}, err
	}

	sp.Members = append(sp.Members, userID)
	if err := s.store.SaveSpace(ctx, sp); err != nil {
		return store.SpaceRecord{}, fmt.Errorf("save space: %w", err)
	}
	s.spaces[sp.ID] = sp
	s.memberOf[userID] = sp.ID
	return sp, nil
}

// Leave removes the user from their current space.
func (s *Service) Leave(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.memberOf[userID]; !ok {
		return ErrNotInSpace
	}
	return s.leaveLocked(ctx, userID)
}

// leaveLocked detaches the user from their space, if any. Caller holds s.mu.
func (s *Service) leaveLocked(ctx context.Context, userID string) error {
	spaceID, ok := s.memberOf[userID]
	if !ok {
		return nil
	}
	sp, ok := s.spaces[spaceID]
	if !ok {
		delete(s.memberOf, userID)
		return nil
	}

	kept := sp.Members[:0:0]
	for _, uid := range sp.Members {
		if uid != userID {
			kept = append(kept, uid)
		}
	}
	sp.Members = kept
	delete(s.memberOf, userID)

	if len(sp.Members) == 0 {
		delete(s.spaces, spaceID)
		if err := s.store.DeleteSpace(ctx, spaceID); err != nil {
			return fmt.Errorf("delete empty space: %w", err)
		}
		slog.Info("space removed, last member left", "space", spaceID)
		return nil
	}
	s.spaces[spaceID] = sp
	if err := s.store.SaveSpace(ctx, sp); err != nil {
		return fmt.Errorf("save space: %w", err)
	}
	return nil
}

// SetContext replaces the space's shared context. Owner only.
func (s *Service) SetContext(ctx context.Context, spaceID, userID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.spaces[spaceID]
	if !ok {
		return ErrSpaceNotFound
	}
	if sp.OwnerID != userID {
		return ErrNotOwner
	}
	sp.Context = text
	if err := s.store.SaveSpace(ctx, sp); err != nil {
		return fmt.Errorf("save space: %w", err)
	}
	s.spaces[spaceID] = sp
	return nil
}

// SpaceOf returns the user's current space.
func (s *Service) SpaceOf(userID string) (store.SpaceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spaceID, ok := s.memberOf[userID]
	if !ok {
		return store.SpaceRecord{}, false
	}
	sp, ok := s.spaces[spaceID]
	return sp, ok
}

// Get returns a space by id.
func (s *Service) Get(spaceID string) (store.SpaceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.spaces[spaceID]
	return sp, ok
}

// List returns all spaces sorted by name.
func (s *Service) List() []store.SpaceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.SpaceRecord, 0, len(s.spaces))
	for _, sp := range s.spaces {
		out = append(out, sp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func shortID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%08x", time.Now().UnixNano()&0xffffffff)
	}
	return hex.EncodeToString(buf)
}
