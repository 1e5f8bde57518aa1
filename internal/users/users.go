// Package users resolves channel identities ("telegram:12345") to stable
// user records and handles cross-channel linking.
package users

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/beacon/internal/store"
)

// LinkCodeTTL is how long a /link code stays valid.
const LinkCodeTTL = 10 * time.Minute

var (
	ErrCodeInvalid   = errors.New("link code is invalid or expired")
	ErrAlreadyLinked = errors.New("identity already belongs to this user")
	ErrNotLinked     = errors.New("identity is not linked to any other channel")
	ErrUnknownUser   = errors.New("unknown user")
)

// IdentityKey builds the canonical "channel:sender" identity.
func IdentityKey(channel, sender string) string {
	return channel + ":" + sender
}

type linkCode struct {
	userID    string
	expiresAt time.Time
}

// Service owns the identity index. Link codes live in memory only; a restart
// simply invalidates outstanding codes.
type Service struct {
	store store.UserStore
	now   func() time.Time

	mu         sync.RWMutex
	byID       map[string]store.UserRecord
	byIdentity map[string]string // identity key -> user id
	codes      map[string]linkCode
}

// Option configures a Service.
type Option func(*Service)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the identity service over a user store.
func NewService(st store.UserStore, opts ...Option) *Service {
	s := &Service{
		store:      st,
		now:        time.Now,
		byID:       make(map[string]store.UserRecord),
		byIdentity: make(map[string]string),
		codes:      make(map[string]linkCode),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init loads persisted users and rebuilds the identity index.
func (s *Service) Init(ctx context.Context) error {
	recs, err := s.store.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range recs {
		s.byID[u.ID] = u
		for _, ident := range u.Identities {
			s.byIdentity[ident] = u.ID
		}
	}
	slog.Info("user index loaded", "users", len(recs))
	return nil
}

// ResolveOrCreate returns the user owning the channel identity, creating one
// when the identity is new. displayHint seeds the display name of a fresh
// user and is ignored for existing ones.
func (s *Service) ResolveOrCreate(ctx context.Context, channel, sender, displayHint string) (store.UserRecord, error) {
	key := IdentityKey(channel, sender)

	s.mu.Lock()
	defer s.mu.Unlock()

	if uid, ok := s.byIdentity[key]; ok {
		return s.byID[uid], nil
	}

	name := displayHint
	if name == "" {
		name = sender
	}
	u := store.UserRecord{
		ID:          uuid.Must(uuid.NewV7()).String(),
		DisplayName: name,
		Identities:  []string{key},
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.SaveUser(ctx, u); err != nil {
		return store.UserRecord{}, fmt.Errorf("save user: %w", err)
	}
	s.byID[u.ID] = u
	s.byIdentity[key] = u.ID
	slog.Info("user created", "user", u.ID, "identity", key)
	return u, nil
}

// Get returns a user by id.
func (s *Service) Get(userID string) (store.UserRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[userID]
	return u, ok
}

// Find resolves a user by exact id or by display name. Display-name lookup
// is case-insensitive and fails when the name is ambiguous.
func (s *Service) Find(target string) (store.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.byID[target]; ok {
		return u, nil
	}

	var matches []store.UserRecord
	for _, u := range s.byID {
		if strings.EqualFold(u.DisplayName, target) {
			matches = append(matches, u)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return store.UserRecord{}, fmt.Errorf("%w: %q", ErrUnknownUser, target)
	default:
		return store.UserRecord{}, fmt.Errorf("display name %q matches %d users, use an id", target, len(matches))
	}
}

// GenerateLinkCode mints a one-time code that another channel can redeem to
// merge into userID. A newer code replaces any outstanding one for the user.
func (s *Service) GenerateLinkCode(userID string) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[userID]; !ok {
		return "", time.Time{}, ErrUnknownUser
	}
	s.purgeExpiredLocked()
	for code, lc := range s.codes {
		if lc.userID == userID {
			delete(s.codes, code)
		}
	}

	code, err := randomCode(6)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate link code: %w", err)
	}
	expires := s.now().Add(LinkCodeTTL)
	s.codes[code] = linkCode{userID: userID, expiresAt: expires}
	return code, expires, nil
}

// ConsumeLinkCode redeems a code from another channel: every identity of the
// redeeming user moves onto the code's owner and the redeeming user record is
// deleted. Returns the merged user and the id of the user that was absorbed,
// so the caller can migrate sessions.
func (s *Service) ConsumeLinkCode(ctx context.Context, code, channel, sender string) (store.UserRecord, string, error) {
	key := IdentityKey(channel, sender)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked()

	lc, ok := s.codes[code]
	if !ok {
		return store.UserRecord{}, "", ErrCodeInvalid
	}
	delete(s.codes, code)

	target, ok := s.byID[lc.userID]
	if !ok {
		return store.UserRecord{}, "", ErrCodeInvalid
	}

	fromID, hadUser := s.byIdentity[key]
	if hadUser && fromID == target.ID {
		return target, "", ErrAlreadyLinked
	}

	if hadUser {
		from := s.byID[fromID]
		for _, ident := range from.Identities {
			target.Identities = appendUnique(target.Identities, ident)
			s.byIdentity[ident] = target.ID
		}
		delete(s.byID, fromID)
		if err := s.store.DeleteUser(ctx, fromID); err != nil {
			slog.Warn("delete absorbed user failed", "user", fromID, "error", err)
		}
	} else {
		target.Identities = appendUnique(target.Identities, key)
		s.byIdentity[key] = target.ID
		fromID = ""
	}

	s.byID[target.ID] = target
	if err := s.store.SaveUser(ctx, target); err != nil {
		return store.UserRecord{}, "", fmt.Errorf("save merged user: %w", err)
	}
	slog.Info("identities linked", "user", target.ID, "identity", key, "absorbed", fromID)
	return target, fromID, nil
}

// Unlink detaches the channel identity into a fresh user. Fails when the
// identity is the user's only one, since there would be nothing to detach
// from.
func (s *Service) Unlink(ctx context.Context, channel, sender string) (store.UserRecord, error) {
	key := IdentityKey(channel, sender)

	s.mu.Lock()
	defer s.mu.Unlock()

	uid, ok := s.byIdentity[key]
	if !ok {
		return store.UserRecord{}, ErrUnknownUser
	}
	owner := s.byID[uid]
	if len(owner.Identities) <= 1 {
		return store.UserRecord{}, ErrNotLinked
	}

	kept := make([]string, 0, len(owner.Identities)-1)
	for _, ident := range owner.Identities {
		if ident != key {
			kept = append(kept, ident)
		}
	}
	owner.Identities = kept
	s.byID[owner.ID] = owner
	if err := s.store.SaveUser(ctx, owner); err != nil {
		return store.UserRecord{}, fmt.Errorf("save user: %w", err)
	}

	fresh := store.UserRecord{
		ID:          uuid.Must(uuid.NewV7()).String(),
		DisplayName: sender,
		Identities:  []string{key},
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.SaveUser(ctx, fresh); err != nil {
		return store.UserRecord{}, fmt.Errorf("save detached user: %w", err)
	}
	s.byID[fresh.ID] = fresh
	s.byIdentity[key] = fresh.ID
	slog.Info("identity unlinked", "from", owner.ID, "to", fresh.ID, "identity", key)
	return fresh, nil
}

// purgeExpiredLocked drops expired codes. Caller holds s.mu.
func (s *Service) purgeExpiredLocked() {
	now := s.now()
	for code, lc := range s.codes {
		if now.After(lc.expiresAt) {
			delete(s.codes, code)
		}
	}
}

// codeAlphabet avoids ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

func appendUnique(list []string, v string) []string {
	for _, item := range list {
		if item == v {
			return list
		}
	}
	return append(list, v)
}
