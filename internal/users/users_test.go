package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/beacon/internal/store"
)

func newTestService(t *testing.T, now *time.Time) (*Service, *store.Memory) {
	t.Helper()
	backend := store.NewMemory()
	svc := NewService(backend, WithNow(func() time.Time { return *now }))
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return svc, backend
}

// TestResolveOrCreate verifies identity reuse and display-name seeding.
func TestResolveOrCreate(t *testing.T) {
	now := time.Now()
	svc, backend := newTestService(t, &now)
	ctx := context.Background()

	u1, err := svc.ResolveOrCreate(ctx, "telegram", "12345", "Alice")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if u1.DisplayName != "Alice" {
		t.Errorf("display name = %q", u1.DisplayName)
	}

	// Same identity resolves to the same user; hint ignored.
	u2, err := svc.ResolveOrCreate(ctx, "telegram", "12345", "Someone Else")
	if err != nil {
		t.Fatalf("ResolveOrCreate repeat: %v", err)
	}
	if u2.ID != u1.ID || u2.DisplayName != "Alice" {
		t.Errorf("identity not stable: %+v vs %+v", u2, u1)
	}

	// Different identity gets a fresh user, defaulting name to the sender.
	u3, err := svc.ResolveOrCreate(ctx, "discord", "98765", "")
	if err != nil {
		t.Fatalf("ResolveOrCreate discord: %v", err)
	}
	if u3.ID == u1.ID || u3.DisplayName != "98765" {
		t.Errorf("unexpected user: %+v", u3)
	}

	recs, _ := backend.LoadUsers(ctx)
	if len(recs) != 2 {
		t.Errorf("persisted %d users, want 2", len(recs))
	}
}

// TestLinkFlow verifies the full cross-channel merge: code generation,
// redemption from another channel, identity transfer, and absorbed-user
// cleanup.
func TestLinkFlow(t *testing.T) {
	now := time.Now()
	svc, backend := newTestService(t, &now)
	ctx := context.Background()

	alice, _ := svc.ResolveOrCreate(ctx, "telegram", "111", "Alice")
	aliceDiscord, _ := svc.ResolveOrCreate(ctx, "discord", "222", "alice#2")

	code, expires, err := svc.GenerateLinkCode(alice.ID)
	if err != nil {
		t.Fatalf("GenerateLinkCode: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("code = %q, want 6 chars", code)
	}
	if got := expires.Sub(now); got != LinkCodeTTL {
		t.Errorf("ttl = %v, want %v", got, LinkCodeTTL)
	}

	merged, absorbed, err := svc.ConsumeLinkCode(ctx, code, "discord", "222")
	if err != nil {
		t.Fatalf("ConsumeLinkCode: %v", err)
	}
	if merged.ID != alice.ID {
		t.Errorf("merged into %s, want %s", merged.ID, alice.ID)
	}
	if absorbed != aliceDiscord.ID {
		t.Errorf("absorbed = %s, want %s", absorbed, aliceDiscord.ID)
	}
	if len(merged.Identities) != 2 {
		t.Errorf("identities = %v", merged.Identities)
	}

	// The discord identity now resolves to alice.
	again, _ := svc.ResolveOrCreate(ctx, "discord", "222", "")
	if again.ID != alice.ID {
		t.Errorf("discord identity resolves to %s, want %s", again.ID, alice.ID)
	}
	if _, ok := svc.Get(aliceDiscord.ID); ok {
		t.Error("absorbed user still present")
	}

	// Codes are one-time.
	if _, _, err := svc.ConsumeLinkCode(ctx, code, "discord", "333"); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("reused code error = %v, want ErrCodeInvalid", err)
	}

	recs, _ := backend.LoadUsers(ctx)
	if len(recs) != 1 {
		t.Errorf("persisted %d users after merge, want 1", len(recs))
	}
}

// TestLinkCode_Expiry verifies the 10 minute TTL.
func TestLinkCode_Expiry(t *testing.T) {
	now := time.Now()
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	alice, _ := svc.ResolveOrCreate(ctx, "telegram", "111", "Alice")
	code, _, err := svc.GenerateLinkCode(alice.ID)
	if err != nil {
		t.Fatalf("GenerateLinkCode: %v", err)
	}

	now = now.Add(LinkCodeTTL + time.Second)
	if _, _, err := svc.ConsumeLinkCode(ctx, code, "discord", "222"); !errors.Is(err, ErrCodeInvalid) {
		t.Errorf("expired code error = %v, want ErrCodeInvalid", err)
	}
}

// TestLink_SameUserRejected verifies redeeming a code from an identity that
// already belongs to the code's owner.
func TestLink_SameUserRejected(t *testing.T) {
	now := time.Now()
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	alice, _ := svc.ResolveOrCreate(ctx, "telegram", "111", "Alice")
	code, _, _ := svc.GenerateLinkCode(alice.ID)
	if _, _, err := svc.ConsumeLinkCode(ctx, code, "telegram", "111"); !errors.Is(err, ErrAlreadyLinked) {
		t.Errorf("error = %v, want ErrAlreadyLinked", err)
	}
}

// TestUnlink verifies detaching one identity into a fresh user, and the
// single-identity guard.
func TestUnlink(t *testing.T) {
	now := time.Now()
	svc, _ := newTestService(t, &now)
	ctx := context.Background()

	alice, _ := svc.ResolveOrCreate(ctx, "telegram", "111", "Alice")
	if _, err := svc.Unlink(ctx, "telegram", "111"); !errors.Is(err, ErrNotLinked) {
		t.Fatalf("single-identity unlink error = %v, want ErrNotLinked", err)
	}

	svc.ResolveOrCreate(ctx, "discord", "222", "")
	code, _, _ := svc.GenerateLinkCode(alice.ID)
	if _, _, err := svc.ConsumeLinkCode(ctx, code, "discord", "222"); err != nil {
		t.Fatalf("link: %v", err)
	}

	fresh, err := svc.Unlink(ctx, "discord", "222")
	if err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if fresh.ID == alice.ID {
		t.Error("unlink did not create a fresh user")
	}

	remaining, _ := svc.Get(alice.ID)
	if len(remaining.Identities) != 1 || remaining.Identities[0] != "telegram:111" {
		t.Errorf("owner identities = %v", remaining.Identities)
	}
	back, _ := svc.ResolveOrCreate(ctx, "discord", "222", "")
	if back.ID != fresh.ID {
		t.Errorf("identity resolves to %s, want fresh user %s", back.ID, fresh.ID)
	}
}

// TestInit_RebuildsIndex verifies a restart resolves existing identities.
func TestInit_RebuildsIndex(t *testing.T) {
	now := time.Now()
	backend := store.NewMemory()
	ctx := context.Background()

	first := NewService(backend, WithNow(func() time.Time { return now }))
	first.Init(ctx)
	alice, _ := first.ResolveOrCreate(ctx, "telegram", "111", "Alice")

	second := NewService(backend, WithNow(func() time.Time { return now }))
	if err := second.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	got, err := second.ResolveOrCreate(ctx, "telegram", "111", "ignored")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if got.ID != alice.ID {
		t.Errorf("restart lost identity mapping: %s vs %s", got.ID, alice.ID)
	}
}
