package gateway

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newRateLimiter(time.Minute, 3)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("k") {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if l.Allow("k") {
		t.Fatal("4th request in window should be limited")
	}

	now = now.Add(time.Minute)
	if !l.Allow("k") {
		t.Fatal("fresh window should pass")
	}
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newRateLimiter(time.Minute, 1)
	l.now = func() time.Time { return now }

	if !l.Allow("a") {
		t.Fatal("first request for a should pass")
	}
	if l.Allow("a") {
		t.Fatal("second request for a should be limited")
	}
	if !l.Allow("b") {
		t.Fatal("b has its own budget")
	}
}

func TestRateLimiterPrunesStaleAtCap(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newRateLimiter(time.Minute, 1)
	l.now = func() time.Time { return now }

	for i := 0; i < maxTrackedKeys; i++ {
		l.Allow(fmt.Sprintf("key-%d", i))
	}
	if len(l.entries) != maxTrackedKeys {
		t.Fatalf("tracked keys = %d, want %d", len(l.entries), maxTrackedKeys)
	}

	now = now.Add(2 * time.Minute)
	if !l.Allow("fresh") {
		t.Fatal("fresh key should pass")
	}
	if len(l.entries) != 1 {
		t.Errorf("stale entries not pruned, have %d", len(l.entries))
	}
}

func TestRateLimiterHardEvictsFreshAtCap(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newRateLimiter(time.Minute, 1)
	l.now = func() time.Time { return now }

	for i := 0; i < maxTrackedKeys; i++ {
		l.Allow(fmt.Sprintf("key-%d", i))
	}

	// Every entry is fresh, so pruning removes nothing and one key is
	// evicted to make room.
	if !l.Allow("extra") {
		t.Fatal("new key should pass after eviction")
	}
	if len(l.entries) > maxTrackedKeys {
		t.Errorf("tracked keys = %d, exceeds cap %d", len(l.entries), maxTrackedKeys)
	}
}
