package channels

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/beacon/internal/bus"
)

func TestAllowed(t *testing.T) {
	tests := []struct {
		name       string
		allowFrom  []string
		candidates []string
		want       bool
	}{
		{
			name:       "empty list allows everyone",
			allowFrom:  nil,
			candidates: []string{"12345"},
			want:       true,
		},
		{
			name:       "exact id match",
			allowFrom:  []string{"12345", "67890"},
			candidates: []string{"67890"},
			want:       true,
		},
		{
			name:       "at-prefixed entry matches bare username",
			allowFrom:  []string{"@alice"},
			candidates: []string{"999", "alice"},
			want:       true,
		},
		{
			name:       "case insensitive",
			allowFrom:  []string{"Alice"},
			candidates: []string{"alice"},
			want:       true,
		},
		{
			name:       "no match",
			allowFrom:  []string{"@alice", "42"},
			candidates: []string{"43", "bob"},
			want:       false,
		},
		{
			name:       "empty candidate never matches",
			allowFrom:  []string{"42"},
			candidates: []string{""},
			want:       false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", nil, tt.allowFrom)
			if got := c.Allowed(tt.candidates...); got != tt.want {
				t.Errorf("Allowed(%v) with list %v = %v, want %v",
					tt.candidates, tt.allowFrom, got, tt.want)
			}
		})
	}
}

func TestSessionID(t *testing.T) {
	c := NewBaseChannel("telegram", nil, nil)
	if got := c.SessionID("42"); got != "telegram:42" {
		t.Errorf("SessionID = %q, want telegram:42", got)
	}
}

func TestPublishPopulatesMessage(t *testing.T) {
	b := bus.New()
	c := NewBaseChannel("test", b, nil)

	before := time.Now().UTC()
	c.Publish("test:7", "alice", "hi", []string{"/tmp/img.png"}, map[string]string{"k": "v"})

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	msg, ok := b.Inbound(ctx)
	if !ok {
		t.Fatal("no inbound message")
	}

	if msg.ID == "" {
		t.Error("ID not assigned")
	}
	if msg.Channel != "test" || msg.SessionID != "test:7" || msg.Sender != "alice" {
		t.Errorf("routing fields wrong: %+v", msg)
	}
	if msg.Text != "hi" {
		t.Errorf("Text = %q", msg.Text)
	}
	if len(msg.Media) != 1 || msg.Media[0] != "/tmp/img.png" {
		t.Errorf("Media = %v", msg.Media)
	}
	if msg.Timestamp.Before(before.Add(-time.Second)) {
		t.Errorf("Timestamp not set: %v", msg.Timestamp)
	}
	if msg.Metadata["k"] != "v" {
		t.Errorf("Metadata = %v", msg.Metadata)
	}
}

func TestRunningFlag(t *testing.T) {
	c := NewBaseChannel("test", nil, nil)
	if c.IsRunning() {
		t.Error("new channel reports running")
	}
	c.SetRunning(true)
	if !c.IsRunning() {
		t.Error("SetRunning(true) not visible")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 4); got != "abcd..." {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abc", 4); got != "abc" {
		t.Errorf("Truncate short = %q", got)
	}
}
