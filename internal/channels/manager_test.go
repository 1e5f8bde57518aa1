package channels

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/beacon/internal/bus"
)

type fakeChannel struct {
	name     string
	startErr error

	mu       sync.Mutex
	started  bool
	stopped  bool
	sent     []bus.OutboundMessage
	progress []bus.ProgressMessage
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeChannel) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// renderingChannel additionally accepts progress messages.
type renderingChannel struct {
	fakeChannel
}

func (r *renderingChannel) SendProgress(msg bus.ProgressMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, msg)
}

func TestManagerRoutesOutboundPerChannel(t *testing.T) {
	b := bus.New()
	m := NewManager(b)

	tg := &fakeChannel{name: "telegram"}
	dc := &fakeChannel{name: "discord"}
	m.Register(tg)
	m.Register(dc)

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", SessionID: "telegram:1", Text: "hi"})

	if tg.sentCount() != 1 {
		t.Fatalf("telegram received %d messages, want 1", tg.sentCount())
	}
	if dc.sentCount() != 0 {
		t.Fatalf("discord received %d messages, want 0", dc.sentCount())
	}

	tg.mu.Lock()
	got := tg.sent[0]
	tg.mu.Unlock()
	if got.Text != "hi" || got.SessionID != "telegram:1" {
		t.Errorf("delivered message = %+v", got)
	}
}

func TestManagerProgressOnlyForRenderers(t *testing.T) {
	b := bus.New()
	m := NewManager(b)

	plain := &fakeChannel{name: "plain"}
	rend := &renderingChannel{fakeChannel: fakeChannel{name: "rich"}}
	m.Register(plain)
	m.Register(rend)

	b.PublishProgress(bus.ProgressMessage{Channel: "plain", Step: bus.StepThinking})
	b.PublishProgress(bus.ProgressMessage{Channel: "rich", Step: bus.StepThinking})

	rend.mu.Lock()
	n := len(rend.progress)
	rend.mu.Unlock()
	if n != 1 {
		t.Errorf("renderer received %d progress messages, want 1", n)
	}

	plain.mu.Lock()
	pn := len(plain.progress)
	plain.mu.Unlock()
	if pn != 0 {
		t.Errorf("plain channel received %d progress messages, want 0", pn)
	}
}

func TestStartAllContinuesPastFailure(t *testing.T) {
	b := bus.New()
	m := NewManager(b)

	bad := &fakeChannel{name: "bad", startErr: errors.New("token rejected")}
	good := &fakeChannel{name: "good"}
	m.Register(bad)
	m.Register(good)

	if err := m.StartAll(t.Context()); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	good.mu.Lock()
	defer good.mu.Unlock()
	if !good.started {
		t.Error("healthy channel not started")
	}
}

func TestStartAllFailsWhenNothingStarts(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	m.Register(&fakeChannel{name: "bad", startErr: errors.New("boom")})

	if err := m.StartAll(t.Context()); err == nil {
		t.Error("expected error when no channel starts")
	}
}

func TestStartAllEmptyIsNoop(t *testing.T) {
	m := NewManager(bus.New())
	if err := m.StartAll(t.Context()); err != nil {
		t.Errorf("StartAll with no channels: %v", err)
	}
}

func TestStopAllUnregistersHandlers(t *testing.T) {
	b := bus.New()
	m := NewManager(b)

	ch := &fakeChannel{name: "telegram"}
	m.Register(ch)

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}

	ch.mu.Lock()
	stopped := ch.stopped
	ch.mu.Unlock()
	if !stopped {
		t.Error("channel not stopped")
	}

	// Handler removed: publish is dropped, not delivered.
	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", Text: "late"})
	if ch.sentCount() != 0 {
		t.Errorf("message delivered after StopAll: %d", ch.sentCount())
	}
}

func TestRegisterReplacesAndKeepsOrder(t *testing.T) {
	b := bus.New()
	m := NewManager(b)

	m.Register(&fakeChannel{name: "a"})
	m.Register(&fakeChannel{name: "b"})
	replacement := &fakeChannel{name: "a"}
	m.Register(replacement)

	names := m.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("Names = %v", names)
	}

	got, ok := m.Get("a")
	if !ok || got != Channel(replacement) {
		t.Error("Get did not return the replacement channel")
	}

	b.PublishOutbound(bus.OutboundMessage{Channel: "a", Text: "x"})
	if replacement.sentCount() != 1 {
		t.Errorf("replacement received %d messages, want 1", replacement.sentCount())
	}
}
