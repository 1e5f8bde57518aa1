package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/beacon/internal/bus"
)

// sendTimeout bounds a single outbound delivery. A platform API that hangs
// longer than this counts as a failed send; the bus logs it and moves on.
const sendTimeout = 30 * time.Second

// Manager owns the lifecycle of all registered channels and wires each one
// into the message bus: one outbound handler per channel, plus a progress
// handler when the channel can render intermediate state.
type Manager struct {
	mu       sync.RWMutex
	bus      *bus.MessageBus
	channels map[string]Channel
	order    []string // registration order, for deterministic start/stop
}

// NewManager creates an empty channel manager.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		channels: make(map[string]Channel),
	}
}

// Register adds a channel and installs its bus handlers. Registering a
// second channel under the same name replaces the first one's handlers.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; !exists {
		m.order = append(m.order, name)
	}
	m.channels[name] = ch

	m.bus.RegisterOutboundHandler(name, func(msg bus.OutboundMessage) error {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		return ch.Send(ctx, msg)
	})

	if pr, ok := ch.(ProgressRenderer); ok {
		m.bus.RegisterProgressHandler(name, pr.SendProgress)
	}
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// StartAll starts every registered channel. A channel that fails to start is
// logged and skipped so the others still come up. Returns an error only when
// channels were registered and none of them started.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.order) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	started := 0
	for _, name := range m.order {
		slog.Info("starting channel", "channel", name)
		if err := m.channels[name].Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
			continue
		}
		started++
	}

	if started == 0 {
		return fmt.Errorf("no channel started (%d registered)", len(m.order))
	}
	slog.Info("channels started", "count", started)
	return nil
}

// StopAll removes the bus handlers and stops every channel in reverse
// registration order. Outbound messages published afterwards are dropped by
// the bus with a warning, which is the intended shutdown behavior.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]

		m.bus.UnregisterOutboundHandler(name)
		m.bus.UnregisterProgressHandler(name)

		slog.Info("stopping channel", "channel", name)
		if err := m.channels[name].Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
	return nil
}
