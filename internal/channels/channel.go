// Package channels connects external messaging surfaces (terminal, Telegram,
// Discord, the WebSocket gateway) to the agent runtime via the message bus.
//
// A channel translates platform events into bus.InboundMessage values and
// renders bus.OutboundMessage values back onto the platform. Everything else
// (sessions, users, tool calls) is the core's problem.
package channels

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/beacon/internal/bus"
)

// Channel is the contract every transport implementation satisfies.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram", "discord").
	Name() string

	// Start begins listening for platform events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the transport down and releases its connections.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// ProgressRenderer is implemented by channels that can surface intermediate
// turn state (thinking indicators, tool-call notices). Delivery is
// best-effort; implementations must never block the caller for long.
type ProgressRenderer interface {
	SendProgress(msg bus.ProgressMessage)
}

// BaseChannel carries the state shared by all channel implementations.
// Implementations embed it.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
	running   atomic.Bool
}

// NewBaseChannel creates the shared channel state. allowFrom is the raw
// allow-list from config; empty means every sender is accepted.
func NewBaseChannel(name string, msgBus *bus.MessageBus, allowFrom []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		bus:       msgBus,
		allowFrom: allowFrom,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// Bus returns the message bus reference.
func (c *BaseChannel) Bus() *bus.MessageBus { return c.bus }

// IsRunning reports whether the channel is actively processing events.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Allowed checks the sender against the allow-list. Any of the supplied
// candidate identifiers may match (platforms know a sender under several
// handles: numeric id, username). List entries may carry a leading "@".
// An empty allow-list accepts everyone.
func (c *BaseChannel) Allowed(candidates ...string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	for _, entry := range c.allowFrom {
		trimmed := strings.TrimPrefix(entry, "@")
		if trimmed == "" {
			continue
		}
		for _, cand := range candidates {
			if cand == "" {
				continue
			}
			if strings.EqualFold(cand, trimmed) || strings.EqualFold(cand, entry) {
				return true
			}
		}
	}
	return false
}

// SessionID derives the stable session key for a platform conversation.
// The "<channel>:<chat>" form keeps history attached to the same chat
// across restarts.
func (c *BaseChannel) SessionID(chatID string) string {
	return c.name + ":" + chatID
}

// Publish builds a fully-populated inbound message and hands it to the bus.
// This is the one way channels forward received messages.
func (c *BaseChannel) Publish(sessionID, sender, text string, media []string, metadata map[string]string) {
	c.bus.PublishInbound(bus.InboundMessage{
		ID:        uuid.NewString(),
		Channel:   c.name,
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		Media:     media,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	})
}

// Truncate shortens a string to maxLen bytes, appending "..." if truncated.
// Used for log previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
