package bus

import (
	"context"
	"log/slog"
	"sync"
)

// MessageBus decouples transports from the agent loop. Inbound messages go
// onto a single unbounded queue drained by one consumer; outbound and
// progress messages are routed to the handler registered for their channel.
//
// Handlers are treated as untrusted: panics are recovered and logged, errors
// are logged and swallowed. A failing transport must never take the loop down.
type MessageBus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []InboundMessage
	closed bool

	hmu      sync.RWMutex
	outbound map[string]OutboundHandler
	progress map[string]ProgressHandler
	onCancel func(sessionID string)
}

// New creates an empty message bus.
func New() *MessageBus {
	b := &MessageBus{
		outbound: make(map[string]OutboundHandler),
		progress: make(map[string]ProgressHandler),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// PublishInbound enqueues a message for the agent loop. It never blocks.
// Messages published by a single goroutine are dequeued in publish order.
// Publishing after Close drops the message with a log.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		slog.Debug("bus closed, dropping inbound", "channel", msg.Channel, "session", msg.SessionID)
		return
	}
	b.queue = append(b.queue, msg)
	b.cond.Signal()
}

// Inbound blocks until a message is available and returns it. The second
// return is false when the bus has been closed and the queue is drained, or
// when ctx is done.
func (b *MessageBus) Inbound(ctx context.Context) (InboundMessage, bool) {
	// Wake the cond wait when the caller's context ends.
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.queue) == 0 {
		if b.closed || ctx.Err() != nil {
			return InboundMessage{}, false
		}
		b.cond.Wait()
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return msg, true
}

// Pending reports the number of queued inbound messages. Used by /status
// and shutdown logging.
func (b *MessageBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// RegisterOutboundHandler installs the outbound handler for a channel.
// Registering a second handler for the same channel replaces the first.
func (b *MessageBus) RegisterOutboundHandler(channel string, fn OutboundHandler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	if _, ok := b.outbound[channel]; ok {
		slog.Debug("replacing outbound handler", "channel", channel)
	}
	b.outbound[channel] = fn
}

// UnregisterOutboundHandler removes a channel's outbound handler. Pending
// deliveries for the channel are dropped silently afterwards.
func (b *MessageBus) UnregisterOutboundHandler(channel string) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	delete(b.outbound, channel)
}

// RegisterProgressHandler installs the progress handler for a channel,
// replacing any previous one.
func (b *MessageBus) RegisterProgressHandler(channel string, fn ProgressHandler) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.progress[channel] = fn
}

// UnregisterProgressHandler removes a channel's progress handler.
func (b *MessageBus) UnregisterProgressHandler(channel string) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	delete(b.progress, channel)
}

// PublishOutbound synchronously invokes the handler registered for the
// message's channel. A missing handler logs a warning and counts as
// delivered; handler errors and panics are logged and swallowed.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) error {
	b.hmu.RLock()
	fn, ok := b.outbound[msg.Channel]
	b.hmu.RUnlock()

	if !ok {
		slog.Warn("outbound: no handler for channel", "channel", msg.Channel, "session", msg.SessionID)
		return nil
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("outbound handler panicked", "channel", msg.Channel, "panic", r)
			}
		}()
		if err := fn(msg); err != nil {
			slog.Error("outbound handler failed", "channel", msg.Channel, "session", msg.SessionID, "error", err)
		}
	}()
	return nil
}

// PublishProgress delivers a progress message to the channel's progress
// handler, if any. Fire-and-forget: no handler means no-op, panics are
// recovered.
func (b *MessageBus) PublishProgress(msg ProgressMessage) {
	b.hmu.RLock()
	fn, ok := b.progress[msg.Channel]
	b.hmu.RUnlock()

	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("progress handler panicked", "channel", msg.Channel, "panic", r)
		}
	}()
	fn(msg)
}

// OnSessionCancel registers the single session-cancel callback. The agent
// loop installs its abort hook here; a second registration replaces the
// first.
func (b *MessageBus) OnSessionCancel(fn func(sessionID string)) {
	b.hmu.Lock()
	defer b.hmu.Unlock()
	b.onCancel = fn
}

// CancelSession requests cancellation of every queued and in-flight turn for
// a session. Idempotent; a no-op when no callback is registered.
func (b *MessageBus) CancelSession(sessionID string) {
	b.hmu.RLock()
	fn := b.onCancel
	b.hmu.RUnlock()

	if fn == nil {
		slog.Debug("cancel requested with no hook installed", "session", sessionID)
		return
	}
	slog.Info("cancelling session", "session", sessionID)
	fn(sessionID)
}

// Close ends the inbound stream: blocked Inbound callers return (_, false)
// once the queue drains, handlers and the cancel hook are dropped, and
// further publishes are discarded. Safe to call more than once.
func (b *MessageBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	b.hmu.Lock()
	b.outbound = make(map[string]OutboundHandler)
	b.progress = make(map[string]ProgressHandler)
	b.onCancel = nil
	b.hmu.Unlock()
}
