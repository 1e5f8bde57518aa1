// Package telegram connects the runtime to the Telegram Bot API using long
// polling. Incoming messages (including photos, voice notes and documents)
// become inbound bus messages; replies are split to fit Telegram's message
// size limit and sent through a shared rate limiter.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/channels"
	"github.com/nextlevelbuilder/beacon/internal/config"
)

const (
	// maxMessageLen is Telegram's hard limit per message. Replies longer
	// than this are split at newline boundaries where possible.
	maxMessageLen = 4096

	// defaultRateLimitRPM is the send budget when config leaves it unset.
	// Telegram allows short bursts but throttles sustained traffic.
	defaultRateLimitRPM = 60

	// typingInterval throttles repeated "typing" chat actions per chat.
	// Telegram renders the indicator for about five seconds.
	typingInterval = 4 * time.Second
)

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	*channels.BaseChannel
	bot        *telego.Bot
	config     config.TelegramConfig
	limiter    *rate.Limiter
	lastTyping sync.Map           // chatID string → time.Time
	pollCancel context.CancelFunc // cancels the long polling context
	pollDone   chan struct{}      // closed when the polling goroutine exits
}

// New creates a Telegram channel from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	rpm := cfg.RateLimitRPM
	if rpm <= 0 {
		rpm = defaultRateLimitRPM
	}

	return &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus, cfg.AllowFrom),
		bot:         bot,
		config:      cfg,
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 5),
	}, nil
}

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	// Stop() cancels this context to cleanly shut down long polling.
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	// Register the command menu with retry; the agent loop answers the
	// commands themselves, the menu only makes them discoverable.
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := c.syncMenuCommands(pollCtx, menuCommands()); err != nil {
				slog.Warn("failed to sync telegram menu commands", "error", err, "attempt", attempt)
				if attempt < 3 {
					select {
					case <-pollCtx.Done():
						return
					case <-time.After(time.Duration(attempt*5) * time.Second):
					}
				}
			} else {
				slog.Debug("telegram menu commands synced")
				return
			}
		}
	}()

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				} else {
					slog.Debug("telegram update skipped (no message)", "update_id", update.UpdateID)
				}
			}
		}
	}()

	return nil
}

// Stop shuts down the bot by cancelling the long polling context and waiting
// for the polling goroutine to exit, so Telegram releases the getUpdates lock
// before a new instance starts.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)

	if c.pollCancel != nil {
		c.pollCancel()
	}

	if c.pollDone != nil {
		select {
		case <-c.pollDone:
			slog.Info("telegram bot stopped")
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}

	return nil
}

// Send delivers a reply to the chat encoded in the session id, splitting it
// into multiple messages when it exceeds Telegram's limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}

	chatID, err := c.chatIDFor(msg.SessionID, msg.Metadata)
	if err != nil {
		return err
	}

	for _, chunk := range splitMessage(msg.Text, maxMessageLen) {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// SendProgress surfaces turn activity as a "typing" chat action. Tool calls
// and thinking steps refresh the indicator; everything else is dropped.
func (c *Channel) SendProgress(msg bus.ProgressMessage) {
	if !c.IsRunning() {
		return
	}
	if msg.Step != bus.StepThinking && msg.Step != bus.StepToolCall {
		return
	}

	chatID, err := c.chatIDFor(msg.SessionID, nil)
	if err != nil {
		return
	}

	key := strconv.FormatInt(chatID, 10)
	if last, ok := c.lastTyping.Load(key); ok {
		if time.Since(last.(time.Time)) < typingInterval {
			return
		}
	}
	c.lastTyping.Store(key, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
}

// chatIDFor recovers the numeric chat id from outbound metadata, falling
// back to the "telegram:<chat>" session id form.
func (c *Channel) chatIDFor(sessionID string, metadata map[string]string) (int64, error) {
	raw := metadata["chat_id"]
	if raw == "" {
		raw = strings.TrimPrefix(sessionID, c.Name()+":")
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q: %w", raw, err)
	}
	return chatID, nil
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring to
// break at a newline past the midpoint, then at a space, then mid-word.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		} else if idx := strings.LastIndexByte(text[:maxLen], ' '); idx > maxLen/2 {
			cutAt = idx + 1
		}
		if chunk := strings.TrimRight(text[:cutAt], "\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = text[cutAt:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
