// Package discord connects the runtime to Discord via the gateway API.
// Replies longer than Discord's 2000-character limit are split at newline
// boundaries.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/channels"
	"github.com/nextlevelbuilder/beacon/internal/config"
)

const (
	// maxMessageLen is Discord's per-message character limit.
	maxMessageLen = 2000

	// typingInterval throttles repeated typing indicators per channel.
	// Discord renders the indicator for about ten seconds.
	typingInterval = 8 * time.Second
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session    *discordgo.Session
	config     config.DiscordConfig
	botUserID  string   // populated on start
	lastTyping sync.Map // channelID string → time.Time
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel("discord", msgBus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// Send delivers a reply to the Discord channel encoded in the session id.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if strings.TrimSpace(msg.Text) == "" {
		return nil
	}

	channelID := msg.Metadata["chat_id"]
	if channelID == "" {
		channelID = strings.TrimPrefix(msg.SessionID, c.Name()+":")
	}
	if channelID == "" {
		return fmt.Errorf("empty chat id for discord send")
	}

	return c.sendChunked(channelID, msg.Text)
}

// SendProgress surfaces turn activity as a typing indicator.
func (c *Channel) SendProgress(msg bus.ProgressMessage) {
	if !c.IsRunning() {
		return
	}
	if msg.Step != bus.StepThinking && msg.Step != bus.StepToolCall {
		return
	}

	channelID := strings.TrimPrefix(msg.SessionID, c.Name()+":")
	if last, ok := c.lastTyping.Load(channelID); ok {
		if time.Since(last.(time.Time)) < typingInterval {
			return
		}
	}
	c.lastTyping.Store(channelID, time.Now())
	_ = c.session.ChannelTyping(channelID)
}

// sendChunked sends content, splitting into multiple messages when it
// exceeds the per-message limit.
func (c *Channel) sendChunked(channelID, content string) error {
	for _, chunk := range splitChunks(content) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// splitChunks cuts content into pieces of at most maxMessageLen characters,
// breaking at a newline past the midpoint when one exists.
func splitChunks(content string) []string {
	var chunks []string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// handleMessage turns incoming Discord messages into inbound bus messages.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Drop our own messages and other bots.
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	senderName := resolveDisplayName(m)

	if !c.Allowed(senderID, m.Author.Username) {
		slog.Debug("discord message rejected by allowlist",
			"user_id", senderID, "username", m.Author.Username)
		return
	}

	channelID := m.ChannelID
	isDM := m.GuildID == ""

	text := m.Content
	for _, att := range m.Attachments {
		if text != "" {
			text += "\n"
		}
		text += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if text == "" {
		text = "[empty message]"
	}

	// In guild channels, annotate who is talking.
	if !isDM {
		text = fmt.Sprintf("[From: %s]\n%s", senderName, text)
	}

	slog.Debug("discord message received",
		"sender_id", senderID,
		"channel_id", channelID,
		"is_dm", isDM,
		"preview", channels.Truncate(text, 50),
	)

	_ = c.session.ChannelTyping(channelID)
	c.lastTyping.Store(channelID, time.Now())

	metadata := map[string]string{
		"message_id":        m.ID,
		"chat_id":           channelID,
		"user_id":           senderID,
		"username":          m.Author.Username,
		"guild_id":          m.GuildID,
		"is_dm":             fmt.Sprintf("%t", isDM),
		bus.MetaDisplayName: senderName,
	}

	c.Publish(c.SessionID(channelID), senderID, text, nil, metadata)
}

// resolveDisplayName returns the best available name for a message author.
// Priority: server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
