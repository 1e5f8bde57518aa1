package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/channels"
)

// handleMessage turns an incoming Telegram message into an inbound bus
// message. Service messages and senders outside the allow-list are dropped.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	// Service messages (member joined, title changed, pinned) carry no
	// user content; processing them would publish "[empty message]" turns.
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}

	user := message.From
	if user == nil {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	if !c.Allowed(userID, user.Username) {
		slog.Debug("telegram message rejected by allowlist",
			"user_id", userID, "username", user.Username, "chat_id", message.Chat.ID)
		return
	}

	chatIDStr := strconv.FormatInt(message.Chat.ID, 10)
	sessionID := c.SessionID(chatIDStr)
	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"

	text := message.Text
	if message.Caption != "" {
		if text != "" {
			text += "\n"
		}
		text += message.Caption
	}

	// Download attachments. Images travel as media paths for the vision
	// pipeline; text documents are inlined; audio is tagged.
	mediaList := c.resolveMedia(ctx, message)
	var mediaPaths []string
	if len(mediaList) > 0 {
		if tags := buildMediaTags(mediaList); tags != "" {
			if text != "" {
				text = tags + "\n\n" + text
			} else {
				text = tags
			}
		}
		for i := range mediaList {
			m := &mediaList[i]
			if m.Type == "document" && m.FilePath != "" {
				docContent, err := extractDocumentContent(m.FilePath, m.FileName)
				if err != nil {
					slog.Warn("document extraction failed", "file", m.FileName, "error", err)
				} else if docContent != "" {
					text += "\n\n" + docContent
				}
			}
			if m.FilePath != "" {
				mediaPaths = append(mediaPaths, m.FilePath)
			}
		}
	}

	if text == "" {
		text = "[empty message]"
	}

	senderLabel := user.FirstName
	if user.Username != "" {
		senderLabel = "@" + user.Username
	}

	// In groups, annotate who is talking so the model can tell members apart.
	if isGroup {
		text = fmt.Sprintf("[From: %s]\n%s", senderLabel, text)
	}

	slog.Debug("telegram message received",
		"chat_id", chatIDStr,
		"user_id", userID,
		"is_group", isGroup,
		"preview", channels.Truncate(text, 60),
	)

	// Show typing right away; progress events keep it alive during the turn.
	_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(message.Chat.ID), telego.ChatActionTyping))

	metadata := map[string]string{
		"message_id":        strconv.Itoa(message.MessageID),
		"chat_id":           chatIDStr,
		"user_id":           userID,
		"username":          user.Username,
		"is_group":          strconv.FormatBool(isGroup),
		bus.MetaDisplayName: senderLabel,
	}

	c.Publish(sessionID, userID, text, mediaPaths, metadata)
}

// isServiceMessage reports whether the message is a Telegram service event
// (member added/removed, title changed, pinned) rather than user content.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
