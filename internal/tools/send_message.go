package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/session"
	"github.com/nextlevelbuilder/beacon/internal/store"
)

// UserFinder resolves a user reference (id or display name) to a record.
type UserFinder interface {
	Find(target string) (store.UserRecord, error)
}

// SessionFinder locates the sessions bound to a user, most recent first.
type SessionFinder interface {
	FindSessionsByUser(userID string) []session.Session
}

// OutboundPublisher delivers a message to a channel transport.
type OutboundPublisher interface {
	PublishOutbound(msg bus.OutboundMessage) error
}

// SendMessageTool delivers a message to another user by pushing it out
// through that user's most recently active session. The sender's identity
// is prefixed so the recipient knows where it came from.
type SendMessageTool struct {
	users    UserFinder
	sessions SessionFinder
	out      OutboundPublisher
}

func NewSendMessageTool(users UserFinder, sessions SessionFinder, out OutboundPublisher) *SendMessageTool {
	return &SendMessageTool{users: users, sessions: sessions, out: out}
}

func (t *SendMessageTool) Name() string { return "send_message" }

func (t *SendMessageTool) Description() string {
	return "Send a message to another user; the target is a user id or display name and delivery goes to their most recent conversation"
}

func (t *SendMessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient user id or display name",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Message text to deliver",
			},
		},
		"required": []string{"to", "text"},
	}
}

func (t *SendMessageTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	to, _ := args["to"].(string)
	text, _ := args["text"].(string)
	if strings.TrimSpace(to) == "" || strings.TrimSpace(text) == "" {
		return ErrorResult("to and text are both required")
	}

	target, err := t.users.Find(strings.TrimSpace(to))
	if err != nil {
		return ErrorResult(fmt.Sprintf("cannot resolve recipient: %v", err))
	}

	ec := ExecContextFrom(ctx)
	if target.ID == ec.UserID {
		return ErrorResult("recipient is the current user; just reply in this conversation")
	}

	sessions := t.sessions.FindSessionsByUser(target.ID)
	if len(sessions) == 0 {
		return ErrorResult(fmt.Sprintf("user %q has no active conversation to deliver to", target.DisplayName))
	}
	dest := sessions[0]

	body := text
	if ec.UserID != "" {
		body = fmt.Sprintf("[Message from another user]\n%s", text)
	}

	// Carry the destination's persisted routing data (chat id and friends)
	// so the transport can deliver without an originating inbound message.
	meta := make(map[string]string, len(dest.ChannelData)+1)
	for k, v := range dest.ChannelData {
		meta[k] = v
	}
	meta[bus.MetaSenderUserID] = ec.UserID

	if err := t.out.PublishOutbound(bus.OutboundMessage{
		Channel:   dest.Channel,
		SessionID: dest.ID,
		Text:      body,
		Metadata:  meta,
	}); err != nil {
		return ErrorResult(fmt.Sprintf("delivery failed: %v", err))
	}
	return NewResult(fmt.Sprintf("Message delivered to %s (%s channel).", target.DisplayName, dest.Channel))
}
