package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/beacon/internal/beaconerr"
	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/providers"
	"github.com/nextlevelbuilder/beacon/internal/session"
	"github.com/nextlevelbuilder/beacon/internal/telemetry"
	"github.com/nextlevelbuilder/beacon/internal/tools"
)

// processTurn is the per-turn pipeline: ensure session, bind identity,
// dispatch commands or run the LLM-tool iteration, reply, then consider
// compaction. All failure handling terminates here; nothing propagates to
// the dispatcher.
func (l *Loop) processTurn(ctx context.Context, msg bus.InboundMessage) {
	ctx, span := telemetry.StartTurn(ctx, msg.Channel, msg.SessionID)
	var turnErr error
	defer func() { telemetry.End(span, turnErr) }()

	sess, err := l.cfg.Sessions.GetOrCreate(ctx, msg.SessionID, msg.Channel)
	if err != nil {
		turnErr = err
		slog.Error("session lookup failed", "session", msg.SessionID, "error", err)
		l.replyError(msg, err)
		return
	}
	l.syncChannelData(ctx, sess, msg)

	userID := l.bindIdentity(ctx, sess, msg)

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		l.handleCommand(ctx, msg, userID, text)
		return
	}

	reply, err := l.runIteration(ctx, sess, msg, userID)
	switch {
	case err == nil:
		if reply != "" {
			l.reply(msg, reply)
		}
		l.compactAsync(ctx, msg.SessionID)
	case ctx.Err() != nil:
		// Aborted mid-flight. User-initiated cancels get the fixed notice;
		// shutdown stays silent.
		if errors.Is(context.Cause(ctx), errSessionCancelled) {
			l.reply(msg, "[Session cancelled]")
		}
		slog.Info("turn cancelled", "session", msg.SessionID)
	default:
		turnErr = err
		slog.Error("turn failed", "session", msg.SessionID, "channel", msg.Channel, "error", err)
		l.replyError(msg, err)
	}
}

// routingKeys are the inbound metadata entries persisted on the session
// meta so outbound delivery works for turns that arrive without platform
// metadata (scheduler fires, subagent announcements, cross-user sends).
var routingKeys = [...]string{"chat_id", "is_group", "username"}

func (l *Loop) syncChannelData(ctx context.Context, sess session.Session, msg bus.InboundMessage) {
	var changed map[string]string
	for _, k := range routingKeys {
		v := msg.Metadata[k]
		if v == "" || sess.ChannelData[k] == v {
			continue
		}
		if changed == nil {
			changed = make(map[string]string, len(routingKeys))
		}
		changed[k] = v
	}
	if changed != nil {
		l.cfg.Sessions.SetSessionChannelData(ctx, sess.ID, changed)
	}
}

// bindIdentity resolves who this turn belongs to and binds the session.
// Scheduler fires restore the task creator from metadata (falling back to
// the persisted binding); subagent announcements keep the session's current
// identity; everything else resolves through the user service keyed by
// (channel, sender).
func (l *Loop) bindIdentity(ctx context.Context, sess session.Session, msg bus.InboundMessage) string {
	switch {
	case msg.Sender == bus.SenderScheduler:
		uid := msg.Metadata[bus.MetaCreatorUserID]
		if uid == "" {
			uid = sess.UserID
		}
		if uid != "" && uid != sess.UserID {
			l.cfg.Sessions.SetSessionUser(ctx, sess.ID, uid)
		}
		return uid

	case msg.Sender == bus.SenderSubagent, strings.HasPrefix(msg.Sender, "system:"):
		return sess.UserID
	}

	u, err := l.cfg.Users.ResolveOrCreate(ctx, msg.Channel, msg.Sender, msg.Metadata[bus.MetaDisplayName])
	if err != nil {
		slog.Warn("user resolution failed", "channel", msg.Channel, "sender", msg.Sender, "error", err)
		return sess.UserID
	}
	if u.ID != sess.UserID {
		l.cfg.Sessions.SetSessionUser(ctx, sess.ID, u.ID)
	}
	return u.ID
}

// runIteration appends the user message and drives the LLM-tool loop to a
// terminal text. Tool-call chains are persisted whole at the chain boundary,
// so a crash or cancel mid-chain never leaves a half-persisted chain.
func (l *Loop) runIteration(ctx context.Context, sess session.Session, msg bus.InboundMessage, userID string) (string, error) {
	userMsg := session.Message{Role: session.RoleUser, Content: msg.Text}
	if src := syntheticSource(msg.Sender); src != "" {
		userMsg.Metadata = map[string]string{session.MetaSource: src}
	}
	if err := l.cfg.Sessions.AddMessage(ctx, sess.ID, userMsg); err != nil {
		return "", err
	}

	history, err := l.cfg.Sessions.GetHistory(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	msgs := toProviderMessages(history)
	if imgs := loadImages(msg.Media); len(imgs) > 0 && len(msgs) > 0 {
		msgs[len(msgs)-1].Images = imgs
	}

	systemPrompt := l.buildSystemPrompt(ctx, userID)
	defs := l.cfg.Tools.Definitions()

	workspace, err := l.cfg.Sessions.WorkspaceDir(sess.ID)
	if err != nil {
		slog.Warn("workspace unavailable", "session", sess.ID, "error", err)
	}
	ec := tools.ExecContext{
		SessionID:    sess.ID,
		WorkspaceDir: workspace,
		Channel:      msg.Channel,
		UserID:       userID,
	}

	for iter := 1; iter <= l.maxIterations; iter++ {
		l.progress(msg, bus.ProgressMessage{Step: bus.StepThinking, Iteration: iter})

		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := l.chat(ctx, providers.ChatRequest{
			Model:       l.cfg.Model,
			System:      systemPrompt,
			Messages:    msgs,
			Tools:       defs,
			Temperature: l.cfg.Temperature,
			MaxTokens:   l.cfg.MaxTokens,
		}, iter)
		if err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			final := session.Message{Role: session.RoleAssistant, Content: resp.Content}
			if err := l.cfg.Sessions.AddMessage(ctx, sess.ID, final); err != nil {
				return "", err
			}
			return resp.Content, nil
		}

		if resp.Content != "" {
			l.progress(msg, bus.ProgressMessage{Step: bus.StepLLMResponse, Iteration: iter, Text: resp.Content})
		}

		assistant := assistantFromResponse(resp)
		msgs = append(msgs, providerAssistant(resp))
		chain := make([]session.Message, 0, len(resp.ToolCalls)+1)
		chain = append(chain, assistant)

		for _, tc := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			l.progress(msg, bus.ProgressMessage{
				Step: bus.StepToolCall, Iteration: iter, Tool: tc.Name, ToolArgs: tc.Arguments,
			})

			tctx, tspan := telemetry.StartTool(tools.WithExecContext(ctx, ec), tc.Name)
			res := l.cfg.Tools.Execute(tctx, tc.Name, tc.Arguments)
			telemetry.End(tspan, res.Err)

			l.progress(msg, bus.ProgressMessage{
				Step: bus.StepToolResult, Iteration: iter, Tool: tc.Name,
				Text: preview(res.ForLLM, 500), IsError: res.IsError,
			})
			if res.ForUser != "" && !res.Silent {
				l.reply(msg, res.ForUser)
			}

			toolMsg := session.Message{
				Role:       session.RoleTool,
				Content:    res.ForLLM,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			}
			msgs = append(msgs, providers.Message{Role: "tool", Content: res.ForLLM, ToolCallID: tc.ID})
			chain = append(chain, toolMsg)
		}

		// Chain complete: persist it whole.
		for _, m := range chain {
			if err := l.cfg.Sessions.AddMessage(ctx, sess.ID, m); err != nil {
				return "", err
			}
		}
	}

	return "", beaconerr.ErrIterationLimit
}

// chat wraps the provider call with a tracing span.
func (l *Loop) chat(ctx context.Context, req providers.ChatRequest, iteration int) (*providers.ChatResponse, error) {
	ctx, span := telemetry.StartLLMCall(ctx, l.cfg.Provider.Name(), l.cfg.Model, iteration)
	resp, err := l.cfg.Provider.Chat(ctx, req)
	telemetry.End(span, err)
	return resp, err
}

// syntheticSource maps synthetic senders to the source metadata value stored
// with their user messages.
func syntheticSource(sender string) string {
	switch sender {
	case bus.SenderScheduler:
		return "scheduler"
	case bus.SenderSubagent:
		return "subagent"
	}
	return ""
}

// toProviderMessages converts the session history view to the provider wire.
func toProviderMessages(history []session.Message) []providers.Message {
	out := make([]providers.Message, 0, len(history))
	for _, m := range history {
		pm := providers.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		out = append(out, pm)
	}
	return out
}

// assistantFromResponse builds the durable form of an assistant reply.
func assistantFromResponse(resp *providers.ChatResponse) session.Message {
	m := session.Message{Role: session.RoleAssistant, Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, session.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return m
}

// providerAssistant builds the live request-vector form of the same reply.
func providerAssistant(resp *providers.ChatResponse) providers.Message {
	m := providers.Message{Role: "assistant", Content: resp.Content}
	m.ToolCalls = append(m.ToolCalls, resp.ToolCalls...)
	return m
}

func (l *Loop) reply(msg bus.InboundMessage, text string) {
	_ = l.cfg.Bus.PublishOutbound(bus.OutboundMessage{
		Channel:   msg.Channel,
		SessionID: msg.SessionID,
		Text:      text,
		Metadata:  msg.Metadata,
	})
}

func (l *Loop) replyError(msg bus.InboundMessage, err error) {
	l.reply(msg, "❌ "+beaconerr.UserMessage(err))
}

func (l *Loop) progress(msg bus.InboundMessage, p bus.ProgressMessage) {
	p.Channel = msg.Channel
	p.SessionID = msg.SessionID
	l.cfg.Bus.PublishProgress(p)
}

func preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
