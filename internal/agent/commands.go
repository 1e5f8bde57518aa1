package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/beacon/internal/bus"
)

const helpText = `Available commands:
/help - show this help
/about - runtime and model info
/clear - clear this conversation's history
/tools - list the tools the agent can use
/status - session and runtime status
/stop - cancel the active task for this conversation
/whoami - show your identity and linked channels
/link [code] - link another channel to your identity
/unlink - detach this channel into a fresh identity
/space <list|create|join|leave|info|context> - shared context groups`

// handleCommand dispatches a /command turn. Commands reply through the bus
// and never enter the LLM iteration. /stop is not handled here: the
// dispatcher intercepts it before queueing.
func (l *Loop) handleCommand(ctx context.Context, msg bus.InboundMessage, userID, text string) {
	fields := strings.Fields(text)
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	switch verb {
	case "help":
		l.reply(msg, helpText)
	case "about":
		l.cmdAbout(msg)
	case "clear":
		l.cmdClear(ctx, msg)
	case "tools":
		l.cmdTools(msg)
	case "status":
		l.cmdStatus(ctx, msg)
	case "whoami":
		l.cmdWhoami(msg, userID)
	case "link":
		l.cmdLink(ctx, msg, userID, args)
	case "unlink":
		l.cmdUnlink(ctx, msg)
	case "space":
		l.cmdSpace(ctx, msg, userID, args)
	default:
		l.reply(msg, fmt.Sprintf("Unknown command /%s. See /help.", verb))
	}
}

// handleStop aborts the session's turns and subagents. Invoked directly by
// the dispatcher so it cannot deadlock behind the turn it is aborting.
func (l *Loop) handleStop(msg bus.InboundMessage) {
	n := l.abortSession(msg.SessionID)
	if n == 0 {
		l.reply(msg, "No active task to stop.")
		return
	}
	l.reply(msg, fmt.Sprintf("Stopping %d active task(s).", n))
}

func (l *Loop) cmdAbout(msg bus.InboundMessage) {
	name := l.cfg.DisplayName
	if name == "" {
		name = "beacon"
	}
	model := l.cfg.Model
	if model == "" {
		model = l.cfg.Provider.DefaultModel()
	}
	l.reply(msg, fmt.Sprintf("%s %s (provider %s, model %s, %d tools)",
		name, l.cfg.Version, l.cfg.Provider.Name(), model, l.cfg.Tools.Size()))
}

func (l *Loop) cmdClear(ctx context.Context, msg bus.InboundMessage) {
	if err := l.cfg.Sessions.ClearSession(ctx, msg.SessionID); err != nil {
		l.replyError(msg, err)
		return
	}
	l.reply(msg, "Conversation cleared.")
}

func (l *Loop) cmdTools(msg bus.InboundMessage) {
	list := l.cfg.Tools.List()
	if len(list) == 0 {
		l.reply(msg, "No tools registered.")
		return
	}
	names := make([]string, 0, len(list))
	byName := make(map[string]string, len(list))
	for _, t := range list {
		names = append(names, t.Name())
		byName[t.Name()] = t.Description()
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%d tools:\n", len(names))
	for _, n := range names {
		fmt.Fprintf(&b, "- %s: %s\n", n, byName[n])
	}
	l.reply(msg, strings.TrimRight(b.String(), "\n"))
}

func (l *Loop) cmdStatus(ctx context.Context, msg bus.InboundMessage) {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (channel %s)\n", msg.SessionID, msg.Channel)

	if count, err := l.cfg.Sessions.GetMessageCount(ctx, msg.SessionID); err == nil {
		fmt.Fprintf(&b, "Messages in window: %d (compaction over %d)\n", count, l.memoryWindow)
	}
	if sess, ok := l.cfg.Sessions.Get(msg.SessionID); ok && sess.HasSummary {
		b.WriteString("Summary: present\n")
	}

	stats := l.Stats()
	fmt.Fprintf(&b, "Turns live: %d across %d session(s); inbound queued: %d\n",
		stats.Turns, stats.Sessions, l.cfg.Bus.Pending())

	if l.cfg.Subagents != nil {
		if infos := l.cfg.Subagents.List(msg.SessionID); len(infos) > 0 {
			fmt.Fprintf(&b, "Background tasks: %d", len(infos))
			running := 0
			for _, info := range infos {
				if info.Status == "running" {
					running++
				}
			}
			fmt.Fprintf(&b, " (%d running)\n", running)
		}
	}
	if l.cfg.Scheduler != nil {
		if tasks := l.cfg.Scheduler.TasksBySession(msg.SessionID); len(tasks) > 0 {
			fmt.Fprintf(&b, "Scheduled tasks: %d\n", len(tasks))
		}
	}
	l.reply(msg, strings.TrimRight(b.String(), "\n"))
}

func (l *Loop) cmdWhoami(msg bus.InboundMessage, userID string) {
	if userID == "" {
		l.reply(msg, "No identity is bound to this conversation yet.")
		return
	}
	u, ok := l.cfg.Users.Get(userID)
	if !ok {
		l.reply(msg, "No identity is bound to this conversation yet.")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User %s", u.ID)
	if u.DisplayName != "" {
		fmt.Fprintf(&b, " (%s)", u.DisplayName)
	}
	b.WriteString("\nIdentities:\n")
	for _, id := range u.Identities {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	if l.cfg.Spaces != nil {
		if sp, ok := l.cfg.Spaces.SpaceOf(u.ID); ok {
			fmt.Fprintf(&b, "Space: %s (%s)\n", sp.Name, sp.ID)
		}
	}
	l.reply(msg, strings.TrimRight(b.String(), "\n"))
}

func (l *Loop) cmdLink(ctx context.Context, msg bus.InboundMessage, userID string, args []string) {
	if len(args) == 0 {
		if userID == "" {
			l.reply(msg, "No identity to link from; send a message first.")
			return
		}
		code, expires, err := l.cfg.Users.GenerateLinkCode(userID)
		if err != nil {
			l.replyError(msg, err)
			return
		}
		l.reply(msg, fmt.Sprintf("Link code: %s (valid until %s).\nOn the other channel, send: /link %s",
			code, expires.Format("15:04 MST"), code))
		return
	}

	code := strings.ToUpper(args[0])
	merged, absorbedID, err := l.cfg.Users.ConsumeLinkCode(ctx, code, msg.Channel, msg.Sender)
	if err != nil {
		l.reply(msg, fmt.Sprintf("Link failed: %v", err))
		return
	}
	moved := 0
	if absorbedID != "" && absorbedID != merged.ID {
		moved = l.cfg.Sessions.MigrateSessionsUser(ctx, absorbedID, merged.ID)
	}
	l.cfg.Sessions.SetSessionUser(ctx, msg.SessionID, merged.ID)

	reply := fmt.Sprintf("Linked. You are now %s", merged.ID)
	if merged.DisplayName != "" {
		reply = fmt.Sprintf("Linked. You are now %s (%s)", merged.DisplayName, merged.ID)
	}
	if moved > 0 {
		reply += fmt.Sprintf("; %d conversation(s) migrated", moved)
	}
	l.reply(msg, reply+".")
}

func (l *Loop) cmdUnlink(ctx context.Context, msg bus.InboundMessage) {
	fresh, err := l.cfg.Users.Unlink(ctx, msg.Channel, msg.Sender)
	if err != nil {
		l.reply(msg, fmt.Sprintf("Unlink failed: %v", err))
		return
	}
	l.cfg.Sessions.SetSessionUser(ctx, msg.SessionID, fresh.ID)
	l.reply(msg, fmt.Sprintf("This channel is now a separate identity (%s).", fresh.ID))
}

func (l *Loop) cmdSpace(ctx context.Context, msg bus.InboundMessage, userID string, args []string) {
	if l.cfg.Spaces == nil {
		l.reply(msg, "Spaces are not enabled.")
		return
	}
	if userID == "" {
		l.reply(msg, "No identity is bound to this conversation yet; send a message first.")
		return
	}
	sub := "info"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}

	switch sub {
	case "list":
		all := l.cfg.Spaces.List()
		if len(all) == 0 {
			l.reply(msg, "No spaces exist yet. Create one with /space create <name>.")
			return
		}
		var b strings.Builder
		for _, sp := range all {
			fmt.Fprintf(&b, "- %s (%s), %d member(s)\n", sp.Name, sp.ID, len(sp.Members))
		}
		l.reply(msg, strings.TrimRight(b.String(), "\n"))

	case "create":
		if len(args) < 2 {
			l.reply(msg, "Usage: /space create <name>")
			return
		}
		name := strings.Join(args[1:], " ")
		sp, err := l.cfg.Spaces.Create(ctx, name, userID)
		if err != nil {
			l.reply(msg, fmt.Sprintf("Create failed: %v", err))
			return
		}
		l.reply(msg, fmt.Sprintf("Space %q created (%s). Others join with /space join %s", sp.Name, sp.ID, sp.ID))

	case "join":
		if len(args) < 2 {
			l.reply(msg, "Usage: /space join <id>")
			return
		}
		sp, err := l.cfg.Spaces.Join(ctx, args[1], userID)
		if err != nil {
			l.reply(msg, fmt.Sprintf("Join failed: %v", err))
			return
		}
		l.reply(msg, fmt.Sprintf("Joined space %q.", sp.Name))

	case "leave":
		if err := l.cfg.Spaces.Leave(ctx, userID); err != nil {
			l.reply(msg, fmt.Sprintf("Leave failed: %v", err))
			return
		}
		l.reply(msg, "Left your space.")

	case "info":
		sp, ok := l.cfg.Spaces.SpaceOf(userID)
		if !ok {
			l.reply(msg, "You are not in a space. /space list shows existing ones.")
			return
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Space %q (%s)\nMembers: %d\n", sp.Name, sp.ID, len(sp.Members))
		if sp.Context != "" {
			fmt.Fprintf(&b, "Context:\n%s\n", sp.Context)
		}
		l.reply(msg, strings.TrimRight(b.String(), "\n"))

	case "context":
		sp, ok := l.cfg.Spaces.SpaceOf(userID)
		if !ok {
			l.reply(msg, "You are not in a space.")
			return
		}
		if len(args) < 2 {
			l.reply(msg, "Usage: /space context <text shared with all members>")
			return
		}
		text := strings.Join(args[1:], " ")
		if err := l.cfg.Spaces.SetContext(ctx, sp.ID, userID, text); err != nil {
			l.reply(msg, fmt.Sprintf("Setting context failed: %v", err))
			return
		}
		l.reply(msg, "Space context updated.")

	default:
		l.reply(msg, "Usage: /space <list|create|join|leave|info|context>")
	}
}
