package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/beacon/internal/providers"
	"github.com/nextlevelbuilder/beacon/internal/session"
)

const (
	// compactKeepRatio of the memory window survives a compaction.
	compactKeepRatio = 0.6
	compactTimeout   = 60 * time.Second
	summaryMaxTokens = 512
	summaryTemp      = 0.2
)

const summarySystemPrompt = `Summarize the conversation below into a compact brief for an assistant
that will continue it. Keep: user facts and preferences, open tasks and
their state, decisions made, and unresolved questions. Drop pleasantries
and tool noise. Write plain prose, no headings.`

// compactAsync considers compaction in the background after a completed
// turn. It detaches from the turn's cancellation but stays on the loop's
// wait group so shutdown can settle it.
func (l *Loop) compactAsync(ctx context.Context, sessionID string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compactTimeout)
		defer cancel()
		l.maybeCompact(cctx, sessionID)
	}()
}

// maybeCompact summarises the session's oldest messages once the in-memory
// count exceeds the window. A per-session TryLock means concurrent attempts
// skip instead of stacking: the next turn will trigger again if needed.
func (l *Loop) maybeCompact(ctx context.Context, sessionID string) {
	muIface, _ := l.compactMu.LoadOrStore(sessionID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	if !mu.TryLock() {
		return
	}
	defer mu.Unlock()

	count, err := l.cfg.Sessions.GetMessageCount(ctx, sessionID)
	if err != nil {
		slog.Warn("compaction: count failed", "session", sessionID, "error", err)
		return
	}
	if count <= l.memoryWindow {
		return
	}

	keepRecent := int(float64(l.memoryWindow) * compactKeepRatio)
	head, err := l.cfg.Sessions.GetMessagesToCompress(ctx, sessionID, keepRecent)
	if err != nil || len(head) == 0 {
		return
	}

	prev, err := l.cfg.Sessions.Summary(ctx, sessionID)
	if err != nil {
		slog.Warn("compaction: summary read failed", "session", sessionID, "error", err)
		prev = ""
	}

	summary := l.summarize(ctx, prev, head)
	if err := l.cfg.Sessions.ApplyCompression(ctx, sessionID, summary, len(head)); err != nil {
		slog.Warn("compaction failed", "session", sessionID, "error", err)
		return
	}
	slog.Info("session compacted", "session", sessionID,
		"compressed", len(head), "kept", count-len(head))
}

// summarize asks the provider for a new rolling summary and falls back to
// the deterministic extract when the call fails or returns nothing.
func (l *Loop) summarize(ctx context.Context, prev string, head []session.Message) string {
	resp, err := l.cfg.Provider.Chat(ctx, providers.ChatRequest{
		Model:       l.cfg.Model,
		System:      summarySystemPrompt,
		Messages:    []providers.Message{{Role: "user", Content: renderCompactionInput(prev, head)}},
		Temperature: summaryTemp,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("provider summary failed, using rule-based fallback", "error", err)
		return ruleBasedSummary(prev, head)
	}
	return strings.TrimSpace(resp.Content)
}

// renderCompactionInput lays out the summariser's input: the previous
// summary (when any) followed by the transcript slice to fold in.
func renderCompactionInput(prev string, head []session.Message) string {
	var b strings.Builder
	if prev != "" {
		b.WriteString("Previous summary:\n")
		b.WriteString(prev)
		b.WriteString("\n\nNew conversation since then:\n")
	}
	for _, m := range head {
		switch m.Role {
		case session.RoleUser, session.RoleAssistant:
			if m.Content == "" {
				continue
			}
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		case session.RoleTool:
			fmt.Fprintf(&b, "tool %s -> %s\n", m.ToolName, firstLine(m.Content, 120))
		}
	}
	return b.String()
}

// ruleBasedSummary is the deterministic fallback: the previous summary plus
// one line per user/assistant message.
func ruleBasedSummary(prev string, head []session.Message) string {
	var b strings.Builder
	if prev != "" {
		b.WriteString(prev)
		b.WriteString("\n")
	}
	for _, m := range head {
		switch m.Role {
		case session.RoleUser:
			fmt.Fprintf(&b, "User: %s\n", firstLine(m.Content, 100))
		case session.RoleAssistant:
			if m.Content == "" {
				continue
			}
			fmt.Fprintf(&b, "Assistant: %s\n", firstLine(m.Content, 100))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// firstLine returns the first line of s, truncated to max bytes.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}
