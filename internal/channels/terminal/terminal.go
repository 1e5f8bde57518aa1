// Package terminal is a stdin/stdout REPL channel for local use. Every line
// becomes an inbound message on one fixed session, so history survives
// restarts like any other channel.
package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/channels"
	"github.com/nextlevelbuilder/beacon/internal/config"
)

const (
	prompt       = "> "
	defaultWidth = 100

	// maxLineBytes bounds a single pasted input line.
	maxLineBytes = 1 << 20
)

// Channel reads lines from stdin and prints replies to stdout.
type Channel struct {
	*channels.BaseChannel
	in        io.Reader
	out       io.Writer
	sessionID string
	sender    string
	width     int

	mu       sync.Mutex // serializes writes to out
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates the terminal channel. The session id is fixed so the local
// conversation resumes across restarts.
func New(_ config.TerminalConfig, msgBus *bus.MessageBus) *Channel {
	base := channels.NewBaseChannel("terminal", msgBus, nil)

	sender := os.Getenv("USER")
	if sender == "" {
		sender = "local"
	}

	return &Channel{
		BaseChannel: base,
		in:          os.Stdin,
		out:         os.Stdout,
		sessionID:   base.SessionID("local"),
		sender:      sender,
		width:       detectWidth(os.Stdout),
		stopped:     make(chan struct{}),
	}
}

// Start prints the banner and begins reading lines.
func (c *Channel) Start(ctx context.Context) error {
	c.SetRunning(true)
	c.printf("Interactive terminal ready. Type /help for commands, Ctrl-C to quit.\n%s", prompt)

	go c.readLoop(ctx)
	return nil
}

// Stop halts line processing. A read blocked on stdin stays blocked until
// the process exits; that is fine for a local REPL.
func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	c.stopOnce.Do(func() { close(c.stopped) })
	return nil
}

// Send prints a reply and redraws the prompt.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if msg.Text == "" {
		return nil
	}
	c.printf("%s\n%s", msg.Text, prompt)
	return nil
}

// SendProgress renders tool activity as single lines above the prompt,
// truncated to the terminal width.
func (c *Channel) SendProgress(msg bus.ProgressMessage) {
	var line string
	switch msg.Step {
	case bus.StepThinking:
		if msg.Iteration > 1 {
			line = fmt.Sprintf("[thinking %d]", msg.Iteration)
		} else {
			line = "[thinking]"
		}
	case bus.StepToolCall:
		line = fmt.Sprintf("[tool] %s %s", msg.Tool, compactArgs(msg.ToolArgs))
	case bus.StepToolResult:
		if msg.IsError {
			line = fmt.Sprintf("[tool] %s failed", msg.Tool)
		} else {
			line = fmt.Sprintf("[tool] %s ok", msg.Tool)
		}
	default:
		return
	}
	c.printf("%s\n", runewidth.Truncate(line, c.width, "..."))
}

func (c *Channel) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			c.printf(prompt)
			continue
		}

		c.Publish(c.sessionID, c.sender, text, nil, map[string]string{
			bus.MetaDisplayName: c.sender,
		})
	}

	if err := scanner.Err(); err != nil {
		slog.Warn("terminal input error", "error", err)
	}

	// EOF (Ctrl-D): treat as the client going away and stop its turns.
	if c.IsRunning() {
		slog.Info("terminal input closed")
		c.Bus().CancelSession(c.sessionID)
	}
}

// printf writes to the terminal under the output lock.
func (c *Channel) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// compactArgs renders tool arguments as a single JSON object for display.
func compactArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

// detectWidth returns the terminal column count, or defaultWidth when the
// writer is not a terminal.
func detectWidth(f *os.File) int {
	if f == nil || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return defaultWidth
	}
	return w
}
