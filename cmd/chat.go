package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/channels/terminal"
	"github.com/nextlevelbuilder/beacon/internal/config"
	"github.com/nextlevelbuilder/beacon/pkg/protocol"
)

const dialTimeout = 10 * time.Second

func chatCmd() *cobra.Command {
	var (
		gatewayURL string
		sessionID  string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent from the terminal",
		Long: `Chat with the agent interactively.

By default a self-contained runtime starts in-process with only the
terminal channel attached, sharing the configured storage. With --url the
command connects to a running "beacon serve" gateway over WebSocket
instead.

Examples:
  beacon chat                                # local REPL
  beacon chat --url ws://127.0.0.1:18900/ws  # talk to a running gateway
  beacon chat --url ws://... -s web:reports  # continue a named session`,
		Run: func(cmd *cobra.Command, args []string) {
			if gatewayURL != "" {
				runRemoteChat(gatewayURL, sessionID)
				return
			}
			runLocalChat()
		},
	}

	cmd.Flags().StringVar(&gatewayURL, "url", "", "gateway WebSocket URL (e.g. ws://127.0.0.1:18900/ws)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to continue (remote mode)")
	return cmd
}

// runLocalChat spins up the runtime with only the terminal channel. Logs go
// to stderr at warn level so they do not garble the prompt.
func runLocalChat() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))

	cfg, err := config.Load(config.ResolveConfigPath(cfgFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		fmt.Fprintln(os.Stderr, "No AI provider API key configured. Run: beacon onboard")
		os.Exit(1)
	}

	// Other transports stay down in chat mode.
	cfg.Channels.Terminal.Enabled = true
	cfg.Channels.Telegram.Enabled = false
	cfg.Channels.Discord.Enabled = false
	cfg.Gateway.Enabled = false

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	rt.channels.Register(terminal.New(cfg.Channels.Terminal, rt.bus))

	if err := rt.start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	fmt.Fprintln(os.Stderr)
	rt.shutdown()
}

// runRemoteChat is a WebSocket client for a running gateway, speaking the
// chat/cancel/reply frame protocol.
func runRemoteChat(rawURL, sessionID string) {
	cfg, err := config.Load(config.ResolveConfigPath(cfgFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if cfg.Gateway.Token != "" {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+cfg.Gateway.Token)
		opts.HTTPHeader = h
	}
	conn, _, err := websocket.Dial(dialCtx, rawURL, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	fmt.Fprintf(os.Stderr, "connected to %s\n", rawURL)
	fmt.Fprintln(os.Stderr, `Type "exit" to quit, /new for a fresh session, /cancel to stop a running turn.`)
	fmt.Fprintln(os.Stderr)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(os.Stderr)
			return
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		switch input {
		case "exit", "quit":
			return
		case "/new":
			sessionID = "web:" + uuid.NewString()
			fmt.Fprintf(os.Stderr, "new session: %s\n", sessionID)
			continue
		case "/cancel":
			if sessionID == "" {
				fmt.Fprintln(os.Stderr, "no session yet")
				continue
			}
			if err := writeFrame(ctx, conn, protocol.ClientFrame{
				Type:      protocol.TypeCancel,
				SessionID: sessionID,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				return
			}
			continue
		}

		if err := writeFrame(ctx, conn, protocol.ClientFrame{
			Type:      protocol.TypeChat,
			SessionID: sessionID,
			Text:      input,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			return
		}

		reply, sid, err := awaitReply(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
			return
		}
		if sid != "" {
			sessionID = sid
		}
		fmt.Printf("%s\n\n", reply)
	}
}

// awaitReply reads frames until the turn settles, rendering progress lines
// on the way. Returns the reply text and the session id the server bound.
func awaitReply(ctx context.Context, conn *websocket.Conn) (string, string, error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return "", "", err
		}
		var frame protocol.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case protocol.TypeProgress:
			renderProgress(frame)
		case protocol.TypeReply:
			return frame.Text, frame.SessionID, nil
		case protocol.TypeError:
			return "error: " + frame.Error, frame.SessionID, nil
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame protocol.ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// renderProgress mirrors the terminal channel's one-line tool activity.
func renderProgress(frame protocol.ServerFrame) {
	switch frame.Step {
	case bus.StepThinking:
		if frame.Iteration > 1 {
			fmt.Fprintf(os.Stderr, "[thinking %d]\n", frame.Iteration)
		} else {
			fmt.Fprintln(os.Stderr, "[thinking]")
		}
	case bus.StepToolCall:
		fmt.Fprintf(os.Stderr, "[tool] %s\n", frame.Tool)
	case bus.StepToolResult:
		if frame.IsError {
			fmt.Fprintf(os.Stderr, "[tool] %s failed\n", frame.Tool)
		} else {
			fmt.Fprintf(os.Stderr, "[tool] %s ok\n", frame.Tool)
		}
	}
}
