package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// client is one WebSocket connection. Writes go through writeFrame under
// writeMu; reads happen only on the run goroutine.
type client struct {
	id     string
	sender string
	conn   *websocket.Conn
	srv    *Server

	writeMu   sync.Mutex
	closeOnce sync.Once

	// sessionID is guarded by srv.mu, it doubles as the bySession index key.
	sessionID string
}

func newClient(conn *websocket.Conn, srv *Server, sender string) *client {
	return &client{
		id:     uuid.NewString(),
		sender: sender,
		conn:   conn,
		srv:    srv,
	}
}

// run services the connection until the peer goes away. Blocks.
func (c *client) run(ctx context.Context) {
	c.conn.SetReadLimit(c.srv.readLimit())
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(pingCtx)

	c.readLoop()
}

func (c *client) readLoop() {
	for {
		var frame protocol.ClientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			// Bad JSON leaves the socket usable; tell the client and go on.
			if isDecodeError(err) {
				c.sendError("", "malformed frame: "+err.Error())
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway read failed", "client", c.id, "error", err)
			}
			return
		}

		switch frame.Type {
		case protocol.TypeChat:
			c.handleChat(frame)
		case protocol.TypeCancel:
			c.handleCancel(frame)
		default:
			c.sendError(frame.SessionID, fmt.Sprintf("unknown frame type %q", frame.Type))
		}
	}
}

// handleChat validates the frame, binds the connection to a session and
// publishes the text inbound. A missing session_id reuses the connection's
// binding, or allocates a fresh session that the client learns from the
// session_id echoed on reply frames.
func (c *client) handleChat(frame protocol.ClientFrame) {
	text := strings.TrimSpace(frame.Text)
	if text == "" {
		c.sendError(frame.SessionID, "chat frame needs text")
		return
	}
	if max := c.srv.cfg.MaxMessageChars; max > 0 && utf8.RuneCountInString(text) > max {
		c.sendError(frame.SessionID, fmt.Sprintf("message exceeds %d characters", max))
		return
	}
	if !c.srv.limiter.Allow(c.id) {
		c.sendError(frame.SessionID, "rate limit exceeded")
		return
	}

	sid := strings.TrimSpace(frame.SessionID)
	if sid == "" {
		sid = c.session()
	}
	if sid == "" {
		sid = c.srv.SessionID(uuid.NewString())
	}
	c.srv.bindSession(c, sid)

	metadata := map[string]string{"client_id": c.id}
	if c.sender != defaultSender {
		metadata[bus.MetaDisplayName] = c.sender
	}
	c.srv.Publish(sid, c.sender, text, nil, metadata)
}

func (c *client) handleCancel(frame protocol.ClientFrame) {
	sid := strings.TrimSpace(frame.SessionID)
	if sid == "" {
		sid = c.session()
	}
	if sid == "" {
		c.sendError("", "cancel frame needs session_id")
		return
	}
	slog.Info("gateway cancel", "client", c.id, "session", sid)
	c.srv.Bus().CancelSession(sid)
}

func (c *client) session() string {
	c.srv.mu.RLock()
	defer c.srv.mu.RUnlock()
	return c.sessionID
}

func (c *client) writeFrame(frame protocol.ServerFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

func (c *client) sendError(sessionID, msg string) {
	_ = c.writeFrame(protocol.ServerFrame{
		Type:      protocol.TypeError,
		SessionID: sessionID,
		Error:     msg,
	})
}

// close is called on server shutdown. The read loop exits when the
// connection drops out from under it.
func (c *client) close() {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		c.conn.Close()
	})
}

// pingLoop keeps the connection alive. WriteControl is safe concurrently
// with WriteJSON, so no writeMu here.
func (c *client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
