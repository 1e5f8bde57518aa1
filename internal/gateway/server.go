// Package gateway exposes the runtime over WebSocket. It is a channel like
// any other: inbound chat frames become bus messages, replies and progress
// come back as JSON frames on the same socket.
package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/beacon/internal/bus"
	"github.com/nextlevelbuilder/beacon/internal/channels"
	"github.com/nextlevelbuilder/beacon/internal/config"
	"github.com/nextlevelbuilder/beacon/pkg/protocol"
)

const (
	channelName   = "web"
	defaultSender = "web"

	shutdownTimeout = 5 * time.Second
)

// Server serves /ws and /healthz and tracks connected clients. It implements
// channels.Channel so the channel manager starts, stops and routes to it the
// same way it does for Telegram or Discord.
type Server struct {
	*channels.BaseChannel
	cfg   config.GatewayConfig
	tsCfg config.TailscaleConfig

	upgrader websocket.Upgrader
	limiter  *rateLimiter

	// mu guards clients, bySession and every client's sessionID.
	mu        sync.RWMutex
	clients   map[*client]struct{}
	bySession map[string]map[*client]struct{}

	httpServer *http.Server
	ln         net.Listener
	mux        *http.ServeMux
	tsStop     func()
}

// New creates the gateway server. Nothing listens until Start.
func New(cfg config.GatewayConfig, tsCfg config.TailscaleConfig, msgBus *bus.MessageBus) *Server {
	s := &Server{
		BaseChannel: channels.NewBaseChannel(channelName, msgBus, nil),
		cfg:         cfg,
		tsCfg:       tsCfg,
		limiter:     newRateLimiter(rateLimitWindow, rateLimitMaxHits),
		clients:     make(map[*client]struct{}),
		bySession:   make(map[string]map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP mux, building it on first call. Exposed so tests
// and extra listeners (tsnet) can serve the same routes.
func (s *Server) Handler() http.Handler {
	if s.mux == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.handleWS)
		mux.HandleFunc("/healthz", s.handleHealth)
		s.mux = mux
	}
	return s.mux
}

// Start binds the listen address and begins serving. Non-blocking: the
// accept loop runs in a goroutine and failures after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.SetRunning(true)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server stopped", "error", err)
		}
	}()
	s.startTailscale()

	slog.Info("gateway listening", "addr", ln.Addr().String(), "auth", s.cfg.Token != "")
	return nil
}

// Stop closes all client connections and shuts the HTTP server down.
// Upgraded sockets are hijacked from the HTTP server, so they are closed
// explicitly before Shutdown.
func (s *Server) Stop(ctx context.Context) error {
	if !s.IsRunning() {
		return nil
	}
	s.SetRunning(false)
	if s.tsStop != nil {
		s.tsStop()
	}

	s.mu.Lock()
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
	}
	return nil
}

// Addr returns the bound listen address, useful when Port is 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Send routes an agent reply to every client bound to the session. A session
// with no connected client drops the reply; web clients are expected to poll
// history on reconnect if they care.
func (s *Server) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !s.IsRunning() {
		return fmt.Errorf("gateway not running")
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	conns := s.sessionClients(msg.SessionID)
	if len(conns) == 0 {
		slog.Debug("gateway: no client bound to session, dropping reply", "session", msg.SessionID)
		return nil
	}

	frame := protocol.ServerFrame{
		Type:      protocol.TypeReply,
		SessionID: msg.SessionID,
		Text:      text,
	}
	var lastErr error
	for _, c := range conns {
		if err := c.writeFrame(frame); err != nil {
			slog.Debug("gateway write failed", "client", c.id, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// SendProgress forwards intermediate turn state as progress frames.
// Best-effort: write errors are ignored, the read loop will notice a dead
// connection soon enough.
func (s *Server) SendProgress(msg bus.ProgressMessage) {
	conns := s.sessionClients(msg.SessionID)
	if len(conns) == 0 {
		return
	}
	frame := protocol.ServerFrame{
		Type:      protocol.TypeProgress,
		SessionID: msg.SessionID,
		Text:      msg.Text,
		Step:      msg.Step,
		Iteration: msg.Iteration,
		Tool:      msg.Tool,
		IsError:   msg.IsError,
	}
	for _, c := range conns {
		_ = c.writeFrame(frame)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sender := strings.TrimSpace(r.URL.Query().Get("client_id"))
	if sender == "" {
		sender = defaultSender
	}

	c := newClient(conn, s, sender)
	s.addClient(c)
	slog.Info("gateway client connected", "client", c.id, "sender", sender, "remote", r.RemoteAddr)

	defer func() {
		s.removeClient(c)
		conn.Close()
		slog.Info("gateway client disconnected", "client", c.id)
	}()

	c.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.Version)
}

// authorize enforces the shared gateway token before the upgrade. The token
// travels as "Authorization: Bearer <token>" or, for browser WebSocket
// clients that cannot set headers, as a ?token= query parameter.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
		slog.Warn("gateway auth rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// checkOrigin validates the Origin header against the configured allow-list.
// No configured origins allows everything; an absent Origin header means a
// non-browser client and is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("gateway origin rejected", "origin", origin)
	return false
}

// readLimit caps a single WebSocket message. UTF-8 is at most 4 bytes per
// rune; the slack covers JSON framing around the text field.
func (s *Server) readLimit() int64 {
	max := s.cfg.MaxMessageChars
	if max <= 0 {
		max = 32000
	}
	return int64(max)*4 + 1024
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

// removeClient drops the client from the registry. When it was the last
// connection bound to its session, in-flight turns for that session are
// cancelled, same as a terminal EOF.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	sid := c.sessionID
	lastForSession := false
	if sid != "" {
		if set, ok := s.bySession[sid]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.bySession, sid)
				lastForSession = true
			}
		}
	}
	s.mu.Unlock()

	if lastForSession && s.IsRunning() {
		s.Bus().CancelSession(sid)
	}
}

// bindSession points the client at a session, moving it out of any previous
// binding. Subsequent replies and progress for the session reach this client.
func (s *Server) bindSession(c *client, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.sessionID == sessionID {
		return
	}
	if old := c.sessionID; old != "" {
		if set, ok := s.bySession[old]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.bySession, old)
			}
		}
	}
	c.sessionID = sessionID
	set, ok := s.bySession[sessionID]
	if !ok {
		set = make(map[*client]struct{})
		s.bySession[sessionID] = set
	}
	set[c] = struct{}{}
}

func (s *Server) sessionClients(sessionID string) []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.bySession[sessionID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*client, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}
