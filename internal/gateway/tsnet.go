//go:build tsnet

package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"
)

// startTailscale exposes the gateway on the tailnet when a hostname is
// configured. Failures are logged, never fatal: the local listener stays up.
func (s *Server) startTailscale() {
	if s.tsCfg.Hostname == "" {
		return
	}

	srv := &tsnet.Server{
		Hostname:  s.tsCfg.Hostname,
		Dir:       s.tsCfg.StateDir,
		AuthKey:   s.tsCfg.AuthKey,
		Ephemeral: s.tsCfg.Ephemeral,
		Logf: func(format string, args ...any) {
			slog.Debug("tsnet: " + fmt.Sprintf(format, args...))
		},
	}

	var (
		ln  net.Listener
		err error
	)
	if s.tsCfg.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listener failed", "hostname", s.tsCfg.Hostname, "error", err)
		srv.Close()
		return
	}

	// The shared http.Server serves both listeners; Shutdown closes this one
	// too. tsStop only has to tear the tailnet node down.
	s.tsStop = func() { srv.Close() }

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tailscale serve stopped", "error", err)
		}
	}()
	slog.Info("gateway listening on tailnet", "hostname", s.tsCfg.Hostname, "tls", s.tsCfg.EnableTLS)
}
