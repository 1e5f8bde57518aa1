//go:build !tsnet

package gateway

import "log/slog"

// startTailscale is a no-op unless the binary is built with the tsnet tag.
func (s *Server) startTailscale() {
	if s.tsCfg.Hostname != "" {
		slog.Warn("tailscale configured but binary built without tsnet tag", "hostname", s.tsCfg.Hostname)
	}
}
