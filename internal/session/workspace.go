package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceDir returns the session's scratch directory, creating it lazily.
// The directory is preserved across /clear so tool outputs survive a
// conversation reset.
func (s *Store) WorkspaceDir(sessionID string) (string, error) {
	if s.workspaceRoot == "" {
		return "", nil
	}
	dir := filepath.Join(s.workspaceRoot, sanitizePathSegment(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// sanitizePathSegment makes a session id safe for use as a directory name.
// Replaces path separators and special chars with underscores.
func sanitizePathSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
