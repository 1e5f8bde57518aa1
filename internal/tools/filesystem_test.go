package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestResolvePathJail keeps restricted tools inside the workspace whatever
// shape the requested path takes.
func TestResolvePathJail(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "in.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		path     string
		restrict bool
		wantErr  bool
	}{
		{"relative inside", "in.txt", true, false},
		{"new file in new subdir", "sub/new.txt", true, false},
		{"dot", ".", true, false},
		{"parent escape", "../", true, true},
		{"deep escape", "a/../../b", true, true},
		{"absolute outside", outside, true, true},
		{"absolute outside unrestricted", outside, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := resolvePath(tc.path, ws, tc.restrict)
			if (err != nil) != tc.wantErr {
				t.Fatalf("resolvePath(%q) error = %v, want error %v", tc.path, err, tc.wantErr)
			}
		})
	}
}

// TestResolvePathSymlinkEscape resolves symlinks before the containment
// check so a link inside the workspace cannot smuggle reads outside it.
func TestResolvePathSymlinkEscape(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(ws, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := resolvePath("link.txt", ws, true); err == nil {
		t.Fatal("symlink escape not denied")
	}
	if _, err := resolvePath("link.txt", ws, false); err != nil {
		t.Fatalf("unrestricted resolve failed: %v", err)
	}
}

// TestFileToolsRoundTrip writes, reads back and lists through the tool
// surface, including parent directory creation on write.
func TestFileToolsRoundTrip(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()
	write := NewWriteFileTool(ws, true)
	read := NewReadFileTool(ws, true)
	list := NewListDirTool(ws, true)

	res := write.Execute(ctx, map[string]any{"path": "notes/today.md", "content": "hello"})
	if res.IsError {
		t.Fatalf("write: %q", res.ForLLM)
	}

	res = read.Execute(ctx, map[string]any{"path": "notes/today.md"})
	if res.IsError || res.ForLLM != "hello" {
		t.Fatalf("read = %q (error=%v), want hello", res.ForLLM, res.IsError)
	}

	res = list.Execute(ctx, map[string]any{})
	if res.IsError || !strings.Contains(res.ForLLM, "notes/") {
		t.Fatalf("list = %q, want notes/ entry", res.ForLLM)
	}

	res = read.Execute(ctx, map[string]any{"path": "missing.txt"})
	if !res.IsError {
		t.Fatalf("read of missing file succeeded: %q", res.ForLLM)
	}
	res = read.Execute(ctx, map[string]any{})
	if !res.IsError || !strings.Contains(res.ForLLM, "path is required") {
		t.Fatalf("missing path not rejected: %q", res.ForLLM)
	}
}

// TestListDirOrdersEntries sorts names and marks directories.
func TestListDirOrdersEntries(t *testing.T) {
	ws := t.TempDir()
	for _, name := range []string{"zz.txt", "aa.txt"} {
		if err := os.WriteFile(filepath.Join(ws, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(ws, "mid"), 0o755); err != nil {
		t.Fatal(err)
	}

	res := NewListDirTool(ws, true).Execute(context.Background(), map[string]any{"path": "."})
	if res.IsError {
		t.Fatalf("list: %q", res.ForLLM)
	}
	if res.ForLLM != "aa.txt\nmid/\nzz.txt" {
		t.Fatalf("list = %q, want sorted entries with dir suffix", res.ForLLM)
	}

	empty := t.TempDir()
	res = NewListDirTool(empty, true).Execute(context.Background(), map[string]any{})
	if res.ForLLM != "(empty directory)" {
		t.Fatalf("empty list = %q", res.ForLLM)
	}
}
