package telegram

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildMediaTags(t *testing.T) {
	tests := []struct {
		name  string
		items []MediaInfo
		want  string
	}{
		{
			name:  "image",
			items: []MediaInfo{{Type: "image"}},
			want:  "<media:image>",
		},
		{
			name:  "animation maps to video",
			items: []MediaInfo{{Type: "animation"}},
			want:  "<media:video>",
		},
		{
			name:  "voice",
			items: []MediaInfo{{Type: "voice"}},
			want:  "<media:voice>",
		},
		{
			name:  "mixed list",
			items: []MediaInfo{{Type: "image"}, {Type: "document"}},
			want:  "<media:image>\n<media:document>",
		},
		{
			name:  "unknown type ignored",
			items: []MediaInfo{{Type: "sticker"}},
			want:  "",
		},
		{
			name:  "empty list",
			items: []MediaInfo{},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildMediaTags(tt.items)
			if got != tt.want {
				t.Errorf("buildMediaTags(%v) = %q, want %q", tt.items, got, tt.want)
			}
		})
	}
}

func TestExtractDocumentContentText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(path, []byte("# Title\nbody < text"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := extractDocumentContent(path, "notes.md")
	if err != nil {
		t.Fatalf("extractDocumentContent: %v", err)
	}
	if !strings.Contains(got, `<file name="notes.md" mime="text/markdown">`) {
		t.Errorf("missing file header in: %q", got)
	}
	if !strings.Contains(got, "# Title") {
		t.Errorf("missing document body in: %q", got)
	}
	if strings.Contains(got, "body < text") {
		t.Errorf("angle bracket not escaped in: %q", got)
	}
	if !strings.Contains(got, "body &lt; text") {
		t.Errorf("expected escaped content, got: %q", got)
	}
}

func TestExtractDocumentContentBinary(t *testing.T) {
	got, err := extractDocumentContent("/nonexistent", "photo.raw")
	if err != nil {
		t.Fatalf("extractDocumentContent: %v", err)
	}
	if !strings.Contains(got, "binary format not supported") {
		t.Errorf("expected binary placeholder, got: %q", got)
	}
}

func TestExtractDocumentContentTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", docMaxChars+500)), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := extractDocumentContent(path, "big.log")
	if err != nil {
		t.Fatalf("extractDocumentContent: %v", err)
	}
	if !strings.Contains(got, "[truncated]") {
		t.Error("expected truncation marker")
	}
	if len(got) > docMaxChars+200 {
		t.Errorf("extracted content too long: %d chars", len(got))
	}
}

func TestSplitMessage(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		maxLen int
		want   []string
	}{
		{
			name:   "short text unchanged",
			text:   "hello",
			maxLen: 10,
			want:   []string{"hello"},
		},
		{
			name:   "break at newline",
			text:   "aaaa\nbbbb",
			maxLen: 7,
			want:   []string{"aaaa", "bbbb"},
		},
		{
			name:   "break at space",
			text:   "aaaa bbbb",
			maxLen: 7,
			want:   []string{"aaaa ", "bbbb"},
		},
		{
			name:   "hard cut without boundaries",
			text:   "aaaaaaaaaa",
			maxLen: 4,
			want:   []string{"aaaa", "aaaa", "aa"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitMessage(tt.text, tt.maxLen)
			if len(got) != len(tt.want) {
				t.Fatalf("splitMessage(%q, %d) = %q, want %q", tt.text, tt.maxLen, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSplitMessageChunksWithinLimit(t *testing.T) {
	text := strings.Repeat("line one is quite short\n", 400)
	for i, chunk := range splitMessage(text, maxMessageLen) {
		if len(chunk) > maxMessageLen {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(chunk))
		}
		if chunk == "" {
			t.Errorf("chunk %d is empty", i)
		}
	}
}
