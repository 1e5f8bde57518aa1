package discord

import (
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestResolveDisplayName(t *testing.T) {
	tests := []struct {
		name string
		msg  *discordgo.MessageCreate
		want string
	}{
		{
			name: "nickname wins",
			msg: &discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "u", GlobalName: "g"},
				Member: &discordgo.Member{Nick: "nick"},
			}},
			want: "nick",
		},
		{
			name: "global name next",
			msg: &discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "u", GlobalName: "g"},
			}},
			want: "g",
		},
		{
			name: "username fallback",
			msg: &discordgo.MessageCreate{Message: &discordgo.Message{
				Author: &discordgo.User{Username: "u"},
			}},
			want: "u",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDisplayName(tt.msg); got != tt.want {
				t.Errorf("resolveDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitChunks(t *testing.T) {
	content := strings.Repeat("0123456789012345678901234567890123456789\n", 120)

	chunks := splitChunks(content)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	var rebuilt strings.Builder
	for i, chunk := range chunks {
		if len(chunk) > maxMessageLen {
			t.Errorf("chunk %d exceeds limit: %d chars", i, len(chunk))
		}
		rebuilt.WriteString(chunk)
	}
	if rebuilt.String() != content {
		t.Error("chunks do not reassemble to the original content")
	}
}

func TestSplitChunksShort(t *testing.T) {
	chunks := splitChunks("hello")
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("splitChunks(short) = %q", chunks)
	}
}

func TestSplitChunksNewlineBreak(t *testing.T) {
	// One newline sits just past the midpoint of the limit; the first chunk
	// must end there instead of cutting mid-line.
	first := strings.Repeat("a", maxMessageLen/2+10)
	second := strings.Repeat("b", maxMessageLen)
	chunks := splitChunks(first + "\n" + second)

	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != first+"\n" {
		t.Errorf("first chunk should break at newline, got %d chars", len(chunks[0]))
	}
}
