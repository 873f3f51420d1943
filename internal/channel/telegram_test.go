package channel

import (
	"strings"
	"testing"

	"openinterp/internal/domain"
)

func TestTelegram_AllowFromParsing(t *testing.T) {
	tg := NewTelegram(TelegramConfig{
		Token:     "x",
		AllowFrom: []string{"123", " 456 ", "not-a-number"},
		Logger:    discardLogger(),
	})
	if len(tg.allowFrom) != 2 {
		t.Fatalf("allowFrom = %v", tg.allowFrom)
	}
	if !tg.isAllowed(123) || !tg.isAllowed(456) {
		t.Fatal("listed users should be allowed")
	}
	if tg.isAllowed(789) {
		t.Fatal("unlisted user should be denied")
	}
}

func TestTelegram_EmptyAllowListAllowsAll(t *testing.T) {
	tg := NewTelegram(TelegramConfig{Token: "x", Logger: discardLogger()})
	if !tg.isAllowed(42) {
		t.Fatal("empty allow list should allow everyone")
	}
}

func TestTurnBuffer_RendersFencedTurn(t *testing.T) {
	b := &turnBuffer{}
	feed := []domain.Chunk{
		{Role: domain.RoleAssistant, Kind: domain.ChunkMessage, Start: true},
		{Role: domain.RoleAssistant, Kind: domain.ChunkMessage, Content: domain.Str("Let me check.\n")},
		{Role: domain.RoleAssistant, Kind: domain.ChunkMessage, End: true},
		{Role: domain.RoleAssistant, Kind: domain.ChunkCode, Format: "python", Start: true},
		{Role: domain.RoleAssistant, Kind: domain.ChunkCode, Format: "python", Content: domain.Str("print(2+2)")},
		{Role: domain.RoleAssistant, Kind: domain.ChunkCode, Format: "python", End: true},
		{Role: domain.RoleComputer, Kind: domain.ChunkConsoleActiveLine, Content: domain.Str("1")},
		{Role: domain.RoleComputer, Kind: domain.ChunkConsoleOutput, Start: true},
		{Role: domain.RoleComputer, Kind: domain.ChunkConsoleOutput, Content: domain.Str("4\n")},
		{Role: domain.RoleComputer, Kind: domain.ChunkConsoleOutput, End: true},
		{Role: domain.RoleAssistant, Kind: domain.ChunkMessage, Start: true},
		{Role: domain.RoleAssistant, Kind: domain.ChunkMessage, Content: domain.Str("The answer is 4.")},
		{Role: domain.RoleAssistant, Kind: domain.ChunkMessage, End: true},
	}
	for _, c := range feed {
		b.add(c)
	}

	got := b.render()
	for _, want := range []string{
		"Let me check.",
		"```python\nprint(2+2)\n```",
		"```\n4\n```",
		"The answer is 4.",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("render missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "active_line") || strings.Contains(got, "1\n```python") {
		t.Fatalf("active line marker leaked into render:\n%s", got)
	}
}

func TestTurnBuffer_ClosesDanglingFence(t *testing.T) {
	b := &turnBuffer{}
	b.add(domain.Chunk{Role: domain.RoleAssistant, Kind: domain.ChunkCode, Format: "shell", Start: true})
	b.add(domain.Chunk{Role: domain.RoleAssistant, Kind: domain.ChunkCode, Format: "shell", Content: domain.Str("ls")})

	got := b.render()
	if strings.Count(got, "```") != 2 {
		t.Fatalf("fence not closed:\n%s", got)
	}
}

func TestTurnBuffer_EmptyTurnRendersNothing(t *testing.T) {
	b := &turnBuffer{}
	b.add(domain.Chunk{Role: domain.RoleComputer, Kind: domain.ChunkConsoleActiveLine})
	if got := b.render(); got != "" {
		t.Fatalf("render = %q", got)
	}
}
