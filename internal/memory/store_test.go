package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"openinterp/internal/domain"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConversationLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	conv := domain.Conversation{
		ID:       uuid.NewString(),
		Title:    "first chat",
		Provider: "ollama",
		Model:    "qwen2.5-coder:7b",
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Title != "first chat" {
		t.Fatalf("unexpected conversation: %+v", got)
	}

	got.Title = "renamed"
	if err := store.UpdateConversation(ctx, *got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.GetConversation(ctx, conv.ID)
	if got.Title != "renamed" {
		t.Fatalf("title = %q", got.Title)
	}

	list, err := store.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(list))
	}

	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("conversation survived delete: %+v", got)
	}
}

func TestMessagesRoundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	convID := uuid.NewString()
	if err := store.CreateConversation(ctx, domain.Conversation{ID: convID}); err != nil {
		t.Fatalf("create: %v", err)
	}

	base := time.Now().Add(-time.Minute)
	records := []domain.MessageRecord{
		{Role: "user", Kind: "message", Content: "run hello", CreatedAt: base},
		{Role: "assistant", Kind: "message", Content: "Sure.", CreatedAt: base.Add(time.Second)},
		{Role: "assistant", Kind: "code", Format: "python", Content: `print("hello")`, CreatedAt: base.Add(2 * time.Second)},
		{Role: "computer", Kind: "console_output", Content: "hello\n", CreatedAt: base.Add(3 * time.Second)},
	}
	for _, r := range records {
		if err := store.AddMessage(ctx, convID, r); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}

	msgs, err := store.GetMessages(ctx, convID, 100)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != len(records) {
		t.Fatalf("expected %d messages, got %d", len(records), len(msgs))
	}
	// Chronological order, fields preserved
	for i, want := range records {
		got := msgs[i]
		if got.Role != want.Role || got.Kind != want.Kind || got.Format != want.Format || got.Content != want.Content {
			t.Fatalf("message %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestGetMessages_LimitKeepsLatest(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	convID := uuid.NewString()
	store.CreateConversation(ctx, domain.Conversation{ID: convID})

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		store.AddMessage(ctx, convID, domain.MessageRecord{
			Role: "user", Kind: "message",
			Content:   string(rune('a' + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}

	msgs, err := store.GetMessages(ctx, convID, 3)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "h" || msgs[2].Content != "j" {
		t.Fatalf("expected the last 3 in order, got %+v", msgs)
	}
}

func TestLogAudit(t *testing.T) {
	store := testStore(t)

	err := store.LogAudit(context.Background(), domain.AuditEntry{
		Action:   "code_exec",
		Language: "python",
		Code:     "print(1)",
		Result:   "allowed",
		Details:  "whitelist match",
	})
	if err != nil {
		t.Fatalf("log audit: %v", err)
	}

	var count int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit row, got %d", count)
	}
}
