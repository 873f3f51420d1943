package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"openinterp/internal/domain"
)

// SessionManager maps channel sessions to stored conversations and moves the
// transcript in and out of the store.
type SessionManager struct {
	store  domain.ConversationStore
	logger *slog.Logger
	mu     sync.Mutex
}

func NewSessionManager(store domain.ConversationStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:  store,
		logger: logger,
	}
}

func (sm *SessionManager) GetOrCreateConversation(ctx context.Context, sessionKey, provider, model string) (string, error) {
	conv, err := sm.store.GetConversation(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	if conv != nil {
		return conv.ID, nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Re-check under lock.
	conv, err = sm.store.GetConversation(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	if conv != nil {
		return conv.ID, nil
	}

	newConv := domain.Conversation{
		ID:       sessionKey,
		Title:    "New conversation",
		Provider: provider,
		Model:    model,
	}
	if err := sm.store.CreateConversation(ctx, newConv); err != nil {
		return "", err
	}

	sm.logger.Info("created new conversation",
		"session", sessionKey,
		"provider", provider,
		"model", model,
	)

	return sessionKey, nil
}

// GetHistory loads the stored transcript as pipeline messages.
func (sm *SessionManager) GetHistory(ctx context.Context, convID string, limit int) ([]domain.Message, error) {
	records, err := sm.store.GetMessages(ctx, convID, limit)
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(records))
	for _, r := range records {
		messages = append(messages, domain.Message{
			Role:    domain.Role(r.Role),
			Kind:    domain.ChunkKind(r.Kind),
			Format:  r.Format,
			Content: r.Content,
		})
	}
	return messages, nil
}

// SaveMessages persists the transcript entries appended since index from.
func (sm *SessionManager) SaveMessages(ctx context.Context, convID string, messages []domain.Message, from int) error {
	if from < 0 {
		from = 0
	}
	for _, m := range messages[min(from, len(messages)):] {
		record := domain.MessageRecord{
			ConversationID: convID,
			Role:           string(m.Role),
			Kind:           string(m.Kind),
			Format:         m.Format,
			Content:        m.Content,
		}
		if err := sm.store.AddMessage(ctx, convID, record); err != nil {
			return err
		}
	}
	return nil
}

func (sm *SessionManager) UpdateTitle(ctx context.Context, convID string, firstUserMsg string) {
	conv, err := sm.store.GetConversation(ctx, convID)
	if err != nil || conv == nil {
		return
	}
	if conv.Title != "" && conv.Title != "New conversation" {
		return
	}
	conv.Title = generateTitle(firstUserMsg)
	if err := sm.store.UpdateConversation(ctx, *conv); err != nil {
		sm.logger.Warn("failed to update conversation title", "convID", convID, "err", err)
	}
}

func generateTitle(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "New conversation"
	}
	if idx := strings.IndexAny(msg, "\n\r"); idx > 0 {
		msg = msg[:idx]
	}
	if len(msg) > 60 {
		cut := strings.LastIndex(msg[:60], " ")
		if cut < 20 {
			cut = 60
		}
		msg = msg[:cut] + "..."
	}
	return msg
}

// ClearSession deletes a conversation and its messages.
func (sm *SessionManager) ClearSession(sessionKey string) {
	ctx := context.Background()
	if err := sm.store.DeleteConversation(ctx, sessionKey); err != nil {
		sm.logger.Warn("failed to clear session", "session", sessionKey, "err", err)
	} else {
		sm.logger.Info("session cleared", "session", sessionKey)
	}
}
