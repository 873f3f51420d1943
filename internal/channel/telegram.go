package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"openinterp/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Channel for the Telegram Bot API. Telegram has
// no incremental streaming, so chunks are buffered per chat and the rendered
// turn is delivered as one message when the run finishes.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)
	parseMode string

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger

	buffers   map[string]*turnBuffer
	buffersMu sync.Mutex
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		logger:    cfg.Logger,
		buffers:   make(map[string]*turnBuffer),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", func(evt domain.OutboundEvent) {
		t.handleOutbound(evt)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) handleOutbound(evt domain.OutboundEvent) {
	t.buffersMu.Lock()
	buf, ok := t.buffers[evt.ChatID]
	if !ok {
		buf = &turnBuffer{}
		t.buffers[evt.ChatID] = buf
	}
	t.buffersMu.Unlock()

	if !evt.Done {
		buf.add(evt.Chunk)
		return
	}

	t.buffersMu.Lock()
	delete(t.buffers, evt.ChatID)
	t.buffersMu.Unlock()

	text := buf.render()
	if text == "" {
		return
	}
	chatID, err := strconv.ParseInt(evt.ChatID, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat ID for telegram outbound", "chatID", evt.ChatID, "err", err)
		return
	}
	t.sendMessage(chatID, text)
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	if update.Message.IsCommand() && update.Message.Command() == "start" {
		t.sendMessage(chatID, "Hello! Send me a task and I'll write and run code to solve it.\n\nType /help for commands.")
		return
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	// Slash commands ride along as message content; the interpreter's
	// command handler picks them up.
	t.bus.Publish(domain.InboundMessage{
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		SenderID:  strconv.FormatInt(userID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage splits text to fit Telegram's per-message limit.
func (t *Telegram) sendMessage(chatID int64, text string) {
	const maxLen = telegramMaxMsgLen
	for len(text) > 0 {
		part := text
		if len(part) > maxLen {
			cutAt := strings.LastIndex(part[:maxLen], "\n")
			if cutAt < maxLen/2 {
				cutAt = maxLen
			}
			part = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		t.sendPart(chatID, part)
	}
}

// sendPart sends a single message with retry and rate limit handling.
// Markdown first, plain text fallback on parse errors.
func (t *Telegram) sendPart(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			plain := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plain); err2 == nil {
				return
			}
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	}
}

// turnBuffer accumulates one turn's chunks into a Markdown rendering:
// prose as-is, code and console output fenced.
type turnBuffer struct {
	mu     sync.Mutex
	sb     strings.Builder
	inCode bool
}

func (b *turnBuffer) add(c domain.Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch c.Kind {
	case domain.ChunkMessage:
		if c.Role == domain.RoleAssistant {
			b.sb.WriteString(c.Text())
		}

	case domain.ChunkCode:
		if c.Start && !b.inCode {
			b.inCode = true
			b.ensureNewline()
			b.sb.WriteString("```" + c.Format + "\n")
		}
		b.sb.WriteString(c.Text())
		if c.End && b.inCode {
			b.inCode = false
			b.ensureNewline()
			b.sb.WriteString("```\n")
		}

	case domain.ChunkConsoleOutput:
		if c.Start && !b.inCode {
			b.inCode = true
			b.ensureNewline()
			b.sb.WriteString("```\n")
		}
		b.sb.WriteString(c.Text())
		if c.End && b.inCode {
			b.inCode = false
			b.ensureNewline()
			b.sb.WriteString("```\n")
		}

	case domain.ChunkConsoleActiveLine, domain.ChunkConfirmation:
		// Progress markers and the confirmation pause are not rendered;
		// the gate's outcome arrives as console output.
	}
}

func (b *turnBuffer) ensureNewline() {
	s := b.sb.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		b.sb.WriteString("\n")
	}
}

func (b *turnBuffer) render() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inCode {
		b.ensureNewline()
		b.sb.WriteString("```\n")
		b.inCode = false
	}
	return strings.TrimSpace(b.sb.String())
}
