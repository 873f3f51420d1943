package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"openinterp/internal/domain"
	"openinterp/internal/metrics"
)

const (
	maxBodySize       = 1 << 20 // 1MB
	sessionCookieName = "openinterp_session"
	sessionMaxAge     = 86400 * 30 // 30 days
	sseBufferSize     = 64
)

// Web implements domain.Channel as an HTTP server. Responses stream over
// SSE in the chunk wire shape, one JSON object per event; a "done" event
// closes each turn. History and metrics are exposed as read-only endpoints.
type Web struct {
	host    string
	port    int
	bus     domain.MessageBus
	logger  *slog.Logger
	server  *http.Server
	store   domain.ConversationStore
	version string

	// SSE clients keyed by session ID for targeted delivery
	sseClients   map[string]chan sseEvent
	sseClientsMu sync.RWMutex
}

type WebConfig struct {
	Host    string
	Port    int
	Logger  *slog.Logger
	Store   domain.ConversationStore
	Version string
}

// sseEvent is one frame on a client's stream.
type sseEvent struct {
	chunk domain.Chunk
	done  bool
}

func NewWeb(cfg WebConfig) *Web {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Web{
		host:       cfg.Host,
		port:       cfg.Port,
		logger:     cfg.Logger,
		store:      cfg.Store,
		version:    cfg.Version,
		sseClients: make(map[string]chan sseEvent),
	}
}

func (w *Web) Name() string { return "web" }

// Start starts the HTTP server and blocks until context cancellation.
func (w *Web) Start(ctx context.Context, bus domain.MessageBus) error {
	w.bus = bus

	bus.OnOutbound("web", func(evt domain.OutboundEvent) {
		w.deliver(evt.ChatID, sseEvent{chunk: evt.Chunk, done: evt.Done})
	})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/send", w.handleSend)
	mux.HandleFunc("GET /chat/stream", w.handleSSE)
	mux.HandleFunc("POST /chat/clear", w.handleClear)
	mux.HandleFunc("GET /api/history", w.handleHistory)
	mux.HandleFunc("GET /api/conversations", w.handleConversations)
	mux.HandleFunc("GET /status", w.handleStatus)
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())

	addr := fmt.Sprintf("%s:%d", w.host, w.port)
	w.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.logger.Info("web channel started", "addr", "http://"+addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.server.Shutdown(shutdownCtx)
	}()

	if err := w.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (w *Web) Stop() error {
	if w.server != nil {
		return w.server.Close()
	}
	return nil
}

// deliver pushes an event to the SSE client owning the session, if any.
// Slow clients drop frames rather than stall the pipeline.
func (w *Web) deliver(sessionID string, evt sseEvent) {
	w.sseClientsMu.RLock()
	ch, ok := w.sseClients[sessionID]
	w.sseClientsMu.RUnlock()
	if ok {
		select {
		case ch <- evt:
		default:
			w.logger.Warn("sse client too slow, dropping frame", "session", sessionID)
		}
	}
}

// getOrCreateSession returns a persistent session ID from cookies,
// creating one when absent.
func (w *Web) getOrCreateSession(r *http.Request, rw http.ResponseWriter) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		return cookie.Value
	}

	sessionID := "web_" + uuid.NewString()

	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   sessionMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sessionID
}

// handleSend accepts a user message and returns 202 immediately.
// The response streams over the session's SSE connection.
func (w *Web) handleSend(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	var req struct {
		Message string `json:"message"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "read body: " + err.Error()})
		return
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Message == "" {
		// Form fallback for plain HTML clients.
		if vals, perr := url.ParseQuery(string(body)); perr == nil {
			req.Message = vals.Get("message")
		}
	}
	if req.Message == "" {
		rw.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(rw).Encode(map[string]string{"error": "empty message"})
		return
	}

	sessionID := w.getOrCreateSession(r, rw)

	w.bus.Publish(domain.InboundMessage{
		Channel:   "web",
		ChatID:    sessionID,
		SenderID:  "web_user",
		Content:   req.Message,
		Timestamp: time.Now(),
	})

	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(map[string]string{"status": "accepted", "session": sessionID})
}

// handleSSE streams pipeline chunks for the caller's session. Each frame is
// the chunk's JSON; turn completion arrives as "event: done".
func (w *Web) handleSSE(rw http.ResponseWriter, r *http.Request) {
	flusher, ok := rw.(http.Flusher)
	if !ok {
		http.Error(rw, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sessionID := w.getOrCreateSession(r, rw)

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")

	ch := make(chan sseEvent, sseBufferSize)

	w.sseClientsMu.Lock()
	w.sseClients[sessionID] = ch
	metrics.ActiveSessions.Set(int64(len(w.sseClients)))
	w.sseClientsMu.Unlock()
	metrics.SSEConnections.Inc()

	defer func() {
		w.sseClientsMu.Lock()
		if existing, ok := w.sseClients[sessionID]; ok && existing == ch {
			delete(w.sseClients, sessionID)
		}
		metrics.ActiveSessions.Set(int64(len(w.sseClients)))
		w.sseClientsMu.Unlock()
		metrics.SSEConnections.Dec()
	}()

	// Let the client know the stream is live.
	fmt.Fprint(rw, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			if evt.done {
				fmt.Fprint(rw, "event: done\ndata: {}\n\n")
			} else {
				data, err := json.Marshal(evt.chunk)
				if err != nil {
					continue
				}
				fmt.Fprintf(rw, "data: %s\n\n", data)
			}
			flusher.Flush()
		}
	}
}

// handleClear expires the session cookie; the next request starts fresh.
func (w *Web) handleClear(rw http.ResponseWriter, r *http.Request) {
	http.SetCookie(rw, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(rw).Encode(map[string]string{"status": "session cleared"})
}

// handleHistory returns the stored transcript for the caller's session.
func (w *Web) handleHistory(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	if w.store == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "persistence disabled"})
		return
	}

	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		json.NewEncoder(rw).Encode([]domain.MessageRecord{})
		return
	}

	convID := "web:" + cookie.Value
	records, err := w.store.GetMessages(r.Context(), convID, 200)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		return
	}
	if records == nil {
		records = []domain.MessageRecord{}
	}
	json.NewEncoder(rw).Encode(records)
}

// handleConversations lists stored conversations across all channels.
func (w *Web) handleConversations(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json; charset=utf-8")

	if w.store == nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(rw).Encode(map[string]string{"error": "persistence disabled"})
		return
	}

	convs, err := w.store.ListConversations(r.Context(), 50)
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		return
	}
	if convs == nil {
		convs = []domain.Conversation{}
	}
	json.NewEncoder(rw).Encode(convs)
}

func (w *Web) handleStatus(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status":  "ok",
		"version": w.version,
		"uptime":  metrics.Collector.Uptime().Round(time.Second).String(),
		"time":    time.Now().Format(time.RFC3339),
	})
}
