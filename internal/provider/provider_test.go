package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"openinterp/internal/config"
	"openinterp/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(t *testing.T, stream func(out chan<- domain.TextDelta) error) (string, error) {
	t.Helper()
	out := make(chan domain.TextDelta, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- stream(out)
		close(out)
	}()
	var sb strings.Builder
	for d := range out {
		if d.Content != nil {
			sb.WriteString(*d.Content)
		}
	}
	return sb.String(), <-errCh
}

func TestOllama_StreamCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		for _, tok := range []string{"Hello", " ", "world"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", tok)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	c := NewOllama(OllamaConfig{APIBase: srv.URL, Model: "test", Logger: testLogger()})

	got, err := collect(t, func(out chan<- domain.TextDelta) error {
		return c.StreamCompletion(context.Background(), domain.CompletionRequest{
			Messages: []domain.PromptMessage{{Role: "user", Content: "hi"}},
		}, out)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "Hello world" {
		t.Fatalf("streamed %q", got)
	}
}

func TestOpenAI_StreamCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, tok := range []string{"Sure", ".", " Done"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", tok)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Model: "test", Logger: testLogger()})

	got, err := collect(t, func(out chan<- domain.TextDelta) error {
		return c.StreamCompletion(context.Background(), domain.CompletionRequest{
			Messages: []domain.PromptMessage{{Role: "user", Content: "hi"}},
		}, out)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "Sure. Done" {
		t.Fatalf("streamed %q", got)
	}
}

func TestOpenAI_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{APIKey: "bad", APIBase: srv.URL, Logger: testLogger()})

	_, err := collect(t, func(out chan<- domain.TextDelta) error {
		return c.StreamCompletion(context.Background(), domain.CompletionRequest{}, out)
	})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 error, got %v", err)
	}
}

// mockClient implements domain.ModelClient for failover tests.
type mockClient struct {
	name      string
	healthy   bool
	streamErr error
	tokens    []string
}

func (m *mockClient) Name() string  { return m.name }
func (m *mockClient) Model() string { return "mock" }

func (m *mockClient) Healthy(ctx context.Context) error {
	if !m.healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func (m *mockClient) StreamCompletion(ctx context.Context, req domain.CompletionRequest, out chan<- domain.TextDelta) error {
	if m.streamErr != nil {
		return m.streamErr
	}
	for _, tok := range m.tokens {
		tok := tok
		out <- domain.TextDelta{Content: &tok}
	}
	return nil
}

func TestFailover_UsesFirstHealthyClient(t *testing.T) {
	primary := &mockClient{name: "primary", healthy: true, tokens: []string{"from-primary"}}
	secondary := &mockClient{name: "secondary", healthy: true, tokens: []string{"from-secondary"}}
	fc := NewFailoverClient([]domain.ModelClient{primary, secondary}, testLogger())

	got, err := collect(t, func(out chan<- domain.TextDelta) error {
		return fc.StreamCompletion(context.Background(), domain.CompletionRequest{}, out)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "from-primary" {
		t.Fatalf("streamed %q", got)
	}
}

func TestFailover_SkipsUnhealthyClient(t *testing.T) {
	primary := &mockClient{name: "primary", healthy: false}
	secondary := &mockClient{name: "secondary", healthy: true, tokens: []string{"from-secondary"}}
	fc := NewFailoverClient([]domain.ModelClient{primary, secondary}, testLogger())

	got, err := collect(t, func(out chan<- domain.TextDelta) error {
		return fc.StreamCompletion(context.Background(), domain.CompletionRequest{}, out)
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if got != "from-secondary" {
		t.Fatalf("streamed %q", got)
	}
}

func TestFailover_AllUnhealthyFallsBackToPrimary(t *testing.T) {
	primary := &mockClient{name: "primary", healthy: false, streamErr: errors.New("down")}
	secondary := &mockClient{name: "secondary", healthy: false, streamErr: errors.New("also down")}
	fc := NewFailoverClient([]domain.ModelClient{primary, secondary}, testLogger())

	_, err := collect(t, func(out chan<- domain.TextDelta) error {
		return fc.StreamCompletion(context.Background(), domain.CompletionRequest{}, out)
	})
	if err == nil || err.Error() != "down" {
		t.Fatalf("expected primary error, got %v", err)
	}
}

func TestFactory_CachesClients(t *testing.T) {
	cfg := config.Defaults()
	f := NewFactory(cfg, testLogger())

	a, err := f.Get("ollama")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := f.Get("ollama")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a != b {
		t.Fatal("expected the same cached instance")
	}
}

func TestFactory_Rejections(t *testing.T) {
	cfg := config.Defaults()
	f := NewFactory(cfg, testLogger())

	if _, err := f.Get("nope"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
	if _, err := f.Get("openai"); err == nil {
		t.Fatal("expected error for disabled provider")
	}
}

func TestFactory_OpenAICompatibleFallback(t *testing.T) {
	cfg := config.Defaults()
	cfg.Providers["groq"] = config.ProviderConfig{
		Enabled: true,
		APIBase: "https://api.groq.com/openai/v1",
		APIKey:  "k",
	}
	f := NewFactory(cfg, testLogger())

	c, err := f.Get("groq")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Name() != "openai" {
		t.Fatalf("expected openai-compatible client, got %q", c.Name())
	}
}
