package agent

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"openinterp/internal/config"
	"openinterp/internal/domain"
	"openinterp/internal/respond"
	"openinterp/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedClient replays one canned response per model call, split into
// small deltas to exercise incremental extraction.
type scriptedClient struct {
	responses []string
	calls     int
	prompts   [][]domain.PromptMessage
}

func (s *scriptedClient) Name() string                      { return "scripted" }
func (s *scriptedClient) Model() string                     { return "scripted-1" }
func (s *scriptedClient) Healthy(ctx context.Context) error { return nil }

func (s *scriptedClient) StreamCompletion(ctx context.Context, req domain.CompletionRequest, out chan<- domain.TextDelta) error {
	s.prompts = append(s.prompts, req.Messages)
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++

	text := s.responses[idx]
	for len(text) > 0 {
		n := 7
		if n > len(text) {
			n = len(text)
		}
		piece := text[:n]
		text = text[n:]
		select {
		case out <- domain.TextDelta{Content: &piece}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// fakeExecutor emits a fixed console output then the end-of-execution marker.
type fakeExecutor struct {
	output   string
	calls    int
	lastCode string
	lastLang string
}

func (f *fakeExecutor) Languages() []string { return []string{"python", "shell"} }

func (f *fakeExecutor) Run(ctx context.Context, language, code string, emit func(domain.Chunk) error) error {
	f.calls++
	f.lastLang = language
	f.lastCode = code
	if f.output != "" {
		if err := emit(domain.Chunk{
			Role:    domain.RoleComputer,
			Kind:    domain.ChunkConsoleOutput,
			Content: domain.Str(f.output),
		}); err != nil {
			return err
		}
	}
	return emit(domain.Chunk{Role: domain.RoleComputer, Kind: domain.ChunkConsoleActiveLine})
}

// memStore is an in-memory domain.ConversationStore.
type memStore struct {
	convs map[string]domain.Conversation
	msgs  map[string][]domain.MessageRecord
	audit []domain.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[string]domain.Conversation),
		msgs:  make(map[string][]domain.MessageRecord),
	}
}

func (m *memStore) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if _, ok := m.convs[conv.ID]; !ok {
		m.convs[conv.ID] = conv
	}
	return nil
}

func (m *memStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	if c, ok := m.convs[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *memStore) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	m.convs[conv.ID] = conv
	return nil
}

func (m *memStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for _, c := range m.convs {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) DeleteConversation(ctx context.Context, id string) error {
	delete(m.convs, id)
	delete(m.msgs, id)
	return nil
}

func (m *memStore) AddMessage(ctx context.Context, convID string, msg domain.MessageRecord) error {
	m.msgs[convID] = append(m.msgs[convID], msg)
	return nil
}

func (m *memStore) GetMessages(ctx context.Context, convID string, limit int) ([]domain.MessageRecord, error) {
	return m.msgs[convID], nil
}

func (m *memStore) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	m.audit = append(m.audit, entry)
	return nil
}

func (m *memStore) Close() error { return nil }

type testHarness struct {
	interp *Interpreter
	client *scriptedClient
	exec   *fakeExecutor
	store  *memStore
	chunks []domain.Chunk
}

func (h *testHarness) sink(c domain.Chunk) error {
	h.chunks = append(h.chunks, c)
	return nil
}

func newHarness(t *testing.T, responses []string, output string, autoRun, confirm bool) *testHarness {
	t.Helper()

	store := newMemStore()
	client := &scriptedClient{responses: responses}
	exec := &fakeExecutor{output: output}

	engine, err := security.NewEngine(config.SecurityConfig{DefaultPolicy: "ask", AuditLog: true},
		func(ctx context.Context, q string) (bool, error) { return confirm, nil },
		store, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	interp := NewInterpreter(InterpreterConfig{
		Client:         client,
		Sessions:       NewSessionManager(store, testLogger()),
		Prompt:         NewPromptBuilder("", false),
		Executor:       exec,
		Security:       engine,
		Logger:         testLogger(),
		MaxIterations:  5,
		AutoRun:        autoRun,
		MaxOutputChars: 2800,
	})
	return &testHarness{interp: interp, client: client, exec: exec, store: store}
}

func userMsg(content string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Kind: domain.ChunkMessage, Content: content}}
}

func TestRespond_ProseOnly(t *testing.T) {
	h := newHarness(t, []string{"Just an answer, no code."}, "", false, false)

	msgs, err := h.interp.Respond(context.Background(), userMsg("hi"), h.sink, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user + assistant, got %+v", msgs)
	}
	if msgs[1].Kind != domain.ChunkMessage || msgs[1].Content != "Just an answer, no code." {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
	if h.exec.calls != 0 {
		t.Fatalf("executor should not run, got %d calls", h.exec.calls)
	}
	if h.client.calls != 1 {
		t.Fatalf("expected 1 model call, got %d", h.client.calls)
	}
}

func TestRespond_CodeRunAndFeedback(t *testing.T) {
	h := newHarness(t, []string{
		"Let me compute.\n```python\nprint(2 + 2)\n```",
		"The answer is 4.",
	}, "4\n", true, false)

	msgs, err := h.interp.Respond(context.Background(), userMsg("what is 2+2"), h.sink, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	var kinds []string
	for _, m := range msgs {
		kinds = append(kinds, string(m.Kind))
	}
	want := "message,message,code,console_output,message"
	if strings.Join(kinds, ",") != want {
		t.Fatalf("transcript kinds = %v, want %s", kinds, want)
	}

	if h.exec.lastLang != "python" || !strings.Contains(h.exec.lastCode, "print(2 + 2)") {
		t.Fatalf("executor got %q %q", h.exec.lastLang, h.exec.lastCode)
	}

	// The second model call must see the execution output.
	if h.client.calls != 2 {
		t.Fatalf("expected 2 model calls, got %d", h.client.calls)
	}
	second := h.client.prompts[1]
	found := false
	for _, pm := range second {
		if pm.Role == "user" && strings.Contains(pm.Content, "Code output: 4") {
			found = true
		}
	}
	if !found {
		t.Fatalf("second prompt missing code output: %+v", second)
	}
}

func TestRespond_ConfirmationDenied(t *testing.T) {
	h := newHarness(t, []string{"```shell\nrm -rf build\n```"}, "never\n", false, false)

	msgs, err := h.interp.Respond(context.Background(), userMsg("clean up"), h.sink, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if h.exec.calls != 0 {
		t.Fatal("executor ran despite denial")
	}

	// The confirmation chunk must have reached the sink.
	forwarded := false
	for _, c := range h.chunks {
		if c.Kind == domain.ChunkConfirmation {
			forwarded = true
		}
	}
	if !forwarded {
		t.Fatal("confirmation chunk not forwarded")
	}

	last := msgs[len(msgs)-1]
	if last.Kind != domain.ChunkConsoleOutput || !strings.Contains(last.Content, "cancelled") {
		t.Fatalf("expected cancellation note, got %+v", last)
	}
	if h.client.calls != 1 {
		t.Fatalf("no further model call expected after denial, got %d", h.client.calls)
	}
}

func TestRespond_ConfirmationApproved(t *testing.T) {
	h := newHarness(t, []string{
		"```python\nprint(1)\n```",
		"Done.",
	}, "1\n", false, true)

	_, err := h.interp.Respond(context.Background(), userMsg("run it"), h.sink, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if h.exec.calls != 1 {
		t.Fatalf("executor calls = %d", h.exec.calls)
	}
}

func TestRespond_AutoRunSkipsGate(t *testing.T) {
	h := newHarness(t, []string{
		"```python\nprint(1)\n```",
		"Done.",
	}, "1\n", true, false)

	_, err := h.interp.Respond(context.Background(), userMsg("run it"), h.sink, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if h.exec.calls != 1 {
		t.Fatalf("executor calls = %d", h.exec.calls)
	}
	for _, c := range h.chunks {
		if c.Kind == domain.ChunkConfirmation {
			t.Fatal("confirmation chunk leaked with auto-run on")
		}
	}
}

func TestRespond_StopMidStream(t *testing.T) {
	h := newHarness(t, []string{"A longer answer that streams in several deltas."}, "", false, false)

	var stop atomic.Bool
	seen := 0
	sink := func(c domain.Chunk) error {
		seen++
		if seen == 2 {
			stop.Store(true)
		}
		return nil
	}

	msgs, err := h.interp.Respond(context.Background(), userMsg("hi"), sink, &stop)
	if err != respond.ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	// Partial transcript is still returned.
	if len(msgs) == 0 {
		t.Fatal("expected partial transcript")
	}
	if h.exec.calls != 0 {
		t.Fatal("nothing should execute after stop")
	}
}

func TestRespond_IterationLimit(t *testing.T) {
	h := newHarness(t, []string{"```python\nprint(1)\n```"}, "1\n", true, false)

	_, err := h.interp.Respond(context.Background(), userMsg("loop"), h.sink, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if h.exec.calls != 5 {
		t.Fatalf("expected the iteration cap to bound executions, got %d", h.exec.calls)
	}
}

func TestRespond_BoundaryPairingEndToEnd(t *testing.T) {
	h := newHarness(t, []string{
		"Check this.\n```python\nprint(1)\n```",
		"All good.",
	}, "1\n", true, false)

	_, err := h.interp.Respond(context.Background(), userMsg("go"), h.sink, nil)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}

	depth := 0
	for _, c := range h.chunks {
		if c.Start {
			if depth != 0 {
				t.Fatalf("nested start boundary: %+v", c)
			}
			depth++
		}
		if c.End {
			if depth != 1 {
				t.Fatalf("unpaired end boundary: %+v", c)
			}
			depth--
		}
	}
	if depth != 0 {
		t.Fatalf("stream ended with open group (depth %d)", depth)
	}
}

func TestHandleMessage_PersistsTranscript(t *testing.T) {
	h := newHarness(t, []string{
		"```python\nprint(3)\n```",
		"It printed 3.",
	}, "3\n", true, false)

	reply, err := h.interp.HandleMessage(context.Background(), domain.InboundMessage{
		Channel:   "cli",
		ChatID:    "local",
		SenderID:  "user",
		Content:   "print 3",
		Timestamp: time.Now(),
	}, h.sink)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply != "It printed 3." {
		t.Fatalf("reply = %q", reply)
	}

	records := h.store.msgs["cli:local"]
	if len(records) != 4 {
		t.Fatalf("expected 4 stored records (user, code, output, answer), got %d: %+v", len(records), records)
	}
	if records[0].Role != "user" || records[1].Kind != "code" || records[2].Kind != "console_output" {
		t.Fatalf("stored records = %+v", records)
	}

	if h.store.convs["cli:local"].Title == "New conversation" {
		t.Fatal("title was not generated from the first message")
	}
}

func TestHandleMessage_SlashCommand(t *testing.T) {
	h := newHarness(t, []string{"unused"}, "", false, false)

	reply, err := h.interp.HandleMessage(context.Background(), domain.InboundMessage{
		Channel: "cli", ChatID: "local", Content: "/languages",
	}, h.sink)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !strings.Contains(reply, "python") {
		t.Fatalf("reply = %q", reply)
	}
	if h.client.calls != 0 {
		t.Fatal("slash command should not reach the model")
	}
}

func TestParseCommand(t *testing.T) {
	if cmd := ParseCommand("not a command"); cmd != nil {
		t.Fatalf("parsed non-command: %+v", cmd)
	}
	cmd := ParseCommand("/Model gpt-4o")
	if cmd == nil || cmd.Name != "model" || len(cmd.Args) != 1 {
		t.Fatalf("cmd = %+v", cmd)
	}
}
