package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"openinterp/internal/domain"
	"openinterp/internal/metrics"
	"openinterp/internal/respond"
	"openinterp/internal/security"
)

const (
	defaultMaxIterations = 10
	defaultHistoryLimit  = 100
	defaultConcurrency   = 3
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0
)

// Interpreter drives the respond loop: stream the model, split out code
// blocks, gate them through the security engine, execute, and feed the
// output back until the model answers without code.
type Interpreter struct {
	client        domain.ModelClient
	sessions      *SessionManager
	prompt        *PromptBuilder
	executor      domain.Executor
	security      *security.Engine
	bus           domain.MessageBus
	logger        *slog.Logger
	rateLimiter   *RateLimiter
	maxIterations int
	concurrency   int

	autoRun        bool
	osMode         bool
	maxOutputChars int
	scrollbarHints bool
	maxTokens      int
	temperature    float64

	stopMu    sync.Mutex
	stopFlags map[string]*atomic.Bool

	runMu    sync.Mutex
	runLocks map[string]*sync.Mutex
}

// InterpreterConfig holds the dependencies and tuning for the loop.
type InterpreterConfig struct {
	Client        domain.ModelClient
	Sessions      *SessionManager
	Prompt        *PromptBuilder
	Executor      domain.Executor
	Security      *security.Engine
	Bus           domain.MessageBus
	Logger        *slog.Logger
	MaxIterations int
	Concurrency   int

	AutoRun        bool
	OSMode         bool
	MaxOutputChars int
	ScrollbarHints bool
	MaxTokens      int
	Temperature    float64
}

func NewInterpreter(cfg InterpreterConfig) *Interpreter {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Interpreter{
		client:         cfg.Client,
		sessions:       cfg.Sessions,
		prompt:         cfg.Prompt,
		executor:       cfg.Executor,
		security:       cfg.Security,
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		rateLimiter:    NewRateLimiter(defaultRateBurst, defaultRatePerMinute),
		maxIterations:  cfg.MaxIterations,
		concurrency:    cfg.Concurrency,
		autoRun:        cfg.AutoRun,
		osMode:         cfg.OSMode,
		maxOutputChars: cfg.MaxOutputChars,
		scrollbarHints: cfg.ScrollbarHints,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		stopFlags:      make(map[string]*atomic.Bool),
		runLocks:       make(map[string]*sync.Mutex),
	}
}

// Run consumes inbound messages from the bus with bounded concurrency.
func (in *Interpreter) Run(ctx context.Context) {
	in.logger.Info("interpreter loop started", "concurrency", in.concurrency)

	sem := make(chan struct{}, in.concurrency)
	inbound := in.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			in.logger.Info("interpreter loop stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				in.logger.Info("inbound channel closed, interpreter loop stopping")
				return
			}
			sem <- struct{}{}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				in.processMessage(ctx, m)
			}(msg)
		}
	}
}

func (in *Interpreter) processMessage(ctx context.Context, msg domain.InboundMessage) {
	in.logger.Info("processing message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"content_len", len(msg.Content),
	)
	metrics.MessagesTotal.Inc()

	sink := func(c domain.Chunk) error {
		in.bus.SendOutbound(domain.OutboundEvent{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Chunk:   c,
		})
		return nil
	}

	if _, err := in.HandleMessage(ctx, msg, sink); err != nil {
		in.logger.Error("message processing failed", "error", err)
		sink(domain.Chunk{
			Role:    domain.RoleAssistant,
			Kind:    domain.ChunkMessage,
			Content: domain.Str(fmt.Sprintf("Sorry, I encountered an error: %s", err)),
		})
	}

	in.bus.SendOutbound(domain.OutboundEvent{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Done:    true,
	})
}

// Stop requests cancellation of the in-flight run for a session. The run
// winds down at the next chunk boundary.
func (in *Interpreter) Stop(sessionKey string) {
	in.stopMu.Lock()
	flag, ok := in.stopFlags[sessionKey]
	in.stopMu.Unlock()
	if ok {
		flag.Store(true)
	}
}

func (in *Interpreter) runLock(sessionKey string) *sync.Mutex {
	in.runMu.Lock()
	defer in.runMu.Unlock()
	lock, ok := in.runLocks[sessionKey]
	if !ok {
		lock = &sync.Mutex{}
		in.runLocks[sessionKey] = lock
	}
	return lock
}

func (in *Interpreter) stopFlag(sessionKey string) *atomic.Bool {
	in.stopMu.Lock()
	defer in.stopMu.Unlock()
	flag, ok := in.stopFlags[sessionKey]
	if !ok {
		flag = &atomic.Bool{}
		in.stopFlags[sessionKey] = flag
	}
	flag.Store(false)
	return flag
}

// HandleMessage runs the full pipeline for one user message: load history,
// stream the response through sink, persist the new transcript entries, and
// return the assistant's final prose.
func (in *Interpreter) HandleMessage(ctx context.Context, msg domain.InboundMessage, sink func(domain.Chunk) error) (string, error) {
	if cmd := ParseCommand(msg.Content); cmd != nil {
		if result := in.HandleCommand(cmd, msg); result.Handled {
			err := sink(domain.Chunk{
				Role:    domain.RoleAssistant,
				Kind:    domain.ChunkMessage,
				Content: domain.Str(result.Response),
			})
			return result.Response, err
		}
	}

	sessionKey := fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID)

	// Runs for the same session never interleave: a second message for the
	// conversation waits for the in-flight run to finish.
	lock := in.runLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	convID, err := in.sessions.GetOrCreateConversation(ctx, sessionKey, in.client.Name(), in.client.Model())
	if err != nil {
		return "", fmt.Errorf("session error: %w", err)
	}

	history, err := in.sessions.GetHistory(ctx, convID, defaultHistoryLimit)
	if err != nil {
		in.logger.Warn("failed to load history, continuing without it", "error", err)
		history = nil
	}

	messages := append(history, domain.Message{
		Role:    domain.RoleUser,
		Kind:    domain.ChunkMessage,
		Content: msg.Content,
	})

	stop := in.stopFlag(sessionKey)
	final, respondErr := in.Respond(ctx, messages, sink, stop)

	// Persist everything produced this turn, the user message included,
	// even when the run was cancelled partway.
	if err := in.sessions.SaveMessages(ctx, convID, final, len(history)); err != nil {
		in.logger.Warn("failed to persist transcript", "error", err, "convID", convID)
	}
	if len(history) == 0 {
		in.sessions.UpdateTitle(ctx, convID, msg.Content)
	}

	if respondErr != nil && !errors.Is(respondErr, respond.ErrStopped) {
		return "", respondErr
	}
	return lastAssistantProse(final), nil
}

// Respond is the core loop. It mutates nothing it was given: messages is the
// transcript so far, and the returned slice is the transcript afterwards.
// Cancellation through stop returns the partial transcript with ErrStopped.
func (in *Interpreter) Respond(ctx context.Context, messages []domain.Message, sink func(domain.Chunk) error, stop *atomic.Bool) ([]domain.Message, error) {
	cfg := respond.Config{
		AutoRun:                     in.autoRun,
		MaxOutputChars:              in.maxOutputChars,
		ScrollbarHint:               in.scrollbarHints,
		DefaultLanguageText:         in.osMode,
		AppendExecutionInstructions: true,
	}
	system := in.prompt.SystemMessage(true, in.executor.Languages())

	for iteration := 0; iteration < in.maxIterations; iteration++ {
		in.logger.Debug("respond iteration", "iteration", iteration+1, "messages", len(messages))

		if err := in.rateLimiter.Wait(ctx); err != nil {
			return messages, fmt.Errorf("rate limit: %w", err)
		}

		agg := respond.NewAggregator(cfg, messages, stop)
		ext := respond.NewExtractor(cfg)

		if err := in.streamOnce(ctx, system, messages, ext, agg, sink); err != nil {
			if errors.Is(err, respond.ErrStopped) {
				return agg.Messages(), respond.ErrStopped
			}
			return agg.Messages(), err
		}

		messages = agg.Messages()
		if len(messages) == 0 {
			in.forward(sink, agg.Close())
			return messages, nil
		}

		last := messages[len(messages)-1]
		if last.Kind != domain.ChunkCode {
			// Final answer: no code to run.
			in.forward(sink, agg.Close())
			return agg.Messages(), nil
		}

		done, err := in.runCodeBlock(ctx, last, agg, sink)
		if err != nil {
			if errors.Is(err, respond.ErrStopped) {
				return agg.Messages(), respond.ErrStopped
			}
			return agg.Messages(), err
		}

		in.forward(sink, agg.Close())
		messages = agg.Messages()
		if done {
			return messages, nil
		}
	}

	in.logger.Warn("respond loop hit iteration limit", "limit", in.maxIterations)
	return messages, nil
}

// streamOnce performs one model call, feeding deltas through the extractor
// into the aggregator and forwarding every event to sink.
func (in *Interpreter) streamOnce(ctx context.Context, system string, messages []domain.Message, ext *respond.Extractor, agg *respond.Aggregator, sink func(domain.Chunk) error) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan domain.TextDelta, 64)
	errCh := make(chan error, 1)

	metrics.LLMRequestsTotal.Inc()
	start := time.Now()
	go func() {
		errCh <- in.client.StreamCompletion(streamCtx, domain.CompletionRequest{
			Messages:    in.prompt.Render(system, messages),
			MaxTokens:   in.maxTokens,
			Temperature: in.temperature,
		}, out)
		close(out)
	}()

	pushAll := func(chunks []domain.Chunk) error {
		for _, c := range chunks {
			events, err := agg.Push(c)
			if err != nil {
				return err
			}
			in.forward(sink, events)
		}
		return nil
	}

	var pushErr error
	for delta := range out {
		if pushErr != nil {
			continue // drain so the producer can exit
		}
		if delta.Content == nil || *delta.Content == "" {
			continue
		}
		if pushErr = pushAll(ext.Write(*delta.Content)); pushErr != nil {
			cancel()
		}
	}

	streamErr := <-errCh
	metrics.LLMLatency.Observe(time.Since(start).Seconds())

	if pushErr != nil {
		return pushErr
	}
	if streamErr != nil {
		return fmt.Errorf("model stream: %w", streamErr)
	}
	return pushAll(ext.Flush())
}

// runCodeBlock gates the trailing code message through the security engine
// and executes it, pushing all resulting chunks through the aggregator.
// It returns done=true when the run should end without another model call.
func (in *Interpreter) runCodeBlock(ctx context.Context, code domain.Message, agg *respond.Aggregator, sink func(domain.Chunk) error) (bool, error) {
	metrics.CodeBlocksTotal.Inc()

	push := func(c domain.Chunk) error {
		events, err := agg.Push(c)
		if err != nil {
			return err
		}
		in.forward(sink, events)
		return nil
	}

	action := domain.ActionConfirm
	if in.security != nil {
		var err error
		action, err = in.security.Decide(ctx, code.Format, code.Content)
		if err != nil {
			return false, fmt.Errorf("security check: %w", err)
		}
	}

	if action == domain.ActionBlock {
		metrics.SecurityBlocks.Inc()
		return false, push(domain.Chunk{
			Role:    domain.RoleComputer,
			Kind:    domain.ChunkConsoleOutput,
			Content: domain.Str("Execution blocked by security policy.\n"),
		})
	}

	if !in.autoRun && action != domain.ActionAllow {
		// Pause at the gate. The confirmation chunk closes the code group
		// and reaches the channel, which collects the user's answer.
		if err := push(domain.Chunk{
			Role:    domain.RoleAssistant,
			Kind:    domain.ChunkConfirmation,
			Format:  code.Format,
			Content: domain.Str(code.Content),
		}); err != nil {
			return false, err
		}

		approved := false
		if in.security != nil {
			var err error
			approved, err = in.security.RequestConfirmation(ctx, code.Format, code.Content)
			if err != nil {
				return false, fmt.Errorf("confirmation: %w", err)
			}
		}
		if !approved {
			metrics.ConfirmationsDenied.Inc()
			if err := push(domain.Chunk{
				Role:    domain.RoleComputer,
				Kind:    domain.ChunkConsoleOutput,
				Content: domain.Str("Execution cancelled by user.\n"),
			}); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	metrics.ExecutionsTotal.Inc()
	start := time.Now()
	runErr := in.executor.Run(ctx, code.Format, code.Content, push)
	metrics.ExecLatency.Observe(time.Since(start).Seconds())

	if runErr != nil {
		if errors.Is(runErr, respond.ErrStopped) {
			return false, runErr
		}
		// Surface executor failures to the model as output so it can adjust.
		if err := push(domain.Chunk{
			Role:    domain.RoleComputer,
			Kind:    domain.ChunkConsoleOutput,
			Content: domain.Str(fmt.Sprintf("Execution failed: %v\n", runErr)),
		}); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (in *Interpreter) forward(sink func(domain.Chunk) error, events []domain.Chunk) {
	for _, e := range events {
		if err := sink(e); err != nil {
			in.logger.Warn("chunk sink error", "err", err)
			return
		}
	}
}

// lastAssistantProse returns the content of the final assistant message,
// used by channels that deliver whole messages rather than a stream.
func lastAssistantProse(messages []domain.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == domain.RoleAssistant && m.Kind == domain.ChunkMessage {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
