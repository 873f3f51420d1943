package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"openinterp/internal/config"
	"openinterp/internal/domain"
)

// Runner executes code in one language and reports progress through emit.
type Runner interface {
	Name() string
	Run(ctx context.Context, code string, emit func(domain.Chunk) error) error
}

// Registry dispatches code blocks to per-language runners and terminates
// every run with the end-of-execution marker (one ConsoleActiveLine with nil
// content), whether the code succeeded or failed.
type Registry struct {
	runners map[string]Runner
	aliases map[string]string
	logger  *slog.Logger
}

func NewRegistry(cfg config.ExecutorConfig, logger *slog.Logger) *Registry {
	r := &Registry{
		runners: make(map[string]Runner),
		aliases: make(map[string]string),
		logger:  logger,
	}

	r.Register(NewPythonRunner(cfg), "py")
	r.Register(NewShellRunner(cfg), "bash", "sh", "zsh")
	if cfg.Browser.Enabled {
		r.Register(NewBrowserRunner(cfg.Browser, logger))
	}
	return r
}

// Register adds a runner under its own name plus any aliases.
func (r *Registry) Register(runner Runner, aliases ...string) {
	r.runners[runner.Name()] = runner
	for _, a := range aliases {
		r.aliases[a] = runner.Name()
	}
}

func (r *Registry) resolve(language string) (Runner, bool) {
	if canonical, ok := r.aliases[language]; ok {
		language = canonical
	}
	runner, ok := r.runners[language]
	return runner, ok
}

// Languages lists the supported language tags, sorted.
func (r *Registry) Languages() []string {
	out := make([]string, 0, len(r.runners))
	for name := range r.runners {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run executes a code block. Runner output flows through emit as it is
// produced; the end-of-execution marker is always emitted last.
func (r *Registry) Run(ctx context.Context, language, code string, emit func(domain.Chunk) error) error {
	runner, ok := r.resolve(language)
	if !ok {
		return fmt.Errorf("unsupported language: %s", language)
	}

	r.logger.Debug("executing code block", "language", runner.Name(), "bytes", len(code))

	runErr := runner.Run(ctx, code, emit)

	if err := emit(domain.Chunk{
		Role: domain.RoleComputer,
		Kind: domain.ChunkConsoleActiveLine,
	}); err != nil {
		return err
	}
	return runErr
}
