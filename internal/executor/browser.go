package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"openinterp/internal/config"
	"openinterp/internal/domain"
)

// BrowserRunner executes the "browser" pseudo-language: a small line-oriented
// command set driving headless Chrome. Supported commands:
//
//	open <url>   navigate to a page
//	title        print the page title
//	text <sel>   print the text of the first node matching the CSS selector
//	             (defaults to body)
type BrowserRunner struct {
	profileDir string
	headless   bool
	logger     *slog.Logger
}

func NewBrowserRunner(cfg config.BrowserConfig, logger *slog.Logger) *BrowserRunner {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".openinterp", "chrome-profiles", "default")
	}
	return &BrowserRunner{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		logger:     logger,
	}
}

func (b *BrowserRunner) Name() string { return "browser" }

type browserCommand struct {
	line int
	verb string
	arg  string
}

func parseBrowserScript(code string) ([]browserCommand, error) {
	var cmds []browserCommand
	for i, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		verb, arg, _ := strings.Cut(trimmed, " ")
		verb = strings.ToLower(verb)
		arg = strings.TrimSpace(arg)

		switch verb {
		case "open":
			if arg == "" {
				return nil, fmt.Errorf("line %d: open requires a URL", i+1)
			}
		case "title":
			if arg != "" {
				return nil, fmt.Errorf("line %d: title takes no argument", i+1)
			}
		case "text":
			if arg == "" {
				arg = "body"
			}
		default:
			return nil, fmt.Errorf("line %d: unknown browser command %q", i+1, verb)
		}
		cmds = append(cmds, browserCommand{line: i + 1, verb: verb, arg: arg})
	}
	if len(cmds) == 0 {
		return nil, fmt.Errorf("empty browser script")
	}
	return cmds, nil
}

func (b *BrowserRunner) Run(ctx context.Context, code string, emit func(domain.Chunk) error) error {
	cmds, err := parseBrowserScript(code)
	if err != nil {
		return err
	}

	taskCtx, cancel := b.newContext(ctx)
	defer cancel()

	taskCtx, taskCancel := context.WithTimeout(taskCtx, 120*time.Second)
	defer taskCancel()

	for _, cmd := range cmds {
		if err := emit(domain.Chunk{
			Role:    domain.RoleComputer,
			Kind:    domain.ChunkConsoleActiveLine,
			Content: domain.Str(fmt.Sprintf("%d", cmd.line)),
		}); err != nil {
			return err
		}

		var output string
		switch cmd.verb {
		case "open":
			err = chromedp.Run(taskCtx,
				chromedp.Navigate(cmd.arg),
				chromedp.WaitReady("body"),
			)
		case "title":
			err = chromedp.Run(taskCtx, chromedp.Title(&output))
		case "text":
			err = chromedp.Run(taskCtx, chromedp.Text(cmd.arg, &output, chromedp.ByQuery))
		}
		if err != nil {
			output = fmt.Sprintf("browser error at line %d: %v", cmd.line, err)
			err = nil
		}
		if output == "" {
			continue
		}
		if !strings.HasSuffix(output, "\n") {
			output += "\n"
		}
		if err := emit(domain.Chunk{
			Role:    domain.RoleComputer,
			Kind:    domain.ChunkConsoleOutput,
			Content: domain.Str(output),
		}); err != nil {
			return err
		}
	}
	return nil
}

// newContext creates a chromedp context on the runner's Chrome profile.
// The caller must call cancel when done.
func (b *BrowserRunner) newContext(parentCtx context.Context) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
	)
	if b.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parentCtx, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}
