package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"openinterp/internal/domain"
)

// CLI implements domain.Channel as an interactive terminal REPL. Chunks are
// printed as they stream: prose as-is, code re-fenced, console output
// indented. Confirmation prompts take over the input line until answered.
type CLI struct {
	bus    domain.MessageBus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	confirmMu      sync.Mutex
	pendingConfirm chan string

	// render state for the current turn
	inCode    bool
	lastWasNL bool
}

type CLIConfig struct {
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &CLI{
		logger: cfg.Logger,
		in:     cfg.In,
		out:    cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until context cancellation or EOF.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	c.logger.Info("cli channel started")

	turnDone := make(chan struct{}, 1)
	bus.OnOutbound("cli", func(evt domain.OutboundEvent) {
		if evt.Done {
			select {
			case turnDone <- struct{}{}:
			default:
			}
			return
		}
		c.PrintChunk(evt.Chunk)
	})

	fmt.Fprintln(c.out, "openinterp interactive shell. Type a message, /help for commands, /quit to exit.")
	fmt.Fprint(c.out, "> ")

	// Input runs on its own goroutine so the loop can keep consuming lines
	// while a turn is in flight. Mid-turn input answers a pending
	// confirmation when one exists and is dropped otherwise.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	inTurn := false
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-turnDone:
			inTurn = false
			if !c.lastWasNL {
				fmt.Fprintln(c.out)
			}
			fmt.Fprint(c.out, "\n> ")

		case raw, ok := <-lines:
			if !ok {
				// EOF. Let an in-flight turn finish rendering first.
				if inTurn {
					select {
					case <-turnDone:
						if !c.lastWasNL {
							fmt.Fprintln(c.out)
						}
					case <-ctx.Done():
					}
				}
				return nil
			}
			line := strings.TrimSpace(raw)

			c.confirmMu.Lock()
			pending := c.pendingConfirm
			c.confirmMu.Unlock()
			if pending != nil {
				pending <- line
				continue
			}
			if inTurn {
				continue
			}

			if line == "" {
				fmt.Fprint(c.out, "> ")
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				return nil
			}

			c.inCode = false
			c.lastWasNL = true
			inTurn = true
			c.bus.Publish(domain.InboundMessage{
				Channel:  "cli",
				ChatID:   "direct",
				SenderID: "user",
				Content:  line,
			})
		}
	}
}

// Confirm asks the user to approve a code block. It satisfies
// security.ConfirmFunc: the question is printed inline and the REPL routes
// the next typed line here.
func (c *CLI) Confirm(ctx context.Context, question string) (bool, error) {
	reply := make(chan string, 1)
	c.confirmMu.Lock()
	c.pendingConfirm = reply
	c.confirmMu.Unlock()
	defer func() {
		c.confirmMu.Lock()
		c.pendingConfirm = nil
		c.confirmMu.Unlock()
	}()

	if !c.lastWasNL {
		fmt.Fprintln(c.out)
	}
	fmt.Fprintf(c.out, "\n%s ", question)

	select {
	case answer := <-reply:
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes", nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// PrintChunk writes one streamed event to the terminal.
func (c *CLI) PrintChunk(chunk domain.Chunk) {
	switch chunk.Kind {
	case domain.ChunkMessage:
		if chunk.Role != domain.RoleAssistant {
			return
		}
		c.write(chunk.Text())

	case domain.ChunkCode:
		if chunk.Start && !c.inCode {
			c.inCode = true
			lang := chunk.Format
			if !c.lastWasNL {
				c.write("\n")
			}
			c.write("```" + lang + "\n")
		}
		c.write(chunk.Text())
		if chunk.End && c.inCode {
			c.inCode = false
			if !c.lastWasNL {
				c.write("\n")
			}
			c.write("```\n")
		}

	case domain.ChunkConsoleOutput:
		c.write(chunk.Text())

	case domain.ChunkConsoleActiveLine:
		// Progress marker, not printable output.

	case domain.ChunkConfirmation:
		// The code was already rendered as a code chunk; Confirm prints
		// the prompt itself.
	}
}

func (c *CLI) write(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(c.out, s)
	c.lastWasNL = strings.HasSuffix(s, "\n")
}

// Stop is a no-op: the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }
