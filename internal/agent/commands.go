package agent

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"openinterp/internal/domain"
)

// ChatCommand is a parsed slash command.
type ChatCommand struct {
	Name string
	Args []string
	Raw  string
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string
	Handled  bool // true if the command was handled (don't send to the model)
}

// startTime records when the process started for /uptime.
var startTime = time.Now()

// ParseCommand checks if a message starts with "/" and parses it.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{Name: name, Args: args, Raw: text}
}

// HandleCommand processes a chat command. If the command is not recognized
// it returns Handled=false so the text goes to the model as a normal message.
func (in *Interpreter) HandleCommand(cmd *ChatCommand, msg domain.InboundMessage) CommandResult {
	switch cmd.Name {
	case "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "new", "clear", "reset":
		in.sessions.ClearSession(fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID))
		return CommandResult{Response: "Conversation cleared. Starting fresh.", Handled: true}

	case "stop":
		in.Stop(fmt.Sprintf("%s:%s", msg.Channel, msg.ChatID))
		return CommandResult{Response: "Stopping the current run.", Handled: true}

	case "status":
		return CommandResult{Response: in.statusText(), Handled: true}

	case "uptime":
		return CommandResult{Response: fmt.Sprintf("Uptime: %s", time.Since(startTime).Round(time.Second)), Handled: true}

	case "version":
		return CommandResult{Response: fmt.Sprintf("openinterp v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	case "model":
		return CommandResult{Response: fmt.Sprintf("Current model: %s (%s)", in.client.Model(), in.client.Name()), Handled: true}

	case "languages":
		return CommandResult{Response: "Supported languages: " + strings.Join(in.executor.Languages(), ", "), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

// version is set by the build system. Default fallback.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

func helpText() string {
	return `**Commands**

/help — Show this help message
/new — Start a new conversation (clear history)
/clear — Same as /new
/stop — Cancel the current run
/status — Show interpreter status
/uptime — Show uptime
/version — Show version info
/model — Show the current model
/languages — List executable languages`
}

func (in *Interpreter) statusText() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**openinterp v%s**\n\n", version))
	sb.WriteString(fmt.Sprintf("Model: %s (%s)\n", in.client.Model(), in.client.Name()))
	sb.WriteString(fmt.Sprintf("Languages: %s\n", strings.Join(in.executor.Languages(), ", ")))
	sb.WriteString(fmt.Sprintf("Auto-run: %v\n", in.autoRun))
	sb.WriteString(fmt.Sprintf("Uptime: %s\n", time.Since(startTime).Round(time.Second)))
	sb.WriteString(fmt.Sprintf("Runtime: %s/%s, Go %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version()))
	return sb.String()
}
