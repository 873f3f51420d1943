package agent

import (
	"fmt"
	"strings"

	"openinterp/internal/domain"
)

const baseSystemPrompt = `You are a capable programming assistant with the ability to run code on the user's machine. Think step by step. When a task needs computation, file access, or system interaction, write code instead of guessing. Prefer small verifiable steps over one large script. After seeing the output of your code, decide whether the task is complete or more steps are needed.`

const executionInstructions = `To execute code, write a markdown code block with a language tag, like:

%s

The code will run on the user's machine and the output will be sent back to you in a message starting with "Code output:". Only code inside fenced blocks is executed; everything else is shown to the user as prose. Supported languages: %s. You cannot ask the user to run code for you; run it yourself.`

const osModeInstructions = `You are operating the user's computer directly. Untagged code blocks are treated as plain text control scripts. Narrate what you are doing before each step.`

// PromptBuilder renders the conversation transcript into the flat prompt
// shape the model APIs expect.
type PromptBuilder struct {
	customInstructions string
	osMode             bool
}

func NewPromptBuilder(customInstructions string, osMode bool) *PromptBuilder {
	return &PromptBuilder{
		customInstructions: customInstructions,
		osMode:             osMode,
	}
}

// SystemMessage builds the system message. The execution instructions are
// appended for models without native tool calling, which is how code blocks
// become executable in the first place.
func (p *PromptBuilder) SystemMessage(appendExecutionInstructions bool, languages []string) string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)

	if appendExecutionInstructions {
		example := "```python\nprint('hello')\n```"
		langs := strings.Join(languages, ", ")
		if langs == "" {
			langs = "python, shell"
		}
		sb.WriteString("\n\n")
		sb.WriteString(fmt.Sprintf(executionInstructions, example, langs))
	}

	if p.osMode {
		sb.WriteString("\n\n")
		sb.WriteString(osModeInstructions)
	}

	if p.customInstructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(p.customInstructions)
	}

	return sb.String()
}

// Render converts transcript messages into prompt messages. Code the
// assistant wrote earlier is re-fenced so the model sees its own prior
// blocks; console output is fed back as a user message prefixed with
// "Code output:" so the model can react to it.
func (p *PromptBuilder) Render(system string, messages []domain.Message) []domain.PromptMessage {
	out := []domain.PromptMessage{{Role: "system", Content: system}}

	for _, m := range messages {
		switch {
		case m.Role == domain.RoleUser && m.Kind == domain.ChunkMessage:
			out = append(out, domain.PromptMessage{Role: "user", Content: m.Content})

		case m.Role == domain.RoleAssistant && m.Kind == domain.ChunkMessage:
			out = appendAssistant(out, m.Content)

		case m.Role == domain.RoleAssistant && m.Kind == domain.ChunkCode:
			fenced := fmt.Sprintf("```%s\n%s\n```", m.Format, strings.TrimRight(m.Content, "\n"))
			out = appendAssistant(out, fenced)

		case m.Role == domain.RoleComputer && m.Kind == domain.ChunkConsoleOutput:
			content := strings.TrimSpace(m.Content)
			if content == "" {
				content = "No output"
			}
			out = append(out, domain.PromptMessage{Role: "user", Content: "Code output: " + content})

		case m.Role == domain.RoleSystem:
			// The system message is rebuilt each call; stored system
			// messages are ignored.
		}
	}
	return out
}

// appendAssistant merges consecutive assistant entries so prose followed by a
// code block reads as one turn.
func appendAssistant(out []domain.PromptMessage, content string) []domain.PromptMessage {
	if n := len(out); n > 0 && out[n-1].Role == "assistant" {
		out[n-1].Content += "\n\n" + content
		return out
	}
	return append(out, domain.PromptMessage{Role: "assistant", Content: content})
}
