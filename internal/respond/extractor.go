package respond

import (
	"strings"

	"openinterp/internal/domain"
)

const fence = "```"

// Config tunes one pipeline run. It is set once at construction and never
// mutated while the run is in flight.
type Config struct {
	// AutoRun executes code without pausing for confirmation.
	AutoRun bool
	// MaxOutputChars bounds each console output message (see Truncate).
	MaxOutputChars int
	// ScrollbarHint extends the truncation banner with the first-page hint.
	ScrollbarHint bool
	// DefaultLanguageText makes untagged fences default to "text" instead of
	// "python". Set in operating-system control mode, where untagged blocks
	// are keystroke scripts rather than code.
	DefaultLanguageText bool
	// AppendExecutionInstructions tells the prompt builder to append the
	// execution instructions paragraph to the system message. It does not
	// change how fences are parsed.
	AppendExecutionInstructions bool
}

func (c Config) withDefaults() Config {
	if c.MaxOutputChars <= 0 {
		c.MaxOutputChars = DefaultMaxOutputChars
	}
	return c
}

type extractorState int

const (
	stateOutside extractorState = iota
	stateAwaitingLanguage
	stateInBody
)

// Extractor incrementally splits a stream of raw text deltas into prose and
// fenced code chunks. Emission is invariant to how the input was split into
// deltas: Write buffers exactly as much lookahead as a partial fence marker
// requires and flushes everything else immediately.
//
// Malformed markdown never errors; an unterminated block is flushed as code
// by Flush.
type Extractor struct {
	cfg      Config
	buf      string
	state    extractorState
	language string
}

// NewExtractor returns an extractor for one model response.
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: cfg.withDefaults()}
}

// Write consumes the next raw delta and returns zero or more chunks.
func (e *Extractor) Write(delta string) []domain.Chunk {
	if delta == "" {
		return nil
	}
	e.buf += delta
	return e.drain(false)
}

// Flush ends the stream, returning whatever the lookahead was still holding.
// A block left open at stream end is emitted as a final, possibly
// incomplete, code chunk.
func (e *Extractor) Flush() []domain.Chunk {
	out := e.drain(true)
	e.buf = ""
	e.state = stateOutside
	e.language = ""
	return out
}

func (e *Extractor) drain(eof bool) []domain.Chunk {
	var out []domain.Chunk

	for {
		switch e.state {
		case stateOutside:
			if idx := strings.Index(e.buf, fence); idx >= 0 {
				if idx > 0 {
					out = append(out, messageChunk(e.buf[:idx]))
				}
				e.buf = e.buf[idx+len(fence):]
				e.state = stateAwaitingLanguage
				continue
			}
			// Hold back a tail that could be the start of a fence.
			hold := trailingBackticks(e.buf)
			if eof {
				hold = 0
			}
			if flush := e.buf[:len(e.buf)-hold]; flush != "" {
				out = append(out, messageChunk(flush))
			}
			e.buf = e.buf[len(e.buf)-hold:]
			return out

		case stateAwaitingLanguage:
			nl := strings.IndexByte(e.buf, '\n')
			if nl < 0 {
				if !eof {
					return out
				}
				// Stream ended before the language line completed; there is
				// no body to flush.
				e.buf = ""
				return out
			}
			e.language = e.parseLanguage(e.buf[:nl])
			e.buf = e.buf[nl+1:]
			e.state = stateInBody
			continue

		case stateInBody:
			if idx := strings.Index(e.buf, fence); idx >= 0 {
				if idx > 0 {
					out = append(out, e.codeChunk(e.buf[:idx]))
				}
				// Discard the closing fence and reprocess the remainder, so
				// several sequential blocks in one response all parse.
				e.buf = e.buf[idx+len(fence):]
				e.state = stateOutside
				e.language = ""
				continue
			}
			hold := trailingBackticks(e.buf)
			if eof {
				hold = 0
			}
			if flush := e.buf[:len(e.buf)-hold]; flush != "" {
				out = append(out, e.codeChunk(flush))
			}
			e.buf = e.buf[len(e.buf)-hold:]
			return out
		}
	}
}

// trailingBackticks counts how many bytes of s's tail could still grow into
// a complete fence marker (at most two).
func trailingBackticks(s string) int {
	if strings.HasSuffix(s, "``") {
		return 2
	}
	if strings.HasSuffix(s, "`") {
		return 1
	}
	return 0
}

// parseLanguage normalizes the line following an opening fence into a
// language tag. Only ASCII letters survive, lowercased. A blank line picks
// the mode default; a garbled line falls back to python rather than erroring.
func (e *Extractor) parseLanguage(line string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		if e.cfg.DefaultLanguageText {
			return "text"
		}
		return "python"
	}
	var b strings.Builder
	for _, r := range line {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	if b.Len() == 0 {
		return "python"
	}
	return b.String()
}

func messageChunk(content string) domain.Chunk {
	return domain.Chunk{
		Role:    domain.RoleAssistant,
		Kind:    domain.ChunkMessage,
		Content: domain.Str(content),
	}
}

func (e *Extractor) codeChunk(content string) domain.Chunk {
	return domain.Chunk{
		Role:    domain.RoleAssistant,
		Kind:    domain.ChunkCode,
		Format:  e.language,
		Content: domain.Str(content),
	}
}
