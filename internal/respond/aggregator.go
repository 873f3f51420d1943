package respond

import (
	"errors"
	"sync/atomic"

	"openinterp/internal/domain"
)

// ErrStopped is returned by Push once the shared stop flag has been
// observed. No mutation happens after that point and no closing boundary is
// synthesized for an open group — callers must tolerate the dangling group.
var ErrStopped = errors.New("respond: stopped")

// Aggregator folds the interleaved chunk stream (extractor output plus
// executor output) into the conversation's persisted message list while
// emitting boundary-flagged events for display.
//
// It is the single writer of the message slice it was constructed with.
// Concurrent runs against the same conversation are undefined; the caller
// serializes them.
type Aggregator struct {
	cfg  Config
	msgs []domain.Message
	open *group
	stop *atomic.Bool
}

// group tracks the currently open run of same-typed chunks.
type group struct {
	role   domain.Role
	kind   domain.ChunkKind
	format string
}

func isConsole(k domain.ChunkKind) bool {
	return k == domain.ChunkConsoleActiveLine || k == domain.ChunkConsoleOutput
}

// matches reports whether c continues this group. Console kinds share one
// group regardless of format, so active-line markers and output interleave
// without boundary churn.
func (g *group) matches(c domain.Chunk) bool {
	if g.role != c.Role {
		return false
	}
	if isConsole(g.kind) && isConsole(c.Kind) {
		return true
	}
	return g.kind == c.Kind && g.format == c.Format
}

func (g *group) flag(end bool) domain.Chunk {
	return domain.Chunk{
		Role:   g.role,
		Kind:   g.kind,
		Format: g.format,
		Start:  !end,
		End:    end,
	}
}

// NewAggregator takes ownership of msgs for the duration of the run. stop
// may be nil when cancellation is not needed.
func NewAggregator(cfg Config, msgs []domain.Message, stop *atomic.Bool) *Aggregator {
	return &Aggregator{cfg: cfg.withDefaults(), msgs: msgs, stop: stop}
}

// Push processes one incoming chunk and returns the events to forward to
// the caller: boundary markers plus the chunk itself. The stop flag is
// polled once per call, before any mutation.
func (a *Aggregator) Push(c domain.Chunk) ([]domain.Chunk, error) {
	if a.stop != nil && a.stop.Load() {
		return nil, ErrStopped
	}

	// Empty content carries no information; drop it. Absent content is a
	// different thing — a nil-content active line marks the end of an
	// execution and must flow through.
	if c.HasContent() && c.Text() == "" {
		return nil, nil
	}

	var out []domain.Chunk

	// Execution finished. If the run produced no output at all, record an
	// empty one so every execution leaves exactly one output message.
	if c.Kind == domain.ChunkConsoleActiveLine && !c.HasContent() {
		if n := len(a.msgs); n == 0 || a.msgs[n-1].Role != domain.RoleComputer {
			a.msgs = append(a.msgs, domain.Message{
				Role:    domain.RoleComputer,
				Kind:    domain.ChunkConsoleOutput,
				Content: "",
			})
		}
	}

	// Confirmation closes the open group but never becomes a message. With
	// auto-run off it is forwarded as the pause point; the caller resumes
	// the executor (or not) — the aggregator itself never blocks.
	if c.Kind == domain.ChunkConfirmation {
		if a.open != nil {
			out = append(out, a.open.flag(true))
			a.open = nil
		}
		if !a.cfg.AutoRun {
			out = append(out, c)
		}
		return out, nil
	}

	if a.open != nil && a.open.matches(c) {
		if !c.Ephemeral() {
			if a.lastStoredMatches(c) {
				a.msgs[len(a.msgs)-1].Content += c.Text()
			} else {
				// The open group matches but the last stored message does
				// not (an ephemeral chunk shifted context without closing
				// the group). Start a fresh message rather than merging
				// unrelated content.
				a.msgs = append(a.msgs, newMessage(c))
			}
		}
	} else {
		if a.open != nil {
			out = append(out, a.open.flag(true))
		}
		a.open = &group{role: c.Role, kind: c.Kind}
		if !isConsole(c.Kind) {
			a.open.format = c.Format
		}
		out = append(out, a.open.flag(false))
		if !c.Ephemeral() {
			a.msgs = append(a.msgs, newMessage(c))
		}
	}

	// Raw passthrough, whether the chunk was merged, pushed, or suppressed
	// from storage.
	out = append(out, c)

	if c.Kind == domain.ChunkConsoleOutput && len(a.msgs) > 0 {
		last := &a.msgs[len(a.msgs)-1]
		last.Content = Truncate(last.Content, a.cfg.MaxOutputChars, a.cfg.ScrollbarHint)
	}

	return out, nil
}

// Close ends the run, emitting the end boundary for a still-open group.
// After a stop was observed it emits nothing.
func (a *Aggregator) Close() []domain.Chunk {
	if a.stop != nil && a.stop.Load() {
		return nil
	}
	if a.open == nil {
		return nil
	}
	f := a.open.flag(true)
	a.open = nil
	return []domain.Chunk{f}
}

// Messages returns the message list, handing ownership back to the caller.
func (a *Aggregator) Messages() []domain.Message {
	return a.msgs
}

func (a *Aggregator) lastStoredMatches(c domain.Chunk) bool {
	n := len(a.msgs)
	if n == 0 {
		return false
	}
	m := a.msgs[n-1]
	return m.Role == c.Role && m.Kind == c.Kind && m.Format == c.Format
}

func newMessage(c domain.Chunk) domain.Message {
	return domain.Message{
		Role:    c.Role,
		Kind:    c.Kind,
		Format:  c.Format,
		Content: c.Text(),
	}
}
