package domain

// Role identifies the author of a chunk or message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleComputer  Role = "computer"
	RoleSystem    Role = "system"
)

// ChunkKind classifies a single streamed event.
type ChunkKind string

const (
	ChunkMessage           ChunkKind = "message"
	ChunkCode              ChunkKind = "code"
	ChunkConsoleActiveLine ChunkKind = "console_active_line"
	ChunkConsoleOutput     ChunkKind = "console_output"
	ChunkConfirmation      ChunkKind = "confirmation"
	ChunkReview            ChunkKind = "review"
)

// Chunk is one classified event in the response stream: a fragment of prose,
// a fragment of code, a console line from the executor, or a signaling event
// (confirmation, review, group boundary). Chunks are transient — they are
// produced by the extractor or executor, consumed by the aggregator, and
// never stored.
//
// Content is a pointer so "absent" and "empty" stay distinct: a
// ConsoleActiveLine chunk with nil Content marks the end of an execution.
type Chunk struct {
	Role    Role      `json:"role"`
	Kind    ChunkKind `json:"kind"`
	Format  string    `json:"format,omitempty"`
	Content *string   `json:"content,omitempty"`
	Start   bool      `json:"start,omitempty"`
	End     bool      `json:"end,omitempty"`
}

// Text returns the chunk content, or "" when absent.
func (c Chunk) Text() string {
	if c.Content == nil {
		return ""
	}
	return *c.Content
}

// HasContent reports whether content is present (possibly empty).
func (c Chunk) HasContent() bool { return c.Content != nil }

// Ephemeral reports whether this chunk participates in group bookkeeping
// but must never be persisted as a Message: active-line markers and review
// chunks.
func (c Chunk) Ephemeral() bool {
	return c.Kind == ChunkConsoleActiveLine || c.Kind == ChunkReview
}

// Str is a convenience for building chunk content in place.
func Str(s string) *string { return &s }

// Message is a persisted, append-only accumulator: one grouped turn of the
// conversation transcript. Created when a new (role, kind, format) group
// opens and extended while it continues. The aggregator is its only writer.
type Message struct {
	Role    Role      `json:"role"`
	Kind    ChunkKind `json:"kind"`
	Format  string    `json:"format,omitempty"`
	Content string    `json:"content"`
}
