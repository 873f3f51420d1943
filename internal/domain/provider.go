package domain

import "context"

// TextDelta is one increment of raw model output. Content is nil for
// keep-alive records that carry no text.
type TextDelta struct {
	Content *string `json:"content,omitempty"`
}

// PromptMessage is one entry of the prompt sent to the model.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	Messages    []PromptMessage
	Model       string
	MaxTokens   int
	Temperature float64
}

// ModelClient streams completion deltas from an LLM backend. The client
// sends every delta on out; the caller owns the channel and drains it
// until StreamCompletion returns. StreamCompletion returns once the
// stream is exhausted or ctx is done.
type ModelClient interface {
	StreamCompletion(ctx context.Context, req CompletionRequest, out chan<- TextDelta) error
	Name() string
	Model() string
	Healthy(ctx context.Context) error
}
