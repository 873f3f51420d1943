package domain

import "context"

// Executor runs one block of code in a given language and emits console
// chunks as they are produced: ConsoleActiveLine markers while lines run,
// ConsoleOutput fragments for anything printed, and a final
// ConsoleActiveLine with absent content when execution finishes.
//
// emit is called synchronously from Run; returning an error from emit
// aborts the execution.
type Executor interface {
	Run(ctx context.Context, language, code string, emit func(Chunk) error) error
	Languages() []string
}
