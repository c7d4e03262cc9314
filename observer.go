package toolloop

import (
	"context"
	"time"
)

// RunRecord describes a finished run, successful or not.
type RunRecord struct {
	Provider     string
	Model        string
	StartedAt    time.Time
	FinishedAt   time.Time
	Iterations   uint32
	Conversation []ConversationItem
	Response     *ProviderResponse
	Err          error
}

// Status is "ok" or a short classification of Err.
func (r RunRecord) Status() string {
	switch {
	case r.Err == nil:
		return "ok"
	case isErr[*IterationLimitError](r.Err):
		return "iteration_limit"
	case isErr[*TimeoutError](r.Err):
		return "timeout"
	case isErr[*ToolNotFoundError](r.Err), isErr[*ToolExecutionError](r.Err):
		return "tool_error"
	case isErr[*APIError](r.Err), isErr[*NetworkError](r.Err):
		return "transport_error"
	case isErr[*ParseError](r.Err):
		return "parse_error"
	}
	return "error"
}

// RunObserver is notified once per run, after the terminal result is known.
// RunFinished must not block for long; it runs on the caller's goroutine.
type RunObserver interface {
	RunFinished(ctx context.Context, rec RunRecord)
}

// RunObserverFunc adapts a function to RunObserver.
type RunObserverFunc func(ctx context.Context, rec RunRecord)

// RunFinished calls f.
func (f RunObserverFunc) RunFinished(ctx context.Context, rec RunRecord) { f(ctx, rec) }
