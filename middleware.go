package toolloop

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Middleware wraps a Tool with cross-cutting behavior (logging, recovery, timeout).
type Middleware func(Tool) Tool

// chain applies middlewares in onion order: the first one is outermost.
func chain(t Tool, middlewares []Middleware) Tool {
	for i := len(middlewares) - 1; i >= 0; i-- {
		t = middlewares[i](t)
	}
	return t
}

// WithLogging logs every execution with its elapsed time and outcome.
func WithLogging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Tool) Tool {
		return &loggingTool{toolBase: toolBase{next: next}, logger: logger}
	}
}

// WithRecovery turns a panic inside the tool into a ToolExecutionError.
func WithRecovery() Middleware {
	return func(next Tool) Tool {
		return &recoveryTool{toolBase{next: next}}
	}
}

// WithTimeoutMiddleware bounds every execution of the wrapped tool. When the tool also has
// WithTimeout, the shorter of the two wins.
func WithTimeoutMiddleware(d time.Duration) Middleware {
	return func(next Tool) Tool {
		return &timeoutTool{toolBase: toolBase{next: next}, timeout: d}
	}
}

// toolBase delegates Tool and ToolMetadata to the wrapped Tool.
type toolBase struct{ next Tool }

func (b *toolBase) Name() string               { return b.next.Name() }
func (b *toolBase) Description() string        { return b.next.Description() }
func (b *toolBase) Parameters() map[string]any { return b.next.Parameters() }
func (b *toolBase) Strict() bool               { return b.next.Strict() }

func (b *toolBase) Timeout() time.Duration {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm.Timeout()
	}
	return 0
}

func (b *toolBase) Tags() []string {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm.Tags()
	}
	return nil
}

func (b *toolBase) Version() string {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm.Version()
	}
	return ""
}

func (b *toolBase) IsDangerous() bool {
	if tm, ok := b.next.(ToolMetadata); ok {
		return tm.IsDangerous()
	}
	return false
}

type loggingTool struct {
	toolBase
	logger *slog.Logger
}

// Execute logs at debug on entry and at info on success. Argument errors are warnings since
// the model gets them back and may retry; any other failure is an error.
func (m *loggingTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	name := m.next.Name()
	m.logger.DebugContext(ctx, "tool call started", "tool", name, "args_bytes", len(args))
	start := time.Now()
	res, err := m.next.Execute(ctx, args)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		m.logger.InfoContext(ctx, "tool call finished", "tool", name, "elapsed", elapsed, "result_bytes", len(res))
		return res, nil
	case IsInputError(err):
		m.logger.WarnContext(ctx, "tool call rejected arguments", "tool", name, "elapsed", elapsed, "error", err)
	default:
		m.logger.ErrorContext(ctx, "tool call failed", "tool", name, "elapsed", elapsed, "error", err)
	}
	return nil, err
}

type recoveryTool struct{ toolBase }

func (r *recoveryTool) Execute(ctx context.Context, args json.RawMessage) (res json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = &ToolExecutionError{Tool: r.next.Name(), Message: "tool panicked", Err: &panicError{p: p}}
		}
	}()
	return r.next.Execute(ctx, args)
}

type timeoutTool struct {
	toolBase
	timeout time.Duration
}

func (t *timeoutTool) Timeout() time.Duration {
	inner := t.toolBase.Timeout()
	if t.timeout > 0 && (inner <= 0 || t.timeout < inner) {
		return t.timeout
	}
	return inner
}

func (t *timeoutTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if t.timeout <= 0 {
		return t.next.Execute(ctx, args)
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Execute(ctx, args)
}

// Use replaces the middleware chain and rewraps every registered tool from its raw form,
// so calling Use twice never double-wraps. Tools registered later get the chain too.
func (r *Registry) Use(middlewares ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = middlewares
	for name, raw := range r.rawTools {
		r.tools[name] = chain(raw, middlewares)
	}
}
