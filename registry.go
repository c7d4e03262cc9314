package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Registry is a concurrency-safe set of tools keyed by name. It may be shared by many runs.
// Lookups take a read lock only; no lock is held while a tool executes.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool // wrapped with middlewares, used by Execute
	rawTools    map[string]Tool // unwrapped, used by Use to rewrap from scratch
	middlewares []Middleware
	sem         chan struct{}
	opts        registryOptions
	done        chan struct{}
	running     sync.WaitGroup
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	o := registryOptions{recoverPanics: true}
	for _, opt := range opts {
		opt(&o)
	}
	var sem chan struct{}
	if o.maxConcurrency > 0 {
		sem = make(chan struct{}, o.maxConcurrency)
	}
	return &Registry{
		tools:    make(map[string]Tool),
		rawTools: make(map[string]Tool),
		sem:      sem,
		opts:     o,
		done:     make(chan struct{}),
	}
}

// Register adds t. It fails with a ToolRegistrationError if the name is taken; the existing
// tool stays in place. Of several concurrent registrations of one name exactly one succeeds.
func (r *Registry) Register(t Tool) error {
	if err := checkTool(t); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.rawTools[name]; exists {
		return &ToolRegistrationError{Name: name, Message: "a tool with this name is already registered"}
	}
	r.insert(name, t)
	return nil
}

// MustRegister is Register for program setup; it panics on error.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Overwrite inserts t or replaces the tool with the same name in place.
func (r *Registry) Overwrite(t Tool) error {
	if err := checkTool(t); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insert(t.Name(), t)
	return nil
}

// Unregister removes the named tool and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rawTools[name]; !ok {
		return false
	}
	delete(r.rawTools, name)
	delete(r.tools, name)
	return true
}

// insert applies stored middlewares and stores t; caller holds the write lock.
func (r *Registry) insert(name string, t Tool) {
	r.rawTools[name] = t
	r.tools[name] = chain(t, r.middlewares)
}

func checkTool(t Tool) error {
	if t == nil {
		return &ToolRegistrationError{Message: "tool must not be nil"}
	}
	if t.Name() == "" {
		return &ToolRegistrationError{Message: "tool name must not be empty"}
	}
	return nil
}

// Schemas returns the descriptor of every registered tool, sorted by name.
func (r *Registry) Schemas() []ToolSchema {
	tools := r.Tools()
	out := make([]ToolSchema, len(tools))
	for i, t := range tools {
		out[i] = SchemaOf(t)
	}
	return out
}

// Tools returns all registered tools (middlewares applied), sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// Get returns the tool with the given name (middlewares applied).
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs one call. It fails with ToolNotFoundError for unknown names; every failure
// of the tool itself is a ToolExecutionError. The registry imposes no timeout of its own
// beyond a tool's WithTimeout option.
func (r *Registry) Execute(ctx context.Context, call ToolCall) (out json.RawMessage, err error) {
	r.mu.RLock()
	select {
	case <-r.done:
		r.mu.RUnlock()
		return nil, ErrShutdown
	default:
	}
	t, ok := r.tools[call.Name]
	if !ok {
		r.mu.RUnlock()
		return nil, &ToolNotFoundError{Name: call.Name}
	}
	r.running.Add(1)
	r.mu.RUnlock()
	defer r.running.Done()

	if err := r.acquireSemaphore(ctx); err != nil {
		return nil, &ToolExecutionError{Tool: call.Name, Message: "waiting for execution slot", Err: err}
	}
	defer r.releaseSemaphore()

	if tm, ok := t.(ToolMetadata); ok && tm.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tm.Timeout())
		defer cancel()
	}

	start := time.Now()
	// onAfter is deferred first so the recover below has already set err when it runs.
	defer func() {
		if r.opts.onAfter != nil {
			r.opts.onAfter(ctx, ToolResult{Call: call, Output: out, Err: err}, time.Since(start))
		}
	}()
	if r.opts.recoverPanics {
		defer func() {
			if p := recover(); p != nil {
				out = nil
				err = &ToolExecutionError{Tool: call.Name, Message: "tool panicked", Err: &panicError{p: p}}
			}
		}()
	}
	if r.opts.onBefore != nil {
		r.opts.onBefore(ctx, call)
	}

	args := normalizeArguments(call.Arguments)
	if args[0] != '{' {
		return nil, inputError(call.Name, "", "arguments must be a JSON object", nil)
	}
	out, err = t.Execute(ctx, args)
	if err != nil {
		return nil, wrapHandlerError(call.Name, err)
	}
	return out, nil
}

func (r *Registry) acquireSemaphore(ctx context.Context) error {
	if r.sem == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) releaseSemaphore() {
	if r.sem != nil {
		<-r.sem
	}
}

// ExecuteBatch runs all calls concurrently and returns their results in call order.
// The first failure cancels the context of the calls still running and is returned as the error.
func (r *Registry) ExecuteBatch(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, len(calls))
	if len(calls) == 0 {
		return results, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var firstErr error
	var firstErrMu sync.Mutex
	setFirstErr := func(err error) {
		firstErrMu.Lock()
		defer firstErrMu.Unlock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Go(func() {
			out, err := r.Execute(ctx, call)
			results[i] = ToolResult{Call: call, Output: out, Err: err}
			if err != nil {
				setFirstErr(err)
			}
		})
	}
	wg.Wait()
	return results, firstErr
}

// Shutdown rejects new executions with ErrShutdown and waits for in-flight ones or ctx.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return nil
	default:
		close(r.done)
	}
	r.mu.Unlock()
	done := make(chan struct{})
	go func() {
		r.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// panicError wraps a recovered panic value; used by Registry and the WithRecovery middleware.
type panicError struct{ p any }

func (e *panicError) Error() string {
	return "panic: " + fmt.Sprint(e.p)
}
