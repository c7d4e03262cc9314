package toolloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/skosovsky/toolloop"

// Client drives runs against one backend. It is safe for concurrent use; every run gets
// its own Guard and conversation.
type Client struct {
	adapter   Adapter
	transport *Transport
	guard     GuardConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	observers []RunObserver
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTransport sets the Transport used for every round trip.
func WithTransport(t *Transport) ClientOption {
	return func(c *Client) {
		c.transport = t
	}
}

// WithGuardConfig sets the iteration and wall-clock limits applied to each run.
func WithGuardConfig(cfg GuardConfig) ClientOption {
	return func(c *Client) {
		c.guard = cfg
	}
}

// WithLogger sets the logger for loop diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTracerProvider sets the OpenTelemetry provider used for run, request and tool spans.
func WithTracerProvider(tp trace.TracerProvider) ClientOption {
	return func(c *Client) {
		c.tracer = tp.Tracer(tracerName)
	}
}

// WithRunObserver registers observers notified when a run finishes.
func WithRunObserver(obs ...RunObserver) ClientOption {
	return func(c *Client) {
		c.observers = append(c.observers, obs...)
	}
}

// NewClient creates a Client for adapter.
func NewClient(adapter Adapter, opts ...ClientOption) (*Client, error) {
	if adapter == nil {
		return nil, &ConfigError{Field: "adapter", Message: "adapter must not be nil"}
	}
	c := &Client{adapter: adapter, guard: DefaultGuardConfig()}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.transport == nil {
		c.transport = NewTransport(WithTransportLogger(c.logger))
	}
	if c.tracer == nil {
		c.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	if c.guard.MaxIterations == 0 {
		return nil, &ConfigError{Field: "MaxIterations", Message: "must be at least 1"}
	}
	return c, nil
}

// Adapter returns the backend adapter.
func (c *Client) Adapter() Adapter { return c.adapter }

// Run drives the exchange until the model answers without tool calls. It fails with
// IterationLimitError, TimeoutError, or the first transport, parse or tool error; there
// are no partial results.
func (c *Client) Run(ctx context.Context, req *StructuredRequest, format Format) (*ProviderResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	guard := NewGuardFromConfig(c.guard)
	conv := newConversation(req.Messages)
	started := time.Now()

	ctx, span := c.tracer.Start(ctx, "toolloop.run", trace.WithAttributes(
		attribute.String("toolloop.provider", c.adapter.Provider()),
		attribute.String("toolloop.model", req.Model),
		attribute.Int("toolloop.max_iterations", int(guard.MaxIterations())),
	))
	defer span.End()

	resp, err := c.runGuarded(ctx, guard, req, format, conv)

	span.SetAttributes(attribute.Int("toolloop.iterations", int(guard.CurrentIteration())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.WarnContext(ctx, "run failed",
			"provider", c.adapter.Provider(), "model", req.Model,
			"iterations", guard.CurrentIteration(), "error", err)
	}
	c.notify(ctx, RunRecord{
		Provider:     c.adapter.Provider(),
		Model:        req.Model,
		StartedAt:    started,
		FinishedAt:   time.Now(),
		Iterations:   guard.CurrentIteration(),
		Conversation: conv.snapshot(),
		Response:     resp,
		Err:          err,
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// runGuarded bounds the whole loop by the guard's timeout. On expiry it returns at once;
// the abandoned loop stops as soon as its context cancellation is observed.
func (c *Client) runGuarded(
	ctx context.Context, guard *Guard, req *StructuredRequest, format Format, conv *conversation,
) (*ProviderResponse, error) {
	timeout := guard.Timeout()
	if timeout <= 0 {
		return c.loop(ctx, guard, req, format, conv)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp *ProviderResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := c.loop(runCtx, guard, req, format, conv)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Timeout: timeout}
		}
		return o.resp, o.err
	case <-runCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &TimeoutError{Timeout: timeout}
	}
}

func (c *Client) loop(
	ctx context.Context, guard *Guard, req *StructuredRequest, format Format, conv *conversation,
) (*ProviderResponse, error) {
	url := c.adapter.BaseURL() + c.adapter.Endpoint(req.Model)
	headers := c.adapter.Headers()
	for {
		if err := guard.IncrementIteration(); err != nil {
			return nil, err
		}
		iteration := guard.CurrentIteration()
		c.logger.DebugContext(ctx, "requesting", "provider", c.adapter.Provider(), "iteration", iteration)

		resp, err := c.roundTrip(ctx, url, headers, req, format, conv.snapshot(), iteration)
		if err != nil {
			return nil, err
		}
		wireCalls, err := c.adapter.ExtractFunctionCalls(resp)
		if err != nil {
			return nil, err
		}
		if len(wireCalls) == 0 {
			return c.adapter.ParseResponse(resp)
		}
		calls := make([]ToolCall, len(wireCalls))
		for i, fc := range wireCalls {
			if calls[i], err = decodeCall(fc); err != nil {
				return nil, err
			}
		}
		c.logger.InfoContext(ctx, "executing tool calls",
			"iteration", iteration, "calls", len(calls), "parallel", req.ToolConfig.Parallel() && len(calls) > 1)
		if err := c.dispatch(ctx, req, conv, calls); err != nil {
			return nil, err
		}
	}
}

func (c *Client) roundTrip(
	ctx context.Context, url string, headers []Header,
	req *StructuredRequest, format Format, items []ConversationItem, iteration uint32,
) (any, error) {
	ctx, span := c.tracer.Start(ctx, "toolloop.request", trace.WithAttributes(
		attribute.Int("toolloop.iteration", int(iteration)),
		attribute.Int("toolloop.conversation_items", len(items)),
	))
	defer span.End()
	wire, err := c.adapter.BuildRequest(req, format, items)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	resp := c.adapter.NewResponse()
	if err := c.transport.PostJSON(ctx, url, headers, wire, resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

// dispatch executes one round of calls. Parallel rounds append every call before any
// result; sequential rounds append call and result pairs and stop at the first failure.
func (c *Client) dispatch(ctx context.Context, req *StructuredRequest, conv *conversation, calls []ToolCall) error {
	reg := req.registry()
	if req.ToolConfig.Parallel() && len(calls) > 1 {
		for _, call := range calls {
			conv.append(NewFunctionCall(call))
		}
		results, err := c.executeBatch(ctx, reg, calls)
		if err != nil {
			return err
		}
		for _, res := range results {
			conv.append(NewFunctionResult(res.Call, res.Output))
		}
		return nil
	}
	for _, call := range calls {
		conv.append(NewFunctionCall(call))
		out, err := c.execute(ctx, reg, call)
		if err != nil {
			return err
		}
		conv.append(NewFunctionResult(call, out))
	}
	return nil
}

func (c *Client) execute(ctx context.Context, reg *Registry, call ToolCall) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "toolloop.tool", trace.WithAttributes(
		attribute.String("toolloop.tool.name", call.Name),
		attribute.String("toolloop.tool.call_id", call.CallID),
	))
	defer span.End()
	if reg == nil {
		err := &ToolNotFoundError{Name: call.Name}
		span.RecordError(err)
		return nil, err
	}
	out, err := reg.Execute(ctx, call)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func (c *Client) executeBatch(ctx context.Context, reg *Registry, calls []ToolCall) ([]ToolResult, error) {
	ctx, span := c.tracer.Start(ctx, "toolloop.tools", trace.WithAttributes(
		attribute.Int("toolloop.tool.calls", len(calls)),
	))
	defer span.End()
	if reg == nil {
		err := &ToolNotFoundError{Name: calls[0].Name}
		span.RecordError(err)
		return nil, err
	}
	results, err := reg.ExecuteBatch(ctx, calls)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return results, nil
}

func (c *Client) notify(ctx context.Context, rec RunRecord) {
	for _, obs := range c.observers {
		obs.RunFinished(ctx, rec)
	}
}

// decodeCall turns a wire call into a ToolCall. Arguments sent as a JSON string are decoded
// to the object they contain; absent arguments become {}. CallID falls back to ID.
func decodeCall(fc FunctionCallData) (ToolCall, error) {
	args := bytes.TrimSpace(fc.Arguments)
	if len(args) > 0 && args[0] == '"' {
		var s string
		if err := json.Unmarshal(args, &s); err != nil {
			return ToolCall{}, &ParseError{Payload: string(args), Err: err}
		}
		inner := bytes.TrimSpace([]byte(s))
		if len(inner) > 0 {
			var probe any
			if err := json.Unmarshal(inner, &probe); err != nil {
				return ToolCall{}, &ParseError{Payload: s, Err: err}
			}
		}
		args = inner
	}
	callID := fc.CallID
	if callID == "" {
		callID = fc.ID
	}
	return ToolCall{
		ID:        fc.ID,
		CallID:    callID,
		Name:      fc.Name,
		Arguments: normalizeArguments(args),
	}, nil
}

// StructuredResponse is a typed final answer.
type StructuredResponse[T any] struct {
	ID       string
	Model    string
	Provider string
	Value    T
	Usage    Usage
}

// Complete runs req with a structured-output format derived from T and decodes the answer into T.
func Complete[T any](ctx context.Context, c *Client, req *StructuredRequest) (*StructuredResponse[T], error) {
	format, err := FormatFor[T]()
	if err != nil {
		return nil, err
	}
	resp, err := c.Run(ctx, req, format)
	if err != nil {
		return nil, err
	}
	value, err := UnwrapFormat[T](format, resp.Text)
	if err != nil {
		return nil, err
	}
	return &StructuredResponse[T]{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: resp.Provider,
		Value:    value,
		Usage:    resp.Usage,
	}, nil
}

// CompleteText runs req asking for a plain text answer.
func (c *Client) CompleteText(ctx context.Context, req *StructuredRequest) (*ProviderResponse, error) {
	return c.Run(ctx, req, TextFormat())
}
