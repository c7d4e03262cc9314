package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"
)

// tool is the Tool built by NewTool and NewDynamicTool.
type tool struct {
	name        string
	description string
	schema      map[string]any
	execute     func(context.Context, json.RawMessage) (json.RawMessage, error)
	opts        toolOptions
}

// NewTool builds a Tool from a typed function. The parameter schema is reflected from T and
// the same schema validates incoming arguments; the result R is marshalled to JSON.
// Returns an error if schema generation fails or T is not an object type.
func NewTool[T any, R any](
	name, description string,
	fn func(ctx context.Context, args T) (R, error),
	opts ...ToolOption,
) (Tool, error) {
	o := newToolOptions(opts)
	if name == "" {
		return nil, &ToolRegistrationError{Message: "tool name must not be empty"}
	}
	if fn == nil {
		return nil, &ToolRegistrationError{Name: name, Message: "tool handler must not be nil"}
	}
	binder, err := NewArguments[T](o.strict)
	if err != nil {
		return nil, err
	}
	execute := func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		args, err := binder.Parse(raw)
		if err != nil {
			return nil, attachToolName(name, err)
		}
		res, err := fn(ctx, args)
		if err != nil {
			return nil, wrapHandlerError(name, err)
		}
		out, err := json.Marshal(res)
		if err != nil {
			return nil, &ToolExecutionError{Tool: name, Message: "serialize result: " + err.Error(), Err: err}
		}
		return out, nil
	}
	return &tool{
		name:        name,
		description: description,
		schema:      binder.Schema(),
		execute:     execute,
		opts:        o,
	}, nil
}

// NewDynamicTool creates a Tool from a raw JSON Schema and a handler receiving the validated
// argument object. The handler's output must be valid JSON. schemaMap is deep-copied and never mutated.
func NewDynamicTool(
	name, description string,
	schemaMap map[string]any,
	fn func(ctx context.Context, args json.RawMessage) (json.RawMessage, error),
	opts ...ToolOption,
) (Tool, error) {
	o := newToolOptions(opts)
	if name == "" {
		return nil, &ToolRegistrationError{Message: "tool name must not be empty"}
	}
	if schemaMap == nil {
		return nil, &ToolRegistrationError{Name: name, Message: "dynamic schema map must not be nil"}
	}
	if fn == nil {
		return nil, &ToolRegistrationError{Name: name, Message: "dynamic tool handler must not be nil"}
	}
	schemaCopy, err := cloneSchema(schemaMap)
	if err != nil {
		return nil, err
	}
	if o.strict {
		applyStrictMode(schemaCopy)
	}
	stripSchemaIDs(schemaCopy)
	compiled, err := compileRawSchema(schemaCopy)
	if err != nil {
		return nil, &ToolRegistrationError{Name: name, Message: "compile schema: " + err.Error()}
	}
	execute := func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		obj, err := decodeObject(raw)
		if err != nil {
			return nil, attachToolName(name, err)
		}
		if err := validateArguments(schemaCopy, compiled, obj); err != nil {
			return nil, attachToolName(name, err)
		}
		out, err := fn(ctx, normalizeArguments(raw))
		if err != nil {
			return nil, wrapHandlerError(name, err)
		}
		if !json.Valid(out) {
			return nil, &ToolExecutionError{Tool: name, Message: "handler returned invalid JSON"}
		}
		return out, nil
	}
	return &tool{
		name:        name,
		description: description,
		schema:      schemaCopy,
		execute:     execute,
		opts:        o,
	}, nil
}

func (t *tool) Name() string        { return t.name }
func (t *tool) Description() string { return t.description }
func (t *tool) Strict() bool        { return t.opts.strict }

// Parameters returns a shallow copy of the JSON Schema. Nested maps are shared; do not mutate them.
func (t *tool) Parameters() map[string]any { return maps.Clone(t.schema) }

func (t *tool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return t.execute(ctx, args)
}

func (t *tool) Timeout() time.Duration { return t.opts.timeout }
func (t *tool) Tags() []string         { return append([]string(nil), t.opts.tags...) }
func (t *tool) Version() string        { return t.opts.version }
func (t *tool) IsDangerous() bool      { return t.opts.dangerous }

// attachToolName fills in the tool name on argument errors produced by this package.
func attachToolName(name string, err error) error {
	var te *ToolExecutionError
	if errors.As(err, &te) && te.Tool == "" {
		te.Tool = name
	}
	return err
}

var (
	_ Tool         = (*tool)(nil)
	_ ToolMetadata = (*tool)(nil)
)
