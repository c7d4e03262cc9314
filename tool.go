package toolloop

import (
	"context"
	"encoding/json"
	"maps"
	"time"
)

// Tool is an executable unit the remote model may request to invoke.
// Implementations must be safe for concurrent Execute calls.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema (object root) describing the arguments.
	Parameters() map[string]any
	// Strict reports whether undeclared fields are rejected and every declared property is mandatory.
	Strict() bool
	// Execute runs the tool with a JSON object of arguments and returns its JSON result.
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// ToolMetadata is implemented by tools created with NewTool and NewDynamicTool.
// Registry uses Timeout() to bound an execution when set.
type ToolMetadata interface {
	Timeout() time.Duration
	Tags() []string
	Version() string
	IsDangerous() bool
}

// ToolSchema is the read-only descriptor of a tool sent to the remote service.
type ToolSchema struct {
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

// SchemaOf returns the descriptor of t without exposing its executable state.
// When t is strict, every object node of the parameters is closed and lists all of its
// properties as required, whatever the tool itself declared.
func SchemaOf(t Tool) ToolSchema {
	params := maps.Clone(t.Parameters())
	if t.Strict() {
		if strict, err := StrictSchema(params); err == nil {
			params = strict
		}
	}
	return ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  params,
		Strict:      t.Strict(),
	}
}

// ToolCall is one invocation request as produced by the model.
// ID identifies the output item, CallID correlates the call with its result.
type ToolCall struct {
	ID        string
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of one call, passed to hooks and returned by ExecuteBatch.
type ToolResult struct {
	Call   ToolCall
	Output json.RawMessage
	Err    error
}
