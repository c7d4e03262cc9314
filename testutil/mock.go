// Package testutil provides test helpers for toolloop: a configurable MockTool, a test
// Registry and a scripted backend (Adapter plus httptest server).
package testutil

import (
	"context"
	"encoding/json"

	"github.com/skosovsky/toolloop"
)

// MockTool is a configurable Tool implementation for tests.
type MockTool struct {
	NameVal   string
	DescVal   string
	ParamsVal map[string]any
	StrictVal bool
	ExecuteFn func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Name returns the tool name ("mock" when unset).
func (m *MockTool) Name() string {
	if m.NameVal != "" {
		return m.NameVal
	}
	return "mock"
}

// Description returns the tool description.
func (m *MockTool) Description() string {
	return m.DescVal
}

// Parameters returns the parameters schema, or an empty object schema.
func (m *MockTool) Parameters() map[string]any {
	if m.ParamsVal != nil {
		return m.ParamsVal
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// Strict returns StrictVal.
func (m *MockTool) Strict() bool { return m.StrictVal }

// Execute runs ExecuteFn if set, otherwise returns {}.
func (m *MockTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if m.ExecuteFn != nil {
		return m.ExecuteFn(ctx, args)
	}
	return json.RawMessage(`{}`), nil
}

var _ toolloop.Tool = (*MockTool)(nil)
