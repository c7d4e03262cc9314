package toolloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})), &buf
}

func stubTool(name string, fn func(context.Context, json.RawMessage) (json.RawMessage, error)) Tool {
	return &minTool{name: name, desc: name + " stub", params: map[string]any{"type": "object"}, execute: fn}
}

func TestWithLogging_Outcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		level   string
		message string
	}{
		{"success", nil, "level=INFO", "tool call finished"},
		{"input error", &ToolExecutionError{Parameter: "city", Message: "unknown", Input: true}, "level=WARN", "tool call rejected arguments"},
		{"failure", errors.New("upstream down"), "level=ERROR", "tool call failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := bufferLogger(slog.LevelDebug)
			tool := WithLogging(logger)(stubTool("geocode", func(context.Context, json.RawMessage) (json.RawMessage, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return json.RawMessage(`{"lat":1}`), nil
			}))

			out, err := tool.Execute(context.Background(), raw(`{"city":"Oslo"}`))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				assert.Nil(t, out)
			} else {
				require.NoError(t, err)
				assert.JSONEq(t, `{"lat":1}`, string(out))
			}
			logs := buf.String()
			assert.Contains(t, logs, "tool call started")
			assert.Contains(t, logs, tt.level)
			assert.Contains(t, logs, tt.message)
			assert.Contains(t, logs, "tool=geocode")
		})
	}
}

func TestWithLogging_NilLoggerUsesDefault(t *testing.T) {
	tool := WithLogging(nil)(stubTool("noop", nil))
	_, err := tool.Execute(context.Background(), raw(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "noop stub", tool.Description())
}

func TestWithRecovery(t *testing.T) {
	tool := WithRecovery()(stubTool("explode", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("nil map write")
	}))
	out, err := tool.Execute(context.Background(), raw(`{}`))
	assert.Nil(t, out)
	var te *ToolExecutionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "explode", te.Tool)
	assert.False(t, te.Input)
	assert.Contains(t, te.Err.Error(), "nil map write")
}

func TestWithTimeoutMiddleware(t *testing.T) {
	blocking := stubTool("slow", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, err := WithTimeoutMiddleware(5*time.Millisecond)(blocking).Execute(context.Background(), raw(`{}`))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	quick, err := WithTimeoutMiddleware(0)(stubTool("quick", nil)).Execute(context.Background(), raw(`{}`))
	require.NoError(t, err, "zero disables the bound")
	assert.JSONEq(t, `{}`, string(quick))
}

func TestWithTimeoutMiddleware_ReportsShorterTimeout(t *testing.T) {
	tool, err := NewTool("t", "d", func(_ context.Context, _ xArgs) (yOut, error) {
		return yOut{}, nil
	}, WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Millisecond, WithTimeoutMiddleware(10*time.Millisecond)(tool).(ToolMetadata).Timeout())
	assert.Equal(t, time.Second, WithTimeoutMiddleware(0)(tool).(ToolMetadata).Timeout())
	assert.Equal(t, time.Second, WithTimeoutMiddleware(time.Minute)(tool).(ToolMetadata).Timeout())
}

func TestMiddleware_DelegatesMetadata(t *testing.T) {
	tool, err := NewTool("purge", "Delete cached results", func(_ context.Context, _ xArgs) (yOut, error) {
		return yOut{}, nil
	}, WithTags("cache"), WithVersion("4"), WithDangerous())
	require.NoError(t, err)

	wrapped := chain(tool, []Middleware{WithRecovery(), WithLogging(slog.New(slog.DiscardHandler))})
	assert.Equal(t, "purge", wrapped.Name())
	assert.Equal(t, "Delete cached results", wrapped.Description())
	meta := wrapped.(ToolMetadata)
	assert.Equal(t, []string{"cache"}, meta.Tags())
	assert.Equal(t, "4", meta.Version())
	assert.True(t, meta.IsDangerous())

	plain := WithRecovery()(stubTool("plain", nil)).(ToolMetadata)
	assert.Zero(t, plain.Timeout())
	assert.Nil(t, plain.Tags())
	assert.False(t, plain.IsDangerous())
}

func TestRegistry_Use(t *testing.T) {
	logger, buf := bufferLogger(slog.LevelDebug)
	reg := NewRegistry()
	reg.MustRegister(doubleTool(t, "double"))
	reg.Use(WithRecovery())
	reg.Use(WithRecovery(), WithLogging(logger))
	reg.MustRegister(doubleTool(t, "late"))

	out, err := reg.Execute(context.Background(), ToolCall{CallID: "1", Name: "double", Arguments: raw(`{"x":3}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"y":6}`, string(out))
	_, err = reg.Execute(context.Background(), ToolCall{CallID: "2", Name: "late", Arguments: raw(`{"x":1}`)})
	require.NoError(t, err)

	logs := buf.String()
	assert.Equal(t, 1, strings.Count(logs, `msg="tool call started" tool=double`),
		"Use rewraps from the raw tools instead of stacking")
	assert.Contains(t, logs, "tool=late", "tools registered after Use get the chain")

	got, ok := reg.Get("double")
	require.True(t, ok)
	assert.Equal(t, "Double x", got.Description())
}
