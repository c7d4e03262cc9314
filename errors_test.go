package toolloop

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		expect string
	}{
		{"tool not found", &ToolNotFoundError{Name: "weather_v2"}, `tool not found: "weather_v2"`},
		{"registration", &ToolRegistrationError{Name: "add", Message: "taken"}, `register tool "add": taken`},
		{"execution with parameter", &ToolExecutionError{Tool: "add", Parameter: "a", Message: "expected integer"}, `tool "add": parameter "a": expected integer`},
		{"execution from cause", &ToolExecutionError{Tool: "add", Err: errors.New("boom")}, `tool "add": boom`},
		{"execution without tool", &ToolExecutionError{Message: "bad"}, "tool execution: bad"},
		{"iteration limit", &IterationLimitError{Limit: 3}, "tool call iteration limit of 3 exceeded"},
		{"timeout", &TimeoutError{Timeout: 50 * time.Millisecond}, "tool call loop timed out after 50ms"},
		{"api", &APIError{StatusCode: 400, Message: "bad model"}, "api error (status 400): bad model"},
		{"api without status", &APIError{Message: "refused"}, "api error: refused"},
		{"config", &ConfigError{Field: "Model", Message: "failed on required"}, "config: Model: failed on required"},
		{"config without field", &ConfigError{Message: "nil"}, "config: nil"},
		{"provider", &ProviderError{Provider: "openai", Message: "no output"}, "provider openai: no output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.err.Error())
		})
	}
}

func TestErrorsIs_Sentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"not found", &ToolNotFoundError{Name: "x"}, ErrToolNotFound},
		{"registration", &ToolRegistrationError{Name: "x"}, ErrToolRegistration},
		{"execution", &ToolExecutionError{Tool: "x"}, ErrToolExecution},
		{"iteration limit", &IterationLimitError{Limit: 1}, ErrIterationLimit},
		{"timeout", &TimeoutError{Timeout: time.Second}, ErrTimeout},
		{"config", &ConfigError{Field: "x"}, ErrConfig},
		{"wrapped not found", wrapErr{err: &ToolNotFoundError{Name: "x"}}, ErrToolNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.target)
		})
	}
}

func TestAPIError_Retryable(t *testing.T) {
	for _, code := range []int{http.StatusTooManyRequests, 500, 502, 503, 504} {
		assert.True(t, (&APIError{StatusCode: code}).Retryable(), code)
	}
	for _, code := range []int{400, 401, 403, 404, 422} {
		assert.False(t, (&APIError{StatusCode: code}).Retryable(), code)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&NetworkError{URL: "http://x", Err: errors.New("reset")}))
	assert.True(t, IsRetryable(wrapErr{err: &APIError{StatusCode: 503}}))
	assert.False(t, IsRetryable(&APIError{StatusCode: 400}))
	assert.False(t, IsRetryable(&ParseError{Payload: "x", Err: errors.New("bad")}))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestIsInputError(t *testing.T) {
	require.True(t, IsInputError(&ToolExecutionError{Input: true}))
	require.True(t, IsInputError(wrapErr{err: inputError("t", "p", "bad", nil)}))
	require.False(t, IsInputError(&ToolExecutionError{Err: errors.New("x")}))
	require.False(t, IsInputError(ErrToolNotFound))
}

func TestWrapHandlerError(t *testing.T) {
	assert.NoError(t, wrapHandlerError("t", nil))

	te := &ToolExecutionError{Tool: "other", Message: "kept"}
	assert.Same(t, te, wrapHandlerError("t", te))

	inner := errors.New("db connection refused")
	err := wrapHandlerError("t", inner)
	var got *ToolExecutionError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, "t", got.Tool)
	assert.False(t, got.Input)
	assert.ErrorIs(t, err, inner)
}

func TestParseError_TruncatesPayload(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'a'
	}
	err := &ParseError{Payload: string(long), Err: errors.New("unexpected end")}
	assert.Less(t, len(err.Error()), 400)
	assert.Contains(t, err.Error(), "unexpected end")
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))

	// "é" is two bytes; cutting at 3 would land inside the second one.
	got := truncate("aééé", 4)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "aé...", got)

	payload := strings.Repeat("数据", 1000)
	err := &ParseError{Payload: payload, Err: errors.New("unexpected end")}
	assert.True(t, utf8.ValidString(err.Error()))
	apiErr := &APIError{StatusCode: 500, Message: truncate(payload, maxErrorBody)}
	assert.True(t, utf8.ValidString(apiErr.Error()))
}

func TestConfigError_IsNotArgumentValidation(t *testing.T) {
	err := error(&ConfigError{Field: "Model", Message: "required"})
	assert.ErrorIs(t, err, ErrConfig)
	assert.NotErrorIs(t, err, ErrValidation, "bad configuration is not a bad tool argument")
	assert.NotErrorIs(t, inputError("add", "a", "missing", ErrValidation), ErrConfig)
}

type wrapErr struct {
	err error
}

func (e wrapErr) Error() string {
	if e.err == nil {
		return ""
	}
	return "wrap: " + e.err.Error()
}
func (e wrapErr) Unwrap() error { return e.err }
