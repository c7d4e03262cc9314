package toolloop

import (
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"
)

// Sentinel errors for toolloop. Use errors.Is to check; the typed errors below match them.
var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolRegistration = errors.New("tool registration failed")
	ErrToolExecution    = errors.New("tool execution failed")
	ErrIterationLimit   = errors.New("tool call iteration limit exceeded")
	ErrTimeout          = errors.New("tool call timeout")
	ErrValidation       = errors.New("validation failed")
	ErrConfig           = errors.New("invalid configuration")
	ErrShutdown         = errors.New("registry is shutting down")
)

// NetworkError is a transport-level failure (connection refused, reset, per-attempt timeout).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error calling %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is a non-2xx answer from the remote service, or a refusal reported inside a 2xx body.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return "api error: " + e.Message
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth another attempt (429 and 5xx).
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// ParseError is a JSON decoding failure. Payload holds (a prefix of) the offending input.
type ParseError struct {
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %v (payload: %s)", e.Err, truncate(e.Payload, 256))
}

func (e *ParseError) Unwrap() error { return e.Err }

// ToolNotFoundError carries the exact name the model asked for.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %q", e.Name)
}

func (e *ToolNotFoundError) Is(target error) bool { return target == ErrToolNotFound }

// ToolRegistrationError is returned by Registry.Register for duplicate or malformed tools.
type ToolRegistrationError struct {
	Name    string
	Message string
}

func (e *ToolRegistrationError) Error() string {
	return fmt.Sprintf("register tool %q: %s", e.Name, e.Message)
}

func (e *ToolRegistrationError) Is(target error) bool { return target == ErrToolRegistration }

// ToolExecutionError covers bad arguments, handler failures and result serialization failures.
// Input is true when the arguments were at fault (the model may correct itself on a retry).
// Parameter names the offending argument when one is known.
type ToolExecutionError struct {
	Tool      string
	Parameter string
	Message   string
	Input     bool
	Err       error
}

func (e *ToolExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Parameter != "" {
		msg = fmt.Sprintf("parameter %q: %s", e.Parameter, msg)
	}
	if e.Tool == "" {
		return "tool execution: " + msg
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, msg)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecution }

// IterationLimitError is returned when a run needs more round trips than the guard allows.
type IterationLimitError struct {
	Limit uint32
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("tool call iteration limit of %d exceeded", e.Limit)
}

func (e *IterationLimitError) Is(target error) bool { return target == ErrIterationLimit }

// TimeoutError is returned when a whole run exceeds the guard's wall-clock budget.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool call loop timed out after %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ConfigError reports a missing or invalid request/provider setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// ProviderError is a well-formed response that cannot be turned into a result (no output, no choices).
type ProviderError struct {
	Provider string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

// IsRetryable reports whether err is a transient transport condition.
func IsRetryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var ae *APIError
	return errors.As(err, &ae) && ae.Retryable()
}

// IsInputError reports whether err is a ToolExecutionError caused by the arguments.
func IsInputError(err error) bool {
	var te *ToolExecutionError
	return errors.As(err, &te) && te.Input
}

func inputError(tool, parameter, message string, err error) *ToolExecutionError {
	return &ToolExecutionError{Tool: tool, Parameter: parameter, Message: message, Input: true, Err: err}
}

// wrapHandlerError passes through ToolExecutionError; wraps other handler errors.
func wrapHandlerError(tool string, err error) error {
	if err == nil {
		return nil
	}
	var te *ToolExecutionError
	if errors.As(err, &te) {
		return err
	}
	return &ToolExecutionError{Tool: tool, Err: err}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func isErr[E error](err error) bool {
	var target E
	return errors.As(err, &target)
}
