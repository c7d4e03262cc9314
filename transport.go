package toolloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Transport defaults.
const (
	DefaultRequestTimeout    = 60 * time.Second
	DefaultMaxRetries        = 3
	DefaultInitialRetryDelay = 500 * time.Millisecond
	DefaultMaxRetryDelay     = 10 * time.Second
	defaultUserAgent         = "toolloop/1"
	maxErrorBody             = 4096
)

// Header is one HTTP header sent with every request of an adapter.
type Header struct {
	Key   string
	Value string
}

// RequestInspector sees every request body before it is sent.
type RequestInspector func(url string, body []byte)

// ResponseInspector sees every response body received, successful or not.
type ResponseInspector func(url string, status int, body []byte)

type transportConfig struct {
	client         *http.Client
	timeout        time.Duration
	maxRetries     int
	initialDelay   time.Duration
	maxDelay       time.Duration
	userAgent      string
	limiter        *rate.Limiter
	logger         *slog.Logger
	inspectRequest RequestInspector
	inspectResp    ResponseInspector
	jitter         func() float64
}

// TransportOption configures a Transport.
type TransportOption func(*transportConfig)

// WithHTTPClient sets the underlying http.Client. Its own Timeout should be zero or larger than
// the per-attempt timeout.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(o *transportConfig) {
		o.client = c
	}
}

// WithRequestTimeout bounds each individual attempt.
func WithRequestTimeout(d time.Duration) TransportOption {
	return func(o *transportConfig) {
		o.timeout = d
	}
}

// WithMaxRetries sets how many times a transient failure is retried (0 disables retries).
func WithMaxRetries(n int) TransportOption {
	return func(o *transportConfig) {
		o.maxRetries = max(n, 0)
	}
}

// WithRetryDelays sets the initial and the maximum backoff delay.
func WithRetryDelays(initial, maxDelay time.Duration) TransportOption {
	return func(o *transportConfig) {
		o.initialDelay = initial
		o.maxDelay = maxDelay
	}
}

// WithRateLimit throttles outgoing attempts to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) TransportOption {
	return func(o *transportConfig) {
		if rps <= 0 {
			o.limiter = nil
			return
		}
		o.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) TransportOption {
	return func(o *transportConfig) {
		o.userAgent = ua
	}
}

// WithTransportLogger sets the logger used for retry diagnostics.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(o *transportConfig) {
		o.logger = l
	}
}

// WithRequestInspector registers a hook receiving every serialized request body.
func WithRequestInspector(fn RequestInspector) TransportOption {
	return func(o *transportConfig) {
		o.inspectRequest = fn
	}
}

// WithResponseInspector registers a hook receiving every raw response body.
func WithResponseInspector(fn ResponseInspector) TransportOption {
	return func(o *transportConfig) {
		o.inspectResp = fn
	}
}

// Transport posts JSON with retry and exponential backoff. It holds only immutable
// configuration and is safe for concurrent use by many runs.
type Transport struct {
	cfg transportConfig
}

// NewTransport creates a Transport with the defaults: 60s per attempt, 3 retries,
// backoff from 500ms capped at 10s.
func NewTransport(opts ...TransportOption) *Transport {
	cfg := transportConfig{
		client:       &http.Client{},
		timeout:      DefaultRequestTimeout,
		maxRetries:   DefaultMaxRetries,
		initialDelay: DefaultInitialRetryDelay,
		maxDelay:     DefaultMaxRetryDelay,
		userAgent:    defaultUserAgent,
		jitter:       func() float64 { return 0.9 + rand.Float64()*0.2 },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Transport{cfg: cfg}
}

// PostJSON marshals body, POSTs it to url and decodes a 2xx answer into out.
// 429, 5xx and network failures are retried; any other status fails at once with an APIError.
// When retries run out the last error is returned. Cancelling ctx stops at once with ctx's error.
func (t *Transport) PostJSON(ctx context.Context, url string, headers []Header, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if t.cfg.inspectRequest != nil {
		t.cfg.inspectRequest(url, payload)
	}

	var lastErr error
	for attempt := 0; attempt <= t.cfg.maxRetries; attempt++ {
		if attempt > 0 {
			delay := t.backoff(attempt - 1)
			t.cfg.logger.WarnContext(ctx, "retrying request",
				"url", url, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		if t.cfg.limiter != nil {
			if err := t.cfg.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		status, respBody, err := t.attempt(ctx, url, headers, payload)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			lastErr = &NetworkError{URL: url, Err: err}
			continue
		}
		if t.cfg.inspectResp != nil {
			t.cfg.inspectResp(url, status, respBody)
		}
		if status >= 200 && status < 300 {
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return &ParseError{Payload: string(respBody), Err: err}
			}
			return nil
		}
		apiErr := newAPIError(status, respBody)
		if !apiErr.Retryable() {
			return apiErr
		}
		lastErr = apiErr
	}
	return lastErr
}

// attempt performs one POST bounded by the per-attempt timeout.
func (t *Transport) attempt(ctx context.Context, url string, headers []Header, payload []byte) (int, []byte, error) {
	if t.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.cfg.userAgent)
	for _, h := range headers {
		req.Header.Set(h.Key, h.Value)
	}
	resp, err := t.cfg.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// backoff returns min(initial * 2^attempt * jitter, max) with jitter in [0.9, 1.1].
func (t *Transport) backoff(attempt int) time.Duration {
	d := float64(t.cfg.initialDelay) * math.Pow(2, float64(attempt)) * t.cfg.jitter()
	if d > float64(t.cfg.maxDelay) || math.IsInf(d, 0) {
		return t.cfg.maxDelay
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// newAPIError prefers the provider's {"error":{"message":...}} text over the raw body.
func newAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	msg := ""
	if json.Unmarshal(body, &envelope) == nil && len(envelope.Error) > 0 {
		var detail struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(envelope.Error, &detail) == nil && detail.Message != "" {
			msg = detail.Message
		} else {
			var s string
			if json.Unmarshal(envelope.Error, &s) == nil {
				msg = s
			}
		}
	}
	if msg == "" {
		msg = truncate(string(bytes.TrimSpace(body)), maxErrorBody)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &APIError{StatusCode: status, Message: msg}
}
