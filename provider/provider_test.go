package provider

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skosovsky/toolloop"
	"github.com/skosovsky/toolloop/provider/chat"
	"github.com/skosovsky/toolloop/provider/gemini"
	"github.com/skosovsky/toolloop/provider/responses"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreAnyFunction("internal/poll.runtime_pollWait"),
	)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, OpenAI, cfg.Provider)
	assert.Equal(t, toolloop.DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, toolloop.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, toolloop.DefaultGuardConfig(), cfg.Guard)
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{name: "valid", edit: func(c *Config) { c.APIKey = "k" }},
		{name: "unknown provider", edit: func(c *Config) { c.APIKey = "k"; c.Provider = "bedrock" }, field: "Provider"},
		{name: "missing key", edit: func(*Config) {}, field: "APIKey"},
		{name: "bad base url", edit: func(c *Config) { c.APIKey = "k"; c.BaseURL = "not a url" }, field: "BaseURL"},
		{name: "negative retries", edit: func(c *Config) { c.APIKey = "k"; c.MaxRetries = -1 }, field: "MaxRetries"},
		{name: "zero iterations", edit: func(c *Config) { c.APIKey = "k"; c.Guard.MaxIterations = 0 }, field: "MaxIterations"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			err := cfg.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ce *toolloop.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Contains(t, ce.Field, tt.field)
			assert.ErrorIs(t, err, toolloop.ErrConfig)
		})
	}
}

func TestConfig_APIKeyFromEnvironment(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "from-env")
	cfg := DefaultConfig()
	cfg.Provider = Gemini
	require.NoError(t, cfg.Validate())

	a, err := NewAdapter(cfg)
	require.NoError(t, err)
	assert.Equal(t, []toolloop.Header{{Key: "x-goog-api-key", Value: "from-env"}}, a.Headers())
}

func TestConfig_StringMasksKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "secret"
	s := cfg.String()
	assert.NotContains(t, s, "secret")
	assert.Contains(t, s, "******")
}

func TestNewAdapter_SelectsBackend(t *testing.T) {
	tests := []struct {
		provider string
		check    func(t *testing.T, a toolloop.Adapter)
	}{
		{OpenAI, func(t *testing.T, a toolloop.Adapter) {
			assert.IsType(t, &responses.Adapter{}, a)
			assert.Equal(t, "openai", a.Provider())
		}},
		{OpenRouter, func(t *testing.T, a toolloop.Adapter) {
			assert.IsType(t, &responses.Adapter{}, a)
			assert.Equal(t, responses.OpenRouterBaseURL, a.BaseURL())
			assert.Contains(t, a.Headers(), toolloop.Header{Key: "X-Title", Value: "demo"})
		}},
		{Chat, func(t *testing.T, a toolloop.Adapter) {
			assert.IsType(t, &chat.Adapter{}, a)
		}},
		{Gemini, func(t *testing.T, a toolloop.Adapter) {
			assert.IsType(t, &gemini.Adapter{}, a)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Provider = tt.provider
			cfg.APIKey = "k"
			cfg.Title = "demo"
			a, err := NewAdapter(cfg)
			require.NoError(t, err)
			tt.check(t, a)
		})
	}
}

func TestNewClient_UsesConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"1","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"pong"}}]}`)
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Provider = Chat
	cfg.APIKey = "k"
	cfg.BaseURL = srv.URL
	cfg.MaxRetries = 0
	cfg.Guard = toolloop.GuardConfig{MaxIterations: 2, Timeout: 5 * time.Second}

	client, err := NewClient(cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	req, err := toolloop.NewRequest("m").User("ping").Build()
	require.NoError(t, err)
	resp, err := client.CompleteText(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Text)
	assert.Equal(t, "chat", resp.Provider)
}

func TestNewClient_InvalidConfig(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient(DefaultConfig(), nil)
	require.ErrorIs(t, err, toolloop.ErrConfig)
}
