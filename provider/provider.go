// Package provider builds a ready toolloop.Client from a flat, validated configuration. It is
// the single place that knows which adapter package serves which backend name.
package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/skosovsky/toolloop"
	"github.com/skosovsky/toolloop/provider/chat"
	"github.com/skosovsky/toolloop/provider/gemini"
	"github.com/skosovsky/toolloop/provider/responses"
)

// Backend names accepted in Config.Provider.
const (
	OpenAI     = "openai"
	OpenRouter = "openrouter"
	Chat       = "chat"
	Gemini     = "gemini"
)

// apiKeyEnv names the environment variable consulted when Config.APIKey is empty.
var apiKeyEnv = map[string]string{
	OpenAI:     "OPENAI_API_KEY",
	OpenRouter: "OPENROUTER_API_KEY",
	Chat:       "OPENAI_API_KEY",
	Gemini:     "GEMINI_API_KEY",
}

// Config selects a backend and tunes its transport and run limits.
type Config struct {
	Provider string `mapstructure:"provider" json:"provider" validate:"required,oneof=openai openrouter chat gemini"`
	APIKey   string `mapstructure:"api_key" json:"api_key,omitempty"`
	BaseURL  string `mapstructure:"base_url" json:"base_url,omitempty" validate:"omitempty,url"`

	// OpenRouter attribution headers.
	Referer string `mapstructure:"referer" json:"referer,omitempty" validate:"omitempty,url"`
	Title   string `mapstructure:"title" json:"title,omitempty"`

	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout" validate:"gte=0"`
	MaxRetries     int           `mapstructure:"max_retries" json:"max_retries" validate:"gte=0,lte=10"`
	RateLimit      float64       `mapstructure:"rate_limit" json:"rate_limit" validate:"gte=0"`
	RateBurst      int           `mapstructure:"rate_burst" json:"rate_burst" validate:"gte=0"`

	Guard toolloop.GuardConfig `mapstructure:"guard" json:"guard"`
}

// DefaultConfig returns an OpenAI configuration with the transport and guard defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       OpenAI,
		RequestTimeout: toolloop.DefaultRequestTimeout,
		MaxRetries:     toolloop.DefaultMaxRetries,
		RateBurst:      1,
		Guard:          toolloop.DefaultGuardConfig(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration. An empty APIKey is accepted when the backend's
// environment variable is set.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &toolloop.ConfigError{Field: fe.Namespace(), Message: "failed on " + fe.Tag()}
		}
		return &toolloop.ConfigError{Message: err.Error()}
	}
	if c.apiKey() == "" {
		return &toolloop.ConfigError{
			Field:   "Config.APIKey",
			Message: fmt.Sprintf("api_key is empty and %s is not set", apiKeyEnv[c.Provider]),
		}
	}
	return nil
}

func (c Config) apiKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return os.Getenv(apiKeyEnv[c.Provider])
}

// String renders the configuration with the API key masked.
func (c Config) String() string {
	key := c.APIKey
	if key != "" {
		key = strings.Repeat("*", len(key))
	}
	return fmt.Sprintf("provider=%s base_url=%q api_key=%q retries=%d request_timeout=%s max_iterations=%d timeout=%s",
		c.Provider, c.BaseURL, key, c.MaxRetries, c.RequestTimeout, c.Guard.MaxIterations, c.Guard.Timeout)
}

// NewAdapter returns the adapter for cfg.Provider.
func NewAdapter(cfg Config) (toolloop.Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := cfg.apiKey()
	switch cfg.Provider {
	case OpenAI:
		var opts []responses.Option
		if cfg.BaseURL != "" {
			opts = append(opts, responses.WithBaseURL(cfg.BaseURL))
		}
		return responses.New(key, opts...), nil
	case OpenRouter:
		var opts []responses.Option
		if cfg.BaseURL != "" {
			opts = append(opts, responses.WithBaseURL(cfg.BaseURL))
		}
		return responses.NewOpenRouter(key, cfg.Referer, cfg.Title, opts...), nil
	case Chat:
		var opts []chat.Option
		if cfg.BaseURL != "" {
			opts = append(opts, chat.WithBaseURL(cfg.BaseURL))
		}
		return chat.New(key, opts...), nil
	case Gemini:
		var opts []gemini.Option
		if cfg.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.BaseURL))
		}
		return gemini.New(key, opts...), nil
	}
	return nil, &toolloop.ConfigError{Field: "Config.Provider", Message: "unknown provider " + cfg.Provider}
}

// NewTransport returns a Transport tuned by cfg.
func NewTransport(cfg Config, logger *slog.Logger) *toolloop.Transport {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = toolloop.DefaultRequestTimeout
	}
	opts := []toolloop.TransportOption{
		toolloop.WithRequestTimeout(timeout),
		toolloop.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, toolloop.WithRateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if logger != nil {
		opts = append(opts, toolloop.WithTransportLogger(logger))
	}
	return toolloop.NewTransport(opts...)
}

// NewClient wires adapter, transport and guard limits from cfg. Options in opts are applied
// last and may override any of them.
func NewClient(cfg Config, logger *slog.Logger, opts ...toolloop.ClientOption) (*toolloop.Client, error) {
	adapter, err := NewAdapter(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := []toolloop.ClientOption{
		toolloop.WithLogger(logger),
		toolloop.WithTransport(NewTransport(cfg, logger)),
		toolloop.WithGuardConfig(cfg.Guard),
	}
	return toolloop.NewClient(adapter, append(base, opts...)...)
}
