package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/skosovsky/toolloop/provider"
)

const envPrefix = "TOOLLOOP"

// cliConfig is everything the CLI reads from flags, TOOLLOOP_* variables and the config file,
// in that order of precedence.
type cliConfig struct {
	Provider   provider.Config `mapstructure:",squash"`
	Model      string          `mapstructure:"model"`
	System     string          `mapstructure:"system"`
	Transcript string          `mapstructure:"transcript"`
	LogLevel   string          `mapstructure:"log_level"`
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Provider:   provider.DefaultConfig(),
		Model:      "gpt-4o-mini",
		Transcript: "toolloop.db",
		LogLevel:   "warn",
	}
}

// newViper returns a viper instance preloaded with defaults so that every key can be
// overridden from the environment.
func newViper() *viper.Viper {
	v := viper.New()
	d := defaultCLIConfig()
	v.SetDefault("provider", d.Provider.Provider)
	v.SetDefault("api_key", "")
	v.SetDefault("base_url", "")
	v.SetDefault("referer", "")
	v.SetDefault("title", "")
	v.SetDefault("request_timeout", d.Provider.RequestTimeout)
	v.SetDefault("max_retries", d.Provider.MaxRetries)
	v.SetDefault("rate_limit", d.Provider.RateLimit)
	v.SetDefault("rate_burst", d.Provider.RateBurst)
	v.SetDefault("guard.max_iterations", d.Provider.Guard.MaxIterations)
	v.SetDefault("guard.timeout", d.Provider.Guard.Timeout)
	v.SetDefault("model", d.Model)
	v.SetDefault("system", d.System)
	v.SetDefault("transcript", d.Transcript)
	v.SetDefault("log_level", d.LogLevel)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadConfig reads .env (if present), the optional config file and the flags in fs.
func loadConfig(v *viper.Viper, configFile string, fs *pflag.FlagSet) (cliConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return cliConfig{}, fmt.Errorf("loading .env: %w", err)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return cliConfig{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return cliConfig{}, err
		}
	}
	cfg := defaultCLIConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return cliConfig{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"provider":       "provider",
	"model":          "model",
	"base-url":       "base_url",
	"system":         "system",
	"transcript":     "transcript",
	"max-iterations": "guard.max_iterations",
	"timeout":        "guard.timeout",
	"retries":        "max_retries",
	"log-level":      "log_level",
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
