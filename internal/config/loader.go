// Package config loads studiosync configuration: defaults, an optional YAML
// config file, and STUDIOSYNC_* environment overrides, in ascending
// precedence.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved process configuration.
type Config struct {
	API    APIConfig    `mapstructure:"api"`
	Push   PushConfig   `mapstructure:"push"`
	Poll   PollConfig   `mapstructure:"poll"`
	Studio StudioConfig `mapstructure:"studio"`
}

// APIConfig configures the REST client.
type APIConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Prefix        string        `mapstructure:"prefix"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RateLimit     float64       `mapstructure:"rate_limit"`
}

// PushConfig configures the websocket channel.
type PushConfig struct {
	URL                  string        `mapstructure:"url"`
	InitialBackoff       time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff           time.Duration `mapstructure:"max_backoff"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// PollConfig configures the fallback poller.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StudioConfig configures derived-state behavior.
type StudioConfig struct {
	HistoryView       bool          `mapstructure:"history_view"`
	StuckJobThreshold time.Duration `mapstructure:"stuck_job_threshold"`
	SystemStaleAfter  time.Duration `mapstructure:"system_stale_after"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:8188")
	v.SetDefault("api.prefix", "/api/v1")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("api.retry_attempts", 3)
	v.SetDefault("api.rate_limit", 0.0)

	v.SetDefault("push.url", "ws://localhost:8188/ws/progress")
	v.SetDefault("push.initial_backoff", 1*time.Second)
	v.SetDefault("push.max_backoff", 30*time.Second)
	v.SetDefault("push.max_reconnect_attempts", 5)

	v.SetDefault("poll.interval", 5*time.Second)

	v.SetDefault("studio.history_view", false)
	v.SetDefault("studio.stuck_job_threshold", 10*time.Minute)
	v.SetDefault("studio.system_stale_after", 30*time.Second)
}

// Load resolves the configuration. path may be empty, in which case the
// standard locations are searched and a missing file is not an error.
func Load(ctx context.Context, path string) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STUDIOSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("studiosync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/studiosync")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return fmt.Errorf("api.base_url must not be empty")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.Push.MaxReconnectAttempts < 0 {
		return fmt.Errorf("push.max_reconnect_attempts must not be negative")
	}
	return nil
}
