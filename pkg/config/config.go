// Package config loads worker configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full worker configuration. Zero values in a file leave the
// defaults in place.
type Config struct {
	Server                 string          `yaml:"server"`
	Firefox                string          `yaml:"firefox"`
	GeckoDriver            string          `yaml:"geckodriver"`
	Timeout                time.Duration   `yaml:"timeout"`
	RestartTunnelThreshold int             `yaml:"restart_tunnel_threshold"`
	MaxWorkAttempts        int             `yaml:"max_work_attempts"`
	Backoff                BackoffConfig   `yaml:"backoff"`
	Settle                 time.Duration   `yaml:"settle"`
	Capture                CaptureConfig   `yaml:"capture"`
	MetricsAddr            string          `yaml:"metrics_addr"`
	Log                    LogConfig       `yaml:"log"`
	RateLimit              RateLimitConfig `yaml:"rate_limit"`
}

// BackoffConfig bounds the jittered retry delay
type BackoffConfig struct {
	Min time.Duration `yaml:"min"`
	Max time.Duration `yaml:"max"`
}

// CaptureConfig configures tshark
type CaptureConfig struct {
	Interface string `yaml:"interface"` // Only used on Windows
	Port      int    `yaml:"port"`
	SnapLen   int    `yaml:"snaplen"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RateLimitConfig throttles coordination requests
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"` // Negative disables limiting
	Burst     int     `yaml:"burst"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server:                 "http://localhost:5000",
		Firefox:                "/usr/lib/mullvad-browser/mullvadbrowser.real",
		GeckoDriver:            "/usr/local/bin/geckodriver",
		Timeout:                20 * time.Second,
		RestartTunnelThreshold: 5,
		MaxWorkAttempts:        10,
		Backoff: BackoffConfig{
			Min: 10 * time.Second,
			Max: 20 * time.Second,
		},
		Settle: 2 * time.Second,
		Capture: CaptureConfig{
			Interface: "Ethernet0",
			Port:      51820,
			SnapLen:   64,
		},
		Log: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			PerSecond: 2,
			Burst:     4,
		},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the worker cannot run with
func (c Config) Validate() error {
	if c.Server == "" {
		return errors.New("server is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.RestartTunnelThreshold < 0 {
		return fmt.Errorf("restart_tunnel_threshold must not be negative, got %d", c.RestartTunnelThreshold)
	}
	if c.MaxWorkAttempts < 0 {
		return fmt.Errorf("max_work_attempts must not be negative, got %d", c.MaxWorkAttempts)
	}
	if c.Backoff.Min < 0 || c.Backoff.Min > c.Backoff.Max {
		return fmt.Errorf("backoff range [%s, %s] is invalid", c.Backoff.Min, c.Backoff.Max)
	}
	if c.Capture.Port < 0 || c.Capture.Port > 65535 {
		return fmt.Errorf("capture port %d out of range", c.Capture.Port)
	}
	return nil
}
