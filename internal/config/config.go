// Package config loads the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tradeguard/resilience/internal/persistence"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Risk      RiskConfig      `yaml:"risk"`
	Providers []SeedProvider  `yaml:"providers"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`            // host:port to bind
	RequestTimeout time.Duration `yaml:"request_timeout"` // per-request deadline
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver       string        `yaml:"driver"` // "memory" or "postgres"
	DSN          string        `yaml:"dsn"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig configures event notification. An empty Addr disables it.
type RedisConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

// BreakerConfig configures the automatic circuit breaker policy.
type BreakerConfig struct {
	AutoTrip      bool    `yaml:"auto_trip"`
	TripThreshold float64 `yaml:"trip_threshold"` // health score below this trips
}

// EvaluatorConfig configures the periodic evaluation loop.
type EvaluatorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// RiskConfig seeds the killswitch limits before an operator tunes them.
type RiskConfig struct {
	Limits persistence.RiskLimits `yaml:"limits"`
}

// SeedProvider registers a provider at startup.
type SeedProvider struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8090",
			RequestTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:       "memory",
			QueryTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Timeout: 2 * time.Second,
		},
		Breaker: BreakerConfig{
			AutoTrip:      true,
			TripThreshold: 0.5,
		},
		Evaluator: EvaluatorConfig{
			Interval: 15 * time.Second,
		},
		Risk: RiskConfig{
			Limits: persistence.RiskLimits{
				MaxDailyLoss:         50000,
				MaxDrawdownPct:       10,
				MaxPositionSize:      100000,
				RecoveryDelayMinutes: 30,
			},
		},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Breaker.TripThreshold <= 0 || c.Breaker.TripThreshold >= 1 {
		return fmt.Errorf("breaker.trip_threshold must be in (0, 1)")
	}
	if c.Evaluator.Interval <= 0 {
		return fmt.Errorf("evaluator.interval must be positive")
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name must not be empty", i)
		}
	}
	return nil
}
