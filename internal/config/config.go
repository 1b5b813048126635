// Package config provides configuration management for the gating service.
//
// Responsibilities:
//   - Load configuration from a YAML file, environment variables, and defaults
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support hot reload of the event thresholds section
//   - Manage sensitive data (API keys, admin token secret)
//
// Configuration sources (priority order, high to low):
//  1. Environment variables (GRIDION_* prefix)
//  2. YAML config file (default: /etc/gridion/gridion-ai.yaml)
//  3. Built-in defaults
package config

import "context"

// Config contains all configuration fields.
type Config struct {
	// Server configuration
	Server struct {
		Port int
		// AllowedOrigins lists origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// JWTSecret signs admin bearer tokens. Required for the admin API.
		JWTSecret string
	}

	// Store configuration
	Store struct {
		// RedisURL in redis://host:port/db form. Empty selects the
		// in-memory store (single-process deployments and tests).
		RedisURL string
	}

	// LLM provider configuration
	LLM struct {
		APIKey    string
		Model     string
		MaxTokens int
	}

	// Thresholds seed the dispatcher's gating configuration. Runtime
	// updates go through the admin API and live in the shared store.
	Thresholds struct {
		PriceChangePct        float64
		VolumeSpikeMultiplier float64
		VolatilityThreshold   float64
		MinAIIntervalSeconds  int
		BatchSize             int
		BatchTimeoutSeconds   int
		HighEscapeMultiplier  float64
	}

	// Budget limits, USD. Zero disables the corresponding check.
	Budget struct {
		DailyUSD   float64
		MonthlyUSD float64
	}

	// Archive configuration
	Archive struct {
		Enabled    bool
		SQLitePath string
	}

	// Sweeper configuration
	Sweeper struct {
		IntervalSeconds int
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		FilePath   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}
}

// Manager defines the interface for configuration access.
type Manager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file for changes and emits reloaded configs.
	Watch(ctx context.Context) <-chan Config
}

// NewManager creates a configuration manager reading from configPath.
func NewManager(configPath string) Manager {
	return &viperManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
}

// NewManagerWithDefaults creates a manager with the default config path.
func NewManagerWithDefaults() Manager {
	return NewManager("/etc/gridion/gridion-ai.yaml")
}
