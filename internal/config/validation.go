package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Store.RedisURL != "" {
		u, err := url.Parse(c.Store.RedisURL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, &ValidationError{
				Field:   "store.redis_url",
				Message: fmt.Sprintf("must be a redis:// or rediss:// URL, got %q", c.Store.RedisURL),
			})
		}
	}

	if c.LLM.Model == "" {
		errs = append(errs, &ValidationError{
			Field:   "llm.model",
			Message: "model is required",
		})
	}
	if c.LLM.MaxTokens < 1 {
		errs = append(errs, &ValidationError{
			Field:   "llm.max_tokens",
			Message: fmt.Sprintf("max_tokens must be at least 1, got %d", c.LLM.MaxTokens),
		})
	}
	// A missing API key is not fatal: the service starts degraded and every
	// gated call fails over to the agents' rule-based logic.

	errs = append(errs, c.validateThresholds()...)

	if c.Budget.DailyUSD < 0 {
		errs = append(errs, &ValidationError{
			Field:   "budget.daily_usd",
			Message: fmt.Sprintf("must not be negative, got %g", c.Budget.DailyUSD),
		})
	}
	if c.Budget.MonthlyUSD < 0 {
		errs = append(errs, &ValidationError{
			Field:   "budget.monthly_usd",
			Message: fmt.Sprintf("must not be negative, got %g", c.Budget.MonthlyUSD),
		})
	}

	if c.Archive.Enabled && c.Archive.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "archive.sqlite_path",
			Message: "sqlite_path is required when archive is enabled",
		})
	}

	if c.Sweeper.IntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "sweeper.interval_seconds",
			Message: fmt.Sprintf("must be at least 1 second, got %d", c.Sweeper.IntervalSeconds),
		})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid level %q, must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid format %q, must be json or console", c.Logging.Format),
		})
	}

	return errs
}

// validateThresholds applies the same ranges the admin API enforces, so a
// bad config file is caught at startup instead of at the first dispatch.
func (c *Config) validateThresholds() []error {
	var errs []error
	t := c.Thresholds

	if t.PriceChangePct < 0.01 || t.PriceChangePct > 100 {
		errs = append(errs, &ValidationError{
			Field:   "thresholds.price_change_pct",
			Message: fmt.Sprintf("must be in [0.01, 100], got %g", t.PriceChangePct),
		})
	}
	if t.VolumeSpikeMultiplier < 1 || t.VolumeSpikeMultiplier > 100 {
		errs = append(errs, &ValidationError{
			Field:   "thresholds.volume_spike_multiplier",
			Message: fmt.Sprintf("must be in [1, 100], got %g", t.VolumeSpikeMultiplier),
		})
	}
	if t.VolatilityThreshold <= 0 || t.VolatilityThreshold > 10 {
		errs = append(errs, &ValidationError{
			Field:   "thresholds.volatility_threshold",
			Message: fmt.Sprintf("must be in (0, 10], got %g", t.VolatilityThreshold),
		})
	}
	if t.MinAIIntervalSeconds < 1 || t.MinAIIntervalSeconds > 86400 {
		errs = append(errs, &ValidationError{
			Field:   "thresholds.min_ai_interval_seconds",
			Message: fmt.Sprintf("must be in [1, 86400], got %d", t.MinAIIntervalSeconds),
		})
	}
	if t.BatchSize < 1 || t.BatchSize > 1000 {
		errs = append(errs, &ValidationError{
			Field:   "thresholds.batch_size",
			Message: fmt.Sprintf("must be in [1, 1000], got %d", t.BatchSize),
		})
	}
	if t.BatchTimeoutSeconds < 1 || t.BatchTimeoutSeconds > 3600 {
		errs = append(errs, &ValidationError{
			Field:   "thresholds.batch_timeout_seconds",
			Message: fmt.Sprintf("must be in [1, 3600], got %d", t.BatchTimeoutSeconds),
		})
	}
	if t.HighEscapeMultiplier < 1 || t.HighEscapeMultiplier > 10 {
		errs = append(errs, &ValidationError{
			Field:   "thresholds.high_escape_multiplier",
			Message: fmt.Sprintf("must be in [1, 10], got %g", t.HighEscapeMultiplier),
		})
	}

	return errs
}
