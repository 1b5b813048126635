package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperManager implements Manager using Viper.
type viperManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("GRIDION")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults plus env vars are a complete
	// configuration on their own.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	m.unmarshalConfig()
	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var msgs []string
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file for changes and emits reloaded configs.
func (m *viperManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		m.unmarshalConfig()
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// setDefaults sets default values in viper.
func (m *viperManager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.jwt_secret", defaults.Server.JWTSecret)

	m.viper.SetDefault("store.redis_url", defaults.Store.RedisURL)

	m.viper.SetDefault("llm.api_key", defaults.LLM.APIKey)
	m.viper.SetDefault("llm.model", defaults.LLM.Model)
	m.viper.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)

	m.viper.SetDefault("thresholds.price_change_pct", defaults.Thresholds.PriceChangePct)
	m.viper.SetDefault("thresholds.volume_spike_multiplier", defaults.Thresholds.VolumeSpikeMultiplier)
	m.viper.SetDefault("thresholds.volatility_threshold", defaults.Thresholds.VolatilityThreshold)
	m.viper.SetDefault("thresholds.min_ai_interval_seconds", defaults.Thresholds.MinAIIntervalSeconds)
	m.viper.SetDefault("thresholds.batch_size", defaults.Thresholds.BatchSize)
	m.viper.SetDefault("thresholds.batch_timeout_seconds", defaults.Thresholds.BatchTimeoutSeconds)
	m.viper.SetDefault("thresholds.high_escape_multiplier", defaults.Thresholds.HighEscapeMultiplier)

	m.viper.SetDefault("budget.daily_usd", defaults.Budget.DailyUSD)
	m.viper.SetDefault("budget.monthly_usd", defaults.Budget.MonthlyUSD)

	m.viper.SetDefault("archive.enabled", defaults.Archive.Enabled)
	m.viper.SetDefault("archive.sqlite_path", defaults.Archive.SQLitePath)

	m.viper.SetDefault("sweeper.interval_seconds", defaults.Sweeper.IntervalSeconds)

	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file_path", defaults.Logging.FilePath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
}

// unmarshalConfig unmarshals viper config into the Config struct.
func (m *viperManager) unmarshalConfig() {
	cfg := &Config{}

	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.JWTSecret = m.viper.GetString("server.jwt_secret")

	cfg.Store.RedisURL = m.viper.GetString("store.redis_url")

	cfg.LLM.APIKey = m.viper.GetString("llm.api_key")
	cfg.LLM.Model = m.viper.GetString("llm.model")
	cfg.LLM.MaxTokens = m.viper.GetInt("llm.max_tokens")

	cfg.Thresholds.PriceChangePct = m.viper.GetFloat64("thresholds.price_change_pct")
	cfg.Thresholds.VolumeSpikeMultiplier = m.viper.GetFloat64("thresholds.volume_spike_multiplier")
	cfg.Thresholds.VolatilityThreshold = m.viper.GetFloat64("thresholds.volatility_threshold")
	cfg.Thresholds.MinAIIntervalSeconds = m.viper.GetInt("thresholds.min_ai_interval_seconds")
	cfg.Thresholds.BatchSize = m.viper.GetInt("thresholds.batch_size")
	cfg.Thresholds.BatchTimeoutSeconds = m.viper.GetInt("thresholds.batch_timeout_seconds")
	cfg.Thresholds.HighEscapeMultiplier = m.viper.GetFloat64("thresholds.high_escape_multiplier")

	cfg.Budget.DailyUSD = m.viper.GetFloat64("budget.daily_usd")
	cfg.Budget.MonthlyUSD = m.viper.GetFloat64("budget.monthly_usd")

	cfg.Archive.Enabled = m.viper.GetBool("archive.enabled")
	cfg.Archive.SQLitePath = m.viper.GetString("archive.sqlite_path")

	cfg.Sweeper.IntervalSeconds = m.viper.GetInt("sweeper.interval_seconds")

	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.FilePath = m.viper.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	m.config = cfg
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperManager) applyEnvOverrides() {
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		m.config.LLM.APIKey = apiKey
	}
	if secret := os.Getenv("GRIDION_JWT_SECRET"); secret != "" {
		m.config.Server.JWTSecret = secret
	}
	if redisURL := os.Getenv("GRIDION_REDIS_URL"); redisURL != "" {
		m.config.Store.RedisURL = redisURL
	}
}
