package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.JWTSecret = ""

	// Store defaults: in-memory unless a Redis URL is supplied
	cfg.Store.RedisURL = ""

	// LLM defaults
	cfg.LLM.APIKey = ""
	cfg.LLM.Model = "claude-3-5-sonnet-20241022"
	cfg.LLM.MaxTokens = 1024

	// Threshold defaults match the dispatcher's shipped gating values
	cfg.Thresholds.PriceChangePct = 0.5
	cfg.Thresholds.VolumeSpikeMultiplier = 2.0
	cfg.Thresholds.VolatilityThreshold = 0.02
	cfg.Thresholds.MinAIIntervalSeconds = 60
	cfg.Thresholds.BatchSize = 5
	cfg.Thresholds.BatchTimeoutSeconds = 300
	cfg.Thresholds.HighEscapeMultiplier = 2.0

	// Budget defaults: 0 means no limit
	cfg.Budget.DailyUSD = 0.0
	cfg.Budget.MonthlyUSD = 0.0

	// Archive defaults
	cfg.Archive.Enabled = false
	cfg.Archive.SQLitePath = "/var/lib/gridion/costs.db"

	// Sweeper defaults
	cfg.Sweeper.IntervalSeconds = 10

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.FilePath = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30

	return cfg
}
