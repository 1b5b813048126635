package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, m.Load(context.Background()))

	cfg := m.Get(context.Background())
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "claude-3-5-sonnet-20241022", cfg.LLM.Model)
	assert.Equal(t, 0.5, cfg.Thresholds.PriceChangePct)
	assert.Equal(t, 5, cfg.Thresholds.BatchSize)
	assert.Equal(t, 2.0, cfg.Thresholds.HighEscapeMultiplier)
	assert.Equal(t, "", cfg.Store.RedisURL)
	assert.False(t, cfg.Archive.Enabled)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gridion-ai.yaml")
	yaml := `
server:
  port: 9000
store:
  redis_url: redis://localhost:6379/2
thresholds:
  price_change_pct: 1.5
  batch_size: 10
budget:
  daily_usd: 25.0
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	m := NewManager(path)
	require.NoError(t, m.Load(context.Background()))

	cfg := m.Get(context.Background())
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Store.RedisURL)
	assert.Equal(t, 1.5, cfg.Thresholds.PriceChangePct)
	assert.Equal(t, 10, cfg.Thresholds.BatchSize)
	assert.Equal(t, 25.0, cfg.Budget.DailyUSD)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 300, cfg.Thresholds.BatchTimeoutSeconds)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env-key")
	t.Setenv("GRIDION_JWT_SECRET", "env-secret")
	t.Setenv("GRIDION_REDIS_URL", "redis://env:6379/0")

	m := NewManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, m.Load(context.Background()))

	cfg := m.Get(context.Background())
	assert.Equal(t, "sk-env-key", cfg.LLM.APIKey)
	assert.Equal(t, "env-secret", cfg.Server.JWTSecret)
	assert.Equal(t, "redis://env:6379/0", cfg.Store.RedisURL)
}

func TestValidateDefaultsPass(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, m.Load(context.Background()))
	assert.NoError(t, m.Validate(context.Background()))
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Port = 0
	cfg.Store.RedisURL = "http://not-redis:6379"
	cfg.LLM.Model = ""
	cfg.Thresholds.PriceChangePct = 500
	cfg.Thresholds.MinAIIntervalSeconds = 0
	cfg.Budget.DailyUSD = -1
	cfg.Logging.Format = "xml"

	errs := cfg.Validate()
	require.NotEmpty(t, errs)

	fields := map[string]bool{}
	for _, err := range errs {
		ve, ok := err.(*ValidationError)
		require.True(t, ok)
		fields[ve.Field] = true
	}
	assert.True(t, fields["server.port"])
	assert.True(t, fields["store.redis_url"])
	assert.True(t, fields["llm.model"])
	assert.True(t, fields["thresholds.price_change_pct"])
	assert.True(t, fields["thresholds.min_ai_interval_seconds"])
	assert.True(t, fields["budget.daily_usd"])
	assert.True(t, fields["logging.format"])
}

func TestValidateArchiveNeedsPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Archive.Enabled = true
	cfg.Archive.SQLitePath = ""

	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "archive.sqlite_path")
}

func TestMissingAPIKeyIsNotFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = ""
	assert.Empty(t, cfg.Validate())
}
