package sampling

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.Memory, *time.Time) {
	t.Helper()
	mem := store.NewMemory()
	m := NewManager(mem, zap.NewNop())
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	mem.SetClock(func() time.Time { return now })
	return m, mem, &now
}

func TestAlwaysStrategy(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Configure(ctx, models.AgentSignalValidator, StrategyAlways, nil))

	for i := 0; i < 5; i++ {
		assert.True(t, m.ShouldSample(ctx, models.AgentSignalValidator, 0))
	}
}

func TestPeriodicStrategy(t *testing.T) {
	m, _, now := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Configure(ctx, models.AgentRegimeClassifier, StrategyPeriodic,
		map[string]float64{"intervalSeconds": 300}))

	start := *now

	// First call after configuration is allowed and stamps lastCallAt.
	assert.True(t, m.ShouldSample(ctx, models.AgentRegimeClassifier, 0))

	*now = start.Add(100 * time.Second)
	assert.False(t, m.ShouldSample(ctx, models.AgentRegimeClassifier, 0))

	*now = start.Add(200 * time.Second)
	assert.False(t, m.ShouldSample(ctx, models.AgentRegimeClassifier, 0))

	*now = start.Add(301 * time.Second)
	assert.True(t, m.ShouldSample(ctx, models.AgentRegimeClassifier, 0))

	// Interval restarts from the allowed call.
	*now = start.Add(400 * time.Second)
	assert.False(t, m.ShouldSample(ctx, models.AgentRegimeClassifier, 0))
}

func TestChangeBasedStrategy(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Configure(ctx, models.AgentAnomalyDetector, StrategyChangeBased,
		map[string]float64{"threshold": 0.05}))

	// First observation: relative change from 0 is effectively infinite.
	assert.True(t, m.ShouldSample(ctx, models.AgentAnomalyDetector, 100))

	// 2% move: below the 5% threshold.
	assert.False(t, m.ShouldSample(ctx, models.AgentAnomalyDetector, 102))

	// 6% move from the last *accepted* value.
	assert.True(t, m.ShouldSample(ctx, models.AgentAnomalyDetector, 106))
}

func TestThresholdStrategy(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Configure(ctx, models.AgentAnomalyDetector, StrategyThreshold,
		map[string]float64{"threshold": 0.8}))

	assert.False(t, m.ShouldSample(ctx, models.AgentAnomalyDetector, 0.5))
	assert.True(t, m.ShouldSample(ctx, models.AgentAnomalyDetector, 0.8))
	assert.True(t, m.ShouldSample(ctx, models.AgentAnomalyDetector, 0.95))
}

func TestAdaptiveStrategyShrinksIntervalUnderVolatility(t *testing.T) {
	m, _, now := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Configure(ctx, models.AgentPortfolioOptimizer, StrategyAdaptive,
		map[string]float64{
			"minIntervalSeconds": 60,
			"maxIntervalSeconds": 3600,
			"volatilityScale":    0.05,
		}))

	start := *now

	// Calm market: first call allowed, then gated by a long interval.
	assert.True(t, m.ShouldSample(ctx, models.AgentPortfolioOptimizer, 100))
	*now = start.Add(120 * time.Second)
	assert.False(t, m.ShouldSample(ctx, models.AgentPortfolioOptimizer, 100.01))

	// Violent moves push the EWMA volatility up; the interval collapses
	// toward the floor and a call only two minutes later is allowed.
	*now = start.Add(180 * time.Second)
	_ = m.ShouldSample(ctx, models.AgentPortfolioOptimizer, 120)
	*now = start.Add(240 * time.Second)
	assert.True(t, m.ShouldSample(ctx, models.AgentPortfolioOptimizer, 150))
}

func TestAdaptiveIntervalClamp(t *testing.T) {
	p := &Policy{
		Strategy: StrategyAdaptive,
		Config: map[string]float64{
			"minIntervalSeconds": 60,
			"maxIntervalSeconds": 120,
			"volatilityScale":    0.01,
		},
		Volatility: 99, // saturated
	}
	now := time.Now()
	p.LastCallAt = now.Add(-61 * time.Second)

	allowed, _ := evaluate(p, 1, now)
	assert.True(t, allowed, "interval must clamp to the floor under saturated volatility")
}

func TestConfigureValidation(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	err := m.Configure(ctx, models.AgentRegimeClassifier, Strategy("HOURLY"), nil)
	assert.True(t, models.IsValidation(err))

	err = m.Configure(ctx, models.AgentRegimeClassifier, StrategyPeriodic,
		map[string]float64{"intervalSeconds": 0})
	assert.True(t, models.IsValidation(err))

	err = m.Configure(ctx, models.AgentRegimeClassifier, StrategyPeriodic,
		map[string]float64{"intervalSeconds": 86401})
	assert.True(t, models.IsValidation(err))

	err = m.Configure(ctx, models.AgentPortfolioOptimizer, StrategyAdaptive,
		map[string]float64{"minIntervalSeconds": 600, "maxIntervalSeconds": 60})
	assert.True(t, models.IsValidation(err))

	err = m.Configure(ctx, models.AgentAnomalyDetector, StrategyChangeBased,
		map[string]float64{"threshold": -1})
	assert.True(t, models.IsValidation(err))
}

func TestDefaultPolicyWhenUnconfigured(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	// Signal validator defaults to ALWAYS without any configuration.
	assert.True(t, m.ShouldSample(ctx, models.AgentSignalValidator, 0))

	p, err := m.GetPolicy(ctx, models.AgentRegimeClassifier)
	require.NoError(t, err)
	assert.Equal(t, StrategyPeriodic, p.Strategy)
}

func TestFailClosedOnStoreOutage(t *testing.T) {
	m, mem, _ := newManager(t)
	ctx := context.Background()
	require.NoError(t, m.Configure(ctx, models.AgentSignalValidator, StrategyAlways, nil))

	mem.SetOffline(true)

	// Even ALWAYS denies when the policy cannot be read.
	assert.False(t, m.ShouldSample(ctx, models.AgentSignalValidator, 0))

	err := m.Configure(ctx, models.AgentSignalValidator, StrategyAlways, nil)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestPolicyPersistsAcrossManagers(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	m1 := NewManager(mem, zap.NewNop())
	require.NoError(t, m1.Configure(ctx, models.AgentRegimeClassifier, StrategyThreshold,
		map[string]float64{"threshold": 42}))

	// A second manager (another worker process) sees the same policy.
	m2 := NewManager(mem, zap.NewNop())
	p, err := m2.GetPolicy(ctx, models.AgentRegimeClassifier)
	require.NoError(t, err)
	assert.Equal(t, StrategyThreshold, p.Strategy)
	assert.Equal(t, 42.0, p.Config["threshold"])
}
