package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/store"
)

func newLedger(t *testing.T) (*Ledger, *store.Memory, *time.Time) {
	t.Helper()
	mem := store.NewMemory()
	l := New(mem, zap.NewNop())
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })
	mem.SetClock(func() time.Time { return now })
	return l, mem, &now
}

func record(agent models.AgentType, in, out int64, cost float64, ts time.Time) *models.CostRecord {
	r := models.NewCostRecord(agent, "claude-3-5-haiku-20241022", in, out, 0, 0, cost)
	r.Timestamp = ts
	return r
}

func TestRecordAggregatesAcrossBuckets(t *testing.T) {
	l, _, now := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, record(models.AgentRegimeClassifier, 1000, 200, 0.01, *now)))
	require.NoError(t, l.Record(ctx, record(models.AgentRegimeClassifier, 500, 100, 0.005, *now)))
	require.NoError(t, l.Record(ctx, record(models.AgentSignalValidator, 300, 50, 0.002, *now)))

	stats, err := l.GetStats(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 3, stats.Today.Calls)
	assert.EqualValues(t, 1800, stats.Today.InputTokens)
	assert.EqualValues(t, 350, stats.Today.OutputTokens)
	assert.InDelta(t, 0.017, stats.Today.CostUSD, 1e-9)

	assert.EqualValues(t, 3, stats.CurrentHour.Calls)

	assert.EqualValues(t, 2, stats.ByAgent[models.AgentRegimeClassifier].Calls)
	assert.EqualValues(t, 1, stats.ByAgent[models.AgentSignalValidator].Calls)
}

func TestRecordAtomicUnderConcurrency(t *testing.T) {
	l, _, now := newLedger(t)
	ctx := context.Background()

	const n = 200
	agents := []models.AgentType{
		models.AgentRegimeClassifier,
		models.AgentSignalValidator,
		models.AgentAnomalyDetector,
		models.AgentPortfolioOptimizer,
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := record(agents[i%len(agents)], 100, 10, 0.001, *now)
			assert.NoError(t, l.Record(ctx, rec))
		}(i)
	}
	wg.Wait()

	stats, err := l.GetStats(ctx)
	require.NoError(t, err)

	// No lost updates: the bucket totals match the records exactly.
	assert.EqualValues(t, n, stats.Today.Calls)
	assert.EqualValues(t, n*100, stats.Today.InputTokens)
	assert.EqualValues(t, n, stats.CurrentHour.Calls)

	var agentCalls int64
	for _, b := range stats.ByAgent {
		agentCalls += b.Calls
	}
	assert.EqualValues(t, n, agentCalls)
}

func TestHourlyBucketRollover(t *testing.T) {
	l, _, now := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, record(models.AgentRegimeClassifier, 100, 10, 0.001, *now)))

	// Next hour: the hourly bucket is fresh, the daily one accumulates.
	*now = now.Add(time.Hour)
	require.NoError(t, l.Record(ctx, record(models.AgentRegimeClassifier, 100, 10, 0.001, *now)))

	stats, err := l.GetStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Today.Calls)
	assert.EqualValues(t, 1, stats.CurrentHour.Calls)
}

func TestCheckBudgetThresholds(t *testing.T) {
	l, _, now := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, record(models.AgentRegimeClassifier, 0, 0, 8.5, *now)))

	// 85% of the daily budget: warning, not exceeded.
	alert, err := l.CheckBudget(ctx, 10, 100)
	require.NoError(t, err)
	assert.InDelta(t, 85, alert.DailyUsagePercent, 1e-9)
	assert.InDelta(t, 8.5, alert.MonthlyUsagePercent, 1e-9)
	require.Len(t, alert.Alerts, 1)
	assert.Contains(t, alert.Alerts[0], "daily budget at 85.0%")

	// Blow through 100%.
	require.NoError(t, l.Record(ctx, record(models.AgentRegimeClassifier, 0, 0, 2.0, *now)))
	alert, err = l.CheckBudget(ctx, 10, 100)
	require.NoError(t, err)
	assert.InDelta(t, 105, alert.DailyUsagePercent, 1e-9)
	require.Len(t, alert.Alerts, 1)
	assert.Contains(t, alert.Alerts[0], "daily budget exceeded")
}

func TestCheckBudgetMonthlySpansDays(t *testing.T) {
	l, _, now := newLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, record(models.AgentRegimeClassifier, 0, 0, 40, now.AddDate(0, 0, -2))))
	require.NoError(t, l.Record(ctx, record(models.AgentRegimeClassifier, 0, 0, 45, *now)))

	alert, err := l.CheckBudget(ctx, 0, 100)
	require.NoError(t, err)
	assert.InDelta(t, 85, alert.MonthlyUsagePercent, 1e-9)
	// Daily check disabled with a zero limit.
	assert.Zero(t, alert.DailyUsagePercent)
	require.Len(t, alert.Alerts, 1)
	assert.Contains(t, alert.Alerts[0], "monthly budget at 85.0%")
}

func TestCheckBudgetRejectsNegativeLimits(t *testing.T) {
	l, _, _ := newLedger(t)
	_, err := l.CheckBudget(context.Background(), -1, 0)
	assert.True(t, models.IsValidation(err))
}

type stubArchive struct {
	recs []*models.CostRecord
	fail bool
}

func (s *stubArchive) Append(_ context.Context, rec *models.CostRecord) error {
	if s.fail {
		return assert.AnError
	}
	s.recs = append(s.recs, rec)
	return nil
}

func TestRecordFeedsArchive(t *testing.T) {
	l, _, now := newLedger(t)
	ctx := context.Background()

	arch := &stubArchive{}
	l.SetArchive(arch)

	require.NoError(t, l.Record(ctx, record(models.AgentAnomalyDetector, 100, 10, 0.001, *now)))
	require.Len(t, arch.recs, 1)
	assert.Equal(t, models.AgentAnomalyDetector, arch.recs[0].AgentType)

	// An archive failure never fails the record.
	arch.fail = true
	assert.NoError(t, l.Record(ctx, record(models.AgentAnomalyDetector, 100, 10, 0.001, *now)))
}

func TestStoreOutageSurfacesError(t *testing.T) {
	l, mem, now := newLedger(t)
	ctx := context.Background()
	mem.SetOffline(true)

	err := l.Record(ctx, record(models.AgentRegimeClassifier, 1, 1, 0.001, *now))
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	_, err = l.GetStats(ctx)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestCalculateCost(t *testing.T) {
	// 1K input + 1K output on haiku: 0.0008 + 0.004.
	cost := CalculateCost("claude-3-5-haiku-20241022", 1000, 1000, 0, 0)
	assert.InDelta(t, 0.0048, cost, 1e-9)

	// Cached input bills at the discount tier, not the input tier.
	withCache := CalculateCost("claude-3-5-haiku-20241022", 0, 0, 1000, 0)
	assert.InDelta(t, 0.00008, withCache, 1e-9)
	assert.Less(t, withCache, CalculateCost("claude-3-5-haiku-20241022", 1000, 0, 0, 0))

	// Unknown models price at the default tier rather than zero.
	assert.Greater(t, CalculateCost("mystery-model", 1000, 0, 0, 0), 0.0)
}
