package dispatch

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

func newDispatcher(t *testing.T) (*Dispatcher, *store.Memory, *time.Time) {
	t.Helper()
	mem := store.NewMemory()
	d := New(mem, zap.NewNop(), DefaultThresholds())
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	d.SetClock(func() time.Time { return now })
	mem.SetClock(func() time.Time { return now })
	return d, mem, &now
}

func priceEvent(symbol string, priority models.Priority, changePct float64) *models.MarketEvent {
	return models.NewMarketEvent(symbol, models.EventPriceMove, priority,
		map[string]interface{}{"price_change_pct": changePct})
}

func TestCriticalBypassesEveryGate(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	// Zero signal, no data at all: CRITICAL still calls.
	ev := models.NewMarketEvent("BTCUSDT", models.EventAnomaly, models.PriorityCritical, nil)
	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentAnomalyDetector, ev))

	// Even back to back inside the minimum interval.
	ev2 := models.NewMarketEvent("BTCUSDT", models.EventAnomaly, models.PriorityCritical, nil)
	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentAnomalyDetector, ev2))
}

func TestBelowThresholdSuppressed(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	// 0.1% move against a 0.5% threshold.
	ev := priceEvent("BTCUSDT", models.PriorityMedium, 0.1)
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, ev))
}

func TestMediumAboveThresholdCallsNow(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	ev := priceEvent("BTCUSDT", models.PriorityMedium, 0.8)
	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentRegimeClassifier, ev))
}

func TestMinIntervalRateLimitsPerSymbolAgent(t *testing.T) {
	d, _, now := newDispatcher(t)
	ctx := context.Background()
	start := *now

	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityMedium, 1.0)))

	// Same pair 10s later: suppressed by the 60s interval.
	*now = start.Add(10 * time.Second)
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityMedium, 1.0)))

	// Different symbol is not rate limited.
	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("ETHUSDT", models.PriorityMedium, 1.0)))

	// Different agent on the same symbol is not rate limited either.
	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentSignalValidator, priceEvent("BTCUSDT", models.PriorityMedium, 1.0)))

	// Past the interval the original pair may call again.
	*now = start.Add(61 * time.Second)
	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityMedium, 1.0)))
}

func TestHighEscapeValveInsideInterval(t *testing.T) {
	d, _, now := newDispatcher(t)
	ctx := context.Background()
	start := *now

	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityMedium, 1.0)))

	*now = start.Add(5 * time.Second)

	// HIGH with signal below 2x threshold: still rate limited.
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityHigh, 0.9)))

	// HIGH with signal at 2x threshold (1.0%): escapes the interval.
	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityHigh, 1.0)))

	// MEDIUM never escapes, regardless of signal strength.
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityMedium, 50)))
}

func TestMalformedEventSuppressed(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	// Missing the numeric field for its type.
	ev := models.NewMarketEvent("BTCUSDT", models.EventVolumeSpike, models.PriorityMedium,
		map[string]interface{}{"note": "no multiplier here"})
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, ev))

	// Non-numeric field value.
	ev2 := models.NewMarketEvent("BTCUSDT", models.EventPriceMove, models.PriorityMedium,
		map[string]interface{}{"price_change_pct": "a lot"})
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, ev2))

	// Unknown event type.
	ev3 := models.NewMarketEvent("BTCUSDT", models.EventType("lunar_phase"), models.PriorityMedium, nil)
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, ev3))
}

func TestBatchFlushBySize(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	var flushes [][]*models.MarketEvent
	d.OnFlush(func(_ context.Context, agent models.AgentType, symbol string, events []*models.MarketEvent) {
		assert.Equal(t, models.AgentRegimeClassifier, agent)
		assert.Equal(t, "BTCUSDT", symbol)
		flushes = append(flushes, events)
	})

	// batchSize defaults to 5: four LOW events accumulate...
	for i := 0; i < 4; i++ {
		ev := priceEvent("BTCUSDT", models.PriorityLow, 0.6)
		assert.Equal(t, DecisionBatch, d.Submit(ctx, models.AgentRegimeClassifier, ev))
	}
	assert.Empty(t, flushes)

	// ...and the fifth closes the window with exactly one combined call.
	assert.Equal(t, DecisionBatch, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityLow, 0.6)))
	require.Len(t, flushes, 1)
	assert.Len(t, flushes[0], 5)

	// The combined call counts against the rate limit, so an immediate
	// LOW follow-up is suppressed rather than starting a new window.
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityLow, 0.6)))
	assert.Len(t, flushes, 1)
}

func TestBatchFlushByTimeout(t *testing.T) {
	d, _, now := newDispatcher(t)
	ctx := context.Background()
	start := *now

	var flushes [][]*models.MarketEvent
	d.OnFlush(func(_ context.Context, _ models.AgentType, _ string, events []*models.MarketEvent) {
		flushes = append(flushes, events)
	})

	for i := 0; i < 4; i++ {
		d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityLow, 0.6))
	}

	// Sweep before the timeout: nothing closes.
	*now = start.Add(100 * time.Second)
	assert.Equal(t, 0, d.SweepOnce(ctx))
	assert.Empty(t, flushes)

	// Sweep after batchTimeoutSeconds (300): exactly one combined call.
	*now = start.Add(301 * time.Second)
	assert.Equal(t, 1, d.SweepOnce(ctx))
	require.Len(t, flushes, 1)
	assert.Len(t, flushes[0], 4)

	// Nothing left to sweep.
	assert.Equal(t, 0, d.SweepOnce(ctx))
	assert.Len(t, flushes, 1)
}

func TestBatchWindowsArePerSymbol(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	var symbols []string
	d.OnFlush(func(_ context.Context, _ models.AgentType, symbol string, _ []*models.MarketEvent) {
		symbols = append(symbols, symbol)
	})

	for i := 0; i < 5; i++ {
		d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("BTCUSDT", models.PriorityLow, 0.6))
	}
	for i := 0; i < 3; i++ {
		d.Submit(ctx, models.AgentRegimeClassifier, priceEvent("ETHUSDT", models.PriorityLow, 0.6))
	}

	// Only BTCUSDT reached the size threshold.
	assert.Equal(t, []string{"BTCUSDT"}, symbols)
}

func TestUpdateThresholds(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	pct := 2.5
	next, err := d.UpdateThresholds(ctx, ThresholdsPatch{PriceChangePct: &pct})
	require.NoError(t, err)
	assert.Equal(t, 2.5, next.PriceChangePct)
	// Untouched fields keep their defaults.
	assert.Equal(t, 5, next.BatchSize)

	// A 1% move is now below threshold.
	ev := priceEvent("BTCUSDT", models.PriorityMedium, 1.0)
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, ev))
}

func TestUpdateThresholdsRejectsOutOfRange(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	bad := 0.001
	_, err := d.UpdateThresholds(ctx, ThresholdsPatch{PriceChangePct: &bad})
	assert.True(t, models.IsValidation(err))

	interval := 0
	_, err = d.UpdateThresholds(ctx, ThresholdsPatch{MinAIIntervalSeconds: &interval})
	assert.True(t, models.IsValidation(err))

	interval = 86401
	_, err = d.UpdateThresholds(ctx, ThresholdsPatch{MinAIIntervalSeconds: &interval})
	assert.True(t, models.IsValidation(err))

	// Nothing was applied.
	assert.Equal(t, DefaultThresholds(), d.Thresholds(ctx))
}

func TestThresholdsSharedThroughStore(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	d1 := New(mem, zap.NewNop(), DefaultThresholds())
	d2 := New(mem, zap.NewNop(), DefaultThresholds())

	pct := 5.0
	_, err := d1.UpdateThresholds(ctx, ThresholdsPatch{PriceChangePct: &pct})
	require.NoError(t, err)

	// The second dispatcher (another worker) sees the update.
	assert.Equal(t, 5.0, d2.Thresholds(ctx).PriceChangePct)
}

func TestStoreOutageFailsClosed(t *testing.T) {
	d, mem, _ := newDispatcher(t)
	ctx := context.Background()
	mem.SetOffline(true)

	// Non-critical events are suppressed, not crashed on.
	ev := priceEvent("BTCUSDT", models.PriorityMedium, 5.0)
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, ev))

	// LOW events cannot be safely queued either.
	low := priceEvent("BTCUSDT", models.PriorityLow, 5.0)
	assert.Equal(t, DecisionSuppress, d.Submit(ctx, models.AgentRegimeClassifier, low))

	// CRITICAL still calls: safety beats cost accounting.
	crit := models.NewMarketEvent("BTCUSDT", models.EventAnomaly, models.PriorityCritical, nil)
	assert.Equal(t, DecisionCallNow, d.Submit(ctx, models.AgentAnomalyDetector, crit))
}
