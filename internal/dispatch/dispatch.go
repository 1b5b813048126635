package dispatch

// Package dispatch classifies incoming market events into call/batch/
// suppress decisions. It is the cost-control choke point in front of
// the external inference service:
//
//   - CRITICAL events bypass every gate (safety overrides cost control)
//   - events below their numeric signal threshold are suppressed
//   - a per (symbol, agent) minimum interval rate-limits calls, with an
//     escape valve for HIGH events in fast-moving markets
//   - LOW events accumulate in per-symbol batch windows, flushed as one
//     combined call by size or age
//
// All decision state (last-call timestamps, batch windows, thresholds)
// lives in the shared store so independently scaled worker processes
// agree. The interval check is read-then-write without locking: two
// concurrent callers may both pass, which is an accepted bounded cost.

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/metrics"
	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/store"
)

// Decision is the dispatcher's verdict for one submitted event.
type Decision string

const (
	DecisionCallNow  Decision = "CALL_NOW"
	DecisionBatch    Decision = "BATCH"
	DecisionSuppress Decision = "SUPPRESS"
)

const (
	lastCallKeyPrefix  = "dispatch:lastcall:"
	batchKeyPrefix     = "dispatch:batch:"
	batchMetaKeyPrefix = "dispatch:batchmeta:"

	// lastCallTTL bounds how long stale rate-limit stamps linger for
	// symbols that stopped trading.
	lastCallTTL = 24 * time.Hour
)

func lastCallKey(agent models.AgentType, symbol string) string {
	return lastCallKeyPrefix + string(agent) + ":" + symbol
}

func batchKey(agent models.AgentType, symbol string) string {
	return batchKeyPrefix + string(agent) + ":" + symbol
}

func batchMetaKey(agent models.AgentType, symbol string) string {
	return batchMetaKeyPrefix + string(agent) + ":" + symbol
}

// FlushFunc receives a closed batch window: all queued events for one
// (agent, symbol) pair, to be analyzed in a single combined call.
type FlushFunc func(ctx context.Context, agent models.AgentType, symbol string, events []*models.MarketEvent)

// DecisionFunc observes every verdict the dispatcher hands out.
type DecisionFunc func(agent models.AgentType, event *models.MarketEvent, decision Decision)

// Dispatcher applies the decision algorithm and manages batch windows.
type Dispatcher struct {
	store store.Store
	log   *zap.Logger

	mu    sync.RWMutex
	local Thresholds

	onFlush    FlushFunc
	onDecision DecisionFunc

	now func() time.Time
}

// New creates a dispatcher with the given local threshold defaults.
func New(s store.Store, log *zap.Logger, defaults Thresholds) *Dispatcher {
	return &Dispatcher{
		store: s,
		log:   log,
		local: defaults,
		now:   time.Now,
	}
}

// SetClock replaces the time source. Used in tests.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// OnFlush registers the handler invoked with each closed batch window.
func (d *Dispatcher) OnFlush(fn FlushFunc) { d.onFlush = fn }

// OnDecision registers an observer for every Submit verdict.
func (d *Dispatcher) OnDecision(fn DecisionFunc) { d.onDecision = fn }

// Thresholds returns the currently effective configuration.
func (d *Dispatcher) Thresholds(ctx context.Context) Thresholds {
	d.mu.RLock()
	local := d.local
	d.mu.RUnlock()
	return loadThresholds(ctx, d.store, local)
}

// UpdateThresholds applies a validated partial update and persists the
// result to the shared store. Out-of-range values are rejected whole;
// nothing is partially applied.
func (d *Dispatcher) UpdateThresholds(ctx context.Context, patch ThresholdsPatch) (Thresholds, error) {
	current := d.Thresholds(ctx)
	next := patch.apply(current)
	if err := next.Validate(); err != nil {
		return current, err
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return current, fmt.Errorf("encode thresholds: %w", err)
	}
	if err := d.store.Set(ctx, thresholdsKey, string(raw), 0); err != nil {
		metrics.StoreErrors.WithLabelValues("dispatch").Inc()
		return current, err
	}

	d.mu.Lock()
	d.local = next
	d.mu.Unlock()

	d.log.Info("event thresholds updated",
		zap.Float64("price_change_pct", next.PriceChangePct),
		zap.Int("min_ai_interval_seconds", next.MinAIIntervalSeconds),
		zap.Int("batch_size", next.BatchSize))
	return next, nil
}

// Submit runs the decision algorithm for one event on behalf of agent.
//
// Malformed events (missing the numeric field for their type) are
// suppressed and logged, never fatal. Store outages also suppress: a
// skipped call degrades the agent to rule-based logic, a crash would
// take down the trading loop.
func (d *Dispatcher) Submit(ctx context.Context, agent models.AgentType, event *models.MarketEvent) Decision {
	decision := d.decide(ctx, agent, event)
	metrics.DispatchDecisions.WithLabelValues(string(agent), string(decision)).Inc()
	if d.onDecision != nil {
		d.onDecision(agent, event, decision)
	}
	return decision
}

func (d *Dispatcher) decide(ctx context.Context, agent models.AgentType, event *models.MarketEvent) Decision {
	if event == nil {
		return DecisionSuppress
	}
	now := d.now()

	// 1. Safety overrides cost control.
	if event.Priority == models.PriorityCritical {
		d.touchLastCall(ctx, agent, event.Symbol, now)
		return DecisionCallNow
	}

	th := d.Thresholds(ctx)

	// 2. Numeric signal vs threshold.
	signal, threshold, err := signalFor(event, th)
	if err != nil {
		d.log.Warn("cannot compute event signal, suppressing",
			zap.String("agent", string(agent)),
			zap.String("symbol", event.Symbol),
			zap.String("event_type", string(event.EventType)),
			zap.Error(err))
		return DecisionSuppress
	}
	if signal < threshold {
		return DecisionSuppress
	}

	// 3. Per (symbol, agent) minimum interval, with the HIGH escape
	// valve for fast-moving markets.
	if d.withinMinInterval(ctx, agent, event.Symbol, now, th) {
		escape := event.Priority == models.PriorityHigh && signal >= th.HighEscapeMultiplier*threshold
		if !escape {
			return DecisionSuppress
		}
	}

	// 4. HIGH and MEDIUM call immediately.
	if event.Priority == models.PriorityHigh || event.Priority == models.PriorityMedium {
		d.touchLastCall(ctx, agent, event.Symbol, now)
		return DecisionCallNow
	}

	// 5. LOW accumulates in the symbol's batch window.
	return d.enqueue(ctx, agent, event, now, th)
}

// signalFor extracts the numeric signal relevant to the event type and
// the threshold it competes against.
func signalFor(event *models.MarketEvent, th Thresholds) (signal, threshold float64, err error) {
	field := ""
	switch event.EventType {
	case models.EventPriceMove, models.EventSupportBreak, models.EventResistanceBreak:
		field, threshold = "price_change_pct", th.PriceChangePct
	case models.EventVolumeSpike:
		field, threshold = "volume_multiplier", th.VolumeSpikeMultiplier
	case models.EventVolatilityShift:
		field, threshold = "volatility", th.VolatilityThreshold
	case models.EventAnomaly:
		// Anomaly signals have no suppression floor; priority governs.
		field, threshold = "score", 0
	default:
		return 0, 0, fmt.Errorf("unknown event type %q", event.EventType)
	}

	raw, ok := event.Data[field]
	if !ok {
		return 0, 0, fmt.Errorf("event data missing %q", field)
	}
	switch v := raw.(type) {
	case float64:
		return v, threshold, nil
	case int:
		return float64(v), threshold, nil
	case json.Number:
		f, convErr := v.Float64()
		if convErr != nil {
			return 0, 0, fmt.Errorf("event field %q not numeric: %v", field, convErr)
		}
		return f, threshold, nil
	default:
		return 0, 0, fmt.Errorf("event field %q has type %T, want number", field, raw)
	}
}

// withinMinInterval reports whether the last call for (agent, symbol)
// was closer than the minimum interval. Store failures read as "inside
// the interval" so an outage suppresses rather than floods.
func (d *Dispatcher) withinMinInterval(ctx context.Context, agent models.AgentType, symbol string, now time.Time, th Thresholds) bool {
	raw, found, err := d.store.Get(ctx, lastCallKey(agent, symbol))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("dispatch").Inc()
		return true
	}
	if !found {
		return false
	}
	lastUnix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return now.Sub(time.Unix(lastUnix, 0)) < time.Duration(th.MinAIIntervalSeconds)*time.Second
}

func (d *Dispatcher) touchLastCall(ctx context.Context, agent models.AgentType, symbol string, now time.Time) {
	key := lastCallKey(agent, symbol)
	if err := d.store.Set(ctx, key, strconv.FormatInt(now.Unix(), 10), lastCallTTL); err != nil {
		metrics.StoreErrors.WithLabelValues("dispatch").Inc()
		d.log.Warn("failed to record last call time", zap.String("key", key), zap.Error(err))
	}
}

// enqueue appends the event to its (agent, symbol) batch window,
// opening the window if this is the first event, and flushes by size.
func (d *Dispatcher) enqueue(ctx context.Context, agent models.AgentType, event *models.MarketEvent, now time.Time, th Thresholds) Decision {
	raw, err := json.Marshal(event)
	if err != nil {
		d.log.Warn("cannot serialize event for batching", zap.Error(err))
		return DecisionSuppress
	}

	windowTTL := 2 * time.Duration(th.BatchTimeoutSeconds) * time.Second
	n, err := d.store.ListAppend(ctx, batchKey(agent, event.Symbol), windowTTL, string(raw))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("dispatch").Inc()
		d.log.Warn("batch append failed, suppressing",
			zap.String("symbol", event.Symbol), zap.Error(err))
		return DecisionSuppress
	}

	// Record openedAt only for a fresh window.
	if _, err := d.store.SetNX(ctx, batchMetaKey(agent, event.Symbol),
		strconv.FormatInt(now.Unix(), 10), windowTTL); err != nil {
		metrics.StoreErrors.WithLabelValues("dispatch").Inc()
	}

	if n >= int64(th.BatchSize) {
		d.flush(ctx, agent, event.Symbol, "size")
	}
	return DecisionBatch
}

// flush closes the (agent, symbol) window and hands its events to the
// registered handler as one combined call.
func (d *Dispatcher) flush(ctx context.Context, agent models.AgentType, symbol, reason string) {
	listKey := batchKey(agent, symbol)
	rawEvents, err := d.store.ListRange(ctx, listKey)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("dispatch").Inc()
		d.log.Warn("batch flush read failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	if err := d.store.Delete(ctx, listKey, batchMetaKey(agent, symbol)); err != nil {
		metrics.StoreErrors.WithLabelValues("dispatch").Inc()
	}
	if len(rawEvents) == 0 {
		return
	}

	events := make([]*models.MarketEvent, 0, len(rawEvents))
	for _, raw := range rawEvents {
		var ev models.MarketEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			d.log.Warn("dropping undecodable batched event", zap.String("symbol", symbol))
			continue
		}
		events = append(events, &ev)
	}
	if len(events) == 0 {
		return
	}

	metrics.BatchFlushes.WithLabelValues(string(agent), reason).Inc()
	d.touchLastCall(ctx, agent, symbol, d.now())
	d.log.Info("batch window flushed",
		zap.String("agent", string(agent)),
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.Int("events", len(events)))

	if d.onFlush != nil {
		d.onFlush(ctx, agent, symbol, events)
	}
}

// SweepOnce closes every window whose size or age threshold is
// exceeded. Returns the number of windows flushed.
func (d *Dispatcher) SweepOnce(ctx context.Context) int {
	th := d.Thresholds(ctx)
	now := d.now()

	metaKeys, err := d.store.Keys(ctx, batchMetaKeyPrefix)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("dispatch").Inc()
		return 0
	}

	flushed := 0
	for _, metaKey := range metaKeys {
		agent, symbol, ok := parseBatchMetaKey(metaKey)
		if !ok {
			continue
		}

		expired := false
		if raw, found, err := d.store.Get(ctx, metaKey); err == nil && found {
			if openedUnix, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
				age := now.Sub(time.Unix(openedUnix, 0))
				expired = age >= time.Duration(th.BatchTimeoutSeconds)*time.Second
			}
		}

		full := false
		if n, err := d.store.ListLen(ctx, batchKey(agent, symbol)); err == nil {
			full = n >= int64(th.BatchSize)
		}

		if expired || full {
			reason := "timeout"
			if full {
				reason = "size"
			}
			d.flush(ctx, agent, symbol, reason)
			flushed++
		}
	}
	return flushed
}

// RunSweeper periodically closes aged batch windows until ctx is done.
func (d *Dispatcher) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SweepOnce(ctx)
		}
	}
}

func parseBatchMetaKey(key string) (models.AgentType, string, bool) {
	rest := key[len(batchMetaKeyPrefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ':' {
			return models.AgentType(rest[:i]), rest[i+1:], true
		}
	}
	return "", "", false
}
