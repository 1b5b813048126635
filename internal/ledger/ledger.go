package ledger

// Package ledger records every external call's token counts and derived
// cost into per-day, per-hour, and per-agent aggregates in the shared
// store, and evaluates advisory budget thresholds.
//
// The one hard invariant: the three bucket increments for a call happen
// as a single all-or-nothing transaction, so concurrent writers from
// many agent loops never lose or double-count a call.

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/metrics"
	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/store"
)

// Bucket key namespaces. Distinct per granularity so cost data cannot
// collide with cache entries or unrelated tenants of the store.
const (
	dailyKeyPrefix  = "cost:daily:"
	hourlyKeyPrefix = "cost:hourly:"
	agentKeyPrefix  = "cost:agent:"

	dailyBucketTTL  = 60 * 24 * time.Hour // two billing cycles
	hourlyBucketTTL = 14 * 24 * time.Hour

	dateLayout = "2006-01-02"
	hourLayout = "2006-01-02-15"
)

// Bucket field names.
const (
	fieldCalls      = "calls"
	fieldCostUSD    = "cost_usd"
	fieldInputTok   = "input_tokens"
	fieldOutputTok  = "output_tokens"
	fieldCacheRead  = "cache_read_tokens"
	fieldCacheWrite = "cache_write_tokens"
)

// Bucket holds the running totals of one aggregate.
type Bucket struct {
	Calls            int64   `json:"calls"`
	CostUSD          float64 `json:"cost_usd"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
}

// Stats is the aggregate view returned to administrators.
type Stats struct {
	Date        string                      `json:"date"`
	Hour        string                      `json:"hour"`
	Today       Bucket                      `json:"today"`
	CurrentHour Bucket                      `json:"current_hour"`
	ByAgent     map[models.AgentType]Bucket `json:"by_agent"`
}

// BudgetAlert reports advisory budget posture. It never blocks calls;
// throttling on overrun is an agent-level policy decision.
type BudgetAlert struct {
	DailyUsagePercent   float64  `json:"daily_usage_percent"`
	MonthlyUsagePercent float64  `json:"monthly_usage_percent"`
	DailySpendUSD       float64  `json:"daily_spend_usd"`
	MonthlySpendUSD     float64  `json:"monthly_spend_usd"`
	Alerts              []string `json:"alerts"`
}

// Archiver receives a durable copy of every recorded call, typically
// backed by SQLite. Archiving is best effort and never fails a Record.
type Archiver interface {
	Append(ctx context.Context, rec *models.CostRecord) error
}

// Ledger is the atomic cost accounting layer.
type Ledger struct {
	store   store.Store
	log     *zap.Logger
	archive Archiver

	// now is swappable so tests can pin bucket boundaries.
	now func() time.Time
}

// New creates a cost ledger.
func New(s store.Store, log *zap.Logger) *Ledger {
	return &Ledger{store: s, log: log, now: time.Now}
}

// SetClock replaces the time source. Used in tests.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// SetArchive attaches a durable per-record sink.
func (l *Ledger) SetArchive(a Archiver) { l.archive = a }

func dailyKey(t time.Time) string  { return dailyKeyPrefix + t.UTC().Format(dateLayout) }
func hourlyKey(t time.Time) string { return hourlyKeyPrefix + t.UTC().Format(hourLayout) }
func agentKey(agent models.AgentType) string { return agentKeyPrefix + string(agent) }

// Record atomically adds one call's usage to the daily, hourly, and
// per-agent buckets. Either all three see the call or none do.
func (l *Ledger) Record(ctx context.Context, rec *models.CostRecord) error {
	if rec == nil {
		return models.NewValidationError("record", "must not be nil")
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	keys := []struct {
		key string
		ttl time.Duration
	}{
		{dailyKey(ts), dailyBucketTTL},
		{hourlyKey(ts), hourlyBucketTTL},
		{agentKey(rec.AgentType), 0},
	}

	incrs := make([]store.HashIncr, 0, len(keys)*6)
	for _, k := range keys {
		incrs = append(incrs,
			store.HashIncr{Key: k.key, Field: fieldCalls, IntBy: 1, TTL: k.ttl},
			store.HashIncr{Key: k.key, Field: fieldCostUSD, FloatBy: rec.CostUSD, Float: true},
			store.HashIncr{Key: k.key, Field: fieldInputTok, IntBy: rec.InputTokens},
			store.HashIncr{Key: k.key, Field: fieldOutputTok, IntBy: rec.OutputTokens},
			store.HashIncr{Key: k.key, Field: fieldCacheRead, IntBy: rec.CacheReadTokens},
			store.HashIncr{Key: k.key, Field: fieldCacheWrite, IntBy: rec.CacheWriteTokens},
		)
	}

	if err := l.store.HIncr(ctx, incrs); err != nil {
		metrics.StoreErrors.WithLabelValues("ledger").Inc()
		return fmt.Errorf("record cost for %s: %w", rec.AgentType, err)
	}

	metrics.ExternalCallsTotal.WithLabelValues(string(rec.AgentType), rec.Model, "recorded").Inc()
	metrics.TokensUsed.WithLabelValues(string(rec.AgentType), rec.Model, "input").Add(float64(rec.InputTokens))
	metrics.TokensUsed.WithLabelValues(string(rec.AgentType), rec.Model, "output").Add(float64(rec.OutputTokens))
	metrics.TokensUsed.WithLabelValues(string(rec.AgentType), rec.Model, "cache_read").Add(float64(rec.CacheReadTokens))
	metrics.TokensUsed.WithLabelValues(string(rec.AgentType), rec.Model, "cache_write").Add(float64(rec.CacheWriteTokens))
	metrics.CostUSD.WithLabelValues(string(rec.AgentType), rec.Model).Add(rec.CostUSD)

	if l.archive != nil {
		if err := l.archive.Append(ctx, rec); err != nil {
			l.log.Warn("cost archive append failed",
				zap.String("agent", string(rec.AgentType)), zap.Error(err))
		}
	}
	return nil
}

// GetStats returns the current daily, hourly, and per-agent aggregates.
func (l *Ledger) GetStats(ctx context.Context) (*Stats, error) {
	now := l.now()

	today, err := l.readBucket(ctx, dailyKey(now))
	if err != nil {
		return nil, err
	}
	hour, err := l.readBucket(ctx, hourlyKey(now))
	if err != nil {
		return nil, err
	}

	byAgent := make(map[models.AgentType]Bucket)
	agentKeys, err := l.store.Keys(ctx, agentKeyPrefix)
	if err != nil {
		return nil, err
	}
	for _, key := range agentKeys {
		agent := models.AgentType(key[len(agentKeyPrefix):])
		b, err := l.readBucket(ctx, key)
		if err != nil {
			return nil, err
		}
		byAgent[agent] = b
	}

	return &Stats{
		Date:        now.UTC().Format(dateLayout),
		Hour:        now.UTC().Format(hourLayout),
		Today:       today,
		CurrentHour: hour,
		ByAgent:     byAgent,
	}, nil
}

// CheckBudget compares current-period spend to the given limits and
// returns advisory alerts at 80% and 100%. A limit of zero disables
// that period's check.
func (l *Ledger) CheckBudget(ctx context.Context, dailyBudgetUSD, monthlyBudgetUSD float64) (*BudgetAlert, error) {
	if dailyBudgetUSD < 0 || monthlyBudgetUSD < 0 {
		return nil, models.NewValidationError("budget", "limits must not be negative")
	}
	now := l.now()

	today, err := l.readBucket(ctx, dailyKey(now))
	if err != nil {
		return nil, err
	}
	monthSpend, err := l.monthSpend(ctx, now)
	if err != nil {
		return nil, err
	}

	alert := &BudgetAlert{
		DailySpendUSD:   today.CostUSD,
		MonthlySpendUSD: monthSpend,
	}
	if dailyBudgetUSD > 0 {
		alert.DailyUsagePercent = today.CostUSD / dailyBudgetUSD * 100
		metrics.BudgetUsagePercent.WithLabelValues("daily").Set(alert.DailyUsagePercent)
		appendThresholdAlerts(alert, "daily", alert.DailyUsagePercent, today.CostUSD, dailyBudgetUSD)
	}
	if monthlyBudgetUSD > 0 {
		alert.MonthlyUsagePercent = monthSpend / monthlyBudgetUSD * 100
		metrics.BudgetUsagePercent.WithLabelValues("monthly").Set(alert.MonthlyUsagePercent)
		appendThresholdAlerts(alert, "monthly", alert.MonthlyUsagePercent, monthSpend, monthlyBudgetUSD)
	}
	return alert, nil
}

func appendThresholdAlerts(alert *BudgetAlert, period string, pct, spend, limit float64) {
	switch {
	case pct >= 100:
		alert.Alerts = append(alert.Alerts, fmt.Sprintf(
			"%s budget exceeded: $%.2f of $%.2f (%.1f%%)", period, spend, limit, pct))
		metrics.BudgetAlerts.WithLabelValues(period, "100").Inc()
	case pct >= 80:
		alert.Alerts = append(alert.Alerts, fmt.Sprintf(
			"%s budget at %.1f%%: $%.2f of $%.2f", period, pct, spend, limit))
		metrics.BudgetAlerts.WithLabelValues(period, "80").Inc()
	}
}

// monthSpend sums the daily buckets of the current calendar month.
func (l *Ledger) monthSpend(ctx context.Context, now time.Time) (float64, error) {
	monthPrefix := dailyKeyPrefix + now.UTC().Format("2006-01") + "-"
	keys, err := l.store.Keys(ctx, monthPrefix)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, key := range keys {
		b, err := l.readBucket(ctx, key)
		if err != nil {
			return 0, err
		}
		total += b.CostUSD
	}
	return total, nil
}

func (l *Ledger) readBucket(ctx context.Context, key string) (Bucket, error) {
	fields, err := l.store.HGetAll(ctx, key)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("ledger").Inc()
		return Bucket{}, fmt.Errorf("read bucket %s: %w", key, err)
	}
	var b Bucket
	b.Calls = parseInt(fields[fieldCalls])
	b.CostUSD = parseFloat(fields[fieldCostUSD])
	b.InputTokens = parseInt(fields[fieldInputTok])
	b.OutputTokens = parseInt(fields[fieldOutputTok])
	b.CacheReadTokens = parseInt(fields[fieldCacheRead])
	b.CacheWriteTokens = parseInt(fields[fieldCacheWrite])
	return b, nil
}

func parseInt(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
