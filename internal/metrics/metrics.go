package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gating-layer metrics for production monitoring
var (
	// External call metrics
	ExternalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_external_calls_total",
			Help: "Total number of external inference calls",
		},
		[]string{"agent", "model", "status"},
	)

	ExternalCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridion_ai_external_call_duration_seconds",
			Help:    "External inference call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"agent", "model"},
	)

	TokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_tokens_total",
			Help: "Total number of tokens consumed",
		},
		[]string{"agent", "model", "type"}, // type: input/output/cache_read/cache_write
	)

	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_cost_usd_total",
			Help: "Total inference cost in USD",
		},
		[]string{"agent", "model"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache"}, // cache: response/prompt
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache"},
	)

	CacheCorruptEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_cache_corrupt_entries_total",
			Help: "Cache entries deleted because they failed to decode",
		},
		[]string{"cache"},
	)

	// Dispatch metrics
	DispatchDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_dispatch_decisions_total",
			Help: "Event dispatcher decisions",
		},
		[]string{"agent", "decision"}, // decision: call_now/batch/suppress
	)

	BatchFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_batch_flushes_total",
			Help: "Batch windows flushed to a combined call",
		},
		[]string{"agent", "reason"}, // reason: size/timeout
	)

	// Sampling metrics
	SamplingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_sampling_decisions_total",
			Help: "Sampling policy decisions",
		},
		[]string{"agent", "strategy", "allowed"},
	)

	// Budget metrics
	BudgetUsagePercent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gridion_ai_budget_usage_percent",
			Help: "Current budget usage as a percentage of the limit",
		},
		[]string{"period"}, // period: daily/monthly
	)

	BudgetAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_budget_alerts_total",
			Help: "Budget threshold alerts raised",
		},
		[]string{"period", "threshold"}, // threshold: 80/100
	)

	// Store metrics
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridion_ai_store_errors_total",
			Help: "Shared store operations that failed closed",
		},
		[]string{"component"},
	)
)
