package models

// Package models defines core data types shared across the AI gating layer:
// market events, cost records, response-type tags, and the call result
// envelope returned to every consuming agent.

import (
	"time"

	"github.com/google/uuid"
)

// AgentType identifies a consuming decision agent.
type AgentType string

const (
	AgentRegimeClassifier   AgentType = "regime_classifier"
	AgentSignalValidator    AgentType = "signal_validator"
	AgentAnomalyDetector    AgentType = "anomaly_detector"
	AgentPortfolioOptimizer AgentType = "portfolio_optimizer"
)

// Priority classifies the urgency of a market event.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// EventType identifies the kind of market signal an event carries.
type EventType string

const (
	EventPriceMove       EventType = "price_move"
	EventVolumeSpike     EventType = "volume_spike"
	EventVolatilityShift EventType = "volatility_shift"
	EventAnomaly         EventType = "anomaly"
	EventSupportBreak    EventType = "support_break"
	EventResistanceBreak EventType = "resistance_break"
)

// MarketEvent is produced by upstream market-data watchers and consumed
// exactly once by the dispatcher. It is never mutated after creation.
type MarketEvent struct {
	ID        string                 `json:"id"`
	Symbol    string                 `json:"symbol"`
	EventType EventType              `json:"event_type"`
	Priority  Priority               `json:"priority"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewMarketEvent creates an event with a fresh ID and timestamp.
func NewMarketEvent(symbol string, eventType EventType, priority Priority, data map[string]interface{}) *MarketEvent {
	return &MarketEvent{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		EventType: eventType,
		Priority:  priority,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ResponseType tags a cached response with the kind of analysis it holds.
// Cache writes are rejected for types outside the whitelist.
type ResponseType string

const (
	ResponseMarketRegime      ResponseType = "market_regime"
	ResponseSignalValidation  ResponseType = "signal_validation"
	ResponseAnomalyAssessment ResponseType = "anomaly_assessment"
	ResponsePortfolioAdvice   ResponseType = "portfolio_advice"
	ResponseBatchAnalysis     ResponseType = "batch_analysis"
)

// KnownResponseTypes is the whitelist consulted by the response cache.
var KnownResponseTypes = map[ResponseType]bool{
	ResponseMarketRegime:      true,
	ResponseSignalValidation:  true,
	ResponseAnomalyAssessment: true,
	ResponsePortfolioAdvice:   true,
	ResponseBatchAnalysis:     true,
}

// CostRecord captures the token usage and derived cost of one external call.
type CostRecord struct {
	ID               string    `json:"id"`
	AgentType        AgentType `json:"agent_type"`
	Model            string    `json:"model"`
	InputTokens      int64     `json:"input_tokens"`
	OutputTokens     int64     `json:"output_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewCostRecord stamps a record with an ID and timestamp.
func NewCostRecord(agent AgentType, model string, inputTokens, outputTokens, cacheRead, cacheWrite int64, costUSD float64) *CostRecord {
	return &CostRecord{
		ID:               uuid.NewString(),
		AgentType:        agent,
		Model:            model,
		InputTokens:      inputTokens,
		OutputTokens:     outputTokens,
		CacheReadTokens:  cacheRead,
		CacheWriteTokens: cacheWrite,
		CostUSD:          costUSD,
		Timestamp:        time.Now().UTC(),
	}
}

// CallMetadata annotates every orchestrator result so agents can tell a
// fresh completion from a cached, skipped, or failed one.
type CallMetadata struct {
	AICalled     bool    `json:"ai_called"`
	CacheHit     bool    `json:"cache_hit"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	SkipReason   string  `json:"skip_reason,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// CallResult is the uniform envelope returned by the orchestrator.
// A failed call carries a nil Result and a populated Error; a skipped call
// carries a synthesized no-new-information marker. Agents must fall back to
// their rule-based logic in both cases.
type CallResult struct {
	Result   map[string]interface{} `json:"result"`
	Metadata CallMetadata           `json:"metadata"`
}
