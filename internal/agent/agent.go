// Package agent defines the contract between the gating layer and the
// trading-decision agents that consume it. An agent owns a rule-based
// fallback; the gated call is an enhancement, never a dependency. Skipped
// and failed calls both route to the fallback so a store outage or provider
// incident degrades decision quality instead of halting the loop.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/orchestrator"
)

// Fallback is the agent's own rule-based computation, used whenever the
// gated call returns no usable result.
type Fallback interface {
	Evaluate(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// FallbackFunc adapts a plain function to the Fallback interface.
type FallbackFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

func (f FallbackFunc) Evaluate(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, input)
}

// responseTypeFor maps each agent to the response kind it caches under.
var responseTypeFor = map[models.AgentType]models.ResponseType{
	models.AgentRegimeClassifier:   models.ResponseMarketRegime,
	models.AgentSignalValidator:    models.ResponseSignalValidation,
	models.AgentAnomalyDetector:    models.ResponseAnomalyAssessment,
	models.AgentPortfolioOptimizer: models.ResponsePortfolioAdvice,
}

// ResponseTypeFor returns the cache response type for an agent, defaulting
// to batch analysis for unknown agents.
func ResponseTypeFor(agent models.AgentType) models.ResponseType {
	if rt, ok := responseTypeFor[agent]; ok {
		return rt
	}
	return models.ResponseBatchAnalysis
}

// Caller is the orchestrator surface agents depend on.
type Caller interface {
	Call(ctx context.Context, req orchestrator.Request) *models.CallResult
}

// Agent binds one agent type to the gating layer and its fallback.
type Agent struct {
	agentType models.AgentType
	caller    Caller
	fallback  Fallback
	log       *zap.Logger
}

// New builds an agent binding. fallback may be nil for agents that tolerate
// a nil analysis result.
func New(agentType models.AgentType, caller Caller, fallback Fallback, log *zap.Logger) *Agent {
	return &Agent{agentType: agentType, caller: caller, fallback: fallback, log: log}
}

// Type returns the bound agent type.
func (a *Agent) Type() models.AgentType { return a.agentType }

// AnalysisRequest is one analysis the agent wants performed.
type AnalysisRequest struct {
	Prompt        string
	SystemPrompt  string
	Context       map[string]interface{}
	Event         *models.MarketEvent
	ObservedValue float64
}

// Analyze runs the gated call and falls back to rule-based evaluation when
// the call was skipped, failed, or answered with no new information. The
// returned metadata always reflects what the gating layer actually did.
func (a *Agent) Analyze(ctx context.Context, req AnalysisRequest) (map[string]interface{}, models.CallMetadata, error) {
	res := a.caller.Call(ctx, orchestrator.Request{
		Agent:         a.agentType,
		ResponseType:  ResponseTypeFor(a.agentType),
		Prompt:        req.Prompt,
		SystemPrompt:  req.SystemPrompt,
		Context:       req.Context,
		Event:         req.Event,
		ObservedValue: req.ObservedValue,
	})

	if usable(res) {
		return res.Result, res.Metadata, nil
	}

	if a.fallback == nil {
		return nil, res.Metadata, nil
	}

	a.log.Debug("falling back to rule-based evaluation",
		zap.String("agent", string(a.agentType)),
		zap.String("skip_reason", res.Metadata.SkipReason),
		zap.String("error", res.Metadata.Error))

	out, err := a.fallback.Evaluate(ctx, req.Context)
	if err != nil {
		return nil, res.Metadata, err
	}
	return out, res.Metadata, nil
}

// BatchHandler builds a flush handler that analyzes a closed batch window
// with one combined call. The window's events are summarized into a single
// prompt; the usual gating (sampling, caching, cost recording) still applies.
func BatchHandler(caller Caller, log *zap.Logger) func(ctx context.Context, agent models.AgentType, symbol string, events []*models.MarketEvent) {
	return func(ctx context.Context, agent models.AgentType, symbol string, events []*models.MarketEvent) {
		if len(events) == 0 {
			return
		}

		summaries := make([]map[string]interface{}, 0, len(events))
		for _, ev := range events {
			if ev == nil {
				continue
			}
			summaries = append(summaries, map[string]interface{}{
				"event_type": string(ev.EventType),
				"priority":   string(ev.Priority),
				"data":       ev.Data,
				"timestamp":  ev.Timestamp.UTC().Format(time.RFC3339),
			})
		}
		raw, err := json.Marshal(summaries)
		if err != nil {
			log.Warn("batch window encode failed",
				zap.String("agent", string(agent)), zap.String("symbol", symbol), zap.Error(err))
			return
		}

		res := caller.Call(ctx, orchestrator.Request{
			Agent:        agent,
			ResponseType: models.ResponseBatchAnalysis,
			Prompt: fmt.Sprintf(
				"Analyze these %d batched market events for %s as one combined assessment. Respond with a JSON object. Events: %s",
				len(summaries), symbol, raw),
			// The first event's ID keys the cache so each window is distinct.
			Context: map[string]interface{}{
				"symbol":   symbol,
				"window":   events[0].ID,
				"batch_of": len(summaries),
			},
		})

		log.Info("batch window analyzed",
			zap.String("agent", string(agent)),
			zap.String("symbol", symbol),
			zap.Int("events", len(summaries)),
			zap.Bool("ai_called", res.Metadata.AICalled),
			zap.String("skip_reason", res.Metadata.SkipReason),
			zap.String("error", res.Metadata.Error))
	}
}

// usable reports whether a result carries fresh or cached analysis rather
// than a skip marker or a failure.
func usable(res *models.CallResult) bool {
	if res == nil || res.Result == nil {
		return false
	}
	if res.Metadata.Error != "" || res.Metadata.SkipReason != "" {
		return false
	}
	return true
}
