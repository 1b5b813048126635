// Package orchestrator is the façade every decision agent calls instead of
// the external inference service directly.
//
// Responsibilities:
//   - Response cache lookup before anything else
//   - Event gating through the dispatcher when an event accompanies the call
//   - Sampling policy evaluation per agent type
//   - The external call itself, with the prompt cache applied to the system
//     prompt
//   - Cost recording and response cache write-back
//
// The orchestrator never raises past its boundary. External failures come
// back as a CallResult with a populated Error; skipped calls come back with
// a synthesized no-new-information result. Agents treat both as a signal to
// fall back to their rule-based logic.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/cache"
	"github.com/gridion/gridion-ai/internal/dispatch"
	"github.com/gridion/gridion-ai/internal/ledger"
	"github.com/gridion/gridion-ai/internal/llm"
	"github.com/gridion/gridion-ai/internal/metrics"
	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/sampling"
)

// Skip reasons set on CallMetadata when no external call was made.
const (
	SkipSuppressed     = "event_suppressed"
	SkipBatched        = "event_batched"
	SkipSamplingDenied = "sampling_denied"
)

// Request carries everything one gated call needs.
type Request struct {
	Agent        models.AgentType
	ResponseType models.ResponseType
	Prompt       string
	SystemPrompt string

	// Context is the query data the response cache key derives from.
	Context map[string]interface{}

	// Event, when present, is routed through the dispatcher before any
	// sampling or external call.
	Event *models.MarketEvent

	// ObservedValue feeds the agent's sampling policy (price, volatility,
	// anomaly score, whatever the agent's strategy keys on).
	ObservedValue float64

	MaxTokens int
}

// Orchestrator sequences the gating layers around the external client.
type Orchestrator struct {
	responses  *cache.ResponseCache
	prompts    *cache.PromptCache
	sampler    *sampling.Manager
	dispatcher *dispatch.Dispatcher
	costs      *ledger.Ledger
	client     llm.Client
	log        *zap.Logger
}

// New wires the orchestrator from its collaborators.
func New(
	responses *cache.ResponseCache,
	prompts *cache.PromptCache,
	sampler *sampling.Manager,
	dispatcher *dispatch.Dispatcher,
	costs *ledger.Ledger,
	client llm.Client,
	log *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		responses:  responses,
		prompts:    prompts,
		sampler:    sampler,
		dispatcher: dispatcher,
		costs:      costs,
		client:     client,
		log:        log,
	}
}

// Call runs one request through the full gating sequence and always returns
// a usable result envelope.
func (o *Orchestrator) Call(ctx context.Context, req Request) (result *models.CallResult) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("orchestrator panic recovered",
				zap.String("agent", string(req.Agent)),
				zap.Any("panic", r))
			result = failResult(fmt.Sprintf("internal error: %v", r))
		}
	}()

	cached, hit, err := o.responses.Get(ctx, req.ResponseType, req.Context)
	if err != nil {
		// Unknown response type or unserializable context. Reject before
		// anything is spent.
		return failResult(err.Error())
	}
	if hit {
		return &models.CallResult{
			Result:   cached,
			Metadata: models.CallMetadata{AICalled: false, CacheHit: true},
		}
	}

	if req.Event != nil {
		switch o.dispatcher.Submit(ctx, req.Agent, req.Event) {
		case dispatch.DecisionSuppress:
			return skipResult(SkipSuppressed)
		case dispatch.DecisionBatch:
			return skipResult(SkipBatched)
		}
	}

	if !o.sampler.ShouldSample(ctx, req.Agent, req.ObservedValue) {
		return skipResult(SkipSamplingDenied)
	}

	return o.callExternal(ctx, req)
}

// callExternal issues the metered call and settles its accounting.
func (o *Orchestrator) callExternal(ctx context.Context, req Request) *models.CallResult {
	if o.client == nil {
		// Degraded deployment without provider credentials. Agents run on
		// their rule-based logic alone.
		return failResult("no inference client configured")
	}

	var system []llm.SystemFragment
	if req.SystemPrompt != "" {
		// The marker tells us whether the provider should already hold
		// this fragment; the fragment is always sent with a cache marker
		// so reuse lands on the cached-input billing tier.
		o.prompts.Get(ctx, req.SystemPrompt)
		system = append(system, llm.SystemFragment{Text: req.SystemPrompt, Cache: true})
	}

	model := o.client.Model()
	start := time.Now()
	resp, err := o.client.Complete(ctx, llm.Request{
		System:    system,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})
	metrics.ExternalCallDuration.WithLabelValues(string(req.Agent), model).
		Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ExternalCallsTotal.WithLabelValues(string(req.Agent), model, "error").Inc()
		o.log.Warn("external call failed",
			zap.String("agent", string(req.Agent)),
			zap.String("model", model),
			zap.Error(err))
		return failResult(err.Error())
	}
	metrics.ExternalCallsTotal.WithLabelValues(string(req.Agent), model, "ok").Inc()

	if req.SystemPrompt != "" {
		if perr := o.prompts.Put(ctx, req.SystemPrompt); perr != nil {
			o.log.Warn("prompt cache mark failed", zap.Error(perr))
		}
	}

	usage := resp.Usage
	cost := ledger.CalculateCost(model,
		int64(usage.InputTokens), int64(usage.OutputTokens),
		int64(usage.CacheReadTokens), int64(usage.CacheWriteTokens))
	rec := models.NewCostRecord(req.Agent, model,
		int64(usage.InputTokens), int64(usage.OutputTokens),
		int64(usage.CacheReadTokens), int64(usage.CacheWriteTokens), cost)
	if rerr := o.costs.Record(ctx, rec); rerr != nil {
		// The call already happened; losing the bucket increment is an
		// accounting gap, not a reason to fail the agent.
		o.log.Error("cost record failed", zap.Error(rerr))
	}

	payload, perr := decodeCompletion(resp.Text)
	if perr != nil {
		o.log.Warn("malformed completion",
			zap.String("agent", string(req.Agent)),
			zap.Error(perr))
		res := failResult(fmt.Sprintf("malformed completion: %v", perr))
		res.Metadata.AICalled = true
		res.Metadata.CostUSD = cost
		res.Metadata.InputTokens = int64(usage.InputTokens)
		res.Metadata.OutputTokens = int64(usage.OutputTokens)
		return res
	}

	if cerr := o.responses.Put(ctx, req.ResponseType, req.Context, payload); cerr != nil {
		o.log.Warn("response cache write failed", zap.Error(cerr))
	}

	return &models.CallResult{
		Result: payload,
		Metadata: models.CallMetadata{
			AICalled:     true,
			CacheHit:     false,
			CostUSD:      cost,
			InputTokens:  int64(usage.InputTokens),
			OutputTokens: int64(usage.OutputTokens),
		},
	}
}

// decodeCompletion parses the completion text as a JSON object. The agents
// prompt for structured JSON answers; anything else is malformed.
func decodeCompletion(text string) (map[string]interface{}, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("completion is not a JSON object: %w", err)
	}
	return payload, nil
}

// skipResult synthesizes the envelope for a gated-out call.
func skipResult(reason string) *models.CallResult {
	return &models.CallResult{
		Result: map[string]interface{}{"no_new_information": true},
		Metadata: models.CallMetadata{
			AICalled:   false,
			CacheHit:   false,
			SkipReason: reason,
		},
	}
}

// failResult is the envelope for a call that was attempted but failed, or
// rejected before it started.
func failResult(errMsg string) *models.CallResult {
	return &models.CallResult{
		Result:   nil,
		Metadata: models.CallMetadata{Error: errMsg},
	}
}
