package sampling

// Package sampling decides whether an agent is allowed to issue a fresh
// external call on this tick, independent of caching. One policy record
// per agent type lives in the shared store so every worker process
// applies the same decision state. Strategies are pure functions over
// that record; they never call the external service themselves.
//
// Store outage fails closed: the sample is denied and the agent falls
// back to its rule-based logic.

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/metrics"
	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/store"
)

// Strategy selects how often an agent may call the external service.
type Strategy string

const (
	// StrategyAlways never blocks. For agents whose correctness depends
	// on never missing a check.
	StrategyAlways Strategy = "ALWAYS"

	// StrategyPeriodic allows at most one call per configured interval.
	StrategyPeriodic Strategy = "PERIODIC"

	// StrategyChangeBased allows a call when the observed value moved by
	// a relative threshold since the last allowed call.
	StrategyChangeBased Strategy = "CHANGE_BASED"

	// StrategyThreshold allows a call when the observed value meets an
	// absolute threshold.
	StrategyThreshold Strategy = "THRESHOLD"

	// StrategyAdaptive shrinks the call interval as observed volatility
	// rises and grows it as volatility falls.
	StrategyAdaptive Strategy = "ADAPTIVE"
)

// knownStrategies is the whitelist for administrative configuration.
var knownStrategies = map[Strategy]bool{
	StrategyAlways:      true,
	StrategyPeriodic:    true,
	StrategyChangeBased: true,
	StrategyThreshold:   true,
	StrategyAdaptive:    true,
}

const (
	// relEpsilon guards the relative-change division when the previous
	// observation was zero.
	relEpsilon = 1e-9

	// ewmaAlpha weights the newest observation in the adaptive
	// volatility estimate.
	ewmaAlpha = 0.3
)

// Policy is the persisted per-agent sampling state.
type Policy struct {
	AgentType         models.AgentType   `json:"agent_type"`
	Strategy          Strategy           `json:"strategy"`
	Config            map[string]float64 `json:"config"`
	LastCallAt        time.Time          `json:"last_call_at"`
	LastObservedValue float64            `json:"last_observed_value"`
	Volatility        float64            `json:"volatility"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

func (p *Policy) cfg(key string, fallback float64) float64 {
	if v, ok := p.Config[key]; ok {
		return v
	}
	return fallback
}

// defaultPolicies seeds each agent type at process start. Administrative
// reconfiguration overwrites these in the store.
func defaultPolicies() map[models.AgentType]Policy {
	return map[models.AgentType]Policy{
		models.AgentRegimeClassifier: {
			Strategy: StrategyPeriodic,
			Config:   map[string]float64{"intervalSeconds": 300},
		},
		models.AgentSignalValidator: {
			Strategy: StrategyAlways,
			Config:   map[string]float64{},
		},
		models.AgentAnomalyDetector: {
			Strategy: StrategyChangeBased,
			Config:   map[string]float64{"threshold": 0.02},
		},
		models.AgentPortfolioOptimizer: {
			Strategy: StrategyAdaptive,
			Config: map[string]float64{
				"minIntervalSeconds": 60,
				"maxIntervalSeconds": 3600,
				"volatilityScale":    0.05,
			},
		},
	}
}

func policyKey(agent models.AgentType) string {
	return "sampling:policy:" + string(agent)
}

// Manager evaluates and administers sampling policies.
type Manager struct {
	store store.Store
	log   *zap.Logger

	// now is swappable so tests can drive interval logic without sleeping.
	now func() time.Time
}

// NewManager creates a sampling policy manager.
func NewManager(s store.Store, log *zap.Logger) *Manager {
	return &Manager{store: s, log: log, now: time.Now}
}

// SetClock replaces the time source. Used in tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// ShouldSample reports whether agent may call the external service this
// tick given the latest observed value. Policy state (last call time,
// last observation, volatility estimate) is updated in the store on an
// allowed decision.
//
// The read-then-write is deliberately lock-free: two concurrent callers
// may both pass the check, and the cost of an occasional duplicate call
// is cheaper than distributed locking.
func (m *Manager) ShouldSample(ctx context.Context, agent models.AgentType, observed float64) bool {
	policy, err := m.load(ctx, agent)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("sampling").Inc()
		m.log.Warn("sampling policy read failed, denying sample",
			zap.String("agent", string(agent)), zap.Error(err))
		return false
	}

	allowed, changed := evaluate(policy, observed, m.now())
	if changed {
		if err := m.save(ctx, agent, policy); err != nil {
			// The decision stands; worst case the next tick re-evaluates
			// against slightly stale state.
			m.log.Warn("sampling policy write failed",
				zap.String("agent", string(agent)), zap.Error(err))
		}
	}

	metrics.SamplingDecisions.WithLabelValues(
		string(agent), string(policy.Strategy), strconv.FormatBool(allowed)).Inc()
	return allowed
}

// evaluate applies the policy's strategy to the observation. It mutates
// policy in place and reports whether the state changed.
func evaluate(p *Policy, observed float64, now time.Time) (allowed, changed bool) {
	switch p.Strategy {
	case StrategyAlways:
		return true, false

	case StrategyPeriodic:
		interval := time.Duration(p.cfg("intervalSeconds", 300)) * time.Second
		if now.Sub(p.LastCallAt) >= interval {
			p.LastCallAt = now
			p.UpdatedAt = now
			return true, true
		}
		return false, false

	case StrategyChangeBased:
		threshold := p.cfg("threshold", 0.01)
		rel := math.Abs(observed-p.LastObservedValue) / math.Max(math.Abs(p.LastObservedValue), relEpsilon)
		if rel >= threshold {
			p.LastObservedValue = observed
			p.LastCallAt = now
			p.UpdatedAt = now
			return true, true
		}
		return false, false

	case StrategyThreshold:
		return observed >= p.cfg("threshold", 0), false

	case StrategyAdaptive:
		minI := time.Duration(p.cfg("minIntervalSeconds", 60)) * time.Second
		maxI := time.Duration(p.cfg("maxIntervalSeconds", 3600)) * time.Second
		scale := p.cfg("volatilityScale", 0.05)

		// No baseline yet: the first observation seeds the estimate
		// instead of skewing it.
		rel := 0.0
		if p.LastObservedValue != 0 {
			rel = math.Abs(observed-p.LastObservedValue) / math.Abs(p.LastObservedValue)
		}
		p.Volatility = ewmaAlpha*rel + (1-ewmaAlpha)*p.Volatility
		p.LastObservedValue = observed
		p.UpdatedAt = now
		changed = true

		ratio := 0.0
		if scale > 0 {
			ratio = math.Min(p.Volatility/scale, 1)
		}
		interval := maxI - time.Duration(ratio*float64(maxI-minI))
		if interval < minI {
			interval = minI
		}
		if now.Sub(p.LastCallAt) >= interval {
			p.LastCallAt = now
			return true, true
		}
		return false, changed

	default:
		// Unknown strategy in the store: deny rather than guess.
		return false, false
	}
}

// Configure validates and installs a strategy for an agent type.
// Existing decision state (last call, volatility) is reset.
func (m *Manager) Configure(ctx context.Context, agent models.AgentType, strategy Strategy, config map[string]float64) error {
	if !knownStrategies[strategy] {
		return models.NewValidationError("strategy", "unknown strategy %q", strategy)
	}
	if config == nil {
		config = map[string]float64{}
	}
	if err := validateConfig(strategy, config); err != nil {
		return err
	}

	policy := &Policy{
		AgentType: agent,
		Strategy:  strategy,
		Config:    config,
		UpdatedAt: m.now(),
	}
	if err := m.save(ctx, agent, policy); err != nil {
		metrics.StoreErrors.WithLabelValues("sampling").Inc()
		return err
	}
	m.log.Info("sampling strategy configured",
		zap.String("agent", string(agent)),
		zap.String("strategy", string(strategy)))
	return nil
}

// GetPolicy returns the effective policy for an agent type.
func (m *Manager) GetPolicy(ctx context.Context, agent models.AgentType) (*Policy, error) {
	return m.load(ctx, agent)
}

func validateConfig(strategy Strategy, config map[string]float64) error {
	inRange := func(field string, v, lo, hi float64) error {
		if v < lo || v > hi {
			return models.NewValidationError(field, "must be between %g and %g, got %g", lo, hi, v)
		}
		return nil
	}

	switch strategy {
	case StrategyPeriodic:
		v, ok := config["intervalSeconds"]
		if !ok {
			return models.NewValidationError("intervalSeconds", "required for PERIODIC")
		}
		return inRange("intervalSeconds", v, 1, 86400)

	case StrategyChangeBased:
		v, ok := config["threshold"]
		if !ok {
			return models.NewValidationError("threshold", "required for CHANGE_BASED")
		}
		if v <= 0 || v > 10 {
			return models.NewValidationError("threshold", "must be in (0, 10], got %g", v)
		}

	case StrategyThreshold:
		v, ok := config["threshold"]
		if !ok {
			return models.NewValidationError("threshold", "required for THRESHOLD")
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.NewValidationError("threshold", "must be finite")
		}

	case StrategyAdaptive:
		minI, ok := config["minIntervalSeconds"]
		if !ok {
			return models.NewValidationError("minIntervalSeconds", "required for ADAPTIVE")
		}
		maxI, ok := config["maxIntervalSeconds"]
		if !ok {
			return models.NewValidationError("maxIntervalSeconds", "required for ADAPTIVE")
		}
		if err := inRange("minIntervalSeconds", minI, 1, 86400); err != nil {
			return err
		}
		if err := inRange("maxIntervalSeconds", maxI, 1, 86400); err != nil {
			return err
		}
		if minI > maxI {
			return models.NewValidationError("minIntervalSeconds", "must not exceed maxIntervalSeconds")
		}
		if scale, ok := config["volatilityScale"]; ok && scale <= 0 {
			return models.NewValidationError("volatilityScale", "must be positive, got %g", scale)
		}
	}
	return nil
}

func (m *Manager) load(ctx context.Context, agent models.AgentType) (*Policy, error) {
	raw, found, err := m.store.Get(ctx, policyKey(agent))
	if err != nil {
		return nil, err
	}
	if !found {
		if def, ok := defaultPolicies()[agent]; ok {
			def.AgentType = agent
			return &def, nil
		}
		// Unknown agent types get the conservative default.
		return &Policy{
			AgentType: agent,
			Strategy:  StrategyPeriodic,
			Config:    map[string]float64{"intervalSeconds": 300},
		}, nil
	}
	var p Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode sampling policy for %s: %w", agent, err)
	}
	return &p, nil
}

func (m *Manager) save(ctx context.Context, agent models.AgentType, p *Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode sampling policy for %s: %w", agent, err)
	}
	// Policies live for the life of the deployment; no TTL.
	return m.store.Set(ctx, policyKey(agent), string(raw), 0)
}
