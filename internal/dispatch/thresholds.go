package dispatch

import (
	"context"
	"encoding/json"

	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/store"
)

// thresholdsKey is where the process-wide thresholds live in the shared
// store so every worker applies the same gates.
const thresholdsKey = "config:event_thresholds"

// Thresholds is the process-wide event gating configuration. It is
// mutated only through validated administrative updates.
type Thresholds struct {
	// PriceChangePct suppresses price events moving less than this
	// percentage.
	PriceChangePct float64 `json:"price_change_pct"`

	// VolumeSpikeMultiplier suppresses volume events below this multiple
	// of average volume.
	VolumeSpikeMultiplier float64 `json:"volume_spike_multiplier"`

	// VolatilityThreshold suppresses volatility events below this level.
	VolatilityThreshold float64 `json:"volatility_threshold"`

	// MinAIIntervalSeconds is the per (symbol, agent) floor between
	// external calls.
	MinAIIntervalSeconds int `json:"min_ai_interval_seconds"`

	// BatchSize closes a low-priority window once it holds this many
	// events.
	BatchSize int `json:"batch_size"`

	// BatchTimeoutSeconds closes a low-priority window by age.
	BatchTimeoutSeconds int `json:"batch_timeout_seconds"`

	// HighEscapeMultiplier lets a HIGH event through the interval gate
	// when its signal exceeds this multiple of the threshold.
	HighEscapeMultiplier float64 `json:"high_escape_multiplier"`
}

// DefaultThresholds returns the shipped gating configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PriceChangePct:        0.5,
		VolumeSpikeMultiplier: 2.0,
		VolatilityThreshold:   0.02,
		MinAIIntervalSeconds:  60,
		BatchSize:             5,
		BatchTimeoutSeconds:   300,
		HighEscapeMultiplier:  2.0,
	}
}

// Validate rejects out-of-range values. Nothing is clamped silently.
func (t Thresholds) Validate() error {
	if t.PriceChangePct < 0.01 || t.PriceChangePct > 100 {
		return models.NewValidationError("price_change_pct", "must be between 0.01 and 100, got %g", t.PriceChangePct)
	}
	if t.VolumeSpikeMultiplier < 1 || t.VolumeSpikeMultiplier > 100 {
		return models.NewValidationError("volume_spike_multiplier", "must be between 1 and 100, got %g", t.VolumeSpikeMultiplier)
	}
	if t.VolatilityThreshold <= 0 || t.VolatilityThreshold > 10 {
		return models.NewValidationError("volatility_threshold", "must be in (0, 10], got %g", t.VolatilityThreshold)
	}
	if t.MinAIIntervalSeconds < 1 || t.MinAIIntervalSeconds > 86400 {
		return models.NewValidationError("min_ai_interval_seconds", "must be between 1 and 86400, got %d", t.MinAIIntervalSeconds)
	}
	if t.BatchSize < 1 || t.BatchSize > 1000 {
		return models.NewValidationError("batch_size", "must be between 1 and 1000, got %d", t.BatchSize)
	}
	if t.BatchTimeoutSeconds < 1 || t.BatchTimeoutSeconds > 3600 {
		return models.NewValidationError("batch_timeout_seconds", "must be between 1 and 3600, got %d", t.BatchTimeoutSeconds)
	}
	if t.HighEscapeMultiplier < 1 || t.HighEscapeMultiplier > 10 {
		return models.NewValidationError("high_escape_multiplier", "must be between 1 and 10, got %g", t.HighEscapeMultiplier)
	}
	return nil
}

// ThresholdsPatch is a partial administrative update; nil fields keep
// their current value.
type ThresholdsPatch struct {
	PriceChangePct        *float64 `json:"price_change_pct,omitempty"`
	VolumeSpikeMultiplier *float64 `json:"volume_spike_multiplier,omitempty"`
	VolatilityThreshold   *float64 `json:"volatility_threshold,omitempty"`
	MinAIIntervalSeconds  *int     `json:"min_ai_interval_seconds,omitempty"`
	BatchSize             *int     `json:"batch_size,omitempty"`
	BatchTimeoutSeconds   *int     `json:"batch_timeout_seconds,omitempty"`
	HighEscapeMultiplier  *float64 `json:"high_escape_multiplier,omitempty"`
}

func (p ThresholdsPatch) apply(t Thresholds) Thresholds {
	if p.PriceChangePct != nil {
		t.PriceChangePct = *p.PriceChangePct
	}
	if p.VolumeSpikeMultiplier != nil {
		t.VolumeSpikeMultiplier = *p.VolumeSpikeMultiplier
	}
	if p.VolatilityThreshold != nil {
		t.VolatilityThreshold = *p.VolatilityThreshold
	}
	if p.MinAIIntervalSeconds != nil {
		t.MinAIIntervalSeconds = *p.MinAIIntervalSeconds
	}
	if p.BatchSize != nil {
		t.BatchSize = *p.BatchSize
	}
	if p.BatchTimeoutSeconds != nil {
		t.BatchTimeoutSeconds = *p.BatchTimeoutSeconds
	}
	if p.HighEscapeMultiplier != nil {
		t.HighEscapeMultiplier = *p.HighEscapeMultiplier
	}
	return t
}

// loadThresholds reads the shared thresholds, falling back to the given
// local copy when the store has none or is unreachable.
func loadThresholds(ctx context.Context, s store.Store, local Thresholds) Thresholds {
	raw, found, err := s.Get(ctx, thresholdsKey)
	if err != nil || !found {
		return local
	}
	var t Thresholds
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return local
	}
	return t
}
