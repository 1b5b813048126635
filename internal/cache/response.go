package cache

// Package cache implements the two caching tiers in front of the
// external inference service:
//
//   1. Response cache: a complete prior answer for (agent response
//      type, canonicalized query). Hits skip the external call entirely.
//      Short TTLs (1-30 min depending on response type).
//
//   2. Prompt cache: markers for large, slowly-changing prompt
//      fragments (system instructions). A hit does not skip the call; it
//      tells the client to bill those tokens at the provider's
//      cached-input discount tier. Long TTL (12h).
//
// Both tiers live in the shared store, so every worker process sees the
// same cache. Reads never refresh TTL; the store expires entries itself.

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/metrics"
	"github.com/gridion/gridion-ai/internal/models"
	"github.com/gridion/gridion-ai/internal/store"
)

// DefaultMaxPayloadBytes is the decoded-payload ceiling for response
// entries. Oversized entries are never written and deleted on read.
const DefaultMaxPayloadBytes = 1 << 20 // 1 MB

// defaultResponseTTLs maps each response type to its cache lifetime.
// Regime calls change slowly; anomaly assessments go stale fast.
var defaultResponseTTLs = map[models.ResponseType]time.Duration{
	models.ResponseMarketRegime:      30 * time.Minute,
	models.ResponseSignalValidation:  5 * time.Minute,
	models.ResponseAnomalyAssessment: 1 * time.Minute,
	models.ResponsePortfolioAdvice:   15 * time.Minute,
	models.ResponseBatchAnalysis:     10 * time.Minute,
}

// entry is the stored envelope for a cached response.
type entry struct {
	Payload    map[string]interface{} `json:"payload"`
	TTLSeconds int                    `json:"ttl_seconds"`
	WrittenAt  time.Time              `json:"written_at"`
}

// ResponseCache caches full structured answers keyed by
// (responseType, canonicalized query).
type ResponseCache struct {
	store           store.Store
	log             *zap.Logger
	maxPayloadBytes int
	ttls            map[models.ResponseType]time.Duration
}

// NewResponseCache creates a response cache with the default TTL table
// and payload ceiling.
func NewResponseCache(s store.Store, log *zap.Logger) *ResponseCache {
	ttls := make(map[models.ResponseType]time.Duration, len(defaultResponseTTLs))
	for rt, ttl := range defaultResponseTTLs {
		ttls[rt] = ttl
	}
	return &ResponseCache{
		store:           s,
		log:             log,
		maxPayloadBytes: DefaultMaxPayloadBytes,
		ttls:            ttls,
	}
}

// TTLFor returns the cache lifetime for a response type.
func (c *ResponseCache) TTLFor(rt models.ResponseType) time.Duration {
	if ttl, ok := c.ttls[rt]; ok {
		return ttl
	}
	return 5 * time.Minute
}

// Get returns the cached payload for (responseType, query).
//
// A corrupt or oversized entry is deleted and reported as a miss; a
// store outage is also reported as a miss so callers degrade to their
// rule-based fallback instead of blocking.
func (c *ResponseCache) Get(ctx context.Context, rt models.ResponseType, query map[string]interface{}) (map[string]interface{}, bool, error) {
	if !models.KnownResponseTypes[rt] {
		return nil, false, models.NewValidationError("response_type", "unknown response type %q", rt)
	}
	key, err := responseKey(rt, query)
	if err != nil {
		return nil, false, err
	}

	raw, found, err := c.store.Get(ctx, key)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("response_cache").Inc()
		c.log.Warn("response cache read failed, treating as miss",
			zap.String("response_type", string(rt)), zap.Error(err))
		return nil, false, nil
	}
	if !found {
		metrics.CacheMisses.WithLabelValues("response").Inc()
		return nil, false, nil
	}

	if len(raw) > c.maxPayloadBytes {
		c.evictBad(ctx, key, rt, "oversized", len(raw))
		return nil, false, nil
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.Payload == nil {
		c.evictBad(ctx, key, rt, "corrupt", len(raw))
		return nil, false, nil
	}

	metrics.CacheHits.WithLabelValues("response").Inc()
	return e.Payload, true, nil
}

// Put validates and writes a response payload with its type-specific TTL.
func (c *ResponseCache) Put(ctx context.Context, rt models.ResponseType, query, payload map[string]interface{}) error {
	if !models.KnownResponseTypes[rt] {
		return models.NewValidationError("response_type", "unknown response type %q", rt)
	}
	key, err := responseKey(rt, query)
	if err != nil {
		return err
	}

	e := entry{
		Payload:    payload,
		TTLSeconds: int(c.TTLFor(rt).Seconds()),
		WrittenAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return models.NewValidationError("payload", "cannot be serialized: %v", err)
	}
	if len(raw) > c.maxPayloadBytes {
		return models.NewValidationError("payload", "size %d exceeds ceiling %d", len(raw), c.maxPayloadBytes)
	}

	if err := c.store.Set(ctx, key, string(raw), c.TTLFor(rt)); err != nil {
		metrics.StoreErrors.WithLabelValues("response_cache").Inc()
		return err
	}
	return nil
}

// Invalidate removes the entry for (responseType, query).
func (c *ResponseCache) Invalidate(ctx context.Context, rt models.ResponseType, query map[string]interface{}) error {
	key, err := responseKey(rt, query)
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, key)
}

// Clear removes every response entry. Returns the number deleted.
func (c *ResponseCache) Clear(ctx context.Context) (int, error) {
	return c.store.DeleteByPrefix(ctx, responseKeyPrefix)
}

func (c *ResponseCache) evictBad(ctx context.Context, key string, rt models.ResponseType, reason string, size int) {
	metrics.CacheCorruptEntries.WithLabelValues("response").Inc()
	c.log.Warn("deleting bad response cache entry",
		zap.String("response_type", string(rt)),
		zap.String("reason", reason),
		zap.Int("size_bytes", size))
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Warn("failed to delete bad cache entry", zap.Error(err))
	}
}
