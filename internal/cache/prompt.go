package cache

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/gridion/gridion-ai/internal/metrics"
	"github.com/gridion/gridion-ai/internal/store"
)

// DefaultPromptTTL matches the provider's cached-input retention window
// with headroom: fragments older than this are re-sent at full price.
const DefaultPromptTTL = 12 * time.Hour

// promptEntry records when a fragment was last shipped to the provider.
type promptEntry struct {
	Fragment  string    `json:"fragment"`
	WrittenAt time.Time `json:"written_at"`
}

// PromptCache tracks which system-prompt fragments the provider has seen
// recently. A hit means the next call can request the cached-input
// billing tier for those tokens instead of paying full input price.
type PromptCache struct {
	store store.Store
	log   *zap.Logger
	ttl   time.Duration
}

// NewPromptCache creates a prompt cache with the default TTL.
func NewPromptCache(s store.Store, log *zap.Logger) *PromptCache {
	return &PromptCache{store: s, log: log, ttl: DefaultPromptTTL}
}

// Get reports whether the fragment was sent to the provider within the
// TTL window. Store outages and corrupt markers read as a miss.
func (p *PromptCache) Get(ctx context.Context, fragment string) bool {
	key := promptKey(fragment)
	raw, found, err := p.store.Get(ctx, key)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("prompt_cache").Inc()
		p.log.Warn("prompt cache read failed, treating as miss", zap.Error(err))
		return false
	}
	if !found {
		metrics.CacheMisses.WithLabelValues("prompt").Inc()
		return false
	}
	var e promptEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		metrics.CacheCorruptEntries.WithLabelValues("prompt").Inc()
		p.log.Warn("deleting corrupt prompt cache entry", zap.String("key", key))
		_ = p.store.Delete(ctx, key)
		return false
	}
	metrics.CacheHits.WithLabelValues("prompt").Inc()
	return true
}

// Put marks the fragment as shipped to the provider.
func (p *PromptCache) Put(ctx context.Context, fragment string) error {
	raw, err := json.Marshal(promptEntry{Fragment: fragment, WrittenAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := p.store.Set(ctx, promptKey(fragment), string(raw), p.ttl); err != nil {
		metrics.StoreErrors.WithLabelValues("prompt_cache").Inc()
		return err
	}
	return nil
}

// Invalidate forgets a fragment.
func (p *PromptCache) Invalidate(ctx context.Context, fragment string) error {
	return p.store.Delete(ctx, promptKey(fragment))
}

// Clear removes every prompt marker. Returns the number deleted.
func (p *PromptCache) Clear(ctx context.Context) (int, error) {
	return p.store.DeleteByPrefix(ctx, promptKeyPrefix)
}
