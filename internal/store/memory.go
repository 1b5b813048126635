package store

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gridion/gridion-ai/internal/models"
)

// Memory is an in-process Store used by tests and single-process
// development setups. It honors the same TTL and transaction semantics
// as the Redis backend and supports simulating an outage.
type Memory struct {
	mu      sync.Mutex
	values  map[string]memEntry
	hashes  map[string]map[string]string
	hashTTL map[string]time.Time
	lists   map[string]memList
	offline bool

	// now is swappable so tests can drive TTL expiry without sleeping.
	now func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memList struct {
	values    []string
	expiresAt time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:  make(map[string]memEntry),
		hashes:  make(map[string]map[string]string),
		hashTTL: make(map[string]time.Time),
		lists:   make(map[string]memList),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used in tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetOffline toggles outage simulation: while offline every operation
// returns models.ErrStoreUnavailable.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *Memory) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return "", false, models.ErrStoreUnavailable
	}
	e, ok := m.values[key]
	if !ok || m.expired(e.expiresAt) {
		delete(m.values, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return models.ErrStoreUnavailable
	}
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.values[key] = memEntry{value: value, expiresAt: exp}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return false, models.ErrStoreUnavailable
	}
	if e, ok := m.values[key]; ok && !m.expired(e.expiresAt) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.values[key] = memEntry{value: value, expiresAt: exp}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return models.ErrStoreUnavailable
	}
	for _, k := range keys {
		delete(m.values, k)
		delete(m.hashes, k)
		delete(m.hashTTL, k)
		delete(m.lists, k)
	}
	return nil
}

func (m *Memory) DeleteByPrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return 0, models.ErrStoreUnavailable
	}
	deleted := 0
	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			delete(m.values, k)
			deleted++
		}
	}
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) {
			delete(m.hashes, k)
			delete(m.hashTTL, k)
			deleted++
		}
	}
	for k := range m.lists {
		if strings.HasPrefix(k, prefix) {
			delete(m.lists, k)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, models.ErrStoreUnavailable
	}
	if exp, ok := m.hashTTL[key]; ok && m.expired(exp) {
		delete(m.hashes, key)
		delete(m.hashTTL, key)
	}
	out := make(map[string]string, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HIncr(_ context.Context, incrs []HashIncr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return models.ErrStoreUnavailable
	}
	// Single lock covers the whole batch, matching MULTI/EXEC atomicity.
	for _, inc := range incrs {
		h, ok := m.hashes[inc.Key]
		if !ok {
			h = make(map[string]string)
			m.hashes[inc.Key] = h
		}
		if inc.Float {
			cur, _ := strconv.ParseFloat(h[inc.Field], 64)
			h[inc.Field] = strconv.FormatFloat(cur+inc.FloatBy, 'f', -1, 64)
		} else {
			cur, _ := strconv.ParseInt(h[inc.Field], 10, 64)
			h[inc.Field] = strconv.FormatInt(cur+inc.IntBy, 10)
		}
		if inc.TTL > 0 {
			m.hashTTL[inc.Key] = m.now().Add(inc.TTL)
		}
	}
	return nil
}

func (m *Memory) ListAppend(_ context.Context, key string, ttl time.Duration, values ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return 0, models.ErrStoreUnavailable
	}
	l, ok := m.lists[key]
	if ok && m.expired(l.expiresAt) {
		l = memList{}
		ok = false
	}
	l.values = append(l.values, values...)
	if ttl > 0 {
		l.expiresAt = m.now().Add(ttl)
	}
	m.lists[key] = l
	return int64(len(l.values)), nil
}

func (m *Memory) ListRange(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, models.ErrStoreUnavailable
	}
	l, ok := m.lists[key]
	if !ok || m.expired(l.expiresAt) {
		return nil, nil
	}
	out := make([]string, len(l.values))
	copy(out, l.values)
	return out, nil
}

func (m *Memory) ListLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return 0, models.ErrStoreUnavailable
	}
	l, ok := m.lists[key]
	if !ok || m.expired(l.expiresAt) {
		return 0, nil
	}
	return int64(len(l.values)), nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, models.ErrStoreUnavailable
	}
	var keys []string
	for k, e := range m.values {
		if strings.HasPrefix(k, prefix) && !m.expired(e.expiresAt) {
			keys = append(keys, k)
		}
	}
	for k := range m.hashes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	for k, l := range m.lists {
		if strings.HasPrefix(k, prefix) && !m.expired(l.expiresAt) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return models.ErrStoreUnavailable
	}
	return nil
}

func (m *Memory) Close() error { return nil }
