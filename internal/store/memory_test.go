package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridion/gridion-ai/internal/models"
)

func TestMemoryGetSetTTL(t *testing.T) {
	m := NewMemory()
	now := time.Now()
	m.SetClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", "v", 10*time.Second))

	val, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	// Advance past expiry.
	now = now.Add(11 * time.Second)
	_, found, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemorySetNX(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.SetNX(ctx, "k", "first", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	val, _, _ := m.Get(ctx, "k")
	assert.Equal(t, "first", val)
}

func TestMemoryHIncrConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.HIncr(ctx, []HashIncr{
				{Key: "bucket:a", Field: "calls", IntBy: 1},
				{Key: "bucket:b", Field: "cost", FloatBy: 0.5, Float: true},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	a, err := m.HGetAll(ctx, "bucket:a")
	require.NoError(t, err)
	assert.Equal(t, "100", a["calls"])

	b, err := m.HGetAll(ctx, "bucket:b")
	require.NoError(t, err)
	assert.Equal(t, "50", b["cost"])
}

func TestMemoryDeleteByPrefix(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "response:a", "1", 0))
	require.NoError(t, m.Set(ctx, "response:b", "2", 0))
	require.NoError(t, m.Set(ctx, "prompt:c", "3", 0))

	n, err := m.DeleteByPrefix(ctx, "response:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, found, _ := m.Get(ctx, "prompt:c")
	assert.True(t, found)
}

func TestMemoryListWindow(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	n, err := m.ListAppend(ctx, "batch:x", time.Minute, "e1", "e2")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	vals, err := m.ListRange(ctx, "batch:x")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, vals)

	require.NoError(t, m.Delete(ctx, "batch:x"))
	count, err := m.ListLen(ctx, "batch:x")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestMemoryOffline(t *testing.T) {
	m := NewMemory()
	m.SetOffline(true)
	ctx := context.Background()

	_, _, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	err = m.Set(ctx, "k", "v", 0)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	err = m.HIncr(ctx, []HashIncr{{Key: "h", Field: "f", IntBy: 1}})
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)

	m.SetOffline(false)
	assert.NoError(t, m.Ping(ctx))
}
