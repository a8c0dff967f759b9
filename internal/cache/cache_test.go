package cache

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(t *testing.T) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	backend := NewMemoryBackend(16, time.Hour, zap.NewNop())
	t.Cleanup(func() { _ = backend.Close() })
	return New(backend, zap.NewNop(), WithClock(clock.Now)), clock
}

func TestKey_Deterministic(t *testing.T) {
	k1 := Key("GET", "http://a/docs?id=users/1", nil)
	k2 := Key("GET", "http://a/docs?id=users/1", nil)
	k3 := Key("POST", "http://a/docs?id=users/1", nil)
	k4 := Key("GET", "http://a/docs?id=users/1", []byte("x"))
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
}

func TestCache_SetBumpsGenerationReadsDoNot(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	assert.Equal(t, int64(0), c.Generation())
	_, ok := c.Get(ctx, "k", true)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Generation())

	c.Set(ctx, "k", `"1"`, []byte(`{"a":1}`))
	assert.Equal(t, int64(1), c.Generation())

	for i := 0; i < 5; i++ {
		lookup, ok := c.Get(ctx, "k", true)
		require.True(t, ok)
		assert.Equal(t, `"1"`, lookup.Entry.ETag)
	}
	assert.Equal(t, int64(1), c.Generation())
}

func TestCache_NotFreshWithoutAggressive(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", `"1"`, []byte(`{}`))
	lookup, ok := c.Get(ctx, "k", true)
	require.True(t, ok)
	assert.False(t, lookup.Fresh)
	assert.Equal(t, []byte(`{}`), lookup.Entry.Body)
}

func TestCache_AggressiveWindow(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()
	c.SetAggressive(time.Minute)

	c.Set(ctx, "k", `"1"`, []byte(`{}`))

	lookup, ok := c.Get(ctx, "k", true)
	require.True(t, ok)
	assert.True(t, lookup.Fresh)

	// caller asked for revalidation
	lookup, ok = c.Get(ctx, "k", false)
	require.True(t, ok)
	assert.False(t, lookup.Fresh)

	clock.Advance(2 * time.Minute)
	lookup, ok = c.Get(ctx, "k", true)
	require.True(t, ok)
	assert.False(t, lookup.Fresh)

	// a not-modified reply makes it fresh again without a generation bump
	gen := c.Generation()
	c.Touch(ctx, "k", lookup.Entry)
	assert.Equal(t, gen, c.Generation())
	lookup, ok = c.Get(ctx, "k", true)
	require.True(t, ok)
	assert.True(t, lookup.Fresh)
}

func TestCache_NotifyWriteInvalidatesImmediatelyWhenNotAggressive(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "k", `"1"`, []byte(`{}`))
	before := c.Generation()
	c.NotifyWrite()
	c.NotifyWrite()
	assert.Equal(t, before+2, c.Generation())
}

func TestCache_AggressiveWritesAreCoalesced(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()
	c.SetAggressive(time.Minute)

	c.Set(ctx, "k", `"1"`, []byte(`{}`))
	start := c.Generation()

	// first write in the window invalidates
	c.NotifyWrite()
	assert.Equal(t, start+1, c.Generation())
	lookup, ok := c.Get(ctx, "k", true)
	require.True(t, ok)
	assert.False(t, lookup.Fresh)

	c.Set(ctx, "k", `"2"`, []byte(`{}`))
	afterSet := c.Generation()

	// further writes in the same window are batched
	for i := 0; i < 10; i++ {
		c.NotifyWrite()
	}
	assert.Equal(t, afterSet, c.Generation())
	lookup, ok = c.Get(ctx, "k", true)
	require.True(t, ok)
	assert.True(t, lookup.Fresh)

	// once the window elapses the pending invalidation is applied exactly once
	clock.Advance(time.Minute)
	lookup, ok = c.Get(ctx, "k", true)
	require.True(t, ok)
	assert.False(t, lookup.Fresh)
	assert.Equal(t, afterSet+1, c.Generation())

	_, _ = c.Get(ctx, "k", true)
	assert.Equal(t, afterSet+1, c.Generation())
}

func TestCache_InvalidateMakesEntriesStale(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	c.SetAggressive(time.Minute)

	c.Set(ctx, "a", `"1"`, []byte(`{}`))
	c.Set(ctx, "b", `"2"`, []byte(`{}`))
	c.Invalidate()

	for _, k := range []string{"a", "b"} {
		lookup, ok := c.Get(ctx, k, true)
		require.True(t, ok)
		assert.False(t, lookup.Fresh, k)
	}

	c.Remove(ctx, "a")
	_, ok := c.Get(ctx, "a", true)
	assert.False(t, ok)
}

func TestCache_ForeignEntriesAreRevalidated(t *testing.T) {
	backend := NewMemoryBackend(16, time.Hour, nil)
	defer backend.Close()
	ctx := context.Background()

	writer := New(backend, nil)
	reader := New(backend, nil)
	writer.SetAggressive(time.Minute)
	reader.SetAggressive(time.Minute)

	writer.Set(ctx, "k", `"1"`, []byte(`{}`))
	lookup, ok := reader.Get(ctx, "k", true)
	require.True(t, ok)
	assert.False(t, lookup.Fresh)
}

func TestCache_Metrics(t *testing.T) {
	m := metrics.NewMetrics(nil)
	backend := NewMemoryBackend(16, time.Hour, nil)
	defer backend.Close()
	c := New(backend, nil, WithMetrics(m))
	ctx := context.Background()
	c.SetAggressive(time.Minute)

	_, _ = c.Get(ctx, "k", true)
	c.Set(ctx, "k", `"1"`, []byte(`{}`))
	_, _ = c.Get(ctx, "k", true)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMisses))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHits.WithLabelValues("aggressive")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheGeneration))
}
