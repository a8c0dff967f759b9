package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackend_SetGetDelete(t *testing.T) {
	b := NewMemoryBackend(4, time.Hour, nil)
	defer b.Close()
	ctx := context.Background()

	_, err := b.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Set(ctx, "k", &Entry{ETag: "1"}))
	e, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", e.ETag)
	assert.Equal(t, 1, b.Size())

	require.NoError(t, b.Delete(ctx, "k"))
	assert.Equal(t, 0, b.Size())
}

func TestMemoryBackend_EvictsOldestWhenFull(t *testing.T) {
	b := NewMemoryBackend(2, time.Hour, nil)
	defer b.Close()
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, b.Set(ctx, "old", &Entry{StoredAt: base}))
	require.NoError(t, b.Set(ctx, "new", &Entry{StoredAt: base.Add(time.Second)}))
	require.NoError(t, b.Set(ctx, "newest", &Entry{StoredAt: base.Add(2 * time.Second)}))

	assert.Equal(t, 2, b.Size())
	_, err := b.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = b.Get(ctx, "newest")
	assert.NoError(t, err)

	// overwriting an existing key never evicts
	require.NoError(t, b.Set(ctx, "new", &Entry{StoredAt: base.Add(3 * time.Second)}))
	assert.Equal(t, 2, b.Size())
}

func TestMemoryBackend_Expiry(t *testing.T) {
	b := NewMemoryBackend(2, 10*time.Millisecond, nil)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", &Entry{}))
	time.Sleep(20 * time.Millisecond)
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBackend_CloseIsIdempotent(t *testing.T) {
	b := NewMemoryBackend(2, time.Hour, nil)
	assert.NoError(t, b.Close())
	assert.NoError(t, b.Close())
}
