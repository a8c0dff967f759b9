// Package cache implements the response cache shared by all sessions of a store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lookup is the outcome of a cache read
type Lookup struct {
	Entry *Entry
	// Fresh entries may be served without contacting the server
	Fresh bool
}

// Cache is a keyed response cache with a generation counter. The generation
// advances whenever an entry is stored or the cache is invalidated, never on
// reads. Entries stamped below the last invalidation are never served fresh.
type Cache struct {
	backend Backend
	owner   string
	logger  *zap.Logger
	metrics *metrics.Metrics

	generation int64
	validAfter int64
	aggressive int64

	mu       sync.Mutex
	dirty    bool
	lastBump time.Time
	now      func() time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithMetrics publishes cache metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock overrides the clock
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over backend
func New(backend Backend, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		backend: backend,
		owner:   uuid.NewString(),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the cache key of a request
func Key(method, url string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Generation returns the current generation
func (c *Cache) Generation() int64 {
	return atomic.LoadInt64(&c.generation)
}

// SetAggressive enables aggressive caching for d; zero disables it
func (c *Cache) SetAggressive(d time.Duration) {
	atomic.StoreInt64(&c.aggressive, int64(d))
	if d <= 0 {
		c.mu.Lock()
		c.flushLocked(true)
		c.mu.Unlock()
	}
}

// AggressiveDuration returns the aggressive caching window, zero when disabled
func (c *Cache) AggressiveDuration() time.Duration {
	return time.Duration(atomic.LoadInt64(&c.aggressive))
}

// Get looks up key. allowAggressive is false when the caller requires revalidation.
func (c *Cache) Get(ctx context.Context, key string, allowAggressive bool) (Lookup, bool) {
	entry, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("Cache backend read failed", zap.Error(err))
		}
		c.recordMiss()
		return Lookup{}, false
	}

	window := c.AggressiveDuration()
	if allowAggressive && window > 0 {
		c.mu.Lock()
		c.flushLocked(false)
		c.mu.Unlock()

		if entry.Owner == c.owner &&
			entry.Generation >= atomic.LoadInt64(&c.validAfter) &&
			c.now().Sub(entry.StoredAt) < window {
			if c.metrics != nil {
				c.metrics.RecordCacheHit("aggressive")
			}
			return Lookup{Entry: entry, Fresh: true}, true
		}
	}
	return Lookup{Entry: entry}, true
}

// Set stores a response and advances the generation
func (c *Cache) Set(ctx context.Context, key, etag string, body []byte) {
	gen := c.bump()
	entry := &Entry{
		ETag:       etag,
		Body:       body,
		StoredAt:   c.now(),
		Generation: gen,
		Owner:      c.owner,
	}
	if err := c.backend.Set(ctx, key, entry); err != nil {
		c.logger.Warn("Cache backend write failed", zap.Error(err))
	}
}

// Touch records that the server confirmed the entry with a not-modified reply.
// The entry is re-stamped with the current generation, which is not advanced.
func (c *Cache) Touch(ctx context.Context, key string, entry *Entry) {
	if c.metrics != nil {
		c.metrics.RecordCacheHit("not_modified")
	}
	if c.AggressiveDuration() <= 0 {
		return
	}
	touched := *entry
	touched.StoredAt = c.now()
	touched.Generation = c.Generation()
	touched.Owner = c.owner
	if err := c.backend.Set(ctx, key, &touched); err != nil {
		c.logger.Warn("Cache backend write failed", zap.Error(err))
	}
}

// Remove drops a single entry
func (c *Cache) Remove(ctx context.Context, key string) {
	if err := c.backend.Delete(ctx, key); err != nil {
		c.logger.Warn("Cache backend delete failed", zap.Error(err))
	}
	c.invalidate()
}

// Invalidate makes every current entry stale
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.dirty = false
	c.lastBump = c.now()
	c.mu.Unlock()
	c.invalidate()
}

// NotifyWrite reports a structural write. Without aggressive caching every write
// invalidates immediately; with it, writes inside one window are coalesced into
// a single invalidation.
func (c *Cache) NotifyWrite() {
	if c.AggressiveDuration() <= 0 {
		c.invalidate()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.now().Sub(c.lastBump) >= c.AggressiveDuration() {
		c.lastBump = c.now()
		c.dirty = false
		c.invalidate()
		return
	}
	c.dirty = true
}

// Size returns the number of entries in the backend
func (c *Cache) Size() int {
	return c.backend.Size()
}

// Close closes the backend
func (c *Cache) Close() error {
	return c.backend.Close()
}

// flushLocked applies a coalesced invalidation once its window elapsed
func (c *Cache) flushLocked(force bool) {
	if !c.dirty {
		return
	}
	if force || c.now().Sub(c.lastBump) >= c.AggressiveDuration() {
		c.dirty = false
		c.lastBump = c.now()
		c.invalidate()
	}
}

func (c *Cache) invalidate() {
	gen := c.bump()
	for {
		current := atomic.LoadInt64(&c.validAfter)
		if current >= gen || atomic.CompareAndSwapInt64(&c.validAfter, current, gen) {
			break
		}
	}
	c.logger.Debug("Cache invalidated", zap.Int64("generation", gen))
}

func (c *Cache) bump() int64 {
	gen := atomic.AddInt64(&c.generation, 1)
	if c.metrics != nil {
		c.metrics.UpdateCacheGeneration(gen)
	}
	return gen
}

func (c *Cache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}
