package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryBackend implements Backend using an in-memory map
type MemoryBackend struct {
	data    map[string]*memoryItem
	mu      sync.RWMutex
	maxSize int
	ttl     time.Duration
	logger  *zap.Logger
	stopCh  chan struct{}
	once    sync.Once
}

type memoryItem struct {
	entry     *Entry
	expiresAt time.Time
}

// NewMemoryBackend creates a new in-memory backend holding at most maxSize
// entries, each kept for ttl
func NewMemoryBackend(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &MemoryBackend{
		data:    make(map[string]*memoryItem),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	// Start cleanup goroutine
	go b.cleanup(time.Minute)

	return b
}

// Get retrieves an entry
func (b *MemoryBackend) Get(ctx context.Context, key string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	item, exists := b.data[key]
	if !exists || time.Now().After(item.expiresAt) {
		return nil, ErrNotFound
	}
	return item.entry, nil
}

// Set stores an entry, evicting when full
func (b *MemoryBackend) Set(ctx context.Context, key string, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.data[key]; !exists && len(b.data) >= b.maxSize {
		b.evictLocked()
	}

	b.data[key] = &memoryItem{
		entry:     entry,
		expiresAt: time.Now().Add(b.ttl),
	}
	return nil
}

// evictLocked drops an expired entry, or the oldest one when none expired
func (b *MemoryBackend) evictLocked() {
	now := time.Now()
	var oldestKey string
	var oldest time.Time
	for k, v := range b.data {
		if now.After(v.expiresAt) {
			delete(b.data, k)
			return
		}
		if oldestKey == "" || v.entry.StoredAt.Before(oldest) {
			oldestKey = k
			oldest = v.entry.StoredAt
		}
	}
	if oldestKey != "" {
		delete(b.data, oldestKey)
		b.logger.Debug("Evicted cache entry", zap.String("key", oldestKey))
	}
}

// Delete removes an entry
func (b *MemoryBackend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.data, key)
	return nil
}

// Size returns the number of entries
func (b *MemoryBackend) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// Close stops the cleanup goroutine
func (b *MemoryBackend) Close() error {
	b.once.Do(func() { close(b.stopCh) })
	return nil
}

// cleanup periodically removes expired entries
func (b *MemoryBackend) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			now := time.Now()
			for key, item := range b.data {
				if now.After(item.expiresAt) {
					delete(b.data, key)
				}
			}
			b.mu.Unlock()
		}
	}
}
