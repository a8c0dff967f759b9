package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by backends when no entry exists for a key
var ErrNotFound = errors.New("cache entry not found")

// Entry is a cached response
type Entry struct {
	ETag       string    `json:"etag"`
	Body       []byte    `json:"body"`
	StoredAt   time.Time `json:"stored_at"`
	Generation int64     `json:"generation"`
	// Owner identifies the cache that stamped Generation; entries from another
	// process are always revalidated
	Owner string `json:"owner"`
}

// Backend stores cache entries
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
	Size() int
	Close() error
}
