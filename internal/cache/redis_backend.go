package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisClient is the subset of the go-redis client used by RedisBackend
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisConfig configures a Redis backend
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisBackend implements Backend on Redis so responses are shared by every
// process pointing at the same cluster
type RedisBackend struct {
	client RedisClient
	prefix string
	ttl    time.Duration
	size   int64
	logger *zap.Logger
}

// NewRedisBackend connects to Redis and creates a backend
func NewRedisBackend(cfg RedisConfig, logger *zap.Logger) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBackendWithClient(client, cfg.Prefix, cfg.TTL, logger), nil
}

// NewRedisBackendWithClient creates a backend over an existing client
func NewRedisBackendWithClient(client RedisClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisBackend {
	if prefix == "" {
		prefix = "docstore:cache:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

// Get retrieves an entry
func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		b.logger.Warn("Dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = b.client.Del(ctx, b.prefix+key).Err()
		return nil, ErrNotFound
	}
	return &entry, nil
}

// Set stores an entry with the configured TTL
func (b *RedisBackend) Set(ctx context.Context, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := b.client.Set(ctx, b.prefix+key, data, b.ttl).Err(); err != nil {
		return err
	}
	atomic.AddInt64(&b.size, 1)
	return nil
}

// Delete removes an entry
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	n, err := b.client.Del(ctx, b.prefix+key).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		atomic.AddInt64(&b.size, -n)
	}
	return nil
}

// Size approximates the number of entries written by this process; Redis expiry is not observed
func (b *RedisBackend) Size() int {
	return int(atomic.LoadInt64(&b.size))
}

// Close closes the Redis client
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
