package store

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/cache"
	"github.com/devrev/pairdb/docstore/internal/config"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// FromConfig creates a store from loaded configuration. A redis cache backend
// is connected eagerly so a wrong address fails at startup.
func FromConfig(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*DocumentStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var backend cache.Backend
	if strings.EqualFold(cfg.Cache.Backend, "redis") {
		redisBackend, err := cache.NewRedisBackend(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
			TTL:      cfg.Cache.TTL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache backend: %w", err)
		}
		backend = redisBackend
	}

	return New(Config{
		URLs:        cfg.Store.URLs,
		Database:    cfg.Store.Database,
		Conventions: cfg.Conventions(),
		Logger:      logger,
		Registerer:  reg,
		HTTP: transport.HTTPConfig{
			MaxConnections:  cfg.Executor.MaxConnections,
			PoolWaitTimeout: cfg.Executor.PoolWaitTimeout,
			Logger:          logger,
		},
		CacheBackend:            backend,
		CacheEntries:            cfg.Cache.MaxEntries,
		CacheTTL:                cfg.Cache.TTL,
		TopologyCacheDir:        cfg.Executor.TopologyCacheDir,
		TopologyRefreshInterval: cfg.Executor.TopologyRefreshInterval,
		HealthCheckInterval:     cfg.Executor.HealthCheckInterval,
	})
}
