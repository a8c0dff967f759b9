package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DOCSTORE_STORE_DATABASE
const EnvPrefix = "DOCSTORE"

// Load loads configuration from an optional YAML file and environment variables.
// Environment variables take precedence over the file, the file over defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			// the file is optional when the environment carries the settings
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so environment overrides apply to keys
// missing from the file
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.urls", d.Store.URLs)
	v.SetDefault("store.database", d.Store.Database)

	v.SetDefault("executor.request_timeout", d.Executor.RequestTimeout)
	v.SetDefault("executor.max_attempts", d.Executor.MaxAttempts)
	v.SetDefault("executor.max_connections", d.Executor.MaxConnections)
	v.SetDefault("executor.pool_wait_timeout", d.Executor.PoolWaitTimeout)
	v.SetDefault("executor.read_balance", d.Executor.ReadBalance)
	v.SetDefault("executor.load_balance", d.Executor.LoadBalance)
	v.SetDefault("executor.load_balance_seed", d.Executor.LoadBalanceSeed)
	v.SetDefault("executor.topology_refresh_interval", d.Executor.TopologyRefreshInterval)
	v.SetDefault("executor.topology_cache_dir", d.Executor.TopologyCacheDir)
	v.SetDefault("executor.health_check_interval", d.Executor.HealthCheckInterval)
	v.SetDefault("executor.disable_topology_updates", d.Executor.DisableTopologyUpdates)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.aggressive_duration", d.Cache.AggressiveDuration)
	v.SetDefault("cache.redis.addr", d.Cache.Redis.Addr)
	v.SetDefault("cache.redis.password", d.Cache.Redis.Password)
	v.SetDefault("cache.redis.db", d.Cache.Redis.DB)
	v.SetDefault("cache.redis.prefix", d.Cache.Redis.Prefix)

	v.SetDefault("session.max_requests", d.Session.MaxRequests)
	v.SetDefault("session.optimistic_concurrency", d.Session.OptimisticConcurrency)
	v.SetDefault("session.transaction_mode", d.Session.TransactionMode)
	v.SetDefault("session.bulk_insert_batch_size", d.Session.BulkInsertBatchSize)

	v.SetDefault("subscription.name", d.Subscription.Name)
	v.SetDefault("subscription.strategy", d.Subscription.Strategy)
	v.SetDefault("subscription.max_docs_per_batch", d.Subscription.MaxDocsPerBatch)
	v.SetDefault("subscription.retry_interval", d.Subscription.RetryInterval)
	v.SetDefault("subscription.max_erroneous_period", d.Subscription.MaxErroneousPeriod)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("health.enabled", d.Health.Enabled)
	v.SetDefault("health.port", d.Health.Port)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}
