// Package config loads the document store configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/devrev/pairdb/docstore/internal/conventions"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// Config represents the document store configuration
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Session      SessionConfig      `mapstructure:"session"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Health       HealthConfig       `mapstructure:"health"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// StoreConfig names the cluster and database
type StoreConfig struct {
	URLs     []string `mapstructure:"urls"`
	Database string   `mapstructure:"database"`
}

// ExecutorConfig represents request routing and failover configuration
type ExecutorConfig struct {
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	MaxAttempts             int           `mapstructure:"max_attempts"`
	MaxConnections          int           `mapstructure:"max_connections"`
	PoolWaitTimeout         time.Duration `mapstructure:"pool_wait_timeout"`
	ReadBalance             string        `mapstructure:"read_balance"`
	LoadBalance             string        `mapstructure:"load_balance"`
	LoadBalanceSeed         int           `mapstructure:"load_balance_seed"`
	TopologyRefreshInterval time.Duration `mapstructure:"topology_refresh_interval"`
	TopologyCacheDir        string        `mapstructure:"topology_cache_dir"`
	HealthCheckInterval     time.Duration `mapstructure:"health_check_interval"`
	DisableTopologyUpdates  bool          `mapstructure:"disable_topology_updates"`
}

// CacheConfig represents response cache configuration
type CacheConfig struct {
	Backend            string        `mapstructure:"backend"`
	MaxEntries         int           `mapstructure:"max_entries"`
	TTL                time.Duration `mapstructure:"ttl"`
	AggressiveDuration time.Duration `mapstructure:"aggressive_duration"`
	Redis              RedisConfig   `mapstructure:"redis"`
}

// RedisConfig represents the shared Redis cache backend
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// SessionConfig represents session defaults
type SessionConfig struct {
	MaxRequests           int    `mapstructure:"max_requests"`
	OptimisticConcurrency bool   `mapstructure:"optimistic_concurrency"`
	TransactionMode       string `mapstructure:"transaction_mode"`
	BulkInsertBatchSize   int    `mapstructure:"bulk_insert_batch_size"`
}

// SubscriptionConfig represents subscription worker configuration
type SubscriptionConfig struct {
	Name               string        `mapstructure:"name"`
	Strategy           string        `mapstructure:"strategy"`
	MaxDocsPerBatch    int           `mapstructure:"max_docs_per_batch"`
	RetryInterval      time.Duration `mapstructure:"retry_interval"`
	MaxErroneousPeriod time.Duration `mapstructure:"max_erroneous_period"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig represents the health check server configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Store.URLs) == 0 {
		return errors.New("store.urls is required")
	}
	for _, u := range c.Store.URLs {
		parsed, err := url.Parse(u)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("store.urls contains an invalid node URL %q", u)
		}
	}
	if c.Store.Database == "" {
		return errors.New("store.database is required")
	}
	if c.Executor.RequestTimeout <= 0 {
		return errors.New("executor.request_timeout must be positive")
	}
	if c.Executor.MaxAttempts <= 0 {
		return errors.New("executor.max_attempts must be positive")
	}
	if c.Executor.MaxConnections <= 0 {
		return errors.New("executor.max_connections must be positive")
	}
	switch conventions.ReadBalanceBehavior(c.Executor.ReadBalance) {
	case conventions.ReadBalanceNone, conventions.ReadBalanceRoundRobin, conventions.ReadBalanceFastestNode:
	default:
		return errors.New("executor.read_balance must be one of: None, RoundRobin, FastestNode")
	}
	switch conventions.LoadBalanceBehavior(c.Executor.LoadBalance) {
	case conventions.LoadBalanceNone, conventions.LoadBalanceUseSessionContext:
	default:
		return errors.New("executor.load_balance must be one of: None, UseSessionContext")
	}
	switch strings.ToLower(c.Cache.Backend) {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return errors.New("cache.redis.addr is required for the redis backend")
		}
	default:
		return errors.New("cache.backend must be one of: memory, redis")
	}
	if c.Session.MaxRequests <= 0 {
		return errors.New("session.max_requests must be positive")
	}
	switch model.TransactionMode(c.Session.TransactionMode) {
	case model.TransactionModeSingleNode, model.TransactionModeClusterWide:
	default:
		return errors.New("session.transaction_mode must be one of: SingleNode, ClusterWide")
	}
	if c.Session.OptimisticConcurrency && model.TransactionMode(c.Session.TransactionMode) == model.TransactionModeClusterWide {
		return errors.New("session.optimistic_concurrency cannot be combined with ClusterWide transactions")
	}
	switch model.SubscriptionOpeningStrategy(c.Subscription.Strategy) {
	case model.SubscriptionOpenIfFree, model.SubscriptionTakeOver, model.SubscriptionWaitForFree:
	default:
		return errors.New("subscription.strategy must be one of: OpenIfFree, TakeOver, WaitForFree")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.Health.Enabled && (c.Health.Port <= 0 || c.Health.Port > 65535) {
		return errors.New("health.port must be between 1 and 65535")
	}
	if c.Health.Enabled && c.Metrics.Enabled && c.Health.Port == c.Metrics.Port {
		return errors.New("health.port must differ from metrics.port")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// Conventions builds the store conventions from the configuration
func (c *Config) Conventions() *conventions.Conventions {
	conv := conventions.Default()
	conv.RequestTimeout = c.Executor.RequestTimeout
	conv.MaxFailoverAttempts = c.Executor.MaxAttempts
	conv.ReadBalanceBehavior = conventions.ReadBalanceBehavior(c.Executor.ReadBalance)
	conv.LoadBalanceBehavior = conventions.LoadBalanceBehavior(c.Executor.LoadBalance)
	conv.LoadBalancerContextSeed = c.Executor.LoadBalanceSeed
	conv.DisableTopologyUpdates = c.Executor.DisableTopologyUpdates
	conv.AggressiveCacheDuration = c.Cache.AggressiveDuration
	conv.MaxNumberOfRequestsPerSession = c.Session.MaxRequests
	conv.UseOptimisticConcurrency = c.Session.OptimisticConcurrency
	conv.TransactionMode = model.TransactionMode(c.Session.TransactionMode)
	if c.Session.BulkInsertBatchSize > 0 {
		conv.MaxBulkInsertBatchSize = c.Session.BulkInsertBatchSize
	}
	return conv
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			URLs:     []string{"http://localhost:8080"},
			Database: "",
		},
		Executor: ExecutorConfig{
			RequestTimeout:          30 * time.Second,
			MaxAttempts:             3,
			MaxConnections:          64,
			PoolWaitTimeout:         5 * time.Second,
			ReadBalance:             string(conventions.ReadBalanceNone),
			LoadBalance:             string(conventions.LoadBalanceNone),
			TopologyRefreshInterval: 5 * time.Minute,
			HealthCheckInterval:     5 * time.Second,
		},
		Cache: CacheConfig{
			Backend:    "memory",
			MaxEntries: 1024,
			TTL:        10 * time.Minute,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "docstore:",
			},
		},
		Session: SessionConfig{
			MaxRequests:         30,
			TransactionMode:     string(model.TransactionModeSingleNode),
			BulkInsertBatchSize: 256,
		},
		Subscription: SubscriptionConfig{
			Strategy:           string(model.SubscriptionOpenIfFree),
			MaxDocsPerBatch:    256,
			RetryInterval:      5 * time.Second,
			MaxErroneousPeriod: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    8081,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
