// Package store wires the request executor, response cache, sessions and
// subscription workers of one database into a DocumentStore.
package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/docstore/internal/cache"
	"github.com/devrev/pairdb/docstore/internal/commands"
	"github.com/devrev/pairdb/docstore/internal/conventions"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/executor"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/session"
	"github.com/devrev/pairdb/docstore/internal/subscription"
	"github.com/devrev/pairdb/docstore/internal/topology"
	"github.com/devrev/pairdb/docstore/internal/transport"
)

// Config holds the store dependencies. Nil collaborators get production defaults.
type Config struct {
	URLs        []string
	Database    string
	Conventions *conventions.Conventions
	Logger      *zap.Logger
	// Registerer receives the store metrics; nil uses a private registry
	Registerer prometheus.Registerer

	Transport transport.Transport
	HTTP      transport.HTTPConfig
	Dialer    transport.StreamDialer

	CacheBackend cache.Backend
	CacheEntries int
	CacheTTL     time.Duration

	TopologyCacheDir        string
	TopologyRefreshInterval time.Duration
	HealthCheckInterval     time.Duration
}

// SucceedRequestEvent fires after every successful server response
type SucceedRequestEvent struct {
	Database   string
	Method     string
	URL        string
	StatusCode int
}

// FailedRequestEvent fires when a request to a node failed
type FailedRequestEvent struct {
	Database string
	URL      string
	Err      error
}

// TopologyUpdatedEvent fires when the executor adopted a newer topology
type TopologyUpdatedEvent struct {
	Topology *model.Topology
}

// RequestEvents are the store wide request observers
type RequestEvents struct {
	SucceedRequest  session.Listeners[SucceedRequestEvent]
	FailedRequest   session.Listeners[FailedRequestEvent]
	TopologyUpdated session.Listeners[TopologyUpdatedEvent]
}

// DocumentStore is the entry point of an application: it owns the executor,
// cache and listeners of one database and hands out sessions and workers.
// It is safe for concurrent use.
type DocumentStore struct {
	database    string
	conventions *conventions.Conventions
	logger      *zap.Logger
	metrics     *metrics.Metrics

	transport transport.Transport
	ownsHTTP  *transport.HTTPTransport
	dialer    transport.StreamDialer
	cache     *cache.Cache
	executor  *executor.RequestExecutor

	events        *session.Events
	requestEvents *RequestEvents
	hilo          *session.HiLoGenerator
	subscriptions *subscription.Client

	sessionCounter int64

	mu          sync.Mutex
	initialized bool
	closed      bool
	workers     map[*subscription.Worker]struct{}
}

// New creates a store; Initialize must run before sessions are opened
func New(cfg Config) (*DocumentStore, error) {
	if cfg.Database == "" {
		return nil, docerrors.InvalidArgument("database name is required", nil)
	}
	if len(cfg.URLs) == 0 {
		return nil, docerrors.InvalidArgument("at least one node URL is required", nil)
	}
	if cfg.Conventions == nil {
		cfg.Conventions = conventions.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("database", cfg.Database))
	m := metrics.NewMetrics(cfg.Registerer)

	s := &DocumentStore{
		database:      cfg.Database,
		conventions:   cfg.Conventions,
		logger:        logger,
		metrics:       m,
		events:        &session.Events{},
		requestEvents: &RequestEvents{},
		workers:       make(map[*subscription.Worker]struct{}),
	}

	s.transport = cfg.Transport
	if s.transport == nil {
		httpCfg := cfg.HTTP
		if httpCfg.Logger == nil {
			httpCfg.Logger = logger
		}
		s.ownsHTTP = transport.NewHTTPTransport(httpCfg)
		s.transport = s.ownsHTTP
	}
	s.dialer = cfg.Dialer
	if s.dialer == nil {
		s.dialer = transport.NewWebSocketDialer(10*time.Second, 10*time.Second, logger)
	}

	backend := cfg.CacheBackend
	if backend == nil {
		entries := cfg.CacheEntries
		if entries <= 0 {
			entries = 1024
		}
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = 10 * time.Minute
		}
		backend = cache.NewMemoryBackend(entries, ttl, logger)
	}
	s.cache = cache.New(backend, logger, cache.WithMetrics(m))
	if d := cfg.Conventions.AggressiveCacheDuration; d > 0 {
		s.cache.SetAggressive(d)
	}

	var diskCache *topology.DiskCache
	if cfg.TopologyCacheDir != "" {
		diskCache = topology.NewDiskCache(cfg.TopologyCacheDir, logger)
	}
	exec, err := executor.New(executor.Config{
		Database:                cfg.Database,
		URLs:                    cfg.URLs,
		Conventions:             cfg.Conventions,
		Transport:               s.transport,
		Cache:                   s.cache,
		Metrics:                 m,
		Observer:                s,
		Logger:                  cfg.Logger,
		TopologyRefreshInterval: cfg.TopologyRefreshInterval,
		HealthCheckInterval:     cfg.HealthCheckInterval,
		TopologyCache:           diskCache,
	})
	if err != nil {
		s.cache.Close()
		return nil, err
	}
	s.executor = exec
	s.hilo = session.NewHiLoGenerator(exec, cfg.Conventions.IdentityPartsSeparator, logger)
	s.subscriptions = subscription.NewClient(exec, logger)
	return s, nil
}

// Initialize freezes the conventions and fetches the cluster topology
func (s *DocumentStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docerrors.StoreClosed()
	}
	if s.initialized {
		return nil
	}
	s.conventions.Freeze()
	if err := s.executor.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	s.initialized = true
	s.logger.Info("Document store initialized",
		zap.Int("nodes", len(s.executor.Topology().Nodes)))
	return nil
}

func (s *DocumentStore) checkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docerrors.StoreClosed()
	}
	if !s.initialized {
		return docerrors.InvalidOperation("document store must be initialized before use")
	}
	return nil
}

// Database returns the database name
func (s *DocumentStore) Database() string {
	return s.database
}

// Conventions returns the frozen conventions
func (s *DocumentStore) Conventions() *conventions.Conventions {
	return s.conventions
}

// Executor returns the request executor
func (s *DocumentStore) Executor() *executor.RequestExecutor {
	return s.executor
}

// Cache returns the response cache
func (s *DocumentStore) Cache() *cache.Cache {
	return s.cache
}

// Metrics returns the store metrics
func (s *DocumentStore) Metrics() *metrics.Metrics {
	return s.metrics
}

// Events returns the listeners applied to every session of the store
func (s *DocumentStore) Events() *session.Events {
	return s.events
}

// RequestEvents returns the request and topology listeners
func (s *DocumentStore) RequestEvents() *RequestEvents {
	return s.requestEvents
}

// Topology returns the current topology
func (s *DocumentStore) Topology() *model.Topology {
	return s.executor.Topology()
}

// OpenSession opens a unit of work
func (s *DocumentStore) OpenSession(opts session.Options) (*session.Session, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return session.New(session.Config{
		Executor:     s.executor,
		Conventions:  s.conventions,
		StoreEvents:  s.events,
		KeyGenerator: s.hilo.KeyGenerator(),
		Logger:       s.logger,
		SessionID:    atomic.AddInt64(&s.sessionCounter, 1),
		Options:      opts,
	})
}

// BulkInsert starts a batched insert of new documents
func (s *DocumentStore) BulkInsert() (*session.BulkInsert, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return session.NewBulkInsert(s.executor, s.conventions, s.hilo.KeyGenerator(), s.events, s.logger), nil
}

// GenerateID returns a new HiLo id for the entity's collection
func (s *DocumentStore) GenerateID(ctx context.Context, entity interface{}) (string, error) {
	if err := s.checkReady(); err != nil {
		return "", err
	}
	return s.hilo.Generate(ctx, s.conventions.CollectionName(entity), entity)
}

// AggressivelyCacheFor serves cached responses without revalidation for d.
// The returned function restores the previous setting.
func (s *DocumentStore) AggressivelyCacheFor(d time.Duration) func() {
	previous := s.cache.AggressiveDuration()
	s.cache.SetAggressive(d)
	return func() { s.cache.SetAggressive(previous) }
}

// GetCompareExchangeValue reads a compare exchange value outside a session;
// nil when the key does not exist
func (s *DocumentStore) GetCompareExchangeValue(ctx context.Context, key string) (*model.CompareExchangeValue, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	cmd, err := commands.NewGetCompareExchangeValue(key)
	if err != nil {
		return nil, err
	}
	if err := s.executor.Execute(ctx, cmd, nil); err != nil {
		return nil, err
	}
	return cmd.Result, nil
}

// PutCompareExchangeValue stores value when the key's index equals index;
// index 0 creates the key
func (s *DocumentStore) PutCompareExchangeValue(ctx context.Context, key string, value interface{}, index int64) (*model.CompareExchangeResult, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	cmd, err := commands.NewPutCompareExchangeValue(key, value, index)
	if err != nil {
		return nil, err
	}
	if err := s.executor.Execute(ctx, cmd, nil); err != nil {
		return nil, err
	}
	return cmd.Result, nil
}

// DeleteCompareExchangeValue removes the key when its index equals index
func (s *DocumentStore) DeleteCompareExchangeValue(ctx context.Context, key string, index int64) (*model.CompareExchangeResult, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	cmd, err := commands.NewDeleteCompareExchangeValue(key, index)
	if err != nil {
		return nil, err
	}
	if err := s.executor.Execute(ctx, cmd, nil); err != nil {
		return nil, err
	}
	return cmd.Result, nil
}

// Subscriptions returns the subscription management client
func (s *DocumentStore) Subscriptions() *subscription.Client {
	return s.subscriptions
}

// SubscriptionWorker creates a worker bound to this store. Its batch sessions
// share the store listeners; Close closes every worker still open.
func (s *DocumentStore) SubscriptionWorker(opts subscription.WorkerOptions) (*subscription.Worker, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	w, err := subscription.NewWorker(opts, subscription.Config{
		Dialer:      s.dialer,
		Topology:    s.executor,
		OpenSession: s.OpenSession,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docerrors.StoreClosed()
	}
	s.workers[w] = struct{}{}
	return w, nil
}

// Ping checks that the cluster answers a topology request
func (s *DocumentStore) Ping(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	_, err := s.executor.RefreshTopology(ctx, true)
	return err
}

// Close stops every worker, the executor and the cache. It is idempotent.
func (s *DocumentStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := make([]*subscription.Worker, 0, len(s.workers))
	for w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = nil
	s.mu.Unlock()

	for _, w := range workers {
		if err := w.Close(); err != nil {
			s.logger.Warn("Failed to close subscription worker",
				zap.String("subscription", w.Name()),
				zap.Error(err))
		}
	}
	if err := s.executor.Close(); err != nil {
		s.logger.Warn("Failed to close request executor", zap.Error(err))
	}
	if err := s.cache.Close(); err != nil {
		s.logger.Warn("Failed to close response cache", zap.Error(err))
	}
	if s.ownsHTTP != nil {
		s.ownsHTTP.Close()
	}
	s.logger.Info("Document store closed", zap.Int("workers", len(workers)))
	return nil
}

// OnSucceedRequest implements executor.Observer
func (s *DocumentStore) OnSucceedRequest(database string, req *transport.Request, resp *transport.Response) {
	ev := SucceedRequestEvent{Database: database}
	if req != nil {
		ev.Method = req.Method
		ev.URL = req.URL
	}
	if resp != nil {
		ev.StatusCode = resp.StatusCode
	}
	s.requestEvents.SucceedRequest.Fire(ev)
}

// OnFailedRequest implements executor.Observer
func (s *DocumentStore) OnFailedRequest(database, url string, err error) {
	s.requestEvents.FailedRequest.Fire(FailedRequestEvent{Database: database, URL: url, Err: err})
}

// OnTopologyUpdated implements executor.Observer
func (s *DocumentStore) OnTopologyUpdated(t *model.Topology) {
	s.logger.Debug("Topology updated", zap.Int64("etag", t.Etag), zap.Int("nodes", len(t.Nodes)))
	s.requestEvents.TopologyUpdated.Fire(TopologyUpdatedEvent{Topology: t.Clone()})
}
