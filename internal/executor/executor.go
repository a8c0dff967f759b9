// Package executor dispatches commands to cluster nodes with caching and failover.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/devrev/pairdb/docstore/internal/cache"
	"github.com/devrev/pairdb/docstore/internal/commands"
	"github.com/devrev/pairdb/docstore/internal/conventions"
	docerrors "github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/metrics"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/topology"
	"github.com/devrev/pairdb/docstore/internal/transport"
	"github.com/devrev/pairdb/docstore/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Observer receives request and topology notifications
type Observer interface {
	OnSucceedRequest(database string, req *transport.Request, resp *transport.Response)
	OnFailedRequest(database, url string, err error)
	OnTopologyUpdated(t *model.Topology)
}

// Config holds executor dependencies and tuning
type Config struct {
	Database    string
	URLs        []string
	Conventions *conventions.Conventions
	Transport   transport.Transport
	Cache       *cache.Cache
	Metrics     *metrics.Metrics
	Observer    Observer
	Logger      *zap.Logger

	TopologyRefreshInterval time.Duration
	HealthCheckInterval     time.Duration
	HealthCheckTimeout      time.Duration
	TopologyCache           *topology.DiskCache
	// RefreshRateLimit bounds failover-triggered topology refreshes per second
	RefreshRateLimit float64
}

// RequestExecutor owns the topology, response cache and failover policy of a store
type RequestExecutor struct {
	database    string
	seedURLs    []string
	conventions *conventions.Conventions
	transport   transport.Transport
	cache       *cache.Cache
	metrics     *metrics.Metrics
	observer    Observer
	logger      *zap.Logger
	diskCache   *topology.DiskCache

	refreshInterval     time.Duration
	healthCheckInterval time.Duration
	healthCheckTimeout  time.Duration

	initMu   sync.Mutex
	selector atomic.Pointer[topology.NodeSelector]

	refreshLimiter *rate.Limiter
	refreshing     int32
	healthPool     *workerpool.Pool

	serverRequests int64
	closed         int32
	closeMu        sync.Mutex
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
}

// New creates an executor. Initialize must run before commands are executed;
// Execute initializes lazily otherwise.
func New(cfg Config) (*RequestExecutor, error) {
	if cfg.Database == "" {
		return nil, docerrors.InvalidArgument("database name is required", nil)
	}
	if len(cfg.URLs) == 0 {
		return nil, docerrors.InvalidArgument("at least one node URL is required", nil)
	}
	if cfg.Transport == nil {
		return nil, docerrors.InvalidArgument("transport is required", nil)
	}
	if cfg.Conventions == nil {
		cfg.Conventions = conventions.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetrics(nil)
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 5 * time.Second
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 2 * time.Second
	}
	if cfg.RefreshRateLimit <= 0 {
		cfg.RefreshRateLimit = 1
	}

	urls := make([]string, len(cfg.URLs))
	for i, u := range cfg.URLs {
		urls[i] = strings.TrimSuffix(u, "/")
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &RequestExecutor{
		database:            cfg.Database,
		seedURLs:            urls,
		conventions:         cfg.Conventions,
		transport:           cfg.Transport,
		cache:               cfg.Cache,
		metrics:             cfg.Metrics,
		observer:            cfg.Observer,
		logger:              cfg.Logger.With(zap.String("database", cfg.Database)),
		diskCache:           cfg.TopologyCache,
		refreshInterval:     cfg.TopologyRefreshInterval,
		healthCheckInterval: cfg.HealthCheckInterval,
		healthCheckTimeout:  cfg.HealthCheckTimeout,
		refreshLimiter:      rate.NewLimiter(rate.Limit(cfg.RefreshRateLimit), 1),
		healthPool: workerpool.New(workerpool.Config{
			Name:       "health-check",
			MaxWorkers: 2,
			QueueSize:  32,
			Logger:     cfg.Logger,
		}),
		ctx:    ctx,
		cancel: cancel,
	}
	return e, nil
}

// Database returns the database this executor serves
func (e *RequestExecutor) Database() string {
	return e.database
}

// Cache returns the response cache, nil when caching is disabled
func (e *RequestExecutor) Cache() *cache.Cache {
	return e.cache
}

// Conventions returns the store conventions
func (e *RequestExecutor) Conventions() *conventions.Conventions {
	return e.conventions
}

// NumberOfServerRequests counts requests that reached the transport
func (e *RequestExecutor) NumberOfServerRequests() int64 {
	return atomic.LoadInt64(&e.serverRequests)
}

// Topology returns the current topology snapshot
func (e *RequestExecutor) Topology() *model.Topology {
	if s := e.selector.Load(); s != nil {
		return s.Topology()
	}
	return nil
}

// Selector returns the node selector, nil before initialization
func (e *RequestExecutor) Selector() *topology.NodeSelector {
	return e.selector.Load()
}

// Initialize fetches the first topology from every seed URL in parallel and
// starts background maintenance
func (e *RequestExecutor) Initialize(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.selector.Load() != nil {
		return nil
	}
	if atomic.LoadInt32(&e.closed) == 1 {
		return docerrors.StoreClosed()
	}

	var t *model.Topology
	if e.conventions.DisableTopologyUpdates {
		t = e.seedTopology()
	} else {
		fetched, err := e.firstTopology(ctx)
		if err != nil {
			return err
		}
		t = fetched
	}

	e.selector.Store(topology.NewNodeSelector(t, e.logger))
	e.metrics.RecordTopologyUpdate(len(t.Nodes))
	e.onTopologyUpdated(t)

	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if atomic.LoadInt32(&e.closed) == 1 {
		return docerrors.StoreClosed()
	}
	e.wg.Add(1)
	go e.maintain()
	return nil
}

// seedTopology builds a topology out of the configured URLs
func (e *RequestExecutor) seedTopology() *model.Topology {
	t := &model.Topology{}
	for i, u := range e.seedURLs {
		t.Nodes = append(t.Nodes, &model.ServerNode{
			URL:        u,
			ClusterTag: "?" + strconv.Itoa(i+1),
			Database:   e.database,
			ServerRole: model.ServerRoleMember,
		})
	}
	return t
}

func (e *RequestExecutor) firstTopology(ctx context.Context) (*model.Topology, error) {
	results := make([]*model.Topology, len(e.seedURLs))
	errs := make([]error, len(e.seedURLs))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range e.seedURLs {
		i, u := i, u
		g.Go(func() error {
			node := &model.ServerNode{URL: u, Database: e.database}
			cmd := commands.NewGetTopology(e.database)
			if err := e.executeOnce(gctx, node, cmd, nil); err != nil {
				errs[i] = err
				e.logger.Warn("Failed to fetch topology from seed node",
					zap.String("url", u), zap.Error(err))
				return nil
			}
			results[i] = cmd.Result
			return nil
		})
	}
	_ = g.Wait()

	var best *model.Topology
	for _, t := range results {
		if t != nil && len(t.Nodes) > 0 && (best == nil || t.Etag > best.Etag) {
			best = t
		}
	}
	if best != nil {
		if err := e.diskCache.Save(e.database, best); err != nil {
			e.logger.Warn("Failed to cache topology on disk", zap.Error(err))
		}
		return best, nil
	}

	// a missing database is not a connectivity problem
	for _, err := range errs {
		if errors.Is(err, docerrors.ErrDatabaseDoesNotExist) {
			return nil, err
		}
	}

	if cached, ok, err := e.diskCache.Load(e.database); err != nil {
		e.logger.Warn("Failed to read cached topology", zap.Error(err))
	} else if ok {
		e.logger.Warn("All seed nodes unreachable, using cached topology",
			zap.Int64("etag", cached.Etag))
		return cached, nil
	}

	return nil, docerrors.AllTopologyNodesDown("GetTopology", len(e.seedURLs), errors.Join(errs...))
}

// Execute runs cmd, failing over to other nodes when allowed
func (e *RequestExecutor) Execute(ctx context.Context, cmd commands.Command, info *model.SessionInfo) error {
	if atomic.LoadInt32(&e.closed) == 1 {
		return docerrors.StoreClosed()
	}
	if e.selector.Load() == nil {
		if err := e.Initialize(ctx); err != nil {
			return err
		}
	}
	selector := e.selector.Load()
	opts := cmd.Options()

	sel, err := e.chooseNode(selector, opts, info)
	if err != nil {
		return err
	}

	maxAttempts := 1 + e.conventions.MaxFailoverAttempts
	var lastErr error
	attempts := 0
	for {
		attempts++
		err := e.executeOnce(ctx, sel.Node, cmd, info)
		if err == nil {
			if attempts > 1 {
				e.logger.Info("Command succeeded after failover",
					zap.String("command", cmd.Name()),
					zap.String("node_tag", sel.Node.ClusterTag),
					zap.Int("attempt", attempts))
			}
			return nil
		}
		if !e.shouldFailover(ctx, opts, err) {
			return err
		}
		lastErr = err

		selector.OnFailedRequest(sel)
		e.metrics.UpdateNodesAvailable(selector.Available())
		e.scheduleHealthCheck(selector, sel)
		e.triggerRefresh()

		if opts.Affinity == commands.AffinitySpecific || attempts >= maxAttempts {
			break
		}
		next, ok := selector.Next(sel.Index)
		if !ok {
			break
		}
		e.metrics.RecordFailover()
		e.logger.Warn("Failing over to next node",
			zap.String("command", cmd.Name()),
			zap.String("failed_node", sel.Node.ClusterTag),
			zap.String("next_node", next.Node.ClusterTag),
			zap.Error(err))
		sel = next
	}

	if opts.Affinity == commands.AffinitySpecific {
		return lastErr
	}
	e.metrics.RecordFailure("all_nodes_down")
	return docerrors.AllTopologyNodesDown(cmd.Name(), attempts, lastErr)
}

func (e *RequestExecutor) chooseNode(s *topology.NodeSelector, opts commands.Options, info *model.SessionInfo) (topology.Selection, error) {
	switch opts.Affinity {
	case commands.AffinitySpecific:
		return s.ByTag(opts.SelectedNodeTag)
	case commands.AffinityLeader:
		return s.Preferred()
	}

	if e.conventions.LoadBalanceBehavior == conventions.LoadBalanceUseSessionContext &&
		info != nil && info.ContextKey != "" {
		return s.ForSessionContext(info.ContextKey, e.conventions.LoadBalancerContextSeed)
	}
	if e.conventions.ReadBalanceBehavior == conventions.ReadBalanceRoundRobin && opts.Idempotent && !opts.Structural {
		return s.RoundRobin()
	}
	return s.Preferred()
}

// shouldFailover classifies err: only node unavailability is retried, and
// non-idempotent commands only when the server never processed the request
func (e *RequestExecutor) shouldFailover(ctx context.Context, opts commands.Options, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var de *docerrors.Error
	if !errors.As(err, &de) || de.Code != docerrors.ErrCodeNodeUnavailable {
		return false
	}
	if opts.Idempotent {
		return true
	}
	return de.Detail("not_processed") == true
}

// executeOnce sends cmd to node a single time
func (e *RequestExecutor) executeOnce(ctx context.Context, node *model.ServerNode, cmd commands.Command, info *model.SessionInfo) error {
	req, err := cmd.CreateRequest(ctx, node)
	if err != nil {
		return err
	}
	if fc, ok := cmd.(interface{ FullyCached() bool }); ok && fc.FullyCached() {
		e.metrics.RecordCacheHit("aggressive")
		return nil
	}

	opts := cmd.Options()
	allowAggressive := info == nil || !info.NoCaching

	var (
		cacheKey string
		cached   *cache.Entry
	)
	if opts.Cacheable && e.cache != nil {
		cacheKey = cache.Key(req.Method, strings.TrimPrefix(req.URL, node.URL), req.Body)
		if lookup, ok := e.cache.Get(ctx, cacheKey, allowAggressive); ok {
			if lookup.Fresh {
				return cmd.SetResponse(ctx, lookup.Entry.Body, true)
			}
			cached = lookup.Entry
			req.Header.Set(transport.HeaderIfNoneMatch, lookup.Entry.ETag)
		}
	}

	req.Header.Set(transport.HeaderRequestID, uuid.NewString())
	if info != nil && info.LastClusterTransactionIndex > 0 {
		req.Header.Set(transport.HeaderLastKnownClusterTxIndex, strconv.FormatInt(info.LastClusterTransactionIndex, 10))
	}
	if s := e.selector.Load(); s != nil {
		req.Header.Set(transport.HeaderTopologyEtag, strconv.FormatInt(s.Topology().Etag, 10))
	}

	timeout := e.conventions.RequestTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	reqCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	atomic.AddInt64(&e.serverRequests, 1)
	start := time.Now()
	resp, err := e.transport.Do(reqCtx, req)
	elapsed := time.Since(start)
	e.metrics.RecordRequest(cmd.Name(), node.ClusterTag, elapsed.Seconds())

	if err != nil {
		return e.classifyTransportError(ctx, reqCtx, node, req, err, elapsed, timeout)
	}

	if resp.Header.Get(transport.HeaderRefreshTopology) != "" {
		e.triggerRefresh()
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		e.notifySucceeded(req, resp)
		if cached == nil {
			return docerrors.BadResponse("server returned 304 for a request without cached entry", nil)
		}
		e.cache.Touch(ctx, cacheKey, cached)
		return cmd.SetResponse(ctx, cached.Body, true)

	case resp.StatusCode == http.StatusNotFound && !hasErrorType(resp.Body):
		e.notifySucceeded(req, resp)
		if cacheKey != "" {
			e.cache.Remove(ctx, cacheKey)
		}
		return cmd.SetResponse(ctx, nil, false)

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		e.notifySucceeded(req, resp)
		body := resp.Body
		if body == nil {
			body = []byte{}
		}
		if cacheKey != "" {
			if etag := resp.Header.Get(transport.HeaderETag); etag != "" {
				e.cache.Set(ctx, cacheKey, etag, body)
			}
		}
		if opts.Structural && e.cache != nil {
			e.cache.NotifyWrite()
		}
		return cmd.SetResponse(ctx, body, false)

	case resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusGatewayTimeout:
		cause := docerrors.FromServer(resp.StatusCode, resp.Body)
		e.metrics.RecordFailure("node_unavailable")
		e.notifyFailed(node.URL, cause)
		return docerrors.NodeUnavailable(node.URL, cause).
			WithDetail("status", resp.StatusCode).
			WithDetail("not_processed", resp.StatusCode == http.StatusServiceUnavailable)
	}

	serverErr := docerrors.FromServer(resp.StatusCode, resp.Body)
	e.metrics.RecordFailure("status_" + strconv.Itoa(resp.StatusCode))
	e.notifyFailed(node.URL, serverErr)
	return serverErr
}

func (e *RequestExecutor) classifyTransportError(parent, reqCtx context.Context, node *model.ServerNode, req *transport.Request, err error, elapsed, timeout time.Duration) error {
	if parent.Err() != nil {
		e.metrics.RecordFailure("canceled")
		return parent.Err()
	}

	var de *docerrors.Error
	if errors.As(err, &de) && de.Code == docerrors.ErrCodeConnectionPoolExhausted {
		e.metrics.RecordFailure("pool_exhausted")
		e.notifyFailed(node.URL, err)
		return err
	}

	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		e.metrics.RecordFailure("timeout")
		timeoutErr := docerrors.RequestTimeout(req.URL, elapsed, timeout, err)
		e.notifyFailed(node.URL, timeoutErr)
		return timeoutErr
	}

	e.metrics.RecordFailure("node_unavailable")
	unavailable := docerrors.NodeUnavailable(node.URL, err).
		WithDetail("not_processed", isConnectionRefused(err))
	e.notifyFailed(node.URL, unavailable)
	return unavailable
}

// isConnectionRefused reports errors raised before a request reached the server
func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func hasErrorType(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var envelope struct {
		Type string `json:"Type"`
	}
	return json.Unmarshal(body, &envelope) == nil && envelope.Type != ""
}

// RefreshTopology fetches the topology from the preferred node and installs it when newer
func (e *RequestExecutor) RefreshTopology(ctx context.Context, force bool) (bool, error) {
	if e.conventions.DisableTopologyUpdates {
		return false, nil
	}
	selector := e.selector.Load()
	if selector == nil {
		return false, e.Initialize(ctx)
	}

	sel, err := selector.Preferred()
	if err != nil {
		return false, err
	}
	cmd := commands.NewGetTopology(e.database)
	if err := e.executeOnce(ctx, sel.Node, cmd, nil); err != nil {
		return false, fmt.Errorf("failed to refresh topology from %s: %w", sel.Node.URL, err)
	}
	if !selector.Update(cmd.Result, force) {
		return false, nil
	}

	e.metrics.RecordTopologyUpdate(selector.Available())
	if err := e.diskCache.Save(e.database, cmd.Result); err != nil {
		e.logger.Warn("Failed to cache topology on disk", zap.Error(err))
	}
	e.onTopologyUpdated(selector.Topology())
	return true, nil
}

// triggerRefresh refreshes the topology in the background, rate limited
func (e *RequestExecutor) triggerRefresh() {
	if e.conventions.DisableTopologyUpdates {
		return
	}
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if atomic.LoadInt32(&e.closed) == 1 {
		return
	}
	if !e.refreshLimiter.Allow() {
		return
	}
	if !atomic.CompareAndSwapInt32(&e.refreshing, 0, 1) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer atomic.StoreInt32(&e.refreshing, 0)

		ctx, cancel := context.WithTimeout(e.ctx, e.conventions.RequestTimeout)
		defer cancel()
		if _, err := e.RefreshTopology(ctx, false); err != nil {
			e.logger.Debug("Background topology refresh failed", zap.Error(err))
		}
	}()
}

// scheduleHealthCheck re-checks a failed node until it answers again
func (e *RequestExecutor) scheduleHealthCheck(selector *topology.NodeSelector, sel topology.Selection) {
	e.healthPool.Submit(workerpool.Task{
		Key: sel.Node.URL,
		Fn: func(ctx context.Context) error {
			return e.checkNode(ctx, selector, sel)
		},
	})
}

func (e *RequestExecutor) checkNode(ctx context.Context, selector *topology.NodeSelector, sel topology.Selection) error {
	// restored by a request or an earlier check while this one was queued
	if !selector.IsFailed(sel) {
		return nil
	}
	checkCtx, cancel := context.WithTimeout(ctx, e.healthCheckTimeout)
	defer cancel()

	req, err := commands.NewGetTopology(e.database).CreateRequest(checkCtx, sel.Node)
	if err != nil {
		return err
	}
	resp, err := e.transport.Do(checkCtx, req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("node %s answered health check with %d", sel.Node.URL, resp.StatusCode)
	}

	selector.Restore(sel)
	e.metrics.UpdateNodesAvailable(selector.Available())
	return nil
}

// maintain periodically refreshes the topology and re-checks failed nodes
func (e *RequestExecutor) maintain() {
	defer e.wg.Done()

	var refreshC <-chan time.Time
	if e.refreshInterval > 0 && !e.conventions.DisableTopologyUpdates {
		refreshTicker := time.NewTicker(e.refreshInterval)
		defer refreshTicker.Stop()
		refreshC = refreshTicker.C
	}
	healthTicker := time.NewTicker(e.healthCheckInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-refreshC:
			ctx, cancel := context.WithTimeout(e.ctx, e.conventions.RequestTimeout)
			if _, err := e.RefreshTopology(ctx, false); err != nil {
				e.logger.Error("Failed to update topology", zap.Error(err))
			}
			cancel()
		case <-healthTicker.C:
			if selector := e.selector.Load(); selector != nil {
				for _, sel := range selector.FailedNodes() {
					e.scheduleHealthCheck(selector, sel)
				}
			}
		}
	}
}

func (e *RequestExecutor) onTopologyUpdated(t *model.Topology) {
	if e.observer != nil {
		e.observer.OnTopologyUpdated(t)
	}
}

func (e *RequestExecutor) notifySucceeded(req *transport.Request, resp *transport.Response) {
	if e.observer != nil {
		e.observer.OnSucceedRequest(e.database, req, resp)
	}
}

func (e *RequestExecutor) notifyFailed(url string, err error) {
	if e.observer != nil {
		e.observer.OnFailedRequest(e.database, url, err)
	}
}

// Close stops background work. It does not close the cache or transport,
// which belong to the store.
func (e *RequestExecutor) Close() error {
	// closeMu orders the flag against every wg.Add
	e.closeMu.Lock()
	swapped := atomic.CompareAndSwapInt32(&e.closed, 0, 1)
	e.closeMu.Unlock()
	if !swapped {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	if err := e.healthPool.Stop(5 * time.Second); err != nil {
		e.logger.Warn("Health check pool did not stop cleanly", zap.Error(err))
	}
	e.logger.Info("Request executor closed")
	return nil
}
