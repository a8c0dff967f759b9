package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of one document store
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestFailures *prometheus.CounterVec
	FailoversTotal  prometheus.Counter

	// Cache metrics
	CacheHits       *prometheus.CounterVec
	CacheMisses     prometheus.Counter
	CacheGeneration prometheus.Gauge

	// Topology metrics
	TopologyUpdates prometheus.Counter
	NodesAvailable  prometheus.Gauge

	// Subscription metrics
	SubscriptionBatches    *prometheus.CounterVec
	SubscriptionAcks       prometheus.Counter
	SubscriptionReconnects *prometheus.CounterVec
}

// NewMetrics creates metrics registered on reg. A nil registerer gets a fresh
// registry so several stores can live in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_requests_total",
				Help: "Total number of requests sent to cluster nodes",
			},
			[]string{"command", "node"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "docstore_request_duration_seconds",
				Help:    "Duration of requests sent to cluster nodes",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),

		RequestFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_request_failures_total",
				Help: "Total number of failed requests",
			},
			[]string{"reason"},
		),

		FailoversTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "docstore_failovers_total",
				Help: "Total number of requests retried on another node",
			},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"kind"},
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "docstore_cache_misses_total",
				Help: "Total number of response cache misses",
			},
		),

		CacheGeneration: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "docstore_cache_generation",
				Help: "Current response cache generation",
			},
		),

		TopologyUpdates: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "docstore_topology_updates_total",
				Help: "Total number of applied topology updates",
			},
		),

		NodesAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "docstore_nodes_available",
				Help: "Number of topology nodes not marked as failed",
			},
		),

		SubscriptionBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_subscription_batches_total",
				Help: "Total number of subscription batches processed",
			},
			[]string{"subscription"},
		),

		SubscriptionAcks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "docstore_subscription_acks_total",
				Help: "Total number of acknowledged subscription batches",
			},
		),

		SubscriptionReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "docstore_subscription_reconnects_total",
				Help: "Total number of subscription reconnects",
			},
			[]string{"reason"},
		),
	}
}

// RecordRequest records a request sent to a node
func (m *Metrics) RecordRequest(command, node string, duration float64) {
	m.RequestsTotal.WithLabelValues(command, node).Inc()
	m.RequestDuration.WithLabelValues(command).Observe(duration)
}

// RecordFailure records a failed request
func (m *Metrics) RecordFailure(reason string) {
	m.RequestFailures.WithLabelValues(reason).Inc()
}

// RecordFailover records a retry against another node
func (m *Metrics) RecordFailover() {
	m.FailoversTotal.Inc()
}

// RecordCacheHit records a cache hit; kind is "aggressive" or "not_modified"
func (m *Metrics) RecordCacheHit(kind string) {
	m.CacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	m.CacheMisses.Inc()
}

// UpdateCacheGeneration publishes the cache generation
func (m *Metrics) UpdateCacheGeneration(generation int64) {
	m.CacheGeneration.Set(float64(generation))
}

// RecordTopologyUpdate records an applied topology
func (m *Metrics) RecordTopologyUpdate(available int) {
	m.TopologyUpdates.Inc()
	m.NodesAvailable.Set(float64(available))
}

// UpdateNodesAvailable publishes the number of healthy nodes
func (m *Metrics) UpdateNodesAvailable(count int) {
	m.NodesAvailable.Set(float64(count))
}

// RecordSubscriptionBatch records a processed batch
func (m *Metrics) RecordSubscriptionBatch(subscription string) {
	m.SubscriptionBatches.WithLabelValues(subscription).Inc()
}

// RecordSubscriptionAck records an acknowledgment
func (m *Metrics) RecordSubscriptionAck() {
	m.SubscriptionAcks.Inc()
}

// RecordSubscriptionReconnect records a reconnect
func (m *Metrics) RecordSubscriptionReconnect(reason string) {
	m.SubscriptionReconnects.WithLabelValues(reason).Inc()
}
