package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	// two stores in one process must not collide
	m1 := NewMetrics(nil)
	m2 := NewMetrics(nil)
	require.NotNil(t, m1)
	require.NotNil(t, m2)

	m1.RecordCacheMiss()
	assert.Equal(t, float64(1), testutil.ToFloat64(m1.CacheMisses))
	assert.Equal(t, float64(0), testutil.ToFloat64(m2.CacheMisses))
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRequest("GetDocuments", "A", 0.01)
	m.RecordRequest("GetDocuments", "A", 0.02)
	m.RecordFailure("timeout")
	m.RecordFailover()
	m.RecordCacheHit("aggressive")
	m.UpdateCacheGeneration(5)
	m.RecordTopologyUpdate(3)
	m.RecordSubscriptionBatch("orders")
	m.RecordSubscriptionAck()
	m.RecordSubscriptionReconnect("redirect")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GetDocuments", "A")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestFailures.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FailoversTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheHits.WithLabelValues("aggressive")))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.CacheGeneration))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.NodesAvailable))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriptionBatches.WithLabelValues("orders")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SubscriptionReconnects.WithLabelValues("redirect")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
