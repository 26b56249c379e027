package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus(t *testing.T) {
	p := NewPrometheus("test")

	p.CacheHit("L1")
	p.CacheHit("L1")
	p.CacheHit("L2")
	p.CacheMiss()
	p.QueryPlan("Order", "single")
	p.EdgeRejected("placed_at", "validation")
	p.Mutation("Order", "add")
	p.QueryDuration("filter", 3*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.cacheHits.WithLabelValues("L1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.cacheHits.WithLabelValues("L2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.cacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.queryPlans.WithLabelValues("Order", "single")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.edgesRejected.WithLabelValues("placed_at", "validation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.mutations.WithLabelValues("Order", "add")))

	families, err := p.Registry().Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_query_duration_seconds")
	assert.Contains(t, names, "test_cache_hits_total")
}

func TestPrometheus_SeparateRegistries(t *testing.T) {
	a := NewPrometheus("")
	b := NewPrometheus("")
	a.CacheMiss()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.cacheMisses))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.cacheMisses))
}

func TestNoop(t *testing.T) {
	var r Recorder = Noop{}
	r.CacheHit("L1")
	r.QueryDuration("filter", time.Second)
}
