package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGauges struct{}

func (fakeGauges) Keys() uint64            { return 3 }
func (fakeGauges) ApproxMemBytes() uint64  { return 4096 }
func (fakeGauges) Topics() uint64          { return 2 }
func (fakeGauges) PressureBP() uint16      { return 4200 }
func (fakeGauges) PressureLimitBP() uint16 { return 8500 }

func gather(t *testing.T, c prometheus.Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestCollectorExportsCountersAndGauges(t *testing.T) {
	m := New()
	m.Evictions.Add(5)
	m.EventsPublished.Add(7)
	m.EventsLagged.Add(1)
	m.InvalidKeys.Add(2)
	m.Hits.Add(10)
	m.Misses.Add(4)

	got := gather(t, NewCollector(m, fakeGauges{}))

	assert.Equal(t, 5.0, got["localcached_store_evictions_total"])
	assert.Equal(t, 7.0, got["localcached_pubsub_events_published_total"])
	assert.Equal(t, 1.0, got["localcached_pubsub_lag_signals_total"])
	assert.Equal(t, 2.0, got["localcached_store_invalid_keys_total"])
	assert.Equal(t, 10.0, got["localcached_store_hits_total"])
	assert.Equal(t, 4.0, got["localcached_store_misses_total"])
	assert.Equal(t, 3.0, got["localcached_store_keys"])
	assert.Equal(t, 4096.0, got["localcached_store_approx_memory_bytes"])
	assert.Equal(t, 2.0, got["localcached_pubsub_topics"])
	assert.Equal(t, 4200.0, got["localcached_memory_pressure_basis_points"])
	assert.Equal(t, 8500.0, got["localcached_memory_pressure_limit_basis_points"])
	assert.Contains(t, got, "localcached_uptime_seconds")
}

func TestCollectorWithoutGauges(t *testing.T) {
	c := NewCollector(New(), nil)
	assert.Equal(t, 9, testutil.CollectAndCount(c))
}

func TestUptimeAdvances(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, m.Uptime(), 5*time.Millisecond)
}

func TestTextfileWriter(t *testing.T) {
	m := New()
	m.Evictions.Add(3)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewCollector(m, fakeGauges{})))

	path := filepath.Join(t.TempDir(), "localcached.prom")
	w := NewTextfileWriter(path, time.Hour, reg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "localcached_store_evictions_total 3"), string(data))
}
