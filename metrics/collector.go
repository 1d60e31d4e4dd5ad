package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "localcached"

// Gauges reports point-in-time values that the counters do not cover.
type Gauges interface {
	Keys() uint64
	ApproxMemBytes() uint64
	Topics() uint64
	PressureBP() uint16
	PressureLimitBP() uint16
}

// Collector exports Metrics and Gauges as a prometheus.Collector. Values are
// read on every scrape; nothing is cached.
type Collector struct {
	m      *Metrics
	gauges Gauges

	uptime          *prometheus.Desc
	evictions       *prometheus.Desc
	eventsPublished *prometheus.Desc
	eventsLagged    *prometheus.Desc
	invalidKeys     *prometheus.Desc
	hits            *prometheus.Desc
	misses          *prometheus.Desc
	expired         *prometheus.Desc
	relayErrors     *prometheus.Desc
	keys            *prometheus.Desc
	approxMem       *prometheus.Desc
	topics          *prometheus.Desc
	pressure        *prometheus.Desc
	pressureLimit   *prometheus.Desc
}

// NewCollector builds a Collector. gauges may be nil, in which case only the
// counters are exported.
func NewCollector(m *Metrics, gauges Gauges) *Collector {
	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, nil, nil)
	}
	return &Collector{
		m:      m,
		gauges: gauges,

		uptime:          desc("", "uptime_seconds", "Seconds since the daemon started"),
		evictions:       desc("store", "evictions_total", "Entries removed under memory pressure"),
		eventsPublished: desc("pubsub", "events_published_total", "Events published to the bus"),
		eventsLagged:    desc("pubsub", "lag_signals_total", "Lag signals delivered to subscribers"),
		invalidKeys:     desc("store", "invalid_keys_total", "Requests rejected for an invalid key"),
		hits:            desc("store", "hits_total", "Get requests answered from the store"),
		misses:          desc("store", "misses_total", "Get requests for absent or expired keys"),
		expired:         desc("store", "expired_total", "Expired entries removed by the sweeper"),
		relayErrors:     desc("relay", "errors_total", "Events that could not be relayed"),
		keys:            desc("store", "keys", "Entries currently stored"),
		approxMem:       desc("store", "approx_memory_bytes", "Estimated bytes held by entries"),
		topics:          desc("pubsub", "topics", "Topics created on the bus"),
		pressure:        desc("memory", "pressure_basis_points", "Host memory pressure (0-10000)"),
		pressureLimit:   desc("memory", "pressure_limit_basis_points", "Pressure at which eviction starts"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.uptime, c.evictions, c.eventsPublished, c.eventsLagged, c.invalidKeys,
		c.hits, c.misses, c.expired, c.relayErrors,
	} {
		ch <- d
	}
	if c.gauges != nil {
		for _, d := range []*prometheus.Desc{c.keys, c.approxMem, c.topics, c.pressure, c.pressureLimit} {
			ch <- d
		}
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	gauge(c.uptime, c.m.Uptime().Seconds())
	counter(c.evictions, c.m.Evictions.Load())
	counter(c.eventsPublished, c.m.EventsPublished.Load())
	counter(c.eventsLagged, c.m.EventsLagged.Load())
	counter(c.invalidKeys, c.m.InvalidKeys.Load())
	counter(c.hits, c.m.Hits.Load())
	counter(c.misses, c.m.Misses.Load())
	counter(c.expired, c.m.Expired.Load())
	counter(c.relayErrors, c.m.RelayErrors.Load())

	if c.gauges == nil {
		return
	}
	gauge(c.keys, float64(c.gauges.Keys()))
	gauge(c.approxMem, float64(c.gauges.ApproxMemBytes()))
	gauge(c.topics, float64(c.gauges.Topics()))
	gauge(c.pressure, float64(c.gauges.PressureBP()))
	gauge(c.pressureLimit, float64(c.gauges.PressureLimitBP()))
}
