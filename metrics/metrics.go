// Package metrics holds the daemon counters and exports them to Prometheus.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics is the set of monotonically increasing counters shared by every
// connection and the evictor.
type Metrics struct {
	Evictions       atomic.Uint64
	EventsPublished atomic.Uint64
	EventsLagged    atomic.Uint64
	InvalidKeys     atomic.Uint64
	Hits            atomic.Uint64
	Misses          atomic.Uint64
	Expired         atomic.Uint64
	RelayErrors     atomic.Uint64

	start time.Time
}

// New returns zeroed counters with the uptime clock started now.
func New() *Metrics {
	return &Metrics{start: time.Now()}
}

// Uptime returns the time elapsed since New.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.start)
}
