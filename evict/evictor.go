// Package evict removes cache entries while host memory pressure is high.
package evict

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/huykn/localcached/config"
	"github.com/huykn/localcached/memory"
	"github.com/huykn/localcached/metrics"
	"github.com/huykn/localcached/storage"
	"github.com/huykn/localcached/types"
)

// Options configures an Evictor.
type Options struct {
	// Interval is the polling period of Run.
	Interval time.Duration

	// Batch is the number of removals between pressure re-reads and yields.
	Batch int

	// SweepBatch bounds the expired entries removed per tick. 0 disables
	// the sweep.
	SweepBatch int

	// RingCapacity bounds the number of tracked keys.
	RingCapacity int

	// Policy is config.PolicyFIFO or config.PolicyLRU. Under lru a key that
	// was read since it was queued is requeued once instead of removed.
	Policy string

	// FreeOSMemory returns memory to the OS after each eviction burst.
	FreeOSMemory bool

	Logger types.Logger

	// Now returns the current time in unix milliseconds.
	Now func() int64
}

// DefaultOptions returns options matching config.Default.
func DefaultOptions() Options {
	d := config.Default()
	return Options{
		Interval:     d.PollInterval(),
		Batch:        d.EvictBatch,
		SweepBatch:   d.SweepBatch,
		RingCapacity: d.RingCapacity,
		Policy:       d.EvictPolicy,
	}
}

// Evictor polls memory pressure and removes entries between the hot and cool
// thresholds of a config.Runtime.
type Evictor struct {
	store   *storage.Store
	ring    *Ring
	source  memory.Source
	runtime *config.Runtime
	metrics *metrics.Metrics
	logger  types.Logger
	opts    Options

	evicting atomic.Bool
}

// New creates an Evictor.
func New(store *storage.Store, source memory.Source, rt *config.Runtime, m *metrics.Metrics, opts Options) (*Evictor, error) {
	ring, err := NewRing(opts.RingCapacity)
	if err != nil {
		return nil, err
	}
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	if opts.Logger == nil {
		opts.Logger = types.NewNoOpLogger()
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Evictor{
		store:   store,
		ring:    ring,
		source:  source,
		runtime: rt,
		metrics: m,
		logger:  opts.Logger,
		opts:    opts,
	}, nil
}

// OnWrite queues key as the newest eviction candidate.
func (e *Evictor) OnWrite(key string, now int64) {
	e.ring.Push(key, now)
}

// Forget stops tracking key, e.g. after a delete.
func (e *Evictor) Forget(key string) {
	e.ring.Forget(key)
}

// Tracked returns the number of keys in the ring.
func (e *Evictor) Tracked() int {
	return e.ring.Len()
}

// Evicting reports whether the last tick left the evictor above the cool
// threshold.
func (e *Evictor) Evicting() bool {
	return e.evicting.Load()
}

// Run calls Tick every interval until ctx is done.
func (e *Evictor) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick sweeps expired entries, then evicts while pressure requires it. It
// returns the number of entries evicted. Eviction starts once pressure
// reaches the hot threshold and continues, possibly across ticks, until it
// drops below the cool threshold.
func (e *Evictor) Tick(ctx context.Context) int {
	if e.opts.SweepBatch > 0 {
		if n := e.store.SweepExpired(e.opts.Now(), e.opts.SweepBatch); n > 0 {
			e.metrics.Expired.Add(uint64(n))
		}
	}

	info, err := e.source.Read()
	if err != nil {
		e.logger.Debug("memory telemetry unavailable, skipping tick", "error", err)
		return 0
	}

	bp := info.PressureBP()
	hot, cool := e.runtime.Thresholds()
	if !e.evicting.Load() {
		if bp < hot {
			return 0
		}
		e.evicting.Store(true)
		e.logger.Info("memory pressure high, evicting", "pressure_bp", bp, "hot_bp", hot, "cool_bp", cool)
	}

	evicted := 0
	for {
		if bp < cool {
			e.evicting.Store(false)
			e.logger.Info("memory pressure relieved", "pressure_bp", bp, "evicted", evicted)
			break
		}

		n, drained := e.evictBatch()
		evicted += n
		if drained {
			e.logger.Warn("eviction ring empty while pressure is high", "pressure_bp", bp, "keys", e.store.Len())
			break
		}
		if ctx.Err() != nil {
			break
		}
		runtime.Gosched()

		if info, err = e.source.Read(); err != nil {
			e.logger.Debug("memory telemetry unavailable mid-eviction", "error", err)
			break
		}
		bp = info.PressureBP()
		_, cool = e.runtime.Thresholds()
	}

	if evicted > 0 && e.opts.FreeOSMemory {
		debug.FreeOSMemory()
	}
	return evicted
}

// evictBatch removes up to Batch live entries. drained reports that the ring
// ran out of candidates.
func (e *Evictor) evictBatch() (removed int, drained bool) {
	secondChance := e.opts.Policy == config.PolicyLRU

	for attempts := 0; removed < e.opts.Batch && attempts < 2*e.opts.Batch; attempts++ {
		key, queuedAt, ok := e.ring.Pop()
		if !ok {
			return removed, true
		}

		if secondChance {
			touched, live := e.store.TouchedAt(key)
			if !live {
				continue
			}
			if touched > queuedAt {
				e.ring.Push(key, touched)
				continue
			}
		}

		if e.store.Del(key) {
			e.metrics.Evictions.Add(1)
			removed++
		}
	}
	return removed, false
}

// EvictToTarget removes entries in ring order until the store's approximate
// memory is at or below targetBytes or no candidates remain. It ignores the
// pressure thresholds.
func (e *Evictor) EvictToTarget(targetBytes uint64) int {
	evicted := 0
	for e.store.ApproxMemBytes() > targetBytes {
		key, _, ok := e.ring.Pop()
		if !ok {
			break
		}
		if e.store.Del(key) {
			e.metrics.Evictions.Add(1)
			evicted++
			if evicted%e.opts.Batch == 0 {
				runtime.Gosched()
			}
		}
	}
	if evicted > 0 && e.opts.FreeOSMemory {
		debug.FreeOSMemory()
	}
	return evicted
}
