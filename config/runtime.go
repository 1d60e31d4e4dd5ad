package config

import (
	"errors"
	"math"
	"sync/atomic"
)

// MaxPressureLimitBP is the highest hot threshold accepted at runtime.
const MaxPressureLimitBP = 8500

// minPressureLimitBP mirrors MinPressureHot.
const minPressureLimitBP = 100

// ErrLimitExceeded is returned by SetHotBP for values above MaxPressureLimitBP.
var ErrLimitExceeded = errors.New("config: pressure limit exceeds maximum")

// Runtime holds the eviction thresholds that can change while the daemon runs.
// Hot and cool are stored together so readers always see a consistent pair.
type Runtime struct {
	bp atomic.Uint32 // hot<<16 | cool
}

// NewRuntime returns thresholds initialised from fractions.
func NewRuntime(hot, cool float64) *Runtime {
	r := &Runtime{}
	r.store(toBP(hot), toBP(cool))
	return r
}

func toBP(f float64) uint16 {
	return uint16(math.Round(math.Max(0, math.Min(1, f)) * 10000))
}

func (r *Runtime) store(hot, cool uint16) {
	r.bp.Store(uint32(hot)<<16 | uint32(cool))
}

// Thresholds returns the hot and cool thresholds in basis points.
func (r *Runtime) Thresholds() (hot, cool uint16) {
	v := r.bp.Load()
	return uint16(v >> 16), uint16(v)
}

// HotBP returns the hot threshold in basis points.
func (r *Runtime) HotBP() uint16 {
	hot, _ := r.Thresholds()
	return hot
}

// SetHotBP replaces the hot threshold and moves cool so the hysteresis gap is
// kept. Values below 100 bp are raised to 100. It returns the previous hot
// threshold.
func (r *Runtime) SetHotBP(bp uint16) (uint16, error) {
	if bp > MaxPressureLimitBP {
		return r.HotBP(), ErrLimitExceeded
	}
	if bp < minPressureLimitBP {
		bp = minPressureLimitBP
	}

	for {
		old := r.bp.Load()
		hot, cool := uint16(old>>16), uint16(old)
		gap := hot - cool
		newCool := uint16(0)
		if bp > gap {
			newCool = bp - gap
		}
		if r.bp.CompareAndSwap(old, uint32(bp)<<16|uint32(newCool)) {
			return hot, nil
		}
	}
}
