package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables read by ApplyEnv.
const (
	EnvConfig           = "LOCALCACHED_CONFIG"
	EnvSocket           = "LOCALCACHED_SOCKET"
	EnvPIDFile          = "LOCALCACHED_PID_FILE"
	EnvMaxFrame         = "LOCALCACHED_MAX_FRAME"
	EnvPressureHot      = "LOCALCACHED_PRESSURE_HOT"
	EnvPressureCool     = "LOCALCACHED_PRESSURE_COOL"
	EnvPubSubCap        = "LOCALCACHED_PUBSUB_CAP"
	EnvPressurePollMS   = "LOCALCACHED_PRESSURE_POLL_MS"
	EnvMaxConcurrentOps = "LOCALCACHED_MAX_CONCURRENT_OPS"
	EnvShards           = "LOCALCACHED_SHARDS"
	EnvEvictBatch       = "LOCALCACHED_EVICT_BATCH"
	EnvEvictPolicy      = "LOCALCACHED_EVICT_POLICY"
	EnvRingCapacity     = "LOCALCACHED_RING_CAP"
	EnvSweepBatch       = "LOCALCACHED_SWEEP_BATCH"
	EnvFreeOSMemory     = "LOCALCACHED_FREE_OS_MEMORY"
	EnvProcPath         = "LOCALCACHED_PROC_PATH"
	EnvMetricsTextfile  = "LOCALCACHED_METRICS_TEXTFILE"
	EnvMetricsInterval  = "LOCALCACHED_METRICS_INTERVAL"
	EnvRedisAddr        = "LOCALCACHED_REDIS_ADDR"
	EnvRedisPassword    = "LOCALCACHED_REDIS_PASSWORD"
	EnvRedisDB          = "LOCALCACHED_REDIS_DB"
	EnvRelayChannel     = "LOCALCACHED_RELAY_CHANNEL"
	EnvNodeID           = "LOCALCACHED_NODE_ID"
	EnvLogLevel         = "LOCALCACHED_LOG_LEVEL"
	EnvLogFormat        = "LOCALCACHED_LOG_FORMAT"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// envReader applies variables onto fields and collects parse warnings. A
// value that does not parse leaves the field untouched.
type envReader struct {
	lookup   LookupFunc
	warnings []string
}

func (r *envReader) warn(key, value string, err error) {
	r.warnings = append(r.warnings, fmt.Sprintf("ignoring %s=%q: %v", key, value, err))
}

func (r *envReader) stringVar(key string, dst *string) bool {
	v, ok := r.lookup(key)
	if ok {
		*dst = v
	}
	return ok
}

func (r *envReader) intVar(key string, dst *int) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.warn(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) int64Var(key string, dst *int64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			r.warn(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) uint64Var(key string, dst *uint64) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			r.warn(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) uint32Var(key string, dst *uint32) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			r.warn(key, v, err)
			return
		}
		*dst = uint32(n)
	}
}

func (r *envReader) floatVar(key string, dst *float64) {
	if v, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.warn(key, v, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) boolVar(key string, dst *bool) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.warn(key, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) durationVar(key string, dst *time.Duration) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.warn(key, v, err)
			return
		}
		*dst = d
	}
}

// ApplyEnv overrides fields from LOCALCACHED_* variables and returns a
// warning for every value it could not parse. Overriding only the socket
// moves the PID file next to it.
func (c *Config) ApplyEnv(lookup LookupFunc) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	r := &envReader{lookup: lookup}

	if r.stringVar(EnvSocket, &c.SocketPath) {
		c.PIDFile = PIDPathFor(c.SocketPath)
	}
	r.stringVar(EnvPIDFile, &c.PIDFile)
	r.uint32Var(EnvMaxFrame, &c.MaxFrameBytes)
	r.floatVar(EnvPressureHot, &c.PressureHot)
	r.floatVar(EnvPressureCool, &c.PressureCool)
	r.intVar(EnvPubSubCap, &c.PubSubCapacity)
	r.uint64Var(EnvPressurePollMS, &c.PressurePollMS)
	r.int64Var(EnvMaxConcurrentOps, &c.MaxConcurrentOps)

	r.intVar(EnvShards, &c.Shards)
	r.intVar(EnvEvictBatch, &c.EvictBatch)
	r.stringVar(EnvEvictPolicy, &c.EvictPolicy)
	r.intVar(EnvRingCapacity, &c.RingCapacity)
	r.intVar(EnvSweepBatch, &c.SweepBatch)
	r.boolVar(EnvFreeOSMemory, &c.FreeOSMemory)
	r.stringVar(EnvProcPath, &c.ProcPath)

	r.stringVar(EnvMetricsTextfile, &c.Metrics.Textfile)
	r.durationVar(EnvMetricsInterval, &c.Metrics.Interval)

	r.stringVar(EnvRedisAddr, &c.Relay.RedisAddr)
	r.stringVar(EnvRedisPassword, &c.Relay.RedisPassword)
	r.intVar(EnvRedisDB, &c.Relay.RedisDB)
	r.stringVar(EnvRelayChannel, &c.Relay.Channel)
	r.stringVar(EnvNodeID, &c.Relay.NodeID)

	r.stringVar(EnvLogLevel, &c.Log.Level)
	r.stringVar(EnvLogFormat, &c.Log.Format)

	return r.warnings
}
