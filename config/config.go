// Package config holds the daemon configuration: defaults, an optional YAML
// file and LOCALCACHED_* environment overrides, in that order of precedence.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
)

const (
	// MaxPressureHot is the highest accepted hot threshold.
	MaxPressureHot = 0.85

	// MinPressureHot is the lowest accepted hot threshold.
	MinPressureHot = 0.01

	// defaultHysteresis is the hot/cool gap restored when cool would not be
	// below hot.
	defaultHysteresis = 0.05
)

// Eviction ring policies.
const (
	PolicyFIFO = "fifo"
	PolicyLRU  = "lru"
)

// Config is the daemon configuration.
type Config struct {
	// SocketPath is the Unix socket the daemon listens on.
	SocketPath string `yaml:"socket_path"`

	// PIDFile is written after the socket is bound. When empty it is derived
	// from SocketPath.
	PIDFile string `yaml:"pid_file"`

	// MaxFrameBytes bounds the declared length of a request frame.
	MaxFrameBytes uint32 `yaml:"max_frame_bytes"`

	// PressureHot and PressureCool are fractions of total memory in use.
	// Eviction starts at hot and continues until pressure drops below cool.
	PressureHot  float64 `yaml:"pressure_hot"`
	PressureCool float64 `yaml:"pressure_cool"`

	// PubSubCapacity is the per-subscriber event buffer.
	PubSubCapacity int `yaml:"pubsub_capacity"`

	// PressurePollMS is the evictor polling interval in milliseconds.
	PressurePollMS uint64 `yaml:"pressure_poll_ms"`

	// MaxConcurrentOps bounds key-value requests in flight across all
	// connections.
	MaxConcurrentOps int64 `yaml:"max_concurrent_ops"`

	Shards       int    `yaml:"shards"`
	EvictBatch   int    `yaml:"evict_batch"`
	EvictPolicy  string `yaml:"evict_policy"`
	RingCapacity int    `yaml:"ring_capacity"`
	SweepBatch   int    `yaml:"sweep_batch"`

	// FreeOSMemory returns freed pages to the OS after an eviction burst.
	FreeOSMemory bool `yaml:"free_os_memory"`

	// ProcPath is the procfs mount point used to read meminfo.
	ProcPath string `yaml:"proc_path"`

	Metrics MetricsConfig `yaml:"metrics"`
	Relay   RelayConfig   `yaml:"relay"`
	Log     LogConfig     `yaml:"log"`
}

// MetricsConfig configures the Prometheus textfile export.
type MetricsConfig struct {
	// Textfile is the output path. Empty disables the export.
	Textfile string        `yaml:"textfile"`
	Interval time.Duration `yaml:"interval"`
}

// RelayConfig configures cross-host event relaying over Redis Pub/Sub.
type RelayConfig struct {
	// RedisAddr enables the relay when set (e.g., "localhost:6379").
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Channel       string `yaml:"channel"`

	// NodeID identifies this daemon on the relay channel. A random UUID is
	// used when empty.
	NodeID string `yaml:"node_id"`
}

// Enabled reports whether the relay should run.
func (r RelayConfig) Enabled() bool {
	return r.RedisAddr != ""
}

// LogConfig configures the slog handler built by the daemon.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		SocketPath:       "/run/localcached.sock",
		PIDFile:          "/run/localcached.pid",
		MaxFrameBytes:    8 * 1024 * 1024,
		PressureHot:      0.85,
		PressureCool:     0.80,
		PubSubCapacity:   256,
		PressurePollMS:   150,
		MaxConcurrentOps: 10000,
		Shards:           64,
		EvictBatch:       64,
		EvictPolicy:      PolicyFIFO,
		RingCapacity:     1 << 20,
		SweepBatch:       1024,
		ProcPath:         "/proc",
		Metrics: MetricsConfig{
			Interval: 15 * time.Second,
		},
		Relay: RelayConfig{
			Channel: "localcached:events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// PollInterval returns PressurePollMS as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PressurePollMS) * time.Millisecond
}

// PIDPathFor derives the PID file path of a socket: same directory, same
// stem, ".pid" extension.
func PIDPathFor(socketPath string) string {
	dir := filepath.Dir(socketPath)
	stem := strings.TrimSuffix(filepath.Base(socketPath), filepath.Ext(socketPath))
	return filepath.Join(dir, stem+".pid")
}

// normalize clamps out-of-range values and fills derived fields. It returns
// a warning for every adjustment.
func (c *Config) normalize() []string {
	var warnings []string

	switch {
	case c.PressureHot > MaxPressureHot:
		warnings = append(warnings, "pressure_hot exceeds maximum 0.85, clamping to 0.85")
		c.PressureHot = MaxPressureHot
	case c.PressureHot < MinPressureHot:
		warnings = append(warnings, "pressure_hot is too low, using minimum 0.01")
		c.PressureHot = MinPressureHot
	}

	if c.PressureCool >= c.PressureHot {
		cool := c.PressureHot - defaultHysteresis
		if cool < 0 {
			cool = 0
		}
		warnings = append(warnings, "pressure_cool must be below pressure_hot, lowering it")
		c.PressureCool = cool
	}

	if c.PIDFile == "" {
		c.PIDFile = PIDPathFor(c.SocketPath)
	}
	if c.Relay.NodeID == "" {
		c.Relay.NodeID = uuid.NewString()
	}
	c.EvictPolicy = strings.ToLower(c.EvictPolicy)

	return warnings
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.SocketPath == "":
		return invalid("socket_path", "must not be empty")
	case c.MaxFrameBytes == 0:
		return invalid("max_frame_bytes", "must be positive")
	case c.PressureHot < 0 || c.PressureHot > 1:
		return invalid("pressure_hot", "must be within [0, 1]")
	case c.PressureCool < 0 || c.PressureCool > 1:
		return invalid("pressure_cool", "must be within [0, 1]")
	case c.PressureHot <= c.PressureCool:
		return invalid("pressure_cool", "must be below pressure_hot")
	case c.PubSubCapacity <= 0:
		return invalid("pubsub_capacity", "must be positive")
	case c.PressurePollMS == 0:
		return invalid("pressure_poll_ms", "must be positive")
	case c.MaxConcurrentOps <= 0:
		return invalid("max_concurrent_ops", "must be positive")
	case c.Shards <= 0:
		return invalid("shards", "must be positive")
	case c.EvictBatch <= 0:
		return invalid("evict_batch", "must be positive")
	case c.EvictPolicy != PolicyFIFO && c.EvictPolicy != PolicyLRU:
		return invalid("evict_policy", "must be fifo or lru")
	case c.RingCapacity <= 0:
		return invalid("ring_capacity", "must be positive")
	case c.SweepBatch < 0:
		return invalid("sweep_batch", "must not be negative")
	case c.Metrics.Textfile != "" && c.Metrics.Interval <= 0:
		return invalid("metrics.interval", "must be positive")
	case c.Relay.Enabled() && c.Relay.Channel == "":
		return invalid("relay.channel", "must not be empty when the relay is enabled")
	}
	return nil
}

func invalid(field, msg string) error {
	err := errors.Newf(errors.CodeInvalidConfig, "%s %s", field, msg)
	return errors.WithContext(err, "field", field)
}
