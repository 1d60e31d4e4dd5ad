// Package server runs the localcached daemon: the Unix socket listener, the
// per-connection state machines and the background evictor, relay and
// metrics loops.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/huykn/localcached/config"
	"github.com/huykn/localcached/evict"
	"github.com/huykn/localcached/memory"
	"github.com/huykn/localcached/metrics"
	"github.com/huykn/localcached/protocol"
	"github.com/huykn/localcached/pubsub"
	"github.com/huykn/localcached/storage"
	lcsync "github.com/huykn/localcached/sync"
	"github.com/huykn/localcached/types"
)

// Relay carries locally originated events to other hosts and delivers
// theirs. *sync.PubSubSynchronizer implements it.
type Relay interface {
	Subscribe(ctx context.Context) error
	Forward(ev types.PushEvent) bool
	OnEvent(callback func(ev types.PushEvent))
	Close() error
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger. *slog.Logger satisfies types.Logger.
func WithLogger(l types.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMemorySource replaces the procfs meminfo reader.
func WithMemorySource(src memory.Source) Option {
	return func(s *Server) { s.memory = src }
}

// WithRelay sets the relay instead of building one from the configuration.
func WithRelay(r Relay) Option {
	return func(s *Server) { s.relay = r }
}

// WithClock sets the millisecond clock used for TTLs and event timestamps.
func WithClock(now func() int64) Option {
	return func(s *Server) { s.now = now }
}

// Server is a localcached daemon instance. All shared components are owned
// here and handed to connections explicitly.
type Server struct {
	cfg     config.Config
	logger  types.Logger
	now     func() int64
	store   *storage.Store
	bus     *pubsub.Bus
	evictor *evict.Evictor
	metrics *metrics.Metrics
	memory  memory.Source
	runtime *config.Runtime
	ops     *semaphore.Weighted
	relay   Relay
	redis   *redis.Client

	registry *prometheus.Registry

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	connWG sync.WaitGroup
	nextID uint64
}

// New builds a Server from a validated configuration.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  types.NewNoOpLogger(),
		now:     func() int64 { return time.Now().UnixMilli() },
		metrics: metrics.New(),
		conns:   make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.memory == nil {
		reader, err := memory.NewReader(cfg.ProcPath)
		if err != nil {
			return nil, errors.WithContext(
				errors.Wrap(err, errors.CodeInvalidConfig, "open procfs"),
				"proc_path", cfg.ProcPath)
		}
		s.memory = reader
	}

	s.store = storage.New(cfg.Shards)
	s.bus = pubsub.New(cfg.PubSubCapacity, s.metrics)
	s.runtime = config.NewRuntime(cfg.PressureHot, cfg.PressureCool)
	s.ops = semaphore.NewWeighted(cfg.MaxConcurrentOps)

	ev, err := evict.New(s.store, s.memory, s.runtime, s.metrics, evict.Options{
		Interval:     cfg.PollInterval(),
		Batch:        cfg.EvictBatch,
		SweepBatch:   cfg.SweepBatch,
		RingCapacity: cfg.RingCapacity,
		Policy:       cfg.EvictPolicy,
		FreeOSMemory: cfg.FreeOSMemory,
		Logger:       s.logger,
		Now:          s.now,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "create evictor")
	}
	s.evictor = ev

	s.registry = prometheus.NewRegistry()
	if err := s.registry.Register(metrics.NewCollector(s.metrics, gauges{s})); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "register metrics")
	}

	if s.relay == nil && cfg.Relay.Enabled() {
		if cfg.Relay.NodeID == "" {
			cfg.Relay.NodeID = uuid.NewString()
			s.cfg.Relay.NodeID = cfg.Relay.NodeID
		}
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.RedisAddr,
			Password: cfg.Relay.RedisPassword,
			DB:       cfg.Relay.RedisDB,
		})
		relay := lcsync.NewPubSubSynchronizer(s.redis, cfg.Relay.Channel, cfg.Relay.NodeID, s.logger)
		relay.OnError(func(error) { s.metrics.RelayErrors.Add(1) })
		s.relay = relay
	}

	return s, nil
}

// Registry returns the Prometheus registry holding the daemon metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Run listens on the configured socket, writes the PID file and serves until
// ctx is cancelled. The socket and PID file are removed on return.
func (s *Server) Run(ctx context.Context) error {
	path := s.cfg.SocketPath
	if err := removeStaleSocket(path); err != nil {
		return err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return errors.WithContext(
			errors.Wrap(err, errors.CodeNetwork, "listen on unix socket"),
			"socket", path)
	}
	defer os.Remove(path)

	if err := os.WriteFile(s.cfg.PIDFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		ln.Close()
		return errors.WithContext(
			errors.Wrap(err, errors.CodeInternal, "write pid file"),
			"pid_file", s.cfg.PIDFile)
	}
	defer os.Remove(s.cfg.PIDFile)

	s.logger.Info("localcached listening",
		"socket", path,
		"pid_file", s.cfg.PIDFile,
		"max_concurrent_ops", s.cfg.MaxConcurrentOps,
		"pressure_hot", s.cfg.PressureHot,
		"pressure_cool", s.cfg.PressureCool)

	return s.Serve(ctx, ln)
}

// removeStaleSocket deletes a socket file left by a previous run. A socket
// that still accepts connections belongs to a live daemon and is kept.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if c, err := net.DialTimeout("unix", path, 100*time.Millisecond); err == nil {
		c.Close()
		return errors.WithContext(
			errors.New(errors.CodeConflict, "socket is in use by another process"),
			"socket", path)
	}
	if err := os.Remove(path); err != nil {
		return errors.WithContext(
			errors.Wrap(err, errors.CodeInternal, "remove stale socket"),
			"socket", path)
	}
	return nil
}

// Serve accepts connections on ln until ctx is cancelled, running the
// evictor, the metrics textfile writer and the relay alongside. It closes ln
// and every open connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.relay != nil {
		s.relay.OnEvent(s.applyRemote)
		if err := s.relay.Subscribe(gctx); err != nil {
			s.logger.Error("relay unavailable, continuing without it", "error", err)
			s.closeRelay()
		} else {
			s.logger.Info("relay subscribed", "channel", s.cfg.Relay.Channel, "node_id", s.cfg.Relay.NodeID)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	g.Go(func() error { return s.evictor.Run(gctx) })

	if s.cfg.Metrics.Textfile != "" {
		w := metrics.NewTextfileWriter(s.cfg.Metrics.Textfile, s.cfg.Metrics.Interval, s.registry, s.logger)
		g.Go(func() error { return w.Run(gctx) })
	}

	err := g.Wait()
	if stderrors.Is(err, net.ErrClosed) {
		err = nil
	}

	s.closeConns()
	s.connWG.Wait()
	s.closeRelay()

	s.logger.Info("localcached stopped")
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			select {
			case <-time.After(10 * time.Millisecond):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		c := s.track(nc)
		if c == nil {
			nc.Close()
			return nil
		}
		go func() {
			defer s.connWG.Done()
			defer s.untrack(nc)
			c.serve(ctx)
		}()
	}
}

// track registers nc and returns its connection handler. It returns nil once
// shutdown has started.
func (s *Server) track(nc net.Conn) *conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return nil
	}
	s.conns[nc] = struct{}{}
	s.connWG.Add(1)
	s.nextID++
	return newConn(s, nc, s.nextID)
}

func (s *Server) untrack(nc net.Conn) {
	s.mu.Lock()
	if s.conns != nil {
		delete(s.conns, nc)
	}
	s.mu.Unlock()
	nc.Close()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for nc := range conns {
		nc.Close()
	}
}

func (s *Server) closeRelay() {
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			s.logger.Warn("relay close failed", "error", err)
		}
		s.relay = nil
	}
	if s.redis != nil {
		s.redis.Close()
		s.redis = nil
	}
}

// publish sends a locally originated event to the bus and the relay.
func (s *Server) publish(ev types.PushEvent) {
	s.bus.Publish(ev)
	if s.relay != nil {
		s.relay.Forward(ev)
	}
}

// applyRemote handles an event relayed from another host: the local copy of
// the key is dropped and the event is republished locally only.
func (s *Server) applyRemote(ev types.PushEvent) {
	if protocol.ValidateTopic(ev.Topic) != nil {
		s.logger.Warn("ignoring relayed event with invalid topic", "topic", ev.Topic)
		return
	}
	if _, _, _, err := protocol.ValidateKey(ev.Key); err == nil {
		if s.store.Del(ev.Key) {
			s.evictor.Forget(ev.Key)
		}
	}
	s.bus.Publish(ev)
}

// Snapshot returns the current Stats.
func (s *Server) Snapshot() protocol.Stats {
	var bp uint16
	if info, err := s.memory.Read(); err == nil {
		bp = info.PressureBP()
	}
	return protocol.Stats{
		UptimeMillis:    uint64(s.metrics.Uptime().Milliseconds()),
		Keys:            uint64(s.store.Len()),
		ApproxMemBytes:  s.store.ApproxMemBytes(),
		Evictions:       s.metrics.Evictions.Load(),
		Topics:          uint64(s.bus.TopicCount()),
		EventsPublished: s.metrics.EventsPublished.Load(),
		EventsLagged:    s.metrics.EventsLagged.Load(),
		InvalidKeys:     s.metrics.InvalidKeys.Load(),
		PressureBP:      bp,
	}
}

// setPressureLimit applies a new hot threshold and, when the store is above
// the implied byte budget, evicts down to it.
func (s *Server) setPressureLimit(bp uint16) (oldBP, newBP uint16, err error) {
	oldBP, err = s.runtime.SetHotBP(bp)
	if err != nil {
		return oldBP, 0, err
	}
	newBP = s.runtime.HotBP()

	info, err := s.memory.Read()
	if err != nil {
		s.logger.Warn("pressure limit changed without forced eviction", "old_bp", oldBP, "new_bp", newBP, "error", err)
		return oldBP, newBP, nil
	}
	target := info.AvailableBytes * uint64(newBP) / 10000
	if s.store.ApproxMemBytes() > target {
		n := s.evictor.EvictToTarget(target)
		s.logger.Info("pressure limit lowered, evicted to target",
			"old_bp", oldBP, "new_bp", newBP, "target_bytes", target, "evicted", n)
	}
	return oldBP, newBP, nil
}

// gauges exposes live values to the Prometheus collector.
type gauges struct{ s *Server }

func (g gauges) Keys() uint64            { return uint64(g.s.store.Len()) }
func (g gauges) ApproxMemBytes() uint64  { return g.s.store.ApproxMemBytes() }
func (g gauges) Topics() uint64          { return uint64(g.s.bus.TopicCount()) }
func (g gauges) PressureLimitBP() uint16 { return g.s.runtime.HotBP() }

func (g gauges) PressureBP() uint16 {
	info, err := g.s.memory.Read()
	if err != nil {
		return 0
	}
	return info.PressureBP()
}

func (s *Server) String() string {
	return fmt.Sprintf("localcached(%s)", s.cfg.SocketPath)
}
