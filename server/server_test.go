package server

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jerrors "github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykn/localcached/config"
	"github.com/huykn/localcached/memory"
	"github.com/huykn/localcached/protocol"
	"github.com/huykn/localcached/types"
)

// lowPressure keeps the background evictor idle.
var lowPressure = memory.Static{TotalBytes: 1 << 30, AvailableBytes: 1 << 29}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.SocketPath = filepath.Join(dir, "lc.sock")
	cfg.PIDFile = filepath.Join(dir, "lc.pid")
	cfg.PressurePollMS = 10
	return cfg
}

func startServer(t *testing.T, cfg config.Config, opts ...Option) *Server {
	t.Helper()
	srv, err := New(cfg, append([]Option{WithMemorySource(lowPressure)}, opts...)...)
	require.NoError(t, err)

	ln, err := net.Listen("unix", cfg.SocketPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv
}

type rawClient struct {
	t  *testing.T
	nc net.Conn
	r  *bufio.Reader
}

func dial(t *testing.T, path string) *rawClient {
	t.Helper()
	nc, err := net.Dial("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	return &rawClient{t: t, nc: nc, r: bufio.NewReader(nc)}
}

func (c *rawClient) send(op protocol.Opcode, payload []byte) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteRequest(c.nc, op, payload))
}

func (c *rawClient) recv() protocol.Frame {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	f, err := protocol.ReadFrame(c.r, protocol.DefaultMaxFrameBytes)
	require.NoError(c.t, err)
	return f
}

func (c *rawClient) call(op protocol.Opcode, payload []byte) protocol.Frame {
	c.t.Helper()
	c.send(op, payload)
	return c.recv()
}

func (c *rawClient) set(key, value string, ttl uint64, suppress bool) protocol.Status {
	c.t.Helper()
	f := c.call(protocol.OpSet, protocol.EncodeSet(protocol.SetRequest{
		Format:          types.FormatJSON,
		SuppressPublish: suppress,
		Key:             key,
		Value:           []byte(value),
		TTLMillis:       ttl,
	}))
	return protocol.Status(f.Code)
}

func (c *rawClient) stats() protocol.Stats {
	c.t.Helper()
	f := c.call(protocol.OpStats, nil)
	require.Equal(c.t, byte(protocol.StatusOK), f.Code)
	st, err := protocol.DecodeStats(f.Payload)
	require.NoError(c.t, err)
	return st
}

// expectClosed asserts the server closes the connection without sending more.
func (c *rawClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.r.ReadByte()
	require.Error(c.t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(c.t, ne.Timeout(), "connection was not closed")
	}
}

func TestKeyValueRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	assert.Equal(t, byte(protocol.StatusOK), c.call(protocol.OpPing, nil).Code)
	assert.Equal(t, protocol.StatusOK, c.set("billing:invoice:1", `{"total":42}`, 0, false))

	f := c.call(protocol.OpGet, protocol.EncodeKey("billing:invoice:1"))
	require.Equal(t, byte(protocol.StatusOK), f.Code)
	resp, err := protocol.DecodeGetResponse(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, types.FormatJSON, resp.Format)
	assert.Equal(t, `{"total":42}`, string(resp.Value))
	assert.Zero(t, resp.TTLRemaining)

	assert.Equal(t, byte(protocol.StatusOK), c.call(protocol.OpDel, protocol.EncodeKey("billing:invoice:1")).Code)
	assert.Equal(t, byte(protocol.StatusNotFound), c.call(protocol.OpGet, protocol.EncodeKey("billing:invoice:1")).Code)
	assert.Equal(t, byte(protocol.StatusNotFound), c.call(protocol.OpDel, protocol.EncodeKey("billing:invoice:1")).Code)
}

func TestInvalidKeysAreCounted(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	assert.Equal(t, protocol.StatusInvalidKeyFormat, c.set("no-colons", "1", 0, false))
	assert.Equal(t, byte(protocol.StatusInvalidKeyFormat), c.call(protocol.OpGet, protocol.EncodeKey("a:b")).Code)
	assert.Equal(t, byte(protocol.StatusInvalidKeyFormat), c.call(protocol.OpDel, protocol.EncodeKey("a::c")).Code)

	st := c.stats()
	assert.Equal(t, uint64(3), st.InvalidKeys)
	assert.Zero(t, st.Keys)
}

func TestMalformedPayloads(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	assert.Equal(t, byte(protocol.StatusBadPayload), c.call(protocol.OpSet, []byte{1, 0}).Code)
	assert.Equal(t, byte(protocol.StatusBadPayload), c.call(protocol.OpGet, []byte{5}).Code)

	bad := protocol.EncodeSet(protocol.SetRequest{Format: types.FormatJSON, Key: "billing:invoice:1", Value: []byte("1")})
	bad[0] = 9
	assert.Equal(t, byte(protocol.StatusUnsupportedFmt), c.call(protocol.OpSet, bad).Code)

	// the connection survives every rejection
	assert.Equal(t, byte(protocol.StatusOK), c.call(protocol.OpPing, nil).Code)
}

func TestTTLUsesServerClock(t *testing.T) {
	var now atomic.Int64
	now.Store(1000)

	cfg := testConfig(t)
	startServer(t, cfg, WithClock(now.Load))
	c := dial(t, cfg.SocketPath)

	require.Equal(t, protocol.StatusOK, c.set("billing:invoice:1", "1", 500, false))

	now.Store(1200)
	f := c.call(protocol.OpGet, protocol.EncodeKey("billing:invoice:1"))
	require.Equal(t, byte(protocol.StatusOK), f.Code)
	resp, err := protocol.DecodeGetResponse(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), resp.TTLRemaining)

	now.Store(1500)
	assert.Equal(t, byte(protocol.StatusNotFound), c.call(protocol.OpGet, protocol.EncodeKey("billing:invoice:1")).Code)
}

func TestKeysAndStats(t *testing.T) {
	cfg := testConfig(t)
	srv := startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	for _, k := range []string{"billing:invoice:2", "billing:invoice:1", "auth:user:1"} {
		require.Equal(t, protocol.StatusOK, c.set(k, "v", 0, false))
	}

	f := c.call(protocol.OpKeys, protocol.EncodeKeysRequest("billing:"))
	require.Equal(t, byte(protocol.StatusOK), f.Code)
	keys, err := protocol.DecodeKeysResponse(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing:invoice:1", "billing:invoice:2"}, keys)

	f = c.call(protocol.OpKeys, nil)
	keys, err = protocol.DecodeKeysResponse(f.Payload)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	st := c.stats()
	assert.Equal(t, uint64(3), st.Keys)
	assert.Equal(t, uint64(2), st.Topics)
	assert.Equal(t, uint64(3), st.EventsPublished)
	assert.Equal(t, uint16(5000), st.PressureBP)
	assert.Positive(t, st.ApproxMemBytes)
	assert.Equal(t, srv.Snapshot().Keys, st.Keys)
}

func TestUnknownOpcodeKeepsConnection(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	assert.Equal(t, byte(protocol.StatusBadPayload), c.call(protocol.Opcode(0x42), nil).Code)
	assert.Equal(t, byte(protocol.StatusBadPayload), c.call(protocol.OpPushEvent, nil).Code)
	assert.Equal(t, byte(protocol.StatusOK), c.call(protocol.OpPing, nil).Code)
}

func TestSubscribeRejectedOnKeyValueConnection(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	require.Equal(t, byte(protocol.StatusOK), c.call(protocol.OpPing, nil).Code)
	assert.Equal(t, byte(protocol.StatusBadPayload), c.call(protocol.OpSubscribe, protocol.EncodeTopic("t:billing:invoice")).Code)
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFrameBytes = 64
	startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 1000)
	_, err := c.nc.Write(hdr[:])
	require.NoError(t, err)

	assert.Equal(t, byte(protocol.StatusTooLarge), c.recv().Code)
	c.expectClosed()
}

func TestEmptyFrameClosesConnection(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	_, err := c.nc.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	c.expectClosed()
}

func expectPush(t *testing.T, c *rawClient) types.PushEvent {
	t.Helper()
	f := c.recv()
	require.Equal(t, byte(protocol.OpPushEvent), f.Code)
	ev, err := protocol.DecodePushEvent(f.Payload)
	require.NoError(t, err)
	return ev
}

func TestSubscriberReceivesEvents(t *testing.T) {
	var now atomic.Int64
	now.Store(1700000000000)

	cfg := testConfig(t)
	startServer(t, cfg, WithClock(now.Load))
	sub := dial(t, cfg.SocketPath)
	kv := dial(t, cfg.SocketPath)

	require.Equal(t, byte(protocol.StatusOK), sub.call(protocol.OpSubscribe, protocol.EncodeTopic("t:billing:invoice")).Code)

	require.Equal(t, protocol.StatusOK, kv.set("billing:invoice:1", "1", 0, false))
	ev := expectPush(t, sub)
	assert.Equal(t, types.PushEvent{
		Type:      types.EventTableChanged,
		Topic:     "t:billing:invoice",
		Key:       "billing:invoice:1",
		Timestamp: 1700000000000,
	}, ev)

	// suppressed writes and other tables are silent
	require.Equal(t, protocol.StatusOK, kv.set("billing:invoice:2", "1", 0, true))
	require.Equal(t, protocol.StatusOK, kv.set("billing:customer:1", "1", 0, false))
	require.Equal(t, byte(protocol.StatusOK), kv.call(protocol.OpDel, protocol.EncodeKey("billing:invoice:2")).Code)

	ev = expectPush(t, sub)
	assert.Equal(t, types.EventInvalidate, ev.Type)
	assert.Equal(t, "billing:invoice:2", ev.Key)

	// pings are answered in line with pushes
	assert.Equal(t, byte(protocol.StatusOK), sub.call(protocol.OpPing, nil).Code)
}

func TestSubscribeRoleRejectsKeyValueOps(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)
	sub := dial(t, cfg.SocketPath)

	require.Equal(t, byte(protocol.StatusOK), sub.call(protocol.OpSubscribe, protocol.EncodeTopic("t:billing:invoice")).Code)
	assert.Equal(t, byte(protocol.StatusBadPayload), sub.call(protocol.OpGet, protocol.EncodeKey("billing:invoice:1")).Code)
	assert.Equal(t, byte(protocol.StatusBadPayload), sub.call(protocol.OpSubscribe, protocol.EncodeTopic("billing")).Code)
	assert.Equal(t, byte(protocol.StatusOK), sub.call(protocol.OpPing, nil).Code)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	cfg := testConfig(t)
	srv := startServer(t, cfg)
	sub := dial(t, cfg.SocketPath)
	kv := dial(t, cfg.SocketPath)

	for _, topic := range []string{"t:billing:invoice", "t:billing:customer", "t:billing:invoice"} {
		require.Equal(t, byte(protocol.StatusOK), sub.call(protocol.OpSubscribe, protocol.EncodeTopic(topic)).Code)
	}
	assert.Equal(t, 1, srv.bus.Subscribers("t:billing:invoice"))

	require.Equal(t, byte(protocol.StatusOK), sub.call(protocol.OpUnsubscribe, protocol.EncodeTopic("t:billing:invoice")).Code)
	require.Equal(t, byte(protocol.StatusOK), sub.call(protocol.OpUnsubscribe, protocol.EncodeTopic("t:billing:invoice")).Code)
	assert.Equal(t, 0, srv.bus.Subscribers("t:billing:invoice"))

	require.Equal(t, protocol.StatusOK, kv.set("billing:invoice:1", "1", 0, false))
	require.Equal(t, protocol.StatusOK, kv.set("billing:customer:1", "1", 0, false))

	ev := expectPush(t, sub)
	assert.Equal(t, "billing:customer:1", ev.Key)
}

func TestFirstFrameUnsubscribeEntersSubscribeRole(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	require.Equal(t, byte(protocol.StatusOK), c.call(protocol.OpUnsubscribe, protocol.EncodeTopic("t:billing:invoice")).Code)
	assert.Equal(t, byte(protocol.StatusBadPayload), c.call(protocol.OpStats, nil).Code)
}

func TestLaggedSubscriberIsNotified(t *testing.T) {
	cfg := testConfig(t)
	srv, err := New(cfg, WithMemorySource(lowPressure))
	require.NoError(t, err)

	srvSide, cliSide := net.Pipe()
	defer srvSide.Close()
	defer cliSide.Close()

	sc := &subscriber{
		conn:   newConn(srv, srvSide, 1),
		ctx:    context.Background(),
		topics: make(map[string]*forwarder),
		out:    make(chan delivery, 1),
	}
	sc.subscribe("t:billing:invoice")
	defer sc.unsubscribeAll()

	errc := make(chan error, 1)
	go func() {
		errc <- sc.deliver(delivery{sub: sc.topics["t:billing:invoice"].sub, missed: 3})
	}()

	f, err := protocol.ReadFrame(cliSide, protocol.DefaultMaxFrameBytes)
	require.NoError(t, err)
	require.NoError(t, <-errc)

	assert.Equal(t, byte(protocol.StatusLagged), f.Code)
	topic, err := protocol.DecodeLagged(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "t:billing:invoice", topic)
	assert.Equal(t, uint64(1), srv.metrics.EventsLagged.Load())
}

func TestSetPressureLimit(t *testing.T) {
	cfg := testConfig(t)
	startServer(t, cfg)
	c := dial(t, cfg.SocketPath)

	f := c.call(protocol.OpSetConfig, protocol.EncodeSetConfig(protocol.ConfigPressureLimit, 7000))
	require.Equal(t, byte(protocol.StatusOK), f.Code)
	oldBP, newBP, err := protocol.DecodeSetConfigResult(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(8500), oldBP)
	assert.Equal(t, uint16(7000), newBP)

	f = c.call(protocol.OpSetConfig, protocol.EncodeSetConfig(protocol.ConfigPressureLimit, 9000))
	require.Equal(t, byte(protocol.StatusBadPayload), f.Code)
	maxBP, ok := protocol.DecodeLimitRejected(f.Payload)
	require.True(t, ok)
	assert.Equal(t, uint16(8500), maxBP)

	assert.Equal(t, byte(protocol.StatusBadPayload), c.call(protocol.OpSetConfig, []byte{1, 0}).Code)
	assert.Equal(t, byte(protocol.StatusBadPayload), c.call(protocol.OpSetConfig, protocol.EncodeSetConfig(0x02, 100)).Code)
}

func TestLowerPressureLimitEvictsToTarget(t *testing.T) {
	cfg := testConfig(t)
	// 10000 bytes available at a limit of 100bp leaves a 100 byte budget
	srv := startServer(t, cfg, WithMemorySource(memory.Static{TotalBytes: 20000, AvailableBytes: 10000}))
	c := dial(t, cfg.SocketPath)

	for i := 0; i < 10; i++ {
		require.Equal(t, protocol.StatusOK, c.set("billing:invoice:"+strconv.Itoa(i), strings.Repeat("x", 32), 0, true))
	}

	f := c.call(protocol.OpSetConfig, protocol.EncodeSetConfig(protocol.ConfigPressureLimit, 100))
	require.Equal(t, byte(protocol.StatusOK), f.Code)

	st := c.stats()
	assert.LessOrEqual(t, st.ApproxMemBytes, uint64(100))
	assert.Positive(t, st.Evictions)
	assert.Equal(t, uint16(100), srv.runtime.HotBP())
}

type fakeRelay struct {
	mu        sync.Mutex
	forwarded []types.PushEvent
	onEvent   func(types.PushEvent)
	subErr    error
	closed    atomic.Bool
}

func (r *fakeRelay) Subscribe(context.Context) error { return r.subErr }

func (r *fakeRelay) Forward(ev types.PushEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forwarded = append(r.forwarded, ev)
	return true
}

func (r *fakeRelay) OnEvent(cb func(types.PushEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = cb
}

func (r *fakeRelay) Close() error {
	r.closed.Store(true)
	return nil
}

func (r *fakeRelay) snapshot() ([]types.PushEvent, func(types.PushEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.PushEvent(nil), r.forwarded...), r.onEvent
}

func TestRelayForwardsAndAppliesRemoteEvents(t *testing.T) {
	relay := &fakeRelay{}
	cfg := testConfig(t)
	srv := startServer(t, cfg, WithRelay(relay))
	sub := dial(t, cfg.SocketPath)
	kv := dial(t, cfg.SocketPath)

	require.Equal(t, byte(protocol.StatusOK), sub.call(protocol.OpSubscribe, protocol.EncodeTopic("t:billing:invoice")).Code)
	require.Equal(t, protocol.StatusOK, kv.set("billing:invoice:1", "1", 0, false))
	expectPush(t, sub)

	forwarded, apply := relay.snapshot()
	require.Len(t, forwarded, 1)
	assert.Equal(t, "billing:invoice:1", forwarded[0].Key)
	require.NotNil(t, apply)

	apply(types.PushEvent{Type: types.EventTableChanged, Topic: "t:billing:invoice", Key: "billing:invoice:1", Timestamp: 5})

	ev := expectPush(t, sub)
	assert.Equal(t, uint64(5), ev.Timestamp)
	assert.Equal(t, byte(protocol.StatusNotFound), kv.call(protocol.OpGet, protocol.EncodeKey("billing:invoice:1")).Code)
	assert.Zero(t, srv.evictor.Tracked())

	// remote events are not sent back out
	forwarded, _ = relay.snapshot()
	assert.Len(t, forwarded, 1)
}

func TestRelayFailureDoesNotStopServer(t *testing.T) {
	relay := &fakeRelay{subErr: errors.New("connection refused")}
	cfg := testConfig(t)
	startServer(t, cfg, WithRelay(relay))
	c := dial(t, cfg.SocketPath)

	assert.Equal(t, protocol.StatusOK, c.set("billing:invoice:1", "1", 0, false))
	assert.True(t, relay.closed.Load())
	forwarded, _ := relay.snapshot()
	assert.Empty(t, forwarded)
}

func TestRunManagesSocketAndPIDFile(t *testing.T) {
	cfg := testConfig(t)
	// a leftover regular file stands in for a stale socket
	require.NoError(t, os.WriteFile(cfg.SocketPath, nil, 0o600))

	srv, err := New(cfg, WithMemorySource(lowPressure))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		nc, err := net.Dial("unix", cfg.SocketPath)
		if err != nil {
			return false
		}
		nc.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	pid, err := os.ReadFile(cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(pid)))

	second, err := New(cfg, WithMemorySource(lowPressure))
	require.NoError(t, err)
	err = second.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, jerrors.CodeConflict, jerrors.GetCode(err))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestServerMetricsRegistry(t *testing.T) {
	cfg := testConfig(t)
	srv := startServer(t, cfg)
	c := dial(t, cfg.SocketPath)
	require.Equal(t, protocol.StatusOK, c.set("billing:invoice:1", "1", 0, false))
	c.call(protocol.OpGet, protocol.EncodeKey("billing:invoice:1"))

	families, err := srv.Registry().Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			values[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	assert.Equal(t, float64(1), values["localcached_store_keys"])
	assert.Equal(t, float64(1), values["localcached_store_hits_total"])
	assert.Equal(t, float64(8500), values["localcached_memory_pressure_limit_basis_points"])
	assert.Equal(t, float64(5000), values["localcached_memory_pressure_basis_points"])
}
