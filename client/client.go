// Package client talks to a localcached daemon over its Unix socket.
//
// A Client issues key/value requests and is safe for concurrent use; calls
// are serialized on one connection. A Subscriber owns a separate connection
// in the subscribe role and streams push events.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/huykn/localcached/protocol"
	"github.com/huykn/localcached/types"
)

// DefaultSocketPath is the daemon socket used when Dial is given "".
const DefaultSocketPath = "/run/localcached.sock"

// ErrClosed is returned by calls on a closed Client or Subscriber.
var ErrClosed = errors.New("client: connection closed")

// Options configures Dial and DialSubscriber.
type Options struct {
	// DialTimeout bounds connection setup when ctx has no deadline.
	DialTimeout time.Duration

	// MaxFrameBytes bounds frames read from the daemon.
	MaxFrameBytes uint32

	// Marshaller is used by SetValue and GetValue.
	Marshaller Marshaller

	// EventBuffer bounds the push frames a Subscriber holds for Next. When
	// full, the oldest are dropped and Next reports a *LaggedError.
	EventBuffer int
}

// DefaultOptions returns the options used by Dial.
func DefaultOptions() Options {
	return Options{
		DialTimeout:   time.Second,
		MaxFrameBytes: protocol.DefaultMaxFrameBytes,
		Marshaller:    NewJSONMarshaller(),
		EventBuffer:   DefaultEventBuffer,
	}
}

// Option modifies Options.
type Option func(*Options)

// WithDialTimeout sets Options.DialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

// WithMaxFrameBytes sets Options.MaxFrameBytes.
func WithMaxFrameBytes(n uint32) Option {
	return func(o *Options) { o.MaxFrameBytes = n }
}

// WithMarshaller sets Options.Marshaller.
func WithMarshaller(m Marshaller) Option {
	return func(o *Options) { o.Marshaller = m }
}

// WithEventBuffer sets Options.EventBuffer.
func WithEventBuffer(n int) Option {
	return func(o *Options) { o.EventBuffer = n }
}

func buildOptions(opts []Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Marshaller == nil {
		o.Marshaller = NewJSONMarshaller()
	}
	if o.MaxFrameBytes == 0 {
		o.MaxFrameBytes = protocol.DefaultMaxFrameBytes
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

func dial(ctx context.Context, path string, o Options) (net.Conn, error) {
	if path == "" {
		path = DefaultSocketPath
	}
	d := net.Dialer{Timeout: o.DialTimeout}
	nc, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}
	return nc, nil
}

// Client is a key/value connection to the daemon.
type Client struct {
	opts Options

	mu     sync.Mutex
	nc     net.Conn
	r      *bufio.Reader
	closed bool
}

// Dial connects to the daemon socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	nc, err := dial(ctx, path, o)
	if err != nil {
		return nil, err
	}
	return &Client{opts: o, nc: nc, r: bufio.NewReader(nc)}, nil
}

// Close closes the connection. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}

// roundTrip sends one request and returns the OK reply payload. A non-OK
// status is returned as *protocol.StatusError. I/O errors poison the
// connection, since a partial frame leaves the stream unusable.
func (c *Client) roundTrip(ctx context.Context, op protocol.Opcode, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	deadline, _ := ctx.Deadline()
	if err := c.nc.SetDeadline(deadline); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.nc.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := protocol.WriteRequest(c.nc, op, payload); err != nil {
		return nil, c.fail(ctx, err)
	}
	f, err := protocol.ReadFrame(c.r, c.opts.MaxFrameBytes)
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	st, err := protocol.ParseStatus(f.Code)
	if err != nil {
		return nil, c.fail(ctx, err)
	}
	if st != protocol.StatusOK {
		return nil, &protocol.StatusError{Status: st, Payload: f.Payload}
	}
	return f.Payload, nil
}

func (c *Client) fail(ctx context.Context, err error) error {
	c.closed = true
	c.nc.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("client: %w", err)
}

// Ping checks that the daemon is answering.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, protocol.OpPing, nil)
	return err
}

// SetOptions tunes a Set.
type SetOptions struct {
	// Format tags the value. Zero means FormatJSON.
	Format types.ValueFormat

	// TTL is the entry lifetime, at millisecond resolution. Zero never expires.
	TTL time.Duration

	// SuppressPublish stores the value without notifying subscribers.
	SuppressPublish bool
}

// Set stores value under key, which must have the form "service:table:pk".
func (c *Client) Set(ctx context.Context, key string, value []byte, o SetOptions) error {
	if _, _, _, err := protocol.ValidateKey(key); err != nil {
		return err
	}
	if len(value) == 0 {
		return fmt.Errorf("%w: empty value", protocol.ErrBadPayload)
	}
	if o.Format == 0 {
		o.Format = types.FormatJSON
	}
	var ttl uint64
	if o.TTL > 0 {
		ttl = uint64(o.TTL.Milliseconds())
		if ttl == 0 {
			ttl = 1
		}
	}

	_, err := c.roundTrip(ctx, protocol.OpSet, protocol.EncodeSet(protocol.SetRequest{
		Format:          o.Format,
		SuppressPublish: o.SuppressPublish,
		Key:             key,
		Value:           value,
		TTLMillis:       ttl,
	}))
	return err
}

// Value is a cached entry as returned by Get.
type Value struct {
	Format types.ValueFormat
	Data   []byte
	// TTL is the remaining lifetime, zero for entries without expiry.
	TTL time.Duration
}

// Get returns the entry stored under key. found is false for a missing or
// expired key.
func (c *Client) Get(ctx context.Context, key string) (v Value, found bool, err error) {
	if _, _, _, err := protocol.ValidateKey(key); err != nil {
		return Value{}, false, err
	}
	p, err := c.roundTrip(ctx, protocol.OpGet, protocol.EncodeKey(key))
	if errors.Is(err, protocol.ErrNotFound) {
		return Value{}, false, nil
	}
	if err != nil {
		return Value{}, false, err
	}
	resp, err := protocol.DecodeGetResponse(p)
	if err != nil {
		return Value{}, false, err
	}
	return Value{
		Format: resp.Format,
		Data:   resp.Value,
		TTL:    remaining(resp.TTLRemaining),
	}, true, nil
}

// remaining converts a millisecond TTL to a Duration, saturating at the
// largest Duration.
func remaining(ms uint64) time.Duration {
	if ms > uint64(math.MaxInt64/int64(time.Millisecond)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

// Del removes key and reports whether it existed.
func (c *Client) Del(ctx context.Context, key string) (existed bool, err error) {
	if _, _, _, err := protocol.ValidateKey(key); err != nil {
		return false, err
	}
	_, err = c.roundTrip(ctx, protocol.OpDel, protocol.EncodeKey(key))
	if errors.Is(err, protocol.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SetValue marshals v with the configured Marshaller and stores it.
func (c *Client) SetValue(ctx context.Context, key string, v any, o SetOptions) error {
	data, err := c.opts.Marshaller.Marshal(v)
	if err != nil {
		return fmt.Errorf("client: marshal %s: %w", key, err)
	}
	o.Format = c.opts.Marshaller.Format()
	return c.Set(ctx, key, data, o)
}

// GetValue fetches key and unmarshals it into v. A missing key yields an
// error matching protocol.ErrNotFound.
func (c *Client) GetValue(ctx context.Context, key string, v any) error {
	val, found, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", protocol.ErrNotFound, key)
	}
	if val.Format != c.opts.Marshaller.Format() {
		return fmt.Errorf("%w: %s stored as %s", protocol.ErrUnsupportedFormat, key, val.Format)
	}
	if err := c.opts.Marshaller.Unmarshal(val.Data, v); err != nil {
		return fmt.Errorf("client: unmarshal %s: %w", key, err)
	}
	return nil
}

// Stats returns the daemon health snapshot.
func (c *Client) Stats(ctx context.Context) (protocol.Stats, error) {
	p, err := c.roundTrip(ctx, protocol.OpStats, nil)
	if err != nil {
		return protocol.Stats{}, err
	}
	return protocol.DecodeStats(p)
}

// Keys lists live keys starting with prefix, in lexical order. An empty
// prefix lists every key.
func (c *Client) Keys(ctx context.Context, prefix string) ([]string, error) {
	p, err := c.roundTrip(ctx, protocol.OpKeys, protocol.EncodeKeysRequest(prefix))
	if err != nil {
		return nil, err
	}
	return protocol.DecodeKeysResponse(p)
}

// LimitError is returned by SetPressureLimit when the daemon rejects a value
// above its maximum.
type LimitError struct {
	Max uint16
	Err error
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("client: pressure limit above maximum %d basis points", e.Max)
}

func (e *LimitError) Unwrap() error { return e.Err }

// SetPressureLimit changes the daemon's hot pressure threshold, in basis
// points. It returns the previous and the applied value.
func (c *Client) SetPressureLimit(ctx context.Context, bp uint16) (oldBP, newBP uint16, err error) {
	p, err := c.roundTrip(ctx, protocol.OpSetConfig, protocol.EncodeSetConfig(protocol.ConfigPressureLimit, bp))
	if err != nil {
		var se *protocol.StatusError
		if errors.As(err, &se) && se.Status == protocol.StatusBadPayload {
			if maxBP, ok := protocol.DecodeLimitRejected(se.Payload); ok {
				return 0, 0, &LimitError{Max: maxBP, Err: err}
			}
		}
		return 0, 0, err
	}
	return protocol.DecodeSetConfigResult(p)
}
