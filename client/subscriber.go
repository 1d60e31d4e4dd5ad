package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/huykn/localcached/protocol"
	"github.com/huykn/localcached/types"
)

// LaggedError is returned by Next when the daemon dropped events for topic
// because this subscriber fell behind.
type LaggedError struct {
	Topic string
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("client: subscriber lagged on %s", e.Topic)
}

// Unwrap matches protocol.ErrLagged.
func (e *LaggedError) Unwrap() error { return protocol.ErrLagged }

// Subscriber is a connection in the subscribe role. Subscribe and
// Unsubscribe may be called while another goroutine blocks in Next.
type Subscriber struct {
	opts Options
	nc   net.Conn

	// replies carries status frames to the pending Subscribe/Unsubscribe/Ping.
	replies chan protocol.Frame
	events  *frameQueue
	quit    chan struct{}
	done    chan struct{}
	err     error

	reqMu     sync.Mutex
	closeOnce sync.Once
}

// DialSubscriber opens a subscribe-role connection. The role is fixed by the
// first request, so nothing is sent until Subscribe.
func DialSubscriber(ctx context.Context, path string, opts ...Option) (*Subscriber, error) {
	o := buildOptions(opts)
	nc, err := dial(ctx, path, o)
	if err != nil {
		return nil, err
	}
	s := &Subscriber{
		opts:    o,
		nc:      nc,
		replies: make(chan protocol.Frame, 1),
		events:  newFrameQueue(o.EventBuffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop(bufio.NewReader(nc))
	return s, nil
}

// readLoop splits the stream into push frames and replies. Push frames are
// queued without blocking so a reply is never stuck behind unread events.
func (s *Subscriber) readLoop(r *bufio.Reader) {
	defer close(s.done)
	for {
		f, err := protocol.ReadFrame(r, s.opts.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = io.EOF
			}
			s.err = err
			return
		}

		if f.Code == byte(protocol.OpPushEvent) || f.Code == byte(protocol.StatusLagged) {
			s.events.push(f)
			continue
		}
		select {
		case s.replies <- f:
		case <-s.quit:
			s.err = io.EOF
			return
		}
	}
}

func (s *Subscriber) request(ctx context.Context, op protocol.Opcode, payload []byte) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	select {
	case <-s.quit:
		return ErrClosed
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.nc.SetWriteDeadline(deadline)
	} else {
		_ = s.nc.SetWriteDeadline(time.Time{})
	}
	if err := protocol.WriteRequest(s.nc, op, payload); err != nil {
		return fmt.Errorf("client: %w", err)
	}

	select {
	case f := <-s.replies:
		st, err := protocol.ParseStatus(f.Code)
		if err != nil {
			return err
		}
		if st != protocol.StatusOK {
			return &protocol.StatusError{Status: st, Payload: f.Payload}
		}
		return nil
	case <-s.done:
		return s.streamErr()
	case <-ctx.Done():
		// the reply may still arrive; the stream is out of step from here
		s.Close()
		return ctx.Err()
	}
}

func (s *Subscriber) streamErr() error {
	if s.err == nil || errors.Is(s.err, io.EOF) {
		return ErrClosed
	}
	return fmt.Errorf("client: %w", s.err)
}

// Subscribe starts delivery for topic ("t:service:table").
func (s *Subscriber) Subscribe(ctx context.Context, topic string) error {
	if err := protocol.ValidateTopic(topic); err != nil {
		return err
	}
	return s.request(ctx, protocol.OpSubscribe, protocol.EncodeTopic(topic))
}

// Unsubscribe stops delivery for topic. Events already in flight may still
// be returned by Next.
func (s *Subscriber) Unsubscribe(ctx context.Context, topic string) error {
	if err := protocol.ValidateTopic(topic); err != nil {
		return err
	}
	return s.request(ctx, protocol.OpUnsubscribe, protocol.EncodeTopic(topic))
}

// Ping checks the connection. It is only valid after Subscribe.
func (s *Subscriber) Ping(ctx context.Context) error {
	return s.request(ctx, protocol.OpPing, nil)
}

// Next blocks for the next push event. A lag notice, from the daemon or from
// an overflow of the local event buffer, is returned as *LaggedError; the
// stream continues after it. Once the connection is gone and the buffer is
// drained, Next returns io.EOF.
func (s *Subscriber) Next(ctx context.Context) (types.PushEvent, error) {
	for {
		if f, ok := s.events.pop(); ok {
			return decodeEvent(f)
		}
		select {
		case <-s.events.notify:
		case <-s.done:
			if f, ok := s.events.pop(); ok {
				return decodeEvent(f)
			}
			return types.PushEvent{}, io.EOF
		case <-ctx.Done():
			return types.PushEvent{}, ctx.Err()
		}
	}
}

func decodeEvent(f protocol.Frame) (types.PushEvent, error) {
	if f.Code == byte(protocol.StatusLagged) {
		topic, _ := protocol.DecodeLagged(f.Payload)
		return types.PushEvent{}, &LaggedError{Topic: topic}
	}
	return protocol.DecodePushEvent(f.Payload)
}

// Close closes the connection and ends Next with io.EOF.
func (s *Subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.nc.Close()
	})
	return err
}
