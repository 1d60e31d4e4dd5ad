package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/huykn/localcached/types"
)

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("pubsub: subscription closed")

// LaggedError reports events dropped because the subscriber fell behind.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("pubsub: subscriber lagged, %d events dropped", e.Missed)
}

// Subscription is one receiver on a topic. It buffers up to its capacity;
// when full, the oldest event is dropped and counted.
type Subscription struct {
	bus   *Bus
	topic string

	mu     sync.Mutex
	items  []types.PushEvent
	head   int // next read position
	size   int
	missed uint64
	closed bool

	notify chan struct{}
}

func newSubscription(b *Bus, topic string, capacity int) *Subscription {
	return &Subscription{
		bus:    b,
		topic:  topic,
		items:  make([]types.PushEvent, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) push(ev types.PushEvent) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	capacity := len(s.items)
	if s.size == capacity {
		s.head = (s.head + 1) % capacity
		s.size--
		s.missed++
	}
	s.items[(s.head+s.size)%capacity] = ev
	s.size++
	s.mu.Unlock()

	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// TryRecv returns the next event without blocking. ok is false when nothing
// is pending. A pending lag is reported as *LaggedError before the events
// that survived it.
func (s *Subscription) TryRecv() (ev types.PushEvent, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.missed > 0 {
		missed := s.missed
		s.missed = 0
		return types.PushEvent{}, true, &LaggedError{Missed: missed}
	}
	if s.size > 0 {
		ev = s.items[s.head]
		s.items[s.head] = types.PushEvent{}
		s.head = (s.head + 1) % len(s.items)
		s.size--
		return ev, true, nil
	}
	if s.closed {
		return types.PushEvent{}, true, ErrClosed
	}
	return types.PushEvent{}, false, nil
}

// Recv blocks until an event, a lag report, Close or ctx cancellation.
func (s *Subscription) Recv(ctx context.Context) (types.PushEvent, error) {
	for {
		if ev, ok, err := s.TryRecv(); ok {
			return ev, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return types.PushEvent{}, ctx.Err()
		}
	}
}

// Close detaches the subscription from its topic and wakes any receiver.
// Buffered events are discarded. Close is idempotent.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.size = 0
	s.missed = 0
	s.mu.Unlock()

	s.bus.detach(s)
	s.wake()
}
