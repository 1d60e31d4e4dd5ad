// Package pubsub is the in-process topic bus that fans cache events out to
// subscribers.
package pubsub

import (
	"sync"

	"github.com/huykn/localcached/metrics"
	"github.com/huykn/localcached/types"
)

// DefaultCapacity is the per-subscriber buffer used when New is given a
// non-positive capacity.
const DefaultCapacity = 256

type topic struct {
	subs map[*Subscription]struct{}
}

// Bus maps topics to their subscribers. Topics are created on first use and
// never removed.
type Bus struct {
	mu       sync.RWMutex
	topics   map[string]*topic
	capacity int
	metrics  *metrics.Metrics
}

// New creates a Bus whose subscriptions buffer capacity events each. m may
// be nil.
func New(capacity int, m *metrics.Metrics) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		topics:   make(map[string]*topic),
		capacity: capacity,
		metrics:  m,
	}
}

// topicLocked returns the named topic, creating it. b.mu must be held for writing.
func (b *Bus) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

// Subscribe attaches a new receiver to topic.
func (b *Bus) Subscribe(name string) *Subscription {
	s := newSubscription(b, name, b.capacity)

	b.mu.Lock()
	b.topicLocked(name).subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *Bus) detach(s *Subscription) {
	b.mu.Lock()
	if t, ok := b.topics[s.topic]; ok {
		delete(t.subs, s)
	}
	b.mu.Unlock()
}

// Publish delivers ev to every current subscriber of ev.Topic without
// blocking and returns how many subscribers it reached. The topic is created
// if it does not exist. Every call counts as a published event.
func (b *Bus) Publish(ev types.PushEvent) int {
	b.mu.RLock()
	t, ok := b.topics[ev.Topic]
	if ok {
		n := 0
		for s := range t.subs {
			s.push(ev)
			n++
		}
		b.mu.RUnlock()
		b.countPublished()
		return n
	}
	b.mu.RUnlock()

	b.mu.Lock()
	t = b.topicLocked(ev.Topic)
	n := 0
	for s := range t.subs {
		s.push(ev)
		n++
	}
	b.mu.Unlock()
	b.countPublished()
	return n
}

func (b *Bus) countPublished() {
	if b.metrics != nil {
		b.metrics.EventsPublished.Add(1)
	}
}

// TopicCount returns the number of topics ever used.
func (b *Bus) TopicCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}
