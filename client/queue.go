package client

import (
	"sync"

	"github.com/huykn/localcached/protocol"
)

// DefaultEventBuffer is the number of pushed frames a Subscriber holds
// before it starts dropping the oldest.
const DefaultEventBuffer = 1024

// frameQueue buffers push and lag frames between the reader goroutine and
// Next. push never blocks: when full, the oldest frame is dropped and the
// loss is reported once, before the frames that survived it.
type frameQueue struct {
	mu       sync.Mutex
	items    []protocol.Frame
	head     int
	size     int
	lagged   bool
	lagTopic string

	notify chan struct{}
}

func newFrameQueue(capacity int) *frameQueue {
	if capacity <= 0 {
		capacity = DefaultEventBuffer
	}
	return &frameQueue{
		items:  make([]protocol.Frame, capacity),
		notify: make(chan struct{}, 1),
	}
}

func (q *frameQueue) push(f protocol.Frame) {
	q.mu.Lock()
	capacity := len(q.items)
	if q.size == capacity {
		dropped := q.items[q.head]
		q.items[q.head] = protocol.Frame{}
		q.head = (q.head + 1) % capacity
		q.size--
		if !q.lagged {
			q.lagged = true
			q.lagTopic = frameTopic(dropped)
		}
	}
	q.items[(q.head+q.size)%capacity] = f
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the next frame. A local drop is returned as a synthesized
// Lagged frame ahead of the remaining items.
func (q *frameQueue) pop() (protocol.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.lagged {
		q.lagged = false
		topic := q.lagTopic
		q.lagTopic = ""
		return protocol.Frame{Code: byte(protocol.StatusLagged), Payload: protocol.EncodeLagged(topic)}, true
	}
	if q.size == 0 {
		return protocol.Frame{}, false
	}
	f := q.items[q.head]
	q.items[q.head] = protocol.Frame{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return f, true
}

func (q *frameQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func frameTopic(f protocol.Frame) string {
	if f.Code == byte(protocol.StatusLagged) {
		topic, _ := protocol.DecodeLagged(f.Payload)
		return topic
	}
	ev, err := protocol.DecodePushEvent(f.Payload)
	if err != nil {
		return ""
	}
	return ev.Topic
}
