// Package sync relays cache events between localcached daemons on
// different hosts over Redis Pub/Sub.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/huykn/localcached/types"
)

// DefaultOutboxSize bounds events waiting to be published by Forward.
const DefaultOutboxSize = 1024

// publishTimeout bounds a single Redis PUBLISH issued from the outbox.
const publishTimeout = 2 * time.Second

// ErrOutboxFull is reported through OnError when Forward drops an event.
var ErrOutboxFull = errors.New("sync: relay outbox full")

// Envelope is the JSON message carried on the relay channel.
type Envelope struct {
	Sender string          `json:"sender"`
	Event  types.PushEvent `json:"event"`
}

// PubSubSynchronizer publishes local events to a Redis channel and delivers
// events published by other nodes to registered callbacks.
type PubSubSynchronizer struct {
	client         *redis.Client
	channel        string
	nodeID         string
	logger         types.Logger
	pubsub         *redis.PubSub
	outbox         chan types.PushEvent
	callbacks      []func(event types.PushEvent)
	callbacksMutex sync.RWMutex
	onError        func(error)
	done           chan struct{}
	closeOnce      sync.Once
	wg             sync.WaitGroup
}

// NewPubSubSynchronizer creates a synchronizer for channel. nodeID marks
// events sent by this daemon so they are not applied twice.
func NewPubSubSynchronizer(client *redis.Client, channel, nodeID string, logger types.Logger) *PubSubSynchronizer {
	if logger == nil {
		logger = types.NewNoOpLogger()
	}
	return &PubSubSynchronizer{
		client:    client,
		channel:   channel,
		nodeID:    nodeID,
		logger:    logger,
		outbox:    make(chan types.PushEvent, DefaultOutboxSize),
		callbacks: make([]func(event types.PushEvent), 0),
		onError:   func(error) {},
		done:      make(chan struct{}),
	}
}

// NodeID returns the identifier this synchronizer publishes under.
func (ps *PubSubSynchronizer) NodeID() string {
	return ps.nodeID
}

// Subscribe joins the channel and starts the receive and outbox loops. It
// returns once Redis has confirmed the subscription.
func (ps *PubSubSynchronizer) Subscribe(ctx context.Context) error {
	ps.pubsub = ps.client.Subscribe(ctx, ps.channel)
	if _, err := ps.pubsub.Receive(ctx); err != nil {
		_ = ps.pubsub.Close()
		ps.pubsub = nil
		return err
	}

	ps.wg.Add(2)
	go ps.listenForEvents()
	go ps.drainOutbox()

	return nil
}

// Publish sends ev to the channel immediately.
func (ps *PubSubSynchronizer) Publish(ctx context.Context, ev types.PushEvent) error {
	data, err := json.Marshal(Envelope{Sender: ps.nodeID, Event: ev})
	if err != nil {
		return err
	}
	return ps.client.Publish(ctx, ps.channel, data).Err()
}

// Forward queues ev for publishing without blocking. When the outbox is
// full the event is dropped and ErrOutboxFull is reported through OnError.
func (ps *PubSubSynchronizer) Forward(ev types.PushEvent) bool {
	select {
	case ps.outbox <- ev:
		return true
	default:
		ps.onError(ErrOutboxFull)
		return false
	}
}

// OnEvent registers a callback for events received from other nodes.
func (ps *PubSubSynchronizer) OnEvent(callback func(event types.PushEvent)) {
	ps.callbacksMutex.Lock()
	defer ps.callbacksMutex.Unlock()
	ps.callbacks = append(ps.callbacks, callback)
}

// OnError sets the handler for background publish failures. It must be set
// before Subscribe.
func (ps *PubSubSynchronizer) OnError(fn func(error)) {
	if fn != nil {
		ps.onError = fn
	}
}

// Close stops both loops and leaves the channel. Queued events that were not
// yet published are dropped.
func (ps *PubSubSynchronizer) Close() error {
	ps.closeOnce.Do(func() { close(ps.done) })
	ps.wg.Wait()

	if ps.pubsub != nil {
		return ps.pubsub.Close()
	}
	return nil
}

func (ps *PubSubSynchronizer) drainOutbox() {
	defer ps.wg.Done()

	for {
		select {
		case <-ps.done:
			return
		case ev := <-ps.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			err := ps.Publish(ctx, ev)
			cancel()
			if err != nil {
				ps.logger.Warn("relay publish failed", "topic", ev.Topic, "key", ev.Key, "error", err)
				ps.onError(err)
			}
		}
	}
}

// listenForEvents delivers events from other nodes to the callbacks.
func (ps *PubSubSynchronizer) listenForEvents() {
	defer ps.wg.Done()

	ch := ps.pubsub.Channel()

	for {
		select {
		case <-ps.done:
			return
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				ps.logger.Warn("dropping malformed relay message", "error", err)
				continue
			}

			// Don't apply our own events twice
			if env.Sender == ps.nodeID {
				continue
			}
			if !env.Event.Type.Valid() || env.Event.Topic == "" {
				ps.logger.Warn("dropping invalid relay event", "sender", env.Sender)
				continue
			}

			ps.callbacksMutex.RLock()
			callbacks := ps.callbacks
			ps.callbacksMutex.RUnlock()

			for _, callback := range callbacks {
				callback(env.Event)
			}
		}
	}
}
