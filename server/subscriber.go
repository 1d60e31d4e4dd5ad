package server

import (
	"context"
	"errors"

	"github.com/huykn/localcached/protocol"
	"github.com/huykn/localcached/pubsub"
	"github.com/huykn/localcached/types"
)

// outboundBuffer bounds deliveries waiting for the connection writer. Once it
// is full, forwarders stop draining and the subscription buffers absorb the
// backlog, dropping oldest.
const outboundBuffer = 64

// delivery is one event or lag report headed for the client.
type delivery struct {
	sub    *pubsub.Subscription
	ev     types.PushEvent
	missed uint64
}

type forwarder struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// subscriber holds the topics of a connection in the subscribe role. All
// socket writes happen on the goroutine running serveSubscriber.
type subscriber struct {
	*conn
	ctx    context.Context
	topics map[string]*forwarder
	out    chan delivery
}

func (c *conn) serveSubscriber(ctx context.Context, op protocol.Opcode, payload []byte) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sc := &subscriber{
		conn:   c,
		ctx:    ctx,
		topics: make(map[string]*forwarder),
		out:    make(chan delivery, outboundBuffer),
	}
	defer sc.unsubscribeAll()

	c.srv.logger.Debug("connection entered subscribe role", "conn", c.id)

	frames := make(chan protocol.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := c.readFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := sc.handle(op, payload); err != nil {
		return
	}

	for {
		select {
		case f := <-frames:
			op, err := protocol.ParseOpcode(f.Code)
			if err != nil {
				c.srv.logger.Debug("rejecting frame", "conn", c.id, "error", err)
				if err := c.reply(protocol.StatusBadPayload, nil); err != nil {
					return
				}
				continue
			}
			if err := sc.handle(op, f.Payload); err != nil {
				return
			}
		case err := <-readErr:
			c.readFailed(err)
			return
		case d := <-sc.out:
			if err := sc.deliver(d); err != nil {
				c.srv.logger.Debug("write failed", "conn", c.id, "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// handle answers one request on a subscribe connection.
func (sc *subscriber) handle(op protocol.Opcode, payload []byte) error {
	switch op {
	case protocol.OpSubscribe, protocol.OpUnsubscribe:
		topic, err := protocol.DecodeTopic(payload)
		if err == nil {
			err = protocol.ValidateTopic(topic)
		}
		if err != nil {
			return sc.reply(protocol.StatusBadPayload, nil)
		}
		if op == protocol.OpSubscribe {
			sc.subscribe(topic)
		} else {
			sc.unsubscribe(topic)
		}
		return sc.reply(protocol.StatusOK, nil)
	case protocol.OpPing:
		return sc.reply(protocol.StatusOK, nil)
	default:
		sc.srv.logger.Debug("opcode not allowed on subscribe connection", "conn", sc.id, "op", op)
		return sc.reply(protocol.StatusBadPayload, nil)
	}
}

func (sc *subscriber) subscribe(topic string) {
	if _, ok := sc.topics[topic]; ok {
		return
	}
	ctx, cancel := context.WithCancel(sc.ctx)
	f := &forwarder{
		sub:    sc.srv.bus.Subscribe(topic),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	sc.topics[topic] = f
	go sc.forward(ctx, f)

	sc.srv.logger.Debug("subscribed", "conn", sc.id, "topic", topic)
}

// unsubscribe stops delivery for topic. Deliveries already queued for it are
// discarded by deliver.
func (sc *subscriber) unsubscribe(topic string) {
	f, ok := sc.topics[topic]
	if !ok {
		return
	}
	delete(sc.topics, topic)
	f.stop()

	sc.srv.logger.Debug("unsubscribed", "conn", sc.id, "topic", topic)
}

func (sc *subscriber) unsubscribeAll() {
	for topic, f := range sc.topics {
		delete(sc.topics, topic)
		f.stop()
	}
}

func (f *forwarder) stop() {
	f.cancel()
	f.sub.Close()
	<-f.done
}

// forward moves events from one subscription to the connection writer.
func (sc *subscriber) forward(ctx context.Context, f *forwarder) {
	defer close(f.done)

	for {
		ev, err := f.sub.Recv(ctx)
		d := delivery{sub: f.sub, ev: ev}
		if err != nil {
			var lagged *pubsub.LaggedError
			if !errors.As(err, &lagged) {
				return
			}
			d = delivery{sub: f.sub, missed: lagged.Missed}
		}

		select {
		case sc.out <- d:
		case <-ctx.Done():
			return
		}
	}
}

func (sc *subscriber) deliver(d delivery) error {
	topic := d.sub.Topic()
	if f, ok := sc.topics[topic]; !ok || f.sub != d.sub {
		return nil
	}

	if d.missed > 0 {
		sc.srv.metrics.EventsLagged.Add(1)
		sc.srv.logger.Warn("subscriber lagged", "conn", sc.id, "topic", topic, "missed", d.missed)
		return sc.reply(protocol.StatusLagged, protocol.EncodeLagged(topic))
	}
	return protocol.WriteFrame(sc.nc, byte(protocol.OpPushEvent), protocol.EncodePushEvent(d.ev))
}
