package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"github.com/huykn/localcached/config"
	"github.com/huykn/localcached/protocol"
	"github.com/huykn/localcached/types"
)

type role int

const (
	roleUndecided role = iota
	roleKeyValue
	roleSubscriber
)

func (r role) String() string {
	switch r {
	case roleKeyValue:
		return "kv"
	case roleSubscriber:
		return "subscriber"
	default:
		return "undecided"
	}
}

// conn serves one client. The first frame fixes its role for the lifetime
// of the connection.
type conn struct {
	srv  *Server
	nc   net.Conn
	r    *bufio.Reader
	id   uint64
	role role
}

func newConn(s *Server, nc net.Conn, id uint64) *conn {
	return &conn{
		srv: s,
		nc:  nc,
		r:   bufio.NewReader(nc),
		id:  id,
	}
}

func (c *conn) readFrame() (protocol.Frame, error) {
	return protocol.ReadFrame(c.r, c.srv.cfg.MaxFrameBytes)
}

func (c *conn) reply(st protocol.Status, payload []byte) error {
	return protocol.WriteResponse(c.nc, st, payload)
}

func (c *conn) serve(ctx context.Context) {
	log := c.srv.logger
	log.Debug("connection accepted", "conn", c.id)

	for {
		f, err := c.readFrame()
		if err != nil {
			c.readFailed(err)
			return
		}

		op, opErr := protocol.ParseOpcode(f.Code)
		if c.role == roleUndecided {
			if opErr == nil && op.IsSubscription() {
				c.role = roleSubscriber
				c.serveSubscriber(ctx, op, f.Payload)
				return
			}
			c.role = roleKeyValue
		}

		if opErr != nil {
			log.Debug("rejecting frame", "conn", c.id, "error", opErr)
			if err := c.reply(protocol.StatusBadPayload, nil); err != nil {
				return
			}
			continue
		}

		st, payload, err := c.handleKV(ctx, op, f.Payload)
		if err != nil {
			// only a cancelled context gets here
			return
		}
		if err := c.reply(st, payload); err != nil {
			log.Debug("write failed", "conn", c.id, "error", err)
			return
		}
	}
}

// readFailed answers an oversized frame with TooLarge before the connection
// is dropped. Other read errors close it silently.
func (c *conn) readFailed(err error) {
	log := c.srv.logger
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Debug("connection closed", "conn", c.id, "role", c.role)
	case errors.Is(err, protocol.ErrFrameTooLarge):
		log.Warn("closing connection after oversized frame", "conn", c.id, "error", err)
		_ = c.reply(protocol.StatusTooLarge, nil)
	case errors.Is(err, protocol.ErrEmptyFrame):
		log.Warn("closing connection after empty frame", "conn", c.id)
	default:
		log.Debug("connection read failed", "conn", c.id, "role", c.role, "error", err)
	}
}

// handleKV executes one request on a KV connection. The returned error is
// non-nil only when ctx ends while waiting for an operation slot.
func (c *conn) handleKV(ctx context.Context, op protocol.Opcode, payload []byte) (protocol.Status, []byte, error) {
	s := c.srv
	if err := s.ops.Acquire(ctx, 1); err != nil {
		return 0, nil, err
	}
	defer s.ops.Release(1)

	switch op {
	case protocol.OpSet:
		return c.set(payload), nil, nil
	case protocol.OpGet:
		st, out := c.get(payload)
		return st, out, nil
	case protocol.OpDel:
		return c.del(payload), nil, nil
	case protocol.OpPing:
		return protocol.StatusOK, nil, nil
	case protocol.OpStats:
		return protocol.StatusOK, protocol.EncodeStats(s.Snapshot()), nil
	case protocol.OpKeys:
		st, out := c.keys(payload)
		return st, out, nil
	case protocol.OpSetConfig:
		st, out := c.setConfig(payload)
		return st, out, nil
	default:
		// Subscribe after the role is fixed, or a client sending PushEvent
		s.logger.Debug("opcode not allowed on kv connection", "conn", c.id, "op", op)
		return protocol.StatusBadPayload, nil, nil
	}
}

// checkKey validates key and counts rejections.
func (c *conn) checkKey(key string) (topic string, ok bool) {
	service, table, _, err := protocol.ValidateKey(key)
	if err != nil {
		c.srv.metrics.InvalidKeys.Add(1)
		return "", false
	}
	return protocol.TopicFor(service, table), true
}

func (c *conn) set(payload []byte) protocol.Status {
	s := c.srv
	req, err := protocol.DecodeSet(payload)
	if err != nil {
		return protocol.StatusFor(err)
	}
	topic, ok := c.checkKey(req.Key)
	if !ok {
		return protocol.StatusInvalidKeyFormat
	}

	now := s.now()
	s.store.Set(req.Key, req.Format, req.Value, req.TTLMillis, now)
	s.evictor.OnWrite(req.Key, now)

	if !req.SuppressPublish {
		s.publish(types.PushEvent{
			Type:      types.EventTableChanged,
			Topic:     topic,
			Key:       req.Key,
			Timestamp: uint64(now),
		})
	}
	return protocol.StatusOK
}

func (c *conn) get(payload []byte) (protocol.Status, []byte) {
	s := c.srv
	key, err := protocol.DecodeKey(payload)
	if err != nil {
		return protocol.StatusBadPayload, nil
	}
	if _, ok := c.checkKey(key); !ok {
		return protocol.StatusInvalidKeyFormat, nil
	}

	item, found := s.store.Get(key, s.now())
	if !found {
		s.metrics.Misses.Add(1)
		return protocol.StatusNotFound, nil
	}
	s.metrics.Hits.Add(1)
	return protocol.StatusOK, protocol.EncodeGetResponse(protocol.GetResponse{
		Format:       item.Format,
		Value:        item.Value,
		TTLRemaining: item.TTLRemaining,
	})
}

func (c *conn) del(payload []byte) protocol.Status {
	s := c.srv
	key, err := protocol.DecodeKey(payload)
	if err != nil {
		return protocol.StatusBadPayload
	}
	topic, ok := c.checkKey(key)
	if !ok {
		return protocol.StatusInvalidKeyFormat
	}

	if !s.store.Del(key) {
		return protocol.StatusNotFound
	}
	s.evictor.Forget(key)
	s.publish(types.PushEvent{
		Type:      types.EventInvalidate,
		Topic:     topic,
		Key:       key,
		Timestamp: uint64(s.now()),
	})
	return protocol.StatusOK
}

func (c *conn) keys(payload []byte) (protocol.Status, []byte) {
	prefix, err := protocol.DecodeKeysRequest(payload)
	if err != nil {
		return protocol.StatusBadPayload, nil
	}
	return protocol.StatusOK, protocol.EncodeKeysResponse(c.srv.store.Keys(prefix, c.srv.now()))
}

func (c *conn) setConfig(payload []byte) (protocol.Status, []byte) {
	s := c.srv
	typ, value, err := protocol.DecodeSetConfig(payload)
	if err != nil || typ != protocol.ConfigPressureLimit {
		return protocol.StatusBadPayload, nil
	}

	oldBP, newBP, err := s.setPressureLimit(value)
	if errors.Is(err, config.ErrLimitExceeded) {
		s.logger.Warn("pressure limit rejected", "conn", c.id, "requested_bp", value, "max_bp", config.MaxPressureLimitBP)
		return protocol.StatusBadPayload, protocol.EncodeLimitRejected(config.MaxPressureLimitBP)
	}
	if err != nil {
		return protocol.StatusInternal, nil
	}
	return protocol.StatusOK, protocol.EncodeSetConfigResult(oldBP, newBP)
}
