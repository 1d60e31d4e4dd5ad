package types

import "strconv"

// ValueFormat tags the encoding of a cached value. The daemon never decodes
// values; the tag is stored and returned verbatim.
type ValueFormat uint8

const (
	// FormatJSON marks a structured-text (JSON) value.
	FormatJSON ValueFormat = 1

	// FormatMsgPack marks a binary-structured (MessagePack) value.
	FormatMsgPack ValueFormat = 2
)

// Valid reports whether f is a known format tag.
func (f ValueFormat) Valid() bool {
	return f == FormatJSON || f == FormatMsgPack
}

func (f ValueFormat) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatMsgPack:
		return "msgpack"
	default:
		return "format(" + strconv.Itoa(int(f)) + ")"
	}
}

// EventType is the kind of a push event.
type EventType uint8

const (
	// EventInvalidate is emitted after a successful delete of an existing key.
	EventInvalidate EventType = 1

	// EventTableChanged is emitted after a successful, non-suppressed set.
	EventTableChanged EventType = 2
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventInvalidate || t == EventTableChanged
}

func (t EventType) String() string {
	switch t {
	case EventInvalidate:
		return "invalidate"
	case EventTableChanged:
		return "table_changed"
	default:
		return "event(" + strconv.Itoa(int(t)) + ")"
	}
}

// PushEvent represents a change notification delivered to subscribers of a topic.
// It is a value object and is never mutated after creation.
type PushEvent struct {
	Type      EventType `json:"type"`
	Topic     string    `json:"topic"`
	Key       string    `json:"key"`
	Timestamp uint64    `json:"ts_ms"` // milliseconds since the Unix epoch
}
