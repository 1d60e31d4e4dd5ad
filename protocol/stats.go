package protocol

import "encoding/binary"

// StatsVersion is the layout version written as the first byte of a stats payload.
const StatsVersion = 1

// statsV1Size is the encoded size of a version 1 snapshot.
const statsV1Size = 1 + 8*8 + 2

// Stats is the versioned health snapshot returned by the Stats opcode.
type Stats struct {
	UptimeMillis    uint64
	Keys            uint64
	ApproxMemBytes  uint64 // estimate, see storage.Store.ApproxMemBytes
	Evictions       uint64
	Topics          uint64
	EventsPublished uint64
	EventsLagged    uint64
	InvalidKeys     uint64
	PressureBP      uint16 // 0..10000
}

// EncodeStats encodes s using the current layout version.
func EncodeStats(s Stats) []byte {
	out := make([]byte, 0, statsV1Size)
	out = append(out, StatsVersion)
	for _, v := range []uint64{
		s.UptimeMillis,
		s.Keys,
		s.ApproxMemBytes,
		s.Evictions,
		s.Topics,
		s.EventsPublished,
		s.EventsLagged,
		s.InvalidKeys,
	} {
		out = binary.LittleEndian.AppendUint64(out, v)
	}
	return binary.LittleEndian.AppendUint16(out, s.PressureBP)
}

// DecodeStats decodes a stats payload. Bytes beyond the known layout are
// ignored so that later versions can append fields.
func DecodeStats(p []byte) (Stats, error) {
	d := &decoder{p: p}
	if v := d.u8(); d.err == nil && v < StatsVersion {
		return Stats{}, ErrBadPayload
	}
	s := Stats{
		UptimeMillis:    d.u64(),
		Keys:            d.u64(),
		ApproxMemBytes:  d.u64(),
		Evictions:       d.u64(),
		Topics:          d.u64(),
		EventsPublished: d.u64(),
		EventsLagged:    d.u64(),
		InvalidKeys:     d.u64(),
		PressureBP:      d.u16(),
	}
	if d.err != nil {
		return Stats{}, d.err
	}
	return s, nil
}
