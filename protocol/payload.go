package protocol

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/huykn/localcached/types"
)

// FlagSuppressPublish is bit 0 of the Set flags byte.
const FlagSuppressPublish = 0x01

// ConfigPressureLimit is the SetConfig type for the memory pressure limit.
const ConfigPressureLimit = 0x01

// SetRequest is the decoded payload of a Set frame.
type SetRequest struct {
	Format          types.ValueFormat
	SuppressPublish bool
	Key             string
	Value           []byte
	TTLMillis       uint64
}

// GetResponse is the payload of an OK reply to Get. TTLRemaining is 0 for
// entries without expiry.
type GetResponse struct {
	Format       types.ValueFormat
	Value        []byte
	TTLRemaining uint64
}

// decoder reads little-endian fields and remembers the first short read.
type decoder struct {
	p   []byte
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if len(d.p) < n {
		d.err = ErrBadPayload
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.p[0]
	d.p = d.p[1:]
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.p)
	d.p = d.p[2:]
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.p)
	d.p = d.p[4:]
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.p)
	d.p = d.p[8:]
	return v
}

func (d *decoder) bytes(n int) []byte {
	if !d.need(n) {
		return nil
	}
	v := d.p[:n:n]
	d.p = d.p[n:]
	return v
}

// str16 reads a u16-prefixed UTF-8 string.
func (d *decoder) str16() string {
	n := int(d.u16())
	b := d.bytes(n)
	if d.err != nil {
		return ""
	}
	if !utf8.Valid(b) {
		d.err = ErrBadPayload
		return ""
	}
	return string(b)
}

func appendStr16(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

// FitsStr16 reports whether s can be carried by a u16 length prefix.
func FitsStr16(s string) bool {
	return len(s) <= math.MaxUint16
}

// EncodeSet encodes a Set payload.
func EncodeSet(req SetRequest) []byte {
	var flags byte
	if req.SuppressPublish {
		flags |= FlagSuppressPublish
	}
	out := make([]byte, 0, 1+1+2+len(req.Key)+4+len(req.Value)+8)
	out = append(out, byte(req.Format), flags)
	out = appendStr16(out, req.Key)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(req.Value)))
	out = append(out, req.Value...)
	return binary.LittleEndian.AppendUint64(out, req.TTLMillis)
}

// DecodeSet decodes a Set payload. The value slice aliases p.
func DecodeSet(p []byte) (SetRequest, error) {
	if len(p) < 1+1+2 {
		return SetRequest{}, ErrBadPayload
	}
	d := &decoder{p: p}
	format := types.ValueFormat(d.u8())
	flags := d.u8()
	if !format.Valid() {
		return SetRequest{}, ErrUnsupportedFormat
	}

	key := d.str16()
	n := d.u32()
	if d.err == nil && n == 0 {
		return SetRequest{}, ErrBadPayload
	}
	value := d.bytes(int(n))
	ttl := d.u64()
	if d.err != nil {
		return SetRequest{}, d.err
	}

	return SetRequest{
		Format:          format,
		SuppressPublish: flags&FlagSuppressPublish != 0,
		Key:             key,
		Value:           value,
		TTLMillis:       ttl,
	}, nil
}

// EncodeKey encodes a Get or Del payload.
func EncodeKey(key string) []byte {
	return appendStr16(make([]byte, 0, 2+len(key)), key)
}

// DecodeKey decodes a Get or Del payload.
func DecodeKey(p []byte) (string, error) {
	d := &decoder{p: p}
	key := d.str16()
	return key, d.err
}

// EncodeTopic encodes a Subscribe or Unsubscribe payload.
func EncodeTopic(topic string) []byte {
	return EncodeKey(topic)
}

// DecodeTopic decodes a Subscribe or Unsubscribe payload.
func DecodeTopic(p []byte) (string, error) {
	return DecodeKey(p)
}

// EncodeGetResponse encodes the payload of an OK reply to Get.
func EncodeGetResponse(r GetResponse) []byte {
	out := make([]byte, 0, 1+4+len(r.Value)+8)
	out = append(out, byte(r.Format))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(r.Value)))
	out = append(out, r.Value...)
	return binary.LittleEndian.AppendUint64(out, r.TTLRemaining)
}

// DecodeGetResponse decodes the payload of an OK reply to Get.
func DecodeGetResponse(p []byte) (GetResponse, error) {
	d := &decoder{p: p}
	format := types.ValueFormat(d.u8())
	value := d.bytes(int(d.u32()))
	ttl := d.u64()
	if d.err != nil {
		return GetResponse{}, d.err
	}
	return GetResponse{Format: format, Value: value, TTLRemaining: ttl}, nil
}

// EncodePushEvent encodes the payload of a push frame.
func EncodePushEvent(ev types.PushEvent) []byte {
	out := make([]byte, 0, 1+2+len(ev.Topic)+2+len(ev.Key)+8)
	out = append(out, byte(ev.Type))
	out = appendStr16(out, ev.Topic)
	out = appendStr16(out, ev.Key)
	return binary.LittleEndian.AppendUint64(out, ev.Timestamp)
}

// DecodePushEvent decodes the payload of a push frame.
func DecodePushEvent(p []byte) (types.PushEvent, error) {
	d := &decoder{p: p}
	typ := types.EventType(d.u8())
	if d.err == nil && !typ.Valid() {
		return types.PushEvent{}, ErrBadPayload
	}
	topic := d.str16()
	key := d.str16()
	ts := d.u64()
	if d.err != nil {
		return types.PushEvent{}, d.err
	}
	return types.PushEvent{Type: typ, Topic: topic, Key: key, Timestamp: ts}, nil
}

// EncodeLagged encodes the payload of a Lagged frame on the event stream.
func EncodeLagged(topic string) []byte {
	return EncodeKey(topic)
}

// DecodeLagged decodes the payload of a Lagged frame. An empty payload is
// accepted and yields an empty topic.
func DecodeLagged(p []byte) (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	return DecodeKey(p)
}

// EncodeKeysRequest encodes a Keys payload.
func EncodeKeysRequest(prefix string) []byte {
	return EncodeKey(prefix)
}

// DecodeKeysRequest decodes a Keys payload; an empty payload means no prefix.
func DecodeKeysRequest(p []byte) (string, error) {
	if len(p) == 0 {
		return "", nil
	}
	return DecodeKey(p)
}

// EncodeKeysResponse encodes the key list returned by Keys.
func EncodeKeysResponse(keys []string) []byte {
	size := 4
	for _, k := range keys {
		size += 2 + len(k)
	}
	out := make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(keys)))
	for _, k := range keys {
		out = appendStr16(out, k)
	}
	return out
}

// DecodeKeysResponse decodes the key list returned by Keys.
func DecodeKeysResponse(p []byte) ([]string, error) {
	d := &decoder{p: p}
	n := d.u32()
	if d.err != nil {
		return nil, d.err
	}
	// every key needs at least its length prefix
	if uint64(n)*2 > uint64(len(d.p)) {
		return nil, ErrBadPayload
	}
	keys := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		k := d.str16()
		if d.err != nil {
			return nil, d.err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// EncodeSetConfig encodes a SetConfig payload.
func EncodeSetConfig(configType uint8, value uint16) []byte {
	out := []byte{configType}
	return binary.LittleEndian.AppendUint16(out, value)
}

// DecodeSetConfig decodes a SetConfig payload.
func DecodeSetConfig(p []byte) (configType uint8, value uint16, err error) {
	d := &decoder{p: p}
	configType = d.u8()
	value = d.u16()
	return configType, value, d.err
}

// EncodeSetConfigResult encodes the OK reply to SetConfig.
func EncodeSetConfigResult(oldValue, newValue uint16) []byte {
	out := binary.LittleEndian.AppendUint16(make([]byte, 0, 4), oldValue)
	return binary.LittleEndian.AppendUint16(out, newValue)
}

// DecodeSetConfigResult decodes the OK reply to SetConfig.
func DecodeSetConfigResult(p []byte) (oldValue, newValue uint16, err error) {
	d := &decoder{p: p}
	oldValue = d.u16()
	newValue = d.u16()
	return oldValue, newValue, d.err
}

// EncodeLimitRejected encodes the BadPayload reply to a SetConfig whose value
// exceeds maxValue.
func EncodeLimitRejected(maxValue uint16) []byte {
	return EncodeSetConfig(ConfigPressureLimit, maxValue)
}

// DecodeLimitRejected reports the maximum carried by a rejected SetConfig reply.
func DecodeLimitRejected(p []byte) (uint16, bool) {
	typ, maxValue, err := DecodeSetConfig(p)
	if err != nil || typ != ConfigPressureLimit {
		return 0, false
	}
	return maxValue, true
}
