// Package protocol implements the localcached wire format.
//
// Every frame is a 4-byte little-endian length, one code byte and a payload.
// The length covers the code byte and the payload. Client frames carry an
// Opcode; server frames carry a Status, except push events which carry
// OpPushEvent. All multi-byte integers are little-endian and strings are
// prefixed with a u16 length.
//
// Nothing in this package touches the store or the bus: it only validates
// keys and topics and converts between bytes and typed values.
package protocol
