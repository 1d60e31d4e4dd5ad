package protocol

import "fmt"

// Opcode identifies a request frame, or the server-initiated push frame.
type Opcode uint8

const (
	OpSet         Opcode = 0x01
	OpGet         Opcode = 0x02
	OpDel         Opcode = 0x03
	OpPing        Opcode = 0x04
	OpStats       Opcode = 0x05
	OpKeys        Opcode = 0x06
	OpSetConfig   Opcode = 0x07
	OpSubscribe   Opcode = 0x20
	OpUnsubscribe Opcode = 0x21

	// OpPushEvent is only ever sent by the server.
	OpPushEvent Opcode = 0x80
)

// UnknownOpcodeError is returned by ParseOpcode for bytes outside the opcode set.
type UnknownOpcodeError struct {
	Code byte
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("protocol: unknown opcode 0x%02x", e.Code)
}

// ParseOpcode maps a raw byte onto an Opcode.
func ParseOpcode(b byte) (Opcode, error) {
	switch op := Opcode(b); op {
	case OpSet, OpGet, OpDel, OpPing, OpStats, OpKeys, OpSetConfig,
		OpSubscribe, OpUnsubscribe, OpPushEvent:
		return op, nil
	default:
		return 0, &UnknownOpcodeError{Code: b}
	}
}

// IsSubscription reports whether op belongs to the subscribe role.
func (op Opcode) IsSubscription() bool {
	return op == OpSubscribe || op == OpUnsubscribe
}

func (op Opcode) String() string {
	switch op {
	case OpSet:
		return "SET"
	case OpGet:
		return "GET"
	case OpDel:
		return "DEL"
	case OpPing:
		return "PING"
	case OpStats:
		return "STATS"
	case OpKeys:
		return "KEYS"
	case OpSetConfig:
		return "SET_CONFIG"
	case OpSubscribe:
		return "SUBSCRIBE"
	case OpUnsubscribe:
		return "UNSUBSCRIBE"
	case OpPushEvent:
		return "PUSH_EVENT"
	default:
		return fmt.Sprintf("OPCODE(0x%02x)", uint8(op))
	}
}

// Status is the first byte of every server-to-client frame other than push events.
type Status uint8

const (
	StatusOK               Status = 0x00
	StatusNotFound         Status = 0x01
	StatusBadPayload       Status = 0x10
	StatusUnsupportedFmt   Status = 0x11
	StatusTooLarge         Status = 0x12
	StatusInternal         Status = 0x13
	StatusUnauthorized     Status = 0x14
	StatusLagged           Status = 0x15
	StatusInvalidKeyFormat Status = 0x16
)

// UnknownStatusError is returned by ParseStatus for bytes outside the status set.
type UnknownStatusError struct {
	Code byte
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("protocol: unknown status 0x%02x", e.Code)
}

// ParseStatus maps a raw byte onto a Status.
func ParseStatus(b byte) (Status, error) {
	switch st := Status(b); st {
	case StatusOK, StatusNotFound, StatusBadPayload, StatusUnsupportedFmt,
		StatusTooLarge, StatusInternal, StatusUnauthorized, StatusLagged,
		StatusInvalidKeyFormat:
		return st, nil
	default:
		return 0, &UnknownStatusError{Code: b}
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusBadPayload:
		return "BAD_PAYLOAD"
	case StatusUnsupportedFmt:
		return "UNSUPPORTED_FORMAT"
	case StatusTooLarge:
		return "TOO_LARGE"
	case StatusInternal:
		return "INTERNAL"
	case StatusUnauthorized:
		return "UNAUTHORIZED"
	case StatusLagged:
		return "LAGGED"
	case StatusInvalidKeyFormat:
		return "INVALID_KEY_FORMAT"
	default:
		return fmt.Sprintf("STATUS(0x%02x)", uint8(s))
	}
}
