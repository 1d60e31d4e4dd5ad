package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrBadPayload is returned when a payload is truncated or malformed.
	ErrBadPayload = errors.New("protocol: bad payload")

	// ErrUnsupportedFormat is returned for an unknown value format tag.
	ErrUnsupportedFormat = errors.New("protocol: unsupported value format")

	// ErrInvalidKeyFormat is returned when a key is not "service:table:pk".
	ErrInvalidKeyFormat = errors.New("protocol: invalid key format")

	// ErrFrameTooLarge is returned when a frame declares a length above the maximum.
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// ErrEmptyFrame is returned when a frame declares a zero length.
	ErrEmptyFrame = errors.New("protocol: empty frame")

	// ErrNotFound is returned by clients for a NotFound status.
	ErrNotFound = errors.New("protocol: not found")

	// ErrInternal is returned by clients for an Internal status.
	ErrInternal = errors.New("protocol: internal error")

	// ErrUnauthorized is returned by clients for an Unauthorized status.
	ErrUnauthorized = errors.New("protocol: unauthorized")

	// ErrLagged is returned by clients for a Lagged status.
	ErrLagged = errors.New("protocol: subscriber lagged")
)

// StatusFor maps an error produced while handling a request onto the status
// reported to the client. Unknown errors map to StatusInternal.
func StatusFor(err error) Status {
	var unknown *UnknownOpcodeError
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrInvalidKeyFormat):
		return StatusInvalidKeyFormat
	case errors.Is(err, ErrUnsupportedFormat):
		return StatusUnsupportedFmt
	case errors.Is(err, ErrBadPayload), errors.Is(err, ErrEmptyFrame), errors.As(err, &unknown):
		return StatusBadPayload
	case errors.Is(err, ErrFrameTooLarge):
		return StatusTooLarge
	case errors.Is(err, ErrUnauthorized):
		return StatusUnauthorized
	case errors.Is(err, ErrLagged):
		return StatusLagged
	default:
		return StatusInternal
	}
}

// StatusError carries a non-OK status returned by the server.
type StatusError struct {
	Status  Status
	Payload []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("localcached: server returned %s", e.Status)
}

// Unwrap lets errors.Is match StatusError against the sentinel errors above.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case StatusNotFound:
		return ErrNotFound
	case StatusBadPayload:
		return ErrBadPayload
	case StatusUnsupportedFmt:
		return ErrUnsupportedFormat
	case StatusTooLarge:
		return ErrFrameTooLarge
	case StatusUnauthorized:
		return ErrUnauthorized
	case StatusLagged:
		return ErrLagged
	case StatusInvalidKeyFormat:
		return ErrInvalidKeyFormat
	default:
		return ErrInternal
	}
}
