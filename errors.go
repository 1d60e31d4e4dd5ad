package localcached

import (
	"github.com/huykn/localcached/client"
	"github.com/huykn/localcached/config"
	"github.com/huykn/localcached/protocol"
)

// ErrNotFound is returned when a key is missing or expired.
var ErrNotFound = protocol.ErrNotFound

// ErrInvalidKey is returned for keys not of the form "service:table:pk".
var ErrInvalidKey = protocol.ErrInvalidKeyFormat

// ErrBadPayload is returned when the daemon rejects a malformed request.
var ErrBadPayload = protocol.ErrBadPayload

// ErrUnsupportedFormat is returned for an unknown value format tag.
var ErrUnsupportedFormat = protocol.ErrUnsupportedFormat

// ErrLagged matches lag notices returned by Subscriber.Next.
var ErrLagged = protocol.ErrLagged

// ErrClosed is returned when operations are performed on a closed connection.
var ErrClosed = client.ErrClosed

// ErrLimitExceeded is returned when a pressure limit above the maximum is set.
var ErrLimitExceeded = config.ErrLimitExceeded
