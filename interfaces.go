package localcached

import (
	"github.com/huykn/localcached/client"
	"github.com/huykn/localcached/config"
	"github.com/huykn/localcached/protocol"
	"github.com/huykn/localcached/server"
	"github.com/huykn/localcached/types"
)

// Logger is an alias for types.Logger.
type Logger = types.Logger

// Marshaller is an alias for client.Marshaller.
type Marshaller = client.Marshaller

// Config is an alias for config.Config.
type Config = config.Config

// Server is an alias for server.Server.
type Server = server.Server

// Client is an alias for client.Client.
type Client = client.Client

// Subscriber is an alias for client.Subscriber.
type Subscriber = client.Subscriber

// SetOptions is an alias for client.SetOptions.
type SetOptions = client.SetOptions

// PushEvent is an alias for types.PushEvent.
type PushEvent = types.PushEvent

// Stats is an alias for protocol.Stats.
type Stats = protocol.Stats

// Value format tags.
const (
	FormatJSON    = types.FormatJSON
	FormatMsgPack = types.FormatMsgPack
)

// Event types.
const (
	EventInvalidate   = types.EventInvalidate
	EventTableChanged = types.EventTableChanged
)
