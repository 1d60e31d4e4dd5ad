// Package localcached is a per-host cache daemon and its client.
//
// Applications on the same machine share one daemon over a Unix socket.
// Keys have the form "service:table:pk"; every successful write or delete
// publishes a change event on the topic "t:service:table". The daemon evicts
// entries when host memory pressure crosses a configurable threshold, and can
// relay change events to daemons on other hosts through Redis.
//
// Basic usage:
//
//	c, err := localcached.Dial(ctx, "")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	err = c.SetValue(ctx, "billing:invoice:42", invoice, localcached.SetOptions{TTL: time.Minute})
package localcached

import (
	"context"

	"github.com/huykn/localcached/client"
	"github.com/huykn/localcached/config"
	"github.com/huykn/localcached/server"
)

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads the optional YAML file at path and the LOCALCACHED_*
// environment. Warnings describe values that were clamped or ignored.
func LoadConfig(path string) (Config, []string, error) {
	return config.Load(path, nil)
}

// NewServer creates a daemon for cfg. Run starts it.
func NewServer(cfg Config, opts ...server.Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return server.New(cfg, opts...)
}

// Dial connects a key/value client to the daemon socket at path. An empty
// path uses client.DefaultSocketPath.
func Dial(ctx context.Context, path string, opts ...client.Option) (*Client, error) {
	return client.Dial(ctx, path, opts...)
}

// DialSubscriber opens an event stream connection to the daemon socket.
func DialSubscriber(ctx context.Context, path string, opts ...client.Option) (*Subscriber, error) {
	return client.DialSubscriber(ctx, path, opts...)
}
