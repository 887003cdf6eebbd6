// Package redis provides Redis-backed implementations of outbound ports,
// for deployments that run several gateway processes behind one load balancer.
package redis

import (
	"context"
	"time"
)

const (
	// DefaultKeyPrefix namespaces every key written by this package.
	DefaultKeyPrefix = "gcpmcp"

	// DefaultQueryTimeout bounds each round trip to Redis.
	DefaultQueryTimeout = 2 * time.Second
)

type config struct {
	prefix       string
	queryTimeout time.Duration
}

// Option configures a Redis-backed store.
type Option func(*config)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.prefix = prefix
	}
}

// WithQueryTimeout sets the per-command timeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		c.queryTimeout = d
	}
}

func applyOptions(opts []Option) config {
	cfg := config{
		prefix:       DefaultKeyPrefix,
		queryTimeout: DefaultQueryTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c config) key(parts ...string) string {
	k := c.prefix
	for _, p := range parts {
		if k == "" {
			k = p
			continue
		}
		k += ":" + p
	}
	return k
}

func (c config) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, c.queryTimeout)
}
