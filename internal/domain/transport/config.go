// Package transport defines the gateway's transport configuration.
package transport

import (
	"net"
	"strconv"
	"time"
)

const (
	DefaultHTTPHost          = "127.0.0.1"
	DefaultHTTPPort          = 8080
	DefaultMaxConnections    = 100
	DefaultMCPPath           = "/mcp"
	DefaultSSEPath           = "/sse"
	DefaultHeartbeatInterval = 30 * time.Second
)

// Config is an immutable snapshot of which transports run and how the HTTP
// listener is bound. It is passed by value and never mutated after
// construction.
type Config struct {
	SupportStdio bool
	SupportHTTP  bool
	SupportSSE   bool

	HTTPHost string
	HTTPPort int

	// MaxConnections is the soft global ceiling on concurrently open HTTP
	// exchanges and SSE streams.
	MaxConnections int

	// MCPPath serves unary JSON-RPC POSTs, session DELETE and, with
	// Accept: text/event-stream, SSE GETs.
	MCPPath string
	// SSEPath serves SSE GETs regardless of Accept.
	SSEPath string

	HeartbeatInterval time.Duration

	TLSCertFile string
	TLSKeyFile  string
}

// WithDefaults returns a copy of c with zero fields set to their defaults.
func (c Config) WithDefaults() Config {
	if c.HTTPHost == "" {
		c.HTTPHost = DefaultHTTPHost
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = DefaultHTTPPort
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MCPPath == "" {
		c.MCPPath = DefaultMCPPath
	}
	if c.SSEPath == "" {
		c.SSEPath = DefaultSSEPath
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return c
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

// HTTPEnabled reports whether the shared HTTP listener is needed.
func (c Config) HTTPEnabled() bool {
	return c.SupportHTTP || c.SupportSSE
}

// TLSEnabled reports whether both certificate and key are configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}
