// Package inbound defines the inbound port interfaces for the gateway.
// Inbound adapters (stdio, HTTP) implement these interfaces.
package inbound

import (
	"context"
)

// Transport is one client-facing delivery mechanism.
type Transport interface {
	// Start begins accepting clients and forwarding their messages.
	// Blocks until context is cancelled or an error occurs.
	// Returns nil on graceful shutdown, error on failure.
	Start(ctx context.Context) error

	// Close gracefully shuts down the transport and cleans up resources.
	Close() error
}
