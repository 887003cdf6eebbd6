// Package stdio provides the stdio transport adapter for the gateway.
package stdio

import (
	"context"
	"log/slog"

	"github.com/gcp-mcp/gcp-mcp-server/internal/port/inbound"
	"github.com/gcp-mcp/gcp-mcp-server/internal/port/outbound"
)

// StdioTransport is the inbound adapter that serves the protocol server
// over stdin/stdout. A local pipe is single-client and trusted, so no
// admission checks run here.
type StdioTransport struct {
	server outbound.ProtocolServer
	logger *slog.Logger
}

// NewStdioTransport creates a stdio transport adapter for server.
func NewStdioTransport(server outbound.ProtocolServer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		server: server,
		logger: logger,
	}
}

// Start serves stdin/stdout until the context is cancelled or the client
// closes the pipe.
func (t *StdioTransport) Start(ctx context.Context) error {
	t.logger.Info("stdio transport started")
	err := t.server.ServeStdio(ctx)
	t.logger.Info("stdio transport stopped")
	return err
}

// Close gracefully shuts down the transport.
// For stdio, there are no resources to clean up; cancelling Start's
// context ends the session.
func (t *StdioTransport) Close() error {
	return nil
}

// Compile-time check that StdioTransport implements Transport interface.
var _ inbound.Transport = (*StdioTransport)(nil)
