// Package gateway starts and stops the gateway's client-facing transports.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gcp-mcp/gcp-mcp-server/internal/adapter/inbound/http"
	"github.com/gcp-mcp/gcp-mcp-server/internal/adapter/inbound/stdio"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/security"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/session"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/transport"
	"github.com/gcp-mcp/gcp-mcp-server/internal/port/inbound"
	"github.com/gcp-mcp/gcp-mcp-server/internal/port/outbound"
	"golang.org/x/sync/errgroup"
)

// ErrNoTransportEnabled is returned by StartTransport when the
// configuration enables neither stdio nor HTTP nor SSE.
var ErrNoTransportEnabled = errors.New("no transport enabled")

// TransportManager owns the enabled transports. It depends only on the
// validator, session and protocol server interfaces.
type TransportManager struct {
	cfg       transport.Config
	server    outbound.ProtocolServer
	validator security.Validator
	sessions  session.Manager
	logger    *slog.Logger
	httpOpts  []http.Option

	mu         sync.Mutex
	transports []inbound.Transport
	http       *http.HTTPTransport
}

// Option configures a TransportManager.
type Option func(*TransportManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *TransportManager) {
		m.logger = logger
	}
}

// WithHTTPOptions passes options through to the HTTP transport.
func WithHTTPOptions(opts ...http.Option) Option {
	return func(m *TransportManager) {
		m.httpOpts = append(m.httpOpts, opts...)
	}
}

// New creates a TransportManager.
func New(
	cfg transport.Config,
	server outbound.ProtocolServer,
	validator security.Validator,
	sessions session.Manager,
	opts ...Option,
) *TransportManager {
	m := &TransportManager{
		cfg:       cfg.WithDefaults(),
		server:    server,
		validator: validator,
		sessions:  sessions,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartTransport runs every enabled transport until ctx is cancelled or one
// of them fails, in which case the others are stopped and the first error
// is returned. HTTP and SSE share one listener.
func (m *TransportManager) StartTransport(ctx context.Context) error {
	transports := m.build()
	if len(transports) == 0 {
		return ErrNoTransportEnabled
	}

	m.logger.Info("starting transports",
		"stdio", m.cfg.SupportStdio,
		"http", m.cfg.SupportHTTP,
		"sse", m.cfg.SupportSSE,
		"max_connections", m.cfg.MaxConnections,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range transports {
		g.Go(func() error {
			return t.Start(gctx)
		})
	}
	return g.Wait()
}

// build creates the enabled transports once.
func (m *TransportManager) build() []inbound.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transports != nil {
		return m.transports
	}

	if m.cfg.SupportStdio {
		m.transports = append(m.transports, stdio.NewStdioTransport(m.server, m.logger))
	}
	if m.cfg.HTTPEnabled() {
		opts := append([]http.Option{http.WithLogger(m.logger)}, m.httpOpts...)
		m.http = http.NewHTTPTransport(m.cfg, m.server, m.validator, m.sessions, opts...)
		m.transports = append(m.transports, m.http)
	}
	return m.transports
}

// HTTP returns the HTTP transport, or nil when HTTP and SSE are disabled
// or StartTransport has not run yet.
func (m *TransportManager) HTTP() *http.HTTPTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.http
}

// Close shuts down every started transport.
func (m *TransportManager) Close() error {
	m.mu.Lock()
	transports := m.transports
	m.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
