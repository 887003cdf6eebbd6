package http

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/security"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/session"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/transport"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/validation"
	"github.com/gcp-mcp/gcp-mcp-server/internal/port/inbound"
	"github.com/gcp-mcp/gcp-mcp-server/internal/port/outbound"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// HTTPTransport is the inbound adapter serving unary JSON-RPC POSTs and SSE
// streams on one listener. Every exchange except CORS preflights passes the
// admission pipeline before the protocol server sees it.
type HTTPTransport struct {
	cfg       transport.Config
	server    outbound.ProtocolServer
	validator security.Validator
	sessions  session.Manager
	messages  *validation.MessageValidator

	logger            *slog.Logger
	clock             clock.WithTicker
	metrics           *Metrics
	gatherer          prometheus.Gatherer
	trustProxyHeaders bool
	events            EventBacklog
	version           string

	conns   *connectionSet
	streams *sseRegistry
	health  *HealthChecker

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener

	done     chan struct{}
	doneOnce sync.Once
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithClock sets the clock used for heartbeats and request timing.
func WithClock(c clock.WithTicker) Option {
	return func(t *HTTPTransport) {
		t.clock = c
	}
}

// WithMetrics shares metrics and the registry served on /metrics. Without
// it the transport creates a private registry.
func WithMetrics(m *Metrics, gatherer prometheus.Gatherer) Option {
	return func(t *HTTPTransport) {
		t.metrics = m
		t.gatherer = gatherer
	}
}

// WithTrustProxyHeaders makes the rate-limit identity come from
// X-Forwarded-For / X-Real-IP. Enable only behind a trusted reverse proxy.
func WithTrustProxyHeaders(trust bool) Option {
	return func(t *HTTPTransport) {
		t.trustProxyHeaders = trust
	}
}

// WithEventBacklog exposes the security event sink's backlog on /health.
func WithEventBacklog(b EventBacklog) Option {
	return func(t *HTTPTransport) {
		t.events = b
	}
}

// WithVersion sets the version reported on /health.
func WithVersion(version string) Option {
	return func(t *HTTPTransport) {
		t.version = version
	}
}

// WithListener serves on ln instead of binding cfg.Addr().
func WithListener(ln net.Listener) Option {
	return func(t *HTTPTransport) {
		t.listener = ln
	}
}

// NewHTTPTransport creates an HTTP transport adapter in front of server.
// If server also implements outbound.NotificationSource, its pushed
// messages are forwarded to the session's SSE streams.
func NewHTTPTransport(
	cfg transport.Config,
	server outbound.ProtocolServer,
	validator security.Validator,
	sessions session.Manager,
	opts ...Option,
) *HTTPTransport {
	t := &HTTPTransport{
		cfg:       cfg.WithDefaults(),
		server:    server,
		validator: validator,
		sessions:  sessions,
		messages:  validation.NewMessageValidator(validator.ValidateMethodName),
		logger:    slog.Default(),
		clock:     clock.RealClock{},
		streams:   newSSERegistry(),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.metrics == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		t.metrics = NewMetrics(reg)
		t.gatherer = reg
	}

	t.conns = newConnectionSet(t.metrics.ActiveConnections)
	t.health = NewHealthChecker(t.cfg, sessions, t.conns.Len, t.streams.streams, t.events, t.version)

	if src, ok := server.(outbound.NotificationSource); ok {
		src.OnNotification(t.pushMessage)
	}

	return t
}

// Handler returns the full handler tree served on the listener.
// Middleware order (outermost first):
//  1. MetricsMiddleware - MUST be outermost to capture full duration
//  2. RequestID - extract/generate request ID and enrich logger
//  3. RealIP - resolve the rate-limit identity
//  4. handleHTTPRequest - admission, then routing
func (t *HTTPTransport) Handler() http.Handler {
	var gateway http.Handler = http.HandlerFunc(t.handleHTTPRequest)
	gateway = RealIPMiddleware(t.trustProxyHeaders)(gateway)
	gateway = RequestIDMiddleware(t.logger)(gateway)
	gateway = MetricsMiddleware(t.metrics, t.clock)(gateway)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(t.gatherer, promhttp.HandlerOpts{}))
	// Favicon handler to prevent browser noise in logs
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.Handle("/", gateway)
	return mux
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	ln := t.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", t.cfg.Addr())
		if err != nil {
			t.mu.Unlock()
			return fmt.Errorf("listen on %s: %w", t.cfg.Addr(), err)
		}
		t.listener = ln
	}
	srv := &http.Server{
		Handler:           t.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(t.logger.Handler(), slog.LevelWarn),
	}
	if t.cfg.TLSEnabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	t.httpServer = srv
	t.mu.Unlock()

	errCh := make(chan error, 1)

	go func() {
		var err error
		if t.cfg.TLSEnabled() {
			t.logger.Info("starting HTTPS server", "addr", ln.Addr().String())
			err = srv.ServeTLS(ln, t.cfg.TLSCertFile, t.cfg.TLSKeyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

// Addr returns the bound listener address, or "" before Start.
func (t *HTTPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// ActiveConnections returns the number of admitted exchanges in flight.
func (t *HTTPTransport) ActiveConnections() int {
	return t.conns.Len()
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	// SSE loops never finish on their own, end them before draining.
	t.doneOnce.Do(func() { close(t.done) })
	t.streams.closeAll()

	t.mu.Lock()
	srv := t.httpServer
	t.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	return t.shutdown()
}

// Compile-time check that HTTPTransport implements Transport interface.
var _ inbound.Transport = (*HTTPTransport)(nil)
