package http

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/security"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/session"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/transport"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/prometheus/client_golang/prometheus"
	clocktesting "k8s.io/utils/clock/testing"
)

var testEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordedEvent is one LogSecurityEvent call seen by fakeValidator.
type recordedEvent struct {
	Kind     security.EventKind
	Fields   map[string]any
	Severity security.Severity
}

// fakeValidator is a scriptable security.Validator.
type fakeValidator struct {
	mu sync.Mutex

	headerErrors []string
	rejectOrigin bool
	rateLimited  int // RetryAfter when > 0
	rejectMethod map[string]bool
	panicIn      string

	rateChecks []string
	events     []recordedEvent
}

func (v *fakeValidator) maybePanic(where string) {
	if v.panicIn == where {
		panic("boom in " + where)
	}
}

func (v *fakeValidator) ValidateRequestHeaders(http.Header) security.HeaderValidation {
	v.maybePanic("headers")
	if len(v.headerErrors) > 0 {
		return security.HeaderValidation{Valid: false, Errors: v.headerErrors}
	}
	return security.HeaderValidation{Valid: true}
}

func (v *fakeValidator) ValidateOriginHeader(string) bool {
	v.maybePanic("origin")
	return !v.rejectOrigin
}

func (v *fakeValidator) CheckRateLimit(_ context.Context, clientKey string) security.RateLimitDecision {
	v.maybePanic("rate")
	v.mu.Lock()
	v.rateChecks = append(v.rateChecks, clientKey)
	v.mu.Unlock()
	if v.rateLimited > 0 {
		return security.RateLimitDecision{Allowed: false, RetryAfter: v.rateLimited}
	}
	return security.RateLimitDecision{Allowed: true}
}

func (v *fakeValidator) ValidateMethodName(name string) bool {
	return !v.rejectMethod[name]
}

func (v *fakeValidator) SanitizeInput(value string) string { return value }

func (v *fakeValidator) SetSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
}

func (v *fakeValidator) LogSecurityEvent(kind security.EventKind, fields map[string]any, severity security.Severity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, recordedEvent{Kind: kind, Fields: fields, Severity: severity})
}

func (v *fakeValidator) recorded() []recordedEvent {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]recordedEvent(nil), v.events...)
}

// alwaysRejectValidator panics on any admission call. Used to prove a path
// never consults the validator.
type alwaysRejectValidator struct{ fakeValidator }

func (*alwaysRejectValidator) ValidateRequestHeaders(http.Header) security.HeaderValidation {
	panic("validator consulted")
}

func (*alwaysRejectValidator) SetSecurityHeaders(http.ResponseWriter) {
	panic("validator consulted")
}

// fakeSessions is an in-memory session.Manager with call accounting.
type fakeSessions struct {
	mu          sync.Mutex
	next        int
	live        map[string]map[string]any
	invalidated []string
	rotated     []string
	createErr   error
	untouchable bool // every call fails the test via panic
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{live: make(map[string]map[string]any)}
}

func (s *fakeSessions) guard() {
	if s.untouchable {
		panic("session manager consulted")
	}
}

func (s *fakeSessions) CreateSession(context.Context) (string, error) {
	s.guard()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.next++
	id := fmt.Sprintf("session-%02d", s.next)
	s.live[id] = map[string]any{}
	return id, nil
}

func (s *fakeSessions) ValidateSession(_ context.Context, id string) bool {
	s.guard()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[id]
	return ok
}

func (s *fakeSessions) InvalidateSession(_ context.Context, id string) bool {
	s.guard()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, id)
	_, ok := s.live[id]
	delete(s.live, id)
	return ok
}

func (s *fakeSessions) RotateSessionID(_ context.Context, id string) (string, error) {
	s.guard()
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.live[id]
	if !ok {
		return "", session.ErrSessionNotFound
	}
	s.next++
	newID := fmt.Sprintf("session-%02d", s.next)
	s.live[newID] = md
	delete(s.live, id)
	s.rotated = append(s.rotated, id)
	return newID, nil
}

func (s *fakeSessions) GetSessionMetadata(_ context.Context, id string) (map[string]any, error) {
	s.guard()
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.live[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	out := make(map[string]any, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out, nil
}

func (s *fakeSessions) UpdateSessionMetadata(_ context.Context, id string, patch map[string]any) error {
	s.guard()
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.live[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	for k, v := range patch {
		md[k] = v
	}
	return nil
}

func (s *fakeSessions) GetSessionStats(context.Context) session.Stats {
	s.guard()
	s.mu.Lock()
	defer s.mu.Unlock()
	return session.Stats{Active: len(s.live), Total: int64(s.next)}
}

func (s *fakeSessions) CleanupExpiredSessions(context.Context) int { return 0 }

func (s *fakeSessions) invalidatedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.invalidated...)
}

func (s *fakeSessions) isLive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[id]
	return ok
}

// fakeProtocolServer answers every call with a result echoing the method.
type fakeProtocolServer struct {
	mu        sync.Mutex
	handled   []string // sessionID/method
	closed    []string
	push      func(string, jsonrpc.Message)
	handleErr error
	result    string // raw JSON result, defaults to {"ok":true}
}

func (p *fakeProtocolServer) ServeStdio(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *fakeProtocolServer) Handle(_ context.Context, sessionID string, msg jsonrpc.Message) (jsonrpc.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handleErr != nil {
		return nil, p.handleErr
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		p.handled = append(p.handled, sessionID+"/<response>")
		return nil, nil
	}
	p.handled = append(p.handled, sessionID+"/"+req.Method)
	if !req.IsCall() {
		return nil, nil
	}
	result := p.result
	if result == "" {
		result = `{"ok":true}`
	}
	return &jsonrpc.Response{ID: req.ID, Result: []byte(result)}, nil
}

func (p *fakeProtocolServer) CloseSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = append(p.closed, sessionID)
}

func (p *fakeProtocolServer) OnNotification(fn func(string, jsonrpc.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.push = fn
}

func (p *fakeProtocolServer) handledCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.handled...)
}

func (p *fakeProtocolServer) closedSessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.closed...)
}

func (p *fakeProtocolServer) pushTo(sessionID string, msg jsonrpc.Message) {
	p.mu.Lock()
	fn := p.push
	p.mu.Unlock()
	fn(sessionID, msg)
}

// fakeConn is a net.Conn that captures writes and counts Close calls.
type fakeConn struct {
	net.Conn
	mu     sync.Mutex
	buf    bytes.Buffer
	closes int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// hijackRecorder is an httptest.ResponseRecorder that supports Hijack and
// counts how often the socket was taken over.
type hijackRecorder struct {
	*httptest.ResponseRecorder
	conn    *fakeConn
	hijacks int
}

func newHijackRecorder() *hijackRecorder {
	return &hijackRecorder{ResponseRecorder: httptest.NewRecorder(), conn: &fakeConn{}}
}

func (r *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.hijacks++
	if r.hijacks > 1 {
		return nil, nil, errors.New("already hijacked")
	}
	rw := bufio.NewReadWriter(bufio.NewReader(r.conn), bufio.NewWriter(r.conn))
	return r.conn, rw, nil
}

// testHarness bundles a transport with its fakes.
type testHarness struct {
	transport *HTTPTransport
	validator *fakeValidator
	sessions  *fakeSessions
	server    *fakeProtocolServer
	clock     *clocktesting.FakeClock
}

func newHarness(t *testing.T, cfg transport.Config) *testHarness {
	t.Helper()
	h := &testHarness{
		validator: &fakeValidator{},
		sessions:  newFakeSessions(),
		server:    &fakeProtocolServer{},
		clock:     clocktesting.NewFakeClock(testEpoch),
	}
	h.transport = newTransportWith(cfg, h.validator, h.sessions, h.server, h.clock)
	return h
}

func newTransportWith(cfg transport.Config, v security.Validator, s session.Manager, p *fakeProtocolServer, clk *clocktesting.FakeClock) *HTTPTransport {
	reg := prometheus.NewRegistry()
	opts := []Option{
		WithLogger(discardLogger()),
		WithMetrics(NewMetrics(reg), reg),
	}
	if clk != nil {
		opts = append(opts, WithClock(clk))
	}
	return NewHTTPTransport(cfg, p, v, s, opts...)
}

func defaultConfig() transport.Config {
	return transport.Config{
		SupportHTTP:       true,
		SupportSSE:        true,
		MaxConnections:    10,
		HeartbeatInterval: 30 * time.Second,
	}
}

// do serves one request through the full handler tree.
func (h *testHarness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.transport.Handler().ServeHTTP(rec, req)
	return rec
}

func newPost(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("User-Agent", "test-client/1.0")
	return req
}
