// Package mcpserver adapts a go-sdk *mcp.Server to the gateway's
// ProtocolServer port.
//
// Stdio is served directly by the SDK. For HTTP, each gateway session gets
// its own in-memory connection to the server, so the SDK keeps per-session
// protocol state (initialization, capabilities, subscriptions) while the
// gateway keeps ownership of admission and session identity.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/gcp-mcp/gcp-mcp-server/internal/port/outbound"
	mcpmsg "github.com/gcp-mcp/gcp-mcp-server/pkg/mcp"
)

var (
	// ErrServerClosed is returned by Handle after Close.
	ErrServerClosed = errors.New("protocol server closed")

	// ErrSessionClosed is returned when a session's connection ends while a
	// call is waiting for its response.
	ErrSessionClosed = errors.New("protocol session closed")

	// ErrDuplicateRequestID is returned when a call reuses the id of a call
	// still in flight on the same session.
	ErrDuplicateRequestID = errors.New("duplicate in-flight request id")
)

// Server implements outbound.ProtocolServer and outbound.NotificationSource.
type Server struct {
	server *mcp.Server
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	bridges map[string]*bridge
	push    func(sessionID string, msg jsonrpc.Message)
	closed  bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New wraps server. Tool, resource and prompt handlers are registered on
// server by the caller before any transport starts.
func New(server *mcp.Server, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		server:  server,
		logger:  slog.Default(),
		baseCtx: ctx,
		cancel:  cancel,
		bridges: make(map[string]*bridge),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeStdio runs the server over stdin/stdout until ctx is cancelled or
// the client closes the pipe.
func (s *Server) ServeStdio(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}

// OnNotification registers the handler for server-initiated messages.
func (s *Server) OnNotification(fn func(sessionID string, msg jsonrpc.Message)) {
	s.mu.Lock()
	s.push = fn
	s.mu.Unlock()
}

func (s *Server) pushHandler() func(string, jsonrpc.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push
}

// Handle forwards msg to the session's protocol connection, creating it on
// first use. Calls block until the server responds, ctx ends or the session
// closes.
func (s *Server) Handle(ctx context.Context, sessionID string, msg jsonrpc.Message) (jsonrpc.Message, error) {
	b, err := s.bridgeFor(sessionID)
	if err != nil {
		return nil, err
	}

	req, ok := msg.(*jsonrpc.Request)
	if !ok || !req.IsCall() {
		if err := b.conn.Write(ctx, msg); err != nil {
			return nil, fmt.Errorf("forward message: %w", err)
		}
		return nil, nil
	}

	ch, release, err := b.await(req.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := b.conn.Write(ctx, req); err != nil {
		return nil, fmt.Errorf("forward request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrSessionClosed
	}
}

// CloseSession tears down the protocol connection for sessionID.
func (s *Server) CloseSession(sessionID string) {
	s.mu.Lock()
	b, ok := s.bridges[sessionID]
	delete(s.bridges, sessionID)
	s.mu.Unlock()

	if ok {
		b.close()
		s.logger.Debug("protocol session closed", "session_id", sessionID)
	}
}

// Sessions returns the number of open protocol sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

// Close tears down every protocol session. Handle fails afterwards.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	bridges := s.bridges
	s.bridges = make(map[string]*bridge)
	s.mu.Unlock()

	for _, b := range bridges {
		b.close()
	}
	s.cancel()
	return nil
}

func (s *Server) bridgeFor(sessionID string) (*bridge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServerClosed
	}
	if b, ok := s.bridges[sessionID]; ok {
		select {
		case <-b.done:
			// The server side ended the connection; start over.
			delete(s.bridges, sessionID)
		default:
			return b, nil
		}
	}

	clientT, serverT := mcp.NewInMemoryTransports()
	ss, err := s.server.Connect(s.baseCtx, serverT, nil)
	if err != nil {
		return nil, fmt.Errorf("connect protocol session: %w", err)
	}
	conn, err := clientT.Connect(s.baseCtx)
	if err != nil {
		_ = ss.Close()
		return nil, fmt.Errorf("connect protocol client: %w", err)
	}

	b := &bridge{
		sessionID: sessionID,
		conn:      conn,
		session:   ss,
		pending:   make(map[string]chan jsonrpc.Message),
		done:      make(chan struct{}),
		logger:    s.logger,
	}
	s.bridges[sessionID] = b
	go b.readLoop(s.baseCtx, s.pushHandler)

	s.logger.Debug("protocol session opened", "session_id", sessionID)
	return b, nil
}

// bridge is one gateway session's connection to the SDK server.
type bridge struct {
	sessionID string
	conn      mcp.Connection
	session   *mcp.ServerSession
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan jsonrpc.Message

	done      chan struct{}
	closeOnce sync.Once
}

// await registers interest in the response to id.
func (b *bridge) await(id jsonrpc.ID) (<-chan jsonrpc.Message, func(), error) {
	key := mcpmsg.IDKey(id)
	ch := make(chan jsonrpc.Message, 1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.pending[key]; dup {
		return nil, nil, ErrDuplicateRequestID
	}
	b.pending[key] = ch

	return ch, func() {
		b.mu.Lock()
		delete(b.pending, key)
		b.mu.Unlock()
	}, nil
}

func (b *bridge) deliver(resp *jsonrpc.Response) {
	key := mcpmsg.IDKey(resp.ID)

	b.mu.Lock()
	ch, ok := b.pending[key]
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("dropping response with no waiting request", "session_id", b.sessionID, "id", key)
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

func (b *bridge) readLoop(ctx context.Context, push func() func(string, jsonrpc.Message)) {
	defer close(b.done)
	for {
		msg, err := b.conn.Read(ctx)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			b.deliver(m)
		default:
			if fn := push(); fn != nil {
				fn(b.sessionID, m)
			}
		}
	}
}

func (b *bridge) close() {
	b.closeOnce.Do(func() {
		_ = b.conn.Close()
		_ = b.session.Close()
	})
	<-b.done
}

// Compile-time interface verification.
var (
	_ outbound.ProtocolServer     = (*Server)(nil)
	_ outbound.NotificationSource = (*Server)(nil)
)
