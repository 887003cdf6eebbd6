package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	mcpmsg "github.com/gcp-mcp/gcp-mcp-server/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

const (
	sseEventConnected = "connected"
	sseEventHeartbeat = "heartbeat"
	sseEventMessage   = "message"

	// sseBufferSize is the per-stream backlog of server-pushed messages.
	sseBufferSize = 100
)

// sseRegistry manages open SSE streams for server-initiated messages.
type sseRegistry struct {
	// sessions maps session ID to a slice of channels for SSE connections.
	// Multiple SSE connections can share the same session.
	mu       sync.RWMutex
	sessions map[string][]chan []byte
}

// newSSERegistry creates a new stream registry.
func newSSERegistry() *sseRegistry {
	return &sseRegistry{
		sessions: make(map[string][]chan []byte),
	}
}

// register adds an SSE channel to a session.
func (r *sseRegistry) register(sessionID string, ch chan []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID] = append(r.sessions[sessionID], ch)
}

// publish offers data to every stream of a session without blocking.
// It reports whether at least one stream accepted it.
func (r *sseRegistry) publish(sessionID string, data []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	delivered := false
	for _, ch := range r.sessions[sessionID] {
		select {
		case ch <- data:
			delivered = true
		default:
		}
	}
	return delivered
}

// terminate closes all SSE channels for a session.
func (r *sseRegistry) terminate(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels, exists := r.sessions[sessionID]
	if !exists {
		return false
	}
	for _, ch := range channels {
		close(ch)
	}
	delete(r.sessions, sessionID)
	return true
}

// closeAll closes all SSE channels for all sessions.
func (r *sseRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, channels := range r.sessions {
		for _, ch := range channels {
			close(ch)
		}
	}
	r.sessions = make(map[string][]chan []byte)
}

// streams returns the number of registered SSE channels.
func (r *sseRegistry) streams() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, channels := range r.sessions {
		n += len(channels)
	}
	return n
}

// handleSSEConnection holds a server-push stream open until the client goes
// away, the session is terminated or the transport shuts down. Cleanup runs
// exactly once on every exit path.
func (t *HTTPTransport) handleSSEConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := LoggerFromContext(ctx)

	sessionID, err := t.streamSession(ctx, r.Header.Get(MCPSessionIDHeader))
	if err != nil {
		logger.Error("failed to open session for SSE stream", "error", err)
		http.Error(w, "Session unavailable", http.StatusServiceUnavailable)
		return
	}

	conn := &activeConnection{kind: connSSE, sessionID: sessionID, openedAt: t.clock.Now()}
	release := t.conns.add(conn)
	msgs := make(chan []byte, sseBufferSize)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			// Sibling streams share the session being invalidated.
			t.streams.terminate(sessionID)
			// The request context is already done here.
			t.sessions.InvalidateSession(context.WithoutCancel(ctx), sessionID)
			t.server.CloseSession(sessionID)
			release()
			logger.Info("SSE stream closed",
				"session_id", shortSessionID(sessionID),
				"duration", t.clock.Since(conn.openedAt))
		})
	}
	defer cleanup()

	h := w.Header()
	h.Set("Content-Type", contentTypeEventStream)
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(MCPSessionIDHeader, sessionID)
	h.Set(MCPProtocolVersionHeader, MCPProtocolVersion)
	w.WriteHeader(http.StatusOK)

	connected, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	if err := writeSSEEvent(w, sseEventConnected, connected); err != nil {
		logger.Debug("SSE client went away before connected event", "error", err)
		return
	}
	t.streams.register(sessionID, msgs)
	logger.Info("SSE stream opened", "session_id", shortSessionID(sessionID))

	ticker := t.clock.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case data, ok := <-msgs:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, sseEventMessage, data); err != nil {
				logger.Debug("SSE write failed", "error", err)
				return
			}
		case now := <-ticker.C():
			if err := writeSSEEvent(w, sseEventHeartbeat, heartbeatPayload(now)); err != nil {
				logger.Debug("SSE heartbeat failed", "error", err)
				return
			}
		}
	}
}

// streamSession reuses a valid presented session or creates one.
func (t *HTTPTransport) streamSession(ctx context.Context, presented string) (string, error) {
	if presented != "" && t.sessions.ValidateSession(ctx, presented) {
		return presented, nil
	}
	id, err := t.sessions.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// pushMessage delivers a server-initiated message to the session's streams.
func (t *HTTPTransport) pushMessage(sessionID string, msg jsonrpc.Message) {
	data, err := mcpmsg.EncodeMessage(msg)
	if err != nil {
		t.logger.Warn("failed to encode server message", "error", err)
		return
	}
	if !t.streams.publish(sessionID, data) {
		t.logger.Debug("no open stream for server message, dropped",
			"session_id", shortSessionID(sessionID))
	}
}

// writeSSEEvent writes one event and flushes it. data must not contain
// newlines; compact JSON never does.
func writeSSEEvent(w http.ResponseWriter, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return http.NewResponseController(w).Flush()
}

func heartbeatPayload(now time.Time) []byte {
	return []byte(fmt.Sprintf(`{"timestamp":%q}`, now.UTC().Format(time.RFC3339)))
}
