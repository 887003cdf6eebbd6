package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/security"
	"github.com/munnerz/goautoneg"
)

// MCPProtocolVersion is the MCP protocol version advertised when the client
// has not negotiated one.
const MCPProtocolVersion = "2025-06-18"

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// MCPSessionIDHeader is the header for session identification.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader is the header for protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

const (
	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
)

// handleHTTPRequest is the single entry point for every exchange on the
// gateway listener. Preflights are answered directly; everything else must
// pass admission before it is routed.
func (t *HTTPTransport) handleHTTPRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		t.handleOptionsRequest(w, r)
		return
	}

	t.validator.SetSecurityHeaders(w)

	if !t.admit(w, r) {
		return
	}
	t.dispatch(w, r)
}

// admit runs the admission checks in order and writes the rejection for the
// first one that fails. A panic in any check rejects the exchange.
func (t *HTTPTransport) admit(w http.ResponseWriter, r *http.Request) (admitted bool) {
	logger := LoggerFromContext(r.Context())

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("admission check panicked, rejecting request", "panic", rec)
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			admitted = false
		}
	}()

	if res := t.validator.ValidateRequestHeaders(r.Header); !res.Valid {
		t.validator.LogSecurityEvent(security.EventSuspiciousHeaders, map[string]any{
			"errors":   res.Errors,
			"clientIP": t.clientIP(r),
			"path":     r.URL.Path,
		}, security.SeverityMedium)
		w.Header().Set("Connection", "close")
		http.Error(w, "Invalid request headers", http.StatusForbidden)
		return false
	}

	if active := t.conns.Len(); active >= t.cfg.MaxConnections {
		t.validator.LogSecurityEvent(security.EventConnectionLimitExceeded, map[string]any{
			"activeConnections": active,
			"maxConnections":    t.cfg.MaxConnections,
			"clientIP":          t.clientIP(r),
		}, security.SeverityMedium)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return false
	}

	if origin := r.Header.Get("Origin"); !t.validator.ValidateOriginHeader(origin) {
		t.validator.LogSecurityEvent(security.EventInvalidOrigin, map[string]any{
			"origin":   origin,
			"clientIP": t.clientIP(r),
		}, security.SeverityHigh)
		http.Error(w, "Forbidden: Invalid origin", http.StatusForbidden)
		return false
	}

	clientIP := t.clientIP(r)
	if decision := t.validator.CheckRateLimit(r.Context(), clientIP); !decision.Allowed {
		t.validator.LogSecurityEvent(security.EventRateLimitExceeded, map[string]any{
			"clientIP":   clientIP,
			"retryAfter": decision.RetryAfter,
		}, security.SeverityMedium)
		writeRateLimited(w, decision.RetryAfter)
		return false
	}

	return true
}

// dispatch routes an admitted exchange by method and path.
func (t *HTTPTransport) dispatch(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/health":
		t.health.Handler().ServeHTTP(w, r)
	case t.cfg.SupportSSE && t.isSSERequest(r):
		t.handleSSEConnection(w, r)
	case r.URL.Path == t.cfg.MCPPath:
		switch r.Method {
		case http.MethodPost:
			if !t.cfg.SupportHTTP {
				methodNotAllowed(w, "GET, DELETE")
				return
			}
			t.handlePostRequest(w, r)
		case http.MethodDelete:
			t.handleDelete(w, r)
		default:
			allow := "POST, DELETE"
			if t.cfg.SupportSSE {
				allow = "GET, POST, DELETE"
			}
			methodNotAllowed(w, allow)
		}
	default:
		http.NotFound(w, r)
	}
}

// isSSERequest reports whether r asks for a server-push stream: any GET on
// the SSE path, or a GET on the MCP path that accepts text/event-stream.
func (t *HTTPTransport) isSSERequest(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.URL.Path == t.cfg.SSEPath {
		return true
	}
	return r.URL.Path == t.cfg.MCPPath && acceptsEventStream(r.Header.Get("Accept"))
}

// acceptsEventStream reports whether an Accept header explicitly lists
// text/event-stream with a non-zero quality.
func acceptsEventStream(accept string) bool {
	for _, clause := range goautoneg.ParseAccept(accept) {
		if clause.Type == "text" && clause.SubType == "event-stream" && clause.Q > 0 {
			return true
		}
	}
	return false
}

// clientIP returns the rate-limit identity of the caller.
func (t *HTTPTransport) clientIP(r *http.Request) string {
	if ip := ClientIPFromContext(r.Context()); ip != "" {
		return ip
	}
	return extractRealIP(r, t.trustProxyHeaders)
}

// handleOptionsRequest answers CORS preflights. A preflight carries no
// credentials or payload, so no admission check runs.
func (t *HTTPTransport) handleOptionsRequest(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Session-Id, MCP-Protocol-Version, Last-Event-ID")
	h.Set("Access-Control-Expose-Headers", "Mcp-Session-Id, MCP-Protocol-Version")
	h.Set("Access-Control-Max-Age", "86400") // 24 hours
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
}

// handleDelete terminates a session, its SSE streams and its protocol state.
func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(MCPSessionIDHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}

	removed := t.sessions.InvalidateSession(r.Context(), sessionID)
	streams := t.streams.terminate(sessionID)
	t.server.CloseSession(sessionID)

	if !removed && !streams {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	LoggerFromContext(r.Context()).Info("session terminated by client",
		"session_id", shortSessionID(sessionID))
	w.WriteHeader(http.StatusNoContent)
}

// writeRateLimited writes a 429 carrying the retry hint both as a header and
// in the body.
func writeRateLimited(w http.ResponseWriter, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":      "Too Many Requests",
		"retryAfter": retryAfter,
	})
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
}

// shortSessionID truncates a session id for logs.
func shortSessionID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// jsonRPCError represents a JSON-RPC 2.0 error response.
type jsonRPCError struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      any               `json:"id"`
	Error   jsonRPCErrorField `json:"error"`
}

type jsonRPCErrorField struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// writeJSONRPCError writes a JSON-RPC error response.
func writeJSONRPCError(w http.ResponseWriter, id any, code int, message string) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK) // JSON-RPC errors still return 200 OK

	errResp := jsonRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error: jsonRPCErrorField{
			Code:    code,
			Message: message,
		},
	}

	_ = json.NewEncoder(w).Encode(errResp)
}
