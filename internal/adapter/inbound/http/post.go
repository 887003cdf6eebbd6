package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/security"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/validation"
	mcpmsg "github.com/gcp-mcp/gcp-mcp-server/pkg/mcp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/munnerz/goautoneg"
)

// unsupportedAcceptBody is written before an unsupported-Accept socket is dropped.
const unsupportedAcceptBody = "Unsupported Accept header\n"

// handlePostRequest processes one JSON-RPC message from the client and
// writes the protocol server's reply.
func (t *HTTPTransport) handlePostRequest(w http.ResponseWriter, r *http.Request) {
	replyType, ok := negotiateReplyType(r.Header.Get("Accept"))
	if !ok {
		t.rejectUnsupportedAccept(w, r)
		return
	}

	release := t.conns.add(&activeConnection{kind: connPost, openedAt: t.clock.Now()})
	defer release()

	ctx := r.Context()
	logger := LoggerFromContext(ctx)

	// Validate content type (before reading body to fail fast)
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || mediaType != contentTypeJSON {
			writeJSONRPCError(w, nil, validation.ErrCodeParseError, "Parse error: content type must be application/json")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONRPCError(w, nil, validation.ErrCodeParseError, "Parse error: request body too large (max 1MB)")
			return
		}
		writeJSONRPCError(w, nil, validation.ErrCodeParseError, "Parse error: failed to read request body")
		return
	}

	msg, code, reason := decodeEnvelope(body)
	if msg == nil {
		writeJSONRPCError(w, nil, code, reason)
		return
	}
	id := messageID(msg)

	if err := t.messages.Validate(msg); err != nil {
		vErr := validation.AsValidationError(err)
		if vErr.Code == validation.ErrCodeMethodNotFound {
			t.validator.LogSecurityEvent(security.EventInvalidMethod, map[string]any{
				"method":   msg.Method(),
				"clientIP": t.clientIP(r),
			}, security.SeverityLow)
		}
		writeJSONRPCError(w, id, vErr.Code, vErr.Message)
		return
	}

	sessionID, err := t.associateSession(ctx, r.Header.Get(MCPSessionIDHeader), msg.IsInitialize())
	if err != nil {
		logger.Error("failed to associate session", "error", err)
		writeJSONRPCError(w, id, validation.ErrCodeInternalError, "Internal error")
		return
	}
	msg.SessionID = sessionID
	w.Header().Set(MCPSessionIDHeader, sessionID)

	reply, err := t.server.Handle(ctx, sessionID, msg.Decoded)
	if err != nil {
		// Client disconnected, don't write response
		if ctx.Err() != nil {
			return
		}
		logger.Error("protocol server failed to handle message",
			"method", t.validator.SanitizeInput(msg.Method()),
			"session_id", shortSessionID(sessionID),
			"error", err)
		writeJSONRPCError(w, id, validation.ErrCodeInternalError, "Internal error")
		return
	}

	version := r.Header.Get(MCPProtocolVersionHeader)
	if msg.IsInitialize() {
		if negotiated := t.recordInitialize(ctx, sessionID, msg.Request(), reply); negotiated != "" {
			version = negotiated
		}
	}
	if version == "" {
		version = MCPProtocolVersion
	}
	w.Header().Set(MCPProtocolVersionHeader, t.validator.SanitizeInput(version))

	// Notifications and client responses get no reply body.
	if reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, err := mcpmsg.EncodeMessage(reply)
	if err != nil {
		logger.Error("failed to encode reply", "error", err)
		writeJSONRPCError(w, id, validation.ErrCodeInternalError, "Internal error")
		return
	}

	if replyType == contentTypeEventStream {
		w.Header().Set("Content-Type", contentTypeEventStream)
		w.WriteHeader(http.StatusOK)
		if err := writeSSEEvent(w, sseEventMessage, data); err != nil {
			logger.Debug("failed to write streamed reply", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// negotiateReplyType picks the reply encoding from an Accept header.
// An absent Accept header means JSON.
func negotiateReplyType(accept string) (string, bool) {
	if strings.TrimSpace(accept) == "" {
		return contentTypeJSON, true
	}
	ct := goautoneg.Negotiate(accept, []string{contentTypeJSON, contentTypeEventStream})
	return ct, ct != ""
}

// rejectUnsupportedAccept answers 406 and drops the socket. When the writer
// cannot be hijacked (HTTP/2) the 406 is sent with Connection: close instead.
func (t *HTTPTransport) rejectUnsupportedAccept(w http.ResponseWriter, r *http.Request) {
	t.validator.LogSecurityEvent(security.EventUnsupportedAccept, map[string]any{
		"accept":   r.Header.Get("Accept"),
		"clientIP": t.clientIP(r),
	}, security.SeverityMedium)

	w.Header().Set("Connection", "close")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	conn, buf, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.Error(w, strings.TrimSpace(unsupportedAcceptBody), http.StatusNotAcceptable)
		return
	}
	defer func() { _ = conn.Close() }()

	resp := &http.Response{
		StatusCode:    http.StatusNotAcceptable,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        w.Header().Clone(),
		ContentLength: int64(len(unsupportedAcceptBody)),
		Body:          io.NopCloser(strings.NewReader(unsupportedAcceptBody)),
		Close:         true,
	}
	if err := resp.Write(buf); err == nil {
		_ = buf.Flush()
	}
}

// envelope is the minimal JSON-RPC shape checked before full decoding.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
}

// decodeEnvelope parses a single JSON-RPC message. On failure it returns a
// nil message with the JSON-RPC error code and client-safe reason.
func decodeEnvelope(body []byte) (*mcpmsg.Message, int, string) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, validation.ErrCodeParseError, "Parse error: empty request body"
	}
	if !json.Valid(trimmed) {
		return nil, validation.ErrCodeParseError, "Parse error: invalid JSON"
	}
	if trimmed[0] == '[' {
		return nil, validation.ErrCodeInvalidRequest, "Invalid Request: batch requests are not supported"
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		// JSON is valid (passed json.Valid above) but not an object -
		// e.g., string, number, boolean
		return nil, validation.ErrCodeInvalidRequest, "Invalid Request: request must be a JSON object"
	}
	if env.JSONRPC != "2.0" {
		return nil, validation.ErrCodeInvalidRequest, "Invalid Request: missing or invalid jsonrpc version (must be \"2.0\")"
	}
	if env.Method == "" && env.ID == nil {
		return nil, validation.ErrCodeInvalidRequest, "Invalid Request: missing method field"
	}

	msg, err := mcpmsg.WrapMessage(trimmed, mcpmsg.ClientToServer)
	if err != nil {
		return nil, validation.ErrCodeInvalidRequest, "Invalid Request"
	}
	return msg, 0, ""
}

// messageID returns the JSON-RPC id to echo in an error reply, or nil.
func messageID(msg *mcpmsg.Message) any {
	switch m := msg.Decoded.(type) {
	case *jsonrpc.Request:
		if m.ID.IsValid() {
			return m.ID.Raw()
		}
	case *jsonrpc.Response:
		if m.ID.IsValid() {
			return m.ID.Raw()
		}
	}
	return nil
}

// associateSession resolves the gateway session for a POST. A valid
// presented id is reused; initialize on a valid id rotates it and resets
// protocol state. Anything else gets a fresh server-issued id, so a client
// can never choose its own session id.
func (t *HTTPTransport) associateSession(ctx context.Context, presented string, initialize bool) (string, error) {
	logger := LoggerFromContext(ctx)

	if presented != "" && t.sessions.ValidateSession(ctx, presented) {
		if !initialize {
			return presented, nil
		}
		rotated, err := t.sessions.RotateSessionID(ctx, presented)
		if err != nil {
			return "", fmt.Errorf("rotate session: %w", err)
		}
		t.streams.terminate(presented)
		t.server.CloseSession(presented)
		logger.Debug("session rotated on initialize",
			"old_session_id", shortSessionID(presented),
			"session_id", shortSessionID(rotated))
		return rotated, nil
	}

	if presented != "" {
		logger.Debug("unknown or expired session id presented, issuing a new session")
		t.server.CloseSession(presented)
	}

	id, err := t.sessions.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// recordInitialize stores client identity and the negotiated protocol
// version in session metadata. It returns the negotiated version, or "".
func (t *HTTPTransport) recordInitialize(ctx context.Context, sessionID string, req *jsonrpc.Request, reply jsonrpc.Message) string {
	var params initializeParams
	if req != nil && len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}

	version := params.ProtocolVersion
	if resp, ok := reply.(*jsonrpc.Response); ok {
		if resp.Error != nil {
			return ""
		}
		var result initializeResult
		if len(resp.Result) > 0 && json.Unmarshal(resp.Result, &result) == nil && result.ProtocolVersion != "" {
			version = result.ProtocolVersion
		}
	}

	patch := make(map[string]any, 3)
	if version != "" {
		patch["protocolVersion"] = t.validator.SanitizeInput(version)
	}
	if params.ClientInfo.Name != "" {
		patch["clientName"] = t.validator.SanitizeInput(params.ClientInfo.Name)
	}
	if params.ClientInfo.Version != "" {
		patch["clientVersion"] = t.validator.SanitizeInput(params.ClientInfo.Version)
	}
	if len(patch) > 0 {
		if err := t.sessions.UpdateSessionMetadata(ctx, sessionID, patch); err != nil {
			LoggerFromContext(ctx).Warn("failed to record client info", "error", err)
		}
	}
	return version
}
