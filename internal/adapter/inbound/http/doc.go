// Package http provides the HTTP and SSE transport of the gateway.
//
// One listener serves unary JSON-RPC exchanges (MCP Streamable HTTP POST),
// long-lived Server-Sent-Events streams and operational endpoints. Every
// exchange except CORS preflights runs through the admission pipeline
// before any payload is read.
//
// # Usage
//
//	transport := http.NewHTTPTransport(cfg, protocolServer, validator, sessions,
//	    http.WithLogger(logger),
//	    http.WithMetrics(metrics, registry),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST <mcp path>    - Send one JSON-RPC message, receive the reply
//	GET <sse path>     - Open an SSE stream
//	GET <mcp path>     - Open an SSE stream (Accept: text/event-stream)
//	DELETE <mcp path>  - Terminate a session and its streams
//	OPTIONS *          - CORS preflight, no admission
//	GET /health        - Connection and session counters
//	GET /metrics       - Prometheus metrics, no admission
//
// # Admission
//
// Checks run in order and the first failure ends the exchange:
//
//  1. Header shape (403, suspicious_headers)
//  2. Connection ceiling (503, connection_limit_exceeded)
//  3. Origin allow-list (403, invalid_origin)
//  4. Per-client rate limit (429 with Retry-After, rate_limit_exceeded)
//
// A POST whose Accept header negotiates neither application/json nor
// text/event-stream gets 406 and its socket is dropped.
//
// # Sessions
//
// The gateway issues every session id. A POST without a valid
// Mcp-Session-Id gets a new one; initialize on a valid id rotates it. The
// id is returned in the Mcp-Session-Id response header.
//
// # Server-Sent Events
//
// A stream starts with an "event: connected" carrying the session id,
// then "event: heartbeat" on the configured interval and "event: message"
// for every server-initiated message of the session. Closing the stream
// invalidates its session.
package http
