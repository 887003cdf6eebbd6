// Package ctxkey holds the context key types shared by the HTTP middleware
// and the packages that read request-scoped values. It imports nothing from
// this module.
package ctxkey

// LoggerKey carries the request-scoped *slog.Logger.
type LoggerKey struct{}

// ClientIPKey carries the client address used for rate limiting and events.
type ClientIPKey struct{}

// RequestIDKey carries the X-Request-ID correlation id.
type RequestIDKey struct{}
