// Package security provides the admission policy applied to every inbound
// HTTP exchange: header shape checks, origin allow-listing, per-client rate
// limiting, method allow-listing, response hardening and security events.
package security

import (
	"context"
	"net/http"
	"time"
)

// Severity grades a security event.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// EventKind names the condition that produced a security event.
type EventKind string

const (
	EventSuspiciousHeaders       EventKind = "suspicious_headers"
	EventInvalidOrigin           EventKind = "invalid_origin"
	EventRateLimitExceeded       EventKind = "rate_limit_exceeded"
	EventConnectionLimitExceeded EventKind = "connection_limit_exceeded"
	EventUnsupportedAccept       EventKind = "unsupported_accept"
	EventInvalidMethod           EventKind = "invalid_method"
)

// Event is an immutable audit record. It is emitted, never stored here.
type Event struct {
	Kind      EventKind
	Severity  Severity
	Context   map[string]any
	Timestamp time.Time
}

// EventSink receives security events. Emit must not block.
type EventSink interface {
	Emit(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls f(event).
func (f EventSinkFunc) Emit(event Event) { f(event) }

// HeaderValidation is the outcome of ValidateRequestHeaders.
type HeaderValidation struct {
	Valid  bool
	Errors []string
}

// RateLimitDecision is the outcome of CheckRateLimit.
type RateLimitDecision struct {
	Allowed bool
	// RetryAfter is the whole number of seconds to wait. Set only when
	// Allowed is false, and always at least 1 in that case.
	RetryAfter int
}

// Validator is the admission policy the HTTP transport depends on.
type Validator interface {
	ValidateRequestHeaders(h http.Header) HeaderValidation
	ValidateOriginHeader(origin string) bool
	CheckRateLimit(ctx context.Context, clientKey string) RateLimitDecision
	ValidateMethodName(name string) bool
	SanitizeInput(value string) string
	SetSecurityHeaders(w http.ResponseWriter)
	LogSecurityEvent(kind EventKind, fields map[string]any, severity Severity)
}
