package security

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strings"

	"k8s.io/utils/clock"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/ratelimit"
	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/validation"
)

const (
	// DefaultMaxHeaderValueLength bounds any single header value.
	DefaultMaxHeaderValueLength = 8 << 10
	// DefaultMaxHeaderCount bounds the number of header values in a request.
	DefaultMaxHeaderCount = 100
)

// DefaultRequiredHeaders are the headers every request must carry.
var DefaultRequiredHeaders = []string{"User-Agent"}

// sensitiveHeaders must appear at most once. Repeats are a common smuggling
// and confusion vector between proxies and origin servers.
var sensitiveHeaders = []string{
	"Authorization",
	"Content-Type",
	"Content-Length",
	"Cookie",
	"Mcp-Session-Id",
	"Origin",
	"X-Forwarded-For",
}

// Config holds SecurityValidator policy.
type Config struct {
	// AllowedOrigins lists exact Origin values accepted. "*" accepts any.
	// Requests without an Origin header are always accepted.
	AllowedOrigins []string
	// RequiredHeaders must be present and non-empty. Nil means
	// DefaultRequiredHeaders.
	RequiredHeaders []string
	// AllowedMethods extends the MCP method allow-list.
	AllowedMethods []string
	// RateLimitEnabled turns per-client rate limiting on.
	RateLimitEnabled bool
	// RateLimit is the per-client budget.
	RateLimit ratelimit.RateLimitConfig
	// MaxHeaderValueLength defaults to DefaultMaxHeaderValueLength.
	MaxHeaderValueLength int
	// MaxHeaderCount defaults to DefaultMaxHeaderCount.
	MaxHeaderCount int
}

// Option configures a SecurityValidator.
type Option func(*SecurityValidator)

// WithRateLimiter sets the limiter backing CheckRateLimit.
func WithRateLimiter(l ratelimit.RateLimiter) Option {
	return func(v *SecurityValidator) {
		v.limiter = l
	}
}

// WithEventSink sets where security events are delivered.
func WithEventSink(sink EventSink) Option {
	return func(v *SecurityValidator) {
		v.sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *SecurityValidator) {
		v.logger = logger
	}
}

// WithClock sets the clock used to timestamp events.
func WithClock(c clock.PassiveClock) Option {
	return func(v *SecurityValidator) {
		v.clock = c
	}
}

// SecurityValidator implements Validator. Its only mutable state lives in
// the injected rate limiter.
type SecurityValidator struct {
	cfg            Config
	origins        map[string]struct{}
	anyOrigin      bool
	methods        *validation.MethodAllowList
	sanitizer      *validation.Sanitizer
	limiter        ratelimit.RateLimiter
	sink           EventSink
	logger         *slog.Logger
	clock          clock.PassiveClock
	requiredHeader []string
}

// NewSecurityValidator creates a SecurityValidator.
func NewSecurityValidator(cfg Config, opts ...Option) *SecurityValidator {
	if cfg.MaxHeaderValueLength <= 0 {
		cfg.MaxHeaderValueLength = DefaultMaxHeaderValueLength
	}
	if cfg.MaxHeaderCount <= 0 {
		cfg.MaxHeaderCount = DefaultMaxHeaderCount
	}
	required := cfg.RequiredHeaders
	if required == nil {
		required = DefaultRequiredHeaders
	}

	v := &SecurityValidator{
		cfg:       cfg,
		origins:   make(map[string]struct{}, len(cfg.AllowedOrigins)),
		methods:   validation.NewMethodAllowList(cfg.AllowedMethods...),
		sanitizer: validation.NewSanitizer(),
		logger:    slog.Default(),
		clock:     clock.RealClock{},
	}
	for _, name := range required {
		v.requiredHeader = append(v.requiredHeader, http.CanonicalHeaderKey(name))
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			v.anyOrigin = true
			continue
		}
		v.origins[normalizeOrigin(origin)] = struct{}{}
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateRequestHeaders checks header shape only; the body is never read.
func (v *SecurityValidator) ValidateRequestHeaders(h http.Header) HeaderValidation {
	var errs []string

	count := 0
	for _, values := range h {
		count += len(values)
	}
	if count > v.cfg.MaxHeaderCount {
		errs = append(errs, fmt.Sprintf("too many headers: %d > %d", count, v.cfg.MaxHeaderCount))
	}

	for _, name := range v.requiredHeader {
		if strings.TrimSpace(h.Get(name)) == "" {
			errs = append(errs, "missing required header: "+name)
		}
	}

	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		safeName := v.sanitizer.SanitizeString(name)
		if !validHeaderName(name) {
			errs = append(errs, "illegal characters in header name: "+safeName)
			continue
		}
		values := h[name]
		if len(values) > 1 && isSensitiveHeader(name) {
			errs = append(errs, "duplicate header: "+safeName)
		}
		for _, value := range values {
			if len(value) > v.cfg.MaxHeaderValueLength {
				errs = append(errs, fmt.Sprintf("header %s exceeds %d bytes", safeName, v.cfg.MaxHeaderValueLength))
			}
			if hasControlChars(value) {
				errs = append(errs, "illegal characters in header: "+safeName)
			}
		}
	}

	return HeaderValidation{Valid: len(errs) == 0, Errors: errs}
}

// ValidateOriginHeader reports whether a browser Origin is allow-listed.
// An empty origin (non-browser client) is accepted.
func (v *SecurityValidator) ValidateOriginHeader(origin string) bool {
	if origin == "" {
		return true
	}
	if hasControlChars(origin) {
		return false
	}
	if v.anyOrigin {
		return true
	}
	_, ok := v.origins[normalizeOrigin(origin)]
	return ok
}

// CheckRateLimit consumes one unit of clientKey's budget. Limiter failures
// deny the request.
func (v *SecurityValidator) CheckRateLimit(ctx context.Context, clientKey string) RateLimitDecision {
	if !v.cfg.RateLimitEnabled || v.limiter == nil {
		return RateLimitDecision{Allowed: true}
	}

	key := ratelimit.FormatKey(ratelimit.KeyTypeIP, clientKey)
	res, err := v.limiter.Allow(ctx, key, v.cfg.RateLimit)
	if err != nil {
		v.logger.Warn("rate limiter unavailable, denying request",
			"client", v.sanitizer.SanitizeString(clientKey), "error", err)
		return RateLimitDecision{Allowed: false, RetryAfter: 1}
	}
	if res.Allowed {
		return RateLimitDecision{Allowed: true}
	}

	secs := int(math.Ceil(res.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return RateLimitDecision{Allowed: false, RetryAfter: secs}
}

// ValidateMethodName reports whether a JSON-RPC method may reach the
// protocol server.
func (v *SecurityValidator) ValidateMethodName(name string) bool {
	return v.methods.Allows(name)
}

// SanitizeInput makes a client-supplied value safe to log or echo.
func (v *SecurityValidator) SanitizeInput(value string) string {
	return v.sanitizer.SanitizeString(value)
}

// SetSecurityHeaders applies hardening headers to a response.
func (v *SecurityValidator) SetSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-store")
	}
}

// LogSecurityEvent hands an event to the sink. It never panics and never
// blocks beyond the sink's own Emit.
func (v *SecurityValidator) LogSecurityEvent(kind EventKind, fields map[string]any, severity Severity) {
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("security event emission panicked", "kind", kind, "panic", r)
		}
	}()

	safe, _ := v.sanitizer.SanitizeValue(fields).(map[string]interface{})
	event := Event{
		Kind:      kind,
		Severity:  severity,
		Context:   safe,
		Timestamp: v.clock.Now().UTC(),
	}

	if v.sink == nil {
		v.logger.Warn("security event", "kind", event.Kind, "severity", event.Severity, "context", event.Context)
		return
	}
	v.sink.Emit(event)
}

func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

func isSensitiveHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	for _, s := range sensitiveHeaders {
		if s == canonical {
			return true
		}
	}
	return false
}

// validHeaderName reports whether name is an RFC 7230 token.
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// hasControlChars reports ASCII control characters other than horizontal tab.
func hasControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 0x20 && c != '\t') || c == 0x7f {
			return true
		}
	}
	return false
}

// Compile-time interface verification.
var _ Validator = (*SecurityValidator)(nil)
