package security

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/ratelimit"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

type stubLimiter struct {
	result ratelimit.RateLimitResult
	err    error
	keys   []string
}

func (l *stubLimiter) Allow(_ context.Context, key string, _ ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	l.keys = append(l.keys, key)
	return l.result, l.err
}

func validHeaders() http.Header {
	h := http.Header{}
	h.Set("User-Agent", "mcp-inspector/1.0")
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json, text/event-stream")
	return h
}

func TestValidateRequestHeaders_Valid(t *testing.T) {
	v := NewSecurityValidator(Config{})

	res := v.ValidateRequestHeaders(validHeaders())
	if !res.Valid {
		t.Errorf("expected valid headers, got errors: %v", res.Errors)
	}
}

func TestValidateRequestHeaders_Rejections(t *testing.T) {
	v := NewSecurityValidator(Config{})

	tests := []struct {
		name    string
		mutate  func(http.Header)
		wantErr string
	}{
		{
			name:    "empty header set",
			mutate:  func(h http.Header) { h.Del("User-Agent"); h.Del("Content-Type"); h.Del("Accept") },
			wantErr: "missing required header: User-Agent",
		},
		{
			name:    "blank user agent",
			mutate:  func(h http.Header) { h.Set("User-Agent", "   ") },
			wantErr: "missing required header: User-Agent",
		},
		{
			name:    "control characters in value",
			mutate:  func(h http.Header) { h.Set("X-Trace", "abc\r\nInjected: yes") },
			wantErr: "illegal characters in header: X-Trace",
		},
		{
			name:    "null byte in value",
			mutate:  func(h http.Header) { h.Set("X-Trace", "abc\x00") },
			wantErr: "illegal characters in header: X-Trace",
		},
		{
			name:    "illegal header name",
			mutate:  func(h http.Header) { h["Bad Name"] = []string{"x"} },
			wantErr: "illegal characters in header name: Bad Name",
		},
		{
			name: "duplicated sensitive header",
			mutate: func(h http.Header) {
				h.Add("Authorization", "Bearer a")
				h.Add("Authorization", "Bearer b")
			},
			wantErr: "duplicate header: Authorization",
		},
		{
			name:    "oversized value",
			mutate:  func(h http.Header) { h.Set("X-Big", strings.Repeat("a", DefaultMaxHeaderValueLength+1)) },
			wantErr: "header X-Big exceeds 8192 bytes",
		},
		{
			name: "too many headers",
			mutate: func(h http.Header) {
				for i := 0; i < DefaultMaxHeaderCount; i++ {
					h.Add("X-Repeat", "v")
				}
			},
			wantErr: "too many headers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := validHeaders()
			tt.mutate(h)
			res := v.ValidateRequestHeaders(h)
			if res.Valid {
				t.Fatal("expected invalid headers")
			}
			found := false
			for _, e := range res.Errors {
				if strings.Contains(e, tt.wantErr) {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not contain %q", res.Errors, tt.wantErr)
			}
		})
	}
}

func TestValidateRequestHeaders_RepeatedNonSensitiveAllowed(t *testing.T) {
	v := NewSecurityValidator(Config{})

	h := validHeaders()
	h.Add("Accept-Language", "en")
	h.Add("Accept-Language", "fr")
	if res := v.ValidateRequestHeaders(h); !res.Valid {
		t.Errorf("repeated non-sensitive header rejected: %v", res.Errors)
	}
}

func TestValidateRequestHeaders_CustomRequired(t *testing.T) {
	v := NewSecurityValidator(Config{RequiredHeaders: []string{}})
	if res := v.ValidateRequestHeaders(http.Header{}); !res.Valid {
		t.Errorf("no required headers configured, got %v", res.Errors)
	}

	v = NewSecurityValidator(Config{RequiredHeaders: []string{"x-client-id"}})
	res := v.ValidateRequestHeaders(validHeaders())
	if res.Valid || res.Errors[0] != "missing required header: X-Client-Id" {
		t.Errorf("expected missing X-Client-Id, got %+v", res)
	}
}

func TestValidateOriginHeader(t *testing.T) {
	v := NewSecurityValidator(Config{AllowedOrigins: []string{"https://app.example.com", "http://localhost:3000/"}})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"HTTPS://APP.EXAMPLE.COM", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
		{"null", false},
		{"https://app.example.com\r\nX: y", false},
	}
	for _, tt := range tests {
		if got := v.ValidateOriginHeader(tt.origin); got != tt.want {
			t.Errorf("ValidateOriginHeader(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestValidateOriginHeader_Wildcard(t *testing.T) {
	v := NewSecurityValidator(Config{AllowedOrigins: []string{"*"}})
	if !v.ValidateOriginHeader("https://anything.test") {
		t.Error("wildcard should allow any origin")
	}
}

func TestValidateOriginHeader_EmptyAllowList(t *testing.T) {
	v := NewSecurityValidator(Config{})
	if v.ValidateOriginHeader("https://app.example.com") {
		t.Error("empty allow-list must reject browser origins")
	}
	if !v.ValidateOriginHeader("") {
		t.Error("missing origin must be accepted")
	}
}

func TestCheckRateLimit(t *testing.T) {
	cfg := Config{
		RateLimitEnabled: true,
		RateLimit:        ratelimit.RateLimitConfig{Rate: 100, Period: time.Minute},
	}

	t.Run("allowed", func(t *testing.T) {
		l := &stubLimiter{result: ratelimit.RateLimitResult{Allowed: true}}
		v := NewSecurityValidator(cfg, WithRateLimiter(l))
		if d := v.CheckRateLimit(context.Background(), "10.1.2.3"); !d.Allowed {
			t.Errorf("decision = %+v", d)
		}
		if l.keys[0] != "ratelimit:ip:10.1.2.3" {
			t.Errorf("key = %q", l.keys[0])
		}
	})

	t.Run("denied rounds up", func(t *testing.T) {
		l := &stubLimiter{result: ratelimit.RateLimitResult{RetryAfter: 1200 * time.Millisecond}}
		v := NewSecurityValidator(cfg, WithRateLimiter(l))
		d := v.CheckRateLimit(context.Background(), "10.1.2.3")
		if d.Allowed || d.RetryAfter != 2 {
			t.Errorf("decision = %+v, want denied with RetryAfter=2", d)
		}
	})

	t.Run("denied sub-second is at least one", func(t *testing.T) {
		l := &stubLimiter{result: ratelimit.RateLimitResult{RetryAfter: 10 * time.Millisecond}}
		v := NewSecurityValidator(cfg, WithRateLimiter(l))
		if d := v.CheckRateLimit(context.Background(), "k"); d.RetryAfter != 1 {
			t.Errorf("RetryAfter = %d, want 1", d.RetryAfter)
		}
	})

	t.Run("limiter error fails closed", func(t *testing.T) {
		l := &stubLimiter{err: errors.New("redis: connection refused")}
		v := NewSecurityValidator(cfg, WithRateLimiter(l))
		d := v.CheckRateLimit(context.Background(), "k")
		if d.Allowed || d.RetryAfter < 1 {
			t.Errorf("decision = %+v, want fail-closed", d)
		}
	})

	t.Run("disabled always allows", func(t *testing.T) {
		l := &stubLimiter{result: ratelimit.RateLimitResult{Allowed: false, RetryAfter: time.Hour}}
		v := NewSecurityValidator(Config{}, WithRateLimiter(l))
		if d := v.CheckRateLimit(context.Background(), "k"); !d.Allowed {
			t.Error("disabled rate limiting must allow")
		}
		if len(l.keys) != 0 {
			t.Error("disabled rate limiting must not consult the limiter")
		}
	})
}

func TestValidateMethodName(t *testing.T) {
	v := NewSecurityValidator(Config{AllowedMethods: []string{"gcp/logs/tail"}})

	for _, m := range []string{"initialize", "tools/call", "gcp/logs/tail"} {
		if !v.ValidateMethodName(m) {
			t.Errorf("ValidateMethodName(%q) = false", m)
		}
	}
	for _, m := range []string{"", "tools/call\n", "Tools/Call", "tools/calls", "../etc/passwd"} {
		if v.ValidateMethodName(m) {
			t.Errorf("ValidateMethodName(%q) = true", m)
		}
	}
}

func TestSanitizeInput(t *testing.T) {
	v := NewSecurityValidator(Config{})

	if got := v.SanitizeInput("evil\r\nSet-Cookie: a=b\x00"); got != "evilSet-Cookie: a=b" {
		t.Errorf("SanitizeInput() = %q", got)
	}
	if got := v.SanitizeInput(strings.Repeat("x", 1000)); len(got) != 256 {
		t.Errorf("len = %d, want 256", len(got))
	}
}

func TestSetSecurityHeaders(t *testing.T) {
	v := NewSecurityValidator(Config{})

	rec := httptest.NewRecorder()
	v.SetSecurityHeaders(rec)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for k, val := range want {
		if got := rec.Header().Get(k); got != val {
			t.Errorf("%s = %q, want %q", k, got, val)
		}
	}
	if csp := rec.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Errorf("Content-Security-Policy = %q", csp)
	}

	rec = httptest.NewRecorder()
	rec.Header().Set("Cache-Control", "no-cache")
	v.SetSecurityHeaders(rec)
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("existing Cache-Control overwritten: %q", got)
	}
}

func TestLogSecurityEvent(t *testing.T) {
	sink := &recordingSink{}
	fc := clocktesting.NewFakeClock(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC))
	v := NewSecurityValidator(Config{}, WithEventSink(sink), WithClock(fc))

	v.LogSecurityEvent(EventInvalidOrigin, map[string]any{"origin": "https://evil\r\n.test", "clientIp": "1.2.3.4"}, SeverityHigh)

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	e := sink.events[0]
	if e.Kind != EventInvalidOrigin || e.Severity != SeverityHigh {
		t.Errorf("event = %+v", e)
	}
	if e.Context["origin"] != "https://evil.test" {
		t.Errorf("origin not sanitised: %q", e.Context["origin"])
	}
	if !e.Timestamp.Equal(fc.Now()) {
		t.Errorf("Timestamp = %v", e.Timestamp)
	}
}

func TestLogSecurityEvent_NeverPanics(t *testing.T) {
	v := NewSecurityValidator(Config{}, WithEventSink(EventSinkFunc(func(Event) {
		panic("sink exploded")
	})))
	v.LogSecurityEvent(EventSuspiciousHeaders, nil, SeverityMedium)

	noSink := NewSecurityValidator(Config{})
	noSink.LogSecurityEvent(EventSuspiciousHeaders, map[string]any{"errors": []string{"x"}}, SeverityMedium)
}
