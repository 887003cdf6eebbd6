// Package ratelimit provides rate limiting domain types.
package ratelimit

import (
	"fmt"
	"time"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// Rate is the number of allowed events in the period.
	Rate int

	// Burst is the maximum number of events that can occur at once.
	// Zero means Burst equals Rate.
	Burst int

	// Period is the time window for the rate limit.
	Period time.Duration
}

// Normalize fills zero values with their defaults: a rate of 1, a burst
// equal to the rate and a one minute period.
func (c RateLimitConfig) Normalize() RateLimitConfig {
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.Burst <= 0 {
		c.Burst = c.Rate
	}
	if c.Period <= 0 {
		c.Period = time.Minute
	}
	return c
}

// EmissionInterval is the spacing between requests at the sustained rate.
func (c RateLimitConfig) EmissionInterval() time.Duration {
	c = c.Normalize()
	return c.Period / time.Duration(c.Rate)
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Remaining is the number of requests that may still be made immediately.
	Remaining int

	// RetryAfter is the duration until the next request will be allowed.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the full burst is available again.
	ResetAfter time.Duration
}

// KeyType identifies the type of rate limit key.
type KeyType string

const (
	// KeyTypeIP is for client-address rate limiting.
	KeyTypeIP KeyType = "ip"

	// KeyTypeSession is for per-session rate limiting.
	KeyTypeSession KeyType = "session"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
// Examples:
//   - FormatKey(KeyTypeIP, "192.168.1.1") -> "ratelimit:ip:192.168.1.1"
//   - FormatKey(KeyTypeSession, "ab12") -> "ratelimit:session:ab12"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}
