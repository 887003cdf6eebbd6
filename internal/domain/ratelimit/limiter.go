package ratelimit

import "context"

// RateLimiter is the interface for rate limiting operations.
//
// Implementations use GCRA (Generic Cell Rate Algorithm): each key stores a
// theoretical arrival time (TAT) and a request is admitted when it does not
// arrive earlier than TAT minus the burst tolerance. This spreads requests
// evenly instead of resetting at window boundaries.
//
// Implementations are backed by in-memory maps or by Redis.
type RateLimiter interface {
	// Allow checks if a request identified by key is allowed under the given config.
	//
	// The key should be a structured identifier created by FormatKey.
	// Allow atomically consumes one unit of capacity when the request is
	// admitted. If the request is not allowed, RetryAfter in the result
	// indicates when the next request will be allowed.
	Allow(ctx context.Context, key string, config RateLimitConfig) (RateLimitResult, error)
}
