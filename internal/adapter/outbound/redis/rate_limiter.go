package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/ratelimit"
)

// gcraScript runs one GCRA step atomically. Times are unix milliseconds so
// they survive Lua's number formatting exactly.
// KEYS[1] = cell key
// ARGV[1] = now, ARGV[2] = emission interval, ARGV[3] = burst tolerance
// Returns {allowed, retry_after, reset_after}.
var gcraScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local emission = tonumber(ARGV[2])
local tolerance = tonumber(ARGV[3])

local tat = tonumber(redis.call('GET', KEYS[1]))
if not tat or tat < now then
  tat = now
end

local allow_at = tat - tolerance
if now < allow_at then
  return {0, allow_at - now, tat - now}
end

local new_tat = tat + emission
redis.call('SET', KEYS[1], new_tat, 'PX', new_tat - now)
return {1, 0, new_tat - now}
`)

// RateLimiter implements ratelimit.RateLimiter with a GCRA cell per key in
// Redis, so every gateway process shares one budget per client.
// Cells expire on their own once the full burst is available again.
type RateLimiter struct {
	client redis.UniversalClient
	cfg    config
	clock  clock.PassiveClock
}

// NewRateLimiter returns a rate limiter backed by client. A nil clk uses
// the real clock.
func NewRateLimiter(client redis.UniversalClient, clk clock.PassiveClock, opts ...Option) *RateLimiter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &RateLimiter{
		client: client,
		cfg:    applyOptions(opts),
		clock:  clk,
	}
}

// Allow checks if a request is allowed under the given rate limit config.
func (r *RateLimiter) Allow(ctx context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	config = config.Normalize()
	emission := config.EmissionInterval().Truncate(time.Millisecond)
	if emission < time.Millisecond {
		emission = time.Millisecond
	}
	tolerance := time.Duration(config.Burst-1) * emission

	qctx, cancel := r.cfg.queryCtx(ctx)
	defer cancel()

	res, err := gcraScript.Run(qctx, r.client, []string{r.cfg.key(key)},
		r.clock.Now().UnixMilli(),
		emission.Milliseconds(),
		tolerance.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return ratelimit.RateLimitResult{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.RateLimitResult{}, fmt.Errorf("rate limit script: unexpected reply length %d", len(res))
	}

	resetAfter := time.Duration(res[2]) * time.Millisecond
	if res[0] == 0 {
		return ratelimit.RateLimitResult{
			Allowed:    false,
			RetryAfter: time.Duration(res[1]) * time.Millisecond,
			ResetAfter: resetAfter,
		}, nil
	}

	remaining := int((tolerance - resetAfter + emission) / emission)
	if remaining < 0 {
		remaining = 0
	}
	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  remaining,
		ResetAfter: resetAfter,
	}, nil
}

// Compile-time interface verification.
var _ ratelimit.RateLimiter = (*RateLimiter)(nil)
