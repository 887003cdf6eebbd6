// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"k8s.io/utils/clock"

	"github.com/gcp-mcp/gcp-mcp-server/internal/domain/ratelimit"
)

// rateLimiterShards is the number of independently locked cell maps.
const rateLimiterShards = 32

type rateShard struct {
	mu    sync.Mutex
	cells map[string]time.Time // Theoretical Arrival Time per key
}

// MemoryRateLimiter implements ratelimit.RateLimiter using GCRA in memory.
// Keys are spread over xxhash-selected shards so unrelated clients do not
// contend on one lock. Background cleanup prevents unbounded memory growth.
type MemoryRateLimiter struct {
	shards          [rateLimiterShards]*rateShard
	clock           clock.WithTicker
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	maxTTL          time.Duration
}

// RateLimiterOption configures a MemoryRateLimiter.
type RateLimiterOption func(*MemoryRateLimiter)

// WithRateLimiterClock sets the clock used for arrival times and cleanup.
func WithRateLimiterClock(c clock.WithTicker) RateLimiterOption {
	return func(r *MemoryRateLimiter) {
		r.clock = c
	}
}

// NewRateLimiter creates a new in-memory rate limiter with default cleanup settings.
// Default cleanup interval: 5 minutes, default maxTTL: 1 hour.
func NewRateLimiter(opts ...RateLimiterOption) *MemoryRateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, 1*time.Hour, opts...)
}

// NewRateLimiterWithConfig creates a new in-memory rate limiter with custom cleanup settings.
// cleanupInterval: how often to run cleanup (e.g., 5 minutes)
// maxTTL: how long past its arrival time a key is kept (e.g., 1 hour)
func NewRateLimiterWithConfig(cleanupInterval, maxTTL time.Duration, opts ...RateLimiterOption) *MemoryRateLimiter {
	r := &MemoryRateLimiter{
		clock:           clock.RealClock{},
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		maxTTL:          maxTTL,
	}
	for i := range r.shards {
		r.shards[i] = &rateShard{cells: make(map[string]time.Time)}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRateLimiter) shard(key string) *rateShard {
	return r.shards[xxhash.Sum64String(key)%rateLimiterShards]
}

// Allow checks if a request is allowed under the given rate limit config.
// A fresh key admits exactly Burst requests back to back, after which one
// request is admitted per emission interval.
func (r *MemoryRateLimiter) Allow(_ context.Context, key string, config ratelimit.RateLimitConfig) (ratelimit.RateLimitResult, error) {
	config = config.Normalize()
	emission := config.EmissionInterval()
	// The first request consumes one emission interval of its own.
	tolerance := time.Duration(config.Burst-1) * emission

	s := r.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.clock.Now()

	tat, exists := s.cells[key]
	if !exists || tat.Before(now) {
		tat = now
	}

	allowAt := tat.Add(-tolerance)
	if now.Before(allowAt) {
		return ratelimit.RateLimitResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: allowAt.Sub(now),
			ResetAfter: tat.Sub(now),
		}, nil
	}

	newTAT := tat.Add(emission)
	s.cells[key] = newTAT

	remaining := int((tolerance - newTAT.Sub(now) + emission) / emission)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > config.Burst {
		remaining = config.Burst
	}

	return ratelimit.RateLimitResult{
		Allowed:    true,
		Remaining:  remaining,
		RetryAfter: 0,
		ResetAfter: newTAT.Sub(now),
	}, nil
}

// StartCleanup starts the background cleanup goroutine.
// The goroutine periodically removes keys idle for longer than maxTTL.
// It stops when ctx is cancelled or Stop() is called.
func (r *MemoryRateLimiter) StartCleanup(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cleanupInterval)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C():
				r.cleanup()
			}
		}
	}()
}

// cleanup removes keys whose arrival time is older than maxTTL.
func (r *MemoryRateLimiter) cleanup() {
	cutoff := r.clock.Now().Add(-r.maxTTL)
	cleaned := 0

	for _, s := range r.shards {
		s.mu.Lock()
		for key, tat := range s.cells {
			if tat.Before(cutoff) {
				delete(s.cells, key)
				cleaned++
			}
		}
		s.mu.Unlock()
	}

	if cleaned > 0 {
		slog.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", r.Size())
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *MemoryRateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked keys.
func (r *MemoryRateLimiter) Size() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.cells)
		s.mu.Unlock()
	}
	return n
}

// Compile-time interface verification.
var _ ratelimit.RateLimiter = (*MemoryRateLimiter)(nil)
