// Package ratelimit implements keyed token-bucket limiting for gateway traffic
// (inbound frames per connection, identifies per user, instance-wide broadcasts).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Bucket is the limiter state for one key
type Bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter allows Limit events per Window for every key
type RateLimiter struct {
	buckets map[string]*Bucket // key -> bucket
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clock   clock.Clock
	logger  *zap.Logger
}

// NewRateLimiter creates a limiter allowing limit events per window for each key.
// The full limit is available as a burst.
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock, logger *zap.Logger) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{
		buckets: make(map[string]*Bucket),
		limit:   limit,
		window:  window,
		clock:   clk,
		logger:  logger,
	}
}

// getBucket retrieves or creates a bucket for a key. Caller holds rl.mu.
func (rl *RateLimiter) getBucket(key string) *Bucket {
	if bucket, exists := rl.buckets[key]; exists {
		return bucket
	}

	bucket := &Bucket{
		limiter: rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.limit)), rl.limit),
	}
	rl.buckets[key] = bucket
	return bucket
}

// Allow consumes one token for key and reports whether the event may proceed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	bucket := rl.getBucket(key)
	bucket.lastSeen = now

	if !bucket.limiter.AllowN(now, 1) {
		rl.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int("limit", rl.limit),
			zap.Duration("window", rl.window),
		)
		return false
	}
	return true
}

// Wait blocks until key has a token or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	rl.mu.Lock()
	bucket := rl.getBucket(key)
	bucket.lastSeen = rl.clock.Now()
	limiter := bucket.limiter
	rl.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return nil
}

// GetStatus returns the tokens left for key and the configured limit
func (rl *RateLimiter) GetStatus(key string) (remaining int, limit int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		return rl.limit, rl.limit
	}
	return int(bucket.limiter.TokensAt(rl.clock.Now())), rl.limit
}

// Remove drops the bucket for key, e.g. when a connection closes
func (rl *RateLimiter) Remove(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// Len returns the number of tracked keys
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// CleanupIdle removes buckets not used for longer than one window; a fresh bucket is equivalent
func (rl *RateLimiter) CleanupIdle() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-rl.window)
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// StartCleanupJob periodically evicts idle buckets until ctx is cancelled
func (rl *RateLimiter) StartCleanupJob(ctx context.Context, interval time.Duration) {
	ticker := rl.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := rl.CleanupIdle(); removed > 0 {
				rl.logger.Debug("evicted idle rate limit buckets", zap.Int("count", removed))
			}
		}
	}
}

// Reset clears all rate limit buckets (useful for testing)
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.buckets = make(map[string]*Bucket)
	rl.logger.Info("Rate limiter reset")
}
