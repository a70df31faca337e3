// Package clients provides shared client-side plumbing for remote APIs:
// request pacing via a token bucket rate limiter.
package clients

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// RateLimiter paces outbound requests. Implementations must be safe for
// concurrent use.
type RateLimiter interface {
	// Allow reports whether a request may proceed immediately.
	Allow() bool

	// Wait blocks until a request is allowed or the context is done.
	Wait(ctx context.Context) error

	// SetRate updates the sustained request rate.
	SetRate(perSec float64)

	// GetStats returns rate limiter statistics.
	GetStats() RateLimiterStats
}

// RateLimiterStats provides statistics for monitoring.
type RateLimiterStats struct {
	Rate            float64 `json:"rate"`
	Burst           int     `json:"burst"`
	AllowedRequests int64   `json:"allowed_requests"`
	BlockedRequests int64   `json:"blocked_requests"`
}

// tokenBucketLimiter wraps golang.org/x/time/rate with stats counters.
type tokenBucketLimiter struct {
	limiter *rate.Limiter

	allowedRequests int64
	blockedRequests int64
}

// NewRateLimiter creates a token bucket limiter with the given sustained
// rate (requests per second) and burst capacity.
func NewRateLimiter(perSec int, burst int) RateLimiter {
	return &tokenBucketLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

func (tb *tokenBucketLimiter) Allow() bool {
	if tb.limiter.Allow() {
		atomic.AddInt64(&tb.allowedRequests, 1)
		return true
	}
	atomic.AddInt64(&tb.blockedRequests, 1)
	return false
}

func (tb *tokenBucketLimiter) Wait(ctx context.Context) error {
	if err := tb.limiter.Wait(ctx); err != nil {
		atomic.AddInt64(&tb.blockedRequests, 1)
		return err
	}
	atomic.AddInt64(&tb.allowedRequests, 1)
	return nil
}

func (tb *tokenBucketLimiter) SetRate(perSec float64) {
	tb.limiter.SetLimit(rate.Limit(perSec))
}

func (tb *tokenBucketLimiter) GetStats() RateLimiterStats {
	return RateLimiterStats{
		Rate:            float64(tb.limiter.Limit()),
		Burst:           tb.limiter.Burst(),
		AllowedRequests: atomic.LoadInt64(&tb.allowedRequests),
		BlockedRequests: atomic.LoadInt64(&tb.blockedRequests),
	}
}
