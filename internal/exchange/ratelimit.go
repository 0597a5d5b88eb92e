// ratelimit.go implements token-bucket rate limiting for exchange requests.
//
// The CLOB enforces per-category limits measured over 10-second windows.
// Buckets here refill continuously rather than in 10s bursts so sustained
// polling never slams into a hard limit:
//   - Trade:  350 burst / 50 per sec (order placement, 3500/10s)
//   - Cancel: 300 burst / 30 per sec (cancels, 3000/10s)
//   - Read:   150 burst / 15 per sec (books, order status, market metadata)
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by exchange endpoint category. Each
// operation calls the appropriate bucket's Wait() before the HTTP request.
type RateLimiter struct {
	Trade  *TokenBucket // POST /orders
	Cancel *TokenBucket // DELETE /orders, /cancel-all
	Read   *TokenBucket // GET /book, /data/order, Gamma market listings
}

// NewRateLimiter creates rate limiters tuned to the exchange's published
// limits. Capacities are the 10-second burst allowance, rates 1/10th of it
// for smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Trade:  NewTokenBucket(350, 50),
		Cancel: NewTokenBucket(300, 30),
		Read:   NewTokenBucket(150, 15),
	}
}
