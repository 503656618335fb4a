// ratelimit.go implements client-side token-bucket rate limiting for the
// StandX REST API.
//
// StandX does not publish hard per-endpoint quotas, but it does return 429s
// under burst load (rebalances cancel and place several orders back to back).
// A smooth token bucket per request category keeps the bot under the radar
// so the 429-backoff path stays exceptional.
//
// Three buckets are maintained:
//   - Order:  20 burst / 10 per sec (new_order)
//   - Cancel: 40 burst / 20 per sec (cancel_order, cancel_orders)
//   - Query:  20 burst / 10 per sec (open orders, positions, balance, ...)
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

		// Time until the next token is available
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter bundles the per-category buckets used by the REST client.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Query  *TokenBucket
}

// NewRateLimiter creates the default bucket set.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(20, 10),
		Cancel: NewTokenBucket(40, 20),
		Query:  NewTokenBucket(20, 10),
	}
}
