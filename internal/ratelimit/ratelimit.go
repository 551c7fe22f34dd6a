// Package ratelimit implements a per-client token bucket rate limiter for
// the HTTP gateway. Thread-safe. No background goroutines — tokens are
// refilled lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

const (
	// maxBuckets caps the bucket map; anonymous callers are keyed by
	// remote address, so unbounded growth is one port scan away.
	maxBuckets = 8192

	// bucketIdleTTL is how long an untouched bucket survives a prune.
	bucketIdleTTL = 10 * time.Minute
)

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-client token bucket rate limiter. Clients are keyed by
// an opaque string (API key, remote address); each key gets an independent
// bucket, so one caller cannot exhaust another's quota.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow checks whether the client has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(key string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= maxBuckets {
			l.pruneLocked(now, bucketIdleTTL)
		}
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[key] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Prune drops buckets that have been idle longer than maxIdle and
// returns how many were removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(time.Now(), maxIdle)
}

func (l *Limiter) pruneLocked(now time.Time, maxIdle time.Duration) int {
	removed := 0
	for key, b := range l.clients {
		if now.Sub(b.lastFill) > maxIdle {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}
