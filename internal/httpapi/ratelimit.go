package httpapi

import (
	"sync"
	"time"
)

// tokenBucket is a classic token-bucket limiter: burst up to capacity, then
// a smooth refill with no thundering herd at window boundaries.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(capacity int, refillRate float64) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow consumes a token if one is available. When it is not, retryAfter is
// the whole seconds until the next token, never below 1.
func (tb *tokenBucket) allow() (allowed bool, retryAfter int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, 0
	}

	secondsUntilNext := (1.0 - tb.tokens) / tb.refillRate
	retryAfter = int(secondsUntilNext)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

// rateLimiter manages per-service token buckets for the token endpoint.
type rateLimiter struct {
	mu         sync.RWMutex
	buckets    map[string]*tokenBucket
	perMinute  int
	burst      int
	refillRate float64
}

func newRateLimiter(perMinute, burst int) *rateLimiter {
	rl := &rateLimiter{
		buckets:    make(map[string]*tokenBucket),
		perMinute:  perMinute,
		burst:      burst,
		refillRate: float64(perMinute) / 60.0,
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks whether the named service may make a request now.
func (rl *rateLimiter) Allow(service string) (bool, int) {
	return rl.bucket(service).allow()
}

func (rl *rateLimiter) bucket(service string) *tokenBucket {
	rl.mu.RLock()
	b, ok := rl.buckets[service]
	rl.mu.RUnlock()
	if ok {
		return b
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if b, ok := rl.buckets[service]; ok {
		return b
	}
	b = newTokenBucket(rl.burst, rl.refillRate)
	rl.buckets[service] = b
	return b
}

// cleanupLoop drops buckets idle for over an hour so unknown service names
// cannot grow the map without bound.
func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		for service, b := range rl.buckets {
			b.mu.Lock()
			if time.Since(b.lastRefill) > time.Hour {
				delete(rl.buckets, service)
			}
			b.mu.Unlock()
		}
		rl.mu.Unlock()
	}
}
