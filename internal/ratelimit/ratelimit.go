package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	now := time.Now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.lastUsed = now
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.tokens+tokensToAdd, tb.capacity)
		tb.lastRefill = now
	}
	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// UpgradeLimiter bounds WebSocket upgrades per second, globally and per
// client address. A rate of 0 disables that limit.
type UpgradeLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perClient map[string]*TokenBucket
	rate      int
	burst     int
}

func NewUpgradeLimiter(globalRate, perClientRate, burst int) *UpgradeLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &UpgradeLimiter{
		perClient: make(map[string]*TokenBucket),
		rate:      perClientRate,
		burst:     burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Allow reports whether client may open another session now.
func (l *UpgradeLimiter) Allow(client string) bool {
	if l == nil {
		return true
	}
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	bucket, ok := l.perClient[client]
	if !ok {
		bucket = NewTokenBucket(l.rate, l.burst)
		l.perClient[client] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow()
}

// Sweep drops per-client buckets unused for longer than maxIdle.
func (l *UpgradeLimiter) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	dropped := 0
	for client, b := range l.perClient {
		if b.idleSince().Before(cutoff) {
			delete(l.perClient, client)
			dropped++
		}
	}
	return dropped
}

func (l *UpgradeLimiter) clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perClient)
}
