// Package ratelimit provides the in-process RPC budget shared by every path
// that talks to the broker, plus per-ticket attempt throttling.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket with continuous refill. Capacity equals the
// refill rate, so a full second of quiet buys at most one second of burst.
// TryAcquire never blocks; callers that get no token skip the cycle and let
// the worker come back around.
type Bucket struct {
	mu     sync.Mutex
	rate   float64 // tokens per second, also the capacity
	tokens float64
	last   time.Time

	clock func() time.Time
}

// NewBucket creates a full bucket refilling at ratePerSec.
func NewBucket(ratePerSec float64) *Bucket {
	b := &Bucket{
		rate:   ratePerSec,
		tokens: ratePerSec,
		clock:  time.Now,
	}
	b.last = b.clock()
	return b
}

// TryAcquire takes one token if available. Returns false without blocking
// when the budget is exhausted.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens reports the current token count after refill. Diagnostic only.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill must be called with mu held. Uses the monotonic reading carried by
// time.Time, so wall-clock adjustments cannot mint or burn tokens.
func (b *Bucket) refill() {
	now := b.clock()
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now
	b.tokens += elapsed.Seconds() * b.rate
	if b.tokens > b.rate {
		b.tokens = b.rate
	}
}

// Throttle tracks the last attempt time per ticket and enforces a minimum
// interval between attempts on the same ticket.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[int64]time.Time

	clock func() time.Time
}

// NewThrottle creates a Throttle with the given per-ticket minimum interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		last:     make(map[int64]time.Time),
		clock:    time.Now,
	}
}

// Allow reports whether the ticket may attempt now and, if so, records the
// attempt time.
func (t *Throttle) Allow(ticket int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	if prev, ok := t.last[ticket]; ok && now.Sub(prev) < t.interval {
		return false
	}
	t.last[ticket] = now
	return true
}

// Forget drops the ticket's throttle entry. Called when a position closes so
// the map does not grow without bound.
func (t *Throttle) Forget(ticket int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, ticket)
}
