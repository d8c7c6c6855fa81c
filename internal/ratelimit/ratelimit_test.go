package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances only when told to, making refill math deterministic.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBucket(rate float64) (*Bucket, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	b := NewBucket(rate)
	b.clock = clk.Now
	b.last = clk.now
	b.tokens = rate
	return b, clk
}

func TestBucketStartsFull(t *testing.T) {
	b, _ := newTestBucket(3)

	for i := 0; i < 3; i++ {
		require.True(t, b.TryAcquire(), "token %d", i)
	}
	assert.False(t, b.TryAcquire(), "bucket should be empty after capacity draws")
}

func TestBucketRefillsOverTime(t *testing.T) {
	b, clk := newTestBucket(2)

	require.True(t, b.TryAcquire())
	require.True(t, b.TryAcquire())
	require.False(t, b.TryAcquire())

	// Half a second at 2/s refills one token.
	clk.Advance(500 * time.Millisecond)
	assert.True(t, b.TryAcquire())
	assert.False(t, b.TryAcquire())
}

func TestBucketCapsAtRate(t *testing.T) {
	b, clk := newTestBucket(4)

	// A long idle period must not bank more than one second of budget.
	clk.Advance(time.Hour)
	assert.InDelta(t, 4.0, b.Tokens(), 1e-9)
}

func TestThrottleEnforcesMinInterval(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	th := NewThrottle(time.Second)
	th.clock = clk.Now

	require.True(t, th.Allow(101))
	assert.False(t, th.Allow(101), "second attempt inside the interval")

	// A different ticket is unaffected.
	assert.True(t, th.Allow(202))

	clk.Advance(time.Second)
	assert.True(t, th.Allow(101))
}

func TestThrottleForget(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	th := NewThrottle(time.Minute)
	th.clock = clk.Now

	require.True(t, th.Allow(7))
	require.False(t, th.Allow(7))

	th.Forget(7)
	assert.True(t, th.Allow(7), "forgotten ticket starts fresh")
}
