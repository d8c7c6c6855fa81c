package slengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrell/tradeguard/internal/domain"
	"github.com/avrell/tradeguard/internal/locktab"
)

// Lifecycle walks: each step is one worker visit at the given floating
// profit, asserting the outcome and, when applied, the locked amount.

type lifecycleStep struct {
	profit    float64
	kind      ResultKind
	reason    domain.Reason
	lockedUSD float64 // asserted on OK steps
}

func runLifecycle(t *testing.T, f *fixture, ticket int64, steps []lifecycleStep) {
	t.Helper()
	for i, s := range steps {
		res := f.step(t, ticket, s.profit)
		require.Equal(t, s.kind, res.Kind, "step %d (profit %v)", i, s.profit)
		if s.reason != "" {
			assert.Equal(t, s.reason, res.Reason, "step %d (profit %v)", i, s.profit)
		}
		if s.kind == KindOK {
			_, locked := f.engine.Protected(ticket)
			assert.InDelta(t, s.lockedUSD, locked, 1e-6, "step %d locked", i)
		}
	}
}

func TestLifecycleSweetSpotThenTrailing(t *testing.T) {
	f := newFixture(t)
	f.openBuy(1)

	runLifecycle(t, f, 1, []lifecycleStep{
		{profit: -0.40, kind: KindNoUpdate},
		{profit: -0.20, kind: KindNoUpdate},
		{profit: 0.02, kind: KindNoUpdate},
		{profit: 0.05, kind: KindOK, reason: domain.ReasonSweetSpot, lockedUSD: 0},
		{profit: 0.09, kind: KindNoUpdate},
		{profit: 0.14, kind: KindOK, reason: domain.ReasonTrailing, lockedUSD: 0.098},
		{profit: 0.22, kind: KindOK, reason: domain.ReasonTrailing, lockedUSD: 0.154},
		{profit: 0.31, kind: KindOK, reason: domain.ReasonTrailing, lockedUSD: 0.217},
		{profit: 0.18, kind: KindNoUpdate},
	})

	// The stop never moved backwards across the whole walk.
	fresh, err := f.broker.Position(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.10022, fresh.StopLoss, 1e-9, "final stop holds the $0.217 lock")
}

func TestLifecycleHardLossNeverLocks(t *testing.T) {
	f := newFixture(t)
	f.openBuy(1)

	runLifecycle(t, f, 1, []lifecycleStep{
		{profit: -0.10, kind: KindNoUpdate},
		{profit: -0.40, kind: KindNoUpdate},
		{profit: -0.90, kind: KindNoUpdate},
		{profit: -1.50, kind: KindNoUpdate},
		{profit: -2.00, kind: KindNoUpdate},
	})

	assert.Zero(t, f.broker.modifies, "a losing walk never touches the broker")
	protected, _ := f.engine.Protected(1)
	assert.False(t, protected)

	// The strict-loss stop still caps the exit at the configured risk.
	fresh, err := f.broker.Position(context.Background(), 1)
	require.NoError(t, err)
	assert.InDelta(t, testCapSL, fresh.StopLoss, 1e-9)
}

func TestLifecycleBigJumpLock(t *testing.T) {
	f := newFixture(t)
	f.openBuy(1)

	runLifecycle(t, f, 1, []lifecycleStep{
		{profit: 0.05, kind: KindOK, reason: domain.ReasonSweetSpot, lockedUSD: 0},
		{profit: 0.08, kind: KindNoUpdate},
		// One tick from 0.08 to 0.55: the jump override locks a margin
		// behind the peak instead of trailing from the floor.
		{profit: 0.55, kind: KindOK, reason: domain.ReasonTrailing, lockedUSD: 0.45},
		{profit: 0.42, kind: KindNoUpdate},
	})
}

func TestLifecycleLockContention(t *testing.T) {
	f := newFixture(t)
	f.openBuy(1)
	f.setProfit(0.05)

	// An adversary wedges the ticket lock for 200 ms.
	release, err := f.locks.Acquire(context.Background(), 1, locktab.KindUpdate, time.Second)
	require.NoError(t, err)
	go func() {
		time.Sleep(200 * time.Millisecond)
		release()
	}()

	// The visit under contention misses at most once and never regresses
	// the stop.
	res := f.engine.UpdateSLAtomic(context.Background(), 1)
	require.Equal(t, KindLockTimeout, res.Kind)
	assert.Zero(t, f.broker.modifies)

	// The next visit recovers the missed sweet-spot apply.
	require.Eventually(t, func() bool {
		return f.engine.UpdateSLAtomic(context.Background(), 1).Kind == KindOK
	}, time.Second, 20*time.Millisecond)

	protected, locked := f.engine.Protected(1)
	assert.True(t, protected)
	assert.Zero(t, locked)

	// One missed acquisition is not a broker failure; the circuit stays
	// closed for the follow-up.
	var failures int
	f.engine.states.withLocked(1, func(s *ticketState) { failures = s.consecutiveFailures })
	assert.LessOrEqual(t, failures, 1)
}

func TestLifecycleSellSideMirrors(t *testing.T) {
	f := newFixture(t)

	pos := domain.Position{
		Ticket:    2,
		Symbol:    "EURUSD",
		Side:      domain.SideSell,
		Lots:      0.01,
		OpenPrice: testOpenPrice,
		StopLoss:  1.10200,
		OpenTime:  time.Now().Add(-time.Minute),
	}
	f.broker.mu.Lock()
	f.broker.positions[2] = pos
	f.broker.mu.Unlock()
	f.reg.Upsert(pos)
	f.engine.InitPosition(pos)

	// Profit on a sell means ask below the open.
	setSellProfit := func(profit float64) {
		ask := testOpenPrice - profit/1000
		f.broker.mu.Lock()
		f.broker.quotes["EURUSD"] = domain.Quote{Symbol: "EURUSD", Bid: ask - 0.00002, Ask: ask, Time: time.Now()}
		f.broker.mu.Unlock()
	}

	setSellProfit(0.05)
	res := f.engine.UpdateSLAtomic(context.Background(), 2)
	require.Equal(t, KindOK, res.Kind)
	assert.Equal(t, domain.ReasonSweetSpot, res.Reason)
	assert.InDelta(t, testOpenPrice, res.AppliedSL, 1e-9)
	f.sync(2)

	setSellProfit(0.22)
	res = f.engine.UpdateSLAtomic(context.Background(), 2)
	require.Equal(t, KindOK, res.Kind)
	assert.Equal(t, domain.ReasonTrailing, res.Reason)
	// $0.154 locked sits below the open for a sell.
	assert.InDelta(t, 1.09985, res.AppliedSL, 1e-9)
}
