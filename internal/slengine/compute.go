// Package slengine implements the profit-locking stop-loss lifecycle: the
// pure lock computation, the atomic apply path, the emergency fallback, and
// the continuous worker.
package slengine

import (
	"math"

	"github.com/avrell/tradeguard/internal/domain"
)

// Rules holds the profit-locking parameters. All USD values are floating
// profit on the position, not prices.
type Rules struct {
	MaxRiskPerTradeUSD   float64
	SweetSpotMinUSD      float64
	SweetSpotMaxUSD      float64
	TrailIncrementUSD    float64
	PullbackTolerance    float64
	BigJumpThresholdUSD  float64
	BigJumpLockOffsetUSD float64
	HighPeakUSD          float64
	HighPeakMinLockUSD   float64
	MinImprovementUSD    float64
}

// Observation is one profit reading fed to Compute, together with the
// lifecycle state accumulated so far.
type Observation struct {
	ProfitUSD            float64
	PeakUSD              float64 // includes ProfitUSD
	LastAppliedProfitUSD float64 // profit at the last verified apply, for jump detection
	HasLock              bool    // a protective lock has been applied and verified
	LockedUSD            float64 // profit currently locked, valid when HasLock
}

// Proposal is the outcome of one Compute call. LockUSD is the profit to
// lock; zero means break-even at the entry price. Reason NO_UPDATE means the
// current stop already protects at least as well.
type Proposal struct {
	Reason  domain.Reason
	LockUSD float64
}

// Compute runs the locking state machine for one observation. It is pure:
// same inputs, same proposal. Priority order is strict-loss, sweet-spot,
// trailing, no-update.
func Compute(r Rules, obs Observation) Proposal {
	p := obs.ProfitUSD

	// Losing: re-propose the loss-cap stop. The apply path's idempotence
	// check turns this into NO_UPDATE whenever the stop is already there.
	// An existing protective lock always dominates the cap.
	if p < 0 {
		if obs.HasLock {
			return Proposal{Reason: domain.ReasonNoUpdate, LockUSD: obs.LockedUSD}
		}
		return Proposal{Reason: domain.ReasonStrictLoss, LockUSD: -r.MaxRiskPerTradeUSD}
	}

	// Below the sweet spot nothing beats the stop already in place.
	if p < r.SweetSpotMinUSD {
		return Proposal{Reason: domain.ReasonNoUpdate, LockUSD: obs.LockedUSD}
	}

	// Inside the sweet spot the first lock is break-even, immediately.
	if p <= r.SweetSpotMaxUSD {
		if obs.HasLock {
			return Proposal{Reason: domain.ReasonNoUpdate, LockUSD: obs.LockedUSD}
		}
		return Proposal{Reason: domain.ReasonSweetSpot, LockUSD: 0}
	}

	// Trailing. The floor ratchets one increment behind the profit; the
	// elastic lock follows the peak down to the pullback tolerance.
	lock := trailFloor(p, r.TrailIncrementUSD)
	if elastic := obs.PeakUSD * (1 - r.PullbackTolerance); elastic > lock {
		lock = elastic
	}

	// A single large favourable move since the last applied stop locks
	// close behind the new peak.
	if p-obs.LastAppliedProfitUSD >= r.BigJumpThresholdUSD {
		if jump := obs.PeakUSD - r.BigJumpLockOffsetUSD; jump > lock {
			lock = jump
		}
	}

	// Once the peak has been high enough, never give back below the high
	// peak minimum.
	if obs.PeakUSD >= r.HighPeakUSD && lock < r.HighPeakMinLockUSD {
		lock = r.HighPeakMinLockUSD
	}

	if obs.HasLock && lock < obs.LockedUSD+r.MinImprovementUSD {
		return Proposal{Reason: domain.ReasonNoUpdate, LockUSD: obs.LockedUSD}
	}
	return Proposal{Reason: domain.ReasonTrailing, LockUSD: lock}
}

// trailFloor is one increment behind the last whole increment of profit:
// 0.14 -> 0.00, 0.22 -> 0.10, 0.31 -> 0.20 at a 0.10 increment.
func trailFloor(profit, inc float64) float64 {
	f := math.Floor(profit/inc)*inc - inc
	if f < 0 {
		return 0
	}
	return f
}

// usdPerPriceUnit converts one unit of favourable price movement into USD
// for the position.
func usdPerPriceUnit(pos domain.Position, info domain.SymbolInfo) float64 {
	return info.ContractSize * pos.Lots
}

// ProfitAt computes the floating profit of pos at the quote's closing side
// (bid closes a buy, ask closes a sell).
func ProfitAt(pos domain.Position, info domain.SymbolInfo, q domain.Quote) float64 {
	per := usdPerPriceUnit(pos, info)
	if pos.Side == domain.SideBuy {
		return (q.Bid - pos.OpenPrice) * per
	}
	return (pos.OpenPrice - q.Ask) * per
}

// PriceForLock converts a locked-profit amount into the SL price that
// realizes it. Negative lock values place the stop on the losing side, which
// is how the loss-cap stop is expressed.
func PriceForLock(pos domain.Position, info domain.SymbolInfo, lockUSD float64) float64 {
	per := usdPerPriceUnit(pos, info)
	if per <= 0 {
		return pos.OpenPrice
	}
	offset := lockUSD / per
	if pos.Side == domain.SideBuy {
		return roundToDigits(pos.OpenPrice+offset, info.Digits)
	}
	return roundToDigits(pos.OpenPrice-offset, info.Digits)
}

// LockAtPrice is the inverse of PriceForLock: the profit locked by an SL at
// price.
func LockAtPrice(pos domain.Position, info domain.SymbolInfo, price float64) float64 {
	per := usdPerPriceUnit(pos, info)
	if pos.Side == domain.SideBuy {
		return (price - pos.OpenPrice) * per
	}
	return (pos.OpenPrice - price) * per
}

// Improves reports whether candidate protects strictly better than current
// for the position's direction, beyond half a price step of noise.
func Improves(pos domain.Position, info domain.SymbolInfo, current, candidate float64) bool {
	eps := info.Point / 2
	if current == 0 {
		// No stop at all; any stop is an improvement.
		return true
	}
	if pos.Side == domain.SideBuy {
		return candidate > current+eps
	}
	return candidate < current-eps
}

func roundToDigits(v float64, digits int) float64 {
	if digits <= 0 {
		return v
	}
	scale := math.Pow10(digits)
	return math.Round(v*scale) / scale
}
