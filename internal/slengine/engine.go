package slengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/avrell/tradeguard/internal/domain"
	"github.com/avrell/tradeguard/internal/locktab"
	"github.com/avrell/tradeguard/internal/metrics"
	"github.com/avrell/tradeguard/internal/ratelimit"
	"github.com/avrell/tradeguard/internal/registry"
)

// Limits holds the apply-path budgets: retries, verification, throttles,
// lock timeouts, and the per-ticket circuit.
type Limits struct {
	AcquireTimeout          time.Duration
	ProfitAcquireTimeout    time.Duration
	MaxModifyRetries        int
	RetryBackoffBase        time.Duration
	VerifyDelay             time.Duration
	VerifyTolerancePoints   float64
	CircuitFailureThreshold int
	CircuitOpenFor          time.Duration
	DisableAfter            time.Duration
}

// Engine owns the SL lifecycle for every mirrored position. UpdateSLAtomic
// is the only sanctioned path to Broker.ModifyStopLoss; the emergency
// fallback in emergency.go is its lock-timeout escape hatch.
type Engine struct {
	broker   domain.Broker
	registry *registry.Registry
	locks    *locktab.Table
	bucket   *ratelimit.Bucket
	throttle *ratelimit.Throttle
	journal  domain.TradeLog
	tracker  *metrics.Tracker
	logger   *slog.Logger

	rules  Rules
	limits Limits

	states *stateTable

	// publish sends lifecycle events to the signal bus; optional.
	publish func(ctx context.Context, ev domain.Event)

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an Engine. journal must not be nil; pass a no-op TradeLog in
// tests.
func New(
	broker domain.Broker,
	reg *registry.Registry,
	locks *locktab.Table,
	bucket *ratelimit.Bucket,
	throttle *ratelimit.Throttle,
	journal domain.TradeLog,
	tracker *metrics.Tracker,
	rules Rules,
	limits Limits,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		broker:   broker,
		registry: reg,
		locks:    locks,
		bucket:   bucket,
		throttle: throttle,
		journal:  journal,
		tracker:  tracker,
		rules:    rules,
		limits:   limits,
		states:   newStateTable(),
		logger:   logger.With(slog.String("component", "slengine")),
		clock:    time.Now,
		sleep:    sleepCtx,
	}
}

// OnEvent registers the signal bus publisher.
func (e *Engine) OnEvent(fn func(ctx context.Context, ev domain.Event)) { e.publish = fn }

// InitPosition seeds lifecycle state for a freshly opened or backfilled
// position: strict-loss reason, zero peak.
func (e *Engine) InitPosition(pos domain.Position) {
	e.states.init(pos, e.clock())
}

// HandleClosure drops lifecycle state for a closed ticket and journals the
// closure. Wired to the monitor's closed hook and the early-exit paths.
func (e *Engine) HandleClosure(ctx context.Context, pos domain.Position, reason domain.CloseReason) {
	st, _ := e.states.drop(pos.Ticket)
	e.throttle.Forget(pos.Ticket)

	rec := domain.ClosureRecord{
		ID:         uuid.NewString(),
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Lots:       pos.Lots,
		OpenPrice:  pos.OpenPrice,
		FinalSL:    pos.StopLoss,
		ProfitUSD:  pos.ProfitUSD,
		Reason:     reason,
		OpenedAt:   pos.OpenTime,
		ClosedAt:   e.clock().UTC(),
		RecordedAt: e.clock().UTC(),
	}
	if st != nil {
		rec.PeakUSD = st.peakUSD
	}
	if err := e.journal.LogClosure(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "closure journal write failed",
			slog.Int64("ticket", pos.Ticket), slog.Any("error", err))
	}
	e.emit(ctx, domain.Event{
		Type:   domain.EventPositionClosed,
		Ticket: pos.Ticket,
		Symbol: pos.Symbol,
		Detail: map[string]any{"reason": string(reason), "profit_usd": pos.ProfitUSD},
	})
}

// Protected reports whether the ticket has a verified protective lock, and
// the locked amount. The early-exit paths gate on this.
func (e *Engine) Protected(ticket int64) (bool, float64) {
	var has bool
	var locked float64
	e.states.withLocked(ticket, func(st *ticketState) {
		has = st.hasLock
		locked = st.lockedUSD
	})
	return has, locked
}

// UpdateSLAtomic runs the full guarded sequence for one ticket: snapshot,
// circuit, throttle, lock, fresh quote, computation, monotonicity, venue
// constraints, RPC budget, bounded retries, delayed verification, state
// update. Every outcome is a tagged Result; err is populated only for
// unexpected failures.
func (e *Engine) UpdateSLAtomic(ctx context.Context, ticket int64) Result {
	pos, ok := e.registry.Get(ticket)
	if !ok {
		return Result{Kind: KindNoPosition}
	}

	st := e.states.get(ticket)

	// Circuit check before any work.
	var circuitUntil time.Time
	e.states.withLocked(ticket, func(s *ticketState) { circuitUntil = s.circuitOpenUntil })
	if e.clock().Before(circuitUntil) {
		return Result{Kind: KindCircuitOpen}
	}

	if !e.throttle.Allow(ticket) {
		return Result{Kind: KindThrottled}
	}

	e.tracker.Attempt()

	// Profitable tickets get the longer acquisition window; their update is
	// the one worth waiting for.
	kind, timeout := locktab.KindUpdate, e.limits.AcquireTimeout
	if pos.ProfitUSD > 0 {
		kind, timeout = locktab.KindProfit, e.limits.ProfitAcquireTimeout
	}
	release, err := e.locks.Acquire(ctx, ticket, kind, timeout)
	if err != nil {
		e.tracker.LockTimeout()
		if errors.Is(err, context.DeadlineExceeded) && e.losingPastCap(ctx, pos) {
			return e.applyEmergency(ctx, pos)
		}
		return Result{Kind: KindLockTimeout, Err: fmt.Errorf("slengine: acquire ticket %d: %w", ticket, err)}
	}
	defer release()

	start := e.clock()
	res := e.updateLocked(ctx, pos, st)
	elapsed := e.clock().Sub(start)

	if res.Kind == KindOK {
		e.tracker.Success(elapsed)
	}
	if res.Terminal() {
		e.journalAttempt(ctx, pos, st, res, elapsed)
	}
	return res
}

// updateLocked is the body of UpdateSLAtomic once the ticket lock is held.
func (e *Engine) updateLocked(ctx context.Context, pos domain.Position, st *ticketState) Result {
	info, err := e.registry.SymbolInfo(ctx, e.broker, pos.Symbol)
	if err != nil {
		return Result{Kind: KindApplyFailed, Err: err}
	}

	quote, err := e.broker.Quote(ctx, pos.Symbol)
	if err != nil {
		e.recordFailure(pos.Ticket)
		return Result{Kind: KindApplyFailed, Err: fmt.Errorf("slengine: quote %s: %w", pos.Symbol, err)}
	}

	profit := ProfitAt(pos, info, quote)

	var obs Observation
	e.states.withLocked(pos.Ticket, func(s *ticketState) {
		if profit > s.peakUSD {
			s.peakUSD = profit
		}
		obs = Observation{
			ProfitUSD:            profit,
			PeakUSD:              s.peakUSD,
			LastAppliedProfitUSD: s.lastAppliedProfitUSD,
			HasLock:              s.hasLock,
			LockedUSD:            s.lockedUSD,
		}
	})

	proposal := Compute(e.rules, obs)
	if proposal.Reason == domain.ReasonNoUpdate {
		e.tracker.NoUpdate()
		return Result{Kind: KindNoUpdate, Reason: domain.ReasonNoUpdate}
	}

	target := PriceForLock(pos, info, proposal.LockUSD)

	// Monotonicity: never loosen the stop, judged against both the broker's
	// current value and the last value this engine applied.
	var lastApplied float64
	e.states.withLocked(pos.Ticket, func(s *ticketState) { lastApplied = s.lastAppliedSL })
	current := stricterSL(pos, pos.StopLoss, lastApplied)
	if current != 0 && !Improves(pos, info, current, target) {
		if regresses(pos, info, current, target) {
			e.logger.WarnContext(ctx, "non-monotonic proposal dropped",
				slog.Int64("ticket", pos.Ticket),
				slog.Float64("current_sl", current),
				slog.Float64("proposed_sl", target))
			return Result{Kind: KindNonMonotonic, Reason: proposal.Reason, TargetSL: target}
		}
		e.tracker.NoUpdate()
		return Result{Kind: KindNoUpdate, Reason: proposal.Reason, TargetSL: target}
	}

	// Venue minimum stop distance. Adjust only in the protective direction
	// (away from price); if that lands at or behind the current stop, the
	// venue cannot host this improvement yet.
	adjusted, moved := adjustForStopsLevel(pos, info, quote, target)
	if moved {
		if current != 0 && !Improves(pos, info, current, adjusted) {
			return Result{Kind: KindBrokerConstraint, Reason: proposal.Reason, TargetSL: target}
		}
		e.logger.DebugContext(ctx, "stop widened to venue minimum distance",
			slog.Int64("ticket", pos.Ticket),
			slog.Float64("target", target),
			slog.Float64("adjusted", adjusted))
		target = adjusted
	}

	if !e.bucket.TryAcquire() {
		e.tracker.RateLimited()
		return Result{Kind: KindRateLimited, Reason: proposal.Reason, TargetSL: target}
	}

	attempts, err := e.modifyWithRetry(ctx, pos.Ticket, target)
	if err != nil {
		e.recordFailure(pos.Ticket)
		e.tracker.Failure()
		return Result{
			Kind:   KindApplyFailed,
			Reason: proposal.Reason, TargetSL: target,
			Err: fmt.Errorf("slengine: modify ticket %d after %d attempts: %w", pos.Ticket, attempts, err),
		}
	}

	return e.verifyAndCommit(ctx, pos, info, proposal, target, profit, obs.PeakUSD, attempts)
}

// modifyWithRetry calls ModifyStopLoss up to MaxModifyRetries times with
// exponential backoff. Returns the attempt count used.
func (e *Engine) modifyWithRetry(ctx context.Context, ticket int64, target float64) (int, error) {
	backoff := e.limits.RetryBackoffBase
	var lastErr error
	for attempt := 1; attempt <= e.limits.MaxModifyRetries; attempt++ {
		lastErr = e.broker.ModifyStopLoss(ctx, ticket, target)
		if lastErr == nil {
			return attempt, nil
		}
		if errors.Is(lastErr, domain.ErrPositionNotFound) || ctx.Err() != nil {
			return attempt, lastErr
		}
		if attempt < e.limits.MaxModifyRetries {
			if err := e.sleep(ctx, backoff); err != nil {
				return attempt, lastErr
			}
			backoff *= 2
		}
	}
	return e.limits.MaxModifyRetries, lastErr
}

// verifyAndCommit waits the verification delay, re-reads the position, and
// commits the new lifecycle state when the broker reports the stop within
// tolerance.
func (e *Engine) verifyAndCommit(
	ctx context.Context,
	pos domain.Position,
	info domain.SymbolInfo,
	proposal Proposal,
	target float64,
	profit float64,
	peak float64,
	attempts int,
) Result {
	if err := e.sleep(ctx, e.limits.VerifyDelay); err != nil {
		return Result{Kind: KindVerificationFailed, Reason: proposal.Reason, TargetSL: target, Err: err}
	}

	fresh, err := e.broker.Position(ctx, pos.Ticket)
	if errors.Is(err, domain.ErrPositionNotFound) {
		// Closed between apply and verify; the monitor will journal it.
		return Result{Kind: KindNoPosition, Reason: proposal.Reason, TargetSL: target}
	}
	if err != nil {
		e.recordVerifyFailure(ctx, pos)
		return Result{
			Kind:   KindVerificationFailed,
			Reason: proposal.Reason, TargetSL: target,
			Err: fmt.Errorf("slengine: verify ticket %d: %w", pos.Ticket, err),
		}
	}

	tolerance := e.limits.VerifyTolerancePoints * info.Point
	if math.Abs(fresh.StopLoss-target) > tolerance {
		e.recordVerifyFailure(ctx, pos)
		e.tracker.Failure()
		return Result{
			Kind:   KindVerificationFailed,
			Reason: proposal.Reason, TargetSL: target, AppliedSL: fresh.StopLoss,
			Err: fmt.Errorf("slengine: ticket %d stop reads %.5f, want %.5f", pos.Ticket, fresh.StopLoss, target),
		}
	}

	now := e.clock()
	var firstLock bool
	var openedAt time.Time
	protective := proposal.Reason.Protective()
	e.states.withLocked(pos.Ticket, func(s *ticketState) {
		firstLock = protective && !s.hasLock
		openedAt = s.openedAt
		if protective {
			s.hasLock = true
			s.lockedUSD = proposal.LockUSD
		}
		s.lastAppliedSL = fresh.StopLoss
		s.lastAppliedProfitUSD = profit
		s.lastReason = proposal.Reason
		s.consecutiveFailures = 0
		s.verifyFailingSince = time.Time{}
		s.disabledReported = false
		if proposal.Reason == domain.ReasonSweetSpot && s.sweetSpotAt.IsZero() {
			s.sweetSpotAt = now
		}
	})
	e.registry.Upsert(fresh)

	if firstLock && !openedAt.IsZero() {
		e.tracker.SweetSpotActivated(now.Sub(openedAt))
	}

	e.logger.InfoContext(ctx, "stop loss applied",
		slog.Int64("ticket", pos.Ticket),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(proposal.Reason)),
		slog.Float64("sl", fresh.StopLoss),
		slog.Float64("locked_usd", proposal.LockUSD),
		slog.Float64("profit_usd", profit),
		slog.Float64("peak_usd", peak),
		slog.Int("attempts", attempts))

	e.emit(ctx, domain.Event{
		Type:   domain.EventSLApplied,
		Ticket: pos.Ticket,
		Symbol: pos.Symbol,
		Detail: map[string]any{
			"reason":     string(proposal.Reason),
			"sl":         fresh.StopLoss,
			"locked_usd": proposal.LockUSD,
		},
	})

	return Result{Kind: KindOK, Reason: proposal.Reason, TargetSL: target, AppliedSL: fresh.StopLoss}
}

// recordFailure bumps the ticket's consecutive failure counter and opens the
// circuit at the threshold.
func (e *Engine) recordFailure(ticket int64) {
	now := e.clock()
	var opened bool
	e.states.withLocked(ticket, func(s *ticketState) {
		s.consecutiveFailures++
		if s.consecutiveFailures >= e.limits.CircuitFailureThreshold {
			s.circuitOpenUntil = now.Add(e.limits.CircuitOpenFor)
			s.consecutiveFailures = 0
			opened = true
		}
	})
	if opened {
		e.tracker.CircuitOpened()
		e.logger.Warn("ticket circuit opened",
			slog.Int64("ticket", ticket),
			slog.Duration("for", e.limits.CircuitOpenFor))
	}
}

// recordVerifyFailure tracks continuous verification failure and reports the
// ticket DISABLED once it has lasted past the configured window.
func (e *Engine) recordVerifyFailure(ctx context.Context, pos domain.Position) {
	e.tracker.VerificationFailure()
	now := e.clock()
	var disable bool
	e.states.withLocked(pos.Ticket, func(s *ticketState) {
		if s.verifyFailingSince.IsZero() {
			s.verifyFailingSince = now
		}
		if !s.disabledReported && now.Sub(s.verifyFailingSince) > e.limits.DisableAfter {
			s.disabledReported = true
			disable = true
		}
	})
	e.recordFailure(pos.Ticket)
	if disable {
		e.logger.ErrorContext(ctx, "ticket DISABLED: verification failing continuously",
			slog.Int64("ticket", pos.Ticket),
			slog.String("symbol", pos.Symbol),
			slog.Duration("window", e.limits.DisableAfter))
		e.emit(ctx, domain.Event{
			Type:   domain.EventTicketDisabled,
			Ticket: pos.Ticket,
			Symbol: pos.Symbol,
		})
	}
}

// journalAttempt writes one SL attempt record for invocations that reached
// the broker.
func (e *Engine) journalAttempt(ctx context.Context, pos domain.Position, st *ticketState, res Result, dur time.Duration) {
	var peak float64
	e.states.withLocked(pos.Ticket, func(s *ticketState) { peak = s.peakUSD })

	rec := domain.SLAttemptRecord{
		ID:         uuid.NewString(),
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Reason:     res.Reason,
		Outcome:    string(res.Kind),
		PrevSL:     pos.StopLoss,
		TargetSL:   res.TargetSL,
		AppliedSL:  res.AppliedSL,
		ProfitUSD:  pos.ProfitUSD,
		PeakUSD:    peak,
		Verified:   res.Kind == KindOK,
		DurationMS: dur.Milliseconds(),
		RecordedAt: e.clock().UTC(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := e.journal.LogSLAttempt(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "attempt journal write failed",
			slog.Int64("ticket", pos.Ticket), slog.Any("error", err))
	}
}

func (e *Engine) emit(ctx context.Context, ev domain.Event) {
	if e.publish == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = e.clock().UTC()
	}
	e.publish(ctx, ev)
}

// stricterSL returns the more protective of two stop prices; zero means no
// stop recorded on that side.
func stricterSL(pos domain.Position, a, b float64) float64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if pos.Side == domain.SideBuy {
		if a > b {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

// regresses reports whether candidate actively reduces protection versus
// current for the position's direction.
func regresses(pos domain.Position, info domain.SymbolInfo, current, candidate float64) bool {
	eps := info.Point / 2
	if pos.Side == domain.SideBuy {
		return candidate < current-eps
	}
	return candidate > current+eps
}

// adjustForStopsLevel moves target away from the current price until the
// venue's minimum stop distance holds. Returns the adjusted price and
// whether it moved.
func adjustForStopsLevel(pos domain.Position, info domain.SymbolInfo, q domain.Quote, target float64) (float64, bool) {
	minDist := info.StopsLevelPoints * info.Point
	if minDist <= 0 {
		return target, false
	}
	if pos.Side == domain.SideBuy {
		limit := q.Bid - minDist
		if target > limit {
			return roundToDigits(limit, info.Digits), true
		}
		return target, false
	}
	limit := q.Ask + minDist
	if target < limit {
		return roundToDigits(limit, info.Digits), true
	}
	return target, false
}

// losingPastCap reports whether the position is losing at or beyond the loss
// cap, the condition under which a lock timeout escalates to the emergency
// path.
func (e *Engine) losingPastCap(ctx context.Context, pos domain.Position) bool {
	info, err := e.registry.SymbolInfo(ctx, e.broker, pos.Symbol)
	if err != nil {
		return pos.ProfitUSD <= -e.rules.MaxRiskPerTradeUSD
	}
	quote, err := e.broker.Quote(ctx, pos.Symbol)
	if err != nil {
		return pos.ProfitUSD <= -e.rules.MaxRiskPerTradeUSD
	}
	return ProfitAt(pos, info, quote) <= -e.rules.MaxRiskPerTradeUSD
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
