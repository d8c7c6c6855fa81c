package slengine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/avrell/tradeguard/internal/domain"
)

// applyEmergency is the lock-free loss-cap fallback: reached only from
// UpdateSLAtomic when the ticket lock timed out while the position is losing
// at or past the cap. It bypasses the lock table, never the RPC budget, and
// applies only the strict-loss stop, never a profit lock.
func (e *Engine) applyEmergency(ctx context.Context, pos domain.Position) Result {
	info, err := e.registry.SymbolInfo(ctx, e.broker, pos.Symbol)
	if err != nil {
		return Result{Kind: KindLockTimeout, Err: fmt.Errorf("slengine: emergency symbol info: %w", err)}
	}

	target := PriceForLock(pos, info, -e.rules.MaxRiskPerTradeUSD)

	// An existing stop at or beyond the cap already protects; do not touch it.
	if pos.HasStopLoss() && !Improves(pos, info, pos.StopLoss, target) {
		return Result{Kind: KindLockTimeout, Reason: domain.ReasonEmergency, TargetSL: target}
	}

	if !e.bucket.TryAcquire() {
		e.tracker.RateLimited()
		return Result{Kind: KindRateLimited, Reason: domain.ReasonEmergency, TargetSL: target}
	}

	if err := e.broker.ModifyStopLoss(ctx, pos.Ticket, target); err != nil {
		e.recordFailure(pos.Ticket)
		e.tracker.Failure()
		return Result{
			Kind:   KindApplyFailed,
			Reason: domain.ReasonEmergency, TargetSL: target,
			Err: fmt.Errorf("slengine: emergency modify ticket %d: %w", pos.Ticket, err),
		}
	}

	e.tracker.Emergency()
	e.states.withLocked(pos.Ticket, func(s *ticketState) {
		s.lastAppliedSL = target
		s.lastReason = domain.ReasonEmergency
	})

	e.logger.ErrorContext(ctx, "EMERGENCY loss-cap stop applied without lock",
		slog.Int64("ticket", pos.Ticket),
		slog.String("symbol", pos.Symbol),
		slog.Float64("sl", target),
		slog.Float64("profit_usd", pos.ProfitUSD))

	e.emit(ctx, domain.Event{
		Type:   domain.EventEmergencyApplied,
		Ticket: pos.Ticket,
		Symbol: pos.Symbol,
		Detail: map[string]any{"sl": target, "profit_usd": pos.ProfitUSD},
	})

	return Result{Kind: KindEmergencyApplied, Reason: domain.ReasonEmergency, TargetSL: target, AppliedSL: target}
}
