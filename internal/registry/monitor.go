package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/avrell/tradeguard/internal/domain"
)

// minReconcileInterval is the floor for the monitor loop period.
const minReconcileInterval = 5 * time.Second

// LockReclaimer is the two-pass lock reclamation surface of the lock table.
type LockReclaimer interface {
	MarkAbsent(ticket int64)
	SweepAbsent() []int64
}

// Monitor reconciles the mirror against the broker: backfills positions
// opened outside the engine, detects closures, and drives lock reclamation.
type Monitor struct {
	registry *Registry
	broker   domain.Broker
	locks    LockReclaimer
	logger   *slog.Logger
	interval time.Duration

	// onBackfill runs for every broker position not yet mirrored, before it
	// is added. The SL engine uses it to initialize lifecycle state.
	onBackfill func(pos domain.Position)
	// onClosed runs for every mirrored position no longer on the broker,
	// after it is removed.
	onClosed func(pos domain.Position, reason domain.CloseReason)
}

// NewMonitor creates a Monitor; interval is clamped to the 5 s floor.
func NewMonitor(reg *Registry, broker domain.Broker, locks LockReclaimer, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval < minReconcileInterval {
		interval = minReconcileInterval
	}
	return &Monitor{
		registry: reg,
		broker:   broker,
		locks:    locks,
		logger:   logger.With(slog.String("component", "monitor")),
		interval: interval,
	}
}

// OnBackfill registers the backfill hook.
func (m *Monitor) OnBackfill(fn func(pos domain.Position)) { m.onBackfill = fn }

// OnClosed registers the closure hook.
func (m *Monitor) OnClosed(fn func(pos domain.Position, reason domain.CloseReason)) { m.onClosed = fn }

// Run reconciles immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Reconcile(ctx); err != nil {
		m.logger.WarnContext(ctx, "initial reconcile failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Reconcile(ctx); err != nil {
				// Transient broker errors must not kill the agent; the next
				// tick retries.
				m.logger.WarnContext(ctx, "reconcile failed", slog.Any("error", err))
			}
		}
	}
}

// Reconcile performs one mirror-vs-broker pass.
func (m *Monitor) Reconcile(ctx context.Context) error {
	live, err := m.broker.Positions(ctx)
	if err != nil {
		return err
	}

	liveSet := make(map[int64]domain.Position, len(live))
	for _, pos := range live {
		liveSet[pos.Ticket] = pos
	}

	// Closures: mirrored but gone on the broker.
	for _, pos := range m.registry.Snapshot() {
		if _, ok := liveSet[pos.Ticket]; ok {
			continue
		}
		last, _ := m.registry.Remove(pos.Ticket)
		reason := classifyClosure(last)
		m.logger.InfoContext(ctx, "position closed",
			slog.Int64("ticket", pos.Ticket),
			slog.String("symbol", pos.Symbol),
			slog.String("reason", string(reason)),
			slog.Float64("profit_usd", last.ProfitUSD))
		if m.onClosed != nil {
			m.onClosed(last, reason)
		}
		m.locks.MarkAbsent(pos.Ticket)
	}

	// Backfill and refresh.
	for _, pos := range live {
		if _, known := m.registry.Get(pos.Ticket); !known {
			m.logger.InfoContext(ctx, "backfilling external position",
				slog.Int64("ticket", pos.Ticket),
				slog.String("symbol", pos.Symbol),
				slog.Float64("lots", pos.Lots))
			if m.onBackfill != nil {
				m.onBackfill(pos)
			}
		}
		m.registry.Upsert(pos)
	}

	// Second reclamation pass. Anything re-acquired or re-mirrored since
	// pass one survives.
	if reclaimed := m.locks.SweepAbsent(); len(reclaimed) > 0 {
		m.logger.DebugContext(ctx, "reclaimed ticket locks", slog.Int("count", len(reclaimed)))
	}
	return nil
}

// classifyClosure infers why a position left the book from its last mirrored
// state. A protective SL close and a manual close are indistinguishable from
// here, so anything with a stop attached is attributed to it.
func classifyClosure(last domain.Position) domain.CloseReason {
	if last.Ticket == 0 {
		return domain.CloseUnknown
	}
	if last.HasStopLoss() {
		return domain.CloseStopLossHit
	}
	return domain.CloseExternal
}
