// Package exit implements the two sanctioned closure paths that bypass the
// stop-loss: micro-profit capture and compliance closure. Both close through
// the broker and hand the ticket back to the lifecycle engine; neither ever
// touches a stop directly.
package exit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/avrell/tradeguard/internal/domain"
	"github.com/avrell/tradeguard/internal/registry"
	"github.com/avrell/tradeguard/internal/slengine"
)

// Lifecycle is the slice of the engine the closers need: protection state
// for the precondition and closure handoff after the broker confirms.
type Lifecycle interface {
	Protected(ticket int64) (bool, float64)
	HandleClosure(ctx context.Context, pos domain.Position, reason domain.CloseReason)
}

// MicroProfitConfig parameterizes the capture band.
type MicroProfitConfig struct {
	SweetSpotMinUSD       float64
	SweetSpotMaxUSD       float64
	TrailIncrementUSD     float64
	BufferUSD             float64
	ExtendedBandEnabled   bool
	ExtendedBandMarginUSD float64
}

// MicroProfitCloser captures small confirmed gains on already-protected
// positions. It never closes a losing position.
type MicroProfitCloser struct {
	broker domain.Broker
	reg    *registry.Registry
	life   Lifecycle
	cfg    MicroProfitConfig
	logger *slog.Logger
}

// NewMicroProfitCloser creates a MicroProfitCloser.
func NewMicroProfitCloser(broker domain.Broker, reg *registry.Registry, life Lifecycle, cfg MicroProfitConfig, logger *slog.Logger) *MicroProfitCloser {
	return &MicroProfitCloser{
		broker: broker,
		reg:    reg,
		life:   life,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "micro_profit")),
	}
}

// Sweep visits every registered position once and closes the qualifying
// ones. Returns the number of closures.
func (m *MicroProfitCloser) Sweep(ctx context.Context) int {
	closed := 0
	for _, ticket := range m.reg.Tickets() {
		if m.visit(ctx, ticket) {
			closed++
		}
	}
	return closed
}

func (m *MicroProfitCloser) visit(ctx context.Context, ticket int64) bool {
	pos, ok := m.reg.Get(ticket)
	if !ok {
		return false
	}
	protected, _ := m.life.Protected(ticket)
	if !protected {
		return false
	}

	profit, err := m.freshProfit(ctx, pos)
	if err != nil {
		m.logger.WarnContext(ctx, "profit re-read failed, skipping",
			slog.Int64("ticket", ticket), slog.Any("error", err))
		return false
	}
	if !m.inBand(profit) {
		return false
	}

	// Re-read once more right before the close request; the first clause
	// must still hold at the moment we commit.
	confirm, err := m.freshProfit(ctx, pos)
	if err != nil || confirm < m.cfg.SweetSpotMinUSD+m.cfg.BufferUSD {
		return false
	}

	if err := m.broker.ClosePosition(ctx, ticket, string(domain.CloseMicroProfit)); err != nil {
		m.logger.WarnContext(ctx, "micro-profit close rejected",
			slog.Int64("ticket", ticket),
			slog.Float64("profit_usd", confirm),
			slog.Any("error", err))
		return false
	}

	m.logger.InfoContext(ctx, "micro-profit captured",
		slog.Int64("ticket", ticket),
		slog.String("symbol", pos.Symbol),
		slog.Float64("profit_usd", confirm))

	m.reg.Remove(ticket)
	m.life.HandleClosure(ctx, pos, domain.CloseMicroProfit)
	return true
}

// inBand is the band predicate: past the buffered minimum and either inside
// the primary sweet-spot band or, when enabled, near a whole multiple of
// the trailing increment.
func (m *MicroProfitCloser) inBand(profit float64) bool {
	if profit < m.cfg.SweetSpotMinUSD+m.cfg.BufferUSD {
		return false
	}
	if profit <= m.cfg.SweetSpotMaxUSD {
		return true
	}
	if !m.cfg.ExtendedBandEnabled || m.cfg.TrailIncrementUSD <= 0 {
		return false
	}
	rem := math.Mod(profit, m.cfg.TrailIncrementUSD)
	dist := math.Min(rem, m.cfg.TrailIncrementUSD-rem)
	return dist <= m.cfg.ExtendedBandMarginUSD
}

func (m *MicroProfitCloser) freshProfit(ctx context.Context, pos domain.Position) (float64, error) {
	info, err := m.reg.SymbolInfo(ctx, m.broker, pos.Symbol)
	if err != nil {
		return 0, err
	}
	q, err := m.broker.Quote(ctx, pos.Symbol)
	if err != nil {
		return 0, err
	}
	return slengine.ProfitAt(pos, info, q), nil
}

// Run sweeps on the given interval until the context ends.
func (m *MicroProfitCloser) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
