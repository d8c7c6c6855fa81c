package exit

import (
	"context"
	"log/slog"
	"time"

	"github.com/avrell/tradeguard/internal/domain"
	"github.com/avrell/tradeguard/internal/registry"
)

// ComplianceConfig parameterizes the overnight-hold closure.
type ComplianceConfig struct {
	// CutoffHourUTC closes everything still open at or after this hour.
	CutoffHourUTC int
	// MaxHolding closes a position held longer than this regardless of the
	// clock. Zero disables the age check.
	MaxHolding time.Duration
}

// ComplianceCloser closes positions that violate holding rules, regardless
// of profit.
type ComplianceCloser struct {
	broker domain.Broker
	reg    *registry.Registry
	life   Lifecycle
	cfg    ComplianceConfig
	logger *slog.Logger

	clock func() time.Time
}

// NewComplianceCloser creates a ComplianceCloser.
func NewComplianceCloser(broker domain.Broker, reg *registry.Registry, life Lifecycle, cfg ComplianceConfig, logger *slog.Logger) *ComplianceCloser {
	return &ComplianceCloser{
		broker: broker,
		reg:    reg,
		life:   life,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "compliance")),
		clock:  time.Now,
	}
}

// Sweep closes every position the holding rules flag. Returns the number of
// closures.
func (c *ComplianceCloser) Sweep(ctx context.Context) int {
	closed := 0
	now := c.clock().UTC()
	for _, ticket := range c.reg.Tickets() {
		pos, ok := c.reg.Get(ticket)
		if !ok {
			continue
		}
		why := c.violation(pos, now)
		if why == "" {
			continue
		}
		if err := c.broker.ClosePosition(ctx, ticket, string(domain.CloseCompliance)); err != nil {
			c.logger.WarnContext(ctx, "compliance close rejected",
				slog.Int64("ticket", ticket), slog.Any("error", err))
			continue
		}
		c.logger.InfoContext(ctx, "COMPLIANCE closure",
			slog.Int64("ticket", ticket),
			slog.String("symbol", pos.Symbol),
			slog.String("rule", why),
			slog.Duration("held", now.Sub(pos.OpenTime)))
		c.reg.Remove(ticket)
		c.life.HandleClosure(ctx, pos, domain.CloseCompliance)
		closed++
	}
	return closed
}

// violation names the first holding rule the position breaks, or "".
func (c *ComplianceCloser) violation(pos domain.Position, now time.Time) string {
	if c.cfg.MaxHolding > 0 && !pos.OpenTime.IsZero() && now.Sub(pos.OpenTime) > c.cfg.MaxHolding {
		return "max_holding"
	}
	if now.Hour() >= c.cfg.CutoffHourUTC {
		return "overnight_cutoff"
	}
	return ""
}

// Run sweeps on the given interval until the context ends.
func (c *ComplianceCloser) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}
