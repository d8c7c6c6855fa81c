package filter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avrell/tradeguard/internal/config"
	"github.com/avrell/tradeguard/internal/domain"
)

// TradabilityGate checks that the symbol is allowed, tradable on the venue,
// and not spread out past the configured maximum.
type TradabilityGate struct {
	Broker          domain.Broker
	MaxSpreadPoints float64
	AllowList       []string
	DenyList        []string
}

func (g *TradabilityGate) Name() string                { return "tradability" }
func (g *TradabilityGate) Reason() domain.RejectReason { return domain.RejectSpread }

func (g *TradabilityGate) Allow(ctx context.Context, c domain.Candidate) (bool, error) {
	if len(g.AllowList) > 0 && !containsFold(g.AllowList, c.Symbol) {
		return false, nil
	}
	if containsFold(g.DenyList, c.Symbol) {
		return false, nil
	}

	info, err := g.Broker.SymbolInfo(ctx, c.Symbol)
	if err != nil {
		return false, fmt.Errorf("symbol info: %w", err)
	}
	if !info.TradeAllowed {
		return false, nil
	}

	quote, err := g.Broker.Quote(ctx, c.Symbol)
	if err != nil {
		return false, fmt.Errorf("quote: %w", err)
	}
	return quote.SpreadPoints(info.Point) <= g.MaxSpreadPoints, nil
}

// MarketCloseGate blocks entries close to the weekly market close. FX stops
// trading Friday 21:00 UTC; weekends are closed outright.
type MarketCloseGate struct {
	Buffer time.Duration
	Clock  func() time.Time
}

const weeklyCloseHourUTC = 21

func (g *MarketCloseGate) Name() string                { return "market_close" }
func (g *MarketCloseGate) Reason() domain.RejectReason { return domain.RejectMarketClosing }

func (g *MarketCloseGate) Allow(ctx context.Context, c domain.Candidate) (bool, error) {
	now := g.now().UTC()
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return false, nil
	case time.Friday:
		cutoff := time.Date(now.Year(), now.Month(), now.Day(), weeklyCloseHourUTC, 0, 0, 0, time.UTC)
		if !now.Before(cutoff) || cutoff.Sub(now) <= g.Buffer {
			return false, nil
		}
	}
	return true, nil
}

func (g *MarketCloseGate) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

// VolumeGate rejects candidates whose bar volume is below the minimum.
type VolumeGate struct {
	Min float64
}

func (g *VolumeGate) Name() string                { return "volume" }
func (g *VolumeGate) Reason() domain.RejectReason { return domain.RejectVolumeLow }

func (g *VolumeGate) Allow(ctx context.Context, c domain.Candidate) (bool, error) {
	return c.BarVolume >= g.Min, nil
}

// NewsGate blocks entries inside configured high-impact news windows
// ("HH:MM-HH:MM" UTC, possibly wrapping midnight).
type NewsGate struct {
	Windows []string
	Clock   func() time.Time
}

func (g *NewsGate) Name() string                { return "news" }
func (g *NewsGate) Reason() domain.RejectReason { return domain.RejectNewsWindow }

func (g *NewsGate) Allow(ctx context.Context, c domain.Candidate) (bool, error) {
	now := g.now().UTC()
	minute := now.Hour()*60 + now.Minute()
	for _, w := range g.Windows {
		start, end, err := config.ParseClockWindow(w)
		if err != nil {
			// Validated at load; an unparsable window here fails closed.
			return false, fmt.Errorf("bad window %q: %w", w, err)
		}
		if inWindow(minute, start, end) {
			return false, nil
		}
	}
	return true, nil
}

func (g *NewsGate) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

func inWindow(minute, start, end int) bool {
	if start <= end {
		return minute >= start && minute <= end
	}
	// Wraps midnight.
	return minute >= start || minute <= end
}

// QualityGate enforces the minimum signal quality score.
type QualityGate struct {
	Min float64
}

func (g *QualityGate) Name() string                { return "quality" }
func (g *QualityGate) Reason() domain.RejectReason { return domain.RejectQualityScore }

func (g *QualityGate) Allow(ctx context.Context, c domain.Candidate) (bool, error) {
	return c.QualityScore >= g.Min, nil
}

// PortfolioGate caps the number of concurrently open trades. A non-positive
// Max disables the cap.
type PortfolioGate struct {
	OpenCount func() int
	Max       int
}

func (g *PortfolioGate) Name() string                { return "portfolio" }
func (g *PortfolioGate) Reason() domain.RejectReason { return domain.RejectMaxTrades }

func (g *PortfolioGate) Allow(ctx context.Context, c domain.Candidate) (bool, error) {
	if g.Max <= 0 {
		return true, nil
	}
	return g.OpenCount() < g.Max, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

var (
	_ Gate = (*TradabilityGate)(nil)
	_ Gate = (*MarketCloseGate)(nil)
	_ Gate = (*VolumeGate)(nil)
	_ Gate = (*NewsGate)(nil)
	_ Gate = (*QualityGate)(nil)
	_ Gate = (*PortfolioGate)(nil)
)
