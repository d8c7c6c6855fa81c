// Package entry turns accepted candidates into broker positions: lot
// selection, initial loss-cap stop, venue distance handling, and
// registration with the lifecycle engine.
package entry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/avrell/tradeguard/internal/domain"
	"github.com/avrell/tradeguard/internal/ratelimit"
	"github.com/avrell/tradeguard/internal/registry"
)

// Skip sentinels: the candidate is dropped, not errored.
var (
	// ErrLotTooLarge means the venue's minimum lot exceeds the configured cap.
	ErrLotTooLarge = errors.New("entry: broker minimum lot above cap")
	// ErrSlackExceeded means the venue's stop distance would widen the loss
	// past the allowed slack.
	ErrSlackExceeded = errors.New("entry: stops level widens loss past allowed slack")
)

// Config holds the sizing and placement parameters.
type Config struct {
	DefaultLot         float64
	MaxLot             float64
	MaxRiskPerTradeUSD float64
	MaxSlackUSD        float64
}

// Placer opens positions. Every open carries a loss-cap stop; there is no
// path that places an order without one.
type Placer struct {
	broker domain.Broker
	reg    *registry.Registry
	bucket *ratelimit.Bucket
	cfg    Config
	logger *slog.Logger

	// onOpened seeds lifecycle state for the new ticket.
	onOpened func(pos domain.Position)

	clock func() time.Time
}

// NewPlacer creates a Placer.
func NewPlacer(broker domain.Broker, reg *registry.Registry, bucket *ratelimit.Bucket, cfg Config, logger *slog.Logger) *Placer {
	return &Placer{
		broker: broker,
		reg:    reg,
		bucket: bucket,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "entry")),
		clock:  time.Now,
	}
}

// OnOpened registers the post-open hook.
func (p *Placer) OnOpened(fn func(pos domain.Position)) { p.onOpened = fn }

// Place opens a market position for the candidate. Returns the registered
// position, or a skip sentinel when the symbol cannot be sized or stopped
// within policy.
func (p *Placer) Place(ctx context.Context, c domain.Candidate) (domain.Position, error) {
	info, err := p.reg.SymbolInfo(ctx, p.broker, c.Symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("entry: %w", err)
	}

	lots, err := p.chooseLot(info)
	if err != nil {
		return domain.Position{}, err
	}

	quote, err := p.broker.Quote(ctx, c.Symbol)
	if err != nil {
		return domain.Position{}, fmt.Errorf("entry: quote %s: %w", c.Symbol, err)
	}

	sl, err := p.initialStop(c, info, quote, lots)
	if err != nil {
		return domain.Position{}, err
	}

	if !p.bucket.TryAcquire() {
		return domain.Position{}, fmt.Errorf("entry: open %s: %w", c.Symbol, domain.ErrRateLimited)
	}

	req := domain.OrderRequest{
		ClientID: uuid.NewString(),
		Symbol:   c.Symbol,
		Side:     c.Side,
		Lots:     lots,
		StopLoss: sl,
	}
	res, err := p.broker.OpenOrder(ctx, req)
	if err != nil {
		return domain.Position{}, fmt.Errorf("entry: open %s: %w", c.Symbol, err)
	}

	if res.Partial {
		p.logger.WarnContext(ctx, "partial fill accepted, remainder discarded",
			slog.Int64("ticket", res.Ticket),
			slog.String("symbol", c.Symbol),
			slog.Float64("requested_lots", lots),
			slog.Float64("filled_lots", res.FilledLots))
	}

	pos := domain.Position{
		Ticket:    res.Ticket,
		Symbol:    c.Symbol,
		Side:      c.Side,
		Lots:      res.FilledLots,
		OpenPrice: res.OpenPrice,
		StopLoss:  sl,
		OpenTime:  p.clock().UTC(),
	}
	p.reg.Upsert(pos)
	if p.onOpened != nil {
		p.onOpened(pos)
	}

	p.logger.InfoContext(ctx, "position opened",
		slog.Int64("ticket", pos.Ticket),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("lots", pos.Lots),
		slog.Float64("open_price", pos.OpenPrice),
		slog.Float64("sl", pos.StopLoss),
		slog.Float64("quality_score", c.QualityScore))

	return pos, nil
}

// chooseLot starts at the default lot, raises it to the venue minimum, and
// skips the symbol when the minimum exceeds the cap.
func (p *Placer) chooseLot(info domain.SymbolInfo) (float64, error) {
	lot := p.cfg.DefaultLot
	if info.MinLot > lot {
		lot = info.MinLot
	}
	if lot > p.cfg.MaxLot {
		return 0, fmt.Errorf("%w: min %.2f cap %.2f (%s)", ErrLotTooLarge, info.MinLot, p.cfg.MaxLot, info.Symbol)
	}
	if info.LotStep > 0 {
		lot = math.Round(lot/info.LotStep) * info.LotStep
	}
	return lot, nil
}

// initialStop places the stop so the worst case equals the loss cap,
// widening to the venue's minimum distance when necessary. Widening is
// bounded by the slack budget and always logged; an order is never sent
// without a stop.
func (p *Placer) initialStop(c domain.Candidate, info domain.SymbolInfo, q domain.Quote, lots float64) (float64, error) {
	per := info.ContractSize * lots
	if per <= 0 {
		return 0, fmt.Errorf("entry: %s has no contract size", info.Symbol)
	}
	capDist := p.cfg.MaxRiskPerTradeUSD / per
	minDist := info.StopsLevelPoints * info.Point

	var sl, closing float64
	if c.Side == domain.SideBuy {
		closing = q.Bid
		sl = q.Ask - capDist
		if minDist > 0 && sl > closing-minDist {
			sl = closing - minDist
		}
	} else {
		closing = q.Ask
		sl = q.Bid + capDist
		if minDist > 0 && sl < closing+minDist {
			sl = closing + minDist
		}
	}
	sl = roundToDigits(sl, info.Digits)

	worst := math.Abs(sl-entrySide(c.Side, q)) * per
	if slack := worst - p.cfg.MaxRiskPerTradeUSD; slack > p.cfg.MaxSlackUSD {
		return 0, fmt.Errorf("%w: %.2f over cap (%s)", ErrSlackExceeded, slack, info.Symbol)
	} else if slack > 0.005 {
		p.logger.Warn("SL_WIDENED to venue minimum distance",
			slog.String("symbol", info.Symbol),
			slog.Float64("sl", sl),
			slog.Float64("extra_risk_usd", slack))
	}
	return sl, nil
}

// entrySide is the fill price side for a market order.
func entrySide(side domain.Side, q domain.Quote) float64 {
	if side == domain.SideBuy {
		return q.Ask
	}
	return q.Bid
}

func roundToDigits(v float64, digits int) float64 {
	if digits <= 0 {
		return v
	}
	scale := math.Pow10(digits)
	return math.Round(v*scale) / scale
}
