// Package sim is the SIMULATION broker: an in-memory venue with seeded
// symbols, settable quotes, stop-loss execution, and fault injection. The
// lifecycle engine runs the same logic against it as against the live
// connector.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/avrell/tradeguard/internal/domain"
)

// maxQuoteAge is how old a tick may be before Quote refuses to serve it.
const maxQuoteAge = 5 * time.Second

// Venue is an in-memory broker.
type Venue struct {
	mu        sync.Mutex
	symbols   map[string]domain.SymbolInfo
	quotes    map[string]domain.Quote
	positions map[int64]domain.Position
	nextTick  int64

	// Fault injection.
	rejectOpens   int
	failModifies  int
	partialFactor float64

	logger *slog.Logger
	clock  func() time.Time
}

// New creates a Venue seeded with the given symbols. Each seed gets
// five-digit FX defaults; SeedSymbol overrides them.
func New(symbols []string, logger *slog.Logger) *Venue {
	v := &Venue{
		symbols:   make(map[string]domain.SymbolInfo),
		quotes:    make(map[string]domain.Quote),
		positions: make(map[int64]domain.Position),
		nextTick:  1,
		logger:    logger.With(slog.String("component", "sim_venue")),
		clock:     time.Now,
	}
	for _, s := range symbols {
		v.symbols[s] = domain.SymbolInfo{
			Symbol:       s,
			Digits:       5,
			Point:        0.00001,
			MinLot:       0.01,
			MaxLot:       100,
			LotStep:      0.01,
			ContractSize: 100000,
			TradeAllowed: true,
		}
	}
	return v
}

// SeedSymbol replaces the trading parameters for a symbol.
func (v *Venue) SeedSymbol(info domain.SymbolInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.symbols[info.Symbol] = info
}

// SetQuote publishes a quote and executes any stops it crosses.
func (v *Venue) SetQuote(q domain.Quote) []domain.Position {
	v.mu.Lock()
	defer v.mu.Unlock()
	if q.Time.IsZero() {
		q.Time = v.clock()
	}
	v.quotes[q.Symbol] = q
	return v.executeStops(q)
}

// RejectNextOpens makes the next n OpenOrder calls fail.
func (v *Venue) RejectNextOpens(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectOpens = n
}

// FailNextModifies makes the next n ModifyStopLoss calls fail.
func (v *Venue) FailNextModifies(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failModifies = n
}

// PartialFills makes subsequent opens fill only the given fraction.
func (v *Venue) PartialFills(factor float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.partialFactor = factor
}

// Positions implements domain.Broker.
func (v *Venue) Positions(ctx context.Context) ([]domain.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.Position, 0, len(v.positions))
	for _, p := range v.positions {
		out = append(out, v.withProfit(p))
	}
	return out, nil
}

// Position implements domain.Broker.
func (v *Venue) Position(ctx context.Context, ticket int64) (domain.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.positions[ticket]
	if !ok {
		return domain.Position{}, domain.ErrPositionNotFound
	}
	return v.withProfit(p), nil
}

// Quote implements domain.Broker.
func (v *Venue) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	q, ok := v.quotes[symbol]
	if !ok {
		return domain.Quote{}, fmt.Errorf("sim: no quote for %s", symbol)
	}
	if v.clock().Sub(q.Time) > maxQuoteAge {
		return domain.Quote{}, fmt.Errorf("sim: quote for %s: %w", symbol, domain.ErrStaleQuote)
	}
	return q, nil
}

// SymbolInfo implements domain.Broker.
func (v *Venue) SymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	info, ok := v.symbols[symbol]
	if !ok {
		return domain.SymbolInfo{}, fmt.Errorf("sim: unknown symbol %s", symbol)
	}
	return info, nil
}

// OpenOrder implements domain.Broker. Fills at the current quote's far side.
func (v *Venue) OpenOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.rejectOpens > 0 {
		v.rejectOpens--
		return domain.OrderResult{}, fmt.Errorf("sim: %w", domain.ErrOrderRejected)
	}
	info, ok := v.symbols[req.Symbol]
	if !ok || !info.TradeAllowed {
		return domain.OrderResult{}, fmt.Errorf("sim: open %s: %w", req.Symbol, domain.ErrOrderRejected)
	}
	q, ok := v.quotes[req.Symbol]
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("sim: open %s: %w", req.Symbol, domain.ErrMarketClosed)
	}
	if req.StopLoss != 0 && !v.stopAllowed(info, q, req.Side, req.StopLoss) {
		return domain.OrderResult{}, fmt.Errorf("sim: open %s: %w", req.Symbol, domain.ErrBrokerConstraint)
	}

	fill := req.Lots
	partial := false
	if v.partialFactor > 0 && v.partialFactor < 1 {
		fill = math.Max(info.MinLot, req.Lots*v.partialFactor)
		partial = fill < req.Lots
	}

	price := q.Ask
	if req.Side == domain.SideSell {
		price = q.Bid
	}

	ticket := v.nextTick
	v.nextTick++
	v.positions[ticket] = domain.Position{
		Ticket:    ticket,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Lots:      fill,
		OpenPrice: price,
		StopLoss:  req.StopLoss,
		OpenTime:  v.clock().UTC(),
		Comment:   req.Comment,
	}
	return domain.OrderResult{Ticket: ticket, FilledLots: fill, OpenPrice: price, Partial: partial}, nil
}

// ModifyStopLoss implements domain.Broker, enforcing the stops level the
// way a real venue would.
func (v *Venue) ModifyStopLoss(ctx context.Context, ticket int64, price float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failModifies > 0 {
		v.failModifies--
		return fmt.Errorf("sim: modify %d: transient venue failure", ticket)
	}
	p, ok := v.positions[ticket]
	if !ok {
		return domain.ErrPositionNotFound
	}
	info := v.symbols[p.Symbol]
	q, ok := v.quotes[p.Symbol]
	if !ok {
		return fmt.Errorf("sim: modify %d: %w", ticket, domain.ErrMarketClosed)
	}
	if !v.stopAllowed(info, q, p.Side, price) {
		return fmt.Errorf("sim: modify %d: %w", ticket, domain.ErrBrokerConstraint)
	}
	p.StopLoss = price
	v.positions[ticket] = p
	return nil
}

// ClosePosition implements domain.Broker.
func (v *Venue) ClosePosition(ctx context.Context, ticket int64, reason string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.positions[ticket]
	if !ok {
		return domain.ErrPositionNotFound
	}
	delete(v.positions, ticket)
	v.logger.Info("position closed",
		slog.Int64("ticket", ticket),
		slog.String("symbol", p.Symbol),
		slog.String("reason", reason))
	return nil
}

var _ domain.Broker = (*Venue)(nil)

// stopAllowed checks the stops-level distance on the closing side.
func (v *Venue) stopAllowed(info domain.SymbolInfo, q domain.Quote, side domain.Side, price float64) bool {
	minDist := info.StopsLevelPoints * info.Point
	if minDist <= 0 {
		return true
	}
	if side == domain.SideBuy {
		return price <= q.Bid-minDist
	}
	return price >= q.Ask+minDist
}

// executeStops closes every position whose stop the quote crossed and
// returns the filled closures. Caller holds the mutex.
func (v *Venue) executeStops(q domain.Quote) []domain.Position {
	var hit []domain.Position
	for ticket, p := range v.positions {
		if p.Symbol != q.Symbol || p.StopLoss == 0 {
			continue
		}
		crossed := (p.Side == domain.SideBuy && q.Bid <= p.StopLoss) ||
			(p.Side == domain.SideSell && q.Ask >= p.StopLoss)
		if !crossed {
			continue
		}
		delete(v.positions, ticket)
		hit = append(hit, v.withProfit(p))
		v.logger.Info("stop loss executed",
			slog.Int64("ticket", ticket),
			slog.String("symbol", p.Symbol),
			slog.Float64("sl", p.StopLoss))
	}
	return hit
}

// withProfit fills ProfitUSD from the current quote. Caller holds the mutex.
func (v *Venue) withProfit(p domain.Position) domain.Position {
	q, ok := v.quotes[p.Symbol]
	if !ok {
		return p
	}
	info := v.symbols[p.Symbol]
	per := info.ContractSize * p.Lots
	if p.Side == domain.SideBuy {
		p.ProfitUSD = (q.Bid - p.OpenPrice) * per
	} else {
		p.ProfitUSD = (p.OpenPrice - q.Ask) * per
	}
	return p
}
