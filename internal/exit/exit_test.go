package exit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrell/tradeguard/internal/domain"
	"github.com/avrell/tradeguard/internal/registry"
)

// closeBroker serves a queue of quotes (last one repeats) and records closes.
type closeBroker struct {
	info     domain.SymbolInfo
	quotes   []domain.Quote
	closeErr error
	closes   []int64
}

func (b *closeBroker) Positions(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (b *closeBroker) Position(ctx context.Context, ticket int64) (domain.Position, error) {
	return domain.Position{}, domain.ErrPositionNotFound
}
func (b *closeBroker) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	q := b.quotes[0]
	if len(b.quotes) > 1 {
		b.quotes = b.quotes[1:]
	}
	return q, nil
}
func (b *closeBroker) SymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	return b.info, nil
}
func (b *closeBroker) OpenOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, errors.New("unused")
}
func (b *closeBroker) ModifyStopLoss(ctx context.Context, ticket int64, price float64) error {
	return nil
}
func (b *closeBroker) ClosePosition(ctx context.Context, ticket int64, reason string) error {
	if b.closeErr != nil {
		return b.closeErr
	}
	b.closes = append(b.closes, ticket)
	return nil
}

var _ domain.Broker = (*closeBroker)(nil)

// fakeLife tracks protection flags and closure handoffs.
type fakeLife struct {
	protected map[int64]bool
	closures  []domain.CloseReason
}

func (l *fakeLife) Protected(ticket int64) (bool, float64) { return l.protected[ticket], 0 }
func (l *fakeLife) HandleClosure(ctx context.Context, pos domain.Position, reason domain.CloseReason) {
	l.closures = append(l.closures, reason)
}

var _ Lifecycle = (*fakeLife)(nil)

const openPrice = 1.10000

// quoteFor puts the bid where a 0.01-lot, 100k-contract buy shows the given
// floating profit.
func quoteFor(profit float64) domain.Quote {
	bid := openPrice + profit/1000
	return domain.Quote{Symbol: "EURUSD", Bid: bid, Ask: bid + 0.00002, Time: time.Now()}
}

func buyPosition(ticket int64, openedAt time.Time) domain.Position {
	return domain.Position{
		Ticket:    ticket,
		Symbol:    "EURUSD",
		Side:      domain.SideBuy,
		Lots:      0.01,
		OpenPrice: openPrice,
		StopLoss:  1.09800,
		OpenTime:  openedAt,
	}
}

func microFixture(profit float64, protected bool) (*MicroProfitCloser, *closeBroker, *registry.Registry, *fakeLife) {
	broker := &closeBroker{
		info:   domain.SymbolInfo{Symbol: "EURUSD", Digits: 5, Point: 0.00001, ContractSize: 100000},
		quotes: []domain.Quote{quoteFor(profit)},
	}
	reg := registry.New(time.Minute)
	reg.Upsert(buyPosition(1, time.Now().Add(-time.Hour)))
	life := &fakeLife{protected: map[int64]bool{1: protected}}
	cfg := MicroProfitConfig{
		SweetSpotMinUSD:       0.03,
		SweetSpotMaxUSD:       0.10,
		TrailIncrementUSD:     0.10,
		BufferUSD:             0.02,
		ExtendedBandEnabled:   false,
		ExtendedBandMarginUSD: 0.02,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMicroProfitCloser(broker, reg, life, cfg, logger), broker, reg, life
}

func TestMicroProfitClosesProtectedPositionInBand(t *testing.T) {
	closer, broker, reg, life := microFixture(0.06, true)

	require.Equal(t, 1, closer.Sweep(context.Background()))
	assert.Equal(t, []int64{1}, broker.closes)
	assert.Equal(t, []domain.CloseReason{domain.CloseMicroProfit}, life.closures)
	assert.Zero(t, reg.Count())
}

func TestMicroProfitRequiresProtection(t *testing.T) {
	closer, broker, _, _ := microFixture(0.06, false)

	assert.Zero(t, closer.Sweep(context.Background()))
	assert.Empty(t, broker.closes)
}

func TestMicroProfitSkipsBelowBufferedMinimum(t *testing.T) {
	// 0.04 clears the sweet-spot minimum but not the slippage buffer.
	closer, broker, _, _ := microFixture(0.04, true)

	assert.Zero(t, closer.Sweep(context.Background()))
	assert.Empty(t, broker.closes)
}

func TestMicroProfitNeverClosesLoser(t *testing.T) {
	closer, broker, reg, _ := microFixture(-0.10, true)

	assert.Zero(t, closer.Sweep(context.Background()))
	assert.Empty(t, broker.closes)
	assert.Equal(t, 1, reg.Count())
}

func TestMicroProfitPrimaryBandOnly(t *testing.T) {
	closer, broker, _, _ := microFixture(0.20, true)

	assert.Zero(t, closer.Sweep(context.Background()), "above the band with the extended band off")
	assert.Empty(t, broker.closes)
}

func TestMicroProfitExtendedBand(t *testing.T) {
	closer, broker, _, _ := microFixture(0.21, true)
	closer.cfg.ExtendedBandEnabled = true

	require.Equal(t, 1, closer.Sweep(context.Background()), "0.21 sits within margin of the 0.20 multiple")
	assert.Equal(t, []int64{1}, broker.closes)

	closer2, broker2, _, _ := microFixture(0.26, true)
	closer2.cfg.ExtendedBandEnabled = true
	assert.Zero(t, closer2.Sweep(context.Background()), "0.26 is between multiples")
	assert.Empty(t, broker2.closes)
}

func TestMicroProfitReReadBeforeClose(t *testing.T) {
	// The first read qualifies; the price collapses before the confirming
	// read, so the close must not go out.
	closer, broker, reg, _ := microFixture(0.06, true)
	broker.quotes = []domain.Quote{quoteFor(0.06), quoteFor(0.01)}

	assert.Zero(t, closer.Sweep(context.Background()))
	assert.Empty(t, broker.closes)
	assert.Equal(t, 1, reg.Count())
}

func TestMicroProfitCloseRejectionKeepsPosition(t *testing.T) {
	closer, broker, reg, life := microFixture(0.06, true)
	broker.closeErr = domain.ErrMarketClosed

	assert.Zero(t, closer.Sweep(context.Background()))
	assert.Equal(t, 1, reg.Count(), "rejected close leaves the book untouched")
	assert.Empty(t, life.closures)
}

func complianceFixture(openedAt time.Time, now func() time.Time) (*ComplianceCloser, *closeBroker, *registry.Registry, *fakeLife) {
	broker := &closeBroker{
		info:   domain.SymbolInfo{Symbol: "EURUSD", Digits: 5, Point: 0.00001, ContractSize: 100000},
		quotes: []domain.Quote{quoteFor(0)},
	}
	reg := registry.New(time.Minute)
	reg.Upsert(buyPosition(1, openedAt))
	life := &fakeLife{protected: map[int64]bool{}}
	cfg := ComplianceConfig{CutoffHourUTC: 21, MaxHolding: 20 * time.Hour}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	closer := NewComplianceCloser(broker, reg, life, cfg, logger)
	closer.clock = now
	return closer, broker, reg, life
}

func TestComplianceNoopDuringSession(t *testing.T) {
	noon := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	closer, broker, reg, _ := complianceFixture(noon.Add(-2*time.Hour), func() time.Time { return noon })

	assert.Zero(t, closer.Sweep(context.Background()))
	assert.Empty(t, broker.closes)
	assert.Equal(t, 1, reg.Count())
}

func TestComplianceClosesAfterCutoff(t *testing.T) {
	late := time.Date(2025, 6, 3, 21, 30, 0, 0, time.UTC)
	closer, broker, reg, life := complianceFixture(late.Add(-2*time.Hour), func() time.Time { return late })

	require.Equal(t, 1, closer.Sweep(context.Background()))
	assert.Equal(t, []int64{1}, broker.closes)
	assert.Equal(t, []domain.CloseReason{domain.CloseCompliance}, life.closures)
	assert.Zero(t, reg.Count())
}

func TestComplianceClosesOverlongHold(t *testing.T) {
	noon := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	closer, broker, _, life := complianceFixture(noon.Add(-21*time.Hour), func() time.Time { return noon })

	require.Equal(t, 1, closer.Sweep(context.Background()))
	assert.Equal(t, []int64{1}, broker.closes)
	assert.Equal(t, []domain.CloseReason{domain.CloseCompliance}, life.closures)
}

func TestComplianceRejectionKeepsPosition(t *testing.T) {
	late := time.Date(2025, 6, 3, 21, 30, 0, 0, time.UTC)
	closer, broker, reg, life := complianceFixture(late.Add(-2*time.Hour), func() time.Time { return late })
	broker.closeErr = domain.ErrMarketClosed

	assert.Zero(t, closer.Sweep(context.Background()))
	assert.Equal(t, 1, reg.Count())
	assert.Empty(t, life.closures)
}
