package scan

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
	"github.com/avrell/tradeguard/internal/entry"
	"github.com/avrell/tradeguard/internal/filter"
	"github.com/avrell/tradeguard/internal/ratelimit"
	"github.com/avrell/tradeguard/internal/registry"
)

// scanBroker serves quotes, symbol info, and fills for the whole loop.
type scanBroker struct {
	info  domain.SymbolInfo
	quote domain.Quote
	opens int
}

func (b *scanBroker) Positions(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (b *scanBroker) Position(ctx context.Context, ticket int64) (domain.Position, error) {
	return domain.Position{}, domain.ErrPositionNotFound
}
func (b *scanBroker) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	return b.quote, nil
}
func (b *scanBroker) SymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	return b.info, nil
}
func (b *scanBroker) OpenOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	b.opens++
	return domain.OrderResult{Ticket: int64(b.opens), FilledLots: req.Lots, OpenPrice: b.quote.Ask}, nil
}
func (b *scanBroker) ModifyStopLoss(ctx context.Context, ticket int64, price float64) error {
	return nil
}
func (b *scanBroker) ClosePosition(ctx context.Context, ticket int64, reason string) error {
	return nil
}

var _ domain.Broker = (*scanBroker)(nil)

type staticSource struct {
	cands []domain.Candidate
	err   error
}

func (s *staticSource) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	return s.cands, s.err
}

func newScanFixture(source Source) (*Loop, *scanBroker, *registry.Registry) {
	broker := &scanBroker{
		info: domain.SymbolInfo{
			Symbol:       "EURUSD",
			Digits:       5,
			Point:        0.00001,
			MinLot:       0.01,
			MaxLot:       1.0,
			LotStep:      0.01,
			ContractSize: 100000,
			TradeAllowed: true,
		},
		quote: domain.Quote{Symbol: "EURUSD", Bid: 1.10000, Ask: 1.10010, Time: time.Now()},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(time.Minute)

	tuesday := func() time.Time { return time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC) }
	pipeline := filter.New(logger,
		&filter.TradabilityGate{Broker: broker, MaxSpreadPoints: 20},
		&filter.MarketCloseGate{Buffer: 30 * time.Minute, Clock: tuesday},
		&filter.VolumeGate{Min: 50},
		&filter.QualityGate{Min: 60},
		&filter.PortfolioGate{OpenCount: reg.Count, Max: 3},
	)
	placer := entry.NewPlacer(broker, reg, ratelimit.NewBucket(1000), entry.Config{
		DefaultLot:         0.01,
		MaxLot:             0.05,
		MaxRiskPerTradeUSD: 2.0,
		MaxSlackUSD:        1.0,
	}, logger)
	return NewLoop(source, pipeline, placer, time.Second, logger), broker, reg
}

func goodCandidate() domain.Candidate {
	return domain.Candidate{Symbol: "EURUSD", Side: domain.SideBuy, QualityScore: 80, BarVolume: 100}
}

func TestIterateOpensPassingCandidate(t *testing.T) {
	source := &staticSource{cands: []domain.Candidate{goodCandidate()}}
	loop, broker, reg := newScanFixture(source)

	require.Equal(t, 1, loop.Iterate(context.Background()))
	assert.Equal(t, 1, broker.opens)
	assert.Equal(t, 1, reg.Count())
}

func TestIterateDropsRejectedCandidate(t *testing.T) {
	bad := goodCandidate()
	bad.QualityScore = 10
	source := &staticSource{cands: []domain.Candidate{bad}}
	loop, broker, _ := newScanFixture(source)

	assert.Zero(t, loop.Iterate(context.Background()))
	assert.Zero(t, broker.opens)
}

func TestIterateHaltsOnKillSwitch(t *testing.T) {
	source := &staticSource{cands: []domain.Candidate{goodCandidate()}}
	loop, broker, _ := newScanFixture(source)
	loop.Halted = func() bool { return true }

	assert.Zero(t, loop.Iterate(context.Background()))
	assert.Zero(t, broker.opens)
}

func TestIterateSurvivesSourceFailure(t *testing.T) {
	source := &staticSource{err: errors.New("feed down")}
	loop, broker, _ := newScanFixture(source)

	assert.Zero(t, loop.Iterate(context.Background()))
	assert.Zero(t, broker.opens)
}

func TestIterateRespectsPortfolioCap(t *testing.T) {
	source := &staticSource{cands: []domain.Candidate{
		goodCandidate(), goodCandidate(), goodCandidate(), goodCandidate(),
	}}
	loop, broker, reg := newScanFixture(source)

	opened := loop.Iterate(context.Background())
	assert.Equal(t, 3, opened, "the portfolio gate stops the fourth entry")
	assert.Equal(t, 3, broker.opens)
	assert.Equal(t, 3, reg.Count())
}

func TestSymbolSourceSynthesizesCandidates(t *testing.T) {
	s := &SymbolSource{
		Symbols:      []string{"EURUSD", "GBPUSD"},
		Side:         domain.SideBuy,
		QualityScore: 100,
		BarVolume:    1000,
	}
	cands, err := s.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "GBPUSD", cands[1].Symbol)
	assert.Equal(t, 100.0, cands[1].QualityScore)
}
