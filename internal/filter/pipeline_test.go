package filter

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrell/tradeguard/internal/config"
	"github.com/avrell/tradeguard/internal/domain"
)

// quoteBroker serves canned quotes and symbol info; everything else is
// unused by the gates.
type quoteBroker struct {
	info  domain.SymbolInfo
	quote domain.Quote
}

func (b *quoteBroker) Positions(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (b *quoteBroker) Position(ctx context.Context, ticket int64) (domain.Position, error) {
	return domain.Position{}, domain.ErrPositionNotFound
}
func (b *quoteBroker) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	return b.quote, nil
}
func (b *quoteBroker) SymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	return b.info, nil
}
func (b *quoteBroker) OpenOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, nil
}
func (b *quoteBroker) ModifyStopLoss(ctx context.Context, ticket int64, price float64) error {
	return nil
}
func (b *quoteBroker) ClosePosition(ctx context.Context, ticket int64, reason string) error {
	return nil
}

var _ domain.Broker = (*quoteBroker)(nil)

func tightBroker() *quoteBroker {
	return &quoteBroker{
		info:  domain.SymbolInfo{Symbol: "EURUSD", Point: 0.00001, TradeAllowed: true},
		quote: domain.Quote{Symbol: "EURUSD", Bid: 1.10000, Ask: 1.10010}, // 10 points
	}
}

func candidate() domain.Candidate {
	return domain.Candidate{
		Symbol:       "EURUSD",
		Side:         domain.SideBuy,
		QualityScore: 75,
		BarVolume:    120,
		ScannedAt:    time.Now(),
	}
}

// tuesdayNoon is safely inside the trading week.
func tuesdayNoon() time.Time {
	return time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
}

func testPipeline(broker domain.Broker, open func() int) *Pipeline {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := tuesdayNoon
	return New(logger,
		&TradabilityGate{Broker: broker, MaxSpreadPoints: 20},
		&MarketCloseGate{Buffer: 30 * time.Minute, Clock: clock},
		&VolumeGate{Min: 50},
		&NewsGate{Windows: []string{"13:25-13:45"}, Clock: clock},
		&QualityGate{Min: 60},
		&PortfolioGate{OpenCount: open, Max: 3},
	)
}

func TestPipelinePassesCleanCandidate(t *testing.T) {
	p := testPipeline(tightBroker(), func() int { return 0 })
	reason, err := p.Evaluate(context.Background(), candidate())
	require.NoError(t, err)
	assert.Empty(t, reason)
}

func TestPipelineRejectsWideSpread(t *testing.T) {
	broker := tightBroker()
	broker.quote.Ask = 1.10050 // 50 points

	p := testPipeline(broker, func() int { return 0 })
	reason, err := p.Evaluate(context.Background(), candidate())
	require.NoError(t, err)
	assert.Equal(t, domain.RejectSpread, reason)
}

func TestPipelineRejectsUntradableSymbol(t *testing.T) {
	broker := tightBroker()
	broker.info.TradeAllowed = false

	p := testPipeline(broker, func() int { return 0 })
	reason, err := p.Evaluate(context.Background(), candidate())
	require.NoError(t, err)
	assert.Equal(t, domain.RejectSpread, reason)
}

func TestPipelineRejectsLowQuality(t *testing.T) {
	p := testPipeline(tightBroker(), func() int { return 0 })
	c := candidate()
	c.QualityScore = 45

	reason, err := p.Evaluate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, domain.RejectQualityScore, reason)
}

func TestPipelineRejectsLowVolume(t *testing.T) {
	p := testPipeline(tightBroker(), func() int { return 0 })
	c := candidate()
	c.BarVolume = 10

	reason, err := p.Evaluate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, domain.RejectVolumeLow, reason)
}

func TestPipelineRejectsPortfolioCap(t *testing.T) {
	p := testPipeline(tightBroker(), func() int { return 3 })
	reason, err := p.Evaluate(context.Background(), candidate())
	require.NoError(t, err)
	assert.Equal(t, domain.RejectMaxTrades, reason)
}

func TestPortfolioGateUncapped(t *testing.T) {
	g := &PortfolioGate{OpenCount: func() int { return 100 }, Max: -1}
	ok, err := g.Allow(context.Background(), candidate())
	require.NoError(t, err)
	assert.True(t, ok, "a negative cap means unlimited concurrent trades")
}

func TestQualityGateDefaultScale(t *testing.T) {
	g := &QualityGate{Min: config.Defaults().Filters.MinQualityScore}

	ok, err := g.Allow(context.Background(), domain.Candidate{QualityScore: 45})
	require.NoError(t, err)
	assert.False(t, ok, "the shipped threshold sits on the connector's 0-100 scale")

	ok, err = g.Allow(context.Background(), domain.Candidate{QualityScore: 75})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPipelineShortCircuitOrder(t *testing.T) {
	// Wide spread and low quality together: the spread gate fires first.
	broker := tightBroker()
	broker.quote.Ask = 1.10050

	p := testPipeline(broker, func() int { return 0 })
	c := candidate()
	c.QualityScore = 10

	reason, err := p.Evaluate(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, domain.RejectSpread, reason)
}

func TestMarketCloseGate(t *testing.T) {
	fridayLate := func() time.Time {
		return time.Date(2025, 6, 6, 20, 45, 0, 0, time.UTC)
	}
	saturday := func() time.Time {
		return time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC)
	}

	g := &MarketCloseGate{Buffer: 30 * time.Minute, Clock: fridayLate}
	ok, err := g.Allow(context.Background(), candidate())
	require.NoError(t, err)
	assert.False(t, ok, "inside the close buffer on Friday")

	g.Clock = saturday
	ok, err = g.Allow(context.Background(), candidate())
	require.NoError(t, err)
	assert.False(t, ok, "weekend")

	g.Clock = tuesdayNoon
	ok, err = g.Allow(context.Background(), candidate())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewsGateBlocksWindow(t *testing.T) {
	inside := func() time.Time {
		return time.Date(2025, 6, 3, 13, 30, 0, 0, time.UTC)
	}
	g := &NewsGate{Windows: []string{"13:25-13:45"}, Clock: inside}

	ok, err := g.Allow(context.Background(), candidate())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewsGateWrapsMidnight(t *testing.T) {
	late := func() time.Time {
		return time.Date(2025, 6, 3, 23, 50, 0, 0, time.UTC)
	}
	g := &NewsGate{Windows: []string{"23:30-00:15"}, Clock: late}

	ok, err := g.Allow(context.Background(), candidate())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowDenyLists(t *testing.T) {
	broker := tightBroker()
	g := &TradabilityGate{Broker: broker, MaxSpreadPoints: 20, AllowList: []string{"GBPUSD"}}

	ok, err := g.Allow(context.Background(), candidate())
	require.NoError(t, err)
	assert.False(t, ok, "symbol outside the allow list")

	g = &TradabilityGate{Broker: broker, MaxSpreadPoints: 20, DenyList: []string{"eurusd"}}
	ok, err = g.Allow(context.Background(), candidate())
	require.NoError(t, err)
	assert.False(t, ok, "deny list is case-insensitive")
}
