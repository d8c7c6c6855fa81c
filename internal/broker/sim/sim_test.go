package sim

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrell/tradeguard/internal/domain"
)

func newVenue() *Venue {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := New([]string{"EURUSD"}, logger)
	v.SetQuote(domain.Quote{Symbol: "EURUSD", Bid: 1.10000, Ask: 1.10010, Time: time.Now()})
	return v
}

func openBuy(t *testing.T, v *Venue, sl float64) int64 {
	t.Helper()
	res, err := v.OpenOrder(context.Background(), domain.OrderRequest{
		ClientID: "c1",
		Symbol:   "EURUSD",
		Side:     domain.SideBuy,
		Lots:     0.01,
		StopLoss: sl,
	})
	require.NoError(t, err)
	return res.Ticket
}

func TestVenueOpenAndProfit(t *testing.T) {
	v := newVenue()
	ticket := openBuy(t, v, 1.09800)

	v.SetQuote(domain.Quote{Symbol: "EURUSD", Bid: 1.10015, Ask: 1.10025})

	pos, err := v.Position(context.Background(), ticket)
	require.NoError(t, err)
	assert.InDelta(t, 1.10010, pos.OpenPrice, 1e-9, "buys fill at the ask")
	// (1.10015 - 1.10010) * 1000
	assert.InDelta(t, 0.005, pos.ProfitUSD, 1e-9)
}

func TestVenueStopExecution(t *testing.T) {
	v := newVenue()
	ticket := openBuy(t, v, 1.09800)

	hit := v.SetQuote(domain.Quote{Symbol: "EURUSD", Bid: 1.09790, Ask: 1.09800})
	require.Len(t, hit, 1)
	assert.Equal(t, ticket, hit[0].Ticket)

	_, err := v.Position(context.Background(), ticket)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestVenueQuoteStaleness(t *testing.T) {
	v := newVenue()
	base := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	v.clock = func() time.Time { return base }
	v.SetQuote(domain.Quote{Symbol: "EURUSD", Bid: 1.10000, Ask: 1.10010})

	_, err := v.Quote(context.Background(), "EURUSD")
	require.NoError(t, err)

	v.clock = func() time.Time { return base.Add(4 * time.Second) }
	_, err = v.Quote(context.Background(), "EURUSD")
	require.NoError(t, err, "a tick inside the age bound is still served")

	v.clock = func() time.Time { return base.Add(6 * time.Second) }
	_, err = v.Quote(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, domain.ErrStaleQuote)
}

func TestVenueStopNotHitAboveLevel(t *testing.T) {
	v := newVenue()
	openBuy(t, v, 1.09800)

	hit := v.SetQuote(domain.Quote{Symbol: "EURUSD", Bid: 1.09810, Ask: 1.09820})
	assert.Empty(t, hit)
}

func TestVenueStopsLevelEnforced(t *testing.T) {
	v := newVenue()
	v.SeedSymbol(domain.SymbolInfo{
		Symbol:           "EURUSD",
		Digits:           5,
		Point:            0.00001,
		StopsLevelPoints: 100,
		MinLot:           0.01,
		MaxLot:           100,
		LotStep:          0.01,
		ContractSize:     100000,
		TradeAllowed:     true,
	})
	ticket := openBuy(t, v, 1.09800)

	// 1.09950 sits 50 points under the bid, inside the 100-point level.
	err := v.ModifyStopLoss(context.Background(), ticket, 1.09950)
	assert.ErrorIs(t, err, domain.ErrBrokerConstraint)

	err = v.ModifyStopLoss(context.Background(), ticket, 1.09890)
	assert.NoError(t, err)
}

func TestVenueRejectInjection(t *testing.T) {
	v := newVenue()
	v.RejectNextOpens(1)

	_, err := v.OpenOrder(context.Background(), domain.OrderRequest{
		Symbol: "EURUSD", Side: domain.SideBuy, Lots: 0.01,
	})
	assert.ErrorIs(t, err, domain.ErrOrderRejected)

	openBuy(t, v, 0) // next one succeeds
}

func TestVenueTransientModifyFailure(t *testing.T) {
	v := newVenue()
	ticket := openBuy(t, v, 1.09800)
	v.FailNextModifies(2)

	require.Error(t, v.ModifyStopLoss(context.Background(), ticket, 1.09850))
	require.Error(t, v.ModifyStopLoss(context.Background(), ticket, 1.09850))
	assert.NoError(t, v.ModifyStopLoss(context.Background(), ticket, 1.09850))
}

func TestVenuePartialFill(t *testing.T) {
	v := newVenue()
	v.PartialFills(0.5)

	res, err := v.OpenOrder(context.Background(), domain.OrderRequest{
		Symbol: "EURUSD", Side: domain.SideBuy, Lots: 0.02,
	})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.InDelta(t, 0.01, res.FilledLots, 1e-9)
}

func TestVenueSellStopExecution(t *testing.T) {
	v := newVenue()
	res, err := v.OpenOrder(context.Background(), domain.OrderRequest{
		Symbol: "EURUSD", Side: domain.SideSell, Lots: 0.01, StopLoss: 1.10200,
	})
	require.NoError(t, err)

	hit := v.SetQuote(domain.Quote{Symbol: "EURUSD", Bid: 1.10195, Ask: 1.10205})
	require.Len(t, hit, 1)
	assert.Equal(t, res.Ticket, hit[0].Ticket)
}
