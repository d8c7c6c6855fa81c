package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrell/tradeguard/internal/domain"
)

// stubBroker implements just enough of domain.Broker for monitor tests.
type stubBroker struct {
	mu        sync.Mutex
	positions []domain.Position
	infoCalls int
	info      domain.SymbolInfo
	infoErr   error
}

func (s *stubBroker) Positions(ctx context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Position(nil), s.positions...), nil
}

func (s *stubBroker) Position(ctx context.Context, ticket int64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.Ticket == ticket {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrPositionNotFound
}

func (s *stubBroker) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	return domain.Quote{}, nil
}

func (s *stubBroker) SymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infoCalls++
	if s.infoErr != nil {
		return domain.SymbolInfo{}, s.infoErr
	}
	return s.info, nil
}

func (s *stubBroker) OpenOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	return domain.OrderResult{}, nil
}

func (s *stubBroker) ModifyStopLoss(ctx context.Context, ticket int64, price float64) error {
	return nil
}

func (s *stubBroker) ClosePosition(ctx context.Context, ticket int64, reason string) error {
	return nil
}

func (s *stubBroker) setPositions(ps ...domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = ps
}

var _ domain.Broker = (*stubBroker)(nil)

// stubReclaimer records the two-pass protocol calls.
type stubReclaimer struct {
	marked []int64
	swept  int
}

func (s *stubReclaimer) MarkAbsent(ticket int64) { s.marked = append(s.marked, ticket) }

func (s *stubReclaimer) SweepAbsent() []int64 {
	s.swept++
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pos(ticket int64, symbol string) domain.Position {
	return domain.Position{
		Ticket:    ticket,
		Symbol:    symbol,
		Side:      domain.SideBuy,
		Lots:      0.01,
		OpenPrice: 1.1000,
		OpenTime:  time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestRegistryVersionBumpsOnMutation(t *testing.T) {
	reg := New(time.Minute)

	v0 := reg.Version()
	reg.Upsert(pos(1, "EURUSD"))
	require.Greater(t, reg.Version(), v0)

	v1 := reg.Version()
	_, ok := reg.Remove(1)
	require.True(t, ok)
	assert.Greater(t, reg.Version(), v1)
	assert.Zero(t, reg.Count())
}

func TestSymbolInfoCaching(t *testing.T) {
	reg := New(time.Hour)
	broker := &stubBroker{info: domain.SymbolInfo{Symbol: "EURUSD", Point: 0.0001}}

	info, err := reg.SymbolInfo(context.Background(), broker, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 0.0001, info.Point)

	_, err = reg.SymbolInfo(context.Background(), broker, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1, broker.infoCalls, "second lookup should hit the cache")
}

func TestMonitorBackfillsExternalPositions(t *testing.T) {
	reg := New(time.Minute)
	broker := &stubBroker{}
	broker.setPositions(pos(100, "EURUSD"), pos(101, "GBPUSD"))
	locks := &stubReclaimer{}

	var backfilled []int64
	mon := NewMonitor(reg, broker, locks, 5*time.Second, discardLogger())
	mon.OnBackfill(func(p domain.Position) { backfilled = append(backfilled, p.Ticket) })

	require.NoError(t, mon.Reconcile(context.Background()))

	assert.ElementsMatch(t, []int64{100, 101}, backfilled)
	assert.Equal(t, 2, reg.Count())

	// A second pass backfills nothing new.
	backfilled = nil
	require.NoError(t, mon.Reconcile(context.Background()))
	assert.Empty(t, backfilled)
}

func TestMonitorDetectsClosure(t *testing.T) {
	reg := New(time.Minute)
	broker := &stubBroker{}
	p := pos(7, "EURUSD")
	p.StopLoss = 1.0990
	broker.setPositions(p)
	locks := &stubReclaimer{}

	mon := NewMonitor(reg, broker, locks, 5*time.Second, discardLogger())
	var closed []domain.CloseReason
	mon.OnClosed(func(_ domain.Position, reason domain.CloseReason) { closed = append(closed, reason) })

	require.NoError(t, mon.Reconcile(context.Background()))
	require.Equal(t, 1, reg.Count())

	broker.setPositions()
	require.NoError(t, mon.Reconcile(context.Background()))

	assert.Zero(t, reg.Count())
	assert.Equal(t, []domain.CloseReason{domain.CloseStopLossHit}, closed)
	assert.Equal(t, []int64{7}, locks.marked)
	assert.Equal(t, 2, locks.swept)
}
