package domain

import (
	"context"
	"time"
)

// Side is the direction of a position or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Quote is a point-in-time bid/ask snapshot for a symbol.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// SpreadPoints returns the bid/ask spread expressed in price points.
func (q Quote) SpreadPoints(point float64) float64 {
	if point <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / point
}

// SymbolInfo carries the broker-side trading constraints for a symbol.
// ContractSize is the per-lot contract value used by the connector to
// convert between price distance and account-currency profit; the engine
// treats that conversion as the connector's duty and works in USD.
type SymbolInfo struct {
	Symbol           string  `json:"symbol"`
	Digits           int     `json:"digits"`
	Point            float64 `json:"point"`
	StopsLevelPoints float64 `json:"stops_level_points"`
	MinLot           float64 `json:"min_lot"`
	MaxLot           float64 `json:"max_lot"`
	LotStep          float64 `json:"lot_step"`
	ContractSize     float64 `json:"contract_size"`
	TradeAllowed     bool    `json:"trade_allowed"`
}

// Position is a broker-side open position as reported by the connector.
// ProfitUSD is the floating profit at the time of the snapshot.
type Position struct {
	Ticket    int64     `json:"ticket"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Lots      float64   `json:"lots"`
	OpenPrice float64   `json:"open_price"`
	StopLoss  float64   `json:"stop_loss"`
	ProfitUSD float64   `json:"profit_usd"`
	OpenTime  time.Time `json:"open_time"`
	Comment   string    `json:"comment,omitempty"`
}

// HasStopLoss reports whether the position carries a broker-side SL.
func (p Position) HasStopLoss() bool {
	return p.StopLoss > 0
}

// OrderRequest asks the broker to open a market position.
type OrderRequest struct {
	ClientID string  `json:"client_id"`
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Lots     float64 `json:"lots"`
	StopLoss float64 `json:"stop_loss"`
	Comment  string  `json:"comment,omitempty"`
}

// OrderResult is the broker's answer to an OrderRequest. Partial fills
// report FilledLots < requested lots; the filled portion is a live
// position under Ticket.
type OrderResult struct {
	Ticket     int64   `json:"ticket"`
	FilledLots float64 `json:"filled_lots"`
	OpenPrice  float64 `json:"open_price"`
	Partial    bool    `json:"partial"`
}

// Broker is the single surface through which the engine talks to the
// trading venue. LIVE mode implements it over the connector bridge,
// SIMULATION mode over the in-process sim. All calls are synchronous and
// honour ctx cancellation.
type Broker interface {
	// Positions returns every open position on the account.
	Positions(ctx context.Context) ([]Position, error)

	// Position returns a single position by ticket.
	// Returns ErrPositionNotFound if the ticket is not open.
	Position(ctx context.Context, ticket int64) (Position, error)

	// Quote returns a fresh bid/ask snapshot for the symbol.
	Quote(ctx context.Context, symbol string) (Quote, error)

	// SymbolInfo returns the trading constraints for the symbol.
	SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)

	// OpenOrder places a market order. Partial fills are reported via
	// OrderResult, not as an error.
	OpenOrder(ctx context.Context, req OrderRequest) (OrderResult, error)

	// ModifyStopLoss moves the SL of an open position to price.
	// Returns ErrBrokerConstraint when the venue rejects the distance.
	ModifyStopLoss(ctx context.Context, ticket int64, price float64) error

	// ClosePosition closes an open position at market.
	ClosePosition(ctx context.Context, ticket int64, reason string) error
}
