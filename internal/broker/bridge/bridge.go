// Package bridge is the LIVE broker implementation. It talks JSON over HTTP
// to the connector sidecar that owns the terminal session, translating its
// wire shapes and error codes into domain types.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avrell/tradeguard/internal/domain"
)

// maxQuoteAge is how old a connector tick may be before Quote refuses to
// serve it.
const maxQuoteAge = 5 * time.Second

// Client is the REST client for the connector sidecar.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a connector client.
//
// baseURL is the sidecar root, e.g. "http://localhost:8787". token, when
// non-empty, is sent as a bearer credential on every request.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// apiPosition is the sidecar's position shape.
type apiPosition struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Lots      float64 `json:"lots"`
	OpenPrice float64 `json:"open_price"`
	StopLoss  float64 `json:"stop_loss"`
	ProfitUSD float64 `json:"profit_usd"`
	OpenTime  int64   `json:"open_time_unix"`
	Comment   string  `json:"comment"`
}

func (p apiPosition) toDomain() domain.Position {
	return domain.Position{
		Ticket:    p.Ticket,
		Symbol:    p.Symbol,
		Side:      domain.Side(p.Side),
		Lots:      p.Lots,
		OpenPrice: p.OpenPrice,
		StopLoss:  p.StopLoss,
		ProfitUSD: p.ProfitUSD,
		OpenTime:  time.Unix(p.OpenTime, 0).UTC(),
		Comment:   p.Comment,
	}
}

type apiQuote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	TimeMs int64   `json:"time_ms"`
}

type apiSymbolInfo struct {
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

// Positions lists every open position on the account.
func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/positions", nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: get positions: %w", err)
	}

	var raw []apiPosition
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("bridge: decode positions: %w", err)
	}
	out := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.toDomain())
	}
	return out, nil
}

// Position fetches a single position by ticket.
func (c *Client) Position(ctx context.Context, ticket int64) (domain.Position, error) {
	respBody, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/positions/%d", ticket), nil)
	if err != nil {
		return domain.Position{}, fmt.Errorf("bridge: get position %d: %w", ticket, err)
	}

	var raw apiPosition
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return domain.Position{}, fmt.Errorf("bridge: decode position: %w", err)
	}
	return raw.toDomain(), nil
}

// Quote returns the current bid/ask for a symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/quotes/"+symbol, nil)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("bridge: get quote %s: %w", symbol, err)
	}

	var raw apiQuote
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return domain.Quote{}, fmt.Errorf("bridge: decode quote: %w", err)
	}
	tick := time.UnixMilli(raw.TimeMs).UTC()
	if time.Since(tick) > maxQuoteAge {
		return domain.Quote{}, fmt.Errorf("bridge: quote %s: %w", symbol, domain.ErrStaleQuote)
	}
	return domain.Quote{
		Symbol: raw.Symbol,
		Bid:    raw.Bid,
		Ask:    raw.Ask,
		Time:   tick,
	}, nil
}

// SymbolInfo returns the venue's trading parameters for a symbol.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/symbols/"+symbol, nil)
	if err != nil {
		return domain.SymbolInfo{}, fmt.Errorf("bridge: get symbol %s: %w", symbol, err)
	}

	var raw apiSymbolInfo
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return domain.SymbolInfo{}, fmt.Errorf("bridge: decode symbol: %w", err)
	}
	return domain.SymbolInfo{
		Symbol:           raw.Symbol,
		Digits:           raw.Digits,
		Point:            raw.Point,
		StopsLevelPoints: raw.StopsLevelPoints,
		MinLot:           raw.MinLot,
		MaxLot:           raw.MaxLot,
		LotStep:          raw.LotStep,
		ContractSize:     raw.ContractSize,
		TradeAllowed:     raw.TradeAllowed,
	}, nil
}

// OpenOrder places a market order. The sidecar deduplicates on client_id.
func (c *Client) OpenOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	body := map[string]any{
		"client_id": req.ClientID,
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"lots":      req.Lots,
		"stop_loss": req.StopLoss,
		"comment":   req.Comment,
	}

	respBody, err := c.do(ctx, http.MethodPost, "/orders", body)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("bridge: open order %s: %w", req.Symbol, err)
	}

	var raw struct {
		Ticket     int64   `json:"ticket"`
		FilledLots float64 `json:"filled_lots"`
		OpenPrice  float64 `json:"open_price"`
		Partial    bool    `json:"partial"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return domain.OrderResult{}, fmt.Errorf("bridge: decode order result: %w", err)
	}
	return domain.OrderResult{
		Ticket:     raw.Ticket,
		FilledLots: raw.FilledLots,
		OpenPrice:  raw.OpenPrice,
		Partial:    raw.Partial,
	}, nil
}

// Candidates fetches the connector's current entry signals. The sidecar
// owns scoring; this client only translates the wire shape.
func (c *Client) Candidates(ctx context.Context) ([]domain.Candidate, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/signals", nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: get signals: %w", err)
	}

	var raw []struct {
		Symbol       string  `json:"symbol"`
		Side         string  `json:"side"`
		QualityScore float64 `json:"quality_score"`
		BarVolume    float64 `json:"bar_volume"`
		TimeMs       int64   `json:"time_ms"`
	}
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, fmt.Errorf("bridge: decode signals: %w", err)
	}
	out := make([]domain.Candidate, 0, len(raw))
	for _, s := range raw {
		out = append(out, domain.Candidate{
			Symbol:       s.Symbol,
			Side:         domain.Side(s.Side),
			QualityScore: s.QualityScore,
			BarVolume:    s.BarVolume,
			ScannedAt:    time.UnixMilli(s.TimeMs).UTC(),
		})
	}
	return out, nil
}

// ModifyStopLoss moves the stop on an open position.
func (c *Client) ModifyStopLoss(ctx context.Context, ticket int64, price float64) error {
	body := map[string]any{
		"stop_loss": price,
	}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/positions/%d/stop-loss", ticket), body); err != nil {
		return fmt.Errorf("bridge: modify sl %d: %w", ticket, err)
	}
	return nil
}

// ClosePosition closes an open position at market.
func (c *Client) ClosePosition(ctx context.Context, ticket int64, reason string) error {
	body := map[string]any{
		"reason": reason,
	}
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/positions/%d/close", ticket), body); err != nil {
		return fmt.Errorf("bridge: close %d: %w", ticket, err)
	}
	return nil
}

var _ domain.Broker = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// apiError is the sidecar's error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// checkHTTPStatus maps non-2xx status codes to domain errors. The sidecar
// sends a machine-readable code alongside the HTTP status; the code wins
// when both are present.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = string(body)
	}

	switch apiErr.Code {
	case "constraint":
		return fmt.Errorf("%w: %s", domain.ErrBrokerConstraint, msg)
	case "rejected":
		return fmt.Errorf("%w: %s", domain.ErrOrderRejected, msg)
	case "market_closed":
		return fmt.Errorf("%w: %s", domain.ErrMarketClosed, msg)
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrPositionNotFound, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}
