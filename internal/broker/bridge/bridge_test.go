package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrell/tradeguard/internal/domain"
)

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode([]apiPosition{})
	}))
	defer srv.Close()

	c := New(srv.URL, "s3cret", time.Second)
	_, err := c.Positions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", gotAuth)
}

func TestClientDecodesPosition(t *testing.T) {
	opened := time.Date(2025, 6, 3, 9, 30, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions/42", r.URL.Path)
		json.NewEncoder(w).Encode(apiPosition{
			Ticket:    42,
			Symbol:    "EURUSD",
			Side:      "buy",
			Lots:      0.01,
			OpenPrice: 1.10000,
			StopLoss:  1.09800,
			ProfitUSD: 0.05,
			OpenTime:  opened.Unix(),
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	pos, err := c.Position(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), pos.Ticket)
	assert.Equal(t, domain.SideBuy, pos.Side)
	assert.Equal(t, opened, pos.OpenTime)
	assert.InDelta(t, 1.09800, pos.StopLoss, 1e-9)
}

func TestClientMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(apiError{Message: "no such ticket"})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.Position(context.Background(), 99)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestClientMapsSidecarErrorCodes(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"constraint", domain.ErrBrokerConstraint},
		{"rejected", domain.ErrOrderRejected},
		{"market_closed", domain.ErrMarketClosed},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(apiError{Code: tc.code, Message: "nope"})
		}))

		c := New(srv.URL, "", time.Second)
		err := c.ModifyStopLoss(context.Background(), 1, 1.09900)
		assert.ErrorIs(t, err, tc.want, tc.code)
		srv.Close()
	}
}

func TestClientOpenOrderPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"ticket": 7, "filled_lots": 0.01, "open_price": 1.10010, "partial": false,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	res, err := c.OpenOrder(context.Background(), domain.OrderRequest{
		ClientID: "abc",
		Symbol:   "EURUSD",
		Side:     domain.SideBuy,
		Lots:     0.01,
		StopLoss: 1.09810,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Ticket)
	assert.Equal(t, "abc", got["client_id"])
	assert.Equal(t, "buy", got["side"])
	assert.InDelta(t, 1.09810, got["stop_loss"].(float64), 1e-9)
}

func TestClientQuoteStaleness(t *testing.T) {
	var tickMs int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiQuote{
			Symbol: "EURUSD", Bid: 1.10000, Ask: 1.10010, TimeMs: tickMs,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)

	tickMs = time.Now().UnixMilli()
	q, err := c.Quote(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.10000, q.Bid)

	tickMs = time.Now().Add(-10 * time.Second).UnixMilli()
	_, err = c.Quote(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, domain.ErrStaleQuote)
}

func TestClientRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, "", time.Second)
	_, err := c.Quote(context.Background(), "EURUSD")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}
