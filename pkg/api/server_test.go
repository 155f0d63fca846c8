package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpcore/params"
	"github.com/uhyunpark/perpcore/pkg/app/perp"
	"github.com/uhyunpark/perpcore/pkg/util"
)

const (
	alice = "0x00000000000000000000000000000000000a11ce"
	carol = "0x0000000000000000000000000000000000000ca7"
)

const testMarkets = `
instruments:
  - symbol: BTC-PERP
    base: BTC
    quote: USDC
    index_price: 100000000
venues:
  - id: venue-a
    maker_fee_bps: 0
    taker_fee_bps: 10
    instruments: [BTC-PERP]
`

type harness struct {
	srv *Server
	hub *Hub
	h   http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	m, err := params.ParseMarkets([]byte(testMarkets))
	require.NoError(t, err)
	cfg := params.Default()
	cfg.Venue.AntiTox.ASFeeKBps = 0
	cfg.API.AllowedOrigins = []string{"http://localhost:3000"}

	reg := prometheus.NewRegistry()
	hub := NewHub(nil)
	ex, err := perp.New(perp.Options{Config: cfg, Markets: m, Events: hub, Registerer: reg})
	require.NoError(t, err)

	srv := NewServer(ex, cfg.API, hub, reg, util.NewManualClock(time.UnixMilli(10)), nil)
	return &harness{srv: srv, hub: hub, h: srv.Handler()}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out), rec.Body.String())
	return out
}

func (h *harness) placeAsk(t *testing.T, price string, qty int64) uint64 {
	t.Helper()
	rec := h.do(t, "POST", "/api/v1/venues/venue-a/orders", PlaceOrderRequest{
		Owner: carol, Symbol: "BTC-PERP", Side: "sell", Price: price, Qty: qty,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[PlaceOrderResponse](t, rec).OrderID
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRouteFlow(t *testing.T) {
	h := newHarness(t)
	h.placeAsk(t, "100", 1_000)

	rec := h.do(t, "POST", "/api/v1/accounts/"+alice+"/deposit", FundsRequest{Amount: 1_000_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(1_000_000), decodeBody[AccountInfo](t, rec).Principal)

	rec = h.do(t, "POST", "/api/v1/routes", RouteOrderRequest{
		User: alice, Instrument: "BTC-PERP", Side: "buy", Qty: 1_000, LimitPrice: "100",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	route := decodeBody[RouteResponse](t, rec)
	assert.Equal(t, int64(1_000), route.FilledQty)
	assert.Equal(t, "100", route.VWAP)
	assert.Equal(t, int64(100_000), route.Notional)
	assert.Equal(t, int64(100), route.Fee)
	require.Len(t, route.Legs, 1)
	assert.Equal(t, "venue-a", route.Legs[0].Venue)
	assert.Equal(t, uint32(1), route.Legs[0].Receipt.Seq)

	rec = h.do(t, "GET", "/api/v1/accounts/"+alice, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	acct := decodeBody[AccountInfo](t, rec)
	assert.Equal(t, int64(-100), acct.PnL)
	require.NotNil(t, acct.Health)
	assert.False(t, acct.Health.Liquidatable)

	rec = h.do(t, "GET", "/api/v1/accounts/"+alice+"/portfolio", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pf := decodeBody[PortfolioInfo](t, rec)
	require.Len(t, pf.Exposures, 1)
	assert.Equal(t, int64(1_000), pf.Exposures[0].Qty)
	require.Len(t, pf.Positions, 1)
	assert.Equal(t, "100", pf.Positions[0].EntryPrice)

	rec = h.do(t, "GET", "/api/v1/venues/venue-a/receipts?after=0&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rcpts := decodeBody[[]ReceiptInfo](t, rec)
	require.Len(t, rcpts, 1)
	assert.Equal(t, int64(100), rcpts[0].Fee)

	rec = h.do(t, "GET", "/api/v1/venues/venue-a/markets/BTC-PERP/orderbook", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[OrderbookSnapshot](t, rec).Asks, "ask fully taken")

	rec = h.do(t, "GET", "/api/v1/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[StateInfo](t, rec).Hash, 66)
}

func TestRouteRejectionsMapToStatus(t *testing.T) {
	h := newHarness(t)
	h.placeAsk(t, "100", 1_000)

	rec := h.do(t, "POST", "/api/v1/routes", RouteOrderRequest{
		User: alice, Instrument: "BTC-PERP", Side: "buy", Qty: 1_000, LimitPrice: "100",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code, "no account yet")

	rec = h.do(t, "POST", "/api/v1/accounts/"+alice+"/deposit", FundsRequest{Amount: 1_000})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, "POST", "/api/v1/routes", RouteOrderRequest{
		User: alice, Instrument: "BTC-PERP", Side: "buy", Qty: 1_000, LimitPrice: "100",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	e := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "economic", e.Class)
	assert.False(t, e.Retryable)

	rec = h.do(t, "POST", "/api/v1/routes", RouteOrderRequest{
		User: alice, Instrument: "BTC-PERP", Side: "hold", Qty: 1, LimitPrice: "100",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown venue", "GET", "/api/v1/venues/venue-z/markets/BTC-PERP", nil, http.StatusNotFound},
		{"unknown market", "GET", "/api/v1/venues/venue-a/markets/DOGE-PERP", nil, http.StatusNotFound},
		{"bad address", "GET", "/api/v1/accounts/not-an-address", nil, http.StatusBadRequest},
		{"unknown account", "GET", "/api/v1/accounts/" + alice, nil, http.StatusNotFound},
		{"bad depth", "GET", "/api/v1/venues/venue-a/markets/BTC-PERP/orderbook?depth=x", nil, http.StatusBadRequest},
		{"bad limit", "GET", "/api/v1/venues/venue-a/receipts?limit=0", nil, http.StatusBadRequest},
		{"sub-tick decimals", "POST", "/api/v1/venues/venue-a/orders",
			PlaceOrderRequest{Owner: carol, Symbol: "BTC-PERP", Side: "sell", Price: "100.0000001", Qty: 1}, http.StatusBadRequest},
		{"off tick", "POST", "/api/v1/venues/venue-a/orders",
			PlaceOrderRequest{Owner: carol, Symbol: "BTC-PERP", Side: "sell", Price: "100.001", Qty: 1}, http.StatusBadRequest},
		{"negative deposit", "POST", "/api/v1/accounts/" + alice + "/deposit", FundsRequest{Amount: -5}, http.StatusBadRequest},
		{"unknown field", "POST", "/api/v1/insurance/top-up", map[string]any{"amount": 1, "extra": true}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	id := h.placeAsk(t, "101", 5)

	rec := h.do(t, "GET", "/api/v1/venues/venue-a/markets/BTC-PERP/orderbook?depth=5", nil)
	book := decodeBody[OrderbookSnapshot](t, rec)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, "101", book.Asks[0].Price)

	path := "/api/v1/venues/venue-a/orders/BTC-PERP/" + jsonNumber(id)
	rec = h.do(t, "DELETE", path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(t, "DELETE", path, nil)
	assert.NotEqual(t, http.StatusNoContent, rec.Code, "already cancelled")
}

func TestInsuranceTopUp(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "POST", "/api/v1/insurance/top-up", TopUpRequest{Amount: 5_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decodeBody[InsuranceInfo](t, rec)
	assert.Equal(t, int64(5_000), info.Balance)
	assert.Equal(t, int64(5_000), info.TotalTopUps)
}

func TestVenuesAndMetrics(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, "GET", "/api/v1/venues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	venues := decodeBody[[]VenueInfo](t, rec)
	require.Len(t, venues, 1)
	assert.Equal(t, []string{"BTC-PERP"}, venues[0].Instruments)

	rec = h.do(t, "GET", "/api/v1/venues/venue-a/markets/BTC-PERP", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mi := decodeBody[MarketInfo](t, rec)
	assert.Equal(t, "100", mi.IndexPrice)
	assert.Equal(t, "0.01", mi.TickSize)

	h.placeAsk(t, "100", 1)
	rec = h.do(t, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `perpcore_maker_orders_total{result="placed",venue="venue-a"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest("OPTIONS", "/api/v1/routes", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestWebSocketStreamsEvents(t *testing.T) {
	h := newHarness(t)
	go h.hub.Run()
	t.Cleanup(func() { h.hub.Close() })

	ts := httptest.NewServer(h.h)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"perpcore.funds"}}))
	require.Eventually(t, func() bool { return h.hub.Subscribers("perpcore.funds") == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, h.hub.Subscribers("perpcore.routes"))

	rec := h.do(t, "POST", "/api/v1/accounts/"+alice+"/deposit", FundsRequest{Amount: 1_000})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "perpcore.funds", msg.Channel)
	assert.Equal(t, "deposit", msg.Type)
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"100", 100_000_000, false},
		{"99.5", 99_500_000, false},
		{"0.000001", 1, false},
		{"-2", -2_000_000, false},
		{"0.0000001", 0, true},
		{"abc", 0, true},
		{"99999999999999999999", 0, true},
	}
	for _, tt := range tests {
		got, err := parsePrice(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.in, formatPrice(got))
	}
}

func jsonNumber(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
