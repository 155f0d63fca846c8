package perp

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpcore/params"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/app/core/router"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/storage"
	"github.com/uhyunpark/perpcore/pkg/util"
)

const btc = "BTC-PERP"

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	carol = common.HexToAddress("0x0000000000000000000000000000000000000ca7")
)

func px(dollars int64) int64 { return dollars * 1_000_000 }

const testMarkets = `
instruments:
  - symbol: BTC-PERP
    base: BTC
    quote: USDC
    index_price: 100000000
venues:
  - id: venue-a
    version: "1"
    maker_fee_bps: 0
    taker_fee_bps: 10
    instruments: [BTC-PERP]
  - id: venue-b
    version: "1"
    maker_fee_bps: 0
    taker_fee_bps: 10
    instruments: [BTC-PERP]
`

func testConfig() params.Config {
	cfg := params.Default()
	cfg.Venue.AntiTox.ASFeeKBps = 0
	return cfg
}

func newExchange(t *testing.T, repo *storage.Repository) *Exchange {
	t.Helper()
	m, err := params.ParseMarkets([]byte(testMarkets))
	require.NoError(t, err)
	ex, err := New(Options{
		Config:     testConfig(),
		Markets:    m,
		Repo:       repo,
		Events:     &events.Memory{},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return ex
}

func buy(qty, limit int64) router.RouteRequest {
	return router.RouteRequest{User: alice, Instrument: btc, Asset: "USDC", Side: orderbook.Buy, Qty: qty, LimitPrice: limit, NowMs: 10}
}

func seedAsks(t *testing.T, ex *Exchange) {
	t.Helper()
	_, err := ex.Place("venue-a", carol, btc, orderbook.Sell, px(100), 6_000, 1)
	require.NoError(t, err)
	_, err = ex.Place("venue-b", carol, btc, orderbook.Sell, px(99), 5_000, 1)
	require.NoError(t, err)
}

func TestRoutePersistsAndResumes(t *testing.T) {
	repo := storage.NewMemory()
	ex := newExchange(t, repo)
	seedAsks(t, ex)
	require.NoError(t, ex.Deposit(context.Background(), alice, "USDC", 1_000_000))

	res, err := ex.Route(context.Background(), buy(11_000, px(100)))
	require.NoError(t, err)
	assert.Equal(t, int64(11_000), res.FilledQty)
	assert.Equal(t, int64(1_095), res.Fee)

	acct, err := ex.Router().Account(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(-1_095), acct.PnL)

	for _, id := range []string{"venue-a", "venue-b"} {
		rcpts, err := ex.Receipts(id, 0, 10)
		require.NoError(t, err)
		require.Len(t, rcpts, 1, id)
		assert.Equal(t, uint32(1), rcpts[0].Seq)
	}
	before := ex.StateHash()

	resumed := newExchange(t, repo)
	again, err := resumed.Router().Account(alice)
	require.NoError(t, err)
	assert.Equal(t, acct, again)
	assert.Equal(t, before, resumed.StateHash(), "books were drained, everything else is stored")
	require.NoError(t, resumed.Router().CheckConservation())

	_, err = resumed.Place("venue-b", carol, btc, orderbook.Sell, px(99), 1_000, 20)
	require.NoError(t, err)
	_, err = resumed.Route(context.Background(), buy(1_000, px(100)))
	require.NoError(t, err)
	rcpts, err := resumed.Receipts("venue-b", 1, 10)
	require.NoError(t, err)
	require.Len(t, rcpts, 1)
	assert.Equal(t, uint32(2), rcpts[0].Seq, "numbering continues after restart")
}

func TestUnknownVenue(t *testing.T) {
	ex := newExchange(t, nil)
	_, err := ex.Place("venue-z", carol, btc, orderbook.Sell, px(100), 1, 1)
	assert.ErrorIs(t, err, ErrUnknownVenue)
	_, _, err = ex.Depth("venue-z", btc, 5)
	assert.ErrorIs(t, err, ErrUnknownVenue)
}

func TestPlaceCancelTracksDepth(t *testing.T) {
	ex := newExchange(t, nil)
	id, err := ex.Place("venue-a", carol, btc, orderbook.Buy, px(98), 10, 1)
	require.NoError(t, err)

	bids, asks, err := ex.Depth("venue-a", btc, 5)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Empty(t, asks)
	assert.Equal(t, 1.0, testutil.ToFloat64(ex.metrics.BookDepth.WithLabelValues("venue-a", btc, "bid")))

	require.NoError(t, ex.Cancel("venue-a", btc, id))
	assert.Equal(t, 0.0, testutil.ToFloat64(ex.metrics.BookDepth.WithLabelValues("venue-a", btc, "bid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ex.metrics.Orders.WithLabelValues("venue-a", "cancelled")))

	_, err = ex.Place("venue-a", carol, btc, orderbook.Buy, px(98)+1, 10, 1)
	assert.Error(t, err, "off tick")
	assert.Equal(t, 1.0, testutil.ToFloat64(ex.metrics.Orders.WithLabelValues("venue-a", "rejected")))
}

func TestUpdateFundingIsGated(t *testing.T) {
	repo := storage.NewMemory()
	ex := newExchange(t, repo)

	n, err := ex.UpdateFunding(3_600_000)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one per venue")

	n, err = ex.UpdateFunding(3_600_001)
	require.NoError(t, err)
	assert.Zero(t, n)

	resumed := newExchange(t, repo)
	inst, err := resumed.Instrument("venue-a", btc)
	require.NoError(t, err)
	assert.Equal(t, uint64(3_600_000), inst.LastFundingMs)
}

func TestTickRefreshesIndex(t *testing.T) {
	m, err := params.ParseMarkets([]byte(testMarkets))
	require.NoError(t, err)
	oracle := NewFixedOracle(nil)
	oracle.Set(btc, px(101))
	ex, err := New(Options{Config: testConfig(), Markets: m, Oracle: oracle})
	require.NoError(t, err)

	ex.Tick(50)
	for _, id := range ex.Venues() {
		inst, err := ex.Instrument(id, btc)
		require.NoError(t, err)
		assert.Equal(t, px(101), inst.IndexPrice)
		assert.Equal(t, uint64(1), inst.Epoch)
	}
}

func TestGapBps(t *testing.T) {
	assert.Equal(t, int64(100), gapBps(px(101), px(100)))
	assert.Equal(t, int64(100), gapBps(px(99), px(100)))
	assert.Zero(t, gapBps(px(100), px(100)))
}

func TestSeederReplacesLadder(t *testing.T) {
	ex := newExchange(t, nil)
	clock := util.NewManualClock(time.UnixMilli(0))
	s := NewSeeder(ex, DefaultSeederConfig(), clock, nil)

	assert.Equal(t, 12, s.Refresh(), "three levels a side on two books")
	assert.Equal(t, 12, s.Refresh())
	for _, id := range ex.Venues() {
		bids, asks, err := ex.Depth(id, btc, 0)
		require.NoError(t, err)
		assert.Len(t, bids, 3, "previous ladder cancelled")
		assert.Len(t, asks, 3)
		assert.Less(t, bids[0].Price, asks[0].Price)
	}
}

func TestSeederRunStops(t *testing.T) {
	ex := newExchange(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s := NewSeeder(ex, DefaultSeederConfig(), util.NewManualClock(time.UnixMilli(0)), nil)
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("seeder did not stop")
	}
}

func TestLadderNeverCrosses(t *testing.T) {
	g := NewQuoteGenerator(7)
	for i := 0; i < 50; i++ {
		qs := g.Ladder(px(100), 10_000, 1)
		require.Len(t, qs, 6)
		var bestBid, bestAsk int64
		for _, q := range qs {
			assert.Zero(t, q.Price%10_000, "on tick")
			assert.Positive(t, q.Qty)
			if q.Side == orderbook.Buy && q.Price > bestBid {
				bestBid = q.Price
			}
			if q.Side == orderbook.Sell && (bestAsk == 0 || q.Price < bestAsk) {
				bestAsk = q.Price
			}
		}
		assert.Less(t, bestBid, bestAsk)
	}
	assert.Nil(t, g.Ladder(0, 10_000, 1))
}

func TestFixedOracle(t *testing.T) {
	clock := util.NewManualClock(time.UnixMilli(5_000))
	o := NewFixedOracle(clock)
	price, ts, _ := o.Price(btc)
	assert.Zero(t, price)

	o.Set(btc, px(100))
	price, ts, _ = o.Price(btc)
	assert.Equal(t, px(100), price)
	assert.Equal(t, uint64(5_000), ts)
}
