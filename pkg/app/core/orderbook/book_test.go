package orderbook

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"pgregory.net/rapid"
)

var (
	maker1 = common.HexToAddress("0x1111111111111111111111111111111111111111")
	maker2 = common.HexToAddress("0x2222222222222222222222222222222222222222")
	taker  = common.HexToAddress("0x3333333333333333333333333333333333333333")
)

func px(dollars float64) int64 { return int64(dollars * 1_000_000) }

// TestBookScenario covers the basic crossing case:
// bid 99.50×5000 / ask 100.50×5000, buy 5000 @ 100.50.
func TestBookScenario(t *testing.T) {
	b := New("BTC-PERP", DefaultConfig())

	if _, err := b.Insert(Buy, maker1, px(99.50), 5000, 1); err != nil {
		t.Fatalf("insert bid: %v", err)
	}
	askID, err := b.Insert(Sell, maker2, px(100.50), 5000, 2)
	if err != nil {
		t.Fatalf("insert ask: %v", err)
	}

	res, err := b.Match(Buy, 5000, px(100.50))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if res.Filled != 5000 {
		t.Errorf("filled = %d, want 5000", res.Filled)
	}
	if res.VWAP != px(100.50) {
		t.Errorf("vwap = %d, want %d", res.VWAP, px(100.50))
	}
	if _, ok := b.Get(askID); ok {
		t.Error("ask should be fully removed")
	}
	if b.Len(Sell) != 0 || b.Len(Buy) != 1 {
		t.Errorf("len bids=%d asks=%d", b.Len(Buy), b.Len(Sell))
	}
	if bid, _ := b.BestBid(); bid != px(99.50) {
		t.Errorf("bid untouched, got %d", bid)
	}
}

func TestOrderIDsMonotonic(t *testing.T) {
	b := New("X", DefaultConfig())
	for want := uint64(1); want <= 3; want++ {
		id, err := b.Insert(Buy, maker1, px(10), 1, want)
		if err != nil {
			t.Fatal(err)
		}
		if id != want {
			t.Errorf("id = %d, want %d", id, want)
		}
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := New("X", DefaultConfig())

	// worse price first, then two orders at the better price
	worse, _ := b.Insert(Sell, maker1, px(101), 10, 1)
	first, _ := b.Insert(Sell, maker1, px(100), 10, 2)
	second, _ := b.Insert(Sell, maker2, px(100), 10, 3)

	res, err := b.Match(Buy, 15, px(101))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(res.Fills))
	}
	if res.Fills[0].OrderID != first || res.Fills[0].Qty != 10 {
		t.Errorf("first fill = %+v", res.Fills[0])
	}
	if res.Fills[1].OrderID != second || res.Fills[1].Qty != 5 {
		t.Errorf("second fill = %+v", res.Fills[1])
	}
	if _, ok := b.Get(worse); !ok {
		t.Error("worse-priced order should be untouched")
	}
}

func TestMatchRespectsLimit(t *testing.T) {
	b := New("X", DefaultConfig())
	b.Insert(Buy, maker1, px(99), 10, 1)
	b.Insert(Buy, maker1, px(98), 10, 2)

	res, err := b.Match(Sell, 50, px(98.5))
	if err != nil {
		t.Fatal(err)
	}
	if res.Filled != 10 || res.VWAP != px(99) {
		t.Errorf("filled=%d vwap=%d", res.Filled, res.VWAP)
	}

	res, err = b.Match(Sell, 1, px(100))
	if err != nil {
		t.Fatal(err)
	}
	if res.Filled != 0 || res.VWAP != 0 {
		t.Errorf("no fill expected, got %+v", res)
	}
}

func TestBookFull(t *testing.T) {
	b := New("X", Config{Depth: 2})
	b.Insert(Buy, maker1, px(1), 1, 1)
	b.Insert(Buy, maker1, px(2), 1, 2)
	seq := b.Seq()

	_, err := b.Insert(Buy, maker1, px(3), 1, 3)
	if !errors.Is(err, ErrBookFull) {
		t.Fatalf("expected ErrBookFull, got %v", err)
	}
	if b.Seq() != seq || b.Len(Buy) != 2 {
		t.Error("rejected insert must not change the book")
	}
	// the other side still has room
	if _, err := b.Insert(Sell, maker1, px(5), 1, 4); err != nil {
		t.Errorf("ask insert: %v", err)
	}
}

func TestInsertValidation(t *testing.T) {
	b := New("X", DefaultConfig())
	if _, err := b.Insert(Buy, maker1, 0, 1, 1); !errors.Is(err, ErrInvalidPrice) {
		t.Errorf("zero price: %v", err)
	}
	if _, err := b.Insert(Buy, maker1, 1, -1, 1); !errors.Is(err, ErrInvalidQty) {
		t.Errorf("negative qty: %v", err)
	}
}

func TestReserveHidesLiquidity(t *testing.T) {
	b := New("X", DefaultConfig())
	id, _ := b.Insert(Sell, maker1, px(100), 10, 1)
	seq := b.Seq()

	allocs, err := b.Reserve(Buy, 6, px(100))
	if err != nil {
		t.Fatal(err)
	}
	if len(allocs) != 1 || allocs[0].Qty != 6 || allocs[0].OrderID != id {
		t.Fatalf("allocs = %+v", allocs)
	}
	if b.Seq() != seq {
		t.Error("reserving must not bump the sequence")
	}

	// only 4 left for an immediate take
	res, _ := b.Match(Buy, 10, px(100))
	if res.Filled != 4 {
		t.Errorf("filled = %d, want 4", res.Filled)
	}

	if err := b.Cancel(id); !errors.Is(err, ErrOrderReserved) {
		t.Errorf("cancel reserved order: %v", err)
	}

	before, err := b.FillReserved(id, 6)
	if err != nil {
		t.Fatal(err)
	}
	if before.Price != px(100) || before.Qty != 6 {
		t.Errorf("snapshot = %+v", before)
	}
	if _, ok := b.Get(id); ok {
		t.Error("order should be gone after its last reserved unit fills")
	}
}

func TestUnreserve(t *testing.T) {
	b := New("X", DefaultConfig())
	id, _ := b.Insert(Buy, maker1, px(100), 10, 1)
	b.Reserve(Sell, 10, px(100))

	if err := b.Unreserve(id, 11); !errors.Is(err, ErrOverReserve) {
		t.Errorf("over-release: %v", err)
	}
	if err := b.Unreserve(id, 10); err != nil {
		t.Fatal(err)
	}
	if err := b.Cancel(id); err != nil {
		t.Errorf("cancel after release: %v", err)
	}
}

func TestPendingPromotion(t *testing.T) {
	b := New("X", Config{Depth: 1, PendingCapacity: 2})
	first, _ := b.AddPending(Buy, maker1, px(10), 1, 1)
	b.AddPending(Buy, maker2, px(11), 1, 2)
	if _, err := b.AddPending(Buy, maker2, px(12), 1, 3); !errors.Is(err, ErrPendingFull) {
		t.Fatalf("expected ErrPendingFull, got %v", err)
	}
	if b.Len(Buy) != 0 {
		t.Fatal("pending orders must not rest before promotion")
	}

	if n := b.PromotePending(); n != 1 {
		t.Errorf("promoted = %d, want 1", n)
	}
	if _, ok := b.Get(first); !ok {
		t.Error("first pending order should rest")
	}
	if b.PendingLen() != 1 {
		t.Errorf("pending = %d, want 1 left over", b.PendingLen())
	}
}

func TestLevelsAndQuotes(t *testing.T) {
	b := New("X", DefaultConfig())
	b.Insert(Sell, maker1, px(101), 5, 1)
	b.Insert(Sell, maker2, px(101), 7, 2)
	b.Insert(Sell, maker1, px(102), 1, 3)
	b.Insert(Buy, maker1, px(99), 3, 4)

	levels := b.Levels(Sell, 0)
	if len(levels) != 2 || levels[0].Qty != 12 || levels[1].Price != px(102) {
		t.Errorf("levels = %+v", levels)
	}

	q := b.Quotes()
	if q.Seq != b.Seq() {
		t.Errorf("quote seq = %d, book seq = %d", q.Seq, b.Seq())
	}
	best, ok := q.Best(Buy)
	if !ok || best.Price != px(101) || best.Available != 12 {
		t.Errorf("best ask = %+v", best)
	}
	if mid, _ := b.Mid(); mid != px(100) {
		t.Errorf("mid = %d", mid)
	}
}

func TestMatchNeverWorseThanLimit(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		b := New("X", DefaultConfig())
		n := rapid.IntRange(1, DefaultDepth).Draw(t, "n")
		for i := 0; i < n; i++ {
			price := rapid.Int64Range(90, 110).Draw(t, "price") * 1_000_000
			qty := rapid.Int64Range(1, 100).Draw(t, "qty")
			if _, err := b.Insert(Sell, maker1, price, qty, uint64(i)); err != nil {
				t.Fatal(err)
			}
		}
		limit := rapid.Int64Range(90, 110).Draw(t, "limit") * 1_000_000
		qty := rapid.Int64Range(1, 500).Draw(t, "take")

		res, err := b.Match(Buy, qty, limit)
		if err != nil {
			t.Fatal(err)
		}
		var sum int64
		prev := int64(0)
		for _, f := range res.Fills {
			if f.Price > limit {
				t.Fatalf("fill at %d worse than limit %d", f.Price, limit)
			}
			if f.Price < prev {
				t.Fatalf("fills out of price order: %d after %d", f.Price, prev)
			}
			prev = f.Price
			sum += f.Qty
		}
		if sum != res.Filled || res.Filled > qty {
			t.Fatalf("filled %d, fills sum %d, asked %d", res.Filled, sum, qty)
		}
		if res.Filled > 0 && res.VWAP > limit {
			t.Fatalf("vwap %d above limit %d", res.VWAP, limit)
		}
		// whatever is left must be strictly worse than the limit, or the take was exhausted
		if ask, ok := b.BestAsk(); ok && ask <= limit && res.Filled < qty {
			t.Fatalf("left crossable ask %d with %d unfilled", ask, qty-res.Filled)
		}
	})
}
