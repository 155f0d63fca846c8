package perp

import (
	"math/rand"

	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

// Quote is one resting order a generator wants on a book.
type Quote struct {
	Side  orderbook.Side
	Price int64
	Qty   int64
}

// QuoteGenerator lays a symmetric ladder around an index price.
type QuoteGenerator struct {
	Levels    int   // per side
	SpreadBps int64 // distance of the first level from the index
	StepBps   int64 // distance between levels
	MaxQty    int64 // per level, at least one lot
	JitterBps int64 // random shift applied to the whole ladder
	rng       *rand.Rand
}

func NewQuoteGenerator(seed int64) *QuoteGenerator {
	return &QuoteGenerator{
		Levels:    3,
		SpreadBps: 10,
		StepBps:   10,
		MaxQty:    10,
		JitterBps: 5,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Ladder returns bids then asks around index, snapped to tick and lot.
// Bids round down and asks round up so the ladder never crosses.
func (g *QuoteGenerator) Ladder(index, tick, lot int64) []Quote {
	if index <= 0 || tick <= 0 || lot <= 0 {
		return nil
	}
	center := index
	if g.JitterBps > 0 {
		shift := g.rng.Int63n(2*g.JitterBps+1) - g.JitterBps
		if d, err := fixed.Bps(index, shift); err == nil {
			center = fixed.SatAdd(index, d)
		}
	}

	out := make([]Quote, 0, 2*g.Levels)
	for i := 0; i < g.Levels; i++ {
		off, err := fixed.Bps(center, g.SpreadBps+int64(i)*g.StepBps)
		if err != nil {
			return out
		}
		qty := lot * (1 + g.rng.Int63n(fixed.Max(g.MaxQty, 1)))
		bid := (center - off) / tick * tick
		if bid > 0 {
			out = append(out, Quote{Side: orderbook.Buy, Price: bid, Qty: qty})
		}
		ask := (center + off + tick - 1) / tick * tick
		out = append(out, Quote{Side: orderbook.Sell, Price: ask, Qty: qty})
	}
	return out
}
