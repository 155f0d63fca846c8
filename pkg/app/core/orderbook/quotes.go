package orderbook

// QuoteLevels is how many price levels per side the quote cache keeps.
const QuoteLevels = 4

// QuoteCache is a snapshot of the top of book taken after each mutation.
// Seq is the book sequence at snapshot time so readers can tell if a
// quote they acted on has gone stale.
type QuoteCache struct {
	Seq   uint64
	Bids  [QuoteLevels]PriceLevel
	Asks  [QuoteLevels]PriceLevel
	NBids int
	NAsks int
}

// Best returns the best contra level for a taker on side.
func (q QuoteCache) Best(side Side) (PriceLevel, bool) {
	if side == Buy {
		if q.NAsks == 0 {
			return PriceLevel{}, false
		}
		return q.Asks[0], true
	}
	if q.NBids == 0 {
		return PriceLevel{}, false
	}
	return q.Bids[0], true
}

func (b *Book) refreshQuotes() {
	var q QuoteCache
	q.Seq = b.seq
	q.NBids = copy(q.Bids[:], b.Levels(Buy, QuoteLevels))
	q.NAsks = copy(q.Asks[:], b.Levels(Sell, QuoteLevels))
	b.quotes = q
}
