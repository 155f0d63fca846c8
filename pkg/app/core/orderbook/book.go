package orderbook

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/arena"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

const (
	DefaultDepth           = 19 // resting orders per side
	DefaultPendingCapacity = 32
)

type Config struct {
	Depth           int
	PendingCapacity int
}

func DefaultConfig() Config {
	return Config{Depth: DefaultDepth, PendingCapacity: DefaultPendingCapacity}
}

// Book is a price-time priority book for one instrument.
//
// Each side is a fixed-capacity array of arena handles kept sorted:
// bids by price descending, asks by price ascending, FIFO within a price.
// Depth is small on purpose, so lookups are linear scans over at most
// Depth entries and a full side rejects instead of growing.
//
// Book is not safe for concurrent use; the owning venue serializes access.
type Book struct {
	symbol  string
	depth   int
	orders  *arena.Arena[Order]
	bids    []arena.Handle
	asks    []arena.Handle
	pending []Order

	nextID    uint64
	seq       uint64 // bumped on every change to resting liquidity
	lastPrice int64
	quotes    QuoteCache
}

func New(symbol string, cfg Config) *Book {
	if cfg.Depth <= 0 {
		cfg.Depth = DefaultDepth
	}
	if cfg.PendingCapacity <= 0 {
		cfg.PendingCapacity = DefaultPendingCapacity
	}
	return &Book{
		symbol:  symbol,
		depth:   cfg.Depth,
		orders:  arena.New[Order](2 * cfg.Depth),
		bids:    make([]arena.Handle, 0, cfg.Depth),
		asks:    make([]arena.Handle, 0, cfg.Depth),
		pending: make([]Order, 0, cfg.PendingCapacity),
		nextID:  1,
	}
}

func (b *Book) Symbol() string { return b.symbol }
func (b *Book) Seq() uint64 { return b.seq }
func (b *Book) LastPrice() int64 { return b.lastPrice }
func (b *Book) Quotes() QuoteCache { return b.quotes }

func (b *Book) Len(side Side) int {
	return len(b.sideOf(side))
}

// Insert places a resting order and returns its id.
// The book is left untouched when the side is already at capacity.
func (b *Book) Insert(side Side, owner common.Address, price, qty int64, ts uint64) (uint64, error) {
	if err := validate(price, qty); err != nil {
		return 0, err
	}
	o := Order{
		ID:        b.nextID,
		Owner:     owner,
		Side:      side,
		Price:     price,
		Qty:       qty,
		CreatedMs: ts,
	}
	if err := b.insert(o); err != nil {
		return 0, err
	}
	b.nextID++
	b.touch()
	return o.ID, nil
}

func (b *Book) insert(o Order) error {
	arr := b.sideOf(o.Side)
	if len(arr) >= b.depth {
		return fmt.Errorf("%w: %s %s side at depth %d", ErrBookFull, b.symbol, o.Side, b.depth)
	}
	h, slot, err := b.orders.Alloc()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBookFull, err)
	}
	*slot = o

	// first position the new order has priority over
	pos := len(arr)
	for i, oh := range arr {
		cur, _ := b.orders.Get(oh)
		if before(&o, cur) {
			pos = i
			break
		}
	}
	arr = append(arr, arena.Nil)
	copy(arr[pos+1:], arr[pos:])
	arr[pos] = h
	b.setSide(o.Side, arr)
	return nil
}

// before reports whether a has priority over b on the same side.
func before(a, b *Order) bool {
	if a.Price != b.Price {
		if a.Side == Buy {
			return a.Price > b.Price
		}
		return a.Price < b.Price
	}
	if a.CreatedMs != b.CreatedMs {
		return a.CreatedMs < b.CreatedMs
	}
	return a.ID < b.ID
}

// Cancel removes a resting or pending order.
func (b *Book) Cancel(id uint64) error {
	for i := range b.pending {
		if b.pending[i].ID == id {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return nil
		}
	}

	side, idx, o := b.find(id)
	if o == nil {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if o.Reserved > 0 {
		return fmt.Errorf("%w: order %d holds %d", ErrOrderReserved, id, o.Reserved)
	}
	b.removeAt(side, idx)
	b.touch()
	return nil
}

// Get returns a copy of a resting order.
func (b *Book) Get(id uint64) (Order, bool) {
	_, _, o := b.find(id)
	if o == nil {
		return Order{}, false
	}
	return *o, true
}

// Match walks the contra side of a taker on side, filling at resting prices
// until qty is exhausted or the next price is worse than limit.
func (b *Book) Match(side Side, qty, limit int64) (MatchResult, error) {
	if err := validate(limit, qty); err != nil {
		return MatchResult{}, err
	}
	return b.walk(side, qty, func(p int64) bool {
		if side == Buy {
			return p <= limit
		}
		return p >= limit
	})
}

// MatchWithin takes liquidity priced inside [minPrice, maxPrice].
func (b *Book) MatchWithin(side Side, qty, minPrice, maxPrice int64) (MatchResult, error) {
	if qty <= 0 {
		return MatchResult{}, ErrInvalidQty
	}
	if minPrice > maxPrice {
		return MatchResult{}, fmt.Errorf("%w: band [%d, %d]", ErrInvalidPrice, minPrice, maxPrice)
	}
	return b.walk(side, qty, func(p int64) bool {
		return p >= minPrice && p <= maxPrice
	})
}

func (b *Book) walk(side Side, qty int64, accept func(int64) bool) (MatchResult, error) {
	contra := side.Opposite()
	arr := b.sideOf(contra)

	var (
		res       MatchResult
		acc       fixed.VWAPAccumulator
		remaining = qty
		kept      = arr[:0]
	)
	stopped := false
	for _, h := range arr {
		o, _ := b.orders.Get(h)
		if stopped || remaining == 0 || !accept(o.Price) {
			stopped = true
			kept = append(kept, h)
			continue
		}
		take := fixed.Min(o.Available(), remaining)
		if take > 0 {
			if err := acc.Add(take, o.Price); err != nil {
				return MatchResult{}, err
			}
			o.Qty -= take
			remaining -= take
			b.lastPrice = o.Price
			res.Fills = append(res.Fills, Fill{
				OrderID:   o.ID,
				Owner:     o.Owner,
				Price:     o.Price,
				Qty:       take,
				CreatedMs: o.CreatedMs,
			})
		}
		if o.Qty == 0 {
			b.orders.Free(h)
			continue
		}
		kept = append(kept, h)
	}
	b.setSide(contra, kept)

	res.Filled = acc.Qty()
	res.VWAP = acc.VWAP()
	n, err := acc.QuoteNotional()
	if err != nil {
		return MatchResult{}, err
	}
	res.Notional = n
	if res.Filled > 0 {
		b.touch()
	}
	return res, nil
}

// Reserve holds up to qty of contra liquidity priced no worse than limit
// for a taker on side. Held quantity is invisible to Match and other
// reservations until released with Unreserve or consumed with FillReserved.
func (b *Book) Reserve(side Side, qty, limit int64) ([]Allocation, error) {
	if err := validate(limit, qty); err != nil {
		return nil, err
	}
	var out []Allocation
	remaining := qty
	for _, h := range b.sideOf(side.Opposite()) {
		if remaining == 0 {
			break
		}
		o, _ := b.orders.Get(h)
		if (side == Buy && o.Price > limit) || (side == Sell && o.Price < limit) {
			break
		}
		take := fixed.Min(o.Available(), remaining)
		if take <= 0 {
			continue
		}
		o.Reserved += take
		remaining -= take
		out = append(out, Allocation{
			OrderID:   o.ID,
			Owner:     o.Owner,
			Price:     o.Price,
			Qty:       take,
			CreatedMs: o.CreatedMs,
		})
	}
	if len(out) > 0 {
		b.refreshQuotes()
	}
	return out, nil
}

// Unreserve returns held quantity to an order.
func (b *Book) Unreserve(id uint64, qty int64) error {
	_, _, o := b.find(id)
	if o == nil {
		return fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if qty > o.Reserved {
		return fmt.Errorf("%w: order %d reserved %d, release %d", ErrOverReserve, id, o.Reserved, qty)
	}
	o.Reserved -= qty
	b.refreshQuotes()
	return nil
}

// FillReserved executes qty previously reserved on order id and returns the
// order as it was before the fill. Exhausted orders leave the book.
func (b *Book) FillReserved(id uint64, qty int64) (Order, error) {
	side, idx, o := b.find(id)
	if o == nil {
		return Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if qty <= 0 || qty > o.Reserved {
		return Order{}, fmt.Errorf("%w: order %d reserved %d, fill %d", ErrOverReserve, id, o.Reserved, qty)
	}
	snapshot := *o
	o.Qty -= qty
	o.Reserved -= qty
	b.lastPrice = o.Price
	if o.Qty == 0 {
		b.removeAt(side, idx)
	}
	b.touch()
	return snapshot, nil
}

// AddPending queues an order that will rest only after PromotePending.
func (b *Book) AddPending(side Side, owner common.Address, price, qty int64, ts uint64) (uint64, error) {
	if err := validate(price, qty); err != nil {
		return 0, err
	}
	if len(b.pending) >= cap(b.pending) {
		return 0, fmt.Errorf("%w: %s", ErrPendingFull, b.symbol)
	}
	o := Order{ID: b.nextID, Owner: owner, Side: side, Price: price, Qty: qty, CreatedMs: ts}
	b.nextID++
	b.pending = append(b.pending, o)
	return o.ID, nil
}

// PromotePending moves queued orders onto the book in arrival order.
// Orders whose side is full stay queued for the next batch.
func (b *Book) PromotePending() int {
	promoted := 0
	kept := b.pending[:0]
	for _, o := range b.pending {
		if err := b.insert(o); err != nil {
			kept = append(kept, o)
			continue
		}
		promoted++
	}
	b.pending = kept
	if promoted > 0 {
		b.touch()
	}
	return promoted
}

func (b *Book) PendingLen() int { return len(b.pending) }

func (b *Book) BestBid() (int64, bool) { return b.best(b.bids) }
func (b *Book) BestAsk() (int64, bool) { return b.best(b.asks) }

func (b *Book) best(arr []arena.Handle) (int64, bool) {
	if len(arr) == 0 {
		return 0, false
	}
	o, _ := b.orders.Get(arr[0])
	return o.Price, true
}

// Mid returns the midpoint of the best bid and ask; false if either side is empty.
func (b *Book) Mid() (int64, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return 0, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return 0, false
	}
	return bid + (ask-bid)/2, true
}

// Levels aggregates up to n price levels on side, best first. n <= 0 means all.
func (b *Book) Levels(side Side, n int) []PriceLevel {
	var levels []PriceLevel
	for _, h := range b.sideOf(side) {
		o, _ := b.orders.Get(h)
		last := len(levels) - 1
		if last >= 0 && levels[last].Price == o.Price {
			levels[last].Qty += o.Qty
			levels[last].Available += o.Available()
			continue
		}
		if n > 0 && len(levels) == n {
			break
		}
		levels = append(levels, PriceLevel{Price: o.Price, Qty: o.Qty, Available: o.Available()})
	}
	return levels
}

// Orders returns copies of resting orders on side in priority order.
func (b *Book) Orders(side Side) []Order {
	arr := b.sideOf(side)
	out := make([]Order, 0, len(arr))
	for _, h := range arr {
		o, _ := b.orders.Get(h)
		out = append(out, *o)
	}
	return out
}

func (b *Book) find(id uint64) (Side, int, *Order) {
	for _, side := range []Side{Buy, Sell} {
		for i, h := range b.sideOf(side) {
			o, _ := b.orders.Get(h)
			if o.ID == id {
				return side, i, o
			}
		}
	}
	return Buy, -1, nil
}

func (b *Book) removeAt(side Side, idx int) {
	arr := b.sideOf(side)
	b.orders.Free(arr[idx])
	arr = append(arr[:idx], arr[idx+1:]...)
	b.setSide(side, arr)
}

func (b *Book) sideOf(side Side) []arena.Handle {
	if side == Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) setSide(side Side, arr []arena.Handle) {
	if side == Buy {
		b.bids = arr
	} else {
		b.asks = arr
	}
}

func (b *Book) touch() {
	b.seq++
	b.refreshQuotes()
}

func validate(price, qty int64) error {
	if price <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPrice, price)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQty, qty)
	}
	return nil
}
