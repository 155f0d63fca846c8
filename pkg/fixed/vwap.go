package fixed

import (
	"math"

	"github.com/holiman/uint256"
)

// VWAPAccumulator sums qty·price in 256 bits so long walks over the book
// never wrap before the final division.
type VWAPAccumulator struct {
	weighted uint256.Int
	qty      int64
}

// Add records a fill of qty at price. Both must be non-negative.
func (a *VWAPAccumulator) Add(qty, price int64) error {
	if qty < 0 || price < 0 {
		return ErrOverflow
	}
	q, err := Add(a.qty, qty)
	if err != nil {
		return err
	}
	var term uint256.Int
	term.Mul(uint256.NewInt(uint64(qty)), uint256.NewInt(uint64(price)))
	if _, overflow := a.weighted.AddOverflow(&a.weighted, &term); overflow {
		return ErrOverflow
	}
	a.qty = q
	return nil
}

func (a *VWAPAccumulator) Qty() int64 { return a.qty }

// VWAP returns Σ(qty·price)/Σqty, or 0 when nothing was filled.
func (a *VWAPAccumulator) VWAP() int64 {
	if a.qty == 0 {
		return 0
	}
	var q uint256.Int
	q.Div(&a.weighted, uint256.NewInt(uint64(a.qty)))
	if !q.IsUint64() || q.Uint64() > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q.Uint64())
}

// QuoteNotional returns Σ(qty·price)/PriceScale.
func (a *VWAPAccumulator) QuoteNotional() (int64, error) {
	var q uint256.Int
	q.Div(&a.weighted, uint256.NewInt(uint64(PriceScale)))
	if !q.IsUint64() || q.Uint64() > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(q.Uint64()), nil
}

func (a *VWAPAccumulator) Reset() {
	a.weighted.Clear()
	a.qty = 0
}
