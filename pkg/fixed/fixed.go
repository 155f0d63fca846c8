package fixed

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

// Scales shared by every package that touches money or prices.
const (
	PriceScale     int64 = 1_000_000 // prices are 1e6 fixed point
	BpsDenominator int64 = 10_000
)

var (
	ErrOverflow     = errors.New("arithmetic overflow")
	ErrDivideByZero = errors.New("division by zero")
)

// Add returns a+b or ErrOverflow.
func Add(a, b int64) (int64, error) {
	c := a + b
	if (c > a) != (b > 0) {
		return 0, ErrOverflow
	}
	return c, nil
}

// Sub returns a-b or ErrOverflow.
func Sub(a, b int64) (int64, error) {
	c := a - b
	if (c < a) != (b > 0) {
		return 0, ErrOverflow
	}
	return c, nil
}

// Mul returns a*b or ErrOverflow.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	c := a * b
	if c/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, ErrOverflow
	}
	return c, nil
}

// Abs returns |a|. MinInt64 has no positive counterpart and overflows.
func Abs(a int64) (int64, error) {
	if a == math.MinInt64 {
		return 0, ErrOverflow
	}
	if a < 0 {
		return -a, nil
	}
	return a, nil
}

func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// SatAdd saturates at the int64 bounds instead of failing.
func SatAdd(a, b int64) int64 {
	c, err := Add(a, b)
	if err != nil {
		if b > 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return c
}

// SatSub saturates at the int64 bounds instead of failing.
func SatSub(a, b int64) int64 {
	c, err := Sub(a, b)
	if err != nil {
		if b < 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return c
}

// MulDiv computes a*b/d with a 256-bit intermediate, truncating toward zero.
func MulDiv(a, b, d int64) (int64, error) {
	if d == 0 {
		return 0, ErrDivideByZero
	}
	neg := (a < 0) != (b < 0)
	if d < 0 {
		neg = !neg
	}
	x := absU256(a)
	y := absU256(b)
	z := absU256(d)

	q, overflow := new(uint256.Int).MulDivOverflow(x, y, z)
	if overflow || !q.IsUint64() {
		return 0, ErrOverflow
	}
	v := q.Uint64()
	if neg {
		if v > uint64(math.MaxInt64)+1 {
			return 0, ErrOverflow
		}
		return -int64(v), nil
	}
	if v > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(v), nil
}

// Notional converts qty at a 1e6-scaled price into quote units.
func Notional(qty, price int64) (int64, error) {
	return MulDiv(qty, price, PriceScale)
}

// Bps returns amount × |bps| / 10000. Negative rates are handled by the caller.
func Bps(amount, bps int64) (int64, error) {
	if bps < 0 {
		bps = -bps
	}
	return MulDiv(amount, bps, BpsDenominator)
}

func absU256(v int64) *uint256.Int {
	if v < 0 {
		// two's complement magnitude also covers MinInt64
		return uint256.NewInt(uint64(^v) + 1)
	}
	return uint256.NewInt(uint64(v))
}
