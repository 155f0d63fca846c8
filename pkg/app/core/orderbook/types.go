package orderbook

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidPrice  = errors.New("invalid price")
	ErrInvalidQty    = errors.New("invalid quantity")
	ErrBookFull      = errors.New("book full")
	ErrPendingFull   = errors.New("pending queue full")
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderReserved = errors.New("order has outstanding reservations")
	ErrOverReserve   = errors.New("reservation exceeds available quantity")
)

type Side uint8

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the contra side (the side a taker matches against).
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Order is a resting limit order.
// Qty is what remains; Reserved is the part held by outstanding reservations.
type Order struct {
	ID        uint64
	Owner     common.Address
	Side      Side
	Price     int64 // 1e6 scaled
	Qty       int64
	Reserved  int64
	CreatedMs uint64
}

// Available is the quantity a new take or reservation may still consume.
func (o *Order) Available() int64 { return o.Qty - o.Reserved }

// Fill is one maker order touched by a take.
type Fill struct {
	OrderID   uint64
	Owner     common.Address
	Price     int64
	Qty       int64
	CreatedMs uint64
}

// Allocation is a quantity held against a resting order by a reservation.
type Allocation struct {
	OrderID   uint64
	Owner     common.Address
	Price     int64
	Qty       int64
	CreatedMs uint64
}

type PriceLevel struct {
	Price     int64
	Qty       int64 // total remaining at this price
	Available int64 // remaining minus reserved
}

// MatchResult summarises a walk of the contra side.
type MatchResult struct {
	Filled   int64
	VWAP     int64
	Notional int64 // quote units
	Fills    []Fill
}
