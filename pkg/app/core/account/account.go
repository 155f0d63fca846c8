package account

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/fixed"
)

var ErrInvalidFill = errors.New("invalid fill")

// Position represents an open perpetual position on one instrument,
// aggregated across every venue the owner traded it on.
type Position struct {
	Owner      common.Address
	Instrument string // e.g. "BTC-PERP"

	// Position size (+ve = long, -ve = short, in base units)
	Size int64

	// Volume-weighted average entry price (1e6 scaled)
	// Updated on each same-direction fill: newEntry = (oldEntry × |oldSize| + fillPrice × |fillSize|) / |newSize|
	EntryPrice int64

	// Instrument cumulative funding index at the last settlement
	FundingOffset int64

	// Realized PnL accumulated on this position (quote units), including funding
	RealizedPnL int64
}

func NewPosition(owner common.Address, instrument string) *Position {
	return &Position{Owner: owner, Instrument: instrument}
}

// ApplyFill applies a signed fill of sizeDelta at price and returns the PnL it realized.
// Same-direction fills move the entry; reductions realize; crossing zero
// realizes the closed part and reopens at the fill price.
func (p *Position) ApplyFill(sizeDelta, price int64) (int64, error) {
	if sizeDelta == 0 {
		return 0, nil
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: price %d", ErrInvalidFill, price)
	}
	oldSize := p.Size
	newSize, err := fixed.Add(oldSize, sizeDelta)
	if err != nil {
		return 0, err
	}

	// Opening or adding in the same direction: update VWAP
	if oldSize == 0 || (oldSize > 0) == (sizeDelta > 0) {
		var acc fixed.VWAPAccumulator
		absOld, err := fixed.Abs(oldSize)
		if err != nil {
			return 0, err
		}
		absDelta, err := fixed.Abs(sizeDelta)
		if err != nil {
			return 0, err
		}
		if err := acc.Add(absOld, p.EntryPrice); err != nil {
			return 0, err
		}
		if err := acc.Add(absDelta, price); err != nil {
			return 0, err
		}
		p.EntryPrice = acc.VWAP()
		p.Size = newSize
		return 0, nil
	}

	// Opposite direction: reducing/flipping position
	absOld, err := fixed.Abs(oldSize)
	if err != nil {
		return 0, err
	}
	absDelta, err := fixed.Abs(sizeDelta)
	if err != nil {
		return 0, err
	}
	closed := fixed.Min(absOld, absDelta)

	// Realized PnL = (exitPrice - entryPrice) × closed / 1e6
	// For shorts, flip the sign
	diff, err := fixed.Sub(price, p.EntryPrice)
	if err != nil {
		return 0, err
	}
	realized, err := fixed.MulDiv(diff, closed, fixed.PriceScale)
	if err != nil {
		return 0, err
	}
	if oldSize < 0 {
		realized = -realized
	}
	total, err := fixed.Add(p.RealizedPnL, realized)
	if err != nil {
		return 0, err
	}

	p.RealizedPnL = total
	p.Size = newSize
	switch {
	case newSize == 0:
		p.EntryPrice = 0
	case (oldSize > 0) != (newSize > 0):
		// Position flipped: new entry price is fill price
		p.EntryPrice = price
	}
	return realized, nil
}

// UnrealizedPnL computes unrealized profit/loss at mark
// Formula: (mark - entry) × size / 1e6
func (p *Position) UnrealizedPnL(mark int64) (int64, error) {
	if p.Size == 0 {
		return 0, nil
	}
	diff, err := fixed.Sub(mark, p.EntryPrice)
	if err != nil {
		return 0, err
	}
	return fixed.MulDiv(diff, p.Size, fixed.PriceScale)
}

// Notional returns |size| × mark / 1e6
func (p *Position) Notional(mark int64) (int64, error) {
	size, err := fixed.Abs(p.Size)
	if err != nil {
		return 0, err
	}
	return fixed.Notional(size, mark)
}

func (p *Position) IsLong() bool  { return p.Size > 0 }
func (p *Position) IsShort() bool { return p.Size < 0 }
