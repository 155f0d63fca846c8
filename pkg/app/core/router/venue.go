package router

import (
	"errors"

	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/app/core/matching"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

// Venue is the surface the router needs from a liquidity venue.
type Venue interface {
	ID() string
	Quote(symbol string, side orderbook.Side) (price, size int64, ok bool)
	Reserve(req matching.ReserveRequest) (matching.Hold, error)
	Commit(holdID, expectedSeq, nowMs uint64) (matching.Execution, error)
	Cancel(holdID uint64) error
	Sweep(symbol string, side orderbook.Side, qty, minPrice, maxPrice int64) (matching.SweepResult, error)
	IndexPrice(symbol string) (int64, error)
	Mark(symbol string) (int64, error)
	Instrument(symbol string) (*instrument.Instrument, error)
	Fees() (makerBps, takerBps int64)
}

var _ Venue = (*matching.Venue)(nil)

// venueSweep is one venue's share of a liquidation sweep.
type venueSweep struct {
	venue  string
	filled int64
	makers []matching.MakerFill
}

// sweepAdapter spreads a liquidation sweep over several venues in order
// and remembers where each fill landed.
type sweepAdapter struct {
	venues []Venue
	fills  []venueSweep
}

func (a *sweepAdapter) Sweep(symbol string, side orderbook.Side, qty, minPrice, maxPrice int64) (int64, int64, error) {
	var (
		filled, notional int64
		errs             []error
	)
	for _, v := range a.venues {
		if filled >= qty {
			break
		}
		res, err := v.Sweep(symbol, side, qty-filled, minPrice, maxPrice)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Filled == 0 {
			continue
		}
		filled += res.Filled
		if notional, err = fixed.Add(notional, res.Notional); err != nil {
			return filled, notional, err
		}
		a.fills = append(a.fills, venueSweep{venue: v.ID(), filled: res.Filled, makers: res.MakerFills})
	}
	if filled == 0 && len(errs) > 0 {
		return 0, 0, errors.Join(errs...)
	}
	return filled, notional, nil
}
