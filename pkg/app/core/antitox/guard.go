// Package antitox holds the venue-side defences against toxic order flow:
// a kill band on oracle moves between reserve and commit, a penalty on
// just-in-time maker liquidity, and a round-trip tax on aggressors that
// buy and sell the same instrument inside one batch.
package antitox

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/perpcore/pkg/fixed"
)

var (
	ErrKillBand            = errors.New("oracle moved beyond kill band")
	ErrInvalidReservePrice = errors.New("invalid reserve price")
	ErrLedgerFull          = errors.New("aggressor ledger full")
)

type Params struct {
	KillBandBps int64 // 0 disables the kill band
	JITEnabled  bool
	ASFeeKBps   int64 // round-trip tax rate
	// BatchMs is the freeze window after a batch opens. The freeze covers
	// every level of the book, not just the top.
	BatchMs uint64
}

func DefaultParams() Params {
	return Params{
		KillBandBps: 100,
		JITEnabled:  true,
		ASFeeKBps:   50,
		BatchMs:     100,
	}
}

// Guard applies Params to reserve/commit decisions.
type Guard struct {
	params Params
}

func NewGuard(p Params) *Guard {
	return &Guard{params: p}
}

func (g *Guard) Params() Params { return g.params }

// CheckKillBand rejects a commit when the index has moved more than
// KillBandBps away from the price recorded at reserve time.
func (g *Guard) CheckKillBand(current, reserve int64) error {
	if g.params.KillBandBps == 0 {
		return nil
	}
	if reserve <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidReservePrice, reserve)
	}
	delta, err := fixed.Sub(current, reserve)
	if err != nil {
		return err
	}
	if delta, err = fixed.Abs(delta); err != nil {
		return err
	}
	moved, err := fixed.MulDiv(delta, fixed.BpsDenominator, reserve)
	if err != nil {
		return err
	}
	if moved > g.params.KillBandBps {
		return fmt.Errorf("%w: moved %d bps, band %d bps", ErrKillBand, moved, g.params.KillBandBps)
	}
	return nil
}

// MakerFeeBps returns the maker rate for an order. Orders created at or
// after the batch opened lose their rebate; positive maker fees stand.
func (g *Guard) MakerFeeBps(base int64, orderCreatedMs, batchOpenMs uint64) int64 {
	if !g.params.JITEnabled || orderCreatedMs < batchOpenMs {
		return base
	}
	if base < 0 {
		return 0
	}
	return base
}

// RoundTripTax is min(buy, sell) notional times the tax rate.
func (g *Guard) RoundTripTax(buyNotional, sellNotional int64) (int64, error) {
	return fixed.Bps(fixed.Min(buyNotional, sellNotional), g.params.ASFeeKBps)
}

// WorstCaseTax bounds the tax a take of notional could trigger: the
// account may already hold the full opposite leg this batch.
func (g *Guard) WorstCaseTax(notional int64) (int64, error) {
	return fixed.Bps(notional, g.params.ASFeeKBps)
}
