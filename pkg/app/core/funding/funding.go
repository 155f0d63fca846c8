// Package funding keeps perpetual prices anchored to the oracle.
//
// Each instrument carries a cumulative funding index in quote units per
// base unit (1e6 scaled). Positions remember the index they last settled
// against and pay or receive the difference lazily, so an update never
// has to visit every position.
package funding

import (
	"errors"
	"fmt"
	"math"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

const secondsPerHour = 3600

var (
	ErrInvalidOracle = errors.New("invalid oracle price")
	ErrTooEarly      = errors.New("funding interval not elapsed")
)

// Apply settles funding owed by pos since its last settlement against inst
// and returns the amount paid.
//
// Sign convention: payment = Size*(CumFunding-FundingOffset)/1e6 and
// RealizedPnL -= payment. A rising index makes longs pay and shorts
// receive; a negative payment is a receipt. Applying twice without an
// index change is a no-op.
func Apply(pos *account.Position, inst *instrument.Instrument) (int64, error) {
	delta, err := fixed.Sub(inst.CumFunding, pos.FundingOffset)
	if err != nil {
		return 0, err
	}
	if delta == 0 {
		return 0, nil
	}
	payment, err := fixed.MulDiv(pos.Size, delta, fixed.PriceScale)
	if err != nil {
		return 0, err
	}
	pnl, err := fixed.Sub(pos.RealizedPnL, payment)
	if err != nil {
		return 0, err
	}
	pos.RealizedPnL = pnl
	pos.FundingOffset = inst.CumFunding
	return payment, nil
}

// Rate computes the funding rate (1e6 scaled fraction) for one period:
//
//	deviation = (mark - oracle) × 1e6 / oracle
//	rate      = deviation × sensitivity / 1e6 × dt / 3600
//
// clamped to ±capBps.
func Rate(mark, oracle, sensitivity int64, dtSeconds uint64, capBps int64) (int64, error) {
	if oracle <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOracle, oracle)
	}
	diff, err := fixed.Sub(mark, oracle)
	if err != nil {
		return 0, err
	}
	deviation, err := fixed.MulDiv(diff, fixed.PriceScale, oracle)
	if err != nil {
		return 0, err
	}
	scaled, err := fixed.MulDiv(deviation, sensitivity, fixed.PriceScale)
	if err != nil {
		return 0, err
	}
	if dtSeconds > uint64(1<<62) {
		dtSeconds = 1 << 62
	}
	rate, err := fixed.MulDiv(scaled, int64(dtSeconds), secondsPerHour)
	if err != nil {
		// an absurd dt saturates at the cap below
		if scaled < 0 {
			rate = -capToScale(capBps)
		} else {
			rate = capToScale(capBps)
		}
	}
	limit := capToScale(capBps)
	return fixed.Max(-limit, fixed.Min(limit, rate)), nil
}

// UpdateIndex advances the cumulative index of inst by one period.
// The index moves by rate × oracle so payments come out in quote units.
func UpdateIndex(inst *instrument.Instrument, mark, oracle int64, dtSeconds uint64) (int64, error) {
	rate, err := Rate(mark, oracle, inst.FundingSensitivity, dtSeconds, inst.MaxFundingRateBps)
	if err != nil {
		return 0, err
	}
	step, err := fixed.MulDiv(rate, oracle, fixed.PriceScale)
	if err != nil {
		return 0, err
	}
	cum, err := fixed.Add(inst.CumFunding, step)
	if err != nil {
		return 0, err
	}
	inst.CumFunding = cum
	inst.FundingRate = rate
	return rate, nil
}

// Due reports whether a full funding interval has elapsed since the last update.
func Due(inst *instrument.Instrument, nowMs uint64) bool {
	interval := uint64(inst.FundingInterval.Milliseconds())
	return nowMs >= inst.LastFundingMs+interval
}

// Update runs one gated funding period: it fails with ErrTooEarly inside the
// interval, otherwise advances the index over the elapsed time and stamps it.
func Update(inst *instrument.Instrument, mark, oracle int64, nowMs uint64) (int64, error) {
	if !Due(inst, nowMs) {
		return 0, fmt.Errorf("%w: %s next at %d", ErrTooEarly, inst.Symbol,
			inst.LastFundingMs+uint64(inst.FundingInterval.Milliseconds()))
	}
	dt := (nowMs - inst.LastFundingMs) / 1000
	if inst.LastFundingMs == 0 {
		// first period: charge one interval rather than time since epoch
		dt = uint64(inst.FundingInterval.Seconds())
	}
	rate, err := UpdateIndex(inst, mark, oracle, dt)
	if err != nil {
		return 0, err
	}
	inst.LastFundingMs = nowMs
	return rate, nil
}

// capToScale converts a bps cap to the 1e6 rate scale.
func capToScale(capBps int64) int64 {
	v, err := fixed.Mul(capBps, 100)
	if err != nil {
		return math.MaxInt64
	}
	return v
}
