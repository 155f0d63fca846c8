// Package margin computes portfolio margin requirements.
//
// Initial margin is charged on the net exposure per instrument across all
// venues, so a long on one venue offset by a short on another needs no
// margin. Maintenance margin is charged on position size at the mark.
//
// All prices are 1e6 fixed point and rates are basis points:
//
//	Margin = |qty| × price / 1e6 × bps / 10000
package margin

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

var (
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrNoPrice            = errors.New("no price for instrument")
)

// Equity returns max(0, principal + pnl).
func Equity(principal, pnl int64) int64 {
	return fixed.Max(0, fixed.SatAdd(principal, pnl))
}

// MarginOnNet is the requirement for a net quantity at price.
// A flat net position requires nothing.
func MarginOnNet(net, price, bps int64) (int64, error) {
	if net == 0 {
		return 0, nil
	}
	abs, err := fixed.Abs(net)
	if err != nil {
		return 0, err
	}
	notional, err := fixed.Notional(abs, price)
	if err != nil {
		return 0, err
	}
	return fixed.Bps(notional, bps)
}

// InitialMargin sums MarginOnNet over every instrument the portfolio is
// exposed to. Prices missing from the map fall back to the position's
// entry price; with neither, ErrNoPrice is returned.
func InitialMargin(p *account.Portfolio, prices map[string]int64, imrBps int64) (int64, error) {
	var total int64
	for _, inst := range p.Instruments() {
		price, err := priceFor(p, inst, prices)
		if err != nil {
			return 0, err
		}
		m, err := MarginOnNet(p.NetExposure(inst), price, imrBps)
		if err != nil {
			return 0, fmt.Errorf("initial margin %s: %w", inst, err)
		}
		if total, err = fixed.Add(total, m); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// MaintenanceMargin sums |size| × mark × mmrBps over positions.
func MaintenanceMargin(positions []*account.Position, prices map[string]int64, mmrBps int64) (int64, error) {
	var total int64
	for _, pos := range positions {
		if pos == nil || pos.Size == 0 {
			continue
		}
		price, ok := prices[pos.Instrument]
		if !ok || price <= 0 {
			if pos.EntryPrice <= 0 {
				return 0, fmt.Errorf("%w: %s", ErrNoPrice, pos.Instrument)
			}
			price = pos.EntryPrice
		}
		m, err := MarginOnNet(pos.Size, price, mmrBps)
		if err != nil {
			return 0, fmt.Errorf("maintenance margin %s: %w", pos.Instrument, err)
		}
		if total, err = fixed.Add(total, m); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func IsLiquidatable(equity, mm int64) bool { return equity < mm }

// Check returns ErrInsufficientMargin when equity does not cover im.
func Check(equity, im int64) error {
	if equity < im {
		return fmt.Errorf("%w: equity %d < required %d", ErrInsufficientMargin, equity, im)
	}
	return nil
}

// Health is a point-in-time margin snapshot for one account.
type Health struct {
	Equity         int64
	IM             int64
	MM             int64
	Liquidatable   bool
	PreLiquidation bool // within the buffer above maintenance
}

// Assess builds a Health. The pre-liquidation buffer is preliqBandBps of
// the maintenance requirement.
func Assess(equity, im, mm, preliqBandBps int64) Health {
	buffer, err := fixed.Bps(mm, preliqBandBps)
	if err != nil {
		buffer = 0
	}
	return Health{
		Equity:         equity,
		IM:             im,
		MM:             mm,
		Liquidatable:   IsLiquidatable(equity, mm),
		PreLiquidation: equity >= mm && equity < fixed.SatAdd(mm, buffer),
	}
}

func priceFor(p *account.Portfolio, inst string, prices map[string]int64) (int64, error) {
	if price, ok := prices[inst]; ok && price > 0 {
		return price, nil
	}
	if pos, ok := p.Positions[inst]; ok && pos.EntryPrice > 0 {
		return pos.EntryPrice, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrNoPrice, inst)
}
