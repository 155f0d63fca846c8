// Package liquidation force-closes underwater positions against venue
// liquidity inside a price band around the mark.
package liquidation

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/margin"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

var (
	ErrNotLiquidatable = errors.New("account not liquidatable")
	ErrNoMark          = errors.New("no mark price")
)

type Params struct {
	FeeBps        int64 // charged on closed notional, paid to the liquidator
	PriceBandBps  int64 // how far from the mark a close may trade
	PreliqBandBps int64 // buffer above maintenance flagged as pre-liquidation
}

func DefaultParams() Params {
	return Params{FeeBps: 50, PriceBandBps: 200, PreliqBandBps: 100}
}

// Sweeper takes liquidity on one venue without fees.
// side is the taker side; fills are restricted to [minPrice, maxPrice].
type Sweeper interface {
	Sweep(instrument string, side orderbook.Side, qty, minPrice, maxPrice int64) (filled, notional int64, err error)
}

// Target describes the account being liquidated.
type Target struct {
	Owner     common.Address
	Positions []*account.Position
	Equity    int64
	MM        int64
	MMRBps    int64
	Marks     map[string]int64
}

// Close is one forced close on one instrument.
type Close struct {
	Instrument string
	Side       orderbook.Side
	Qty        int64
	AvgPrice   int64
	Notional   int64
	Realized   int64
}

type Result struct {
	ClosedQty        int64
	RealizedPnL      int64
	ClosedNotional   int64
	Fee              int64
	Recovered        int64 // maintenance margin released by the closes
	RemainingDeficit int64
	Closes           []Close
}

type Engine struct {
	params Params
	logger *zap.Logger
}

func NewEngine(p Params, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{params: p, logger: logger}
}

func (e *Engine) Params() Params { return e.params }

// Health reports where t stands relative to maintenance.
func (e *Engine) Health(t Target, im int64) margin.Health {
	return margin.Assess(t.Equity, im, t.MM, e.params.PreliqBandBps)
}

// Liquidate closes t's positions in instrument order until the deficit
// (MM - equity, capped at maxDebt when maxDebt > 0) is recovered.
//
// Positions are mutated as fills land. A sweep error stops the run, but
// whatever was already executed stays closed and is reported in Result.
func (e *Engine) Liquidate(t Target, sweepers map[string]Sweeper, maxDebt int64) (Result, error) {
	if !margin.IsLiquidatable(t.Equity, t.MM) {
		return Result{}, fmt.Errorf("%w: equity %d >= mm %d", ErrNotLiquidatable, t.Equity, t.MM)
	}
	deficit := t.MM - t.Equity
	if maxDebt > 0 {
		deficit = fixed.Min(deficit, maxDebt)
	}

	positions := make([]*account.Position, 0, len(t.Positions))
	for _, p := range t.Positions {
		if p != nil && p.Size != 0 {
			positions = append(positions, p)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Instrument < positions[j].Instrument })

	var res Result
	for _, pos := range positions {
		if res.Recovered >= deficit {
			break
		}
		sw, ok := sweepers[pos.Instrument]
		if !ok {
			e.logger.Warn("liquidation_no_sweeper", zap.String("instrument", pos.Instrument))
			continue
		}
		c, err := e.close(pos, sw, t.Marks)
		if err != nil {
			res.finish(deficit)
			return res, fmt.Errorf("liquidate %s: %w", pos.Instrument, err)
		}
		if c.Qty == 0 {
			continue
		}
		released, err := margin.MarginOnNet(c.Qty, t.Marks[pos.Instrument], t.MMRBps)
		if err != nil {
			res.finish(deficit)
			return res, err
		}
		fee, err := fixed.Bps(c.Notional, e.params.FeeBps)
		if err != nil {
			res.finish(deficit)
			return res, err
		}
		res.Closes = append(res.Closes, c)
		res.ClosedQty = fixed.SatAdd(res.ClosedQty, c.Qty)
		res.RealizedPnL = fixed.SatAdd(res.RealizedPnL, c.Realized)
		res.ClosedNotional = fixed.SatAdd(res.ClosedNotional, c.Notional)
		res.Fee = fixed.SatAdd(res.Fee, fee)
		res.Recovered = fixed.SatAdd(res.Recovered, released)
	}
	res.finish(deficit)

	e.logger.Info("liquidated",
		zap.String("owner", t.Owner.Hex()),
		zap.Int64("deficit", deficit),
		zap.Int64("closed_qty", res.ClosedQty),
		zap.Int64("realized_pnl", res.RealizedPnL),
		zap.Int64("fee", res.Fee),
		zap.Int64("remaining_deficit", res.RemainingDeficit))
	return res, nil
}

func (r *Result) finish(deficit int64) {
	r.RemainingDeficit = fixed.Max(0, deficit-r.Recovered)
}

// close sweeps the opposite side for the whole position inside the band
// and realizes PnL at the average fill price.
func (e *Engine) close(pos *account.Position, sw Sweeper, marks map[string]int64) (Close, error) {
	mark, ok := marks[pos.Instrument]
	if !ok || mark <= 0 {
		return Close{}, fmt.Errorf("%w: %s", ErrNoMark, pos.Instrument)
	}
	band, err := fixed.Bps(mark, e.params.PriceBandBps)
	if err != nil {
		return Close{}, err
	}

	side := orderbook.Sell
	minPrice, maxPrice := mark-band, int64(math.MaxInt64)
	qty := pos.Size
	if pos.IsShort() {
		side = orderbook.Buy
		minPrice, maxPrice = 0, fixed.SatAdd(mark, band)
		qty = -pos.Size
	}

	filled, notional, err := sw.Sweep(pos.Instrument, side, qty, minPrice, maxPrice)
	if err != nil {
		return Close{}, err
	}
	if filled == 0 {
		return Close{Instrument: pos.Instrument, Side: side}, nil
	}
	avg, err := fixed.MulDiv(notional, fixed.PriceScale, filled)
	if err != nil {
		return Close{}, err
	}
	delta := -filled
	if side == orderbook.Buy {
		delta = filled
	}
	realized, err := pos.ApplyFill(delta, avg)
	if err != nil {
		return Close{}, err
	}
	return Close{
		Instrument: pos.Instrument,
		Side:       side,
		Qty:        filled,
		AvgPrice:   avg,
		Notional:   notional,
		Realized:   realized,
	}, nil
}
