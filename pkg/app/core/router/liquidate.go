package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/capability"
	"github.com/uhyunpark/perpcore/pkg/app/core/ledger"
	"github.com/uhyunpark/perpcore/pkg/app/core/liquidation"
	"github.com/uhyunpark/perpcore/pkg/app/core/margin"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

type LiquidationResult struct {
	User   common.Address
	Health margin.Health
	liquidation.Result
	BadDebt          int64 // negative equity left after the closes
	InsuranceCovered int64
	Socialized       int64 // taken from winners' PnL
}

// Health reports user's margin standing at current marks.
func (r *Router) Health(user common.Address) (margin.Health, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, p, err := r.user(user)
	if err != nil {
		return margin.Health{}, err
	}
	t, im, err := r.target(uid, p)
	if err != nil {
		return margin.Health{}, err
	}
	return r.liq.Health(t, im), nil
}

// Liquidate force-closes an account below maintenance against venue
// liquidity, settles the closes, then covers any negative equity from the
// insurance fund and socializes what the fund could not pay.
func (r *Router) Liquidate(ctx context.Context, user common.Address, nowMs uint64) (LiquidationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uid, p, err := r.user(user)
	if err != nil {
		return LiquidationResult{}, err
	}
	if _, err := r.applyFunding(uid, p); err != nil {
		return LiquidationResult{}, err
	}
	t, im, err := r.target(uid, p)
	if err != nil {
		return LiquidationResult{}, err
	}
	out := LiquidationResult{User: user, Health: r.liq.Health(t, im)}
	if !out.Health.Liquidatable {
		return out, fmt.Errorf("%w: equity %d, mm %d", liquidation.ErrNotLiquidatable, t.Equity, t.MM)
	}

	closeSide := make(map[string]orderbook.Side, len(t.Positions))
	adapters := make(map[string]*sweepAdapter, len(t.Positions))
	sweepers := make(map[string]liquidation.Sweeper, len(t.Positions))
	for _, pos := range t.Positions {
		closeSide[pos.Instrument] = orderbook.Sell
		if pos.IsShort() {
			closeSide[pos.Instrument] = orderbook.Buy
		}
		ad := &sweepAdapter{venues: r.sweepOrder(p, pos.Instrument)}
		adapters[pos.Instrument] = ad
		sweepers[pos.Instrument] = ad
	}

	res, runErr := r.liq.Liquidate(t, sweepers, r.cfg.MaxDebt)
	out.Result = res

	// Executed sweeps are final even when the run stopped early.
	if err := r.settleSweeps(uid, p, adapters, closeSide); err != nil {
		return out, err
	}
	net, err := fixed.Sub(res.RealizedPnL, res.Fee)
	if err != nil {
		return out, err
	}
	if err := r.ledger.TradeSettle(uid, net); err != nil {
		return out, err
	}
	if res.Fee > 0 {
		if err := r.insurance.TopUp(res.Fee); err != nil {
			return out, err
		}
		r.moveOut(res.Fee)
	}
	if err := r.absorbBadDebt(uid, &out); err != nil {
		return out, err
	}
	if _, err := r.ledger.OnTouch(uid); err != nil {
		return out, err
	}
	if err := r.updateNotional(uid, p); err != nil {
		return out, err
	}

	r.metrics.Liquidations.Inc()
	r.metrics.InsuranceFund.Set(float64(r.insurance.Balance))
	r.publish(ctx, events.TopicLiquidation, user.Hex(), "liquidated", liquidationEvent{
		User:             user,
		ClosedQty:        res.ClosedQty,
		RealizedPnL:      res.RealizedPnL,
		Fee:              res.Fee,
		RemainingDeficit: res.RemainingDeficit,
		BadDebt:          out.BadDebt,
		InsuranceCovered: out.InsuranceCovered,
		Socialized:       out.Socialized,
		AtMs:             nowMs,
	})
	if runErr != nil {
		return out, fmt.Errorf("liquidate %s: %w", user.Hex(), runErr)
	}
	return out, nil
}

// target builds the liquidation view of a user at current marks.
func (r *Router) target(uid ledger.UID, p *account.Portfolio) (liquidation.Target, int64, error) {
	var positions []*account.Position
	for _, pos := range p.Positions {
		if pos.Size != 0 {
			positions = append(positions, pos)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Instrument < positions[j].Instrument })

	marks := r.marks(p.Instruments())
	equity, err := r.equity(uid, p, marks)
	if err != nil {
		return liquidation.Target{}, 0, err
	}
	mm, err := margin.MaintenanceMargin(positions, marks, r.cfg.Risk.MMRBps)
	if err != nil {
		return liquidation.Target{}, 0, err
	}
	im, err := margin.InitialMargin(p, marks, r.cfg.Risk.IMRBps)
	if err != nil {
		return liquidation.Target{}, 0, err
	}
	return liquidation.Target{
		Owner:     p.Owner,
		Positions: positions,
		Equity:    equity,
		MM:        mm,
		MMRBps:    r.cfg.Risk.MMRBps,
		Marks:     marks,
	}, im, nil
}

// sweepOrder lists venues holding exposure on symbol first, then every
// other active venue that lists it.
func (r *Router) sweepOrder(p *account.Portfolio, symbol string) []Venue {
	seen := make(map[string]bool)
	var out []Venue
	for _, id := range p.Venues(symbol) {
		if v, ok := r.venues[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, v)
		}
	}
	for _, id := range r.registry.Active() {
		if seen[id] {
			continue
		}
		if _, err := r.venues[id].Instrument(symbol); err == nil {
			seen[id] = true
			out = append(out, r.venues[id])
		}
	}
	return out
}

// settleSweeps moves the liquidated exposure off the venues that took it
// and books the makers on the other side.
func (r *Router) settleSweeps(uid ledger.UID, p *account.Portfolio, adapters map[string]*sweepAdapter, closeSide map[string]orderbook.Side) error {
	symbols := make([]string, 0, len(adapters))
	for sym := range adapters {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		ad := adapters[sym]
		if len(ad.fills) == 0 {
			continue
		}
		side := closeSide[sym]
		deltas := make([]account.ExposureDelta, 0, len(ad.fills))
		for _, f := range ad.fills {
			if _, err := r.settleFunding(uid, p, f.venue, sym); err != nil {
				return err
			}
			deltas = append(deltas, account.ExposureDelta{Venue: f.venue, Instrument: sym, Qty: signed(side, f.filled)})
		}
		if err := p.UpdateExposures(deltas); err != nil {
			r.logger.Error("liquidation_exposure_rejected", zap.String("instrument", sym), zap.Error(err))
		}
		for _, f := range ad.fills {
			r.markFunded(p, f.venue, sym)
			r.settleMakers(f.venue, sym, side, f.makers)
		}
	}
	return nil
}

// absorbBadDebt pays negative equity from insurance first and socializes
// the rest across winners, then writes it off the loser.
func (r *Router) absorbBadDebt(uid ledger.UID, out *LiquidationResult) error {
	a, err := r.ledger.Account(uid)
	if err != nil {
		return err
	}
	net := fixed.SatAdd(a.Principal, a.PnL)
	if net >= 0 {
		return nil
	}
	bad := -net
	out.BadDebt = bad

	covered := r.insurance.Cover(bad)
	if covered > 0 {
		if err := r.ledger.TradeSettle(uid, covered); err != nil {
			return err
		}
		r.moveIn(covered)
	}
	out.InsuranceCovered = covered

	rest := bad - covered
	if rest == 0 {
		return nil
	}
	applied, err := r.ledger.SocializeLosses(rest)
	if err != nil {
		return err
	}
	out.Socialized = applied
	if err := r.ledger.WriteOff(uid, rest); err != nil {
		return err
	}
	r.logger.Warn("bad_debt_socialized",
		zap.String("user", a.Owner.Hex()),
		zap.Int64("bad_debt", bad),
		zap.Int64("insurance", covered),
		zap.Int64("socialized", applied),
		zap.Int64("loss_accum", r.ledger.LossAccum))
	return nil
}

// moveIn and moveOut shift settlement-asset funds between the insurance
// fund and the custody vault.
func (r *Router) moveIn(amount int64) {
	amt, err := capability.Amount(amount)
	if err == nil {
		err = r.custody.Deposit(capability.AssetScope(r.cfg.SettlementAsset), amt)
	}
	if err != nil {
		r.logger.Error("insurance_transfer_failed", zap.Int64("amount", amount), zap.Error(err))
	}
}

func (r *Router) moveOut(amount int64) {
	amt, err := capability.Amount(amount)
	if err == nil {
		err = r.custody.Withdraw(capability.AssetScope(r.cfg.SettlementAsset), amt)
	}
	if err != nil {
		r.logger.Error("insurance_transfer_failed", zap.Int64("amount", -amount), zap.Error(err))
	}
}

type liquidationEvent struct {
	User             common.Address `json:"user"`
	ClosedQty        int64          `json:"closed_qty"`
	RealizedPnL      int64          `json:"realized_pnl"`
	Fee              int64          `json:"fee"`
	RemainingDeficit int64          `json:"remaining_deficit"`
	BadDebt          int64          `json:"bad_debt"`
	InsuranceCovered int64          `json:"insurance_covered"`
	Socialized       int64          `json:"socialized"`
	AtMs             uint64         `json:"at_ms"`
}
