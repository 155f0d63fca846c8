package perp

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/crypto"
)

// StateHash is a keccak digest of the ledger, the insurance fund, every
// portfolio and every book. Two exchanges fed the same operations in the
// same order agree on it.
func (ex *Exchange) StateHash() common.Hash {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	snap := ex.router.Snapshot()
	h := crypto.NewStateHasher()

	l := snap.Ledger
	h.Int64(l.Vault).Int64(l.FeesOutstanding).Int64(l.LossAccum).Int64(l.PendingWriteOff).
		Int64(l.FeeIndex).Int64(l.SumVestedPosPnL).Int64(l.FeeCarry).Int64(l.Unlock.UnlockBps)
	h.Uint64(uint64(len(l.Users)))
	for _, a := range l.Users {
		h.Address(a.Owner).Int64(a.Principal).Int64(a.PnL).Int64(a.ReservedPnL).
			Int64(a.Warmup.Withdrawn).Int64(a.FeeAccrued).Int64(a.PositionNotional)
	}

	ins := snap.Insurance
	h.Int64(ins.Balance).Int64(ins.TotalTopUps).Int64(ins.TotalPayouts).Int64(ins.UncoveredBadDebt)

	h.Uint64(uint64(len(snap.Portfolios)))
	for _, p := range snap.Portfolios {
		h.Address(p.Owner).Uint64(uint64(len(p.Exposures)))
		for _, e := range p.Exposures {
			h.String(e.Venue).String(e.Instrument).Int64(e.Qty).Int64(e.FundingOffset)
		}
	}

	for _, id := range ex.ids {
		v := ex.venues[id]
		h.String(id)
		for _, sym := range v.Symbols() {
			inst, err := v.Instrument(sym)
			if err != nil {
				continue
			}
			b, err := v.Book(sym)
			if err != nil {
				continue
			}
			h.String(sym).Uint64(inst.Epoch).Int64(inst.IndexPrice).Int64(inst.CumFunding)
			for _, side := range []orderbook.Side{orderbook.Buy, orderbook.Sell} {
				levels := b.Levels(side, 0)
				h.Uint64(uint64(len(levels)))
				for _, lvl := range levels {
					h.Int64(lvl.Price).Int64(lvl.Qty)
				}
			}
		}
	}
	return h.Sum()
}
