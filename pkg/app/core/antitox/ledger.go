package antitox

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/arena"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

const DefaultLedgerCapacity = 256

// AggressorEntry accumulates one account's taker flow on one instrument
// during one batch epoch.
type AggressorEntry struct {
	Account      common.Address
	Instrument   string
	Epoch        uint64
	BuyQty       int64
	SellQty      int64
	BuyNotional  int64
	SellNotional int64
}

// AggressorLedger is a fixed-capacity store of entries keyed by
// (account, instrument, epoch). Lookups are linear; entries are dropped
// when their epoch is pruned.
type AggressorLedger struct {
	guard   *Guard
	entries *arena.Arena[AggressorEntry]
}

func NewAggressorLedger(g *Guard, capacity int) *AggressorLedger {
	if capacity <= 0 {
		capacity = DefaultLedgerCapacity
	}
	return &AggressorLedger{guard: g, entries: arena.New[AggressorEntry](capacity)}
}

// Record adds a taker fill to the entry for the key, creating it if needed.
func (l *AggressorLedger) Record(account common.Address, instrument string, epoch uint64, buy bool, qty, notional int64) error {
	e := l.find(account, instrument, epoch)
	if e == nil {
		_, slot, err := l.entries.Alloc()
		if err != nil {
			return fmt.Errorf("%w: %d entries", ErrLedgerFull, l.entries.Cap())
		}
		slot.Account = account
		slot.Instrument = instrument
		slot.Epoch = epoch
		e = slot
	}

	var err error
	if buy {
		if e.BuyQty, err = fixed.Add(e.BuyQty, qty); err != nil {
			return err
		}
		e.BuyNotional, err = fixed.Add(e.BuyNotional, notional)
		return err
	}
	if e.SellQty, err = fixed.Add(e.SellQty, qty); err != nil {
		return err
	}
	e.SellNotional, err = fixed.Add(e.SellNotional, notional)
	return err
}

// Tax returns the round-trip tax owed by the key so far this epoch.
// Example: 500_000 bought and 400_000 sold at 50 bps is 2_000.
func (l *AggressorLedger) Tax(account common.Address, instrument string, epoch uint64) (int64, error) {
	e := l.find(account, instrument, epoch)
	if e == nil {
		return 0, nil
	}
	return l.guard.RoundTripTax(e.BuyNotional, e.SellNotional)
}

// TaxIncrease is the extra round-trip tax a fill of notional would add
// to the key, without recording it. The increase is capped at
// WorstCaseTax(notional): flooring the running tax can otherwise add a
// unit the fill itself never priced in.
func (l *AggressorLedger) TaxIncrease(account common.Address, instrument string, epoch uint64, buy bool, notional int64) (int64, error) {
	var e AggressorEntry
	if found := l.find(account, instrument, epoch); found != nil {
		e = *found
	}
	before, err := l.guard.RoundTripTax(e.BuyNotional, e.SellNotional)
	if err != nil {
		return 0, err
	}
	if buy {
		e.BuyNotional, err = fixed.Add(e.BuyNotional, notional)
	} else {
		e.SellNotional, err = fixed.Add(e.SellNotional, notional)
	}
	if err != nil {
		return 0, err
	}
	after, err := l.guard.RoundTripTax(e.BuyNotional, e.SellNotional)
	if err != nil {
		return 0, err
	}
	bound, err := l.guard.WorstCaseTax(notional)
	if err != nil {
		return 0, err
	}
	return fixed.Min(fixed.Max(0, after-before), bound), nil
}

func (l *AggressorLedger) Entry(account common.Address, instrument string, epoch uint64) (AggressorEntry, bool) {
	e := l.find(account, instrument, epoch)
	if e == nil {
		return AggressorEntry{}, false
	}
	return *e, true
}

// Prune frees entries for instrument older than epoch and returns how many were freed.
func (l *AggressorLedger) Prune(instrument string, epoch uint64) int {
	var stale []arena.Handle
	l.entries.Each(func(h arena.Handle, e *AggressorEntry) bool {
		if e.Instrument == instrument && e.Epoch < epoch {
			stale = append(stale, h)
		}
		return true
	})
	for _, h := range stale {
		l.entries.Free(h)
	}
	return len(stale)
}

// CanRecord reports whether Record for the key would find a slot.
func (l *AggressorLedger) CanRecord(account common.Address, instrument string, epoch uint64) bool {
	return l.find(account, instrument, epoch) != nil || l.entries.Len() < l.entries.Cap()
}

func (l *AggressorLedger) Len() int { return l.entries.Len() }

func (l *AggressorLedger) find(account common.Address, instrument string, epoch uint64) *AggressorEntry {
	var found *AggressorEntry
	l.entries.Each(func(_ arena.Handle, e *AggressorEntry) bool {
		if e.Account == account && e.Instrument == instrument && e.Epoch == epoch {
			found = e
			return false
		}
		return true
	})
	return found
}
