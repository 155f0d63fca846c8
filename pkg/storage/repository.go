// Package storage persists exchange state behind a small repository with
// batched units of work. Pebble backs durable nodes; an ordered in-memory
// map backs tests and ephemeral runs.
package storage

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/app/core/ledger"
	"github.com/uhyunpark/perpcore/pkg/app/core/matching"
	"github.com/uhyunpark/perpcore/pkg/app/core/router"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrWorkClosed = errors.New("unit of work already closed")
)

type backend interface {
	get(key []byte) ([]byte, error)
	scan(prefix []byte, reverse bool, fn func(key, val []byte) bool) error
	batch() writeBatch
	close() error
}

type writeBatch interface {
	set(key, val []byte) error
	del(key []byte) error
	commit() error
	discard()
}

// Repository reads committed state and opens units of work.
type Repository struct {
	b backend
}

func newRepository(b backend) *Repository { return &Repository{b: b} }

func (r *Repository) Close() error { return r.b.close() }

// Begin opens a unit of work. Nothing it writes is visible until Commit.
func (r *Repository) Begin() *UnitOfWork {
	return &UnitOfWork{b: r.b.batch()}
}

// Update runs fn inside one unit of work and commits it if fn succeeds.
func (r *Repository) Update(fn func(*UnitOfWork) error) error {
	uow := r.Begin()
	if err := fn(uow); err != nil {
		uow.Discard()
		return err
	}
	return uow.Commit()
}

func (r *Repository) Ledger() (*ledger.State, error) {
	raw, err := r.b.get([]byte(keyLedger))
	if err != nil {
		return nil, err
	}
	var s ledger.State
	if err := decodeGob(raw, &s); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	return &s, nil
}

func (r *Repository) Insurance() (router.InsuranceFund, error) {
	raw, err := r.b.get([]byte(keyInsurance))
	if err != nil {
		return router.InsuranceFund{}, err
	}
	var f router.InsuranceFund
	if err := decodeGob(raw, &f); err != nil {
		return router.InsuranceFund{}, fmt.Errorf("decode insurance: %w", err)
	}
	return f, nil
}

func (r *Repository) Portfolio(owner common.Address) (*account.Portfolio, error) {
	raw, err := r.b.get(portfolioKey(owner))
	if err != nil {
		return nil, err
	}
	return decodePortfolio(raw)
}

// Portfolios returns every stored portfolio ordered by owner.
func (r *Repository) Portfolios() ([]*account.Portfolio, error) {
	var (
		out     []*account.Portfolio
		scanErr error
	)
	err := r.b.scan([]byte(prefixPortfolio), false, func(_, val []byte) bool {
		p, err := decodePortfolio(val)
		if err != nil {
			scanErr = err
			return false
		}
		out = append(out, p)
		return true
	})
	return out, errors.Join(err, scanErr)
}

func decodePortfolio(raw []byte) (*account.Portfolio, error) {
	var p account.Portfolio
	if err := decodeGob(raw, &p); err != nil {
		return nil, fmt.Errorf("decode portfolio: %w", err)
	}
	if p.Positions == nil {
		p.Positions = make(map[string]*account.Position)
	}
	return &p, nil
}

// Instruments returns the instruments stored for venue ordered by symbol.
func (r *Repository) Instruments(venue string) ([]*instrument.Instrument, error) {
	var (
		out     []*instrument.Instrument
		scanErr error
	)
	err := r.b.scan(instrumentPrefix(venue), false, func(_, val []byte) bool {
		var inst instrument.Instrument
		if err := decodeGob(val, &inst); err != nil {
			scanErr = fmt.Errorf("decode instrument: %w", err)
			return false
		}
		out = append(out, &inst)
		return true
	})
	return out, errors.Join(err, scanErr)
}

func (r *Repository) Receipt(venue string, seq uint32) (matching.FillReceipt, error) {
	var rc matching.FillReceipt
	raw, err := r.b.get(receiptKey(venue, seq))
	if err != nil {
		return rc, err
	}
	return rc, rc.UnmarshalBinary(raw)
}

// Receipts returns up to limit receipts of venue with seq > after, in seq order.
func (r *Repository) Receipts(venue string, after uint32, limit int) ([]matching.FillReceipt, error) {
	var (
		out     []matching.FillReceipt
		scanErr error
	)
	err := r.b.scan(receiptPrefix(venue), false, func(_, val []byte) bool {
		var rc matching.FillReceipt
		if err := rc.UnmarshalBinary(val); err != nil {
			scanErr = err
			return false
		}
		if rc.Seq <= after {
			return true
		}
		out = append(out, rc)
		return limit <= 0 || len(out) < limit
	})
	return out, errors.Join(err, scanErr)
}

// LastReceiptSeq returns the highest stored seq for venue, or 0.
func (r *Repository) LastReceiptSeq(venue string) (uint32, error) {
	var (
		seq     uint32
		scanErr error
	)
	err := r.b.scan(receiptPrefix(venue), true, func(_, val []byte) bool {
		var rc matching.FillReceipt
		scanErr = rc.UnmarshalBinary(val)
		seq = rc.Seq
		return false
	})
	return seq, errors.Join(err, scanErr)
}

// SaveSnapshot replaces the stored router state with s in one batch.
// Portfolios no longer present in s are removed.
func (r *Repository) SaveSnapshot(s router.Snapshot) error {
	keep := make(map[common.Address]bool, len(s.Portfolios))
	for _, p := range s.Portfolios {
		keep[p.Owner] = true
	}
	stale, err := r.Portfolios()
	if err != nil {
		return err
	}
	return r.Update(func(uow *UnitOfWork) error {
		if err := uow.PutLedger(s.Ledger); err != nil {
			return err
		}
		if err := uow.PutInsurance(s.Insurance); err != nil {
			return err
		}
		for _, p := range s.Portfolios {
			if err := uow.PutPortfolio(p); err != nil {
				return err
			}
		}
		for _, p := range stale {
			if !keep[p.Owner] {
				if err := uow.DeletePortfolio(p.Owner); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// LoadSnapshot reads the router state. ErrNotFound means nothing was saved.
func (r *Repository) LoadSnapshot() (router.Snapshot, error) {
	l, err := r.Ledger()
	if err != nil {
		return router.Snapshot{}, err
	}
	ins, err := r.Insurance()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return router.Snapshot{}, err
	}
	ps, err := r.Portfolios()
	if err != nil {
		return router.Snapshot{}, err
	}
	return router.Snapshot{Ledger: l, Portfolios: ps, Insurance: ins}, nil
}

// UnitOfWork collects writes and applies them atomically on Commit.
type UnitOfWork struct {
	b      writeBatch
	closed bool
}

func (u *UnitOfWork) put(key []byte, v any) error {
	if u.closed {
		return ErrWorkClosed
	}
	raw, err := encodeGob(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return u.b.set(key, raw)
}

func (u *UnitOfWork) PutLedger(s *ledger.State) error {
	if s == nil {
		return fmt.Errorf("put ledger: nil state")
	}
	return u.put([]byte(keyLedger), s)
}

func (u *UnitOfWork) PutInsurance(f router.InsuranceFund) error {
	return u.put([]byte(keyInsurance), f)
}

func (u *UnitOfWork) PutPortfolio(p *account.Portfolio) error {
	return u.put(portfolioKey(p.Owner), p)
}

func (u *UnitOfWork) DeletePortfolio(owner common.Address) error {
	if u.closed {
		return ErrWorkClosed
	}
	return u.b.del(portfolioKey(owner))
}

func (u *UnitOfWork) PutInstrument(venue string, inst *instrument.Instrument) error {
	return u.put(instrumentKey(venue, inst.Symbol), inst)
}

// PutReceipt stores r in its 36-byte wire form.
func (u *UnitOfWork) PutReceipt(venue string, r matching.FillReceipt) error {
	if u.closed {
		return ErrWorkClosed
	}
	raw, err := r.MarshalBinary()
	if err != nil {
		return err
	}
	return u.b.set(receiptKey(venue, r.Seq), raw)
}

func (u *UnitOfWork) Commit() error {
	if u.closed {
		return ErrWorkClosed
	}
	u.closed = true
	return u.b.commit()
}

// Discard drops pending writes. Safe after Commit.
func (u *UnitOfWork) Discard() {
	if u.closed {
		return
	}
	u.closed = true
	u.b.discard()
}
