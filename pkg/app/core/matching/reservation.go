package matching

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/app/core/antitox"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/arena"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

// Reservation holds book liquidity for one taker between Reserve and Commit.
// Its slices form a linked list through the slice arena.
type Reservation struct {
	HoldID            uint64
	Account           common.Address
	Instrument        string
	Side              orderbook.Side
	Qty               int64
	SliceHead         arena.Handle
	ReserveIndexPrice int64
	ExpiryMs          uint64
	BookSeq           uint64
	MaxCharge         int64
	Committed         bool
}

// Slice is the quantity a reservation holds on one resting order.
type Slice struct {
	OrderID uint64
	Qty     int64
	Next    arena.Handle
}

type ReserveRequest struct {
	Account    common.Address
	Instrument string
	Side       orderbook.Side
	Qty        int64
	LimitPrice int64
	TTLms      uint64
	NowMs      uint64
}

// Hold is what Reserve hands back to the router.
// MaxCharge bounds the fee a later Commit can produce.
type Hold struct {
	HoldID       uint64
	ReservedQty  int64
	VWAPEstimate int64
	WorstPrice   int64
	MaxCharge    int64
	Seq          uint64
	ExpiryMs     uint64
}

// Reserve holds contra liquidity for req without changing the book
// sequence. Expired and committed reservations are swept first.
func (v *Venue) Reserve(req ReserveRequest) (Hold, error) {
	v.sweep(req.NowMs)

	inst, b, err := v.lookup(req.Instrument)
	if err != nil {
		return Hold{}, err
	}
	if inst.Status != instrument.Active {
		return Hold{}, fmt.Errorf("%w: %s", instrument.ErrNotActive, req.Instrument)
	}
	if req.Qty <= 0 {
		return Hold{}, fmt.Errorf("%w: %d", orderbook.ErrInvalidQty, req.Qty)
	}

	rh, r, err := v.reservations.Alloc()
	if err != nil {
		return Hold{}, fmt.Errorf("%w: %d open", ErrReservationsExhausted, v.reservations.Len())
	}

	allocs, err := b.Reserve(req.Side, req.Qty, req.LimitPrice)
	if err != nil {
		v.reservations.Free(rh)
		return Hold{}, err
	}
	if len(allocs) == 0 {
		v.reservations.Free(rh)
		return Hold{}, fmt.Errorf("%w: %s %s %d @ %d", ErrNoLiquidity, req.Instrument, req.Side, req.Qty, req.LimitPrice)
	}

	head, err := v.linkSlices(allocs)
	if err != nil {
		for _, a := range allocs {
			_ = b.Unreserve(a.OrderID, a.Qty)
		}
		v.reservations.Free(rh)
		return Hold{}, err
	}

	var (
		acc      fixed.VWAPAccumulator
		maxPrice int64
	)
	for _, a := range allocs {
		if err := acc.Add(a.Qty, a.Price); err != nil {
			v.release(b, head)
			v.reservations.Free(rh)
			return Hold{}, err
		}
		maxPrice = fixed.Max(maxPrice, a.Price)
	}
	reserved := acc.Qty()
	maxCharge, err := v.maxCharge(reserved, maxPrice)
	if err != nil {
		v.release(b, head)
		v.reservations.Free(rh)
		return Hold{}, err
	}

	*r = Reservation{
		HoldID:            v.nextHold,
		Account:           req.Account,
		Instrument:        req.Instrument,
		Side:              req.Side,
		Qty:               reserved,
		SliceHead:         head,
		ReserveIndexPrice: referencePrice(inst, b),
		ExpiryMs:          req.NowMs + req.TTLms,
		BookSeq:           b.Seq(),
		MaxCharge:         maxCharge,
	}
	v.nextHold++

	hold := Hold{
		HoldID:       r.HoldID,
		ReservedQty:  reserved,
		VWAPEstimate: acc.VWAP(),
		WorstPrice:   allocs[len(allocs)-1].Price,
		MaxCharge:    maxCharge,
		Seq:          r.BookSeq,
		ExpiryMs:     r.ExpiryMs,
	}
	v.logger.Debug("reserved",
		zap.Uint64("hold_id", hold.HoldID),
		zap.String("instrument", req.Instrument),
		zap.Stringer("side", req.Side),
		zap.Int64("qty", reserved),
		zap.Int64("max_charge", maxCharge))
	return hold, nil
}

// maxCharge is the taker fee plus the round-trip tax the reserved
// quantity could trigger, both priced at the highest reserved price.
func (v *Venue) maxCharge(qty, price int64) (int64, error) {
	notional, err := fixed.Notional(qty, price)
	if err != nil {
		return 0, err
	}
	fee, err := fixed.Bps(notional, v.cfg.TakerFeeBps)
	if err != nil {
		return 0, err
	}
	tax, err := v.guard.WorstCaseTax(notional)
	if err != nil {
		return 0, err
	}
	return fixed.Add(fee, tax)
}

// linkSlices allocates one slice per allocation, in allocation order.
// On exhaustion every slice it allocated is freed again.
func (v *Venue) linkSlices(allocs []orderbook.Allocation) (arena.Handle, error) {
	head := arena.Nil
	for i := len(allocs) - 1; i >= 0; i-- {
		h, s, err := v.slices.Alloc()
		if err != nil {
			for head != arena.Nil {
				next := v.sliceAt(head).Next
				v.slices.Free(head)
				head = next
			}
			return arena.Nil, fmt.Errorf("%w: %d slices", ErrSlicesExhausted, v.slices.Cap())
		}
		*s = Slice{OrderID: allocs[i].OrderID, Qty: allocs[i].Qty, Next: head}
		head = h
	}
	return head, nil
}

func (v *Venue) sliceAt(h arena.Handle) *Slice {
	s, _ := v.slices.Get(h)
	return s
}

// release unreserves and frees every slice from head.
func (v *Venue) release(b *orderbook.Book, head arena.Handle) {
	for h := head; h != arena.Nil; {
		s := v.sliceAt(h)
		if s == nil {
			return
		}
		next := s.Next
		if b != nil {
			_ = b.Unreserve(s.OrderID, s.Qty)
		}
		v.slices.Free(h)
		h = next
	}
}

// Commit executes a hold at the prices it reserved.
func (v *Venue) Commit(holdID, expectedSeq, nowMs uint64) (Execution, error) {
	_, r := v.findReservation(holdID)
	if r == nil {
		return Execution{}, fmt.Errorf("%w: %d", ErrReservationNotFound, holdID)
	}
	if r.Committed {
		return Execution{}, fmt.Errorf("%w: %d", ErrAlreadyCommitted, holdID)
	}
	if nowMs > r.ExpiryMs {
		return Execution{}, fmt.Errorf("%w: hold %d expired at %d", ErrReservationExpired, holdID, r.ExpiryMs)
	}
	inst, b, err := v.lookup(r.Instrument)
	if err != nil {
		return Execution{}, err
	}
	if expectedSeq != b.Seq() {
		return Execution{}, fmt.Errorf("%w: expected %d, book at %d", ErrSeqMismatch, expectedSeq, b.Seq())
	}
	if err := v.guard.CheckKillBand(referencePrice(inst, b), r.ReserveIndexPrice); err != nil {
		return Execution{}, err
	}
	if !v.aggressors.CanRecord(r.Account, r.Instrument, inst.Epoch) {
		return Execution{}, fmt.Errorf("commit %d: %w", holdID, antitox.ErrLedgerFull)
	}

	// Price every slice before touching the book so a failure leaves it intact.
	var fills []orderbook.Fill
	for h := r.SliceHead; h != arena.Nil; h = v.sliceAt(h).Next {
		s := v.sliceAt(h)
		o, ok := b.Get(s.OrderID)
		if !ok || o.Reserved < s.Qty {
			return Execution{}, fmt.Errorf("commit %d: slice on order %d: %w", holdID, s.OrderID, orderbook.ErrOverReserve)
		}
		fills = append(fills, orderbook.Fill{
			OrderID:   o.ID,
			Owner:     o.Owner,
			Price:     o.Price,
			Qty:       s.Qty,
			CreatedMs: o.CreatedMs,
		})
	}
	exec, err := v.price(inst, r.Account, r.Side, fills)
	if err != nil {
		return Execution{}, err
	}
	if err := v.chargeTax(&exec, inst); err != nil {
		return Execution{}, err
	}
	if exec.Receipt.Fee > r.MaxCharge {
		return Execution{}, fmt.Errorf("%w: hold %d fee %d, max %d", ErrChargeExceedsHold, holdID, exec.Receipt.Fee, r.MaxCharge)
	}
	if err := v.recordAggressor(&exec, inst); err != nil {
		return Execution{}, err
	}

	for _, f := range fills {
		if _, err := b.FillReserved(f.OrderID, f.Qty); err != nil {
			// unreachable after the checks above
			return Execution{}, fmt.Errorf("commit %d: %w", holdID, err)
		}
	}
	for h := r.SliceHead; h != arena.Nil; {
		next := v.sliceAt(h).Next
		v.slices.Free(h)
		h = next
	}
	r.SliceHead = arena.Nil
	r.Committed = true
	v.stamp(&exec)

	v.logger.Debug("committed",
		zap.Uint64("hold_id", holdID),
		zap.Uint32("receipt_seq", exec.Receipt.Seq),
		zap.Int64("filled", exec.Receipt.FilledQty),
		zap.Int64("fee", exec.Receipt.Fee))
	return exec, nil
}

// Cancel releases an uncommitted hold.
func (v *Venue) Cancel(holdID uint64) error {
	rh, r := v.findReservation(holdID)
	if r == nil {
		return fmt.Errorf("%w: %d", ErrReservationNotFound, holdID)
	}
	if r.Committed {
		return fmt.Errorf("%w: %d", ErrAlreadyCommitted, holdID)
	}
	b := v.books[r.Instrument]
	v.release(b, r.SliceHead)
	v.reservations.Free(rh)
	return nil
}

// Reservation returns a copy of the live reservation for holdID.
func (v *Venue) Reservation(holdID uint64) (Reservation, bool) {
	_, r := v.findReservation(holdID)
	if r == nil {
		return Reservation{}, false
	}
	return *r, true
}

func (v *Venue) findReservation(holdID uint64) (arena.Handle, *Reservation) {
	var (
		found  *Reservation
		handle = arena.Nil
	)
	v.reservations.Each(func(h arena.Handle, r *Reservation) bool {
		if r.HoldID == holdID {
			found, handle = r, h
			return false
		}
		return true
	})
	return handle, found
}

// sweep frees committed reservations and releases expired ones.
func (v *Venue) sweep(nowMs uint64) {
	var stale []arena.Handle
	v.reservations.Each(func(h arena.Handle, r *Reservation) bool {
		if r.Committed || nowMs > r.ExpiryMs {
			stale = append(stale, h)
		}
		return true
	})
	for _, h := range stale {
		r, _ := v.reservations.Get(h)
		if !r.Committed {
			v.release(v.books[r.Instrument], r.SliceHead)
		}
		v.reservations.Free(h)
	}
}
