// Package matching implements a venue: the books for its instruments plus
// the reserve/commit protocol a router uses to take liquidity atomically
// across several venues.
//
// A venue is single-threaded. Callers serialize every mutation.
package matching

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/app/core/antitox"
	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/arena"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

var (
	ErrNoLiquidity           = errors.New("no liquidity within limit")
	ErrSlicesExhausted       = errors.New("slice pool exhausted")
	ErrReservationsExhausted = errors.New("reservation pool exhausted")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrAlreadyCommitted      = errors.New("reservation already committed")
	ErrReservationExpired    = errors.New("reservation expired")
	ErrSeqMismatch           = errors.New("book sequence mismatch")
	ErrBatchFrozen           = errors.New("batch window frozen")
	ErrChargeExceedsHold     = errors.New("fee exceeds reserved max charge")
	ErrFundingTooEarly       = funding.ErrTooEarly
)

const (
	DefaultMaxReservations = 64
	DefaultMaxSlices       = 256
)

// Config sizes a venue's pools and sets its fee schedule.
type Config struct {
	Book            orderbook.Config
	AntiTox         antitox.Params
	MakerFeeBps     int64 // negative is a rebate
	TakerFeeBps     int64
	MaxReservations int
	MaxSlices       int
	AggressorSlots  int
}

func DefaultConfig() Config {
	return Config{
		Book:            orderbook.DefaultConfig(),
		AntiTox:         antitox.DefaultParams(),
		MakerFeeBps:     -2,
		TakerFeeBps:     5,
		MaxReservations: DefaultMaxReservations,
		MaxSlices:       DefaultMaxSlices,
		AggressorSlots:  antitox.DefaultLedgerCapacity,
	}
}

// Venue is one independently operated liquidity venue.
type Venue struct {
	id          string
	cfg         Config
	instruments *instrument.Registry
	books       map[string]*orderbook.Book

	guard      *antitox.Guard
	aggressors *antitox.AggressorLedger

	reservations *arena.Arena[Reservation]
	slices       *arena.Arena[Slice]
	nextHold     uint64
	receiptSeq   uint32

	logger *zap.Logger
}

func NewVenue(id string, cfg Config, logger *zap.Logger) *Venue {
	if cfg.MaxReservations <= 0 {
		cfg.MaxReservations = DefaultMaxReservations
	}
	if cfg.MaxSlices <= 0 {
		cfg.MaxSlices = DefaultMaxSlices
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	guard := antitox.NewGuard(cfg.AntiTox)
	return &Venue{
		id:           id,
		cfg:          cfg,
		instruments:  instrument.NewRegistry(),
		books:        make(map[string]*orderbook.Book),
		guard:        guard,
		aggressors:   antitox.NewAggressorLedger(guard, cfg.AggressorSlots),
		reservations: arena.New[Reservation](cfg.MaxReservations),
		slices:       arena.New[Slice](cfg.MaxSlices),
		nextHold:     1,
		logger:       logger.With(zap.String("venue", id)),
	}
}

func (v *Venue) ID() string { return v.id }

func (v *Venue) Instruments() *instrument.Registry { return v.instruments }

// Fees returns the venue fee schedule in bps.
func (v *Venue) Fees() (makerBps, takerBps int64) { return v.cfg.MakerFeeBps, v.cfg.TakerFeeBps }

// OpenReservations counts live reservation slots, committed ones included
// until the next Reserve sweeps them.
func (v *Venue) OpenReservations() int { return v.reservations.Len() }

func (v *Venue) AggressorLedger() *antitox.AggressorLedger { return v.aggressors }

// AddInstrument lists inst and opens an empty book for it.
func (v *Venue) AddInstrument(inst *instrument.Instrument) error {
	if err := v.instruments.Register(inst); err != nil {
		return err
	}
	v.books[inst.Symbol] = orderbook.New(inst.Symbol, v.cfg.Book)
	v.logger.Info("instrument_listed",
		zap.String("instrument", inst.Symbol),
		zap.Int64("tick", inst.TickSize),
		zap.Int64("lot", inst.LotSize))
	return nil
}

func (v *Venue) Book(symbol string) (*orderbook.Book, error) {
	b, ok := v.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", instrument.ErrNotFound, symbol)
	}
	return b, nil
}

// Symbols returns listed instruments in symbol order.
func (v *Venue) Symbols() []string {
	out := make([]string, 0, len(v.books))
	for sym := range v.books {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (v *Venue) lookup(symbol string) (*instrument.Instrument, *orderbook.Book, error) {
	inst, err := v.instruments.Get(symbol)
	if err != nil {
		return nil, nil, err
	}
	return inst, v.books[symbol], nil
}

// Quote returns the best contra price for a taker on side and the size
// still available there.
func (v *Venue) Quote(symbol string, side orderbook.Side) (price, size int64, ok bool) {
	b, found := v.books[symbol]
	if !found {
		return 0, 0, false
	}
	lvl, ok := b.Quotes().Best(side)
	if !ok || lvl.Available <= 0 {
		return 0, 0, false
	}
	return lvl.Price, lvl.Available, true
}

// Instrument returns the live instrument listed as symbol.
func (v *Venue) Instrument(symbol string) (*instrument.Instrument, error) {
	return v.instruments.Get(symbol)
}

func (v *Venue) IndexPrice(symbol string) (int64, error) {
	inst, err := v.instruments.Get(symbol)
	if err != nil {
		return 0, err
	}
	return inst.IndexPrice, nil
}

func (v *Venue) SetIndexPrice(symbol string, price int64) error {
	if price <= 0 {
		return fmt.Errorf("%w: %d", funding.ErrInvalidOracle, price)
	}
	inst, err := v.instruments.Get(symbol)
	if err != nil {
		return err
	}
	inst.IndexPrice = price
	return nil
}

// Mark is the book mid, falling back to the index and then the last trade.
func (v *Venue) Mark(symbol string) (int64, error) {
	inst, b, err := v.lookup(symbol)
	if err != nil {
		return 0, err
	}
	return markOf(inst, b), nil
}

func markOf(inst *instrument.Instrument, b *orderbook.Book) int64 {
	if mid, ok := b.Mid(); ok {
		return mid
	}
	if inst.IndexPrice > 0 {
		return inst.IndexPrice
	}
	return b.LastPrice()
}

// referencePrice is what the kill band compares: the index when known,
// otherwise the book mark.
func referencePrice(inst *instrument.Instrument, b *orderbook.Book) int64 {
	if inst.IndexPrice > 0 {
		return inst.IndexPrice
	}
	return markOf(inst, b)
}

// Place rests a limit order, or queues it until the next batch while the
// instrument is frozen.
func (v *Venue) Place(owner common.Address, symbol string, side orderbook.Side, price, qty int64, nowMs uint64) (uint64, error) {
	inst, b, err := v.lookup(symbol)
	if err != nil {
		return 0, err
	}
	if err := inst.ValidateOrder(price, qty); err != nil {
		return 0, err
	}
	if inst.Frozen(nowMs) {
		return b.AddPending(side, owner, price, qty, nowMs)
	}
	return b.Insert(side, owner, price, qty, nowMs)
}

func (v *Venue) CancelOrder(symbol string, id uint64) error {
	_, b, err := v.lookup(symbol)
	if err != nil {
		return err
	}
	return b.Cancel(id)
}

// Match is an immediate take outside the reserve/commit protocol.
func (v *Venue) Match(owner common.Address, symbol string, side orderbook.Side, qty, limit int64, nowMs uint64) (Execution, error) {
	inst, b, err := v.lookup(symbol)
	if err != nil {
		return Execution{}, err
	}
	if inst.Status != instrument.Active {
		return Execution{}, fmt.Errorf("%w: %s", instrument.ErrNotActive, symbol)
	}
	if inst.Frozen(nowMs) {
		return Execution{}, fmt.Errorf("%w: %s until %d", ErrBatchFrozen, symbol, inst.FreezeUntilMs)
	}
	if !v.aggressors.CanRecord(owner, symbol, inst.Epoch) {
		return Execution{}, antitox.ErrLedgerFull
	}
	res, err := b.Match(side, qty, limit)
	if err != nil {
		return Execution{}, err
	}
	if res.Filled == 0 {
		return Execution{}, fmt.Errorf("%w: %s %s %d @ %d", ErrNoLiquidity, symbol, side, qty, limit)
	}
	exec, err := v.price(inst, owner, side, res.Fills)
	if err != nil {
		return Execution{}, err
	}
	if err := v.chargeTax(&exec, inst); err != nil {
		return Execution{}, err
	}
	if err := v.recordAggressor(&exec, inst); err != nil {
		return Execution{}, err
	}
	v.stamp(&exec)
	return exec, nil
}

// BatchOpen starts a new epoch on symbol: takes freeze for BatchMs,
// queued orders are promoted and older aggressor entries pruned.
func (v *Venue) BatchOpen(symbol string, nowMs uint64) (int, error) {
	inst, b, err := v.lookup(symbol)
	if err != nil {
		return 0, err
	}
	inst.Epoch++
	inst.BatchOpenMs = nowMs
	inst.FreezeUntilMs = nowMs + v.cfg.AntiTox.BatchMs
	promoted := b.PromotePending()
	pruned := v.aggressors.Prune(symbol, inst.Epoch)
	v.logger.Debug("batch_open",
		zap.String("instrument", symbol),
		zap.Uint64("epoch", inst.Epoch),
		zap.Int("promoted", promoted),
		zap.Int("pruned", pruned))
	return promoted, nil
}

// Sweep takes up to qty inside [minPrice, maxPrice] for a liquidation.
// It ignores the batch freeze and charges no taker fee.
func (v *Venue) Sweep(symbol string, side orderbook.Side, qty, minPrice, maxPrice int64) (SweepResult, error) {
	_, b, err := v.lookup(symbol)
	if err != nil {
		return SweepResult{}, err
	}
	res, err := b.MatchWithin(side, qty, minPrice, maxPrice)
	if err != nil {
		return SweepResult{}, err
	}
	out := SweepResult{Filled: res.Filled, Notional: res.Notional, VWAP: res.VWAP}
	for _, f := range res.Fills {
		out.MakerFills = append(out.MakerFills, MakerFill{Owner: f.Owner, OrderID: f.OrderID, Qty: f.Qty, Price: f.Price})
	}
	return out, nil
}

// UpdateFunding runs one funding period on symbol against oracle and
// returns the applied rate. The oracle becomes the new index.
func (v *Venue) UpdateFunding(symbol string, oracle int64, nowMs uint64) (int64, error) {
	inst, b, err := v.lookup(symbol)
	if err != nil {
		return 0, err
	}
	if oracle <= 0 {
		return 0, fmt.Errorf("%w: %d", funding.ErrInvalidOracle, oracle)
	}
	mark := oracle
	if mid, ok := b.Mid(); ok {
		mark = mid
	} else if inst.IndexPrice > 0 {
		mark = inst.IndexPrice
	}
	rate, err := funding.Update(inst, mark, oracle, nowMs)
	if err != nil {
		return 0, err
	}
	inst.IndexPrice = oracle
	v.logger.Debug("funding_updated",
		zap.String("instrument", symbol),
		zap.Int64("rate", rate),
		zap.Int64("cum_funding", inst.CumFunding))
	return rate, nil
}

// price computes fees for fills taken by taker. It does not mutate the venue.
func (v *Venue) price(inst *instrument.Instrument, taker common.Address, side orderbook.Side, fills []orderbook.Fill) (Execution, error) {
	var (
		acc      fixed.VWAPAccumulator
		takerFee int64
	)
	makers := make([]MakerFill, 0, len(fills))
	for _, f := range fills {
		notional, err := fixed.Notional(f.Qty, f.Price)
		if err != nil {
			return Execution{}, err
		}
		fee, err := fixed.Bps(notional, v.cfg.TakerFeeBps)
		if err != nil {
			return Execution{}, err
		}
		if takerFee, err = fixed.Add(takerFee, fee); err != nil {
			return Execution{}, err
		}

		makerBps := v.guard.MakerFeeBps(v.cfg.MakerFeeBps, f.CreatedMs, inst.BatchOpenMs)
		makerFee, err := fixed.Bps(notional, makerBps)
		if err != nil {
			return Execution{}, err
		}
		if makerBps < 0 {
			makerFee = -makerFee
		}
		if err := acc.Add(f.Qty, f.Price); err != nil {
			return Execution{}, err
		}
		makers = append(makers, MakerFill{
			Owner:    f.Owner,
			OrderID:  f.OrderID,
			Qty:      f.Qty,
			Price:    f.Price,
			MakerFee: makerFee,
		})
	}
	notional, err := acc.QuoteNotional()
	if err != nil {
		return Execution{}, err
	}
	return Execution{
		Receipt: FillReceipt{
			FilledQty: acc.Qty(),
			VWAP:      acc.VWAP(),
			Notional:  notional,
			Fee:       takerFee,
		},
		Venue:      v.id,
		Taker:      taker,
		Instrument: inst.Symbol,
		Side:       side,
		MakerFills: makers,
	}, nil
}

// chargeTax adds the round-trip tax exec would cause to its fee. Nothing
// is recorded until recordAggressor.
func (v *Venue) chargeTax(exec *Execution, inst *instrument.Instrument) error {
	tax, err := v.aggressors.TaxIncrease(exec.Taker, inst.Symbol, inst.Epoch,
		exec.Side == orderbook.Buy, exec.Receipt.Notional)
	if err != nil {
		return err
	}
	exec.Tax = tax
	exec.Receipt.Fee, err = fixed.Add(exec.Receipt.Fee, tax)
	return err
}

// recordAggressor adds exec to the taker's batch flow.
func (v *Venue) recordAggressor(exec *Execution, inst *instrument.Instrument) error {
	return v.aggressors.Record(exec.Taker, inst.Symbol, inst.Epoch, exec.Side == orderbook.Buy,
		exec.Receipt.FilledQty, exec.Receipt.Notional)
}

func (v *Venue) stamp(exec *Execution) {
	v.receiptSeq++
	exec.Receipt.Seq = v.receiptSeq
}

// ResumeReceipts continues receipt numbering after seq, the last receipt
// issued before a restart.
func (v *Venue) ResumeReceipts(seq uint32) {
	if seq > v.receiptSeq {
		v.receiptSeq = seq
	}
}
