package perp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/params"
	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/antitox"
	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/app/core/ledger"
	"github.com/uhyunpark/perpcore/pkg/app/core/margin"
	"github.com/uhyunpark/perpcore/pkg/app/core/matching"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/app/core/router"
	"github.com/uhyunpark/perpcore/pkg/crypto"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/fixed"
	"github.com/uhyunpark/perpcore/pkg/storage"
)

var ErrUnknownVenue = errors.New("unknown venue")

type Options struct {
	Config     params.Config
	Markets    *params.Markets
	Repo       *storage.Repository   // nil keeps state in memory
	Events     events.Publisher      // nil discards
	Registerer prometheus.Registerer // nil leaves metrics unregistered
	Oracle     Oracle                // nil uses a FixedOracle at the listed index prices
	Logger     *zap.Logger
}

// Exchange wires the venues, the router and the repository into one
// process. Every method is serialized: venues are not safe for concurrent
// use and the router calls into them.
type Exchange struct {
	mu      sync.Mutex
	cfg     params.Config
	venues  map[string]*matching.Venue
	ids     []string // sorted venue ids
	router  *router.Router
	repo    *storage.Repository
	oracle  Oracle
	metrics *Metrics
	logger  *zap.Logger
}

// New builds the venues listed in opts.Markets, registers them with a fresh
// router and resumes any state found in the repository.
func New(opts Options) (*Exchange, error) {
	if opts.Markets == nil {
		return nil, fmt.Errorf("perp: no markets")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	repo := opts.Repo
	if repo == nil {
		repo = storage.NewMemory()
	}
	oracle := opts.Oracle
	if oracle == nil {
		fo := NewFixedOracle(nil)
		for _, s := range opts.Markets.Instruments {
			fo.Set(s.Symbol, s.IndexPrice)
		}
		oracle = fo
	}

	ex := &Exchange{
		cfg:     opts.Config,
		venues:  make(map[string]*matching.Venue),
		router:  router.New(opts.Config.Router, router.NewMetrics(opts.Registerer), opts.Events, logger.Named("router")),
		repo:    repo,
		oracle:  oracle,
		metrics: NewMetrics(opts.Registerer),
		logger:  logger,
	}
	for _, vs := range opts.Markets.Venues {
		if err := ex.addVenue(opts.Markets, vs); err != nil {
			return nil, err
		}
	}
	sort.Strings(ex.ids)

	snap, err := repo.LoadSnapshot()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Info("exchange_fresh_start", zap.Int("venues", len(ex.ids)))
	case err != nil:
		return nil, fmt.Errorf("load snapshot: %w", err)
	default:
		if err := ex.router.Restore(snap); err != nil {
			return nil, err
		}
		logger.Info("exchange_restored",
			zap.Int("users", len(snap.Portfolios)),
			zap.Int64("vault", snap.Ledger.Vault),
			zap.Int64("insurance", snap.Insurance.Balance))
	}
	return ex, nil
}

func (ex *Exchange) addVenue(m *params.Markets, vs params.VenueSpec) error {
	vcfg := ex.cfg.Venue
	if vs.MakerFeeBps != nil {
		vcfg.MakerFeeBps = *vs.MakerFeeBps
	}
	if vs.TakerFeeBps != nil {
		vcfg.TakerFeeBps = *vs.TakerFeeBps
	}
	v := matching.NewVenue(vs.ID, vcfg, ex.logger.Named("venue"))

	stored, err := ex.repo.Instruments(vs.ID)
	if err != nil {
		return fmt.Errorf("load instruments %s: %w", vs.ID, err)
	}
	prior := make(map[string]*instrument.Instrument, len(stored))
	for _, inst := range stored {
		prior[inst.Symbol] = inst
	}

	for _, sym := range vs.Instruments {
		spec, _ := m.Instrument(sym)
		inst, err := instrument.New(spec.Symbol, spec.Base, spec.Quote, spec.Params())
		if err != nil {
			return fmt.Errorf("venue %s: %w", vs.ID, err)
		}
		if p, ok := prior[sym]; ok {
			inst.Status = p.Status
			inst.IndexPrice = p.IndexPrice
			inst.CumFunding = p.CumFunding
			inst.FundingRate = p.FundingRate
			inst.LastFundingMs = p.LastFundingMs
			inst.Epoch = p.Epoch
		}
		if err := v.AddInstrument(inst); err != nil {
			return err
		}
	}

	last, err := ex.repo.LastReceiptSeq(vs.ID)
	if err != nil {
		return fmt.Errorf("load receipts %s: %w", vs.ID, err)
	}
	v.ResumeReceipts(last)

	entry := router.VenueEntry{
		ID:             vs.ID,
		Name:           vs.Name,
		VersionHash:    crypto.VersionHash(vs.ID, vs.Version),
		IMRBps:         orDefault(vs.IMRBps, ex.cfg.Router.Risk.IMRBps),
		MMRBps:         orDefault(vs.MMRBps, ex.cfg.Router.Risk.MMRBps),
		MakerFeeCapBps: orDefault(vs.MakerFeeCapBps, fixed.Max(vcfg.MakerFeeBps, 0)),
		TakerFeeCapBps: orDefault(vs.TakerFeeCapBps, fixed.Max(vcfg.TakerFeeBps, 0)),
		LatencySLAms:   vs.LatencySLAms,
		MaxExposure:    vs.MaxExposure,
	}
	if entry.Name == "" {
		entry.Name = vs.ID
	}
	if err := ex.router.AddVenue(entry, v); err != nil {
		return err
	}
	ex.venues[vs.ID] = v
	ex.ids = append(ex.ids, vs.ID)
	return nil
}

func orDefault(v, def int64) int64 {
	if v == 0 {
		return def
	}
	return v
}

func (ex *Exchange) Router() *router.Router { return ex.router }

// Venues returns the venue ids in order.
func (ex *Exchange) Venues() []string { return append([]string(nil), ex.ids...) }

// Symbols lists the instruments venueID trades.
func (ex *Exchange) Symbols(venueID string) ([]string, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	v, err := ex.venue(venueID)
	if err != nil {
		return nil, err
	}
	return v.Symbols(), nil
}

func (ex *Exchange) venue(id string) (*matching.Venue, error) {
	v, ok := ex.venues[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, id)
	}
	return v, nil
}

// Place rests a maker order on one venue.
func (ex *Exchange) Place(venueID string, owner common.Address, symbol string, side orderbook.Side, price, qty int64, nowMs uint64) (uint64, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	v, err := ex.venue(venueID)
	if err != nil {
		return 0, err
	}
	id, err := v.Place(owner, symbol, side, price, qty, nowMs)
	if err != nil {
		ex.metrics.Orders.WithLabelValues(venueID, "rejected").Inc()
		return 0, err
	}
	ex.metrics.Orders.WithLabelValues(venueID, "placed").Inc()
	ex.observeDepth(venueID, v, symbol)
	return id, nil
}

func (ex *Exchange) Cancel(venueID, symbol string, id uint64) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	v, err := ex.venue(venueID)
	if err != nil {
		return err
	}
	if err := v.CancelOrder(symbol, id); err != nil {
		return err
	}
	ex.metrics.Orders.WithLabelValues(venueID, "cancelled").Inc()
	ex.observeDepth(venueID, v, symbol)
	return nil
}

// Route sends a taker order through the router and persists the outcome,
// including the receipts of every committed leg.
func (ex *Exchange) Route(ctx context.Context, req router.RouteRequest) (router.RouteResult, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	res, err := ex.router.Route(ctx, req)
	if errors.Is(err, antitox.ErrKillBand) {
		ex.metrics.KillBand.Inc()
	}
	receipts := make(map[string][]matching.FillReceipt)
	for _, l := range res.Legs {
		if l.Receipt.Seq != 0 {
			receipts[l.Venue] = append(receipts[l.Venue], l.Receipt)
		}
		ex.observeDepth(l.Venue, ex.venues[l.Venue], req.Instrument)
	}
	if len(receipts) > 0 {
		if perr := ex.persist(receipts); perr != nil {
			return res, errors.Join(err, perr)
		}
	}
	return res, err
}

func (ex *Exchange) Deposit(ctx context.Context, user common.Address, asset string, amount int64) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if err := ex.router.Deposit(ctx, user, asset, amount); err != nil {
		return err
	}
	return ex.persist(nil)
}

func (ex *Exchange) Withdraw(ctx context.Context, user common.Address, asset string, amount int64) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if err := ex.router.Withdraw(ctx, user, asset, amount); err != nil {
		return err
	}
	return ex.persist(nil)
}

// WithdrawPnL pays out warmed-up profit at warmup step.
func (ex *Exchange) WithdrawPnL(ctx context.Context, user common.Address, asset string, amount int64, step uint64) (int64, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	paid, err := ex.router.WithdrawPnL(ctx, user, asset, amount, step)
	if err != nil {
		return 0, err
	}
	return paid, ex.persist(nil)
}

func (ex *Exchange) ClaimFees(user common.Address) (int64, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	claimed, err := ex.router.ClaimFees(user)
	if err != nil {
		return 0, err
	}
	return claimed, ex.persist(nil)
}

func (ex *Exchange) Liquidate(ctx context.Context, user common.Address, nowMs uint64) (router.LiquidationResult, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	res, err := ex.router.Liquidate(ctx, user, nowMs)
	if res.ClosedQty > 0 || res.BadDebt > 0 {
		if perr := ex.persist(nil); perr != nil {
			return res, errors.Join(err, perr)
		}
	}
	return res, err
}

func (ex *Exchange) TopUpInsurance(amount int64) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if err := ex.router.TopUpInsurance(amount); err != nil {
		return err
	}
	return ex.persist(nil)
}

func (ex *Exchange) Insurance() router.InsuranceFund {
	return ex.router.Insurance()
}

func (ex *Exchange) Account(user common.Address) (ledger.Account, error) {
	return ex.router.Account(user)
}

func (ex *Exchange) Portfolio(user common.Address) (*account.Portfolio, error) {
	return ex.router.Portfolio(user)
}

// Health reads marks from the books, so it takes the exchange lock.
func (ex *Exchange) Health(user common.Address) (margin.Health, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.router.Health(user)
}

// Tick opens a batch on every book, refreshes index prices from the
// oracle and feeds the worst mark/oracle gap to the adaptive unlock.
func (ex *Exchange) Tick(nowMs uint64) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	var gap int64
	for _, id := range ex.ids {
		v := ex.venues[id]
		for _, sym := range v.Symbols() {
			if _, err := v.BatchOpen(sym, nowMs); err != nil {
				ex.logger.Warn("batch_open_failed", zap.String("venue", id), zap.String("instrument", sym), zap.Error(err))
				continue
			}
			price, _, _ := ex.oracle.Price(sym)
			if price <= 0 {
				continue
			}
			if err := v.SetIndexPrice(sym, price); err != nil {
				ex.logger.Warn("index_update_failed", zap.String("venue", id), zap.String("instrument", sym), zap.Error(err))
				continue
			}
			if mark, err := v.Mark(sym); err == nil {
				gap = fixed.Max(gap, gapBps(mark, price))
			}
			ex.observeDepth(id, v, sym)
		}
	}
	ex.router.StepWarmup(gap)
}

// gapBps is |mark - oracle| in bps of oracle.
func gapBps(mark, oracle int64) int64 {
	diff, err := fixed.Abs(fixed.SatSub(mark, oracle))
	if err != nil {
		return fixed.BpsDenominator
	}
	g, err := fixed.MulDiv(diff, fixed.BpsDenominator, oracle)
	if err != nil {
		return fixed.BpsDenominator
	}
	return g
}

// UpdateFunding runs a funding period on every instrument whose interval
// has elapsed and persists the new indices. It returns how many updated.
func (ex *Exchange) UpdateFunding(nowMs uint64) (int, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	updated := 0
	for _, id := range ex.ids {
		v := ex.venues[id]
		for _, sym := range v.Symbols() {
			price, _, _ := ex.oracle.Price(sym)
			if price <= 0 {
				continue
			}
			rate, err := v.UpdateFunding(sym, price, nowMs)
			if errors.Is(err, funding.ErrTooEarly) {
				continue
			}
			if err != nil {
				ex.logger.Warn("funding_update_failed", zap.String("venue", id), zap.String("instrument", sym), zap.Error(err))
				continue
			}
			ex.metrics.FundingRate.WithLabelValues(id, sym).Set(float64(rate))
			updated++
		}
	}
	if updated == 0 {
		return 0, nil
	}
	return updated, ex.persist(nil)
}

// Persist writes the full exchange state in one unit of work.
func (ex *Exchange) Persist() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.persist(nil)
}

func (ex *Exchange) persist(receipts map[string][]matching.FillReceipt) error {
	snap := ex.router.Snapshot()
	err := ex.repo.Update(func(u *storage.UnitOfWork) error {
		if err := u.PutLedger(snap.Ledger); err != nil {
			return err
		}
		if err := u.PutInsurance(snap.Insurance); err != nil {
			return err
		}
		for _, p := range snap.Portfolios {
			if err := u.PutPortfolio(p); err != nil {
				return err
			}
		}
		for _, id := range ex.ids {
			v := ex.venues[id]
			for _, sym := range v.Symbols() {
				inst, err := v.Instrument(sym)
				if err != nil {
					return err
				}
				if err := u.PutInstrument(id, inst); err != nil {
					return err
				}
			}
			for _, rc := range receipts[id] {
				if err := u.PutReceipt(id, rc); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		ex.logger.Error("persist_failed", zap.Error(err))
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

// Depth returns up to n levels per side of one book.
func (ex *Exchange) Depth(venueID, symbol string, n int) (bids, asks []orderbook.PriceLevel, err error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	v, err := ex.venue(venueID)
	if err != nil {
		return nil, nil, err
	}
	b, err := v.Book(symbol)
	if err != nil {
		return nil, nil, err
	}
	return b.Levels(orderbook.Buy, n), b.Levels(orderbook.Sell, n), nil
}

// Instrument returns a copy of symbol's state on venueID.
func (ex *Exchange) Instrument(venueID, symbol string) (instrument.Instrument, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	v, err := ex.venue(venueID)
	if err != nil {
		return instrument.Instrument{}, err
	}
	inst, err := v.Instrument(symbol)
	if err != nil {
		return instrument.Instrument{}, err
	}
	return *inst, nil
}

// Receipts pages through the stored receipts of venueID.
func (ex *Exchange) Receipts(venueID string, after uint32, limit int) ([]matching.FillReceipt, error) {
	return ex.repo.Receipts(venueID, after, limit)
}

func (ex *Exchange) observeDepth(venueID string, v *matching.Venue, symbol string) {
	if v == nil {
		return
	}
	b, err := v.Book(symbol)
	if err != nil {
		return
	}
	ex.metrics.BookDepth.WithLabelValues(venueID, symbol, "bid").Set(float64(b.Len(orderbook.Buy)))
	ex.metrics.BookDepth.WithLabelValues(venueID, symbol, "ask").Set(float64(b.Len(orderbook.Sell)))
}
