// Package router splits orders across venues, settles what they fill
// into the shared ledger and keeps every user's cross-venue margin.
//
// All entry points take the router lock; venues, custody and the ledger
// underneath are single-threaded.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/capability"
	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/ledger"
	"github.com/uhyunpark/perpcore/pkg/app/core/liquidation"
	"github.com/uhyunpark/perpcore/pkg/app/core/margin"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

var (
	ErrUnknownUser   = errors.New("unknown user")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrNoLiquidity   = errors.New("no venue could reserve liquidity")
	ErrPartialCommit = errors.New("route partially committed")
	ErrInvalidRoute  = errors.New("invalid route request")
	ErrUnbacked      = errors.New("custody does not back ledger")
)

// RiskParams are the cross-venue margin rates applied to net exposure.
type RiskParams struct {
	IMRBps int64
	MMRBps int64
}

type Config struct {
	Risk            RiskParams
	HoldTTLms       uint64 // default reservation lifetime
	CapTTLms        uint64 // capability lifetime, should outlive the hold
	MaxDebt         int64  // per-liquidation deficit cap, 0 for none
	SettlementAsset string
	Ledger          ledger.Params
	Unlock          ledger.AdaptiveConfig
	Liquidation     liquidation.Params
}

func DefaultConfig() Config {
	return Config{
		Risk:            RiskParams{IMRBps: 500, MMRBps: 250},
		HoldTTLms:       2_000,
		CapTTLms:        5_000,
		SettlementAsset: "USDC",
		Ledger:          ledger.DefaultParams(),
		Unlock:          ledger.DefaultAdaptiveConfig(),
		Liquidation:     liquidation.DefaultParams(),
	}
}

// Router owns the cross-venue state of every user.
type Router struct {
	mu sync.Mutex

	cfg        Config
	registry   *Registry
	venues     map[string]Venue
	custody    *capability.Custody
	ledger     *ledger.State
	portfolios map[common.Address]*account.Portfolio
	insurance  InsuranceFund
	liq        *liquidation.Engine

	metrics *Metrics
	events  events.Publisher
	logger  *zap.Logger
}

// New builds a router. A nil metrics, publisher or logger is replaced by
// an unregistered, discarding or no-op one.
func New(cfg Config, metrics *Metrics, pub events.Publisher, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Router{
		cfg:        cfg,
		registry:   NewRegistry(),
		venues:     make(map[string]Venue),
		custody:    capability.NewCustody(logger.Named("custody")),
		ledger:     ledger.NewState(cfg.Ledger, cfg.Unlock),
		portfolios: make(map[common.Address]*account.Portfolio),
		liq:        liquidation.NewEngine(cfg.Liquidation, logger.Named("liquidation")),
		metrics:    metrics,
		events:     pub,
		logger:     logger,
	}
}

func (r *Router) Config() Config { return r.cfg }

func (r *Router) Registry() *Registry { return r.registry }

// AddVenue registers v under entry. The venue's live fee schedule must fit
// the entry's caps.
func (r *Router) AddVenue(entry VenueEntry, v Venue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == "" {
		entry.ID = v.ID()
	}
	if entry.ID != v.ID() {
		return fmt.Errorf("%w: entry %s for venue %s", ErrInvalidRiskParams, entry.ID, v.ID())
	}
	maker, taker := v.Fees()
	if err := r.registry.Register(entry, maker, taker); err != nil {
		return err
	}
	r.venues[entry.ID] = v
	r.logger.Info("venue_registered",
		zap.String("venue", entry.ID),
		zap.Int64("maker_bps", maker),
		zap.Int64("taker_bps", taker))
	return nil
}

// DeactivateVenue stops routing to id. Existing exposures keep settling.
func (r *Router) DeactivateVenue(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Deactivate(id)
}

// Deposit credits amount of asset to user, registering the user on first use.
func (r *Router) Deposit(ctx context.Context, user common.Address, asset string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	amt, err := capability.Amount(amount)
	if err != nil || amount == 0 {
		return fmt.Errorf("%w: deposit %d", ErrInvalidAmount, amount)
	}
	uid, err := r.ensureUser(user)
	if err != nil {
		return err
	}
	assetID := capability.AssetScope(asset)
	if err := r.custody.Deposit(assetID, amt); err != nil {
		return err
	}
	if err := r.ledger.Deposit(uid, amount); err != nil {
		_ = r.custody.Withdraw(assetID, amt)
		return err
	}
	r.publish(ctx, events.TopicFunds, user.Hex(), "deposit", fundsEvent{User: user, Asset: asset, Amount: amount})
	return nil
}

// Withdraw releases principal. Negative PnL is settled first, and that
// settlement stands even when the withdrawal is refused. Equity after the
// withdrawal, unrealized PnL at current marks included, must still cover
// initial margin, and the custody vault must have the amount unpledged.
func (r *Router) Withdraw(ctx context.Context, user common.Address, asset string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, p, err := r.user(user)
	if err != nil {
		return err
	}
	amt, err := capability.Amount(amount)
	if err != nil || amount == 0 {
		return fmt.Errorf("%w: withdraw %d", ErrInvalidAmount, amount)
	}
	assetID := capability.AssetScope(asset)
	if amt.Gt(r.custody.Vault(assetID).Available()) {
		return fmt.Errorf("%w: %s", capability.ErrInsufficientVault, asset)
	}
	if _, err := r.applyFunding(uid, p); err != nil {
		return err
	}
	if err := r.updateNotional(uid, p); err != nil {
		return err
	}
	if err := r.ledger.SettleLoss(uid); err != nil {
		return err
	}
	if err := r.withdrawMargin(uid, p, amount); err != nil {
		return err
	}
	if err := r.ledger.WithdrawPrincipal(uid, amount); err != nil {
		return err
	}
	if err := r.custody.Withdraw(assetID, amt); err != nil {
		// checked above; the ledger has already paid out
		r.logger.Error("custody_withdraw_failed", zap.String("user", user.Hex()), zap.Error(err))
		return err
	}
	r.publish(ctx, events.TopicFunds, user.Hex(), "withdraw", fundsEvent{User: user, Asset: asset, Amount: amount})
	return nil
}

// WithdrawPnL pays out up to amount of warmed-up profit at step and
// returns what was paid.
func (r *Router) WithdrawPnL(ctx context.Context, user common.Address, asset string, amount int64, step uint64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, _, err := r.user(user)
	if err != nil {
		return 0, err
	}
	held, err := r.ledger.ReservePnL(uid, amount, step)
	if err != nil || held == 0 {
		return 0, err
	}
	amt, err := capability.Amount(held)
	if err == nil {
		err = r.custody.Withdraw(capability.AssetScope(asset), amt)
	}
	if err != nil {
		if rerr := r.ledger.ReleasePnL(uid, held); rerr != nil {
			return 0, errors.Join(err, rerr)
		}
		return 0, err
	}
	if err := r.ledger.SettleReservedPnL(uid, held); err != nil {
		return 0, err
	}
	r.publish(ctx, events.TopicFunds, user.Hex(), "withdraw_pnl", fundsEvent{User: user, Asset: asset, Amount: held})
	return held, nil
}

// ClaimFees moves the user's accrued fee share into principal.
func (r *Router) ClaimFees(user common.Address) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, _, err := r.user(user)
	if err != nil {
		return 0, err
	}
	return r.ledger.ClaimFees(uid)
}

// ApplyFunding settles funding on every exposure user holds and returns
// the net amount paid.
func (r *Router) ApplyFunding(user common.Address) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, p, err := r.user(user)
	if err != nil {
		return 0, err
	}
	return r.applyFunding(uid, p)
}

// StepWarmup runs one adaptive unlock step and reports whether the
// unlock fraction moved.
func (r *Router) StepWarmup(oracleSpreadBps int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := r.ledger.StepUnlock(oracleSpreadBps, r.insurance.UtilizationBps())
	r.metrics.UnlockBps.Set(float64(r.ledger.Unlock.UnlockBps))
	if changed {
		r.logger.Info("pnl_unlock_changed",
			zap.Int64("unlock_bps", r.ledger.Unlock.UnlockBps),
			zap.Bool("stressed", r.ledger.Unlock.Stressed))
	}
	return changed
}

func (r *Router) TopUpInsurance(amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.insurance.TopUp(amount); err != nil {
		return err
	}
	r.metrics.InsuranceFund.Set(float64(r.insurance.Balance))
	return nil
}

func (r *Router) WithdrawInsurance(amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.insurance.Withdraw(amount); err != nil {
		return err
	}
	r.metrics.InsuranceFund.Set(float64(r.insurance.Balance))
	return nil
}

func (r *Router) Insurance() InsuranceFund {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insurance
}

// Account returns the ledger account for user.
func (r *Router) Account(user common.Address) (ledger.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	uid, _, err := r.user(user)
	if err != nil {
		return ledger.Account{}, err
	}
	return r.ledger.Account(uid)
}

// Portfolio returns a copy of user's portfolio.
func (r *Router) Portfolio(user common.Address) (*account.Portfolio, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, p, err := r.user(user)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// CheckConservation runs the custody and ledger identities.
func (r *Router) CheckConservation() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkConservation()
}

func (r *Router) checkConservation() error {
	err := errors.Join(r.custody.CheckConservation(), r.ledger.CheckConservation())
	if err != nil {
		r.metrics.Conservation.Inc()
	}
	return err
}

// CheckBacking verifies that custody holds what the ledger owes in the
// settlement asset: Vault + FeesOutstanding. Fills against makers without
// a ledger account are not booked, so it only holds while every maker
// trading through the router has one.
func (r *Router) CheckBacking() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owed, err := fixed.Add(r.ledger.Vault, r.ledger.FeesOutstanding)
	if err != nil {
		return err
	}
	held := r.custody.Vault(capability.AssetScope(r.cfg.SettlementAsset)).Balance
	if owed < 0 || !held.IsUint64() || held.Uint64() != uint64(owed) {
		return fmt.Errorf("%w: custody %s, ledger owes %d (vault %d, fees %d)", ErrUnbacked,
			held.Dec(), owed, r.ledger.Vault, r.ledger.FeesOutstanding)
	}
	return nil
}

// Snapshot is the router state that outlives a process.
type Snapshot struct {
	Ledger     *ledger.State
	Portfolios []*account.Portfolio
	Insurance  InsuranceFund
}

// Snapshot deep-copies the persistent state.
func (r *Router) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{Ledger: r.ledger.Clone(), Insurance: r.insurance}
	for _, p := range r.portfolios {
		s.Portfolios = append(s.Portfolios, p.Clone())
	}
	sort.Slice(s.Portfolios, func(i, j int) bool {
		return s.Portfolios[i].Owner.Cmp(s.Portfolios[j].Owner) < 0
	})
	return s
}

// Restore replaces ledger, portfolios and insurance with s. Custody for
// the settlement asset is rebuilt from what the ledger owes: its vault
// plus fees collected but not yet claimed.
func (r *Router) Restore(s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.Ledger == nil {
		return fmt.Errorf("restore: no ledger")
	}
	custody := capability.NewCustody(r.logger.Named("custody"))
	owed, err := fixed.Add(s.Ledger.Vault, s.Ledger.FeesOutstanding)
	if err != nil {
		return err
	}
	if owed > 0 {
		amt, err := capability.Amount(owed)
		if err != nil {
			return err
		}
		if err := custody.Deposit(capability.AssetScope(r.cfg.SettlementAsset), amt); err != nil {
			return err
		}
	}
	r.ledger = s.Ledger.Clone()
	r.custody = custody
	r.insurance = s.Insurance
	r.portfolios = make(map[common.Address]*account.Portfolio, len(s.Portfolios))
	for _, p := range s.Portfolios {
		r.portfolios[p.Owner] = p.Clone()
	}
	return nil
}

func (r *Router) user(addr common.Address) (ledger.UID, *account.Portfolio, error) {
	uid, ok := r.ledger.Lookup(addr)
	if !ok {
		return 0, nil, fmt.Errorf("%w: %s", ErrUnknownUser, addr.Hex())
	}
	p, ok := r.portfolios[addr]
	if !ok {
		p = account.NewPortfolio(addr)
		r.portfolios[addr] = p
	}
	return uid, p, nil
}

func (r *Router) ensureUser(addr common.Address) (ledger.UID, error) {
	if uid, ok := r.ledger.Lookup(addr); ok {
		return uid, nil
	}
	uid, err := r.ledger.AddUser(addr)
	if err != nil {
		return 0, err
	}
	r.portfolios[addr] = account.NewPortfolio(addr)
	return uid, nil
}

// markFor prefers the first active venue's index price, then its mark.
func (r *Router) markFor(symbol string) (int64, bool) {
	active := r.registry.Active()
	for _, id := range active {
		if px, err := r.venues[id].IndexPrice(symbol); err == nil && px > 0 {
			return px, true
		}
	}
	for _, id := range active {
		if px, err := r.venues[id].Mark(symbol); err == nil && px > 0 {
			return px, true
		}
	}
	return 0, false
}

func (r *Router) marks(symbols []string) map[string]int64 {
	out := make(map[string]int64, len(symbols))
	for _, sym := range symbols {
		if px, ok := r.markFor(sym); ok {
			out[sym] = px
		}
	}
	return out
}

// equity is principal plus booked and unrealized PnL, floored at zero.
func (r *Router) equity(uid ledger.UID, p *account.Portfolio, marks map[string]int64) (int64, error) {
	a, err := r.ledger.Account(uid)
	if err != nil {
		return 0, err
	}
	pnl := a.PnL
	for sym, pos := range p.Positions {
		mark, ok := marks[sym]
		if !ok || pos.Size == 0 {
			continue
		}
		u, err := pos.UnrealizedPnL(mark)
		if err != nil {
			return 0, err
		}
		pnl = fixed.SatAdd(pnl, u)
	}
	return fixed.Max(0, fixed.SatAdd(a.Principal, pnl)), nil
}

// withdrawMargin refuses a withdrawal that would leave equity at current
// marks below initial margin on net exposure.
func (r *Router) withdrawMargin(uid ledger.UID, p *account.Portfolio, amount int64) error {
	marks := r.marks(p.Instruments())
	equity, err := r.equity(uid, p, marks)
	if err != nil {
		return err
	}
	im, err := margin.InitialMargin(p, marks, r.cfg.Risk.IMRBps)
	if err != nil {
		return err
	}
	if err := margin.Check(fixed.SatSub(equity, amount), im); err != nil {
		return fmt.Errorf("withdraw %d: %w", amount, err)
	}
	return nil
}

// updateNotional refreshes the gross notional the ledger uses for its
// withdrawal maintenance check.
func (r *Router) updateNotional(uid ledger.UID, p *account.Portfolio) error {
	marks := r.marks(p.Instruments())
	var total int64
	for sym, pos := range p.Positions {
		if pos.Size == 0 {
			continue
		}
		mark, ok := marks[sym]
		if !ok {
			mark = pos.EntryPrice
		}
		n, err := pos.Notional(mark)
		if err != nil {
			return err
		}
		total = fixed.SatAdd(total, n)
	}
	return r.ledger.SetPositionNotional(uid, total)
}

// settleFunding pays funding on one exposure against that venue's index
// and books it into the position and the ledger.
func (r *Router) settleFunding(uid ledger.UID, p *account.Portfolio, venueID, symbol string) (int64, error) {
	v, ok := r.venues[venueID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrVenueNotFound, venueID)
	}
	inst, err := v.Instrument(symbol)
	if err != nil {
		return 0, err
	}
	var exp account.Exposure
	for _, e := range p.Exposures {
		if e.Venue == venueID && e.Instrument == symbol {
			exp = e
			break
		}
	}
	if exp.Qty == 0 {
		return 0, nil
	}
	scratch := account.Position{Size: exp.Qty, FundingOffset: exp.FundingOffset}
	paid, err := funding.Apply(&scratch, inst)
	if err != nil {
		return 0, err
	}
	p.SetFundingOffset(venueID, symbol, inst.CumFunding)
	if paid == 0 {
		return 0, nil
	}
	pos := p.Position(symbol)
	pos.RealizedPnL = fixed.SatSub(pos.RealizedPnL, paid)
	if err := r.ledger.TradeSettle(uid, -paid); err != nil {
		return 0, err
	}
	return paid, nil
}

func (r *Router) applyFunding(uid ledger.UID, p *account.Portfolio) (int64, error) {
	exposures := append([]account.Exposure(nil), p.Exposures...)
	var total int64
	for _, e := range exposures {
		paid, err := r.settleFunding(uid, p, e.Venue, e.Instrument)
		if err != nil {
			return total, fmt.Errorf("funding %s/%s: %w", e.Venue, e.Instrument, err)
		}
		total = fixed.SatAdd(total, paid)
	}
	return total, nil
}

// markFunded stamps the current funding index on exposures that were
// just opened.
func (r *Router) markFunded(p *account.Portfolio, venueID, symbol string) {
	if v, ok := r.venues[venueID]; ok {
		if inst, err := v.Instrument(symbol); err == nil {
			p.SetFundingOffset(venueID, symbol, inst.CumFunding)
		}
	}
}

type fundsEvent struct {
	User   common.Address `json:"user"`
	Asset  string         `json:"asset"`
	Amount int64          `json:"amount"`
}

func (r *Router) publish(ctx context.Context, topic events.Topic, key, typ string, payload any) {
	ev := events.Event{Topic: topic, Key: key, Type: typ, At: time.Now().UTC(), Payload: payload}
	if err := r.events.Publish(ctx, ev); err != nil {
		r.logger.Warn("event_dropped", zap.String("type", typ), zap.Error(err))
	}
}
