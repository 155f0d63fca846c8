package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/tidwall/btree"
	"go.uber.org/zap"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/capability"
	"github.com/uhyunpark/perpcore/pkg/app/core/ledger"
	"github.com/uhyunpark/perpcore/pkg/app/core/margin"
	"github.com/uhyunpark/perpcore/pkg/app/core/matching"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

type RouteRequest struct {
	User       common.Address
	Instrument string
	Asset      string
	Side       orderbook.Side
	Qty        int64
	LimitPrice int64
	TTLms      uint64 // 0 uses the configured hold TTL
	NowMs      uint64
}

// Leg is one venue's part of a route.
type Leg struct {
	Venue   string
	Hold    matching.Hold
	Receipt matching.FillReceipt
	State   capability.SagaState
}

type RouteResult struct {
	RouteID       uuid.UUID
	Legs          []Leg
	FilledQty     int64
	VWAP          int64
	Notional      int64
	Fee           int64
	NetExposure   int64
	InitialMargin int64
}

type quote struct {
	venue string
	price int64
	size  int64
}

// leg is the in-flight state behind a Leg.
type leg struct {
	venue  Venue
	hold   matching.Hold
	saga   *capability.Saga
	exec   matching.Execution
	filled bool
}

// Route fills up to req.Qty across every active venue, best price first.
//
// Holds are taken on each venue, margin is checked on the resulting net
// exposure, and each leg is then authorized and committed in rank order.
// A failing commit compensates the legs after it; legs already committed
// stay final and the error wraps ErrPartialCommit.
func (r *Router) Route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	start := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.route(ctx, req)
	r.metrics.RouteLatency.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		r.metrics.Routes.WithLabelValues("filled").Inc()
	case errors.Is(err, ErrPartialCommit):
		r.metrics.Routes.WithLabelValues("partial").Inc()
	default:
		r.metrics.Routes.WithLabelValues("rejected").Inc()
	}
	return res, err
}

func (r *Router) route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	if req.Qty <= 0 || req.LimitPrice <= 0 {
		return RouteResult{}, fmt.Errorf("%w: qty %d limit %d", ErrInvalidRoute, req.Qty, req.LimitPrice)
	}
	if req.Asset == "" {
		req.Asset = r.cfg.SettlementAsset
	}
	if req.TTLms == 0 {
		req.TTLms = r.cfg.HoldTTLms
	}
	uid, p, err := r.user(req.User)
	if err != nil {
		return RouteResult{}, err
	}
	routeID := uuid.New()
	log := r.logger.With(zap.Stringer("route_id", routeID), zap.String("user", req.User.Hex()))

	// 1. reserve
	legs := r.reserve(routeID, req, log)
	if len(legs) == 0 {
		return RouteResult{RouteID: routeID}, fmt.Errorf("%w: %s %s %d @ %d",
			ErrNoLiquidity, req.Instrument, req.Side, req.Qty, req.LimitPrice)
	}

	// 2. margin on prospective net exposure
	if err := r.precheck(uid, p, req, legs); err != nil {
		r.compensate(legs, capability.ReasonMargin, log)
		return r.result(routeID, legs, p, req.Instrument, nil), err
	}

	// 3. authorize
	for _, l := range legs {
		if err := l.saga.Authorize(r.custody, req.NowMs, r.cfg.CapTTLms); err != nil {
			r.compensate(legs, capability.ReasonCustody, log)
			return r.result(routeID, legs, p, req.Instrument, nil), fmt.Errorf("authorize %s: %w", l.venue.ID(), err)
		}
	}

	// 4. commit in rank order
	var cause error
	var filled []*leg
	for i, l := range legs {
		if cause != nil {
			r.compensateLeg(l, capability.ReasonCommitFailed, log)
			continue
		}
		exec, err := l.venue.Commit(l.hold.HoldID, l.hold.Seq, req.NowMs)
		if err != nil {
			reason := capability.ReasonCommitFailed
			if errors.Is(err, matching.ErrReservationExpired) {
				reason = capability.ReasonExpired
			}
			r.compensateLeg(l, reason, log)
			cause = fmt.Errorf("leg %d on %s: %w", i, l.venue.ID(), err)
			continue
		}
		l.exec, l.filled = exec, true
		filled = append(filled, l)
		if err := l.saga.Commit(exec.Receipt.Fee, req.NowMs); err != nil {
			// the venue has executed; release the escrow and report it
			log.Error("route_charge_failed",
				zap.String("venue", l.venue.ID()),
				zap.Int64("fee", exec.Receipt.Fee),
				zap.Error(err))
			r.compensateLeg(l, capability.ReasonCommitFailed, log)
			cause = fmt.Errorf("charge leg %d on %s: %w", i, l.venue.ID(), err)
		}
	}

	// 5. settle what filled
	marks := map[string]int64{}
	if len(filled) > 0 {
		if err := r.settle(uid, p, req, filled); err != nil {
			log.Error("route_settle_failed", zap.Error(err))
			cause = errors.Join(cause, fmt.Errorf("settle: %w", err))
		}
		marks = r.marks(p.Instruments())
	}

	// 6. finish
	for _, l := range filled {
		if l.saga.State != capability.Committed {
			continue
		}
		refund, err := l.saga.Finish()
		if err != nil {
			cause = errors.Join(cause, fmt.Errorf("finish %s: %w", l.venue.ID(), err))
			continue
		}
		log.Debug("leg_finished", zap.String("venue", l.venue.ID()), zap.String("refund", refund.Dec()))
	}
	if err := r.custody.CheckConservation(); err != nil {
		r.metrics.Conservation.Inc()
		log.Error("custody_conservation_failed", zap.Error(err))
		cause = errors.Join(cause, err)
	}

	res := r.result(routeID, legs, p, req.Instrument, marks)
	for _, l := range legs {
		r.metrics.Legs.WithLabelValues(l.venue.ID(), l.saga.State.String()).Inc()
	}
	if res.FilledQty > 0 {
		r.metrics.FilledQty.Add(float64(res.FilledQty))
		r.metrics.Fees.Add(float64(res.Fee))
		r.publish(ctx, events.TopicRoutes, req.User.Hex(), "route_filled", newRouteEvent(req, res))
	}
	log.Info("route_done",
		zap.String("instrument", req.Instrument),
		zap.Stringer("side", req.Side),
		zap.Int64("qty", req.Qty),
		zap.Int64("filled", res.FilledQty),
		zap.Int64("vwap", res.VWAP),
		zap.Int64("fee", res.Fee),
		zap.Int("legs", len(legs)))

	if cause != nil {
		if len(filled) > 0 {
			return res, fmt.Errorf("%w: %w", ErrPartialCommit, cause)
		}
		return res, fmt.Errorf("route: %w", cause)
	}
	return res, nil
}

// rank orders quotes best first: buys by ascending price, sells by
// descending, ties by venue ID.
func rank(side orderbook.Side) *btree.BTreeG[quote] {
	return btree.NewBTreeG(func(a, b quote) bool {
		if a.price != b.price {
			if side == orderbook.Buy {
				return a.price < b.price
			}
			return a.price > b.price
		}
		return a.venue < b.venue
	})
}

// reserve holds liquidity greedily across ranked venues. Venues that fail
// to reserve are skipped.
func (r *Router) reserve(routeID uuid.UUID, req RouteRequest, log *zap.Logger) []*leg {
	quotes := rank(req.Side)
	for _, id := range r.registry.Active() {
		price, size, ok := r.venues[id].Quote(req.Instrument, req.Side)
		if !ok || size <= 0 {
			continue
		}
		if (req.Side == orderbook.Buy && price > req.LimitPrice) ||
			(req.Side == orderbook.Sell && price < req.LimitPrice) {
			continue
		}
		quotes.Set(quote{venue: id, price: price, size: size})
	}

	var legs []*leg
	remaining := req.Qty
	quotes.Scan(func(q quote) bool {
		v := r.venues[q.venue]
		hold, err := v.Reserve(matching.ReserveRequest{
			Account:    req.User,
			Instrument: req.Instrument,
			Side:       req.Side,
			Qty:        remaining,
			LimitPrice: req.LimitPrice,
			TTLms:      req.TTLms,
			NowMs:      req.NowMs,
		})
		if err != nil {
			log.Debug("venue_reserve_skipped", zap.String("venue", q.venue), zap.Error(err))
			return true
		}
		scope := capability.NewScope(req.User, q.venue, req.Asset)
		legs = append(legs, &leg{
			venue: v,
			hold:  hold,
			saga:  capability.NewSaga(routeID, q.venue, v, hold.HoldID, scope, hold.MaxCharge),
		})
		remaining -= hold.ReservedQty
		return remaining > 0
	})
	return legs
}

// precheck rejects the route when a venue exposure would grow past that
// venue's MaxExposure, or when the user's equity does not cover the
// initial margin on net exposure after every hold fills, plus the
// worst-case charges.
func (r *Router) precheck(uid ledger.UID, p *account.Portfolio, req RouteRequest, legs []*leg) error {
	after := p.Clone()
	deltas := make([]account.ExposureDelta, 0, len(legs))
	var charges int64
	for _, l := range legs {
		deltas = append(deltas, account.ExposureDelta{
			Venue:      l.venue.ID(),
			Instrument: req.Instrument,
			Qty:        signed(req.Side, l.hold.ReservedQty),
		})
		charges = fixed.SatAdd(charges, l.hold.MaxCharge)
	}
	if err := after.UpdateExposures(deltas); err != nil {
		return err
	}
	if err := r.checkVenueLimits(p, after, req.Instrument, legs); err != nil {
		return err
	}
	marks := r.marks(after.Instruments())
	if _, ok := marks[req.Instrument]; !ok {
		marks[req.Instrument] = legs[0].hold.VWAPEstimate
	}
	im, err := margin.InitialMargin(after, marks, r.cfg.Risk.IMRBps)
	if err != nil {
		return err
	}
	equity, err := r.equity(uid, p, marks)
	if err != nil {
		return err
	}
	return margin.Check(equity, fixed.SatAdd(im, charges))
}

// checkVenueLimits lets an exposure above the limit shrink but never grow.
func (r *Router) checkVenueLimits(before, after *account.Portfolio, symbol string, legs []*leg) error {
	for _, l := range legs {
		id := l.venue.ID()
		e, ok := r.registry.Find(id)
		if !ok || e.MaxExposure <= 0 {
			continue
		}
		was, err := fixed.Abs(before.Exposure(id, symbol))
		if err != nil {
			return err
		}
		now, err := fixed.Abs(after.Exposure(id, symbol))
		if err != nil {
			return err
		}
		if now > e.MaxExposure && now > was {
			return fmt.Errorf("%w: %s %s %d > %d", ErrExposureLimit, id, symbol, now, e.MaxExposure)
		}
	}
	return nil
}

func (r *Router) compensate(legs []*leg, reason capability.Reason, log *zap.Logger) {
	for _, l := range legs {
		r.compensateLeg(l, reason, log)
	}
}

func (r *Router) compensateLeg(l *leg, reason capability.Reason, log *zap.Logger) {
	if l.saga.State.Terminal() || l.saga.State == capability.Committed {
		return
	}
	if err := l.saga.Compensate(reason); err != nil && !errors.Is(err, matching.ErrAlreadyCommitted) {
		log.Warn("leg_compensation_incomplete",
			zap.String("venue", l.venue.ID()),
			zap.Uint64("hold_id", l.hold.HoldID),
			zap.Stringer("reason", reason),
			zap.Error(err))
	}
}

// settle books the filled legs: funding on touched exposures, the
// two-phase exposure update, taker and maker fills, fees and venue PnL.
func (r *Router) settle(uid ledger.UID, p *account.Portfolio, req RouteRequest, legs []*leg) error {
	deltas := make([]account.ExposureDelta, 0, len(legs))
	for _, l := range legs {
		if _, err := r.settleFunding(uid, p, l.venue.ID(), req.Instrument); err != nil {
			return err
		}
		deltas = append(deltas, account.ExposureDelta{
			Venue:      l.venue.ID(),
			Instrument: req.Instrument,
			Qty:        signed(req.Side, l.exec.Receipt.FilledQty),
		})
	}
	if err := p.UpdateExposures(deltas); err != nil {
		return err
	}
	for _, l := range legs {
		r.markFunded(p, l.venue.ID(), req.Instrument)
	}

	pos := p.Position(req.Instrument)
	var fees, rebates int64
	for _, l := range legs {
		rc := l.exec.Receipt
		realized, err := pos.ApplyFill(signed(req.Side, rc.FilledQty), rc.VWAP)
		if err != nil {
			return err
		}
		net, err := fixed.Sub(realized, rc.Fee)
		if err != nil {
			return err
		}
		if err := r.ledger.TradeSettle(uid, net); err != nil {
			return err
		}
		if fees, err = fixed.Add(fees, rc.Fee); err != nil {
			return err
		}
		credits, booked := r.settleMakers(l.venue.ID(), req.Instrument, req.Side, l.exec.MakerFills)
		if rebates, err = fixed.Add(rebates, booked); err != nil {
			return err
		}
		if err := r.registry.applyPnL(l.venue.ID(), credits, rc.Fee, realized); err != nil {
			return err
		}
	}
	if err := r.collectFees(req.Asset, fees, rebates); err != nil {
		return err
	}
	if _, err := r.ledger.OnTouch(uid); err != nil {
		return err
	}
	return r.updateNotional(uid, p)
}

// settleMakers books the maker side of fills. It returns the maker
// credits of every fill (rebates positive) for venue PnL, and the part
// of them booked to makers the ledger knows.
func (r *Router) settleMakers(venueID, symbol string, takerSide orderbook.Side, fills []matching.MakerFill) (credits, booked int64) {
	for _, f := range fills {
		credits = fixed.SatSub(credits, f.MakerFee)
		muid, ok := r.ledger.Lookup(f.Owner)
		if !ok {
			continue
		}
		mp := r.portfolios[f.Owner]
		if mp == nil {
			mp = account.NewPortfolio(f.Owner)
			r.portfolios[f.Owner] = mp
		}
		settled, err := r.settleMaker(muid, mp, venueID, symbol, takerSide, f)
		if settled {
			booked = fixed.SatSub(booked, f.MakerFee)
		}
		if err != nil {
			r.logger.Error("maker_settle_failed",
				zap.String("maker", f.Owner.Hex()),
				zap.String("venue", venueID),
				zap.Uint64("order_id", f.OrderID),
				zap.Error(err))
		}
	}
	return credits, booked
}

// settleMaker reports whether the maker fee reached the ledger, which
// stays true when a later bookkeeping step fails.
func (r *Router) settleMaker(uid ledger.UID, p *account.Portfolio, venueID, symbol string, takerSide orderbook.Side, f matching.MakerFill) (bool, error) {
	if _, err := r.settleFunding(uid, p, venueID, symbol); err != nil {
		return false, err
	}
	delta := -signed(takerSide, f.Qty)
	if err := p.UpdateExposures([]account.ExposureDelta{{Venue: venueID, Instrument: symbol, Qty: delta}}); err != nil {
		return false, err
	}
	r.markFunded(p, venueID, symbol)
	realized, err := p.Position(symbol).ApplyFill(delta, f.Price)
	if err != nil {
		return false, err
	}
	net, err := fixed.Sub(realized, f.MakerFee)
	if err != nil {
		return false, err
	}
	if err := r.ledger.TradeSettle(uid, net); err != nil {
		return false, err
	}
	if _, err := r.ledger.OnTouch(uid); err != nil {
		return true, err
	}
	return true, r.updateNotional(uid, p)
}

// collectFees takes the taker fees the venues remit into the asset vault.
// Rebates already booked to makers come out of them; the rest goes to the
// distributor.
func (r *Router) collectFees(asset string, fees, rebates int64) error {
	if fees < 0 {
		return fmt.Errorf("%w: fees %d", ErrInvalidAmount, fees)
	}
	pool, err := fixed.Sub(fees, rebates)
	if err != nil {
		return err
	}
	if pool < 0 {
		return fmt.Errorf("%w: fees %d, rebates %d", ErrUnfundedRebate, fees, rebates)
	}
	if fees > 0 {
		amt, err := capability.Amount(fees)
		if err != nil {
			return err
		}
		if err := r.custody.Deposit(capability.AssetScope(asset), amt); err != nil {
			return err
		}
	}
	covered, distributable, err := r.ledger.OnFees(pool)
	if err != nil {
		return err
	}
	r.logger.Debug("fees_collected",
		zap.Int64("fees", fees),
		zap.Int64("rebates", rebates),
		zap.Int64("loss_cover", covered),
		zap.Int64("distributable", distributable))
	return nil
}

func (r *Router) result(routeID uuid.UUID, legs []*leg, p *account.Portfolio, symbol string, marks map[string]int64) RouteResult {
	res := RouteResult{RouteID: routeID, Legs: make([]Leg, 0, len(legs))}
	receipts := make([]matching.FillReceipt, 0, len(legs))
	for _, l := range legs {
		out := Leg{Venue: l.venue.ID(), Hold: l.hold, State: l.saga.State}
		if l.filled {
			out.Receipt = l.exec.Receipt
			receipts = append(receipts, l.exec.Receipt)
		}
		res.Legs = append(res.Legs, out)
	}
	qty, vwap, notional, fee, err := matching.AggregateReceipts(receipts)
	if err == nil {
		res.FilledQty, res.VWAP, res.Notional, res.Fee = qty, vwap, notional, fee
	}
	res.NetExposure = p.NetExposure(symbol)
	if marks != nil {
		if im, err := margin.InitialMargin(p, marks, r.cfg.Risk.IMRBps); err == nil {
			res.InitialMargin = im
		}
	}
	return res
}

func signed(side orderbook.Side, qty int64) int64 {
	if side == orderbook.Sell {
		return -qty
	}
	return qty
}

type routeEvent struct {
	RouteID    string         `json:"route_id"`
	User       common.Address `json:"user"`
	Instrument string         `json:"instrument"`
	Side       string         `json:"side"`
	FilledQty  int64          `json:"filled_qty"`
	VWAP       int64          `json:"vwap"`
	Fee        int64          `json:"fee"`
	Receipts   [][]byte       `json:"receipts"`
}

func newRouteEvent(req RouteRequest, res RouteResult) routeEvent {
	ev := routeEvent{
		RouteID:    res.RouteID.String(),
		User:       req.User,
		Instrument: req.Instrument,
		Side:       req.Side.String(),
		FilledQty:  res.FilledQty,
		VWAP:       res.VWAP,
		Fee:        res.Fee,
	}
	for _, l := range res.Legs {
		if l.State != capability.Committed || l.Receipt.FilledQty == 0 {
			continue
		}
		if b, err := l.Receipt.MarshalBinary(); err == nil {
			ev.Receipts = append(ev.Receipts, b)
		}
	}
	return ev
}
