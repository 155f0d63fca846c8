package api

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/app/core/ledger"
	"github.com/uhyunpark/perpcore/pkg/app/core/margin"
	"github.com/uhyunpark/perpcore/pkg/app/core/matching"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/app/core/router"
)

// Prices cross the wire as decimal strings ("99.5"); the core keeps them
// as 1e6 fixed point. Quantities and quote amounts stay integers.
const priceExp = 6

func formatPrice(v int64) string {
	return decimal.New(v, -priceExp).String()
}

func parsePrice(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, err)
	}
	scaled := d.Shift(priceExp)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("price %q has more than %d decimals", s, priceExp)
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("price %q out of range", s)
	}
	return scaled.IntPart(), nil
}

func parseSide(s string) (orderbook.Side, error) {
	switch s {
	case "buy":
		return orderbook.Buy, nil
	case "sell":
		return orderbook.Sell, nil
	}
	return 0, fmt.Errorf("side %q: want buy or sell", s)
}

// ==============================
// REST Request Types
// ==============================

type PlaceOrderRequest struct {
	Owner  string `json:"owner"`
	Symbol string `json:"symbol"`
	Side   string `json:"side"`  // "buy" or "sell"
	Price  string `json:"price"` // decimal
	Qty    int64  `json:"qty"`
}

type RouteOrderRequest struct {
	User       string `json:"user"`
	Instrument string `json:"instrument"`
	Asset      string `json:"asset"` // empty uses the settlement asset
	Side       string `json:"side"`
	Qty        int64  `json:"qty"`
	LimitPrice string `json:"limitPrice"`
	TTLms      uint64 `json:"ttlMs,omitempty"`
}

type FundsRequest struct {
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
	Step   uint64 `json:"step,omitempty"` // warmup step, PnL withdrawals only
}

type TopUpRequest struct {
	Amount int64 `json:"amount"`
}

// ==============================
// REST Response Types
// ==============================

type VenueInfo struct {
	ID          string   `json:"id"`
	Instruments []string `json:"instruments"`
}

type MarketInfo struct {
	Venue         string `json:"venue"`
	Symbol        string `json:"symbol"`
	BaseAsset     string `json:"baseAsset"`
	QuoteAsset    string `json:"quoteAsset"`
	Status        string `json:"status"`
	TickSize      string `json:"tickSize"`
	LotSize       int64  `json:"lotSize"`
	IMRBps        int64  `json:"imrBps"`
	MMRBps        int64  `json:"mmrBps"`
	IndexPrice    string `json:"indexPrice"`
	FundingRate   int64  `json:"fundingRate"` // 1e6 scaled
	CumFunding    int64  `json:"cumFunding"`
	LastFundingMs uint64 `json:"lastFundingMs"`
	Epoch         uint64 `json:"epoch"`
}

func newMarketInfo(venue string, inst instrument.Instrument) MarketInfo {
	return MarketInfo{
		Venue:         venue,
		Symbol:        inst.Symbol,
		BaseAsset:     inst.Base,
		QuoteAsset:    inst.Quote,
		Status:        inst.Status.String(),
		TickSize:      formatPrice(inst.TickSize),
		LotSize:       inst.LotSize,
		IMRBps:        inst.IMRBps,
		MMRBps:        inst.MMRBps,
		IndexPrice:    formatPrice(inst.IndexPrice),
		FundingRate:   inst.FundingRate,
		CumFunding:    inst.CumFunding,
		LastFundingMs: inst.LastFundingMs,
		Epoch:         inst.Epoch,
	}
}

// PriceLevel is one aggregated book level.
type PriceLevel struct {
	Price     string `json:"price"`
	Size      int64  `json:"size"`
	Available int64  `json:"available"` // size not held by reservations
}

type OrderbookSnapshot struct {
	Venue     string       `json:"venue"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // best first
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

func levels(in []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: formatPrice(l.Price), Size: l.Qty, Available: l.Available}
	}
	return out
}

type ReceiptInfo struct {
	Seq       uint32 `json:"seq"`
	FilledQty int64  `json:"filledQty"`
	VWAP      string `json:"vwap"`
	Notional  int64  `json:"notional"`
	Fee       int64  `json:"fee"`
}

func newReceiptInfo(r matching.FillReceipt) ReceiptInfo {
	return ReceiptInfo{Seq: r.Seq, FilledQty: r.FilledQty, VWAP: formatPrice(r.VWAP), Notional: r.Notional, Fee: r.Fee}
}

type PlaceOrderResponse struct {
	OrderID uint64 `json:"orderId"`
}

type LegInfo struct {
	Venue   string      `json:"venue"`
	HoldID  uint64      `json:"holdId"`
	State   string      `json:"state"`
	Receipt ReceiptInfo `json:"receipt"`
}

type RouteResponse struct {
	RouteID       string    `json:"routeId"`
	Legs          []LegInfo `json:"legs"`
	FilledQty     int64     `json:"filledQty"`
	VWAP          string    `json:"vwap"`
	Notional      int64     `json:"notional"`
	Fee           int64     `json:"fee"`
	NetExposure   int64     `json:"netExposure"`
	InitialMargin int64     `json:"initialMargin"`
	Partial       bool      `json:"partial,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func newRouteResponse(res router.RouteResult) RouteResponse {
	out := RouteResponse{
		RouteID:       res.RouteID.String(),
		Legs:          make([]LegInfo, len(res.Legs)),
		FilledQty:     res.FilledQty,
		VWAP:          formatPrice(res.VWAP),
		Notional:      res.Notional,
		Fee:           res.Fee,
		NetExposure:   res.NetExposure,
		InitialMargin: res.InitialMargin,
	}
	for i, l := range res.Legs {
		out.Legs[i] = LegInfo{Venue: l.Venue, HoldID: l.Hold.HoldID, State: l.State.String(), Receipt: newReceiptInfo(l.Receipt)}
	}
	return out
}

type HealthInfo struct {
	Equity         int64 `json:"equity"`
	IM             int64 `json:"im"`
	MM             int64 `json:"mm"`
	Liquidatable   bool  `json:"liquidatable"`
	PreLiquidation bool  `json:"preLiquidation"`
}

func newHealthInfo(h margin.Health) HealthInfo {
	return HealthInfo{Equity: h.Equity, IM: h.IM, MM: h.MM, Liquidatable: h.Liquidatable, PreLiquidation: h.PreLiquidation}
}

type AccountInfo struct {
	Address          string      `json:"address"`
	Principal        int64       `json:"principal"`
	PnL              int64       `json:"pnl"`
	ReservedPnL      int64       `json:"reservedPnl"`
	Equity           int64       `json:"equity"`
	PositionNotional int64       `json:"positionNotional"`
	FeeAccrued       int64       `json:"feeAccrued"`
	WarmupWithdrawn  int64       `json:"warmupWithdrawn"`
	Health           *HealthInfo `json:"health,omitempty"`
}

func newAccountInfo(a ledger.Account) AccountInfo {
	return AccountInfo{
		Address:          a.Owner.Hex(),
		Principal:        a.Principal,
		PnL:              a.PnL,
		ReservedPnL:      a.ReservedPnL,
		Equity:           a.Equity(),
		PositionNotional: a.PositionNotional,
		FeeAccrued:       a.FeeAccrued,
		WarmupWithdrawn:  a.Warmup.Withdrawn,
	}
}

type ExposureInfo struct {
	Venue      string `json:"venue"`
	Instrument string `json:"instrument"`
	Qty        int64  `json:"qty"`
}

type PositionInfo struct {
	Instrument  string `json:"instrument"`
	Size        int64  `json:"size"` // +ve = long, -ve = short
	EntryPrice  string `json:"entryPrice"`
	RealizedPnL int64  `json:"realizedPnl"`
}

type PortfolioInfo struct {
	Address   string         `json:"address"`
	Exposures []ExposureInfo `json:"exposures"`
	Positions []PositionInfo `json:"positions"`
}

func newPortfolioInfo(p *account.Portfolio) PortfolioInfo {
	out := PortfolioInfo{Address: p.Owner.Hex(), Exposures: make([]ExposureInfo, 0, len(p.Exposures))}
	for _, e := range p.Exposures {
		out.Exposures = append(out.Exposures, ExposureInfo{Venue: e.Venue, Instrument: e.Instrument, Qty: e.Qty})
	}
	syms := make([]string, 0, len(p.Positions))
	for sym := range p.Positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		pos := p.Positions[sym]
		if pos == nil || pos.Size == 0 {
			continue
		}
		out.Positions = append(out.Positions, PositionInfo{
			Instrument:  sym,
			Size:        pos.Size,
			EntryPrice:  formatPrice(pos.EntryPrice),
			RealizedPnL: pos.RealizedPnL,
		})
	}
	return out
}

type LiquidationInfo struct {
	Address          string     `json:"address"`
	Health           HealthInfo `json:"health"`
	ClosedQty        int64      `json:"closedQty"`
	ClosedNotional   int64      `json:"closedNotional"`
	Fee              int64      `json:"fee"`
	RealizedPnL      int64      `json:"realizedPnl"`
	Recovered        int64      `json:"recovered"`
	BadDebt          int64      `json:"badDebt"`
	InsuranceCovered int64      `json:"insuranceCovered"`
	Socialized       int64      `json:"socialized"`
}

func newLiquidationInfo(r router.LiquidationResult) LiquidationInfo {
	return LiquidationInfo{
		Address:          r.User.Hex(),
		Health:           newHealthInfo(r.Health),
		ClosedQty:        r.ClosedQty,
		ClosedNotional:   r.ClosedNotional,
		Fee:              r.Fee,
		RealizedPnL:      r.RealizedPnL,
		Recovered:        r.Recovered,
		BadDebt:          r.BadDebt,
		InsuranceCovered: r.InsuranceCovered,
		Socialized:       r.Socialized,
	}
}

type InsuranceInfo struct {
	Balance          int64 `json:"balance"`
	TotalTopUps      int64 `json:"totalTopUps"`
	TotalPayouts     int64 `json:"totalPayouts"`
	UncoveredBadDebt int64 `json:"uncoveredBadDebt"`
}

type StateInfo struct {
	Hash string `json:"hash"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Class     string `json:"class,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is pushed to every client subscribed to Channel.
type WSMessage struct {
	Channel string `json:"channel"` // e.g. "perpcore.routes" or "perpcore.routes:0xabc..."
	Type    string `json:"type"`    // event type, e.g. "route_filled"
	At      int64  `json:"at"`      // Unix milliseconds
	Data    any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // topic or topic:key
}
