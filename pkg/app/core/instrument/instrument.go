package instrument

import (
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/perpcore/pkg/fixed"
)

var (
	ErrInvalidParams = errors.New("invalid instrument params")
	ErrInvalidOrder  = errors.New("invalid order")
	ErrNotActive     = errors.New("instrument not active")
)

// Status defines the trading status of an instrument
type Status int8

const (
	Active   Status = iota // Trading enabled
	Paused                 // Trading halted (emergency)
	Settling               // Funding/expiry in progress
	Settled                // Closed, terminal
)

func (s Status) String() string {
	switch s {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settling:
		return "Settling"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Instrument is one perpetual contract listed on a venue.
// Static fields come from Params; the rest is runtime state driven by
// funding updates and batch opens.
type Instrument struct {
	// Identity
	Symbol string // "BTC-PERP"
	Base   string // "BTC"
	Quote  string // "USDC"
	Status Status

	// Precision
	// TickSize: minimum price increment in 1e6 fixed point (10_000 = $0.01)
	// LotSize: minimum quantity increment in base units
	TickSize    int64
	LotSize     int64
	MinNotional int64 // quote units

	// Margin (bps)
	IMRBps int64
	MMRBps int64

	// Funding
	FundingInterval    time.Duration
	MaxFundingRateBps  int64 // clamp per update
	FundingSensitivity int64 // 1e6 scaled, 1_000_000 = 1.0

	// Runtime state
	IndexPrice    int64 // oracle index, 1e6 scaled
	CumFunding    int64 // cumulative funding index, 1e6 scaled per unit of size
	FundingRate   int64 // last applied rate, 1e6 scaled
	LastFundingMs uint64
	Epoch         uint64 // batch epoch
	BatchOpenMs   uint64
	FreezeUntilMs uint64
}

// New creates an instrument with validation
func New(symbol, base, quote string, p Params) (*Instrument, error) {
	inst := &Instrument{
		Symbol:             symbol,
		Base:               base,
		Quote:              quote,
		Status:             Active,
		TickSize:           p.TickSize,
		LotSize:            p.LotSize,
		MinNotional:        p.MinNotional,
		IMRBps:             p.IMRBps,
		MMRBps:             p.MMRBps,
		FundingInterval:    p.FundingInterval,
		MaxFundingRateBps:  p.MaxFundingRateBps,
		FundingSensitivity: p.FundingSensitivity,
		IndexPrice:         p.InitialIndexPrice,
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return inst, nil
}

// Validate checks parameter sanity
func (i *Instrument) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidParams)
	}
	if i.TickSize <= 0 || i.LotSize <= 0 {
		return fmt.Errorf("%w: tick and lot size must be positive", ErrInvalidParams)
	}
	if i.MinNotional < 0 {
		return fmt.Errorf("%w: min notional cannot be negative", ErrInvalidParams)
	}
	if i.IMRBps <= 0 || i.MMRBps <= 0 {
		return fmt.Errorf("%w: margin ratios must be positive", ErrInvalidParams)
	}
	if i.MMRBps > i.IMRBps {
		return fmt.Errorf("%w: maintenance margin %d exceeds initial %d", ErrInvalidParams, i.MMRBps, i.IMRBps)
	}
	if i.FundingInterval <= 0 {
		return fmt.Errorf("%w: funding interval must be positive", ErrInvalidParams)
	}
	if i.MaxFundingRateBps < 0 {
		return fmt.Errorf("%w: max funding rate cannot be negative", ErrInvalidParams)
	}
	if i.IndexPrice < 0 {
		return fmt.Errorf("%w: index price cannot be negative", ErrInvalidParams)
	}
	return nil
}

// ValidateOrder performs all order validations
func (i *Instrument) ValidateOrder(price, qty int64) error {
	if i.Status != Active {
		return fmt.Errorf("%w: %s (status: %s)", ErrNotActive, i.Symbol, i.Status)
	}
	if price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidOrder)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if price%i.TickSize != 0 {
		return fmt.Errorf("%w: price %d not a multiple of tick %d", ErrInvalidOrder, price, i.TickSize)
	}
	if qty%i.LotSize != 0 {
		return fmt.Errorf("%w: qty %d not a multiple of lot %d", ErrInvalidOrder, qty, i.LotSize)
	}
	notional, err := fixed.Notional(qty, price)
	if err != nil {
		return fmt.Errorf("%w: notional: %v", ErrInvalidOrder, err)
	}
	if notional < i.MinNotional {
		return fmt.Errorf("%w: notional %d below minimum %d", ErrInvalidOrder, notional, i.MinNotional)
	}
	return nil
}

// Frozen reports whether immediate takes are blocked by the current batch window.
func (i *Instrument) Frozen(nowMs uint64) bool {
	return nowMs < i.FreezeUntilMs
}
