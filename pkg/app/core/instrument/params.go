package instrument

import "time"

// Params is a helper struct for creating instruments with all parameters
// This separates config from the runtime Instrument struct
type Params struct {
	TickSize           int64
	LotSize            int64
	MinNotional        int64
	IMRBps             int64
	MMRBps             int64
	FundingInterval    time.Duration
	MaxFundingRateBps  int64
	FundingSensitivity int64
	InitialIndexPrice  int64
}

// DefaultPerp returns default parameters for a USDC-margined perpetual
var DefaultPerp = Params{
	// Price & Size Precision
	// TickSize: 10_000 = $0.01 at 1e6 scale
	// LotSize: 1 base unit
	TickSize:    10_000,
	LotSize:     1,
	MinNotional: 0,

	// Margin
	// 5% initial (20x), 2.5% maintenance
	IMRBps: 500,
	MMRBps: 250,

	// Funding
	// Hourly, clamped to ±5% per update, sensitivity 1.0
	FundingInterval:    time.Hour,
	MaxFundingRateBps:  500,
	FundingSensitivity: 1_000_000,
}

// WithIndex returns a copy of p with an initial index price.
func (p Params) WithIndex(price int64) Params {
	p.InitialIndexPrice = price
	return p
}
