package params

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
)

var ErrInvalidMarkets = errors.New("invalid markets file")

// InstrumentSpec is one listed contract. Prices are 1e6 fixed point.
type InstrumentSpec struct {
	Symbol             string        `yaml:"symbol"`
	Base               string        `yaml:"base"`
	Quote              string        `yaml:"quote"`
	TickSize           int64         `yaml:"tick_size"`
	LotSize            int64         `yaml:"lot_size"`
	MinNotional        int64         `yaml:"min_notional"`
	IMRBps             int64         `yaml:"imr_bps"`
	MMRBps             int64         `yaml:"mmr_bps"`
	FundingInterval    time.Duration `yaml:"funding_interval"`
	MaxFundingRateBps  int64         `yaml:"max_funding_rate_bps"`
	FundingSensitivity int64         `yaml:"funding_sensitivity"`
	IndexPrice         int64         `yaml:"index_price"`
}

// Params fills unset fields from instrument.DefaultPerp.
func (s InstrumentSpec) Params() instrument.Params {
	p := instrument.DefaultPerp.WithIndex(s.IndexPrice)
	if s.TickSize != 0 {
		p.TickSize = s.TickSize
	}
	if s.LotSize != 0 {
		p.LotSize = s.LotSize
	}
	if s.MinNotional != 0 {
		p.MinNotional = s.MinNotional
	}
	if s.IMRBps != 0 {
		p.IMRBps = s.IMRBps
	}
	if s.MMRBps != 0 {
		p.MMRBps = s.MMRBps
	}
	if s.FundingInterval != 0 {
		p.FundingInterval = s.FundingInterval
	}
	if s.MaxFundingRateBps != 0 {
		p.MaxFundingRateBps = s.MaxFundingRateBps
	}
	if s.FundingSensitivity != 0 {
		p.FundingSensitivity = s.FundingSensitivity
	}
	return p
}

// VenueSpec is one liquidity venue and the instruments it lists.
// Fee fields override Config.Venue when set.
type VenueSpec struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name"`
	Version        string   `yaml:"version"`
	MakerFeeBps    *int64   `yaml:"maker_fee_bps"`
	TakerFeeBps    *int64   `yaml:"taker_fee_bps"`
	MakerFeeCapBps int64    `yaml:"maker_fee_cap_bps"`
	TakerFeeCapBps int64    `yaml:"taker_fee_cap_bps"`
	IMRBps         int64    `yaml:"imr_bps"`
	MMRBps         int64    `yaml:"mmr_bps"`
	LatencySLAms   uint64   `yaml:"latency_sla_ms"`
	MaxExposure    int64    `yaml:"max_exposure"`
	Instruments    []string `yaml:"instruments"`
}

type Markets struct {
	Instruments []InstrumentSpec `yaml:"instruments"`
	Venues      []VenueSpec      `yaml:"venues"`
}

// Instrument returns the definition for symbol.
func (m *Markets) Instrument(symbol string) (InstrumentSpec, bool) {
	for _, s := range m.Instruments {
		if s.Symbol == symbol {
			return s, true
		}
	}
	return InstrumentSpec{}, false
}

// Validate checks identities and cross references.
func (m *Markets) Validate() error {
	seen := make(map[string]bool)
	for _, s := range m.Instruments {
		if s.Symbol == "" || s.Base == "" || s.Quote == "" {
			return fmt.Errorf("%w: instrument needs symbol, base and quote", ErrInvalidMarkets)
		}
		if seen[s.Symbol] {
			return fmt.Errorf("%w: duplicate instrument %s", ErrInvalidMarkets, s.Symbol)
		}
		if s.IndexPrice <= 0 {
			return fmt.Errorf("%w: %s has no index price", ErrInvalidMarkets, s.Symbol)
		}
		seen[s.Symbol] = true
	}
	venues := make(map[string]bool)
	for _, v := range m.Venues {
		if v.ID == "" {
			return fmt.Errorf("%w: venue without id", ErrInvalidMarkets)
		}
		if venues[v.ID] {
			return fmt.Errorf("%w: duplicate venue %s", ErrInvalidMarkets, v.ID)
		}
		venues[v.ID] = true
		for _, sym := range v.Instruments {
			if !seen[sym] {
				return fmt.Errorf("%w: venue %s lists unknown instrument %s", ErrInvalidMarkets, v.ID, sym)
			}
		}
	}
	return nil
}

// ParseMarkets decodes and validates a markets document.
func ParseMarkets(data []byte) (*Markets, error) {
	var m Markets
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMarkets, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadMarkets reads the markets file at path.
func LoadMarkets(path string) (*Markets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markets: %w", err)
	}
	return ParseMarkets(data)
}
