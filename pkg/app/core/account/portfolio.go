package account

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/fixed"
)

// MaxExposures bounds the (venue, instrument) pairs one portfolio may hold.
const MaxExposures = 8

var ErrExposureCapacity = errors.New("exposure capacity exceeded")

// Exposure is the signed quantity held on one venue for one instrument.
// FundingOffset is that venue's funding index at the last settlement.
type Exposure struct {
	Venue         string
	Instrument    string
	Qty           int64
	FundingOffset int64
}

// ExposureDelta is a signed change to an Exposure.
type ExposureDelta struct {
	Venue      string
	Instrument string
	Qty        int64
}

// Portfolio tracks a user's per-venue exposures and the positions they net into.
type Portfolio struct {
	Owner     common.Address
	Exposures []Exposure           // at most MaxExposures, never zero-qty
	Positions map[string]*Position // instrument -> position
}

func NewPortfolio(owner common.Address) *Portfolio {
	return &Portfolio{
		Owner:     owner,
		Exposures: make([]Exposure, 0, MaxExposures),
		Positions: make(map[string]*Position),
	}
}

// Exposure returns the quantity held on venue for instrument.
func (p *Portfolio) Exposure(venue, instrument string) int64 {
	if i := p.indexOf(venue, instrument); i >= 0 {
		return p.Exposures[i].Qty
	}
	return 0
}

// NetExposure sums exposure on instrument across venues.
// UpdateExposures keeps this sum inside int64.
func (p *Portfolio) NetExposure(instrument string) int64 {
	var net int64
	for _, e := range p.Exposures {
		if e.Instrument == instrument {
			net += e.Qty
		}
	}
	return net
}

// GrossExposure sums |exposure| on instrument across venues.
func (p *Portfolio) GrossExposure(instrument string) int64 {
	var gross int64
	for _, e := range p.Exposures {
		if e.Instrument != instrument {
			continue
		}
		q, err := fixed.Abs(e.Qty)
		if err != nil {
			return math.MaxInt64
		}
		gross = fixed.SatAdd(gross, q)
	}
	return gross
}

// Instruments returns every instrument with an exposure or a position, sorted.
func (p *Portfolio) Instruments() []string {
	seen := make(map[string]struct{})
	for _, e := range p.Exposures {
		seen[e.Instrument] = struct{}{}
	}
	for sym, pos := range p.Positions {
		if pos.Size != 0 {
			seen[sym] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Venues returns the venues holding exposure on instrument.
func (p *Portfolio) Venues(instrument string) []string {
	var out []string
	for _, e := range p.Exposures {
		if e.Instrument == instrument {
			out = append(out, e.Venue)
		}
	}
	sort.Strings(out)
	return out
}

// UpdateExposures applies deltas all-or-nothing.
// Phase 1 validates every delta against a scratch copy; phase 2 applies them.
func (p *Portfolio) UpdateExposures(deltas []ExposureDelta) error {
	if err := p.CheckExposures(deltas); err != nil {
		return err
	}

	// Phase 2: apply, freeing entries that return to zero
	for _, d := range deltas {
		if i := p.indexOf(d.Venue, d.Instrument); i >= 0 {
			p.Exposures[i].Qty += d.Qty
			continue
		}
		p.Exposures = append(p.Exposures, Exposure{Venue: d.Venue, Instrument: d.Instrument, Qty: d.Qty})
	}
	kept := p.Exposures[:0]
	for _, e := range p.Exposures {
		if e.Qty != 0 {
			kept = append(kept, e)
		}
	}
	p.Exposures = kept
	return nil
}

// CheckExposures reports whether deltas could be applied: capacity and
// overflow are checked against a scratch copy, p is not touched.
func (p *Portfolio) CheckExposures(deltas []ExposureDelta) error {
	scratch := make([]Exposure, len(p.Exposures), MaxExposures+len(deltas))
	copy(scratch, p.Exposures)
	for _, d := range deltas {
		idx := -1
		for i := range scratch {
			if scratch[i].Venue == d.Venue && scratch[i].Instrument == d.Instrument {
				idx = i
				break
			}
		}
		if idx < 0 {
			scratch = append(scratch, Exposure{Venue: d.Venue, Instrument: d.Instrument})
			idx = len(scratch) - 1
		}
		q, err := fixed.Add(scratch[idx].Qty, d.Qty)
		if err != nil {
			return fmt.Errorf("exposure %s/%s: %w", d.Venue, d.Instrument, err)
		}
		scratch[idx].Qty = q
	}
	live := 0
	nets := make(map[string]int64)
	for _, e := range scratch {
		if e.Qty == 0 {
			continue
		}
		live++
		n, err := fixed.Add(nets[e.Instrument], e.Qty)
		if err != nil {
			return fmt.Errorf("net exposure %s: %w", e.Instrument, err)
		}
		nets[e.Instrument] = n
	}
	if live > MaxExposures {
		return fmt.Errorf("%w: %d > %d", ErrExposureCapacity, live, MaxExposures)
	}
	return nil
}

// SetFundingOffset records the funding index an exposure settled against.
// Missing exposures are ignored.
func (p *Portfolio) SetFundingOffset(venue, instrument string, offset int64) {
	if i := p.indexOf(venue, instrument); i >= 0 {
		p.Exposures[i].FundingOffset = offset
	}
}

// Clone copies exposures and positions.
func (p *Portfolio) Clone() *Portfolio {
	c := &Portfolio{
		Owner:     p.Owner,
		Exposures: append(make([]Exposure, 0, MaxExposures), p.Exposures...),
		Positions: make(map[string]*Position, len(p.Positions)),
	}
	for k, pos := range p.Positions {
		cp := *pos
		c.Positions[k] = &cp
	}
	return c
}

// Position returns the position on instrument, creating a flat one if needed.
func (p *Portfolio) Position(instrument string) *Position {
	pos, ok := p.Positions[instrument]
	if !ok {
		pos = NewPosition(p.Owner, instrument)
		p.Positions[instrument] = pos
	}
	return pos
}

func (p *Portfolio) indexOf(venue, instrument string) int {
	for i := range p.Exposures {
		if p.Exposures[i].Venue == venue && p.Exposures[i].Instrument == instrument {
			return i
		}
	}
	return -1
}
