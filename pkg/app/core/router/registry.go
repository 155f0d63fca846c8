package router

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/fixed"
)

// MaxVenues bounds the registry.
const MaxVenues = 16

var (
	ErrRegistryFull      = errors.New("venue registry full")
	ErrVenueExists       = errors.New("venue already registered")
	ErrVenueNotFound     = errors.New("venue not found")
	ErrFeeAboveCap       = errors.New("venue fee above cap")
	ErrVersionMismatch   = errors.New("venue version mismatch")
	ErrInvalidRiskParams = errors.New("invalid venue risk params")
	ErrUnfundedRebate    = errors.New("maker rebate exceeds taker fee")
	ErrExposureLimit     = errors.New("venue exposure limit exceeded")
)

// VenueEntry is what the router knows about a venue it routes to.
//
// IMRBps and MMRBps are the venue's own published rates; cross-venue
// margin is always taken on net exposure at Config.Risk. LatencySLAms is
// recorded for operators and not enforced.
type VenueEntry struct {
	ID             string
	Name           string
	VersionHash    common.Hash
	IMRBps         int64
	MMRBps         int64
	MakerFeeCapBps int64
	TakerFeeCapBps int64
	LatencySLAms   uint64
	MaxExposure    int64 // per-user |qty| on this venue, 0 for no limit
	RegisteredMs   uint64
	Active         bool
}

// VenuePnL accumulates what the router has settled with one venue.
type VenuePnL struct {
	MakerFeeCredits int64
	VenueFees       int64
	RealizedPnL     int64
}

// ApplyDeltas adds all three deltas or none of them.
func (p *VenuePnL) ApplyDeltas(makerCredits, venueFees, realized int64) error {
	m, err := fixed.Add(p.MakerFeeCredits, makerCredits)
	if err != nil {
		return err
	}
	f, err := fixed.Add(p.VenueFees, venueFees)
	if err != nil {
		return err
	}
	r, err := fixed.Add(p.RealizedPnL, realized)
	if err != nil {
		return err
	}
	p.MakerFeeCredits, p.VenueFees, p.RealizedPnL = m, f, r
	return nil
}

// NetPnL = maker credits + realized - venue fees
func (p VenuePnL) NetPnL() int64 {
	return fixed.SatSub(fixed.SatAdd(p.MakerFeeCredits, p.RealizedPnL), p.VenueFees)
}

type Registry struct {
	entries map[string]*VenueEntry
	pnl     map[string]*VenuePnL
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*VenueEntry),
		pnl:     make(map[string]*VenuePnL),
	}
}

// Register adds e as an active venue whose live fee schedule is
// (makerBps, takerBps). Schedules above the entry's caps are rejected.
func (r *Registry) Register(e VenueEntry, makerBps, takerBps int64) error {
	if _, ok := r.entries[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrVenueExists, e.ID)
	}
	if len(r.entries) >= MaxVenues {
		return fmt.Errorf("%w: %d", ErrRegistryFull, MaxVenues)
	}
	if e.MMRBps <= 0 || e.IMRBps < e.MMRBps {
		return fmt.Errorf("%w: imr %d mmr %d", ErrInvalidRiskParams, e.IMRBps, e.MMRBps)
	}
	if makerBps > e.MakerFeeCapBps || takerBps > e.TakerFeeCapBps {
		return fmt.Errorf("%w: %s maker %d/%d taker %d/%d", ErrFeeAboveCap, e.ID,
			makerBps, e.MakerFeeCapBps, takerBps, e.TakerFeeCapBps)
	}
	// rebates are paid out of the taker fee on the same fill
	if makerBps < 0 && -makerBps > takerBps {
		return fmt.Errorf("%w: %s maker %d taker %d", ErrUnfundedRebate, e.ID, makerBps, takerBps)
	}
	e.Active = true
	r.entries[e.ID] = &e
	r.pnl[e.ID] = &VenuePnL{}
	return nil
}

// Find returns a copy of the entry for id.
func (r *Registry) Find(id string) (VenueEntry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return VenueEntry{}, false
	}
	return *e, true
}

func (r *Registry) Deactivate(id string) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVenueNotFound, id)
	}
	e.Active = false
	return nil
}

// ValidateVersion checks that venue id still runs the registered code.
func (r *Registry) ValidateVersion(id string, version common.Hash) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVenueNotFound, id)
	}
	if e.VersionHash != version {
		return fmt.Errorf("%w: %s has %s", ErrVersionMismatch, id, e.VersionHash.Hex())
	}
	return nil
}

func (r *Registry) UpdateRiskParams(id string, imrBps, mmrBps int64) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVenueNotFound, id)
	}
	if mmrBps <= 0 || imrBps < mmrBps {
		return fmt.Errorf("%w: imr %d mmr %d", ErrInvalidRiskParams, imrBps, mmrBps)
	}
	e.IMRBps, e.MMRBps = imrBps, mmrBps
	return nil
}

// Active lists active venue IDs in order.
func (r *Registry) Active() []string {
	out := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.Active {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int { return len(r.entries) }

// PnL returns the settlement totals for venue id.
func (r *Registry) PnL(id string) (VenuePnL, bool) {
	p, ok := r.pnl[id]
	if !ok {
		return VenuePnL{}, false
	}
	return *p, true
}

func (r *Registry) applyPnL(id string, makerCredits, venueFees, realized int64) error {
	p, ok := r.pnl[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrVenueNotFound, id)
	}
	return p.ApplyDeltas(makerCredits, venueFees, realized)
}
