package instrument

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound          = errors.New("instrument not found")
	ErrAlreadyRegistered = errors.New("instrument already registered")
	ErrStatusTransition  = errors.New("invalid status transition")
)

// Registry holds the instruments listed on one venue.
// It is owned by the venue and shares its single-writer discipline.
type Registry struct {
	instruments map[string]*Instrument // symbol -> instrument
}

func NewRegistry() *Registry {
	return &Registry{instruments: make(map[string]*Instrument)}
}

// Register adds a new instrument
// Returns error if an instrument with the same symbol already exists
func (r *Registry) Register(inst *Instrument) error {
	if inst == nil {
		return fmt.Errorf("%w: nil instrument", ErrInvalidParams)
	}
	if _, exists := r.instruments[inst.Symbol]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, inst.Symbol)
	}
	r.instruments[inst.Symbol] = inst
	return nil
}

func (r *Registry) Get(symbol string) (*Instrument, error) {
	inst, ok := r.instruments[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	return inst, nil
}

// List returns all instruments sorted by symbol
func (r *Registry) List() []*Instrument {
	out := make([]*Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdateStatus changes the trading status of an instrument
func (r *Registry) UpdateStatus(symbol string, status Status) error {
	inst, err := r.Get(symbol)
	if err != nil {
		return err
	}
	// Active <-> Paused, Active/Paused -> Settling, Settling -> Settled.
	// Settled is terminal.
	if inst.Status == Settled {
		return fmt.Errorf("%w: %s is settled", ErrStatusTransition, symbol)
	}
	if status == Settled && inst.Status != Settling {
		return fmt.Errorf("%w: %s -> %s", ErrStatusTransition, inst.Status, status)
	}
	inst.Status = status
	return nil
}

func (r *Registry) Count() int { return len(r.instruments) }
