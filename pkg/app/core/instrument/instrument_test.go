package instrument

import (
	"errors"
	"testing"
)

func TestNewValidatesParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"zero tick", func(p *Params) { p.TickSize = 0 }},
		{"zero lot", func(p *Params) { p.LotSize = 0 }},
		{"mmr above imr", func(p *Params) { p.MMRBps = p.IMRBps + 1 }},
		{"no funding interval", func(p *Params) { p.FundingInterval = 0 }},
		{"negative funding cap", func(p *Params) { p.MaxFundingRateBps = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPerp
			tt.mutate(&p)
			if _, err := New("BTC-PERP", "BTC", "USDC", p); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}

	if _, err := New("BTC-PERP", "BTC", "USDC", DefaultPerp); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
}

func TestValidateOrder(t *testing.T) {
	inst, _ := New("BTC-PERP", "BTC", "USDC", DefaultPerp)

	if err := inst.ValidateOrder(100_000_000, 5); err != nil {
		t.Errorf("valid order rejected: %v", err)
	}
	if err := inst.ValidateOrder(100_000_001, 5); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("off-tick price: %v", err)
	}
	if err := inst.ValidateOrder(100_000_000, 0); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("zero qty: %v", err)
	}

	inst.Status = Paused
	if err := inst.ValidateOrder(100_000_000, 5); !errors.Is(err, ErrNotActive) {
		t.Errorf("paused instrument: %v", err)
	}
}

func TestRegistryStatusTransitions(t *testing.T) {
	r := NewRegistry()
	inst, _ := New("ETH-PERP", "ETH", "USDC", DefaultPerp)
	if err := r.Register(inst); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(inst); !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("duplicate register: %v", err)
	}

	if err := r.UpdateStatus("ETH-PERP", Settled); !errors.Is(err, ErrStatusTransition) {
		t.Errorf("active -> settled must go through settling: %v", err)
	}
	for _, s := range []Status{Paused, Active, Settling, Settled} {
		if err := r.UpdateStatus("ETH-PERP", s); err != nil {
			t.Fatalf("-> %s: %v", s, err)
		}
	}
	if err := r.UpdateStatus("ETH-PERP", Active); !errors.Is(err, ErrStatusTransition) {
		t.Errorf("settled is terminal: %v", err)
	}
	if _, err := r.Get("NOPE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing instrument: %v", err)
	}
}
