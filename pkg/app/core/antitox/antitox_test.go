package antitox

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var alice = common.HexToAddress("0xa11ce00000000000000000000000000000000000")

func TestCheckKillBand(t *testing.T) {
	g := NewGuard(Params{KillBandBps: 100})

	tests := []struct {
		name    string
		current int64
		reserve int64
		want    error
	}{
		{"unchanged", 100_000_000, 100_000_000, nil},
		{"inside band up", 101_000_000, 100_000_000, nil},
		{"inside band down", 99_000_000, 100_000_000, nil},
		{"beyond band", 101_010_000, 100_000_000, ErrKillBand},
		{"zero reserve", 100_000_000, 0, ErrInvalidReservePrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CheckKillBand(tt.current, tt.reserve)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	off := NewGuard(Params{})
	if err := off.CheckKillBand(1, 0); err != nil {
		t.Errorf("zero band must disable the check: %v", err)
	}
}

func TestMakerFeeBpsJIT(t *testing.T) {
	g := NewGuard(Params{JITEnabled: true})

	if got := g.MakerFeeBps(-2, 999, 1000); got != -2 {
		t.Errorf("order before batch keeps rebate, got %d", got)
	}
	if got := g.MakerFeeBps(-2, 1000, 1000); got != 0 {
		t.Errorf("JIT order loses rebate, got %d", got)
	}
	if got := g.MakerFeeBps(3, 1500, 1000); got != 3 {
		t.Errorf("positive maker fee stands, got %d", got)
	}

	off := NewGuard(Params{JITEnabled: false})
	if got := off.MakerFeeBps(-2, 1500, 1000); got != -2 {
		t.Errorf("disabled penalty, got %d", got)
	}
}

func TestAggressorRoundTripTax(t *testing.T) {
	g := NewGuard(Params{ASFeeKBps: 50})
	l := NewAggressorLedger(g, 4)

	if err := l.Record(alice, "BTC-PERP", 7, true, 5, 500_000); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(alice, "BTC-PERP", 7, false, 4, 400_000); err != nil {
		t.Fatal(err)
	}

	tax, err := l.Tax(alice, "BTC-PERP", 7)
	if err != nil {
		t.Fatal(err)
	}
	if tax != 2_000 {
		t.Errorf("tax = %d, want 2000", tax)
	}

	// other epoch is untouched
	if tax, _ := l.Tax(alice, "BTC-PERP", 8); tax != 0 {
		t.Errorf("fresh epoch tax = %d", tax)
	}
}

func TestAggressorLedgerCapacityAndPrune(t *testing.T) {
	l := NewAggressorLedger(NewGuard(DefaultParams()), 2)
	l.Record(alice, "BTC-PERP", 1, true, 1, 10)
	l.Record(alice, "BTC-PERP", 2, true, 1, 10)

	if err := l.Record(alice, "BTC-PERP", 3, true, 1, 10); !errors.Is(err, ErrLedgerFull) {
		t.Fatalf("expected ErrLedgerFull, got %v", err)
	}

	if n := l.Prune("BTC-PERP", 3); n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
	if err := l.Record(alice, "BTC-PERP", 3, true, 1, 10); err != nil {
		t.Errorf("record after prune: %v", err)
	}
}

func TestTaxIncreaseBoundedByFill(t *testing.T) {
	g := NewGuard(Params{ASFeeKBps: 50})
	l := NewAggressorLedger(g, 4)
	l.Record(alice, "BTC-PERP", 1, false, 20, 1_000)
	l.Record(alice, "BTC-PERP", 1, true, 3, 150)

	// floor(200·50bps) - floor(150·50bps) is 1, but 50 notional alone
	// prices at floor(0.25) = 0
	got, err := l.TaxIncrease(alice, "BTC-PERP", 1, true, 50)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("increase = %d, want 0", got)
	}
	if e, _ := l.Entry(alice, "BTC-PERP", 1); e.BuyNotional != 150 {
		t.Errorf("TaxIncrease recorded: buy notional %d", e.BuyNotional)
	}

	// min(floor(1000·50bps) - 0, floor(850·50bps)) = min(5, 4)
	got, err = l.TaxIncrease(alice, "BTC-PERP", 1, true, 850)
	if err != nil {
		t.Fatal(err)
	}
	if got != 4 {
		t.Errorf("increase = %d, want 4", got)
	}
}
