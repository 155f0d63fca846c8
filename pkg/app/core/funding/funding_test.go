package funding

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/uhyunpark/perpcore/pkg/app/core/account"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
)

func testInstrument(t testing.TB) *instrument.Instrument {
	inst, err := instrument.New("BTC-PERP", "BTC", "USDC", instrument.DefaultPerp.WithIndex(100_000_000))
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func TestRateClampsToCap(t *testing.T) {
	tests := []struct {
		name string
		mark int64
		want int64
	}{
		{"balanced", 100_000_000, 0},
		{"mark 1% rich", 101_000_000, 10_000},
		{"mark 1% cheap", 99_000_000, -10_000},
		{"clamped high", 200_000_000, 50_000},
		{"clamped low", 1_000_000, -50_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Rate(tt.mark, 100_000_000, 1_000_000, 3600, 500)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("rate = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := Rate(1, 0, 1_000_000, 3600, 500); !errors.Is(err, ErrInvalidOracle) {
		t.Errorf("zero oracle: %v", err)
	}
}

func TestApplyLongPaysWhenIndexRises(t *testing.T) {
	inst := testInstrument(t)
	long := &account.Position{Size: 10}
	short := &account.Position{Size: -10}

	// mark 1% above oracle for one hour: index += 0.01 × 100 = 1.0 per unit
	if _, err := UpdateIndex(inst, 101_000_000, 100_000_000, 3600); err != nil {
		t.Fatal(err)
	}
	if inst.CumFunding != 1_000_000 {
		t.Fatalf("cum funding = %d", inst.CumFunding)
	}

	paid, err := Apply(long, inst)
	if err != nil {
		t.Fatal(err)
	}
	if paid != 10 || long.RealizedPnL != -10 {
		t.Errorf("long paid %d, pnl %d", paid, long.RealizedPnL)
	}
	received, err := Apply(short, inst)
	if err != nil {
		t.Fatal(err)
	}
	if received != -10 || short.RealizedPnL != 10 {
		t.Errorf("short payment %d, pnl %d", received, short.RealizedPnL)
	}
}

func TestUpdateGatedByInterval(t *testing.T) {
	inst := testInstrument(t)
	inst.FundingInterval = time.Hour

	if _, err := Update(inst, 100_000_000, 100_000_000, 3_600_000); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if _, err := Update(inst, 100_000_000, 100_000_000, 3_600_000+59_000); !errors.Is(err, ErrTooEarly) {
		t.Errorf("expected ErrTooEarly, got %v", err)
	}
	if _, err := Update(inst, 100_000_000, 100_000_000, 7_200_000); err != nil {
		t.Errorf("second update: %v", err)
	}
	if inst.LastFundingMs != 7_200_000 {
		t.Errorf("last funding = %d", inst.LastFundingMs)
	}
}

func TestFundingProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inst := &instrument.Instrument{CumFunding: rapid.Int64Range(-1<<40, 1<<40).Draw(t, "cum")}
		size := rapid.Int64Range(1, 1<<30).Draw(t, "size")
		offset := rapid.Int64Range(-1<<40, 1<<40).Draw(t, "offset")

		long := &account.Position{Size: size, FundingOffset: offset}
		short := &account.Position{Size: -size, FundingOffset: offset}
		if _, err := Apply(long, inst); err != nil {
			t.Fatal(err)
		}
		if _, err := Apply(short, inst); err != nil {
			t.Fatal(err)
		}
		if long.RealizedPnL+short.RealizedPnL != 0 {
			t.Fatalf("opposite positions do not net: %d + %d", long.RealizedPnL, short.RealizedPnL)
		}

		// idempotent without an index move
		before := *long
		paid, err := Apply(long, inst)
		if err != nil {
			t.Fatal(err)
		}
		if paid != 0 || *long != before {
			t.Fatalf("second apply changed position: %+v -> %+v", before, *long)
		}
	})
}
