package params

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleMarkets = `
instruments:
  - symbol: BTC-PERP
    base: BTC
    quote: USDC
    index_price: 100000000
    funding_interval: 30m
  - symbol: ETH-PERP
    base: ETH
    quote: USDC
    tick_size: 1000
    index_price: 3000000000
venues:
  - id: venue-a
    name: Alpha
    version: "1"
    maker_fee_bps: 0
    taker_fee_bps: 4
    maker_fee_cap_bps: 10
    taker_fee_cap_bps: 20
    imr_bps: 500
    mmr_bps: 250
    instruments: [BTC-PERP, ETH-PERP]
  - id: venue-b
    instruments: [BTC-PERP]
`

func TestParseMarkets(t *testing.T) {
	m, err := ParseMarkets([]byte(sampleMarkets))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Instruments) != 2 || len(m.Venues) != 2 {
		t.Fatalf("got %d instruments, %d venues", len(m.Instruments), len(m.Venues))
	}

	btc, ok := m.Instrument("BTC-PERP")
	if !ok {
		t.Fatal("BTC-PERP missing")
	}
	p := btc.Params()
	if p.FundingInterval != 30*time.Minute {
		t.Errorf("funding interval = %v", p.FundingInterval)
	}
	if p.TickSize != 10_000 || p.InitialIndexPrice != 100_000_000 {
		t.Errorf("defaults not applied: %+v", p)
	}

	a := m.Venues[0]
	if a.MakerFeeBps == nil || *a.MakerFeeBps != 0 {
		t.Errorf("explicit zero maker fee lost: %v", a.MakerFeeBps)
	}
	if m.Venues[1].TakerFeeBps != nil {
		t.Error("unset taker fee should stay nil")
	}
}

func TestParseMarketsRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown instrument", "instruments: []\nvenues:\n  - id: v\n    instruments: [X]\n"},
		{"duplicate venue", "venues:\n  - id: v\n  - id: v\n"},
		{"no index", "instruments:\n  - {symbol: X, base: X, quote: USDC}\n"},
		{"not yaml", "venues: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMarkets([]byte(tt.doc)); !errors.Is(err, ErrInvalidMarkets) {
				t.Errorf("err = %v", err)
			}
		})
	}
}

func TestLoadMarketsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	if err := os.WriteFile(path, []byte(sampleMarkets), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMarkets(path); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadMarkets(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("RISK_IMR_BPS", "1000")
	t.Setenv("ROUTER_HOLD_TTL_MS", "750")
	t.Setenv("ANTITOX_JIT", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("NODE_BATCH_INTERVAL_MS", "250")
	t.Setenv("RISK_MMR_BPS", "not-a-number")

	cfg := LoadFromEnv(filepath.Join(t.TempDir(), "absent.env"))
	if cfg.Router.Risk.IMRBps != 1000 {
		t.Errorf("IMR = %d", cfg.Router.Risk.IMRBps)
	}
	if cfg.Router.Risk.MMRBps != 250 {
		t.Errorf("bad value should keep default, got %d", cfg.Router.Risk.MMRBps)
	}
	if cfg.Router.HoldTTLms != 750 {
		t.Errorf("hold ttl = %d", cfg.Router.HoldTTLms)
	}
	if cfg.Venue.AntiTox.JITEnabled {
		t.Error("JIT should be disabled")
	}
	if len(cfg.Events.KafkaBrokers) != 2 || cfg.Events.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("brokers = %v", cfg.Events.KafkaBrokers)
	}
	if cfg.Node.BatchInterval != 250*time.Millisecond {
		t.Errorf("batch interval = %v", cfg.Node.BatchInterval)
	}
}

func TestEnvFileLoaded(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SETTLEMENT_ASSET=USDT\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SETTLEMENT_ASSET") })
	cfg := LoadFromEnv(path)
	if cfg.Router.SettlementAsset != "USDT" {
		t.Errorf("asset = %s", cfg.Router.SettlementAsset)
	}
}
