package ledger

import "github.com/uhyunpark/perpcore/pkg/fixed"

// AdaptiveConfig controls how quickly profit withdrawals are throttled
// under stress and released again afterwards. All values are bps.
type AdaptiveConfig struct {
	DrainThresholdBps int64
	OracleGapBps      int64
	InsuranceUtilBps  int64
	TightenStepBps    int64
	RelaxStepBps      int64
	MinUnlockBps      int64
}

func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		DrainThresholdBps: 500,
		OracleGapBps:      50,
		InsuranceUtilBps:  8_000,
		TightenStepBps:    1_000,
		RelaxStepBps:      500,
		MinUnlockBps:      1_000,
	}
}

type AdaptiveState struct {
	UnlockBps    int64
	LastDeposits int64
	Stressed     bool
}

func NewAdaptiveState() AdaptiveState {
	return AdaptiveState{UnlockBps: fixed.BpsDenominator}
}

// Step updates the unlock fraction from one observation and reports
// whether it moved.
//
// Example: deposits falling from 1_000_000 to 900_000 is a 1000 bps drain;
// with the default config that tightens 10000 to 9000.
func (a *AdaptiveState) Step(cfg AdaptiveConfig, totalDeposits, oracleGapBps, insuranceUtilBps int64) bool {
	var drain int64
	if a.LastDeposits > 0 && totalDeposits < a.LastDeposits {
		drain, _ = fixed.MulDiv(a.LastDeposits-totalDeposits, fixed.BpsDenominator, a.LastDeposits)
	}
	a.LastDeposits = totalDeposits

	a.Stressed = drain > cfg.DrainThresholdBps ||
		oracleGapBps > cfg.OracleGapBps ||
		insuranceUtilBps > cfg.InsuranceUtilBps

	prev := a.UnlockBps
	if a.Stressed {
		a.UnlockBps = fixed.Max(cfg.MinUnlockBps, a.UnlockBps-cfg.TightenStepBps)
	} else {
		a.UnlockBps = fixed.Min(fixed.BpsDenominator, a.UnlockBps+cfg.RelaxStepBps)
	}
	return a.UnlockBps != prev
}
