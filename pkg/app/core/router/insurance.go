package router

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/perpcore/pkg/fixed"
)

var ErrInsuranceLocked = errors.New("insurance withdrawal blocked")

// InsuranceFund absorbs liquidation deficits before they are socialized.
type InsuranceFund struct {
	Balance          int64
	TotalTopUps      int64
	TotalPayouts     int64
	UncoveredBadDebt int64
}

func (f *InsuranceFund) TopUp(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("insurance top-up %d: %w", amount, ErrInvalidAmount)
	}
	b, err := fixed.Add(f.Balance, amount)
	if err != nil {
		return err
	}
	f.Balance = b
	f.TotalTopUps = fixed.SatAdd(f.TotalTopUps, amount)
	return nil
}

// Withdraw takes surplus out of the fund. It is refused while any bad
// debt is uncovered.
func (f *InsuranceFund) Withdraw(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("insurance withdraw %d: %w", amount, ErrInvalidAmount)
	}
	if f.UncoveredBadDebt > 0 {
		return fmt.Errorf("%w: %d bad debt uncovered", ErrInsuranceLocked, f.UncoveredBadDebt)
	}
	if amount > f.Balance {
		return fmt.Errorf("%w: balance %d, want %d", ErrInsuranceLocked, f.Balance, amount)
	}
	f.Balance -= amount
	return nil
}

// Cover pays as much of deficit as the balance allows and returns it.
// The rest is recorded as uncovered bad debt.
func (f *InsuranceFund) Cover(deficit int64) int64 {
	if deficit <= 0 {
		return 0
	}
	covered := fixed.Min(deficit, f.Balance)
	f.Balance -= covered
	f.TotalPayouts = fixed.SatAdd(f.TotalPayouts, covered)
	f.UncoveredBadDebt = fixed.SatAdd(f.UncoveredBadDebt, deficit-covered)
	return covered
}

// UtilizationBps is payouts as a share of everything the fund has held.
func (f *InsuranceFund) UtilizationBps() int64 {
	total := fixed.SatAdd(f.Balance, f.TotalPayouts)
	if total == 0 {
		return 0
	}
	u, err := fixed.MulDiv(f.TotalPayouts, fixed.BpsDenominator, total)
	if err != nil {
		return fixed.BpsDenominator
	}
	return u
}
