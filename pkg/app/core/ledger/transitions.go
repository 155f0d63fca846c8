package ledger

import (
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/fixed"
)

// AddUser registers owner and returns its uid.
func (s *State) AddUser(owner common.Address) (UID, error) {
	if !s.AuthorizedRouter {
		return 0, ErrUnauthorized
	}
	if _, ok := s.Lookup(owner); ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateUser, owner.Hex())
	}
	if s.Params.MaxUsers > 0 && len(s.Users) >= s.Params.MaxUsers {
		return 0, fmt.Errorf("%w: %d", ErrUserCapacity, s.Params.MaxUsers)
	}
	uid := UID(len(s.Users))
	s.Users = append(s.Users, Account{
		Owner:        owner,
		Warmup:       Warmup{SlopePerStep: s.Params.DefaultSlopePerStep},
		FeeIndexUser: s.FeeIndex,
	})
	s.index[owner] = uid
	return uid, nil
}

// Deposit credits principal and the vault.
func (s *State) Deposit(uid UID, amount int64) error {
	if err := s.check(uid); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: deposit %d", ErrInvalidAmount, amount)
	}
	a := &s.Users[uid]
	principal, err := fixed.Add(a.Principal, amount)
	if err != nil {
		return err
	}
	vault, err := fixed.Add(s.Vault, amount)
	if err != nil {
		return err
	}
	a.Principal, s.Vault = principal, vault
	return nil
}

// TradeSettle books realized PnL (net of fees) against the vault.
func (s *State) TradeSettle(uid UID, realized int64) error {
	if err := s.check(uid); err != nil {
		return err
	}
	a := &s.Users[uid]
	pnl, err := fixed.Add(a.PnL, realized)
	if err != nil {
		return err
	}
	vault, err := fixed.Add(s.Vault, realized)
	if err != nil {
		return err
	}
	a.PnL, s.Vault = pnl, vault
	return s.touch(uid)
}

// SetPositionNotional records the gross notional the router sees for uid.
// It feeds the maintenance check in WithdrawPrincipal.
func (s *State) SetPositionNotional(uid UID, notional int64) error {
	if err := s.check(uid); err != nil {
		return err
	}
	if notional < 0 {
		return fmt.Errorf("%w: notional %d", ErrInvalidAmount, notional)
	}
	s.Users[uid].PositionNotional = notional
	return nil
}

// SocializeLosses haircuts winners pro rata to their effective positive
// PnL. Principal is never touched. The part no winner could absorb is
// added to LossAccum. It returns the amount actually taken from winners.
//
// The whole deficit becomes PendingWriteOff until WriteOff clears it from
// the account that produced it.
func (s *State) SocializeLosses(deficit int64) (int64, error) {
	if !s.AuthorizedRouter {
		return 0, ErrUnauthorized
	}
	if deficit <= 0 {
		return 0, nil
	}

	var total int64
	for i := range s.Users {
		total = fixed.SatAdd(total, s.Users[i].EffectivePositivePnL())
	}
	haircut := fixed.Min(deficit, total)

	pending, err := fixed.Add(s.PendingWriteOff, deficit)
	if err != nil {
		return 0, err
	}

	var applied int64
	if haircut > 0 {
		remaining := haircut
		for i := range s.Users {
			if remaining == 0 {
				break
			}
			eff := s.Users[i].EffectivePositivePnL()
			if eff == 0 {
				continue
			}
			share, err := fixed.MulDiv(eff, haircut, total)
			if err != nil {
				return 0, err
			}
			share = fixed.Min(share, fixed.Min(remaining, eff))
			s.Users[i].PnL -= share
			remaining -= share
			applied += share
		}
		for i := range s.Users {
			if err := s.touch(UID(i)); err != nil {
				return 0, err
			}
		}
	}

	s.LossAccum = fixed.SatAdd(s.LossAccum, deficit-applied)
	s.PendingWriteOff = pending
	return applied, nil
}

// WriteOff clears up to amount of socialized deficit from uid's PnL.
func (s *State) WriteOff(uid UID, amount int64) error {
	if err := s.check(uid); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: write-off %d", ErrInvalidAmount, amount)
	}
	if amount > s.PendingWriteOff {
		return fmt.Errorf("%w: %d > %d", ErrWriteOffExceeded, amount, s.PendingWriteOff)
	}
	a := &s.Users[uid]
	pnl, err := fixed.Add(a.PnL, amount)
	if err != nil {
		return err
	}
	a.PnL = pnl
	s.PendingWriteOff -= amount
	return s.touch(uid)
}

// WithdrawPrincipal releases principal to the owner. Negative PnL is
// settled against principal first, and that settlement sticks even when
// the withdrawal itself is refused.
//
// Example: principal 1_000, pnl -9_000 settles to principal 0 and pnl
// -8_000; principal 10_000, pnl -9_000 settles to 1_000 and 0.
func (s *State) WithdrawPrincipal(uid UID, amount int64) error {
	if err := s.check(uid); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: withdraw %d", ErrInvalidAmount, amount)
	}
	a := &s.Users[uid]
	if err := s.settleLoss(uid); err != nil {
		return err
	}
	if amount > a.Principal {
		return fmt.Errorf("%w: have %d, want %d", ErrInsufficientPrincipal, a.Principal, amount)
	}

	mm, err := fixed.Bps(a.PositionNotional, s.Params.MaintenanceMarginBps)
	if err != nil {
		return err
	}
	after := fixed.SatAdd(a.Principal-amount, fixed.Max(a.PnL, 0))
	if after < mm {
		return fmt.Errorf("%w: equity %d after withdrawal < maintenance %d", ErrMarginViolation, after, mm)
	}

	a.Principal -= amount
	s.Vault -= amount
	return nil
}

// SettleLoss moves uid's negative pnl into principal. Equity is unchanged.
func (s *State) SettleLoss(uid UID) error {
	if err := s.check(uid); err != nil {
		return err
	}
	return s.settleLoss(uid)
}

// settleLoss moves negative pnl into principal. The vault is unchanged:
// the loss already left it when the pnl was booked.
func (s *State) settleLoss(uid UID) error {
	a := &s.Users[uid]
	if a.PnL >= 0 || a.Principal == 0 {
		return nil
	}
	loss := fixed.Min(-a.PnL, a.Principal)
	a.Principal -= loss
	a.PnL += loss
	return s.touch(uid)
}

// Withdrawable is how much positive PnL uid may take out at step.
// It is min(effective pnl, slope*steps, cap*steps) less what was already
// withdrawn, scaled by the adaptive unlock fraction.
func (s *State) Withdrawable(uid UID, step uint64) (int64, error) {
	if err := s.check(uid); err != nil {
		return 0, err
	}
	a := &s.Users[uid]
	var elapsed int64
	if step > a.Warmup.StartedAtStep {
		elapsed = int64(min(step-a.Warmup.StartedAtStep, uint64(1)<<62))
	}
	slopeCap, err := fixed.Mul(a.Warmup.SlopePerStep, elapsed)
	if err != nil {
		slopeCap = math.MaxInt64
	}
	stepCap, err := fixed.Mul(s.Params.WithdrawCapPerStep, elapsed)
	if err != nil {
		stepCap = math.MaxInt64
	}
	limit := fixed.Min(slopeCap, stepCap)
	limit = fixed.Max(0, fixed.SatSub(limit, a.Warmup.Withdrawn))
	limit = fixed.Min(limit, a.EffectivePositivePnL())
	return fixed.MulDiv(limit, s.Unlock.UnlockBps, fixed.BpsDenominator)
}

// ReservePnL holds up to amount of withdrawable profit for an in-flight
// payout and returns how much was held.
func (s *State) ReservePnL(uid UID, amount int64, step uint64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: reserve %d", ErrInvalidAmount, amount)
	}
	limit, err := s.Withdrawable(uid, step)
	if err != nil {
		return 0, err
	}
	held := fixed.Min(amount, limit)
	if held == 0 {
		return 0, nil
	}
	a := &s.Users[uid]
	a.ReservedPnL += held
	return held, s.touch(uid)
}

// ReleasePnL returns a reservation to the account untouched.
func (s *State) ReleasePnL(uid UID, amount int64) error {
	if err := s.check(uid); err != nil {
		return err
	}
	a := &s.Users[uid]
	if amount <= 0 || amount > a.ReservedPnL {
		return fmt.Errorf("%w: release %d of %d", ErrInsufficientReserved, amount, a.ReservedPnL)
	}
	a.ReservedPnL -= amount
	return s.touch(uid)
}

// SettleReservedPnL pays out a reservation: pnl, the reservation and the
// vault all drop by amount.
func (s *State) SettleReservedPnL(uid UID, amount int64) error {
	if err := s.check(uid); err != nil {
		return err
	}
	a := &s.Users[uid]
	if amount <= 0 || amount > a.ReservedPnL {
		return fmt.Errorf("%w: settle %d of %d", ErrInsufficientReserved, amount, a.ReservedPnL)
	}
	a.ReservedPnL -= amount
	a.PnL -= amount
	a.Warmup.Withdrawn = fixed.SatAdd(a.Warmup.Withdrawn, amount)
	s.Vault -= amount
	return s.touch(uid)
}

// WithdrawPnL reserves and settles in one step. Requests beyond the
// warmup limit are clipped, not refused.
func (s *State) WithdrawPnL(uid UID, amount int64, step uint64) (int64, error) {
	held, err := s.ReservePnL(uid, amount, step)
	if err != nil || held == 0 {
		return 0, err
	}
	return held, s.SettleReservedPnL(uid, held)
}

// TickWarmup pushes every account's warmup start forward by steps.
func (s *State) TickWarmup(steps uint64) error {
	if !s.AuthorizedRouter {
		return ErrUnauthorized
	}
	for i := range s.Users {
		w := &s.Users[i].Warmup
		if w.StartedAtStep > ^uint64(0)-steps {
			w.StartedAtStep = ^uint64(0)
			continue
		}
		w.StartedAtStep += steps
	}
	return nil
}

// StepUnlock runs one adaptive unlock update with the current deposit
// total. It reports whether the unlock fraction changed.
func (s *State) StepUnlock(oracleGapBps, insuranceUtilBps int64) bool {
	return s.Unlock.Step(s.UnlockConfig, s.TotalPrincipal(), oracleGapBps, insuranceUtilBps)
}
