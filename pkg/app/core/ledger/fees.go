package ledger

import (
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

// OnFees takes incoming fees. Socialized losses are covered first and the
// rest raises the fee index for accounts holding positive PnL. With no
// such accounts the remainder is carried to the next call.
func (s *State) OnFees(fees int64) (covered, distributable int64, err error) {
	if !s.AuthorizedRouter {
		return 0, 0, ErrUnauthorized
	}
	if fees <= 0 {
		return 0, 0, nil
	}

	covered = fixed.Min(fees, s.LossAccum)
	distributable = fees - covered

	vault, err := fixed.Add(s.Vault, covered)
	if err != nil {
		return 0, 0, err
	}
	outstanding, err := fixed.Add(s.FeesOutstanding, distributable)
	if err != nil {
		return 0, 0, err
	}

	index := s.FeeIndex
	carry := s.FeeCarry
	if distributable > 0 {
		pool, err := fixed.Add(distributable, carry)
		if err != nil {
			return 0, 0, err
		}
		carry = 0
		if s.SumVestedPosPnL > 0 {
			delta, err := fixed.MulDiv(pool, FeeScale, s.SumVestedPosPnL)
			if err != nil {
				return 0, 0, err
			}
			if index, err = fixed.Add(index, delta); err != nil {
				return 0, 0, err
			}
		} else {
			carry = pool
		}
	}

	s.LossAccum -= covered
	s.Vault = vault
	s.FeesOutstanding = outstanding
	s.FeeIndex, s.FeeCarry = index, carry
	return covered, distributable, nil
}

// OnTouch accrues uid's share of fees since its last touch and reconciles
// its contribution to SumVestedPosPnL. It returns the amount credited.
func (s *State) OnTouch(uid UID) (int64, error) {
	if err := s.check(uid); err != nil {
		return 0, err
	}
	before := s.Users[uid].FeeAccrued
	if err := s.touch(uid); err != nil {
		return 0, err
	}
	return s.Users[uid].FeeAccrued - before, nil
}

// touch runs after every change to an account's PnL.
func (s *State) touch(uid UID) error {
	a := &s.Users[uid]
	vested := a.EffectivePositivePnL()

	if vested > 0 && s.FeeIndex > a.FeeIndexUser {
		credit, err := fixed.MulDiv(s.FeeIndex-a.FeeIndexUser, vested, FeeScale)
		if err != nil {
			return err
		}
		a.FeeAccrued = fixed.SatAdd(a.FeeAccrued, credit)
	}
	a.FeeIndexUser = s.FeeIndex

	if vested != a.VestedSnapshot {
		s.SumVestedPosPnL = fixed.Max(0, fixed.SatAdd(s.SumVestedPosPnL, vested-a.VestedSnapshot))
		a.VestedSnapshot = vested
	}
	return nil
}

// ClaimFees moves accrued fees into principal. The claim never exceeds
// what is outstanding.
func (s *State) ClaimFees(uid UID) (int64, error) {
	if err := s.check(uid); err != nil {
		return 0, err
	}
	if err := s.touch(uid); err != nil {
		return 0, err
	}
	a := &s.Users[uid]
	claimed := fixed.Min(a.FeeAccrued, s.FeesOutstanding)
	if claimed <= 0 {
		return 0, nil
	}
	principal, err := fixed.Add(a.Principal, claimed)
	if err != nil {
		return 0, err
	}
	vault, err := fixed.Add(s.Vault, claimed)
	if err != nil {
		return 0, err
	}
	a.Principal, s.Vault = principal, vault
	a.FeeAccrued -= claimed
	s.FeesOutstanding -= claimed
	return claimed, nil
}
