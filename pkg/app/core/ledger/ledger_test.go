package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func addr(i int) common.Address {
	return common.BytesToAddress([]byte{0xaa, byte(i + 1)})
}

// tb is the part of testing.TB that *rapid.T also provides.
type tb interface {
	Helper()
	Fatal(args ...any)
}

func newTestState(t tb, n int) (*State, []UID) {
	t.Helper()
	s := NewState(DefaultParams(), DefaultAdaptiveConfig())
	uids := make([]UID, n)
	for i := range uids {
		uid, err := s.AddUser(addr(i))
		if err != nil {
			t.Fatal(err)
		}
		uids[i] = uid
	}
	return s, uids
}

func mustConserve(t tb, s *State) {
	t.Helper()
	if err := s.CheckConservation(); err != nil {
		t.Fatal(err)
	}
}

func TestAddUser(t *testing.T) {
	p := DefaultParams()
	p.MaxUsers = 2
	s := NewState(p, DefaultAdaptiveConfig())

	if _, err := s.AddUser(addr(0)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddUser(addr(0)); !errors.Is(err, ErrDuplicateUser) {
		t.Errorf("duplicate: %v", err)
	}
	if _, err := s.AddUser(addr(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddUser(addr(2)); !errors.Is(err, ErrUserCapacity) {
		t.Errorf("capacity: %v", err)
	}
	if uid, ok := s.Lookup(addr(1)); !ok || uid != 1 {
		t.Errorf("lookup = %d, %v", uid, ok)
	}
}

func TestUnauthorizedAndUnknown(t *testing.T) {
	s, uids := newTestState(t, 1)
	if err := s.Deposit(7, 100); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("unknown uid: %v", err)
	}
	s.AuthorizedRouter = false
	if err := s.Deposit(uids[0], 100); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("deposit: %v", err)
	}
	if _, err := s.SocializeLosses(10); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("socialize: %v", err)
	}
	if _, _, err := s.OnFees(10); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("fees: %v", err)
	}
	if _, err := s.AddUser(addr(9)); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("add user: %v", err)
	}
}

func TestWithdrawPrincipalSettlesLossFirst(t *testing.T) {
	s, uids := newTestState(t, 1)
	u := uids[0]
	if err := s.Deposit(u, 10_000); err != nil {
		t.Fatal(err)
	}
	if err := s.TradeSettle(u, -9_000); err != nil {
		t.Fatal(err)
	}

	err := s.WithdrawPrincipal(u, 10_000)
	if !errors.Is(err, ErrInsufficientPrincipal) {
		t.Fatalf("withdraw 10000: %v", err)
	}
	a, _ := s.Account(u)
	if a.Principal != 1_000 || a.PnL != 0 {
		t.Fatalf("after settle: principal %d pnl %d, want 1000/0", a.Principal, a.PnL)
	}
	mustConserve(t, s)

	if err := s.WithdrawPrincipal(u, 1_000); err != nil {
		t.Fatal(err)
	}
	if s.Vault != 0 {
		t.Errorf("vault = %d", s.Vault)
	}
	mustConserve(t, s)
}

func TestWithdrawPrincipalRespectsMaintenance(t *testing.T) {
	s, uids := newTestState(t, 1)
	u := uids[0]
	if err := s.Deposit(u, 150); err != nil {
		t.Fatal(err)
	}
	if err := s.TradeSettle(u, -100); err != nil {
		t.Fatal(err)
	}
	// 250 bps of 1000 notional
	if err := s.SetPositionNotional(u, 1_000); err != nil {
		t.Fatal(err)
	}

	if err := s.WithdrawPrincipal(u, 60); !errors.Is(err, ErrInsufficientPrincipal) {
		t.Errorf("withdraw 60: %v", err)
	}
	if err := s.WithdrawPrincipal(u, 40); !errors.Is(err, ErrMarginViolation) {
		t.Errorf("withdraw 40: %v", err)
	}
	if err := s.WithdrawPrincipal(u, 25); err != nil {
		t.Errorf("withdraw 25: %v", err)
	}
	a, _ := s.Account(u)
	if a.Principal != 25 {
		t.Errorf("principal = %d", a.Principal)
	}
	mustConserve(t, s)
}

func TestWithdrawPnLWarmup(t *testing.T) {
	s, uids := newTestState(t, 1)
	u := uids[0]
	if err := s.TradeSettle(u, 5_000_000); err != nil {
		t.Fatal(err)
	}

	got, err := s.WithdrawPnL(u, 10_000_000, 0)
	if err != nil || got != 0 {
		t.Fatalf("step 0: %d, %v", got, err)
	}
	if got, _ = s.WithdrawPnL(u, 10_000_000, 2); got != 2_000_000 {
		t.Errorf("step 2 = %d, want 2000000", got)
	}
	if got, _ = s.WithdrawPnL(u, 10_000_000, 2); got != 0 {
		t.Errorf("step 2 again = %d, want 0", got)
	}
	if got, _ = s.WithdrawPnL(u, 10_000_000, 3); got != 1_000_000 {
		t.Errorf("step 3 = %d, want 1000000", got)
	}

	s.Unlock.UnlockBps = 5_000
	if got, _ = s.WithdrawPnL(u, 10_000_000, 5); got != 1_000_000 {
		t.Errorf("half unlocked step 5 = %d, want 1000000", got)
	}
	a, _ := s.Account(u)
	if a.PnL != 1_000_000 || a.Warmup.Withdrawn != 4_000_000 {
		t.Errorf("pnl %d withdrawn %d", a.PnL, a.Warmup.Withdrawn)
	}
	mustConserve(t, s)

	if err := s.TickWarmup(10); err != nil {
		t.Fatal(err)
	}
	if got, _ = s.Withdrawable(u, 6); got != 0 {
		t.Errorf("after tick = %d, want 0", got)
	}
}

func TestReserveAndReleasePnL(t *testing.T) {
	s, uids := newTestState(t, 1)
	u := uids[0]
	if err := s.TradeSettle(u, 3_000_000); err != nil {
		t.Fatal(err)
	}
	held, err := s.ReservePnL(u, 2_000_000, 10)
	if err != nil || held != 2_000_000 {
		t.Fatalf("reserve: %d, %v", held, err)
	}
	a, _ := s.Account(u)
	if a.EffectivePositivePnL() != 1_000_000 {
		t.Errorf("effective = %d", a.EffectivePositivePnL())
	}
	if err := s.ReleasePnL(u, 3_000_000); !errors.Is(err, ErrInsufficientReserved) {
		t.Errorf("over release: %v", err)
	}
	if err := s.ReleasePnL(u, 2_000_000); err != nil {
		t.Fatal(err)
	}
	if a, _ = s.Account(u); a.ReservedPnL != 0 || a.PnL != 3_000_000 {
		t.Errorf("after release: %+v", a)
	}
	mustConserve(t, s)
}

func TestSocializeLosses(t *testing.T) {
	s, uids := newTestState(t, 3)
	a, b, loser := uids[0], uids[1], uids[2]
	if err := s.Deposit(loser, 100); err != nil {
		t.Fatal(err)
	}
	for uid, pnl := range map[UID]int64{a: 600, b: 400, loser: -1_000} {
		if err := s.TradeSettle(uid, pnl); err != nil {
			t.Fatal(err)
		}
	}

	applied, err := s.SocializeLosses(900)
	if err != nil {
		t.Fatal(err)
	}
	if applied != 900 || s.LossAccum != 0 || s.PendingWriteOff != 900 {
		t.Fatalf("applied %d loss %d pending %d", applied, s.LossAccum, s.PendingWriteOff)
	}
	if acc, _ := s.Account(a); acc.PnL != 60 {
		t.Errorf("a pnl = %d, want 60", acc.PnL)
	}
	if acc, _ := s.Account(b); acc.PnL != 40 {
		t.Errorf("b pnl = %d, want 40", acc.PnL)
	}
	if acc, _ := s.Account(loser); acc.Principal != 100 {
		t.Errorf("loser principal touched: %d", acc.Principal)
	}
	if err := s.WriteOff(loser, 1_000); !errors.Is(err, ErrWriteOffExceeded) {
		t.Errorf("over write-off: %v", err)
	}
	if err := s.WriteOff(loser, 900); err != nil {
		t.Fatal(err)
	}
	mustConserve(t, s)
}

func TestSocializeBeyondWinnersAccumulates(t *testing.T) {
	s, uids := newTestState(t, 2)
	if err := s.TradeSettle(uids[0], 1_000); err != nil {
		t.Fatal(err)
	}
	if err := s.TradeSettle(uids[1], -2_500); err != nil {
		t.Fatal(err)
	}
	applied, err := s.SocializeLosses(1_500)
	if err != nil {
		t.Fatal(err)
	}
	if applied != 1_000 || s.LossAccum != 500 {
		t.Errorf("applied %d loss %d", applied, s.LossAccum)
	}
	if err := s.WriteOff(uids[1], 1_500); err != nil {
		t.Fatal(err)
	}
	mustConserve(t, s)
}

func TestFeeDistribution(t *testing.T) {
	s, uids := newTestState(t, 3)
	a, b, loser := uids[0], uids[1], uids[2]
	for uid, pnl := range map[UID]int64{a: 600, b: 400, loser: -1_000} {
		if err := s.TradeSettle(uid, pnl); err != nil {
			t.Fatal(err)
		}
	}
	if s.SumVestedPosPnL != 1_000 {
		t.Fatalf("sum vested = %d", s.SumVestedPosPnL)
	}

	// the fee leaves a trader's pnl and re-enters through OnFees
	if err := s.TradeSettle(loser, -100); err != nil {
		t.Fatal(err)
	}
	covered, dist, err := s.OnFees(100)
	if err != nil || covered != 0 || dist != 100 {
		t.Fatalf("on fees: %d %d %v", covered, dist, err)
	}
	if s.FeeIndex != 100_000 {
		t.Errorf("index = %d", s.FeeIndex)
	}

	if got, _ := s.OnTouch(a); got != 60 {
		t.Errorf("a credited %d, want 60", got)
	}
	if got, _ := s.OnTouch(b); got != 40 {
		t.Errorf("b credited %d, want 40", got)
	}
	if got, _ := s.OnTouch(loser); got != 0 {
		t.Errorf("loser credited %d", got)
	}

	claimed, err := s.ClaimFees(a)
	if err != nil || claimed != 60 {
		t.Fatalf("claim: %d, %v", claimed, err)
	}
	if acc, _ := s.Account(a); acc.Principal != 60 || acc.FeeAccrued != 0 {
		t.Errorf("after claim: %+v", acc)
	}
	if s.FeesOutstanding != 40 {
		t.Errorf("outstanding = %d", s.FeesOutstanding)
	}
	mustConserve(t, s)
}

func TestFeesCoverLossesFirst(t *testing.T) {
	s, uids := newTestState(t, 1)
	s.LossAccum = 30
	s.Vault = -30

	covered, dist, err := s.OnFees(100)
	if err != nil {
		t.Fatal(err)
	}
	if covered != 30 || dist != 70 || s.LossAccum != 0 {
		t.Errorf("covered %d dist %d loss %d", covered, dist, s.LossAccum)
	}
	// nobody holds positive pnl, so the distributable part carries
	if s.FeeCarry != 70 || s.FeeIndex != 0 {
		t.Errorf("carry %d index %d", s.FeeCarry, s.FeeIndex)
	}

	if err := s.TradeSettle(uids[0], 1_000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.OnFees(30); err != nil {
		t.Fatal(err)
	}
	if s.FeeCarry != 0 || s.FeeIndex != 100_000 {
		t.Errorf("after carry: carry %d index %d", s.FeeCarry, s.FeeIndex)
	}
}

func TestAdaptiveUnlock(t *testing.T) {
	cfg := DefaultAdaptiveConfig()
	a := NewAdaptiveState()

	if a.Step(cfg, 1_000_000, 0, 0) {
		t.Error("first observation changed the unlock")
	}
	if !a.Step(cfg, 900_000, 0, 0) || a.UnlockBps != 9_000 || !a.Stressed {
		t.Errorf("drain: %+v", a)
	}
	if !a.Step(cfg, 900_000, 60, 0) || a.UnlockBps != 8_000 {
		t.Errorf("oracle gap: %+v", a)
	}
	if !a.Step(cfg, 900_000, 0, 0) || a.UnlockBps != 8_500 || a.Stressed {
		t.Errorf("relax: %+v", a)
	}
	for range 20 {
		a.Step(cfg, 900_000, 0, 9_000)
	}
	if a.UnlockBps != cfg.MinUnlockBps {
		t.Errorf("floor = %d", a.UnlockBps)
	}
	for range 40 {
		a.Step(cfg, 900_000, 0, 0)
	}
	if a.UnlockBps != 10_000 {
		t.Errorf("cap = %d", a.UnlockBps)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s, uids := newTestState(t, 1)
	if err := s.Deposit(uids[0], 10); err != nil {
		t.Fatal(err)
	}
	c := s.Clone()
	if err := c.Deposit(uids[0], 5); err != nil {
		t.Fatal(err)
	}
	if a, _ := s.Account(uids[0]); a.Principal != 10 {
		t.Errorf("original mutated: %d", a.Principal)
	}
	if _, ok := c.Lookup(addr(0)); !ok {
		t.Error("clone lost index")
	}
}
