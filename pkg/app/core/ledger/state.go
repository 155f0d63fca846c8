// Package ledger is the pure account model behind the router: principal,
// signed PnL, warmup-throttled profit withdrawal, fee distribution and
// loss socialization.
//
// Nothing here touches storage or the network. Every transition is a
// method on *State that either applies completely or returns an error,
// which keeps the model directly property-testable.
package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpcore/pkg/fixed"
)

// FeeScale is the fixed-point scale of the global fee index.
const FeeScale int64 = 1_000_000

var (
	ErrUnauthorized          = errors.New("router not authorized")
	ErrUnknownUser           = errors.New("unknown user")
	ErrUserCapacity          = errors.New("user capacity reached")
	ErrDuplicateUser         = errors.New("user already registered")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientPrincipal = errors.New("insufficient principal")
	ErrMarginViolation       = errors.New("withdrawal breaches maintenance margin")
	ErrInsufficientReserved  = errors.New("insufficient reserved pnl")
	ErrWriteOffExceeded      = errors.New("write-off exceeds socialized losses")
)

// UID indexes State.Users.
type UID int

// Warmup throttles how fast realized profit can leave an account.
type Warmup struct {
	StartedAtStep uint64
	SlopePerStep  int64
	Withdrawn     int64 // profit already released since StartedAtStep
}

type Account struct {
	Owner            common.Address
	Principal        int64 // never reduced by socialization
	PnL              int64
	ReservedPnL      int64 // held for an in-flight withdrawal
	Warmup           Warmup
	PositionNotional int64

	FeeIndexUser   int64 // FeeIndex at last touch
	FeeAccrued     int64
	VestedSnapshot int64 // contribution to SumVestedPosPnL at last touch
}

// Equity = max(0, principal + pnl)
func (a *Account) Equity() int64 {
	return fixed.Max(0, fixed.SatAdd(a.Principal, a.PnL))
}

// EffectivePositivePnL is profit not already held for a withdrawal.
func (a *Account) EffectivePositivePnL() int64 {
	return fixed.Max(0, fixed.SatSub(a.PnL, a.ReservedPnL))
}

type Params struct {
	MaxUsers             int
	WithdrawCapPerStep   int64
	MaintenanceMarginBps int64
	DefaultSlopePerStep  int64
}

func DefaultParams() Params {
	return Params{
		MaxUsers:             1024,
		WithdrawCapPerStep:   1_000_000,
		MaintenanceMarginBps: 250,
		DefaultSlopePerStep:  1_000_000,
	}
}

// State is the whole ledger. The accounting identity
//
//	Vault + LossAccum == Σ principal + Σ pnl + PendingWriteOff
//
// holds after every transition; see CheckConservation.
type State struct {
	Vault            int64
	FeesOutstanding  int64
	Users            []Account
	Params           Params
	AuthorizedRouter bool

	LossAccum       int64 // socialized losses nobody absorbed yet
	PendingWriteOff int64 // socialized deficit not yet cleared from the loser
	FeeIndex        int64 // fees per unit vested positive pnl, FeeScale
	SumVestedPosPnL int64
	FeeCarry        int64

	Unlock       AdaptiveState
	UnlockConfig AdaptiveConfig

	index map[common.Address]UID
}

func NewState(p Params, unlock AdaptiveConfig) *State {
	return &State{
		Users:            make([]Account, 0, p.MaxUsers),
		Params:           p,
		AuthorizedRouter: true,
		Unlock:           NewAdaptiveState(),
		UnlockConfig:     unlock,
		index:            make(map[common.Address]UID),
	}
}

// Lookup finds the uid registered for owner.
func (s *State) Lookup(owner common.Address) (UID, bool) {
	if s.index == nil {
		s.reindex()
	}
	uid, ok := s.index[owner]
	return uid, ok
}

func (s *State) reindex() {
	s.index = make(map[common.Address]UID, len(s.Users))
	for i := range s.Users {
		s.index[s.Users[i].Owner] = UID(i)
	}
}

// Account returns a copy of the account at uid.
func (s *State) Account(uid UID) (Account, error) {
	if err := s.check(uid); err != nil {
		return Account{}, err
	}
	return s.Users[uid], nil
}

// TotalPrincipal sums principal over every account.
func (s *State) TotalPrincipal() int64 {
	var total int64
	for i := range s.Users {
		total = fixed.SatAdd(total, s.Users[i].Principal)
	}
	return total
}

// CheckConservation verifies the ledger's accounting identity and that no
// global counter went negative.
func (s *State) CheckConservation() error {
	var claims int64
	var err error
	for i := range s.Users {
		a := &s.Users[i]
		if claims, err = fixed.Add(claims, a.Principal); err != nil {
			return err
		}
		if claims, err = fixed.Add(claims, a.PnL); err != nil {
			return err
		}
		if a.Principal < 0 {
			return fmt.Errorf("user %d: negative principal %d", i, a.Principal)
		}
	}
	if claims, err = fixed.Add(claims, s.PendingWriteOff); err != nil {
		return err
	}
	held, err := fixed.Add(s.Vault, s.LossAccum)
	if err != nil {
		return err
	}
	if held != claims {
		return fmt.Errorf("vault %d + loss %d != claims %d", s.Vault, s.LossAccum, claims)
	}
	if s.LossAccum < 0 || s.FeesOutstanding < 0 || s.SumVestedPosPnL < 0 || s.PendingWriteOff < 0 {
		return fmt.Errorf("negative counter: loss=%d fees=%d vested=%d pending=%d",
			s.LossAccum, s.FeesOutstanding, s.SumVestedPosPnL, s.PendingWriteOff)
	}
	return nil
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Users = append(make([]Account, 0, cap(s.Users)), s.Users...)
	c.index = nil
	return &c
}

func (s *State) check(uid UID) error {
	if !s.AuthorizedRouter {
		return ErrUnauthorized
	}
	if uid < 0 || int(uid) >= len(s.Users) {
		return fmt.Errorf("%w: %d", ErrUnknownUser, uid)
	}
	return nil
}
