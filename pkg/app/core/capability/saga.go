package capability

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var ErrSagaState = errors.New("illegal saga transition")

// SagaState is where one routed leg stands.
type SagaState uint8

const (
	Reserved SagaState = iota
	Authorized
	Committed
	Cancelled
	Expired
)

func (s SagaState) String() string {
	switch s {
	case Reserved:
		return "reserved"
	case Authorized:
		return "authorized"
	case Committed:
		return "committed"
	case Cancelled:
		return "cancelled"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("SagaState(%d)", uint8(s))
	}
}

func (s SagaState) Terminal() bool { return s >= Cancelled }

// Reason says why a leg is being compensated.
type Reason uint8

const (
	ReasonAborted Reason = iota
	ReasonExpired
	ReasonMargin
	ReasonCustody
	ReasonCommitFailed
)

func (r Reason) String() string {
	switch r {
	case ReasonAborted:
		return "aborted"
	case ReasonExpired:
		return "expired"
	case ReasonMargin:
		return "margin"
	case ReasonCustody:
		return "custody"
	case ReasonCommitFailed:
		return "commit_failed"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

// HoldCanceler releases a venue hold.
type HoldCanceler interface {
	Cancel(holdID uint64) error
}

// Saga drives one leg through reserve, authorize and commit, and knows
// how to undo each step.
type Saga struct {
	RouteID   uuid.UUID
	Venue     string
	HoldID    uint64
	Scope     Scope
	MaxCharge int64
	State     SagaState
	Cap       *Capability
	Reason    Reason

	venue   HoldCanceler
	custody *Custody
}

// NewSaga starts a saga for a hold that already exists on venue.
func NewSaga(routeID uuid.UUID, venueID string, venue HoldCanceler, holdID uint64, scope Scope, maxCharge int64) *Saga {
	return &Saga{
		RouteID:   routeID,
		Venue:     venueID,
		HoldID:    holdID,
		Scope:     scope,
		MaxCharge: maxCharge,
		State:     Reserved,
		venue:     venue,
	}
}

// Authorize escrows the leg's maximum charge and mints its capability.
func (s *Saga) Authorize(c *Custody, nowMs, ttlMs uint64) error {
	if s.State != Reserved {
		return fmt.Errorf("%w: authorize from %s", ErrSagaState, s.State)
	}
	amt, err := Amount(s.MaxCharge)
	if err != nil {
		return err
	}
	capa, err := c.MintForReserve(s.Scope, s.RouteID, amt, nowMs, ttlMs)
	if err != nil {
		return err
	}
	s.Cap, s.custody = capa, c
	s.State = Authorized
	return nil
}

// Commit records a venue commit by debiting its charge from escrow.
func (s *Saga) Commit(charge int64, nowMs uint64) error {
	if s.State != Authorized {
		return fmt.Errorf("%w: commit from %s", ErrSagaState, s.State)
	}
	amt, err := Amount(charge)
	if err != nil {
		return err
	}
	if err := s.custody.Debit(s.Cap, s.Scope, amt, nowMs); err != nil {
		return err
	}
	s.State = Committed
	return nil
}

// Compensate unwinds a leg that has not committed. The venue hold is
// cancelled and, once authorized, the capability is burned and refunded.
// Every step is attempted; the first error is returned.
func (s *Saga) Compensate(reason Reason) error {
	if s.State == Committed || s.State.Terminal() {
		return fmt.Errorf("%w: compensate from %s", ErrSagaState, s.State)
	}
	var first error
	if s.venue != nil {
		if err := s.venue.Cancel(s.HoldID); err != nil {
			first = err
		}
	}
	if s.State == Authorized {
		if _, err := s.custody.BurnAndRefund(s.Cap); err != nil && first == nil {
			first = err
		}
	}
	s.Reason = reason
	s.State = Cancelled
	if reason == ReasonExpired {
		s.State = Expired
	}
	return first
}

// Finish burns a committed leg's capability and returns the refund.
func (s *Saga) Finish() (*uint256.Int, error) {
	if s.State != Committed {
		return nil, fmt.Errorf("%w: finish from %s", ErrSagaState, s.State)
	}
	return s.custody.BurnAndRefund(s.Cap)
}
