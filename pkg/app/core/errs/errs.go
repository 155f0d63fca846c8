// Package errs classifies the sentinel errors of the core packages so
// transports can map them without knowing every package.
package errs

import (
	"errors"

	"github.com/uhyunpark/perpcore/pkg/app/core/antitox"
	"github.com/uhyunpark/perpcore/pkg/app/core/capability"
	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/instrument"
	"github.com/uhyunpark/perpcore/pkg/app/core/ledger"
	"github.com/uhyunpark/perpcore/pkg/app/core/liquidation"
	"github.com/uhyunpark/perpcore/pkg/app/core/margin"
	"github.com/uhyunpark/perpcore/pkg/app/core/matching"
	"github.com/uhyunpark/perpcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/perpcore/pkg/app/core/router"
	"github.com/uhyunpark/perpcore/pkg/fixed"
)

type Class uint8

const (
	Unknown Class = iota
	Validation
	Concurrency
	Economic
	Protocol
)

func (c Class) String() string {
	switch c {
	case Validation:
		return "validation"
	case Concurrency:
		return "concurrency"
	case Economic:
		return "economic"
	case Protocol:
		return "protocol"
	default:
		return "unknown"
	}
}

var classes = []struct {
	class Class
	errs  []error
}{
	// a partial route is final whatever stopped it
	{Protocol, []error{router.ErrPartialCommit}},
	{Concurrency, []error{
		matching.ErrSeqMismatch,
		matching.ErrReservationExpired,
		matching.ErrBatchFrozen,
		funding.ErrTooEarly,
		antitox.ErrKillBand,
	}},
	{Economic, []error{
		margin.ErrInsufficientMargin,
		ledger.ErrInsufficientPrincipal,
		ledger.ErrMarginViolation,
		ledger.ErrInsufficientReserved,
		capability.ErrInsufficientVault,
		capability.ErrInsufficientEscrow,
		capability.ErrInsufficientRemaining,
		matching.ErrNoLiquidity,
		router.ErrNoLiquidity,
		router.ErrInsuranceLocked,
		router.ErrExposureLimit,
		liquidation.ErrNotLiquidatable,
	}},
	{Validation, []error{
		orderbook.ErrInvalidPrice,
		orderbook.ErrInvalidQty,
		instrument.ErrInvalidOrder,
		instrument.ErrNotFound,
		instrument.ErrNotActive,
		ledger.ErrInvalidAmount,
		ledger.ErrUnknownUser,
		router.ErrInvalidAmount,
		router.ErrInvalidRoute,
		router.ErrUnknownUser,
		router.ErrFeeAboveCap,
		router.ErrUnfundedRebate,
		capability.ErrNegativeAmount,
		capability.ErrAmountOverflow,
		fixed.ErrOverflow,
	}},
	{Protocol, []error{
		matching.ErrReservationNotFound,
		matching.ErrAlreadyCommitted,
		matching.ErrReceiptLength,
		matching.ErrChargeExceedsHold,
		capability.ErrSagaState,
		capability.ErrCapExpired,
		capability.ErrCapBurned,
		capability.ErrInvalidScope,
		capability.ErrConservation,
		router.ErrUnbacked,
		ledger.ErrUnauthorized,
	}},
}

// Kind returns the class of the first known sentinel err wraps.
func Kind(err error) Class {
	if err == nil {
		return Unknown
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return Unknown
}

// Retryable reports whether repeating the same request may succeed
// without any change on the caller's side.
func Retryable(err error) bool {
	return Kind(err) == Concurrency
}
