/*
errors.go - Failure taxonomy of the lifecycle engine

PURPOSE:
  Order-level errors plus the classification helpers the API boundary
  and callers use. Component errors (capacity, points, discounts) live
  in their own packages; the helpers here aggregate the whole taxonomy
  so callers never match on strings.

RETRY SEMANTICS:
  ErrConcurrencyConflict is the only retryable failure: the caller lost
  a race for a shared resource and the same request may succeed
  verbatim. Every other error is a business-rule violation; retrying it
  unchanged will fail again.
*/
package order

import (
	"errors"
	"fmt"

	"github.com/warp/ticket-engine/discount"
	"github.com/warp/ticket-engine/event"
	"github.com/warp/ticket-engine/points"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when the referenced order does not exist.
	ErrNotFound = errors.New("order not found")

	// ErrBuyerNotFound is returned when the order references a buyer
	// with no user record.
	ErrBuyerNotFound = errors.New("buyer not found")

	// ErrDeadlinePassed is returned when an approval arrives after the
	// payment deadline. The order has been forced to expired by the
	// time the caller sees this.
	ErrDeadlinePassed = errors.New("payment deadline passed")

	// ErrConcurrencyConflict means the caller lost a race for a shared
	// resource. Retryable.
	ErrConcurrencyConflict = errors.New("concurrent modification, retry")

	// ErrInvalidTransition is the sentinel underneath InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrPermissionDenied is returned when the actor's role does not
	// allow the operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrPointsExceedDue is returned at creation when pointsToApply is
	// larger than the amount still due after discounts.
	ErrPointsExceedDue = errors.New("points exceed amount due")

	// ErrTicketsNotIssued is returned when ticket re-delivery is
	// requested for an order that is not paid.
	ErrTicketsNotIssued = errors.New("order has no issued tickets")

	// ErrInvalidQuantity is returned when an order requests zero or a
	// negative number of tickets.
	ErrInvalidQuantity = errors.New("quantity must be positive")
)

// InvalidTransitionError reports an attempted edge that is not in the
// state graph.
type InvalidTransitionError struct {
	OrderID ID
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for order %s: %s -> %s", e.OrderID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsRetryable reports whether the same call may reasonably succeed if
// repeated verbatim.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsNotFound reports whether the error is any of the missing-reference
// failures across the engine's components.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrBuyerNotFound) ||
		errors.Is(err, event.ErrNotFound) ||
		errors.Is(err, discount.ErrCouponNotFound) ||
		errors.Is(err, discount.ErrPromotionNotFound) ||
		errors.Is(err, points.ErrUserNotFound)
}

// IsClientError reports whether the error is a business-rule violation
// attributable to the request rather than to the system.
func IsClientError(err error) bool {
	return errors.Is(err, event.ErrCapacityExceeded) ||
		errors.Is(err, event.ErrUnknownTier) ||
		errors.Is(err, points.ErrInsufficientPoints) ||
		errors.Is(err, points.ErrNonPositiveAmount) ||
		errors.Is(err, discount.ErrCouponAlreadyUsed) ||
		errors.Is(err, discount.ErrCouponExpired) ||
		errors.Is(err, discount.ErrPromotionLimitExceeded) ||
		errors.Is(err, discount.ErrPromotionOutOfWindow) ||
		errors.Is(err, ErrDeadlinePassed) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrPointsExceedDue) ||
		errors.Is(err, ErrTicketsNotIssued) ||
		errors.Is(err, ErrInvalidQuantity)
}
