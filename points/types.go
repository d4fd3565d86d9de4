/*
Package points implements the loyalty-point ledger.

PURPOSE:
  A user's point balance is a sequence of signed, time-bounded ledger
  entries: positive grants (referral bonuses, admin adjustments) that
  carry an expiry, and negative debits (spent on orders) that do not.
  The ledger entries are the audit trail; a cached integer balance on
  the user row is the fast-path read, mutated in lock-step with every
  entry inside the same unit of work.

INVARIANTS:
  1. Cached balance never goes negative.
  2. Cached balance tracks sum(non-expired grants) - sum(debits),
     floored at zero when an already-spent grant expires.
  3. Debits are never expired; an entry is expired at most once.

SEE ALSO:
  - ledger.go: Grant / Debit / ExpireGrant operations
  - order/engine.go: Debit is invoked exactly once, on entry to paid
*/
package points

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// LEDGER ENTRY
// =============================================================================

type EntryID string

// NeverExpires is the conventional expiry carried by debit entries.
// Debits are not themselves expirable; the far-future timestamp keeps
// them permanently out of the expiry sweep.
var NeverExpires = time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)

// Entry is one immutable, timestamped balance change. Delta is positive
// for grants and negative for debits. Expired is the only field that
// ever changes after creation, and only ever false -> true.
type Entry struct {
	ID          EntryID
	UserID      string
	Delta       int64
	Description string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Expired     bool
}

// IsGrant reports whether the entry adds points.
func (e Entry) IsGrant() bool { return e.Delta > 0 }

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInsufficientPoints is the sentinel underneath InsufficientPointsError.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrUserNotFound is returned when the referenced user has no balance row.
	ErrUserNotFound = errors.New("user not found")

	// ErrNonPositiveAmount is returned when a grant or debit amount is <= 0.
	ErrNonPositiveAmount = errors.New("point amount must be positive")
)

// InsufficientPointsError reports a rejected debit with the shortfall.
type InsufficientPointsError struct {
	UserID    string
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points for user %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}
