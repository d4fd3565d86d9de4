/*
Package event defines events, their tier structure, and the inventory gate.

PURPOSE:
  An event sells tickets in named tiers ("VIP", "General"), each with a
  fixed capacity and a price. From the lifecycle engine's perspective an
  event is read-only: the only derived mutable quantity is the sold
  count, and that is never stored - it is re-computed from issued
  tickets every time it is needed.

WHY NO "available" COUNTER?
  A mutable available-seats counter is a second source of truth that can
  drift from the ticket table. Deriving the sold count from issued
  tickets means a flood of pending, never-paid orders cannot produce a
  false "sold out" state, and an aborted payment never leaks a seat.

SEE ALSO:
  - inventory.go: The capacity gate (Reserve / CheckCapacity)
  - order/engine.go: Where the gate is applied inside units of work
*/
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENT - Read-only catalog entry with a validated tier map
// =============================================================================

type ID string

// Tier is one named capacity/price bucket within an event.
type Tier struct {
	Capacity int
	Price    decimal.Decimal
}

// Event is the catalog entry the lifecycle engine sells against.
// Tiers is a structured map, not an opaque document: it is validated on
// save and every lookup is by tier name.
type Event struct {
	ID       ID
	Name     string
	Venue    string
	StartsAt time.Time
	Tiers    map[string]Tier
}

// Tier returns the named tier, or ErrUnknownTier.
func (e *Event) Tier(name string) (Tier, error) {
	t, ok := e.Tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %q on event %s", ErrUnknownTier, name, e.ID)
	}
	return t, nil
}

// Validate checks the tier map invariants: at least one tier, non-empty
// tier names, positive capacities, non-negative prices.
func (e *Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if len(e.Tiers) == 0 {
		return fmt.Errorf("event %s has no tiers", e.ID)
	}
	for name, t := range e.Tiers {
		if name == "" {
			return fmt.Errorf("event %s has a tier with an empty name", e.ID)
		}
		if t.Capacity <= 0 {
			return fmt.Errorf("event %s tier %q: capacity must be positive, got %d", e.ID, name, t.Capacity)
		}
		if t.Price.IsNegative() {
			return fmt.Errorf("event %s tier %q: price must not be negative, got %s", e.ID, name, t.Price)
		}
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a referenced event does not exist.
	ErrNotFound = errors.New("event not found")

	// ErrUnknownTier is returned when an order references a tier the
	// event does not define.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrCapacityExceeded is the sentinel underneath CapacityExceededError.
	ErrCapacityExceeded = errors.New("capacity exceeded")
)

// CapacityExceededError reports a failed capacity check with the numbers
// that failed it.
type CapacityExceededError struct {
	EventID   ID
	Tier      string
	Capacity  int
	Issued    int
	Requested int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded: event %s tier %q has %d of %d seats issued, requested %d",
		e.EventID, e.Tier, e.Issued, e.Capacity, e.Requested)
}

func (e *CapacityExceededError) Unwrap() error {
	return ErrCapacityExceeded
}
