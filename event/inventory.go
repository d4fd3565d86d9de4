/*
inventory.go - The capacity gate

PURPOSE:
  Decides whether quantity more tickets may be issued for an event tier.
  The check is `issued + requested <= capacity`, where issued is counted
  from the ticket table at the moment of the check.

CONCURRENCY CONTRACT:
  The check is only meaningful inside the same atomic unit of work that
  will create the tickets. Two concurrent approvals racing for the last
  seats must both run check-then-issue under the store's serialization,
  so exactly one of them wins and the other observes the winner's
  tickets in its count.

HOLD SEMANTICS:
  There are none. A pending order does not reserve seats; only issued
  tickets consume capacity. Reserve is therefore the same operation at
  order creation (a courtesy check) and at payment (the authoritative
  gate).
*/
package event

import "context"

// Repository is the read surface the inventory gate needs. Implementations
// must count issued tickets from the same unit of work the caller runs in.
type Repository interface {
	// Get returns the event, or ErrNotFound.
	Get(ctx context.Context, id ID) (*Event, error)

	// IssuedCount returns the number of tickets already issued for the
	// event tier. Derived from the ticket table, never cached.
	IssuedCount(ctx context.Context, id ID, tier string) (int, error)
}

// CheckCapacity applies the capacity invariant to an already-loaded event
// and issued count. Returns *CapacityExceededError when the request does
// not fit, ErrUnknownTier when the tier does not exist.
func CheckCapacity(ev *Event, tier string, issued, requested int) error {
	t, err := ev.Tier(tier)
	if err != nil {
		return err
	}
	if issued+requested > t.Capacity {
		return &CapacityExceededError{
			EventID:   ev.ID,
			Tier:      tier,
			Capacity:  t.Capacity,
			Issued:    issued,
			Requested: requested,
		}
	}
	return nil
}

// Reserve re-derives the issued count and applies CheckCapacity. Callers
// must invoke it inside the unit of work that issues the tickets.
func Reserve(ctx context.Context, repo Repository, id ID, tier string, quantity int) error {
	ev, err := repo.Get(ctx, id)
	if err != nil {
		return err
	}
	issued, err := repo.IssuedCount(ctx, id, tier)
	if err != nil {
		return err
	}
	return CheckCapacity(ev, tier, issued, quantity)
}
