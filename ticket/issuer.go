/*
Package ticket issues tickets for paid orders.

PURPOSE:
  Creates exactly one ticket per purchased seat when an order is paid,
  each with a globally unique serial code. Issuance is idempotent: if
  tickets already exist for the order (a retried approval, a concurrent
  admin click), the existing set is returned unchanged - serials are
  stable once issued, never regenerated.

ALL-OR-NOTHING:
  Tickets for an order are inserted as one batch inside the caller's
  unit of work. Partial issuance is never a valid end state; a serial
  collision aborts the batch and the whole batch is retried with fresh
  serials.

SEE ALSO:
  - serial.go: Serial code generation
  - order/engine.go: The only caller, inside the paid transition
*/
package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/ticket-engine/event"
)

// =============================================================================
// TICKET
// =============================================================================

type ID string

// Ticket is one admissible seat. Used is flipped by check-in, a process
// outside this engine; nothing here ever writes it after creation.
type Ticket struct {
	ID       ID
	Serial   string
	OrderID  string
	EventID  event.ID
	Tier     string
	Used     bool
	IssuedAt time.Time
}

// ErrSerialTaken is returned by Repository.InsertBatch when a generated
// serial collides with an existing one. The issuer retries with fresh
// serials; repeated collisions past the retry limit are a real failure.
var ErrSerialTaken = errors.New("serial code already in use")

// Repository is the persistence surface for tickets, bound to the
// caller's unit of work.
type Repository interface {
	// ListByOrder returns the tickets already issued for an order,
	// in issuance order.
	ListByOrder(ctx context.Context, orderID string) ([]Ticket, error)

	// InsertBatch persists all tickets or none of them. Returns
	// ErrSerialTaken when a serial violates the uniqueness constraint.
	InsertBatch(ctx context.Context, tickets []Ticket) error
}

// =============================================================================
// ISSUER
// =============================================================================

// maxSerialAttempts bounds regeneration on serial collisions.
const maxSerialAttempts = 5

// Issuer creates tickets for paid orders.
type Issuer struct{}

// Issue creates quantity tickets for the order, or returns the existing
// set when issuance already happened. Must run inside the unit of work
// that marks the order paid.
func (Issuer) Issue(ctx context.Context, repo Repository, orderID string, eventID event.ID, tier string, quantity int, now time.Time) ([]Ticket, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("ticket quantity must be positive, got %d", quantity)
	}

	existing, err := repo.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		if len(existing) != quantity {
			// The batch insert makes this unreachable; if it ever shows
			// up the store has been mutated outside the engine.
			return nil, fmt.Errorf("order %s has %d tickets issued for quantity %d", orderID, len(existing), quantity)
		}
		return existing, nil
	}

	for attempt := 0; attempt < maxSerialAttempts; attempt++ {
		batch := make([]Ticket, 0, quantity)
		for i := 0; i < quantity; i++ {
			serial, err := NewSerial()
			if err != nil {
				return nil, err
			}
			batch = append(batch, Ticket{
				ID:       ID(uuid.NewString()),
				Serial:   serial,
				OrderID:  orderID,
				EventID:  eventID,
				Tier:     tier,
				IssuedAt: now,
			})
		}
		err := repo.InsertBatch(ctx, batch)
		if err == nil {
			return batch, nil
		}
		if !errors.Is(err, ErrSerialTaken) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("could not find free serial codes for order %s after %d attempts", orderID, maxSerialAttempts)
}
