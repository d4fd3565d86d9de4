/*
store.go - Unit-of-work and persistence interfaces

PURPOSE:
  The engine's entire view of the database. Store.WithTx runs a closure
  against one atomic, serialized unit of work; the Tx handed to it
  bundles the per-component repositories, all bound to that unit. The
  engine holds no database client - the store is injected, so tests
  substitute an in-memory database.

ATOMICITY CONTRACT:
  Everything a lifecycle operation does - capacity check and ticket
  insert, balance check and balance write, status read and status write
  - happens inside one WithTx closure. A returned error rolls the whole
  unit back; there is no partial commit between any check and its act.

  Where the backing store lacks row-level locking the implementation
  must serialize units some other way; the "...ForUpdate" repository
  methods mark every read that a PostgreSQL port would lock with
  SELECT ... FOR UPDATE.

SEE ALSO:
  - store/sqlite: The SQLite implementation
  - engine.go: The only consumer
*/
package order

import (
	"context"
	"time"

	"github.com/warp/ticket-engine/discount"
	"github.com/warp/ticket-engine/event"
	"github.com/warp/ticket-engine/points"
	"github.com/warp/ticket-engine/ticket"
)

// Repository is the order-row persistence surface, bound to a unit of
// work. Orders are never deleted; Update only rewrites the mutable
// transition fields.
type Repository interface {
	// Insert persists a freshly created order.
	Insert(ctx context.Context, o *PurchaseOrder) error

	// GetForUpdate returns the order, locking its row so the transition
	// is linearized. Returns ErrNotFound.
	GetForUpdate(ctx context.Context, id ID) (*PurchaseOrder, error)

	// Update rewrites the order's mutable fields (status, proof,
	// rejection reason, paid-at, updated-at).
	Update(ctx context.Context, o *PurchaseOrder) error
}

// Tx is one atomic unit of work across every table the engine touches.
type Tx interface {
	Orders() Repository
	Events() event.Repository
	Points() points.Repository
	Discounts() discount.Repository
	Tickets() ticket.Repository
}

// Store is the injected persistence dependency of the engine and the
// sweeper. Reads outside WithTx see committed state only.
type Store interface {
	// WithTx executes fn within one serialized unit of work. If fn
	// returns an error the unit is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Get returns a committed order. Returns ErrNotFound.
	Get(ctx context.Context, id ID) (*PurchaseOrder, error)

	// GetBuyer returns the buyer slice of a user record. Returns
	// ErrBuyerNotFound.
	GetBuyer(ctx context.Context, userID string) (*Buyer, error)

	// GetEvent returns a committed event. Returns event.ErrNotFound.
	GetEvent(ctx context.Context, id event.ID) (*event.Event, error)

	// TicketsByOrder returns the committed tickets of an order.
	TicketsByOrder(ctx context.Context, id ID) ([]ticket.Ticket, error)

	// ListByBuyer returns a buyer's orders, newest first.
	ListByBuyer(ctx context.Context, buyerID string) ([]PurchaseOrder, error)

	// ListAttendees derives the attendee report from paid orders.
	ListAttendees(ctx context.Context, eventID event.ID) ([]Attendee, error)

	// DueForExpiry returns pending orders whose payment deadline lies
	// before cutoff, oldest first.
	DueForExpiry(ctx context.Context, cutoff time.Time) ([]ID, error)

	// StaleInReview returns waiting_review orders untouched since
	// before cutoff, oldest first.
	StaleInReview(ctx context.Context, cutoff time.Time) ([]ID, error)

	// ExpirablePointGrants returns unexpired point grants whose expiry
	// lies at or before now.
	ExpirablePointGrants(ctx context.Context, now time.Time) ([]points.Entry, error)
}
