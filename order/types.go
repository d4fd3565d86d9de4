/*
Package order is the transaction state machine of the ticket lifecycle.

PURPOSE:
  Owns the purchase order record and its transitions. Everything that
  mutates shared resources - seat inventory, point balances, coupon and
  promotion consumption, ticket issuance - happens inside this package's
  units of work; no other code writes those rows.

STATE GRAPH:

    pending --------(buyer submits proof)------> waiting_review
    pending --------(deadline passed, sweep)---> expired
    pending --------(free order at creation)---> paid
    waiting_review -(operator approves)--------> paid
    waiting_review -(operator rejects)---------> canceled
    waiting_review -(stale, sweep)-------------> canceled

  paid, expired, and canceled are terminal. The payment deadline is
  authoritative: an approval attempted after it forces the order to
  expired instead, no matter what the operator clicked.

SEE ALSO:
  - engine.go: The lifecycle operations
  - store.go: Unit-of-work and repository interfaces
  - errors.go: The failure taxonomy
*/
package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ticket-engine/discount"
	"github.com/warp/ticket-engine/event"
)

// =============================================================================
// STATUS
// =============================================================================

type ID string

type Status string

const (
	StatusPending       Status = "pending"
	StatusWaitingReview Status = "waiting_review"
	StatusPaid          Status = "paid"
	StatusExpired       Status = "expired"
	StatusCanceled      Status = "canceled"
)

// transitions is the full edge set of the state graph. Terminal states
// have no entry.
var transitions = map[Status][]Status{
	StatusPending:       {StatusWaitingReview, StatusPaid, StatusExpired},
	StatusWaitingReview: {StatusPaid, StatusCanceled},
}

// Terminal reports whether the status has no outgoing edges.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWaitingReview, StatusPaid, StatusExpired, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// =============================================================================
// PURCHASE ORDER
// =============================================================================

// PurchaseOrder is one buyer's request for Quantity tickets of one tier
// of one event. Created once, mutated only through state transitions,
// never deleted.
type PurchaseOrder struct {
	ID       ID
	BuyerID  string
	EventID  event.ID
	Tier     string
	Quantity int

	BasePrice      decimal.Decimal
	CouponID       *discount.CouponID
	CouponDiscount decimal.Decimal
	PromotionCode  *string
	PointsUsed     int64
	FinalPrice     decimal.Decimal

	PaymentDeadline time.Time
	Status          Status
	PaymentProof    *string
	RejectionReason *string
	PaidAt          *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PromotionDiscount derives the promotion's contribution from the
// stored price components; it is intentionally not stored redundantly.
func (o *PurchaseOrder) PromotionDiscount() decimal.Decimal {
	return o.BasePrice.
		Sub(o.CouponDiscount).
		Sub(decimal.NewFromInt(o.PointsUsed)).
		Sub(o.FinalPrice)
}

// =============================================================================
// CALLER IDENTITY
// =============================================================================

// Role classifies the caller of an engine operation.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"

	// RoleSystem is reserved for in-process callers such as the sweeper.
	RoleSystem Role = "system"
)

// Actor is the typed caller identity threaded explicitly into every
// engine operation. There is no ambient "current user".
type Actor struct {
	ID   string
	Role Role
}

// staff reports whether the actor may act on orders it does not own.
func (a Actor) staff() bool {
	return a.Role == RoleOperator || a.Role == RoleAdmin || a.Role == RoleSystem
}

// =============================================================================
// DERIVED READS
// =============================================================================

// Buyer is the slice of the user record the engine needs for ownership
// checks and notifications.
type Buyer struct {
	ID    string
	Name  string
	Email string
}

// Attendee is one row of the per-event attendee report, derived from
// paid orders.
type Attendee struct {
	BuyerID     string
	BuyerName   string
	BuyerEmail  string
	Quantity    int
	Tier        string
	PaidAmount  decimal.Decimal
	PurchasedAt time.Time
}
