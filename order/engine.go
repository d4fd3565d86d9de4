/*
engine.go - The lifecycle operations

PURPOSE:
  The orchestrator. Every operation validates, then runs one unit of
  work via the injected Store, then (on commit) notifies. The component
  services - inventory gate, point ledger, discount consumer, ticket
  issuer - are called only from here and only inside units of work.

THE PAID PIPELINE:
  Entering paid, from any predecessor, performs in order inside one
  unit: capacity recheck, point debit, coupon consumption, idempotent
  ticket issuance, status write. Any failure aborts the whole unit: the
  order keeps its prior status and the caller gets a typed error, never
  a partially-applied purchase.

THE ROLLBACK PATH:
  Leaving for expired or canceled releases what creation claimed: one
  promotion use, if any. Points and coupons are not consumed before
  paid, so there is nothing else to undo. Rejection, expiry sweep, and
  stale-review sweep all share this path; it runs inside the unit that
  writes the terminal status, so it applies exactly once per order.

CLOCK:
  Now is injectable so deadline behavior is testable. Everything in a
  unit of work reads the clock once, at the top.
*/
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/discount"
	"github.com/warp/ticket-engine/event"
	"github.com/warp/ticket-engine/points"
	"github.com/warp/ticket-engine/ticket"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type Config struct {
	// PaymentWindow is how long a buyer has to pay after creating an
	// order. The absolute deadline is stamped onto the order.
	PaymentWindow time.Duration

	// ExpiryGrace delays the sweep past the deadline so a payment
	// landing at the boundary is not raced by the sweeper.
	ExpiryGrace time.Duration

	// ReviewStaleAfter is how long an order may sit in waiting_review
	// before the sweep cancels it.
	ReviewStaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.PaymentWindow <= 0 {
		c.PaymentWindow = 24 * time.Hour
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = 5 * time.Minute
	}
	if c.ReviewStaleAfter <= 0 {
		c.ReviewStaleAfter = 7 * 24 * time.Hour
	}
	return c
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store    Store
	notifier Notifier
	logger   *logrus.Logger
	cfg      Config

	points    points.Ledger
	discounts discount.Consumer
	issuer    ticket.Issuer

	// Now is the engine's clock. Overridable in tests.
	Now func() time.Time
}

func NewEngine(store Store, notifier Notifier, logger *logrus.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		store:    store,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		Now:      time.Now,
	}
}

// =============================================================================
// ORDER CREATION
// =============================================================================

type CreateOrderInput struct {
	BuyerID       string
	EventID       event.ID
	Tier          string
	Quantity      int
	CouponCode    string // optional
	PromotionCode string // optional
	PointsToApply int64  // optional
}

// CreateOrder validates the request, claims the promotion use if any,
// computes the price, and persists the order as pending - or as paid,
// inline, when nothing is due. Inventory is checked but not reserved;
// points and coupons are validated but not consumed.
func (e *Engine) CreateOrder(ctx context.Context, actor Actor, in CreateOrderInput) (*PurchaseOrder, error) {
	if in.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if in.PointsToApply < 0 {
		return nil, points.ErrNonPositiveAmount
	}
	if actor.Role == RoleCustomer && actor.ID != in.BuyerID {
		return nil, ErrPermissionDenied
	}
	if _, err := e.store.GetBuyer(ctx, in.BuyerID); err != nil {
		return nil, err
	}

	now := e.Now()
	var out *PurchaseOrder
	var issued []ticket.Ticket

	err := e.store.WithTx(ctx, func(tx Tx) error {
		ev, err := tx.Events().Get(ctx, in.EventID)
		if err != nil {
			return err
		}
		tier, err := ev.Tier(in.Tier)
		if err != nil {
			return err
		}

		// Courtesy capacity check. Not a reservation: only the paid
		// transition consumes seats.
		alreadyIssued, err := tx.Events().IssuedCount(ctx, in.EventID, in.Tier)
		if err != nil {
			return err
		}
		if err := event.CheckCapacity(ev, in.Tier, alreadyIssued, in.Quantity); err != nil {
			return err
		}

		base := tier.Price.Mul(decimal.NewFromInt(int64(in.Quantity)))
		remaining := base

		o := &PurchaseOrder{
			ID:              ID(uuid.NewString()),
			BuyerID:         in.BuyerID,
			EventID:         in.EventID,
			Tier:            in.Tier,
			Quantity:        in.Quantity,
			BasePrice:       base,
			CouponDiscount:  decimal.Zero,
			PointsUsed:      in.PointsToApply,
			PaymentDeadline: now.Add(e.cfg.PaymentWindow),
			Status:          StatusPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if in.CouponCode != "" {
			c, err := e.discounts.ValidateCoupon(ctx, tx.Discounts(), in.CouponCode, in.BuyerID, now)
			if err != nil {
				return err
			}
			o.CouponID = &c.ID
			o.CouponDiscount = decimal.Min(c.Amount, remaining)
			remaining = remaining.Sub(o.CouponDiscount)
		}

		if in.PromotionCode != "" {
			// The usage counter is claimed here, at creation, not at
			// payment. The rollback path releases it if the order
			// never pays.
			p, promoDiscount, err := e.discounts.RedeemPromotion(ctx, tx.Discounts(), in.PromotionCode, base, now)
			if err != nil {
				return err
			}
			o.PromotionCode = &p.Code
			remaining = remaining.Sub(decimal.Min(promoDiscount, remaining))
		}

		if in.PointsToApply > 0 {
			if decimal.NewFromInt(in.PointsToApply).GreaterThan(remaining) {
				return ErrPointsExceedDue
			}
			// Reservation intent only: verify the balance covers the
			// points, but debit at payment.
			balance, err := tx.Points().BalanceForUpdate(ctx, in.BuyerID)
			if err != nil {
				return err
			}
			if balance < in.PointsToApply {
				return &points.InsufficientPointsError{
					UserID:    in.BuyerID,
					Available: balance,
					Requested: in.PointsToApply,
				}
			}
			remaining = remaining.Sub(decimal.NewFromInt(in.PointsToApply))
		}

		o.FinalPrice = remaining

		if err := tx.Orders().Insert(ctx, o); err != nil {
			return err
		}

		// Nothing due: the order is paid the moment it exists.
		if o.FinalPrice.IsZero() {
			issued, err = e.applyPaid(ctx, tx, o, now)
			if err != nil {
				return err
			}
		}

		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"order_id": out.ID,
		"buyer_id": out.BuyerID,
		"event_id": out.EventID,
		"status":   out.Status,
	}).Info("order created")

	if out.Status == StatusPaid {
		e.notifyStatus(ctx, out)
		e.deliverTickets(ctx, out, issued)
	}
	return out, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// SubmitPaymentProof records the buyer's proof reference and moves the
// order from pending to waiting_review.
func (e *Engine) SubmitPaymentProof(ctx context.Context, actor Actor, id ID, proofRef string) (*PurchaseOrder, error) {
	if proofRef == "" {
		return nil, fmt.Errorf("payment proof reference is required")
	}

	now := e.Now()
	var out *PurchaseOrder
	err := e.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if actor.Role == RoleCustomer && actor.ID != o.BuyerID {
			return ErrNotFound
		}
		if !CanTransition(o.Status, StatusWaitingReview) {
			return &InvalidTransitionError{OrderID: id, From: o.Status, To: StatusWaitingReview}
		}
		o.Status = StatusWaitingReview
		o.PaymentProof = &proofRef
		o.UpdatedAt = now
		if err := tx.Orders().Update(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifyStatus(ctx, out)
	return out, nil
}

// SetStatus is the operator-driven transition: approval to paid, or
// rejection to canceled. The payment deadline is authoritative - an
// approval after it forces the order to expired and the caller gets
// ErrDeadlinePassed alongside the expired order.
func (e *Engine) SetStatus(ctx context.Context, actor Actor, id ID, target Status, note string) (*PurchaseOrder, error) {
	if !actor.staff() {
		return nil, ErrPermissionDenied
	}

	switch target {
	case StatusPaid:
		return e.approve(ctx, id)
	case StatusCanceled:
		return e.reject(ctx, id, note)
	default:
		o, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{OrderID: id, From: o.Status, To: target}
	}
}

func (e *Engine) approve(ctx context.Context, id ID) (*PurchaseOrder, error) {
	now := e.Now()
	var out *PurchaseOrder
	var issued []ticket.Ticket
	deadlineHit := false

	err := e.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, StatusPaid) {
			return &InvalidTransitionError{OrderID: id, From: o.Status, To: StatusPaid}
		}

		if now.After(o.PaymentDeadline) {
			// Deadline wins over the operator: commit the forced
			// expiry instead of the approval.
			if err := e.applyRollback(ctx, tx, o); err != nil {
				return err
			}
			o.Status = StatusExpired
			o.UpdatedAt = now
			if err := tx.Orders().Update(ctx, o); err != nil {
				return err
			}
			out = o
			deadlineHit = true
			return nil
		}

		issued, err = e.applyPaid(ctx, tx, o, now)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifyStatus(ctx, out)
	if deadlineHit {
		return out, ErrDeadlinePassed
	}
	e.deliverTickets(ctx, out, issued)
	return out, nil
}

func (e *Engine) reject(ctx context.Context, id ID, reason string) (*PurchaseOrder, error) {
	now := e.Now()
	var out *PurchaseOrder
	err := e.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(o.Status, StatusCanceled) {
			return &InvalidTransitionError{OrderID: id, From: o.Status, To: StatusCanceled}
		}
		if err := e.applyRollback(ctx, tx, o); err != nil {
			return err
		}
		o.Status = StatusCanceled
		if reason != "" {
			o.RejectionReason = &reason
		}
		o.UpdatedAt = now
		if err := tx.Orders().Update(ctx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.notifyStatus(ctx, out)
	return out, nil
}

// applyPaid is the paid pipeline. Runs entirely inside the caller's
// unit of work; any error aborts the whole unit.
func (e *Engine) applyPaid(ctx context.Context, tx Tx, o *PurchaseOrder, now time.Time) ([]ticket.Ticket, error) {
	// 1. Re-validate capacity. Two approvals racing for the last seats
	// both reach here; the loser sees the winner's tickets.
	if err := event.Reserve(ctx, tx.Events(), o.EventID, o.Tier, o.Quantity); err != nil {
		return nil, err
	}

	// 2. Debit the reserved points.
	if o.PointsUsed > 0 {
		reason := fmt.Sprintf("payment for order %s", o.ID)
		if _, err := e.points.Debit(ctx, tx.Points(), o.BuyerID, o.PointsUsed, reason, now); err != nil {
			return nil, err
		}
	}

	// 3. Consume the coupon. A duplicate approval fails here.
	if o.CouponID != nil {
		if err := e.discounts.ConsumeCoupon(ctx, tx.Discounts(), *o.CouponID); err != nil {
			return nil, err
		}
	}

	// 4. Issue tickets, idempotently.
	issued, err := e.issuer.Issue(ctx, tx.Tickets(), string(o.ID), o.EventID, o.Tier, o.Quantity, now)
	if err != nil {
		return nil, err
	}

	o.Status = StatusPaid
	o.PaidAt = &now
	o.UpdatedAt = now
	if err := tx.Orders().Update(ctx, o); err != nil {
		return nil, err
	}
	return issued, nil
}

// applyRollback releases what order creation claimed. Promotions are
// the only creation-time consumption; points and coupons are untouched
// before paid.
func (e *Engine) applyRollback(ctx context.Context, tx Tx, o *PurchaseOrder) error {
	if o.PromotionCode != nil {
		return e.discounts.ReleasePromotion(ctx, tx.Discounts(), *o.PromotionCode)
	}
	return nil
}

// =============================================================================
// SWEEP ENTRY POINTS
// =============================================================================

// OrdersDueForExpiry lists pending orders whose deadline passed the
// grace window.
func (e *Engine) OrdersDueForExpiry(ctx context.Context) ([]ID, error) {
	return e.store.DueForExpiry(ctx, e.Now().Add(-e.cfg.ExpiryGrace))
}

// StaleReviewOrders lists waiting_review orders untouched for longer
// than the stale threshold.
func (e *Engine) StaleReviewOrders(ctx context.Context) ([]ID, error) {
	return e.store.StaleInReview(ctx, e.Now().Add(-e.cfg.ReviewStaleAfter))
}

// ExpireOrder drives one overdue pending order to expired. Returns
// false without error when the order was already transitioned by a
// concurrent actor - the state is re-checked inside the unit of work,
// so overlapping sweeps and racing payments are safe.
func (e *Engine) ExpireOrder(ctx context.Context, id ID) (*PurchaseOrder, bool, error) {
	now := e.Now()
	var out *PurchaseOrder
	swept := false

	err := e.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != StatusPending || !now.After(o.PaymentDeadline) {
			out = o
			return nil
		}
		if err := e.applyRollback(ctx, tx, o); err != nil {
			return err
		}
		o.Status = StatusExpired
		o.UpdatedAt = now
		if err := tx.Orders().Update(ctx, o); err != nil {
			return err
		}
		out = o
		swept = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if swept {
		e.notifyStatus(ctx, out)
	}
	return out, swept, nil
}

// CancelStaleOrder drives one stale waiting_review order to canceled.
// Same re-check discipline as ExpireOrder.
func (e *Engine) CancelStaleOrder(ctx context.Context, id ID) (*PurchaseOrder, bool, error) {
	now := e.Now()
	cutoff := now.Add(-e.cfg.ReviewStaleAfter)
	var out *PurchaseOrder
	swept := false

	err := e.store.WithTx(ctx, func(tx Tx) error {
		o, err := tx.Orders().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if o.Status != StatusWaitingReview || o.UpdatedAt.After(cutoff) {
			out = o
			return nil
		}
		if err := e.applyRollback(ctx, tx, o); err != nil {
			return err
		}
		o.Status = StatusCanceled
		reason := "canceled after review window elapsed"
		o.RejectionReason = &reason
		o.UpdatedAt = now
		if err := tx.Orders().Update(ctx, o); err != nil {
			return err
		}
		out = o
		swept = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if swept {
		e.notifyStatus(ctx, out)
	}
	return out, swept, nil
}

// SweepExpiredPoints expires overdue point grants, one unit of work per
// entry. A failing entry is logged and skipped; it is retried on the
// next cycle.
func (e *Engine) SweepExpiredPoints(ctx context.Context) (int, error) {
	entries, err := e.store.ExpirablePointGrants(ctx, e.Now())
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, entry := range entries {
		entry := entry
		err := e.store.WithTx(ctx, func(tx Tx) error {
			ok, err := e.points.ExpireGrant(ctx, tx.Points(), entry)
			if err != nil {
				return err
			}
			if ok {
				expired++
			}
			return nil
		})
		if err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"entry_id": entry.ID,
				"user_id":  entry.UserID,
			}).Warn("failed to expire point grant")
		}
	}
	return expired, nil
}

// =============================================================================
// POINTS ADMINISTRATION
// =============================================================================

// GrantPoints appends a grant to a user's ledger. Referral bonuses and
// support adjustments arrive through here.
func (e *Engine) GrantPoints(ctx context.Context, actor Actor, userID string, amount int64, expiresAt time.Time, description string) (*points.Entry, error) {
	if actor.Role != RoleAdmin && actor.Role != RoleSystem {
		return nil, ErrPermissionDenied
	}
	now := e.Now()
	var out *points.Entry
	err := e.store.WithTx(ctx, func(tx Tx) error {
		entry, err := e.points.Grant(ctx, tx.Points(), userID, amount, expiresAt, description, now)
		if err != nil {
			return err
		}
		out = entry
		return nil
	})
	return out, err
}

// =============================================================================
// READS AND RE-DELIVERY
// =============================================================================

// GetOrder returns an order. Customers only see their own; a foreign
// order is indistinguishable from a missing one.
func (e *Engine) GetOrder(ctx context.Context, actor Actor, id ID) (*PurchaseOrder, error) {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.Role == RoleCustomer && actor.ID != o.BuyerID {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListOrdersByBuyer returns a buyer's order history, newest first.
func (e *Engine) ListOrdersByBuyer(ctx context.Context, actor Actor, buyerID string) ([]PurchaseOrder, error) {
	if actor.Role == RoleCustomer && actor.ID != buyerID {
		return nil, ErrPermissionDenied
	}
	return e.store.ListByBuyer(ctx, buyerID)
}

// ListAttendees returns the attendee report for an event, derived from
// paid orders.
func (e *Engine) ListAttendees(ctx context.Context, actor Actor, eventID event.ID) ([]Attendee, error) {
	if !actor.staff() {
		return nil, ErrPermissionDenied
	}
	if _, err := e.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return e.store.ListAttendees(ctx, eventID)
}

// ResendTickets re-delivers the already-issued tickets of a paid order.
// It never issues anything.
func (e *Engine) ResendTickets(ctx context.Context, actor Actor, id ID) error {
	o, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if actor.Role == RoleCustomer && actor.ID != o.BuyerID {
		return ErrNotFound
	}
	if o.Status != StatusPaid {
		return ErrTicketsNotIssued
	}
	tickets, err := e.store.TicketsByOrder(ctx, id)
	if err != nil {
		return err
	}
	buyer, err := e.store.GetBuyer(ctx, o.BuyerID)
	if err != nil {
		return err
	}
	ev, err := e.store.GetEvent(ctx, o.EventID)
	if err != nil {
		return err
	}
	if e.notifier == nil {
		return nil
	}
	return e.notifier.DeliverTickets(ctx, buyer.Email, tickets, ev)
}

// =============================================================================
// NOTIFICATION HELPERS - Post-commit only, failures logged not returned
// =============================================================================

func (e *Engine) notifyStatus(ctx context.Context, o *PurchaseOrder) {
	if e.notifier == nil {
		return
	}
	buyer, err := e.store.GetBuyer(ctx, o.BuyerID)
	if err != nil {
		e.logger.WithError(err).WithField("order_id", o.ID).Warn("skipping status notification")
		return
	}
	ev, err := e.store.GetEvent(ctx, o.EventID)
	if err != nil {
		e.logger.WithError(err).WithField("order_id", o.ID).Warn("skipping status notification")
		return
	}
	if err := e.notifier.OrderStatusChanged(ctx, *buyer, ev, o.ID, o.Status, o.Quantity); err != nil {
		e.logger.WithError(err).WithField("order_id", o.ID).Warn("status notification failed")
	}
}

func (e *Engine) deliverTickets(ctx context.Context, o *PurchaseOrder, tickets []ticket.Ticket) {
	if e.notifier == nil || len(tickets) == 0 {
		return
	}
	buyer, err := e.store.GetBuyer(ctx, o.BuyerID)
	if err != nil {
		e.logger.WithError(err).WithField("order_id", o.ID).Warn("skipping ticket delivery")
		return
	}
	ev, err := e.store.GetEvent(ctx, o.EventID)
	if err != nil {
		e.logger.WithError(err).WithField("order_id", o.ID).Warn("skipping ticket delivery")
		return
	}
	if err := e.notifier.DeliverTickets(ctx, buyer.Email, tickets, ev); err != nil {
		e.logger.WithError(err).WithField("order_id", o.ID).Warn("ticket delivery failed")
	}
}
