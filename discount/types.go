/*
Package discount implements coupon and promotion consumption.

PURPOSE:
  Two discount instruments with deliberately different lifecycles:

  Coupon     - single-use, owned by one user. Validated at order
               creation (owner, unused, unexpired), its amount baked
               into the order; the used flag flips only when the order
               is paid. Mirrors points, not promotions.

  Promotion  - shared code with a validity window and an optional usage
               cap. Validated AND counted at order creation; the counter
               is released only if the order later expires or is
               canceled. A promotion's cap can therefore be held by
               orders that have not paid yet.

  The asymmetry (promotions counted at creation, coupons at payment) is
  faithful to the observed billing behavior and is deliberate: a shared
  cap must be claimed optimistically or concurrent checkouts oversell
  it, while a personal coupon has no contention to lose.

SEE ALSO:
  - consumer.go: Validation and consumption operations
  - order/engine.go: Creation-time vs payment-time call sites
*/
package discount

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COUPON - Single-use, user-owned
// =============================================================================

type CouponID string

type Coupon struct {
	ID        CouponID
	Code      string
	UserID    string
	Amount    decimal.Decimal
	ExpiresAt time.Time
	Used      bool
}

// =============================================================================
// PROMOTION - Shared code with window and cap
// =============================================================================

// Kind selects how a promotion's value is applied.
type Kind string

const (
	// KindPercentage treats Value as a percentage of the order's base
	// price, before any other discount.
	KindPercentage Kind = "percentage"

	// KindFixed treats Value as a flat amount.
	KindFixed Kind = "fixed"
)

type Promotion struct {
	Code       string
	Kind       Kind
	Value      decimal.Decimal
	StartsAt   time.Time
	EndsAt     time.Time
	UsageLimit *int // nil = unlimited
	UsageCount int
	Active     bool
}

// InWindow reports whether the promotion is active at t.
func (p *Promotion) InWindow(t time.Time) bool {
	return p.Active && !t.Before(p.StartsAt) && !t.After(p.EndsAt)
}

// DiscountFor computes the discount against a base price, clamped to
// the base so a promotion never produces a negative payable.
func (p *Promotion) DiscountFor(base decimal.Decimal) decimal.Decimal {
	var d decimal.Decimal
	switch p.Kind {
	case KindPercentage:
		d = base.Mul(p.Value).Div(decimal.NewFromInt(100))
	case KindFixed:
		d = p.Value
	default:
		return decimal.Zero
	}
	if d.GreaterThan(base) {
		return base
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrCouponNotFound covers both a missing code and a coupon owned by
	// someone other than the buyer; foreign coupons are not disclosed.
	ErrCouponNotFound = errors.New("coupon not found")

	// ErrCouponAlreadyUsed is returned at validation when the coupon was
	// spent, and at consumption when a duplicate approval raced us to it.
	ErrCouponAlreadyUsed = errors.New("coupon already used")

	ErrCouponExpired = errors.New("coupon expired")

	ErrPromotionNotFound = errors.New("promotion not found")

	// ErrPromotionOutOfWindow covers inactive codes and codes outside
	// their validity dates.
	ErrPromotionOutOfWindow = errors.New("promotion not currently valid")

	ErrPromotionLimitExceeded = errors.New("promotion usage limit exceeded")
)
