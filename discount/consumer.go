/*
consumer.go - Coupon and promotion operations

PURPOSE:
  The four operations the state machine calls, each against a Repository
  bound to the caller's active unit of work:

    ValidateCoupon   - order creation: owner/unused/unexpired check
    ConsumeCoupon    - order paid: guarded used-flag flip
    RedeemPromotion  - order creation: window check + counter claim
    ReleasePromotion - order expired/canceled: counter release

  Consumption and claims are guarded single-statement updates; losing a
  race surfaces as the same typed failure as losing the check, so
  duplicate approvals and concurrent checkouts degrade into ordinary
  business errors instead of double-spends.
*/
package discount

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository is the persistence surface for discounts, bound to the
// caller's unit of work.
type Repository interface {
	// CouponByCodeForUpdate returns the coupon by its code, locking the
	// row for the remainder of the unit. Returns ErrCouponNotFound.
	CouponByCodeForUpdate(ctx context.Context, code string) (*Coupon, error)

	// MarkCouponUsed flips the used flag, guarded by used = false.
	// Returns false when the coupon was already spent.
	MarkCouponUsed(ctx context.Context, id CouponID) (bool, error)

	// PromotionForUpdate returns the promotion, locking the row.
	// Returns ErrPromotionNotFound.
	PromotionForUpdate(ctx context.Context, code string) (*Promotion, error)

	// ClaimPromotionUse increments the usage counter, guarded by
	// usage_count < usage_limit (unlimited when the limit is null).
	// Returns false when the cap is already reached.
	ClaimPromotionUse(ctx context.Context, code string) (bool, error)

	// ReleasePromotionUse decrements the usage counter, flooring at zero.
	ReleasePromotionUse(ctx context.Context, code string) error
}

// Consumer validates and consumes discounts on behalf of the state
// machine. Stateless; atomicity comes from the Repository's unit of work.
type Consumer struct{}

// ValidateCoupon checks that the coupon exists, belongs to the buyer,
// is unused, and is unexpired. It does not consume anything.
func (Consumer) ValidateCoupon(ctx context.Context, repo Repository, code, buyerID string, now time.Time) (*Coupon, error) {
	c, err := repo.CouponByCodeForUpdate(ctx, code)
	if err != nil {
		return nil, err
	}
	if c.UserID != buyerID {
		return nil, ErrCouponNotFound
	}
	if c.Used {
		return nil, ErrCouponAlreadyUsed
	}
	if now.After(c.ExpiresAt) {
		return nil, ErrCouponExpired
	}
	return c, nil
}

// ConsumeCoupon flips the used flag exactly once. A duplicate approval
// racing for the same coupon loses the guarded update and gets
// ErrCouponAlreadyUsed, aborting its unit of work.
func (Consumer) ConsumeCoupon(ctx context.Context, repo Repository, id CouponID) error {
	ok, err := repo.MarkCouponUsed(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCouponAlreadyUsed
	}
	return nil
}

// RedeemPromotion validates the code and claims one use of its cap,
// returning the discount computed against base. The claim happens at
// order creation; ReleasePromotion undoes it if the order never pays.
func (Consumer) RedeemPromotion(ctx context.Context, repo Repository, code string, base decimal.Decimal, now time.Time) (*Promotion, decimal.Decimal, error) {
	p, err := repo.PromotionForUpdate(ctx, code)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if !p.InWindow(now) {
		return nil, decimal.Zero, ErrPromotionOutOfWindow
	}
	ok, err := repo.ClaimPromotionUse(ctx, code)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if !ok {
		return nil, decimal.Zero, ErrPromotionLimitExceeded
	}
	return p, p.DiscountFor(base), nil
}

// ReleasePromotion returns one claimed use to the cap. Idempotence is
// the caller's responsibility: release exactly once per order, inside
// the unit of work that moves the order to its terminal state.
func (Consumer) ReleasePromotion(ctx context.Context, repo Repository, code string) error {
	return repo.ReleasePromotionUse(ctx, code)
}
