package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ticket-engine/discount"
	"github.com/warp/ticket-engine/event"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/points"
	"github.com/warp/ticket-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	alice    = order.Actor{ID: "user-alice", Role: order.RoleCustomer}
	bob      = order.Actor{ID: "user-bob", Role: order.RoleCustomer}
	operator = order.Actor{ID: "op-1", Role: order.RoleOperator}
	admin    = order.Actor{ID: "adm-1", Role: order.RoleAdmin}
)

func newTestEngine(t *testing.T) (*order.Engine, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	engine := order.NewEngine(store, nil, logger, order.Config{
		PaymentWindow:    24 * time.Hour,
		ExpiryGrace:      5 * time.Minute,
		ReviewStaleAfter: 7 * 24 * time.Hour,
	})
	return engine, store
}

func seedBasics(t *testing.T, store *sqlite.Store) {
	ctx := context.Background()

	require.NoError(t, store.SaveUser(ctx, sqlite.User{
		ID: "user-alice", Name: "Alice", Email: "alice@example.com", CreatedAt: time.Now(),
	}))
	require.NoError(t, store.SaveUser(ctx, sqlite.User{
		ID: "user-bob", Name: "Bob", Email: "bob@example.com", CreatedAt: time.Now(),
	}))

	require.NoError(t, store.SaveEvent(ctx, event.Event{
		ID:       "evt-1",
		Name:     "Summer Jam",
		Venue:    "Riverside Arena",
		StartsAt: time.Date(2026, time.October, 1, 19, 0, 0, 0, time.UTC),
		Tiers: map[string]event.Tier{
			"VIP":     {Capacity: 2, Price: decimal.NewFromInt(200)},
			"General": {Capacity: 100, Price: decimal.NewFromInt(50)},
		},
	}))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// =============================================================================
// ORDER CREATION
// =============================================================================

func TestEngine_CreateOrder_PendingWithDeadline(t *testing.T) {
	// GIVEN: A buyer and an event with a priced tier
	// WHEN: The buyer opens an order for 2 General tickets
	// THEN: The order is pending with base price 100 and a deadline 24h out

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	now := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = fixedClock(now)

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID:  "user-alice",
		EventID:  "evt-1",
		Tier:     "General",
		Quantity: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, order.StatusPending, o.Status)
	assert.True(t, o.BasePrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, o.FinalPrice.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, now.Add(24*time.Hour), o.PaymentDeadline)

	// No tickets before payment
	tickets, err := store.TicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestEngine_CreateOrder_UnknownTierAndEvent(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	_, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "Balcony", Quantity: 1,
	})
	assert.ErrorIs(t, err, event.ErrUnknownTier)

	_, err = engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-missing", Tier: "VIP", Quantity: 1,
	})
	assert.ErrorIs(t, err, event.ErrNotFound)
}

func TestEngine_CreateOrder_CustomerCannotBuyForOthers(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)

	_, err := engine.CreateOrder(context.Background(), alice, order.CreateOrderInput{
		BuyerID: "user-bob", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	assert.ErrorIs(t, err, order.ErrPermissionDenied)
}

func TestEngine_CreateOrder_InvalidQuantity(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)

	_, err := engine.CreateOrder(context.Background(), alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 0,
	})
	assert.ErrorIs(t, err, order.ErrInvalidQuantity)
}

// =============================================================================
// CAPACITY
// =============================================================================

func TestEngine_Capacity_RejectedAtCreation(t *testing.T) {
	// GIVEN: VIP capacity 2, with 2 tickets already issued to a paid order
	// WHEN: Another buyer opens a VIP order
	// THEN: Creation is rejected with a capacity error naming the numbers

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	o1, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "VIP", Quantity: 2,
	})
	require.NoError(t, err)
	_, err = engine.SetStatus(ctx, operator, o1.ID, order.StatusPaid, "")
	require.NoError(t, err)

	_, err = engine.CreateOrder(ctx, bob, order.CreateOrderInput{
		BuyerID: "user-bob", EventID: "evt-1", Tier: "VIP", Quantity: 1,
	})
	require.ErrorIs(t, err, event.ErrCapacityExceeded)

	var capErr *event.CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, capErr.Capacity)
	assert.Equal(t, 2, capErr.Issued)
	assert.Equal(t, 1, capErr.Requested)
}

func TestEngine_Capacity_RecheckedAtApproval(t *testing.T) {
	// GIVEN: Two pending VIP orders that together exceed capacity 2
	// WHEN: Both are approved
	// THEN: The first wins, the second fails and keeps its status

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	o1, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "VIP", Quantity: 2,
	})
	require.NoError(t, err)
	o2, err := engine.CreateOrder(ctx, bob, order.CreateOrderInput{
		BuyerID: "user-bob", EventID: "evt-1", Tier: "VIP", Quantity: 2,
	})
	require.NoError(t, err)

	_, err = engine.SetStatus(ctx, operator, o1.ID, order.StatusPaid, "")
	require.NoError(t, err)

	_, err = engine.SetStatus(ctx, operator, o2.ID, order.StatusPaid, "")
	require.ErrorIs(t, err, event.ErrCapacityExceeded)

	got, err := store.Get(ctx, o2.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)

	// Exactly 2 tickets exist for the tier
	tickets, err := store.TicketsByOrder(ctx, o1.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 2)
}

// =============================================================================
// PAYMENT FLOW
// =============================================================================

func TestEngine_FullApprovalFlow(t *testing.T) {
	// GIVEN: A pending order with a submitted payment proof
	// WHEN: The operator approves it
	// THEN: The order is paid with tickets issued exactly once

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 3,
	})
	require.NoError(t, err)

	o, err = engine.SubmitPaymentProof(ctx, alice, o.ID, "bank-ref-123")
	require.NoError(t, err)
	assert.Equal(t, order.StatusWaitingReview, o.Status)
	require.NotNil(t, o.PaymentProof)
	assert.Equal(t, "bank-ref-123", *o.PaymentProof)

	o, err = engine.SetStatus(ctx, operator, o.ID, order.StatusPaid, "")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
	require.NotNil(t, o.PaidAt)

	tickets, err := store.TicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, tickets, 3)

	serials := make(map[string]bool)
	for _, tk := range tickets {
		assert.Regexp(t, `^TKT(-[2-9A-HJ-NP-Z]{4}){3}$`, tk.Serial)
		serials[tk.Serial] = true
	}
	assert.Len(t, serials, 3, "serials must be unique")
}

func TestEngine_Reject_SetsReasonAndCancels(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	require.NoError(t, err)

	_, err = engine.SubmitPaymentProof(ctx, alice, o.ID, "ref-1")
	require.NoError(t, err)

	o, err = engine.SetStatus(ctx, operator, o.ID, order.StatusCanceled, "proof does not match bank record")
	require.NoError(t, err)
	assert.Equal(t, order.StatusCanceled, o.Status)
	require.NotNil(t, o.RejectionReason)
	assert.Equal(t, "proof does not match bank record", *o.RejectionReason)

	// Terminal state admits no further transitions
	_, err = engine.SubmitPaymentProof(ctx, alice, o.ID, "ref-2")
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
	_, err = engine.SetStatus(ctx, operator, o.ID, order.StatusPaid, "")
	assert.ErrorIs(t, err, order.ErrInvalidTransition)
}

func TestEngine_SetStatus_RequiresStaff(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	require.NoError(t, err)

	_, err = engine.SetStatus(ctx, alice, o.ID, order.StatusPaid, "")
	assert.ErrorIs(t, err, order.ErrPermissionDenied)
}

// =============================================================================
// DEADLINE AUTHORITY
// =============================================================================

func TestEngine_Approval_AfterDeadline_ForcesExpiry(t *testing.T) {
	// GIVEN: An order under review whose payment deadline has passed
	// WHEN: The operator approves it anyway
	// THEN: The order is expired, not paid, and the caller learns why

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	created := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = fixedClock(created)

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	require.NoError(t, err)
	_, err = engine.SubmitPaymentProof(ctx, alice, o.ID, "ref-late")
	require.NoError(t, err)

	engine.Now = fixedClock(created.Add(25 * time.Hour))

	got, err := engine.SetStatus(ctx, operator, o.ID, order.StatusPaid, "")
	require.ErrorIs(t, err, order.ErrDeadlinePassed)
	require.NotNil(t, got)
	assert.Equal(t, order.StatusExpired, got.Status)

	// The forced expiry is committed
	stored, err := store.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusExpired, stored.Status)

	tickets, err := store.TicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

// =============================================================================
// COUPONS
// =============================================================================

func seedCoupon(t *testing.T, store *sqlite.Store, code, userID string, amount int64, expiresAt time.Time) {
	require.NoError(t, store.SaveCoupon(context.Background(), discount.Coupon{
		ID:        discount.CouponID("cpn-" + code),
		Code:      code,
		UserID:    userID,
		Amount:    decimal.NewFromInt(amount),
		ExpiresAt: expiresAt,
	}))
}

func TestEngine_Coupon_AppliedAndConsumedOnce(t *testing.T) {
	// GIVEN: A 30-off coupon owned by the buyer
	// WHEN: Two orders try to ride the same coupon and the first pays
	// THEN: The second approval fails and its order keeps its status

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()
	seedCoupon(t, store, "SAVE30", "user-alice", 30, time.Now().Add(48*time.Hour))

	o1, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		CouponCode: "SAVE30",
	})
	require.NoError(t, err)
	assert.True(t, o1.CouponDiscount.Equal(decimal.NewFromInt(30)))
	assert.True(t, o1.FinalPrice.Equal(decimal.NewFromInt(20)))

	// Validation does not consume: a second order may also reference it
	o2, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		CouponCode: "SAVE30",
	})
	require.NoError(t, err)

	_, err = engine.SetStatus(ctx, operator, o1.ID, order.StatusPaid, "")
	require.NoError(t, err)

	_, err = engine.SetStatus(ctx, operator, o2.ID, order.StatusPaid, "")
	require.ErrorIs(t, err, discount.ErrCouponAlreadyUsed)

	got, err := store.Get(ctx, o2.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)

	// A third order sees the spent coupon at validation already
	_, err = engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		CouponCode: "SAVE30",
	})
	assert.ErrorIs(t, err, discount.ErrCouponAlreadyUsed)
}

func TestEngine_Coupon_ForeignOwnerLooksMissing(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	seedCoupon(t, store, "BOBS", "user-bob", 10, time.Now().Add(time.Hour))

	_, err := engine.CreateOrder(context.Background(), alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		CouponCode: "BOBS",
	})
	assert.ErrorIs(t, err, discount.ErrCouponNotFound)
}

func TestEngine_Coupon_ClampedToBase(t *testing.T) {
	// A coupon larger than the order never produces a negative total.
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()
	seedCoupon(t, store, "BIG", "user-alice", 500, time.Now().Add(time.Hour))

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		CouponCode: "BIG",
	})
	require.NoError(t, err)
	assert.True(t, o.CouponDiscount.Equal(decimal.NewFromInt(50)))
	assert.True(t, o.FinalPrice.IsZero())

	// Nothing due: paid on the spot, tickets issued
	assert.Equal(t, order.StatusPaid, o.Status)
	tickets, err := store.TicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

// =============================================================================
// PROMOTIONS
// =============================================================================

func seedPromotion(t *testing.T, store *sqlite.Store, p discount.Promotion) {
	require.NoError(t, store.SavePromotion(context.Background(), p))
}

func TestEngine_Promotion_CapClaimedAtCreation(t *testing.T) {
	// GIVEN: A 10% promotion capped at 1 use
	// WHEN: Two orders are created with the code
	// THEN: The second is rejected before any payment happens

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	limit := 1
	seedPromotion(t, store, discount.Promotion{
		Code: "TEN", Kind: discount.KindPercentage, Value: decimal.NewFromInt(10),
		StartsAt: time.Now().Add(-time.Hour), EndsAt: time.Now().Add(time.Hour),
		UsageLimit: &limit, Active: true,
	})

	o1, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 2,
		PromotionCode: "TEN",
	})
	require.NoError(t, err)
	// 10% of 100
	assert.True(t, o1.FinalPrice.Equal(decimal.NewFromInt(90)), "got %s", o1.FinalPrice)

	_, err = engine.CreateOrder(ctx, bob, order.CreateOrderInput{
		BuyerID: "user-bob", EventID: "evt-1", Tier: "General", Quantity: 1,
		PromotionCode: "TEN",
	})
	assert.ErrorIs(t, err, discount.ErrPromotionLimitExceeded)
}

func TestEngine_Promotion_ReleasedWhenOrderDies(t *testing.T) {
	// GIVEN: A cap-1 promotion claimed by a pending order
	// WHEN: The order expires past its deadline
	// THEN: The use returns to the pool and a new order can claim it

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	limit := 1
	seedPromotion(t, store, discount.Promotion{
		Code: "ONCE", Kind: discount.KindFixed, Value: decimal.NewFromInt(5),
		StartsAt: time.Now().Add(-time.Hour), EndsAt: time.Now().Add(100 * time.Hour),
		UsageLimit: &limit, Active: true,
	})

	created := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = fixedClock(created)

	o1, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		PromotionCode: "ONCE",
	})
	require.NoError(t, err)

	engine.Now = fixedClock(created.Add(25 * time.Hour))
	_, swept, err := engine.ExpireOrder(ctx, o1.ID)
	require.NoError(t, err)
	require.True(t, swept)

	p, err := store.GetPromotion(ctx, "ONCE")
	require.NoError(t, err)
	assert.Equal(t, 0, p.UsageCount)

	// The freed use is claimable again
	_, err = engine.CreateOrder(ctx, bob, order.CreateOrderInput{
		BuyerID: "user-bob", EventID: "evt-1", Tier: "General", Quantity: 1,
		PromotionCode: "ONCE",
	})
	require.NoError(t, err)
}

func TestEngine_Promotion_ReleasedOnRejection(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	seedPromotion(t, store, discount.Promotion{
		Code: "OPEN", Kind: discount.KindPercentage, Value: decimal.NewFromInt(20),
		StartsAt: time.Now().Add(-time.Hour), EndsAt: time.Now().Add(time.Hour),
		Active: true,
	})

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		PromotionCode: "OPEN",
	})
	require.NoError(t, err)

	p, err := store.GetPromotion(ctx, "OPEN")
	require.NoError(t, err)
	require.Equal(t, 1, p.UsageCount)

	_, err = engine.SubmitPaymentProof(ctx, alice, o.ID, "ref")
	require.NoError(t, err)
	_, err = engine.SetStatus(ctx, operator, o.ID, order.StatusCanceled, "no payment received")
	require.NoError(t, err)

	p, err = store.GetPromotion(ctx, "OPEN")
	require.NoError(t, err)
	assert.Equal(t, 0, p.UsageCount)
}

func TestEngine_Promotion_OutOfWindow(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)

	seedPromotion(t, store, discount.Promotion{
		Code: "PAST", Kind: discount.KindFixed, Value: decimal.NewFromInt(5),
		StartsAt: time.Now().Add(-48 * time.Hour), EndsAt: time.Now().Add(-24 * time.Hour),
		Active: true,
	})

	_, err := engine.CreateOrder(context.Background(), alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		PromotionCode: "PAST",
	})
	assert.ErrorIs(t, err, discount.ErrPromotionOutOfWindow)
}

// =============================================================================
// POINTS
// =============================================================================

func TestEngine_Points_ReservedAtCreationDebitedAtPayment(t *testing.T) {
	// GIVEN: A buyer holding 100 points
	// WHEN: An order applies 40 points and later pays
	// THEN: The balance drops only at payment, by exactly 40

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	_, err := engine.GrantPoints(ctx, admin, "user-alice", 100, points.NeverExpires, "signup bonus")
	require.NoError(t, err)

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		PointsToApply: 40,
	})
	require.NoError(t, err)
	assert.True(t, o.FinalPrice.Equal(decimal.NewFromInt(10)))

	u, err := store.GetUser(ctx, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.PointBalance, "creation must not debit")

	_, err = engine.SetStatus(ctx, operator, o.ID, order.StatusPaid, "")
	require.NoError(t, err)

	u, err = store.GetUser(ctx, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(60), u.PointBalance)
}

func TestEngine_Points_DoubleSpendLosesAtPayment(t *testing.T) {
	// GIVEN: 100 points and two orders each applying all 100
	// WHEN: Both orders are approved
	// THEN: The first debit wins, the second approval fails closed

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	_, err := engine.GrantPoints(ctx, admin, "user-alice", 100, points.NeverExpires, "bonus")
	require.NoError(t, err)

	mk := func() order.ID {
		o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
			BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 2,
			PointsToApply: 100,
		})
		require.NoError(t, err)
		return o.ID
	}
	o1, o2 := mk(), mk()

	_, err = engine.SetStatus(ctx, operator, o1, order.StatusPaid, "")
	require.NoError(t, err)

	_, err = engine.SetStatus(ctx, operator, o2, order.StatusPaid, "")
	require.ErrorIs(t, err, points.ErrInsufficientPoints)

	u, err := store.GetUser(ctx, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.PointBalance, "balance never goes negative")

	got, err := store.Get(ctx, o2)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, got.Status)
}

func TestEngine_Points_CannotExceedDue(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	_, err := engine.GrantPoints(ctx, admin, "user-alice", 500, points.NeverExpires, "bonus")
	require.NoError(t, err)

	_, err = engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		PointsToApply: 60, // base is 50
	})
	assert.ErrorIs(t, err, order.ErrPointsExceedDue)
}

func TestEngine_Points_InsufficientAtCreation(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)

	_, err := engine.CreateOrder(context.Background(), alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		PointsToApply: 10,
	})
	assert.ErrorIs(t, err, points.ErrInsufficientPoints)
}

func TestEngine_Points_FullCoverIsInstantPaid(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	_, err := engine.GrantPoints(ctx, admin, "user-alice", 50, points.NeverExpires, "bonus")
	require.NoError(t, err)

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		PointsToApply: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)

	u, err := store.GetUser(ctx, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.PointBalance)

	tickets, err := store.TicketsByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestEngine_GrantPoints_RequiresAdmin(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)

	_, err := engine.GrantPoints(context.Background(), operator, "user-alice", 10, points.NeverExpires, "x")
	assert.ErrorIs(t, err, order.ErrPermissionDenied)
}

// =============================================================================
// SWEEP ENTRY POINTS
// =============================================================================

func TestEngine_ExpireOrder_RechecksState(t *testing.T) {
	// GIVEN: An order listed as overdue that has since been paid
	// WHEN: The sweep tries to expire it
	// THEN: It is skipped without error

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	created := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = fixedClock(created)

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	require.NoError(t, err)

	_, err = engine.SetStatus(ctx, operator, o.ID, order.StatusPaid, "")
	require.NoError(t, err)

	engine.Now = fixedClock(created.Add(48 * time.Hour))
	got, swept, err := engine.ExpireOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, swept)
	assert.Equal(t, order.StatusPaid, got.Status)
}

func TestEngine_OrdersDueForExpiry_HonorsGrace(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	created := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = fixedClock(created)

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	require.NoError(t, err)

	// Just past the deadline but inside the grace window
	engine.Now = fixedClock(created.Add(24*time.Hour + time.Minute))
	ids, err := engine.OrdersDueForExpiry(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Past deadline plus grace
	engine.Now = fixedClock(created.Add(24*time.Hour + 10*time.Minute))
	ids, err = engine.OrdersDueForExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, []order.ID{o.ID}, ids)
}

func TestEngine_CancelStaleOrder(t *testing.T) {
	// GIVEN: An order sitting in waiting_review for over a week
	// WHEN: The stale sweep reaches it
	// THEN: It is canceled with a reason, and fresh reviews are left alone

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	created := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = fixedClock(created)

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	require.NoError(t, err)
	_, err = engine.SubmitPaymentProof(ctx, alice, o.ID, "ref")
	require.NoError(t, err)

	// Still fresh: nothing to cancel
	engine.Now = fixedClock(created.Add(24 * time.Hour))
	got, swept, err := engine.CancelStaleOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.False(t, swept)
	assert.Equal(t, order.StatusWaitingReview, got.Status)

	engine.Now = fixedClock(created.Add(8 * 24 * time.Hour))
	ids, err := engine.StaleReviewOrders(ctx)
	require.NoError(t, err)
	require.Equal(t, []order.ID{o.ID}, ids)

	got, swept, err = engine.CancelStaleOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, swept)
	assert.Equal(t, order.StatusCanceled, got.Status)
	require.NotNil(t, got.RejectionReason)
}

func TestEngine_SweepExpiredPoints(t *testing.T) {
	// GIVEN: A grant past its expiry date
	// WHEN: The point sweep runs twice
	// THEN: The balance drops once; the second pass is a no-op

	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	now := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = fixedClock(now)

	_, err := engine.GrantPoints(ctx, admin, "user-alice", 100, now.Add(time.Hour), "promo points")
	require.NoError(t, err)
	_, err = engine.GrantPoints(ctx, admin, "user-alice", 25, points.NeverExpires, "permanent")
	require.NoError(t, err)

	engine.Now = fixedClock(now.Add(2 * time.Hour))

	n, err := engine.SweepExpiredPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	u, err := store.GetUser(ctx, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(25), u.PointBalance)

	n, err = engine.SweepExpiredPoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEngine_SweepExpiredPoints_FloorsAtZero(t *testing.T) {
	// An already-spent expiring grant cannot push the balance negative.
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	now := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	engine.Now = fixedClock(now)

	_, err := engine.GrantPoints(ctx, admin, "user-alice", 50, now.Add(time.Hour), "expiring")
	require.NoError(t, err)

	// Spend the 50 on an order before the grant expires
	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		PointsToApply: 50,
	})
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, o.Status)

	engine.Now = fixedClock(now.Add(2 * time.Hour))
	_, err = engine.SweepExpiredPoints(ctx)
	require.NoError(t, err)

	u, err := store.GetUser(ctx, "user-alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.PointBalance)
}

// =============================================================================
// READS AND RE-DELIVERY
// =============================================================================

func TestEngine_GetOrder_CustomersSeeOnlyTheirOwn(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	require.NoError(t, err)

	_, err = engine.GetOrder(ctx, bob, o.ID)
	assert.ErrorIs(t, err, order.ErrNotFound)

	got, err := engine.GetOrder(ctx, operator, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
}

func TestEngine_ListOrdersByBuyer(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
			BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
		})
		require.NoError(t, err)
	}

	orders, err := engine.ListOrdersByBuyer(ctx, alice, "user-alice")
	require.NoError(t, err)
	assert.Len(t, orders, 3)

	_, err = engine.ListOrdersByBuyer(ctx, bob, "user-alice")
	assert.ErrorIs(t, err, order.ErrPermissionDenied)
}

func TestEngine_ListAttendees(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "VIP", Quantity: 2,
	})
	require.NoError(t, err)
	_, err = engine.SetStatus(ctx, operator, o.ID, order.StatusPaid, "")
	require.NoError(t, err)

	// Pending orders do not appear
	_, err = engine.CreateOrder(ctx, bob, order.CreateOrderInput{
		BuyerID: "user-bob", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	require.NoError(t, err)

	attendees, err := engine.ListAttendees(ctx, operator, "evt-1")
	require.NoError(t, err)
	require.Len(t, attendees, 1)
	assert.Equal(t, "user-alice", attendees[0].BuyerID)
	assert.Equal(t, 2, attendees[0].Quantity)
	assert.Equal(t, "VIP", attendees[0].Tier)

	_, err = engine.ListAttendees(ctx, alice, "evt-1")
	assert.ErrorIs(t, err, order.ErrPermissionDenied)
}

func TestEngine_ResendTickets_OnlyForPaidOrders(t *testing.T) {
	engine, store := newTestEngine(t)
	seedBasics(t, store)
	ctx := context.Background()

	o, err := engine.CreateOrder(ctx, alice, order.CreateOrderInput{
		BuyerID: "user-alice", EventID: "evt-1", Tier: "General", Quantity: 1,
	})
	require.NoError(t, err)

	err = engine.ResendTickets(ctx, alice, o.ID)
	assert.ErrorIs(t, err, order.ErrTicketsNotIssued)

	_, err = engine.SetStatus(ctx, operator, o.ID, order.StatusPaid, "")
	require.NoError(t, err)

	require.NoError(t, engine.ResendTickets(ctx, alice, o.ID))
}
