/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the internal domain model from the external API contract.
  Money travels as decimal strings, timestamps as RFC3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags; handlers run the
  shared Validate instance before touching the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/ticket-engine/event"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/points"
	"github.com/warp/ticket-engine/ticket"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateOrderRequest is the request to open a purchase order.
type CreateOrderRequest struct {
	BuyerID       string `json:"buyer_id" validate:"required"`
	EventID       string `json:"event_id" validate:"required"`
	Tier          string `json:"tier" validate:"required"`
	Quantity      int    `json:"quantity" validate:"required,gt=0"`
	CouponCode    string `json:"coupon_code,omitempty"`
	PromotionCode string `json:"promotion_code,omitempty"`
	PointsToApply int64  `json:"points_to_apply,omitempty" validate:"gte=0"`
}

// SubmitProofRequest carries the buyer's payment proof reference.
type SubmitProofRequest struct {
	ProofRef string `json:"proof_ref" validate:"required"`
}

// RejectOrderRequest carries the operator's rejection reason.
type RejectOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

// GrantPointsRequest is the admin request to credit points.
type GrantPointsRequest struct {
	UserID      string `json:"user_id" validate:"required"`
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Description string `json:"description" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// OrderDTO represents a purchase order in API responses.
type OrderDTO struct {
	ID                string  `json:"id"`
	BuyerID           string  `json:"buyer_id"`
	EventID           string  `json:"event_id"`
	Tier              string  `json:"tier"`
	Quantity          int     `json:"quantity"`
	BasePrice         string  `json:"base_price"`
	CouponDiscount    string  `json:"coupon_discount"`
	PromotionDiscount string  `json:"promotion_discount"`
	PointsUsed        int64   `json:"points_used"`
	FinalPrice        string  `json:"final_price"`
	PaymentDeadline   string  `json:"payment_deadline"`
	Status            string  `json:"status"`
	PaymentProof      *string `json:"payment_proof,omitempty"`
	RejectionReason   *string `json:"rejection_reason,omitempty"`
	PaidAt            *string `json:"paid_at,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// TicketDTO represents an issued ticket.
type TicketDTO struct {
	Serial   string `json:"serial"`
	EventID  string `json:"event_id"`
	Tier     string `json:"tier"`
	Used     bool   `json:"used"`
	IssuedAt string `json:"issued_at"`
}

// EventDTO represents a catalog event with its tiers.
type EventDTO struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Venue    string             `json:"venue"`
	StartsAt string             `json:"starts_at"`
	Tiers    map[string]TierDTO `json:"tiers"`
}

// TierDTO is one tier of an event.
type TierDTO struct {
	Capacity int    `json:"capacity"`
	Price    string `json:"price"`
}

// AttendeeDTO is one row of the per-event attendee report.
type AttendeeDTO struct {
	BuyerID     string `json:"buyer_id"`
	BuyerName   string `json:"buyer_name"`
	BuyerEmail  string `json:"buyer_email"`
	Quantity    int    `json:"quantity"`
	Tier        string `json:"tier"`
	PaidAmount  string `json:"paid_amount"`
	PurchasedAt string `json:"purchased_at"`
}

// PointEntryDTO is one point ledger entry.
type PointEntryDTO struct {
	ID          string `json:"id"`
	Delta       int64  `json:"delta"`
	Description string `json:"description"`
	CreatedAt   string `json:"created_at"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	Expired     bool   `json:"expired"`
}

// PointBalanceDTO is a user's balance with its ledger.
type PointBalanceDTO struct {
	UserID  string          `json:"user_id"`
	Balance int64           `json:"balance"`
	Entries []PointEntryDTO `json:"entries"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toOrderDTO(o *order.PurchaseOrder) OrderDTO {
	dto := OrderDTO{
		ID:                string(o.ID),
		BuyerID:           o.BuyerID,
		EventID:           string(o.EventID),
		Tier:              o.Tier,
		Quantity:          o.Quantity,
		BasePrice:         o.BasePrice.String(),
		CouponDiscount:    o.CouponDiscount.String(),
		PromotionDiscount: o.PromotionDiscount().String(),
		PointsUsed:        o.PointsUsed,
		FinalPrice:        o.FinalPrice.String(),
		PaymentDeadline:   o.PaymentDeadline.UTC().Format(time.RFC3339),
		Status:            string(o.Status),
		PaymentProof:      o.PaymentProof,
		RejectionReason:   o.RejectionReason,
		CreatedAt:         o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if o.PaidAt != nil {
		paidAt := o.PaidAt.UTC().Format(time.RFC3339)
		dto.PaidAt = &paidAt
	}
	return dto
}

func toTicketDTOs(tickets []ticket.Ticket) []TicketDTO {
	dtos := make([]TicketDTO, len(tickets))
	for i, t := range tickets {
		dtos[i] = TicketDTO{
			Serial:   t.Serial,
			EventID:  string(t.EventID),
			Tier:     t.Tier,
			Used:     t.Used,
			IssuedAt: t.IssuedAt.UTC().Format(time.RFC3339),
		}
	}
	return dtos
}

func toEventDTO(ev *event.Event) EventDTO {
	dto := EventDTO{
		ID:       string(ev.ID),
		Name:     ev.Name,
		Venue:    ev.Venue,
		StartsAt: ev.StartsAt.UTC().Format(time.RFC3339),
		Tiers:    make(map[string]TierDTO, len(ev.Tiers)),
	}
	for name, tier := range ev.Tiers {
		dto.Tiers[name] = TierDTO{Capacity: tier.Capacity, Price: tier.Price.String()}
	}
	return dto
}

func toAttendeeDTOs(attendees []order.Attendee) []AttendeeDTO {
	dtos := make([]AttendeeDTO, len(attendees))
	for i, a := range attendees {
		dtos[i] = AttendeeDTO{
			BuyerID:     a.BuyerID,
			BuyerName:   a.BuyerName,
			BuyerEmail:  a.BuyerEmail,
			Quantity:    a.Quantity,
			Tier:        a.Tier,
			PaidAmount:  a.PaidAmount.String(),
			PurchasedAt: a.PurchasedAt.UTC().Format(time.RFC3339),
		}
	}
	return dtos
}

func toPointEntryDTOs(entries []points.Entry) []PointEntryDTO {
	dtos := make([]PointEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = PointEntryDTO{
			ID:          string(e.ID),
			Delta:       e.Delta,
			Description: e.Description,
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
			Expired:     e.Expired,
		}
		if !e.ExpiresAt.Equal(points.NeverExpires) {
			dtos[i].ExpiresAt = e.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}
	return dtos
}
