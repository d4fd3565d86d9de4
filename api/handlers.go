/*
handlers.go - HTTP API handlers for the ticket lifecycle engine

PURPOSE:
  Exposes the order lifecycle via REST. Handles HTTP request/response,
  JSON serialization, and delegates to the engine. No business rule
  lives here.

ENDPOINTS:
  Orders:
    POST   /api/orders                     Create order
    GET    /api/orders?buyer_id=           List a buyer's orders
    GET    /api/orders/{id}                Get order
    POST   /api/orders/{id}/payment-proof  Submit payment proof
    POST   /api/orders/{id}/approve        Approve (operator)
    POST   /api/orders/{id}/reject         Reject (operator)
    GET    /api/orders/{id}/tickets        List issued tickets
    POST   /api/orders/{id}/resend-tickets Re-deliver tickets

  Events:
    GET    /api/events/{id}                Get event with tiers
    GET    /api/events/{id}/attendees      Attendee report (operator)

  Points:
    GET    /api/users/{id}/points          Balance and ledger
    POST   /api/admin/points/grant         Credit points (admin)

  Health:
    GET    /api/health

ERROR HANDLING:
  Errors are returned as JSON with the status derived from the error
  taxonomy:
  - 400: Malformed body, validation failure
  - 403: Role does not permit the operation
  - 404: Order, event, buyer, coupon or promotion not found
  - 409: Lost race on a shared resource (retryable)
  - 422: Business-rule violation (capacity, deadline, discounts, points)
  - 500: Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - order/errors.go: The taxonomy this maps from
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/event"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/points"
	"github.com/warp/ticket-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine   *order.Engine
	Store    *sqlite.Store
	Validate *validator.Validate
	Logger   *logrus.Logger
}

// NewHandler creates a new handler around the engine and store.
func NewHandler(engine *order.Engine, store *sqlite.Store, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		Engine:   engine,
		Store:    store,
		Validate: validator.New(),
		Logger:   logger,
	}
}

// =============================================================================
// ORDER HANDLERS
// =============================================================================

// CreateOrder opens a purchase order.
// POST /api/orders
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	o, err := h.Engine.CreateOrder(r.Context(), actorFrom(r), order.CreateOrderInput{
		BuyerID:       req.BuyerID,
		EventID:       event.ID(req.EventID),
		Tier:          req.Tier,
		Quantity:      req.Quantity,
		CouponCode:    req.CouponCode,
		PromotionCode: req.PromotionCode,
		PointsToApply: req.PointsToApply,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create order", err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderDTO(o))
}

// GetOrder returns one order.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := order.ID(chi.URLParam(r, "id"))

	o, err := h.Engine.GetOrder(r.Context(), actorFrom(r), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get order", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// ListOrders returns a buyer's order history.
// GET /api/orders?buyer_id=...
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	buyerID := r.URL.Query().Get("buyer_id")
	if buyerID == "" {
		writeError(w, http.StatusBadRequest, "buyer_id query parameter is required", nil)
		return
	}

	orders, err := h.Engine.ListOrdersByBuyer(r.Context(), actorFrom(r), buyerID)
	if err != nil {
		h.writeDomainError(w, "Failed to list orders", err)
		return
	}

	dtos := make([]OrderDTO, len(orders))
	for i := range orders {
		dtos[i] = toOrderDTO(&orders[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SubmitPaymentProof records the buyer's proof and moves the order to
// waiting_review.
// POST /api/orders/{id}/payment-proof
func (h *Handler) SubmitPaymentProof(w http.ResponseWriter, r *http.Request) {
	id := order.ID(chi.URLParam(r, "id"))

	var req SubmitProofRequest
	if !h.decode(w, r, &req) {
		return
	}

	o, err := h.Engine.SubmitPaymentProof(r.Context(), actorFrom(r), id, req.ProofRef)
	if err != nil {
		h.writeDomainError(w, "Failed to submit payment proof", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// ApproveOrder confirms payment and drives the order to paid.
// POST /api/orders/{id}/approve
func (h *Handler) ApproveOrder(w http.ResponseWriter, r *http.Request) {
	id := order.ID(chi.URLParam(r, "id"))

	o, err := h.Engine.SetStatus(r.Context(), actorFrom(r), id, order.StatusPaid, "")
	if err != nil {
		// The deadline guard commits the forced expiry before
		// reporting; surface the expired order in the error body.
		if errors.Is(err, order.ErrDeadlinePassed) && o != nil {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:   "Payment deadline passed, order expired",
				Details: string(o.Status),
			})
			return
		}
		h.writeDomainError(w, "Failed to approve order", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// RejectOrder cancels an order under review.
// POST /api/orders/{id}/reject
func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	id := order.ID(chi.URLParam(r, "id"))

	var req RejectOrderRequest
	if r.ContentLength > 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	o, err := h.Engine.SetStatus(r.Context(), actorFrom(r), id, order.StatusCanceled, req.Reason)
	if err != nil {
		h.writeDomainError(w, "Failed to reject order", err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderDTO(o))
}

// ListTickets returns the issued tickets of an order.
// GET /api/orders/{id}/tickets
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	id := order.ID(chi.URLParam(r, "id"))

	// Ownership check rides on GetOrder.
	if _, err := h.Engine.GetOrder(r.Context(), actorFrom(r), id); err != nil {
		h.writeDomainError(w, "Failed to get order", err)
		return
	}

	tickets, err := h.Store.TicketsByOrder(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list tickets", err)
		return
	}

	writeJSON(w, http.StatusOK, toTicketDTOs(tickets))
}

// ResendTickets re-delivers the tickets of a paid order.
// POST /api/orders/{id}/resend-tickets
func (h *Handler) ResendTickets(w http.ResponseWriter, r *http.Request) {
	id := order.ID(chi.URLParam(r, "id"))

	if err := h.Engine.ResendTickets(r.Context(), actorFrom(r), id); err != nil {
		h.writeDomainError(w, "Failed to resend tickets", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "delivery scheduled"})
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// GetEvent returns one catalog event with its tiers.
// GET /api/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := event.ID(chi.URLParam(r, "id"))

	ev, err := h.Store.GetEvent(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get event", err)
		return
	}

	writeJSON(w, http.StatusOK, toEventDTO(ev))
}

// ListAttendees returns the attendee report for an event.
// GET /api/events/{id}/attendees
func (h *Handler) ListAttendees(w http.ResponseWriter, r *http.Request) {
	id := event.ID(chi.URLParam(r, "id"))

	attendees, err := h.Engine.ListAttendees(r.Context(), actorFrom(r), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list attendees", err)
		return
	}

	writeJSON(w, http.StatusOK, toAttendeeDTOs(attendees))
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// GetPoints returns a user's balance and ledger. Customers only see
// their own.
// GET /api/users/{id}/points
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	actor := actorFrom(r)
	if actor.Role == order.RoleCustomer && actor.ID != id {
		writeError(w, http.StatusForbidden, "Permission denied", nil)
		return
	}

	u, err := h.Store.GetUser(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get user", err)
		return
	}
	entries, err := h.Store.PointEntries(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to list point entries", err)
		return
	}

	writeJSON(w, http.StatusOK, PointBalanceDTO{
		UserID:  u.ID,
		Balance: u.PointBalance,
		Entries: toPointEntryDTOs(entries),
	})
}

// GrantPoints credits points to a user.
// POST /api/admin/points/grant
func (h *Handler) GrantPoints(w http.ResponseWriter, r *http.Request) {
	var req GrantPointsRequest
	if !h.decode(w, r, &req) {
		return
	}

	expiresAt := points.NeverExpires
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_at, want RFC3339", err)
			return
		}
		expiresAt = t
	}

	entry, err := h.Engine.GrantPoints(r.Context(), actorFrom(r), req.UserID, req.Amount, expiresAt, req.Description)
	if err != nil {
		h.writeDomainError(w, "Failed to grant points", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPointEntryDTOs([]points.Entry{*entry})[0])
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports process liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates a JSON request body. Writes the 400
// itself and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.Validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

// writeDomainError maps the engine's error taxonomy onto HTTP status
// codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case order.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, order.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, message, err)
	case order.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case order.IsClientError(err):
		writeError(w, http.StatusUnprocessableEntity, message, err)
	default:
		h.Logger.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
