/*
identity.go - Request identity extraction

PURPOSE:
  Resolves the acting user from request headers. There is no session
  or token verification here; the service sits behind a gateway that
  authenticates and injects X-User-ID and X-User-Role.

HEADERS:
  X-User-ID:   The acting user. Required for customer operations.
  X-User-Role: customer (default), operator, admin.
*/
package api

import (
	"net/http"

	"github.com/warp/ticket-engine/order"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// actorFrom resolves the acting user from the request headers. An
// unknown role falls back to customer, never up.
func actorFrom(r *http.Request) order.Actor {
	actor := order.Actor{
		ID:   r.Header.Get(headerUserID),
		Role: order.RoleCustomer,
	}

	switch order.Role(r.Header.Get(headerUserRole)) {
	case order.RoleOperator:
		actor.Role = order.RoleOperator
	case order.RoleAdmin:
		actor.Role = order.RoleAdmin
	}
	return actor
}
