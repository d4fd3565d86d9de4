package order

import (
	"context"

	"github.com/warp/ticket-engine/event"
	"github.com/warp/ticket-engine/ticket"
)

// Notifier is the outbound contract to whatever emails the buyer. The
// engine calls it after a unit of work commits, never inside one;
// notification failures are logged, not rolled into the transition.
type Notifier interface {
	// OrderStatusChanged announces that the order reached newStatus.
	OrderStatusChanged(ctx context.Context, buyer Buyer, ev *event.Event, orderID ID, newStatus Status, quantity int) error

	// DeliverTickets sends the issued tickets to the buyer.
	DeliverTickets(ctx context.Context, buyerEmail string, tickets []ticket.Ticket, ev *event.Event) error
}
