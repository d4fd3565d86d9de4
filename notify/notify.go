/*
notify.go - Outbound buyer notifications

PURPOSE:
  Implementations of the engine's Notifier contract. EmailNotifier
  delivers over SMTP; LogNotifier writes structured log lines and is
  the default when no SMTP host is configured. Both are fire-and-forget
  from the engine's perspective: failures are reported to the caller,
  which logs and moves on, never rolling back a committed transition.

SEE ALSO:
  order/notifier.go - the contract these satisfy
*/
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/event"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/ticket"
)

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier records every notification as a structured log line.
// Used in development and in tests.
type LogNotifier struct {
	Logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) OrderStatusChanged(_ context.Context, buyer order.Buyer, ev *event.Event, orderID order.ID, newStatus order.Status, quantity int) error {
	n.Logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"buyer":    buyer.Email,
		"event":    ev.Name,
		"status":   newStatus,
		"quantity": quantity,
	}).Info("order status notification")
	return nil
}

func (n *LogNotifier) DeliverTickets(_ context.Context, buyerEmail string, tickets []ticket.Ticket, ev *event.Event) error {
	serials := make([]string, len(tickets))
	for i, t := range tickets {
		serials[i] = t.Serial
	}
	n.Logger.WithFields(logrus.Fields{
		"buyer":   buyerEmail,
		"event":   ev.Name,
		"serials": strings.Join(serials, ","),
	}).Info("ticket delivery notification")
	return nil
}

// =============================================================================
// EMAIL NOTIFIER
// =============================================================================

// EmailNotifier delivers notifications as plain-text email over SMTP.
type EmailNotifier struct {
	host string
	port string
	user string
	pass string
	from string
}

func NewEmailNotifier(host, port, user, pass, from string) *EmailNotifier {
	return &EmailNotifier{host: host, port: port, user: user, pass: pass, from: from}
}

func (n *EmailNotifier) OrderStatusChanged(_ context.Context, buyer order.Buyer, ev *event.Event, orderID order.ID, newStatus order.Status, quantity int) error {
	subject := fmt.Sprintf("Your order for %s is now %s", ev.Name, newStatus)
	body := fmt.Sprintf(
		"Hi %s,\n\nYour order %s (%d x %s) is now %s.\n",
		buyer.Name, orderID, quantity, ev.Name, newStatus,
	)
	return n.send(buyer.Email, subject, body)
}

func (n *EmailNotifier) DeliverTickets(_ context.Context, buyerEmail string, tickets []ticket.Ticket, ev *event.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Your tickets for %s at %s:\n\n", ev.Name, ev.Venue)
	for _, t := range tickets {
		fmt.Fprintf(&b, "  %s (%s)\n", t.Serial, t.Tier)
	}
	b.WriteString("\nPresent a serial at the venue entrance.\n")

	subject := fmt.Sprintf("Your tickets for %s", ev.Name)
	return n.send(buyerEmail, subject, b.String())
}

func (n *EmailNotifier) send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%s", n.host, n.port)
	auth := smtp.PlainAuth("", n.user, n.pass, n.host)

	e := email.NewEmail()
	e.From = n.from
	e.To = []string{to}
	e.Subject = subject
	e.Text = []byte(body)

	return e.Send(addr, auth)
}
