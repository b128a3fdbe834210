package booking

import (
	"context"
	"time"

	"bus-ticket/models"
)

const (
	EventConfirmed     = "booking.confirmed"
	EventCancelled     = "booking.cancelled"
	EventExpired       = "booking.expired"
	EventTicketChanged = "ticket.changed"
)

// Notification announces a committed lifecycle change. The queue name is
// the event type.
type Notification struct {
	Type      string          `json:"type"`
	BookingID string          `json:"booking_id"`
	Code      string          `json:"code"`
	HolderID  string          `json:"holder_id"`
	Status    string          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Booking   *models.Booking `json:"booking"`
	Ticket    *models.Ticket  `json:"ticket,omitempty"`
	Previous  *models.Ticket  `json:"previous,omitempty"`
	At        time.Time       `json:"at"`
}

// Notifier fans lifecycle changes out to downstream consumers. Failures
// are logged by the controller and never undo a transition.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

var NopNotifier Notifier = nopNotifier{}
