package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingHeld      BookingStatus = "held"
	BookingPaid      BookingStatus = "paid"
	BookingCancelled BookingStatus = "cancelled"
	BookingExpired   BookingStatus = "expired"
	BookingCompleted BookingStatus = "completed"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingPending: {BookingHeld, BookingCancelled, BookingExpired},
	BookingHeld:    {BookingPaid, BookingCancelled, BookingExpired},
	BookingPaid:    {BookingCompleted},
}

// Terminal statuses never change again.
func (s BookingStatus) Terminal() bool {
	return s == BookingCancelled || s == BookingExpired || s == BookingCompleted
}

func (s BookingStatus) CanTransition(to BookingStatus) bool {
	for _, next := range bookingTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Customer struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Email        string `json:"email,omitempty"`
	GuestSession string `json:"guest_session,omitempty"`
}

// Intent is written before a transition that touches both the booking
// and the lock store, and cleared once both sides agree. A booking with a
// lingering intent is picked up by the reconciler.
type Intent struct {
	To            BookingStatus `json:"to"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	PrevExpiresAt time.Time     `json:"prev_expires_at"`
	At            time.Time     `json:"at"`
	// Free lists tickets whose old seats still have to be returned after
	// a ticket change.
	Free []Ticket `json:"free,omitempty"`
}

type Booking struct {
	ID              string          `json:"id"`
	Code            string          `json:"code"`
	TripID          string          `json:"trip_id"`
	HolderID        string          `json:"holder_id"`
	Customer        Customer        `json:"customer"`
	Tickets         []Ticket        `json:"tickets"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	Status          BookingStatus   `json:"status"`
	HoldExpiresAt   time.Time       `json:"hold_expires_at"`
	PaymentProvider string          `json:"payment_provider,omitempty"`
	PaymentRef      string          `json:"payment_ref,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	Intent          *Intent         `json:"intent,omitempty"`
	Revision        int64           `json:"revision"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// SeatGroups returns the booking's seats grouped by trip. After a ticket
// change one booking may span more than one trip.
func (b *Booking) SeatGroups() map[string][]string {
	groups := make(map[string][]string)
	for _, t := range b.Tickets {
		groups[t.TripID] = append(groups[t.TripID], t.SeatID)
	}
	for trip := range groups {
		sort.Strings(groups[trip])
	}
	return groups
}

// Trips returns the trip ids of SeatGroups in a stable order.
func (b *Booking) Trips() []string {
	groups := b.SeatGroups()
	trips := make([]string, 0, len(groups))
	for trip := range groups {
		trips = append(trips, trip)
	}
	sort.Strings(trips)
	return trips
}

func (b *Booking) TicketIndex(ticketID string) int {
	for i, t := range b.Tickets {
		if t.ID == ticketID {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so stores never share slices with callers.
func (b *Booking) Clone() *Booking {
	c := *b
	c.Tickets = append([]Ticket(nil), b.Tickets...)
	if b.Intent != nil {
		intent := *b.Intent
		intent.Free = append([]Ticket(nil), b.Intent.Free...)
		c.Intent = &intent
	}
	return &c
}
