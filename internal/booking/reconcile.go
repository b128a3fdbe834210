package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bus-ticket/internal/status"
	"bus-ticket/models"
	"bus-ticket/monitoring"
)

// ChangeTicket moves one ticket to another trip and seat. The new seat is
// taken (and sold, for a paid booking) before the swap is written, and the
// old seat is only given back afterwards, so an interrupted change leaves
// the passenger on their original seat.
func (c *Controller) ChangeTicket(ctx context.Context, ticketID, newTripID, newSeatID, reason string) (*models.Booking, error) {
	if newTripID == "" || newSeatID == "" {
		return nil, fmt.Errorf("%w: new trip and seat are required", status.ErrInvalidBooking)
	}
	b, err := c.bookings.FindByTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if b.Intent != nil {
		return nil, status.ErrStaleBooking
	}
	if b.Status != models.BookingHeld && b.Status != models.BookingPaid {
		return nil, fmt.Errorf("%w: cannot change a ticket of a %s booking", status.ErrInvalidTransition, b.Status)
	}

	idx := b.TicketIndex(ticketID)
	old := b.Tickets[idx]
	if old.TripID == newTripID && old.SeatID == newSeatID {
		return b, nil
	}
	for _, t := range b.Tickets {
		if t.TripID == newTripID && t.SeatID == newSeatID {
			return nil, &status.ConflictError{TripID: newTripID, Seats: []string{newSeatID}}
		}
	}

	seat := []string{newSeatID}
	if _, err := c.locks.Acquire(ctx, newTripID, seat, b.HolderID, c.ttl); err != nil {
		return nil, err
	}
	rollback := func(ctx context.Context) {
		if b.Status == models.BookingPaid {
			if err := c.locks.Unassign(ctx, newTripID, seat, b.HolderID, c.clock.Now()); err != nil {
				c.log.Error("Failed to roll back new seat sale", "booking_id", b.ID, "trip_id", newTripID, "seat_id", newSeatID, "error", err)
			}
		}
		if err := c.locks.Release(ctx, newTripID, seat, b.HolderID); err != nil {
			c.log.Error("Failed to release new seat", "booking_id", b.ID, "trip_id", newTripID, "seat_id", newSeatID, "error", err)
		}
	}

	if b.Status == models.BookingPaid {
		if err := c.locks.Assign(ctx, newTripID, seat, b.HolderID); err != nil {
			rollback(ctx)
			return nil, err
		}
	}

	next := old
	next.TripID = newTripID
	next.SeatID = newSeatID
	b.Tickets[idx] = next
	if len(b.Trips()) == 1 {
		b.TripID = newTripID
	}
	if b.Status == models.BookingHeld {
		b.HoldExpiresAt = c.currentExpiry(ctx, b)
	}
	b.Intent = &models.Intent{
		To:            b.Status,
		Reason:        reasonTicketChange + ": " + reason,
		PrevExpiresAt: b.HoldExpiresAt,
		At:            c.clock.Now(),
		Free:          []models.Ticket{old},
	}
	if err := c.bookings.Update(ctx, b); err != nil {
		rollback(ctx)
		return nil, fmt.Errorf("persist ticket change: %w", err)
	}

	// The swap is committed. Anything that fails from here on is the
	// reconciler's to finish.
	if err := c.freeTickets(ctx, b.HolderID, b.Intent.Free); err != nil {
		c.log.Error("Failed to return old seat after ticket change", "booking_id", b.ID, "ticket_id", ticketID, "error", err)
	} else if err := c.commit(ctx, b, b.Status, nil); err != nil {
		c.log.Error("Failed to clear ticket change intent", "booking_id", b.ID, "error", err)
	}

	c.notify(ctx, EventTicketChanged, b, reason, &next, &old)
	c.log.Info("Ticket changed", "booking_id", b.ID, "ticket_id", ticketID,
		"from_trip", old.TripID, "from_seat", old.SeatID, "to_trip", newTripID, "to_seat", newSeatID)
	return b, nil
}

// freeTickets gives back seats the holder no longer needs, whether they
// were sold or only held. Seats the holder does not own are skipped.
func (c *Controller) freeTickets(ctx context.Context, holderID string, tickets []models.Ticket) error {
	groups := make(map[string][]string)
	for _, t := range tickets {
		groups[t.TripID] = append(groups[t.TripID], t.SeatID)
	}

	for trip, seats := range groups {
		locks, err := c.locks.Inspect(ctx, trip, seats)
		if err != nil {
			return err
		}
		var sold, owned []string
		for _, l := range locks {
			if l.HolderID != holderID {
				continue
			}
			switch l.State {
			case models.LockSold:
				sold = append(sold, l.SeatID)
				owned = append(owned, l.SeatID)
			case models.LockHeld:
				owned = append(owned, l.SeatID)
			}
		}
		if len(sold) > 0 {
			if err := c.locks.Unassign(ctx, trip, sold, holderID, c.clock.Now()); err != nil {
				return err
			}
		}
		if len(owned) > 0 {
			if err := c.locks.Release(ctx, trip, owned, holderID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExpireStale ends pending and held bookings whose seats are no longer
// held by their holder. A hold that simply ran out expires the booking; a
// seat that went to someone else cancels it.
func (c *Controller) ExpireStale(ctx context.Context) (int, error) {
	list, err := c.bookings.List(ctx, Filter{Statuses: []models.BookingStatus{models.BookingPending, models.BookingHeld}})
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, b := range list {
		if b.Intent != nil {
			continue
		}
		_, err := c.verifyLease(ctx, b)
		if err == nil {
			continue
		}
		var lost *status.LeaseLostError
		if !errors.As(err, &lost) {
			errs = append(errs, err)
			continue
		}

		to, reason := models.BookingExpired, ReasonHoldExpired
		if c.takenByOther(ctx, b) {
			to, reason = models.BookingCancelled, ReasonLeaseLost
		}
		if _, err := c.end(ctx, b, to, reason, ""); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (c *Controller) takenByOther(ctx context.Context, b *models.Booking) bool {
	now := c.clock.Now()
	groups := b.SeatGroups()
	for _, trip := range b.Trips() {
		locks, err := c.locks.Inspect(ctx, trip, groups[trip])
		if err != nil {
			return false
		}
		for _, l := range locks {
			if l.Active(now) && l.HolderID != b.HolderID {
				return true
			}
		}
	}
	return false
}

// strayWindow bounds how far back Reconcile looks for ended bookings that
// may still own sold seats.
const strayWindow = 24 * time.Hour

// Reconcile finishes transitions whose owner died between the lock store
// and the booking store, then takes back seats still sold to a holder
// whose booking ended.
func (c *Controller) Reconcile(ctx context.Context) (int, error) {
	now := c.clock.Now()
	n := 0
	var errs []error

	pending, err := c.bookings.List(ctx, Filter{WithIntent: true})
	if err != nil {
		return 0, err
	}
	for _, b := range pending {
		if now.Sub(b.Intent.At) < c.grace {
			continue
		}
		if err := c.resume(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", b.ID, err))
			continue
		}
		n++
	}

	ended, err := c.bookings.List(ctx, Filter{
		Statuses:     []models.BookingStatus{models.BookingCancelled, models.BookingExpired},
		UpdatedAfter: now.Add(-strayWindow),
	})
	if err != nil {
		return n, errors.Join(append(errs, err)...)
	}
	live := make(map[string]map[string]bool)
	for _, b := range ended {
		if b.Intent != nil {
			continue
		}
		owned, ok := live[b.HolderID]
		if !ok {
			owned, err = c.liveSeats(ctx, b.HolderID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			live[b.HolderID] = owned
		}
		freed, err := c.unsell(ctx, b, owned)
		if err != nil {
			errs = append(errs, fmt.Errorf("unsell %s: %w", b.ID, err))
			continue
		}
		n += freed
	}
	return n, errors.Join(errs...)
}

// liveSeats lists trip/seat pairs the holder still legitimately owns
// through another booking.
func (c *Controller) liveSeats(ctx context.Context, holderID string) (map[string]bool, error) {
	list, err := c.bookings.List(ctx, Filter{
		HolderID: holderID,
		Statuses: []models.BookingStatus{models.BookingPending, models.BookingHeld, models.BookingPaid, models.BookingCompleted},
	})
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool)
	for _, b := range list {
		for _, t := range b.Tickets {
			owned[t.TripID+"|"+t.SeatID] = true
		}
	}
	return owned, nil
}

func (c *Controller) unsell(ctx context.Context, b *models.Booking, owned map[string]bool) (int, error) {
	var stray []models.Ticket
	groups := b.SeatGroups()
	for _, trip := range b.Trips() {
		locks, err := c.locks.Inspect(ctx, trip, groups[trip])
		if err != nil {
			return 0, err
		}
		for _, l := range locks {
			if l.State == models.LockSold && l.HolderID == b.HolderID && !owned[trip+"|"+l.SeatID] {
				stray = append(stray, models.Ticket{TripID: trip, SeatID: l.SeatID})
			}
		}
	}
	if len(stray) == 0 {
		return 0, nil
	}
	if err := c.freeTickets(ctx, b.HolderID, stray); err != nil {
		return 0, err
	}
	monitoring.TrackReconciled("unsold")
	c.log.Warn("Returned seats sold to an ended booking", "booking_id", b.ID, "status", b.Status, "seats", len(stray))
	return 1, nil
}

// resume drives a lingering intent to its end. Every step is idempotent,
// so running it after a partial earlier attempt is safe.
func (c *Controller) resume(ctx context.Context, b *models.Booking) error {
	intent := b.Intent
	from := b.Status

	switch {
	case len(intent.Free) > 0:
		if err := c.freeTickets(ctx, b.HolderID, intent.Free); err != nil {
			return err
		}
		if err := c.commit(ctx, b, from, nil); err != nil {
			return err
		}
		monitoring.TrackReconciled("ticket_change")

	case intent.To == models.BookingPaid:
		if err := c.assign(ctx, b, intent.PrevExpiresAt); err != nil {
			if errors.Is(err, status.ErrNotHolder) {
				if _, lerr := c.lostAfterPayment(ctx, b, intent.TransactionID, err); lerr != nil && !errors.Is(lerr, status.ErrNotHolder) {
					return lerr
				}
				monitoring.TrackReconciled("lost_after_payment")
				return nil
			}
			return err
		}
		b.Status = models.BookingPaid
		b.PaymentRef = intent.TransactionID
		if err := c.commit(ctx, b, from, nil); err != nil {
			return err
		}
		c.notify(ctx, EventConfirmed, b, "", nil, nil)
		monitoring.TrackReconciled("paid")

	case intent.To == models.BookingCancelled || intent.To == models.BookingExpired:
		if err := c.release(ctx, b); err != nil {
			return err
		}
		b.Status = intent.To
		b.CancelReason = intent.Reason
		if intent.TransactionID != "" {
			b.PaymentRef = intent.TransactionID
		}
		if err := c.commit(ctx, b, from, nil); err != nil {
			return err
		}
		event := EventCancelled
		if intent.To == models.BookingExpired {
			event = EventExpired
		}
		c.notify(ctx, event, b, intent.Reason, nil, nil)
		monitoring.TrackReconciled(string(intent.To))

	default:
		return fmt.Errorf("booking %s: unknown intent %q", b.ID, intent.To)
	}

	c.log.Info("Reconciled booking", "booking_id", b.ID, "intent", intent.To, "status", b.Status)
	return nil
}
