// Package booking drives a booking from a held seat set to a sold one and
// keeps the booking store and the seat lock store in agreement on every
// transition.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"bus-ticket/internal/lockstore"
	"bus-ticket/internal/services/payment"
	"bus-ticket/internal/status"
	"bus-ticket/models"
	"bus-ticket/monitoring"
	"bus-ticket/utils"
)

const (
	ReasonUserCancelled         = "user_cancelled"
	ReasonPaymentFailed         = "payment_failed"
	ReasonLeaseLost             = "lease_lost"
	ReasonLeaseLostAfterPayment = "lease_lost_after_payment"
	ReasonHoldExpired           = "hold_expired"
	reasonTicketChange          = "ticket_change"
)

type Options struct {
	TTL time.Duration
	// IntentGrace is how old an intent must be before Reconcile treats
	// its owner as gone.
	IntentGrace time.Duration
	Payments    *payment.Registry
	Bypass      *payment.Bypass
	Notifier    Notifier
	// Pricer, when set, prices every booking. Without it the caller's
	// TotalAmount is taken as is.
	Pricer Pricer
	Clock  clockwork.Clock
	Logger *slog.Logger
}

type Controller struct {
	bookings Store
	locks    lockstore.Store
	payments *payment.Registry
	bypass   *payment.Bypass
	notifier Notifier
	pricer   Pricer
	ttl      time.Duration
	grace    time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

func NewController(bookings Store, locks lockstore.Store, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier
	}
	if opts.Payments == nil {
		opts.Payments = payment.NewRegistry()
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.IntentGrace <= 0 {
		opts.IntentGrace = time.Minute
	}
	return &Controller{
		bookings: bookings,
		locks:    locks,
		payments: opts.Payments,
		bypass:   opts.Bypass,
		notifier: opts.Notifier,
		pricer:   opts.Pricer,
		ttl:      opts.TTL,
		grace:    opts.IntentGrace,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
}

type TicketRequest struct {
	SeatID        string `json:"seat_id"`
	PassengerName string `json:"passenger_name"`
}

type CreateRequest struct {
	TripID   string          `json:"trip_id"`
	HolderID string          `json:"holder_id"`
	Customer models.Customer `json:"customer"`
	Tickets  []TicketRequest `json:"tickets"`
	// TotalAmount is what the client was quoted. With a Pricer it must
	// match the server's price or be left zero; without one it is trusted,
	// so the caller must have priced it.
	TotalAmount decimal.Decimal `json:"total_amount"`
}

func (r CreateRequest) validate() error {
	if r.TripID == "" || r.HolderID == "" {
		return fmt.Errorf("%w: trip and holder are required", status.ErrInvalidBooking)
	}
	if len(r.Tickets) == 0 {
		return fmt.Errorf("%w: at least one ticket is required", status.ErrInvalidBooking)
	}
	if r.TotalAmount.IsNegative() {
		return fmt.Errorf("%w: negative total", status.ErrInvalidBooking)
	}
	seen := make(map[string]bool, len(r.Tickets))
	for _, t := range r.Tickets {
		if t.SeatID == "" {
			return fmt.Errorf("%w: ticket without seat", status.ErrInvalidBooking)
		}
		if seen[t.SeatID] {
			return fmt.Errorf("%w: seat %s booked twice", status.ErrInvalidBooking, t.SeatID)
		}
		seen[t.SeatID] = true
	}
	return nil
}

func (c *Controller) Get(ctx context.Context, id string) (*models.Booking, error) {
	return c.bookings.Get(ctx, id)
}

// CreateBooking persists a pending booking over seats the holder holds
// right now according to the lock store. Nothing the client remembers
// about its hold is trusted.
func (c *Controller) CreateBooking(ctx context.Context, req CreateRequest) (*models.Booking, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	seats := make([]string, len(req.Tickets))
	for i, t := range req.Tickets {
		seats[i] = t.SeatID
	}
	expiresAt, err := c.checkHeld(ctx, req.TripID, seats, req.HolderID)
	if err != nil {
		return nil, err
	}
	if c.pricer != nil {
		total, err := c.pricer.Price(ctx, req.TripID, seats)
		if err != nil {
			return nil, fmt.Errorf("price booking: %w", err)
		}
		if !req.TotalAmount.IsZero() && !req.TotalAmount.Equal(total) {
			return nil, fmt.Errorf("%w: total %s does not match fare %s", status.ErrInvalidBooking, req.TotalAmount, total)
		}
		req.TotalAmount = total
	}

	code, err := utils.BookingCode()
	if err != nil {
		return nil, err
	}
	b := &models.Booking{
		ID:            uuid.NewString(),
		Code:          code,
		TripID:        req.TripID,
		HolderID:      req.HolderID,
		Customer:      req.Customer,
		TotalAmount:   req.TotalAmount,
		Status:        models.BookingPending,
		HoldExpiresAt: expiresAt,
	}
	for _, t := range req.Tickets {
		b.Tickets = append(b.Tickets, models.Ticket{
			ID:            uuid.NewString(),
			TripID:        req.TripID,
			SeatID:        t.SeatID,
			PassengerName: t.PassengerName,
		})
	}

	if err := c.bookings.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	monitoring.TrackBookingTransition("", string(models.BookingPending))
	c.log.Info("Booking created", "booking_id", b.ID, "code", b.Code, "trip_id", b.TripID, "holder_id", b.HolderID, "seats", seats)
	return b, nil
}

// checkHeld returns the earliest expiry among the seats, a ConflictError
// listing seats someone else holds or bought, or a LeaseLostError listing
// seats whose hold lapsed.
func (c *Controller) checkHeld(ctx context.Context, tripID string, seats []string, holderID string) (time.Time, error) {
	locks, err := c.locks.Inspect(ctx, tripID, seats)
	if err != nil {
		return time.Time{}, err
	}

	now := c.clock.Now()
	var earliest time.Time
	var taken, lapsed []string
	for _, l := range locks {
		switch {
		case l.HeldBy(holderID, now):
			if earliest.IsZero() || l.ExpiresAt.Before(earliest) {
				earliest = l.ExpiresAt
			}
		case l.Active(now):
			taken = append(taken, l.SeatID)
		default:
			lapsed = append(lapsed, l.SeatID)
		}
	}
	if len(taken) > 0 {
		sort.Strings(taken)
		return time.Time{}, &status.ConflictError{TripID: tripID, Seats: taken}
	}
	if len(lapsed) > 0 {
		sort.Strings(lapsed)
		return time.Time{}, &status.LeaseLostError{TripID: tripID, Seats: lapsed, Cause: status.ErrNotHolder}
	}
	return earliest, nil
}

// verifyLease checks every seat group of the booking. Losing any seat to
// anyone is a lost lease from the booking's point of view.
func (c *Controller) verifyLease(ctx context.Context, b *models.Booking) (time.Time, error) {
	var earliest time.Time
	for _, trip := range b.Trips() {
		seats := b.SeatGroups()[trip]
		exp, err := c.checkHeld(ctx, trip, seats, b.HolderID)
		var conflict *status.ConflictError
		if errors.As(err, &conflict) {
			return time.Time{}, &status.LeaseLostError{TripID: trip, Seats: conflict.Seats, Cause: status.ErrNotHolder}
		}
		if err != nil {
			return time.Time{}, err
		}
		if earliest.IsZero() || exp.Before(earliest) {
			earliest = exp
		}
	}
	return earliest, nil
}

// StartPayment moves the booking to held and opens a payment with the
// provider. It is also the retry path after the provider could not open a
// payment: the lease is checked again every time.
func (c *Controller) StartPayment(ctx context.Context, bookingID, provider string) (*payment.Session, error) {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Intent != nil {
		return nil, status.ErrStaleBooking
	}
	if b.Status != models.BookingPending && b.Status != models.BookingHeld {
		return nil, fmt.Errorf("%w: cannot pay a %s booking", status.ErrInvalidTransition, b.Status)
	}
	p, err := c.payments.Get(provider)
	if err != nil {
		return nil, err
	}

	expiresAt, err := c.verifyLease(ctx, b)
	if err != nil {
		var lost *status.LeaseLostError
		if errors.As(err, &lost) {
			if _, endErr := c.end(ctx, b, models.BookingCancelled, ReasonLeaseLost, ""); endErr != nil {
				c.log.Error("Failed to cancel booking after lease loss", "booking_id", b.ID, "error", endErr)
			}
		}
		return nil, err
	}

	from := b.Status
	b.Status = models.BookingHeld
	b.HoldExpiresAt = expiresAt
	b.PaymentProvider = p.Name()
	if err := c.bookings.Update(ctx, b); err != nil {
		return nil, err
	}
	if from != models.BookingHeld {
		monitoring.TrackBookingTransition(string(from), string(models.BookingHeld))
	}

	sess, err := p.CreatePayment(ctx, payment.Request{
		BookingID:   b.ID,
		BookingCode: b.Code,
		Amount:      b.TotalAmount,
	})
	if err != nil {
		c.log.Warn("Payment provider refused to open a payment", "booking_id", b.ID, "provider", p.Name(), "error", err)
		return nil, &status.PaymentFailedError{BookingID: b.ID, Reason: err.Error()}
	}

	b.PaymentRef = sess.OrderID
	if err := c.bookings.Update(ctx, b); err != nil {
		return nil, err
	}
	return sess, nil
}

// ConfirmPayment applies a verified provider outcome. Success sells the
// seats, failure releases them and cancels the booking. Repeated
// callbacks for the same transaction return the booking as it is.
func (c *Controller) ConfirmPayment(ctx context.Context, bookingID string, res *payment.Result) (*models.Booking, error) {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	switch {
	case b.Status == models.BookingPaid && b.PaymentRef == res.TransactionID:
		return b, nil
	case b.Status == models.BookingCancelled && b.PaymentRef == res.TransactionID && !res.Success:
		return b, &status.PaymentFailedError{BookingID: b.ID, Reason: b.CancelReason}
	}

	if b.Intent != nil {
		if b.Intent.TransactionID == "" || b.Intent.TransactionID != res.TransactionID {
			return nil, status.ErrStaleBooking
		}
		// The same callback was cut short earlier. Finish it.
		if err := c.resume(ctx, b); err != nil {
			return nil, err
		}
		return b, outcome(b)
	}

	if b.Status != models.BookingHeld {
		if res.Success {
			c.log.Error("Payment succeeded for a booking that can no longer be paid", "booking_id", b.ID, "status", b.Status, "transaction_id", res.TransactionID)
		}
		return nil, fmt.Errorf("%w: cannot confirm a %s booking", status.ErrInvalidTransition, b.Status)
	}
	if res.Success && !res.Amount.IsZero() && !res.Amount.Equal(b.TotalAmount.Round(0)) {
		c.log.Error("Payment amount mismatch", "booking_id", b.ID, "paid", res.Amount, "total", b.TotalAmount)
		return nil, &status.PaymentFailedError{BookingID: b.ID, Reason: "amount mismatch"}
	}

	if !res.Success {
		reason := ReasonPaymentFailed
		if res.Message != "" {
			reason += ": " + res.Message
		}
		if _, err := c.end(ctx, b, models.BookingCancelled, reason, res.TransactionID); err != nil {
			return nil, err
		}
		return b, &status.PaymentFailedError{BookingID: b.ID, Reason: reason}
	}

	from := b.Status
	if err := c.begin(ctx, b, models.Intent{To: models.BookingPaid, TransactionID: res.TransactionID}); err != nil {
		return nil, err
	}
	prev := b.Intent.PrevExpiresAt

	if err := c.assign(ctx, b, prev); err != nil {
		if errors.Is(err, status.ErrNotHolder) {
			return c.lostAfterPayment(ctx, b, res.TransactionID, err)
		}
		// Outcome unknown. The intent stays and Reconcile drives it on.
		return nil, err
	}

	b.Status = models.BookingPaid
	b.PaymentRef = res.TransactionID
	if res.Provider != "" {
		b.PaymentProvider = res.Provider
	}
	if err := c.commit(ctx, b, from, func(ctx context.Context) error { return c.unassign(ctx, b, prev) }); err != nil {
		return nil, err
	}
	c.notify(ctx, EventConfirmed, b, "", nil, nil)
	c.log.Info("Booking paid", "booking_id", b.ID, "transaction_id", res.TransactionID)
	return b, nil
}

// ConfirmBypass settles a held booking without a provider. Only available
// when the bypass provider is enabled.
func (c *Controller) ConfirmBypass(ctx context.Context, bookingID string) (*models.Booking, error) {
	if c.bypass == nil || !c.bypass.Enabled() {
		return nil, status.ErrBypassDisabled
	}
	res, err := c.bypass.Confirm(bookingID)
	if err != nil {
		return nil, err
	}
	return c.ConfirmPayment(ctx, bookingID, res)
}

// lostAfterPayment handles money that arrived after the seats went to
// someone else. The booking is cancelled and flagged for a refund.
func (c *Controller) lostAfterPayment(ctx context.Context, b *models.Booking, txn string, cause error) (*models.Booking, error) {
	from := b.Status
	if err := c.release(ctx, b); err != nil {
		return nil, err
	}
	b.Status = models.BookingCancelled
	b.CancelReason = ReasonLeaseLostAfterPayment
	b.PaymentRef = txn
	if err := c.commit(ctx, b, from, nil); err != nil {
		return nil, err
	}
	c.notify(ctx, EventCancelled, b, b.CancelReason, nil, nil)
	c.log.Error("Seats lost before payment could be applied, refund required", "booking_id", b.ID, "transaction_id", txn, "error", cause)

	var lost *status.LeaseLostError
	if errors.As(cause, &lost) {
		return b, lost
	}
	return b, &status.LeaseLostError{TripID: b.TripID, Seats: b.SeatGroups()[b.TripID], Cause: cause}
}

// Cancel ends a pending or held booking on the holder's request.
func (c *Controller) Cancel(ctx context.Context, bookingID, userID string) (*models.Booking, error) {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.HolderID != userID {
		return nil, status.ErrForbidden
	}
	if b.Status == models.BookingCancelled {
		return b, nil
	}
	if b.Intent != nil {
		return nil, status.ErrStaleBooking
	}
	if !b.Status.CanTransition(models.BookingCancelled) {
		return nil, fmt.Errorf("%w: cannot cancel a %s booking", status.ErrInvalidTransition, b.Status)
	}
	return c.end(ctx, b, models.BookingCancelled, ReasonUserCancelled, "")
}

// Complete closes a paid booking once its trip has run. The seats stay
// sold.
func (c *Controller) Complete(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == models.BookingCompleted {
		return b, nil
	}
	if !b.Status.CanTransition(models.BookingCompleted) {
		return nil, fmt.Errorf("%w: cannot complete a %s booking", status.ErrInvalidTransition, b.Status)
	}
	b.Status = models.BookingCompleted
	if err := c.bookings.Update(ctx, b); err != nil {
		return nil, err
	}
	monitoring.TrackBookingTransition(string(models.BookingPaid), string(models.BookingCompleted))
	return b, nil
}

// end releases the booking's seats and moves it to a terminal status
// under a write-ahead intent.
func (c *Controller) end(ctx context.Context, b *models.Booking, to models.BookingStatus, reason, txn string) (*models.Booking, error) {
	from := b.Status
	if err := c.begin(ctx, b, models.Intent{To: to, Reason: reason, TransactionID: txn}); err != nil {
		return nil, err
	}
	prev := b.Intent.PrevExpiresAt

	if err := c.release(ctx, b); err != nil {
		return nil, err
	}

	b.Status = to
	b.CancelReason = reason
	if txn != "" {
		b.PaymentRef = txn
	}
	if err := c.commit(ctx, b, from, func(ctx context.Context) error { return c.reacquire(ctx, b, prev) }); err != nil {
		return nil, err
	}

	event := EventCancelled
	if to == models.BookingExpired {
		event = EventExpired
	}
	c.notify(ctx, event, b, reason, nil, nil)
	c.log.Info("Booking ended", "booking_id", b.ID, "status", to, "reason", reason)
	return b, nil
}

// begin persists the intent before any lock is touched.
func (c *Controller) begin(ctx context.Context, b *models.Booking, intent models.Intent) error {
	intent.At = c.clock.Now()
	if intent.PrevExpiresAt.IsZero() {
		intent.PrevExpiresAt = c.currentExpiry(ctx, b)
		if intent.PrevExpiresAt.After(b.HoldExpiresAt) {
			b.HoldExpiresAt = intent.PrevExpiresAt
		}
	}
	b.Intent = &intent
	if err := c.bookings.Update(ctx, b); err != nil {
		b.Intent = nil
		return err
	}
	return nil
}

// currentExpiry is the earliest expiry among the seats the holder still
// has held in the lock store, or b.HoldExpiresAt when none are. Renewals
// move it past b.HoldExpiresAt.
func (c *Controller) currentExpiry(ctx context.Context, b *models.Booking) time.Time {
	var earliest time.Time
	groups := b.SeatGroups()
	for _, trip := range b.Trips() {
		locks, err := c.locks.Inspect(ctx, trip, groups[trip])
		if err != nil {
			c.log.Warn("Failed to read seat expiry, using the booking's", "booking_id", b.ID, "trip_id", trip, "error", err)
			return b.HoldExpiresAt
		}
		for _, l := range locks {
			if l.State != models.LockHeld || l.HolderID != b.HolderID {
				continue
			}
			if earliest.IsZero() || l.ExpiresAt.Before(earliest) {
				earliest = l.ExpiresAt
			}
		}
	}
	if earliest.IsZero() {
		return b.HoldExpiresAt
	}
	return earliest
}

// commit clears the intent together with the final status. When that
// write fails, undo puts the locks back the way they were; if undo fails
// as well the intent is left for Reconcile.
func (c *Controller) commit(ctx context.Context, b *models.Booking, from models.BookingStatus, undo func(context.Context) error) error {
	intent := b.Intent
	b.Intent = nil
	if err := c.bookings.Update(ctx, b); err != nil {
		b.Intent = intent
		if undo != nil {
			if uerr := undo(ctx); uerr != nil {
				c.log.Error("Compensation failed, leaving booking to the reconciler", "booking_id", b.ID, "error", uerr)
			}
		}
		return fmt.Errorf("persist booking %s: %w", b.ID, err)
	}
	if from != b.Status {
		monitoring.TrackBookingTransition(string(from), string(b.Status))
	}
	return nil
}

// assign sells every seat group. A group that fails rolls back the groups
// already sold.
func (c *Controller) assign(ctx context.Context, b *models.Booking, prev time.Time) error {
	groups := b.SeatGroups()
	var done []string
	for _, trip := range b.Trips() {
		if err := c.locks.Assign(ctx, trip, groups[trip], b.HolderID); err != nil {
			for _, t := range done {
				if uerr := c.locks.Unassign(ctx, t, groups[t], b.HolderID, prev); uerr != nil {
					c.log.Error("Failed to roll back partial sale", "booking_id", b.ID, "trip_id", t, "error", uerr)
				}
			}
			return err
		}
		done = append(done, trip)
	}
	return nil
}

func (c *Controller) unassign(ctx context.Context, b *models.Booking, expiresAt time.Time) error {
	groups := b.SeatGroups()
	var errs []error
	for _, trip := range b.Trips() {
		errs = append(errs, c.locks.Unassign(ctx, trip, groups[trip], b.HolderID, expiresAt))
	}
	return errors.Join(errs...)
}

func (c *Controller) release(ctx context.Context, b *models.Booking) error {
	groups := b.SeatGroups()
	var errs []error
	for _, trip := range b.Trips() {
		errs = append(errs, c.locks.Release(ctx, trip, groups[trip], b.HolderID))
	}
	return errors.Join(errs...)
}

// reacquire undoes a release by taking the seats back until the expiry
// they had. Holds that would already have lapsed are left alone.
func (c *Controller) reacquire(ctx context.Context, b *models.Booking, expiresAt time.Time) error {
	ttl := expiresAt.Sub(c.clock.Now())
	if ttl <= 0 {
		return nil
	}
	groups := b.SeatGroups()
	var errs []error
	for _, trip := range b.Trips() {
		_, err := c.locks.Acquire(ctx, trip, groups[trip], b.HolderID, ttl)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) notify(ctx context.Context, typ string, b *models.Booking, reason string, ticket, prev *models.Ticket) {
	n := Notification{
		Type:      typ,
		BookingID: b.ID,
		Code:      b.Code,
		HolderID:  b.HolderID,
		Status:    string(b.Status),
		Reason:    reason,
		Booking:   b.Clone(),
		Ticket:    ticket,
		Previous:  prev,
		At:        c.clock.Now(),
	}
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.log.Warn("Failed to publish booking notification", "booking_id", b.ID, "type", typ, "error", err)
	}
}

// outcome maps a settled booking to the error its caller should see.
func outcome(b *models.Booking) error {
	if b.Status != models.BookingCancelled {
		return nil
	}
	if b.CancelReason == ReasonLeaseLostAfterPayment {
		return &status.LeaseLostError{TripID: b.TripID, Seats: b.SeatGroups()[b.TripID], Cause: status.ErrNotHolder}
	}
	return &status.PaymentFailedError{BookingID: b.ID, Reason: b.CancelReason}
}
