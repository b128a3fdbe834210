package status

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotHolder            = errors.New("lock: caller is not the holder")
	ErrNoSeats              = errors.New("lock: no seats requested")
	ErrLockStoreUnavailable = errors.New("lock: lock store unavailable")
	ErrSessionNotFound      = errors.New("lease: checkout session not found")

	ErrInvalidBooking    = errors.New("booking: invalid booking request")
	ErrBookingNotFound   = errors.New("booking: booking not found")
	ErrTicketNotFound    = errors.New("booking: ticket not found")
	ErrInvalidTransition = errors.New("booking: invalid status transition")
	ErrStaleBooking      = errors.New("booking: booking was modified concurrently")
	ErrForbidden         = errors.New("booking: booking belongs to another holder")

	ErrFailedPayment    = errors.New("payment: payment failed")
	ErrBypassDisabled   = errors.New("payment: bypass confirmation is disabled")
	ErrInvalidSignature = errors.New("payment: invalid callback signature")
	ErrRefCodeNotFound  = errors.New("ref code: ref code not found")
)

// ConflictError reports the exact seats that are held or sold by someone
// else. The rest of the selection was not granted either.
type ConflictError struct {
	TripID string
	Seats  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("lock: seats already taken on trip %s: %s", e.TripID, strings.Join(e.Seats, ","))
}

// LeaseLostError means the holder no longer owns the seats. The only way
// forward is back to seat selection.
type LeaseLostError struct {
	TripID string
	Seats  []string
	Cause  error
}

func (e *LeaseLostError) Error() string {
	msg := fmt.Sprintf("lock: lease lost on trip %s for seats %s", e.TripID, strings.Join(e.Seats, ","))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LeaseLostError) Unwrap() error { return e.Cause }

type PaymentFailedError struct {
	BookingID string
	Reason    string
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment: booking %s: %s", e.BookingID, e.Reason)
}

func (e *PaymentFailedError) Unwrap() error { return ErrFailedPayment }

// TransientError wraps a timeout or network failure against the lock
// store or the realtime channel. The outcome of the call is unknown.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
