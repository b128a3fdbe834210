package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/pocketbase/pocketbase/core"

	"bus-ticket/internal/status"
	"bus-ticket/utils"
)

var sentinelStatus = []struct {
	err  error
	code int
	name string
}{
	{status.ErrNoSeats, http.StatusBadRequest, "no_seats"},
	{status.ErrInvalidBooking, http.StatusBadRequest, "invalid_booking"},
	{status.ErrInvalidSignature, http.StatusBadRequest, "invalid_signature"},
	{status.ErrForbidden, http.StatusForbidden, "forbidden"},
	{status.ErrBypassDisabled, http.StatusForbidden, "bypass_disabled"},
	{status.ErrBookingNotFound, http.StatusNotFound, "booking_not_found"},
	{status.ErrTicketNotFound, http.StatusNotFound, "ticket_not_found"},
	{status.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
	{status.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{status.ErrStaleBooking, http.StatusConflict, "booking_busy"},
	{status.ErrLockStoreUnavailable, http.StatusServiceUnavailable, "lock_store_unavailable"},
	{utils.ErrCircuitOpen, http.StatusServiceUnavailable, "provider_unavailable"},
}

// respondError writes the JSON error body for err. Seat errors list the
// seats involved so the client knows what to pick again.
func respondError(e *core.RequestEvent, err error) error {
	var conflict *status.ConflictError
	if errors.As(err, &conflict) {
		return e.JSON(http.StatusConflict, map[string]any{
			"error":   "conflict",
			"trip_id": conflict.TripID,
			"seats":   conflict.Seats,
		})
	}

	var lost *status.LeaseLostError
	if errors.As(err, &lost) {
		return e.JSON(http.StatusGone, map[string]any{
			"error":    "lease_lost",
			"trip_id":  lost.TripID,
			"reselect": lost.Seats,
		})
	}

	var failed *status.PaymentFailedError
	if errors.As(err, &failed) {
		return e.JSON(http.StatusPaymentRequired, map[string]any{
			"error":      "payment_failed",
			"booking_id": failed.BookingID,
			"reason":     failed.Reason,
		})
	}

	for _, s := range sentinelStatus {
		if errors.Is(err, s.err) {
			return e.JSON(s.code, map[string]any{"error": s.name, "message": err.Error()})
		}
	}

	if status.IsTransient(err) {
		return e.JSON(http.StatusServiceUnavailable, map[string]any{"error": "unavailable", "message": err.Error()})
	}

	slog.Error("Unhandled request error", "path", e.Request.URL.Path, "error", err)
	return e.JSON(http.StatusInternalServerError, map[string]any{"error": "internal"})
}
