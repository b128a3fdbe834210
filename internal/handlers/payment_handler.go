package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"

	"bus-ticket/internal/booking"
	"bus-ticket/internal/lease"
	"bus-ticket/internal/services/payment"
	"bus-ticket/internal/status"
	"bus-ticket/models"
)

type BookingHandler struct {
	ctrl     *booking.Controller
	payments *payment.Registry
	sessions lease.SessionStore
	identity *Identity
}

func NewBookingHandler(ctrl *booking.Controller, payments *payment.Registry, sessions lease.SessionStore, identity *Identity) *BookingHandler {
	return &BookingHandler{ctrl: ctrl, payments: payments, sessions: sessions, identity: identity}
}

// owned loads the booking in the path and checks it belongs to the caller.
func (h *BookingHandler) owned(e *core.RequestEvent) (*models.Booking, string, error) {
	holderID, err := h.identity.HolderID(e)
	if err != nil {
		return nil, "", err
	}
	b, err := h.ctrl.Get(e.Request.Context(), e.Request.PathValue("id"))
	if err != nil {
		return nil, holderID, err
	}
	if b.HolderID != holderID && !e.HasSuperuserAuth() {
		return nil, holderID, status.ErrForbidden
	}
	return b, holderID, nil
}

func (h *BookingHandler) Create(e *core.RequestEvent) error {
	holderID, err := h.identity.HolderID(e)
	if err != nil {
		return err
	}
	var req booking.CreateRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	req.HolderID = holderID
	if e.Auth == nil {
		req.Customer.GuestSession = holderID
	}

	b, err := h.ctrl.CreateBooking(e.Request.Context(), req)
	if err != nil {
		return respondError(e, err)
	}
	h.attachSession(e, b)
	return e.JSON(http.StatusCreated, b)
}

func (h *BookingHandler) Get(e *core.RequestEvent) error {
	b, _, err := h.owned(e)
	if err != nil {
		return h.fail(e, err)
	}
	return e.JSON(http.StatusOK, b)
}

// StartPayment opens a payment with {"provider": "momo"} (the default) and
// returns where to send the customer.
func (h *BookingHandler) StartPayment(e *core.RequestEvent) error {
	b, _, err := h.owned(e)
	if err != nil {
		return h.fail(e, err)
	}
	var req struct {
		Provider string `json:"provider"`
	}
	if e.Request.ContentLength > 0 {
		if err := e.BindBody(&req); err != nil {
			return apis.NewBadRequestError("Invalid request", err)
		}
	}
	if req.Provider == "" {
		req.Provider = payment.ProviderMomo
	}

	sess, err := h.ctrl.StartPayment(e.Request.Context(), b.ID, req.Provider)
	if err != nil {
		return respondError(e, err)
	}
	h.attachSession(e, b)
	return e.JSON(http.StatusOK, sess)
}

// attachSession records the booking on the holder's checkout session so a
// reloaded page can find the payment it was waiting on.
func (h *BookingHandler) attachSession(e *core.RequestEvent, b *models.Booking) {
	if h.sessions == nil {
		return
	}
	ctx := e.Request.Context()
	sess, err := h.sessions.Load(ctx, b.HolderID)
	if err != nil || sess.TripID != b.TripID {
		if err != nil && !errors.Is(err, status.ErrSessionNotFound) {
			slog.Warn("Failed to load checkout session", "holder_id", b.HolderID, "error", err)
		}
		sess = &lease.Session{
			ID:            b.HolderID,
			HolderID:      b.HolderID,
			TripID:        b.TripID,
			SeatIDs:       b.SeatGroups()[b.TripID],
			HoldExpiresAt: b.HoldExpiresAt,
		}
	}
	sess.BookingID = b.ID
	if err := h.sessions.Save(ctx, sess); err != nil {
		slog.Warn("Failed to save checkout session", "holder_id", b.HolderID, "booking_id", b.ID, "error", err)
	}
}

// Confirm settles a booking through the bypass provider.
func (h *BookingHandler) Confirm(e *core.RequestEvent) error {
	b, _, err := h.owned(e)
	if err != nil {
		return h.fail(e, err)
	}
	paid, err := h.ctrl.ConfirmBypass(e.Request.Context(), b.ID)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, paid)
}

func (h *BookingHandler) Cancel(e *core.RequestEvent) error {
	holderID, err := h.identity.HolderID(e)
	if err != nil {
		return err
	}
	if userID := e.Request.URL.Query().Get("userId"); userID != "" && userID != holderID {
		return respondError(e, status.ErrForbidden)
	}
	b, err := h.ctrl.Cancel(e.Request.Context(), e.Request.PathValue("id"), holderID)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, b)
}

// MomoIPN applies the provider's payment notification. A payment that
// failed, or arrived after the seats were lost, is still a handled
// notification; only errors worth a provider retry get a non-2xx.
func (h *BookingHandler) MomoIPN(e *core.RequestEvent) error {
	body, err := io.ReadAll(io.LimitReader(e.Request.Body, 1<<20))
	if err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}
	p, err := h.payments.Get(payment.ProviderMomo)
	if err != nil {
		return apis.NewNotFoundError("MoMo is not configured", err)
	}
	res, err := p.VerifyCallback(body)
	if err != nil {
		slog.Warn("Rejected MoMo notification", "error", err)
		return respondError(e, err)
	}

	_, err = h.ctrl.ConfirmPayment(e.Request.Context(), res.BookingID, res)
	var failed *status.PaymentFailedError
	var lost *status.LeaseLostError
	switch {
	case err == nil, errors.As(err, &failed), errors.As(err, &lost):
		return e.NoContent(http.StatusNoContent)
	case errors.Is(err, status.ErrInvalidTransition), errors.Is(err, status.ErrBookingNotFound):
		slog.Error("MoMo notification for a booking that cannot take it", "booking_id", res.BookingID, "transaction_id", res.TransactionID, "error", err)
		return e.NoContent(http.StatusNoContent)
	}
	return respondError(e, err)
}

// fail maps auth errors raised by PocketBase helpers as they are and
// everything else through respondError.
func (h *BookingHandler) fail(e *core.RequestEvent, err error) error {
	var apiErr *router.ApiError
	if errors.As(err, &apiErr) {
		return err
	}
	return respondError(e, err)
}

// ChangeTicket moves a ticket to another trip or seat. Staff only.
func (h *BookingHandler) ChangeTicket(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return apis.NewForbiddenError("Only staff can change tickets", nil)
	}
	var req struct {
		TripID string `json:"trip_id"`
		SeatID string `json:"seat_id"`
		Reason string `json:"reason"`
	}
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	b, err := h.ctrl.ChangeTicket(e.Request.Context(), e.Request.PathValue("id"), req.TripID, strings.TrimSpace(req.SeatID), req.Reason)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, b)
}
