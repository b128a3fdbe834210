package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"bus-ticket/internal/lease"
	"bus-ticket/internal/realtime"
	"bus-ticket/internal/status"
	"bus-ticket/models"
	"bus-ticket/security"
)

type SeatHandler struct {
	leases        *lease.Manager
	server        *realtime.Server
	sessions      lease.SessionStore
	limiter       *security.RateLimiter
	identity      *Identity
	renewInterval time.Duration
	clock         clockwork.Clock
}

func NewSeatHandler(leases *lease.Manager, server *realtime.Server, sessions lease.SessionStore, limiter *security.RateLimiter, identity *Identity, renewInterval time.Duration, clock clockwork.Clock) *SeatHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SeatHandler{
		leases:        leases,
		server:        server,
		sessions:      sessions,
		limiter:       limiter,
		identity:      identity,
		renewInterval: renewInterval,
		clock:         clock,
	}
}

type seatsRequest struct {
	SeatIDs []string `json:"seat_ids"`
}

// Acquire holds seats for the caller, all or none.
func (h *SeatHandler) Acquire(e *core.RequestEvent) error {
	holderID, err := h.identity.HolderID(e)
	if err != nil {
		return err
	}
	if security.IsSuspiciousUserAgent(e.Request.UserAgent()) {
		return apis.NewForbiddenError("Access denied", nil)
	}
	var req seatsRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	ctx := e.Request.Context()
	allowed, err := h.limiter.Allow(ctx, "acquire", holderID)
	if err != nil {
		slog.Warn("Rate limiter unavailable", "holder_id", holderID, "error", err)
	}
	if !allowed {
		return e.JSON(http.StatusTooManyRequests, map[string]any{"error": "rate_limited"})
	}

	tripID := e.Request.PathValue("tripId")
	l, err := h.leases.Acquire(ctx, tripID, req.SeatIDs, holderID)
	if err != nil {
		return respondError(e, err)
	}
	h.saveSession(e, holderID, l.TripID, l.SeatIDs, l.ExpiresAt)
	return e.JSON(http.StatusOK, l)
}

// Renew extends the caller's hold. 410 means the seats are gone.
func (h *SeatHandler) Renew(e *core.RequestEvent) error {
	holderID, err := h.identity.HolderID(e)
	if err != nil {
		return err
	}
	var req seatsRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	tripID := e.Request.PathValue("tripId")
	reply, err := h.server.Send(e.Request.Context(), realtime.Command{
		Op:       realtime.OpRenew,
		TripID:   tripID,
		SeatIDs:  req.SeatIDs,
		HolderID: holderID,
	})
	if err != nil {
		return respondError(e, err)
	}
	h.saveSession(e, holderID, tripID, req.SeatIDs, reply.ExpiresAt)
	return e.JSON(http.StatusOK, map[string]any{"trip_id": tripID, "seat_ids": req.SeatIDs, "expires_at": reply.ExpiresAt})
}

func (h *SeatHandler) Release(e *core.RequestEvent) error {
	holderID, err := h.identity.HolderID(e)
	if err != nil {
		return err
	}
	var req seatsRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request", err)
	}

	ctx := e.Request.Context()
	tripID := e.Request.PathValue("tripId")
	if err := h.leases.Abandon(ctx, tripID, req.SeatIDs, holderID); err != nil {
		return respondError(e, err)
	}
	if err := h.sessions.Delete(ctx, holderID); err != nil {
		slog.Warn("Failed to drop checkout session", "holder_id", holderID, "error", err)
	}
	return e.JSON(http.StatusOK, map[string]any{"released": req.SeatIDs})
}

type seatView struct {
	SeatID   string           `json:"seat_id"`
	State    models.SeatState `json:"state"`
	HolderID string           `json:"holder_id,omitempty"`
	Version  int64            `json:"version"`
}

// Seats returns the authoritative snapshot for a trip, optionally limited
// to ?ids=a,b,c.
func (h *SeatHandler) Seats(e *core.RequestEvent) error {
	tripID := e.Request.PathValue("tripId")
	var ids []string
	if raw := e.Request.URL.Query().Get("ids"); raw != "" {
		ids = strings.Split(raw, ",")
	}

	reply, err := h.server.Send(e.Request.Context(), realtime.Command{Op: realtime.OpSync, TripID: tripID, SeatIDs: ids})
	if err != nil {
		return respondError(e, err)
	}

	now := h.clock.Now()
	seats := make([]seatView, 0, len(reply.Snapshot))
	available := 0
	for _, l := range reply.Snapshot {
		v := seatView{SeatID: l.SeatID, State: l.Availability(now), Version: l.Version}
		if v.State == models.SeatAvailable {
			available++
		} else {
			v.HolderID = l.HolderID
		}
		seats = append(seats, v)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"trip_id":         tripID,
		"seats":           seats,
		"available_seats": available,
	})
}

// Stream serves seat changes as server-sent events.
func (h *SeatHandler) Stream(e *core.RequestEvent) error {
	tripID := e.Request.PathValue("tripId")
	err := h.server.Stream(e.Request.Context(), e.Response, tripID)
	if err != nil && !errors.Is(err, e.Request.Context().Err()) {
		slog.Warn("Seat stream ended", "trip_id", tripID, "error", err)
	}
	return nil
}

// Command runs one realtime command as the caller.
func (h *SeatHandler) Command(e *core.RequestEvent) error {
	holderID, err := h.identity.HolderID(e)
	if err != nil {
		return err
	}
	var cmd realtime.Command
	if err := e.BindBody(&cmd); err != nil {
		return apis.NewBadRequestError("Invalid command", err)
	}
	cmd.HolderID = holderID
	if cmd.Op == realtime.OpAcquire {
		allowed, _ := h.limiter.Allow(e.Request.Context(), "acquire", holderID)
		if !allowed {
			return e.JSON(http.StatusTooManyRequests, map[string]any{"error": "rate_limited"})
		}
	}

	reply, err := h.server.Send(e.Request.Context(), cmd)
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, reply)
}

// Session reloads the caller's checkout after a page reload or restart
// and tells them which seats they still hold.
func (h *SeatHandler) Session(e *core.RequestEvent) error {
	holderID, err := h.identity.HolderID(e)
	if err != nil {
		return err
	}
	ctx := e.Request.Context()
	sess, err := h.sessions.Load(ctx, holderID)
	if err != nil {
		return respondError(e, err)
	}
	res, err := h.leases.Restore(ctx, sess)
	if err != nil {
		return respondError(e, err)
	}
	if err := h.sessions.Save(ctx, sess); err != nil {
		slog.Warn("Failed to save restored session", "holder_id", holderID, "error", err)
	}
	return e.JSON(http.StatusOK, map[string]any{
		"session":  sess,
		"held":     res.Held,
		"reselect": res.Reselect,
	})
}

func (h *SeatHandler) saveSession(e *core.RequestEvent, holderID, tripID string, seatIDs []string, expiresAt time.Time) {
	now := h.clock.Now()
	sess := &lease.Session{
		ID:            holderID,
		HolderID:      holderID,
		TripID:        tripID,
		SeatIDs:       seatIDs,
		HoldExpiresAt: expiresAt,
		Renewal: models.RenewalLease{
			TripID:          tripID,
			SeatIDs:         seatIDs,
			HolderID:        holderID,
			RenewalInterval: h.renewInterval,
			NextRenewalAt:   now.Add(h.renewInterval),
			ExpiresAt:       expiresAt,
		},
	}
	if prev, err := h.sessions.Load(e.Request.Context(), holderID); err == nil && prev.TripID == tripID {
		sess.BookingID = prev.BookingID
	} else if err != nil && !errors.Is(err, status.ErrSessionNotFound) {
		slog.Warn("Failed to load checkout session", "holder_id", holderID, "error", err)
	}
	if err := h.sessions.Save(e.Request.Context(), sess); err != nil {
		slog.Warn("Failed to save checkout session", "holder_id", holderID, "error", err)
	}
}
