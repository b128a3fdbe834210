package handlers

import (
	"context"
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"bus-ticket/internal/booking"
)

type sweeper interface {
	RunOnce(ctx context.Context) (int, error)
}

// AdminHandler exposes the background jobs for operators who cannot wait
// for the next tick.
type AdminHandler struct {
	ctrl    *booking.Controller
	sweeper sweeper
}

func NewAdminHandler(ctrl *booking.Controller, sweeper sweeper) *AdminHandler {
	return &AdminHandler{ctrl: ctrl, sweeper: sweeper}
}

func (h *AdminHandler) guard(e *core.RequestEvent) error {
	if !e.HasSuperuserAuth() {
		return apis.NewUnauthorizedError("Admin access required", nil)
	}
	return nil
}

func (h *AdminHandler) Sweep(e *core.RequestEvent) error {
	if err := h.guard(e); err != nil {
		return err
	}
	n, err := h.sweeper.RunOnce(e.Request.Context())
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"expired_holds": n})
}

func (h *AdminHandler) ExpireStale(e *core.RequestEvent) error {
	if err := h.guard(e); err != nil {
		return err
	}
	n, err := h.ctrl.ExpireStale(e.Request.Context())
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"ended_bookings": n})
}

func (h *AdminHandler) Reconcile(e *core.RequestEvent) error {
	if err := h.guard(e); err != nil {
		return err
	}
	n, err := h.ctrl.Reconcile(e.Request.Context())
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, map[string]any{"reconciled": n})
}

// Complete closes a paid booking after its trip ran.
func (h *AdminHandler) Complete(e *core.RequestEvent) error {
	if err := h.guard(e); err != nil {
		return err
	}
	b, err := h.ctrl.Complete(e.Request.Context(), e.Request.PathValue("id"))
	if err != nil {
		return respondError(e, err)
	}
	return e.JSON(http.StatusOK, b)
}
