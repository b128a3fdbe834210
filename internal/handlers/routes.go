// Package handlers serves the seat and booking API on the PocketBase
// router.
package handlers

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"bus-ticket/utils"
)

type Routes struct {
	Identity *Identity
	Seats    *SeatHandler
	Bookings *BookingHandler
	Admin    *AdminHandler
	// Redis is pinged by /health when set.
	Redis         redis.Cmdable
	EnableMetrics bool
	Bypass        bool
}

func (r *Routes) Register(rt *router.Router[*core.RequestEvent]) {
	v1 := rt.Group("/api/v1")

	v1.POST("/sessions/guest", r.Identity.StartGuest)
	v1.GET("/sessions/current", r.Seats.Session)

	v1.POST("/trips/{tripId}/locks", r.Seats.Acquire)
	v1.PUT("/trips/{tripId}/locks", r.Seats.Renew)
	v1.DELETE("/trips/{tripId}/locks", r.Seats.Release)
	v1.GET("/trips/{tripId}/seats", r.Seats.Seats)
	v1.GET("/trips/{tripId}/seats/stream", r.Seats.Stream)
	v1.POST("/realtime/commands", r.Seats.Command)

	v1.POST("/bookings", r.Bookings.Create)
	v1.GET("/bookings/{id}", r.Bookings.Get)
	v1.POST("/bookings/{id}/payment", r.Bookings.StartPayment)
	v1.POST("/bookings/{id}/cancel", r.Bookings.Cancel)
	if r.Bypass {
		v1.POST("/bookings/{id}/confirm", r.Bookings.Confirm)
	}
	v1.PUT("/tickets/{id}/change", r.Bookings.ChangeTicket)
	v1.POST("/payments/momo/ipn", r.Bookings.MomoIPN)

	v1.POST("/admin/sweep", r.Admin.Sweep)
	v1.POST("/admin/expire", r.Admin.ExpireStale)
	v1.POST("/admin/reconcile", r.Admin.Reconcile)
	v1.POST("/admin/bookings/{id}/complete", r.Admin.Complete)

	rt.GET("/health", r.Health)
	if r.EnableMetrics {
		rt.GET("/metrics", apis.WrapStdHandler(promhttp.Handler()))
	}
}

func (r *Routes) Health(e *core.RequestEvent) error {
	if r.Redis != nil {
		if err := utils.RedisHealthCheck(e.Request.Context(), r.Redis); err != nil {
			return e.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return e.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
