package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-seat-reservation/internal/handler"
	"github.com/iliyamo/transit-seat-reservation/internal/middleware"
)

// RegisterPassenger registers the seat endpoints.  All routes require a
// valid JWT with the PASSENGER role; seat writes draw from the smaller
// write bucket.
func RegisterPassenger(e *echo.Echo, h *handler.ReservationHandler, o Options) {
	g := e.Group("/v1")
	auth := middleware.JWTAuth(o.JWTSecret)
	passenger := middleware.RequireRole(middleware.RolePassenger)
	reads := middleware.RateLimit(middleware.NewLimiter(o.RateLimit, o.Redis), o.Log)
	writes := middleware.RateLimit(middleware.NewLimiter(o.RateLimit.Writes(), o.Redis), o.Log)

	g.GET("/vehicles/:id/seats", h.Seats, auth, passenger, reads)
	g.GET("/me/reservation", h.Mine, auth, passenger, reads)
	g.POST("/vehicles/:id/seats/:seat/hold", h.Hold, auth, passenger, writes)
	g.POST("/vehicles/:id/seats/:seat/confirm", h.Confirm, auth, passenger, writes)
	g.DELETE("/vehicles/:id/reservation", h.Cancel, auth, passenger, writes)
}
