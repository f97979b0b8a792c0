package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-seat-reservation/internal/handler"
	"github.com/iliyamo/transit-seat-reservation/internal/middleware"
)

// RegisterFleetOps registers the write side of the fleet: drivers report
// positions, admins register vehicles.
func RegisterFleetOps(e *echo.Echo, h *handler.FleetHandler, o Options) {
	g := e.Group("/v1")
	auth := middleware.JWTAuth(o.JWTSecret)
	writes := middleware.RateLimit(middleware.NewLimiter(o.RateLimit.Writes(), o.Redis), o.Log)

	g.POST("/vehicles/:id/position", h.ReportPosition, auth, middleware.RequireRole(middleware.RoleDriver), writes)
	g.POST("/vehicles", h.RegisterVehicle, auth, middleware.RequireRole(middleware.RoleAdmin))
}
