package handler

import (
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-seat-reservation/internal/geo"
	"github.com/iliyamo/transit-seat-reservation/internal/ingest"
	"github.com/iliyamo/transit-seat-reservation/internal/livestate"
	"github.com/iliyamo/transit-seat-reservation/internal/model"
	"github.com/iliyamo/transit-seat-reservation/internal/queue"
	"github.com/iliyamo/transit-seat-reservation/internal/route"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

// FleetHandler serves the fleet map: vehicles, routes and position
// reports.  Reads come from the live mirror, never from the store.
type FleetHandler struct {
	Live     *livestate.Synchronizer
	Store    store.Store
	Routes   *route.Registry
	Ingestor *ingest.Ingestor
	validate *validator.Validate
}

// NewFleetHandler wires a FleetHandler.
func NewFleetHandler(live *livestate.Synchronizer, st store.Store, routes *route.Registry, in *ingest.Ingestor) *FleetHandler {
	if live == nil || st == nil || routes == nil || in == nil {
		panic("nil dependency passed to NewFleetHandler")
	}
	return &FleetHandler{Live: live, Store: st, Routes: routes, Ingestor: in, validate: validator.New()}
}

// vehicleResponse adds the route colour to a mirror view.
type vehicleResponse struct {
	livestate.VehicleView
	Color string `json:"color,omitempty"`
}

func (h *FleetHandler) present(v livestate.VehicleView) vehicleResponse {
	out := vehicleResponse{VehicleView: v}
	if d, ok := h.Routes.Definition(v.Route); ok {
		out.Color = d.Color
	}
	return out
}

// ListVehicles handles GET /v1/vehicles.  Optional filters: route=<id>
// and online=true|false.
func (h *FleetHandler) ListVehicles(c echo.Context) error {
	routeID := c.QueryParam("route")
	online := strings.ToLower(c.QueryParam("online"))
	views := h.Live.Vehicles()
	out := make([]vehicleResponse, 0, len(views))
	for _, v := range views {
		if routeID != "" && v.Route != routeID {
			continue
		}
		if (online == "true" && !v.Online) || (online == "false" && v.Online) {
			continue
		}
		out = append(out, h.present(v))
	}
	return c.JSON(http.StatusOK, echo.Map{"vehicles": out})
}

// GetVehicle handles GET /v1/vehicles/:id.
func (h *FleetHandler) GetVehicle(c echo.Context) error {
	v, ok := h.Live.Vehicle(c.Param("id"))
	if !ok {
		return fail(livestate.ErrUnknownVehicle)
	}
	return c.JSON(http.StatusOK, h.present(v))
}

type registerRequest struct {
	ID     string `json:"id" validate:"required,max=64"`
	Route  string `json:"route" validate:"max=128"`
	Seats  int    `json:"seats" validate:"required,min=1,max=200"`
	Driver string `json:"driver" validate:"max=128"`
	Plate  string `json:"plate" validate:"max=32"`
}

// RegisterVehicle handles POST /v1/vehicles (ADMIN).  The vehicle starts
// with no fix and an empty seat map.
func (h *FleetHandler) RegisterVehicle(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return badRequest(err.Error())
	}
	if req.Route != "" {
		if _, ok := h.Routes.Definition(req.Route); !ok {
			return badRequest("unknown route " + req.Route)
		}
	}
	v := model.Vehicle{
		ID:     req.ID,
		Route:  req.Route,
		Driver: req.Driver,
		Plate:  req.Plate,
		Seats:  model.SeatMap{Total: req.Seats},
	}
	v.Seats.Normalize()
	if err := h.Store.Create(c.Request().Context(), v); err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusCreated, v)
}

// ReportPosition handles POST /v1/vehicles/:id/position (DRIVER, ADMIN).
// The path id wins over any vehicle_id in the body.
func (h *FleetHandler) ReportPosition(c echo.Context) error {
	var msg queue.PositionMessage
	if err := c.Bind(&msg); err != nil {
		return badRequest("invalid request body")
	}
	msg.VehicleID = c.Param("id")
	if err := h.Ingestor.Apply(c.Request().Context(), ingest.SourceHTTP, msg); err != nil {
		return fail(err)
	}
	return c.NoContent(http.StatusAccepted)
}

type routeResponse struct {
	route.Definition
	HasPath bool `json:"has_path"`
}

// ListRoutes handles GET /v1/routes.
func (h *FleetHandler) ListRoutes(c echo.Context) error {
	defs := h.Routes.Definitions()
	out := make([]routeResponse, 0, len(defs))
	for _, d := range defs {
		_, ok := h.Routes.Path(d.ID)
		out = append(out, routeResponse{Definition: d, HasPath: ok})
	}
	return c.JSON(http.StatusOK, echo.Map{"routes": out})
}

// RoutePath handles GET /v1/routes/:id/path.  It answers 503 until the
// routing provider has produced the polyline.
func (h *FleetHandler) RoutePath(c echo.Context) error {
	id := c.Param("id")
	d, ok := h.Routes.Definition(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown route")
	}
	path, ok := h.Routes.Path(id)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, route.ErrProviderUnavailable.Error())
	}
	return c.JSON(http.StatusOK, struct {
		ID    string      `json:"id"`
		Color string      `json:"color,omitempty"`
		Path  []geo.Point `json:"path"`
	}{d.ID, d.Color, path})
}
