package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-seat-reservation/internal/middleware"
	"github.com/iliyamo/transit-seat-reservation/internal/reservation"
)

// ReservationHandler exposes the reservation coordinator to passengers.
// The occupant is always the JWT subject; JWTAuth and RequireRole run
// before every method.
type ReservationHandler struct {
	Coordinator *reservation.Coordinator
}

// NewReservationHandler wires a ReservationHandler.
func NewReservationHandler(coord *reservation.Coordinator) *ReservationHandler {
	if coord == nil {
		panic("nil coordinator passed to NewReservationHandler")
	}
	return &ReservationHandler{Coordinator: coord}
}

func seatParam(c echo.Context) (int, error) {
	seat, err := strconv.Atoi(c.Param("seat"))
	if err != nil {
		return 0, badRequest("invalid seat number")
	}
	return seat, nil
}

// Seats handles GET /v1/vehicles/:id/seats: the whole grid as seen by the
// caller, so their own hold shows as RESERVED_BY_VIEWER.
func (h *ReservationHandler) Seats(c echo.Context) error {
	id := c.Param("id")
	seats, err := h.Coordinator.SeatStates(c.Request().Context(), id, middleware.Occupant(c))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"vehicle_id": id, "total": len(seats), "seats": seats})
}

// Hold handles POST /v1/vehicles/:id/seats/:seat/hold.  Any reservation
// the caller has elsewhere is released.
func (h *ReservationHandler) Hold(c echo.Context) error {
	seat, err := seatParam(c)
	if err != nil {
		return err
	}
	res, err := h.Coordinator.Hold(c.Request().Context(), middleware.Occupant(c), c.Param("id"), seat)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Confirm handles POST /v1/vehicles/:id/seats/:seat/confirm.  Confirming
// a seat the caller does not hold is a no-op that returns the caller's
// current reservation on the vehicle.
func (h *ReservationHandler) Confirm(c echo.Context) error {
	seat, err := seatParam(c)
	if err != nil {
		return err
	}
	res, err := h.Coordinator.Confirm(c.Request().Context(), middleware.Occupant(c), c.Param("id"), seat)
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Cancel handles DELETE /v1/vehicles/:id/reservation.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	res, err := h.Coordinator.Cancel(c.Request().Context(), middleware.Occupant(c), c.Param("id"))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, res)
}

// Mine handles GET /v1/me/reservation.
func (h *ReservationHandler) Mine(c echo.Context) error {
	res, err := h.Coordinator.Current(c.Request().Context(), middleware.Occupant(c))
	if err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, res)
}
