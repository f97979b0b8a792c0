package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-seat-reservation/internal/ingest"
	"github.com/iliyamo/transit-seat-reservation/internal/livestate"
	"github.com/iliyamo/transit-seat-reservation/internal/reservation"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, reservation.ErrSeatOutOfRange),
		errors.Is(err, reservation.ErrNoOccupant),
		errors.Is(err, ingest.ErrInvalidReport):
		return http.StatusBadRequest
	case errors.Is(err, reservation.ErrSeatConflict),
		errors.Is(err, store.ErrExists):
		return http.StatusConflict
	case errors.Is(err, reservation.ErrVehicleNotFound),
		errors.Is(err, livestate.ErrUnknownVehicle),
		errors.Is(err, ingest.ErrUnknownVehicle),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, reservation.ErrTransactionAborted):
		return http.StatusServiceUnavailable
	case errors.Is(err, reservation.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// fail converts err into an *echo.HTTPError carrying err as its internal
// cause, so the request logger sees it.  Unexpected errors are not echoed
// to the client.
func fail(err error) error {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	return echo.NewHTTPError(code, msg).SetInternal(err)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

// ErrorHandler renders every error as {"error": message}.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := any("internal error")
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = he.Message
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, echo.Map{"error": msg})
}
