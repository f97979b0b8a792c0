package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-seat-reservation/internal/ingest"
	"github.com/iliyamo/transit-seat-reservation/internal/reservation"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{reservation.ErrSeatOutOfRange, http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", ingest.ErrInvalidReport), http.StatusBadRequest},
		{reservation.ErrSeatConflict, http.StatusConflict},
		{store.ErrExists, http.StatusConflict},
		{reservation.ErrVehicleNotFound, http.StatusNotFound},
		{ingest.ErrUnknownVehicle, http.StatusNotFound},
		{reservation.ErrTransactionAborted, http.StatusServiceUnavailable},
		{reservation.ErrTimeout, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(tt.err); got != tt.want {
			t.Errorf("statusOf(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestErrorHandler_HidesInternalErrors(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	ErrorHandler(fail(errors.New("dsn password leaked")), c)
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != "{\"error\":\"internal error\"}\n" {
		t.Fatalf("response = %d %q", rec.Code, rec.Body)
	}
}

func TestReady(t *testing.T) {
	e := echo.New()
	for _, tt := range []struct {
		check func(context.Context) error
		want  int
	}{
		{func(context.Context) error { return nil }, http.StatusOK},
		{func(context.Context) error { return errors.New("down") }, http.StatusServiceUnavailable},
	} {
		rec := httptest.NewRecorder()
		if err := Ready(tt.check)(e.NewContext(httptest.NewRequest(http.MethodGet, "/readyz", nil), rec)); err != nil {
			t.Fatal(err)
		}
		if rec.Code != tt.want {
			t.Errorf("status = %d, want %d", rec.Code, tt.want)
		}
	}
}
