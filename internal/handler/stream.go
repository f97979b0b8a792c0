package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/transit-seat-reservation/internal/livestate"
)

// StreamHandler pushes live state to map clients and manages the focused
// vehicle.
type StreamHandler struct {
	Live      *livestate.Synchronizer
	Heartbeat time.Duration
}

// NewStreamHandler wires a StreamHandler.
func NewStreamHandler(live *livestate.Synchronizer) *StreamHandler {
	if live == nil {
		panic("nil synchronizer passed to NewStreamHandler")
	}
	return &StreamHandler{Live: live, Heartbeat: 15 * time.Second}
}

// streamEvent is the data of one SSE message.  Exactly one of Vehicles and
// Vehicle is set, depending on the change kind.
type streamEvent struct {
	livestate.Change
	Vehicles []livestate.VehicleView `json:"vehicles,omitempty"`
	Vehicle  *livestate.VehicleView  `json:"vehicle,omitempty"`
}

func (h *StreamHandler) eventFor(ch livestate.Change) streamEvent {
	ev := streamEvent{Change: ch}
	switch ch.Kind {
	case livestate.ChangeFleet:
		ev.Vehicles = h.Live.Vehicles()
	case livestate.ChangeObserved:
		if v, ok := h.Live.Observed(); ok {
			ev.Vehicle = &v
		}
	}
	return ev
}

// Stream handles GET /v1/stream as Server-Sent Events.  A fleet snapshot
// is sent first, then one event per change; comments keep idle proxies
// from closing the connection.
func (h *StreamHandler) Stream(c echo.Context) error {
	ctx := c.Request().Context()
	sub := h.Live.Subscribe(ctx)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(ev streamEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if err := send(h.eventFor(livestate.Change{Kind: livestate.ChangeFleet, At: time.Now().UTC()})); err != nil {
		return nil
	}

	beat := time.NewTicker(h.Heartbeat)
	defer beat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			return nil
		case ch, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := send(h.eventFor(ch)); err != nil {
				return nil
			}
		case <-beat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}

// Observed handles GET /v1/observed: the focused vehicle, or 204 when
// nothing is observed.
func (h *StreamHandler) Observed(c echo.Context) error {
	v, ok := h.Live.Observed()
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, v)
}

// Observe handles PUT /v1/observed with {"vehicle_id": "..."}.
func (h *StreamHandler) Observe(c echo.Context) error {
	var req struct {
		VehicleID string `json:"vehicle_id"`
	}
	if err := c.Bind(&req); err != nil || req.VehicleID == "" {
		return badRequest("vehicle_id is required")
	}
	if err := h.Live.Observe(c.Request().Context(), req.VehicleID); err != nil {
		return fail(err)
	}
	return c.JSON(http.StatusOK, echo.Map{"vehicle_id": req.VehicleID})
}

// ClearObserved handles DELETE /v1/observed.
func (h *StreamHandler) ClearObserved(c echo.Context) error {
	h.Live.ClearObservation()
	return c.NoContent(http.StatusNoContent)
}
