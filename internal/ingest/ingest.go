// Package ingest applies vehicle position reports to the store.  Reports
// arrive over HTTP, the vehicle.position AMQP queue, MQTT telemetry and
// GTFS-Realtime feeds; all of them end in Ingestor.Apply.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/iliyamo/transit-seat-reservation/internal/geo"
	"github.com/iliyamo/transit-seat-reservation/internal/metrics"
	"github.com/iliyamo/transit-seat-reservation/internal/model"
	"github.com/iliyamo/transit-seat-reservation/internal/queue"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

// Report sources, used as the metrics label.
const (
	SourceHTTP   = "http"
	SourceAMQP   = "amqp"
	SourceMQTT   = "mqtt"
	SourceGTFSRT = "gtfsrt"
)

var (
	// ErrInvalidReport: the report failed validation.
	ErrInvalidReport = errors.New("ingest: invalid position report")
	// ErrUnknownVehicle: no vehicle with the report's id is registered.
	ErrUnknownVehicle = errors.New("ingest: unknown vehicle")
)

// Ingestor writes position reports through the store.
type Ingestor struct {
	store    store.Store
	validate *validator.Validate
	log      *zap.Logger
	now      func() time.Time
}

// New returns an ingestor.
func New(st store.Store, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		store:    st,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log.Named("ingest"),
		now:      time.Now,
	}
}

// Apply records msg as the vehicle's latest fix.  A report older than the
// one already stored is dropped, so redelivered or reordered messages
// cannot move a vehicle backwards.  Device timestamps never run ahead of
// the server clock.  The heading is derived from the
// previous fix when the report carries none.
func (in *Ingestor) Apply(ctx context.Context, source string, msg queue.PositionMessage) (err error) {
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrInvalidReport):
			result = "invalid"
		case errors.Is(err, ErrUnknownVehicle):
			result = "unknown"
		case err != nil:
			result = "error"
		}
		metrics.PositionsIngested.WithLabelValues(source, result).Inc()
	}()

	if err := in.validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	now := in.now()
	at := msg.ReportedAt
	if at.IsZero() || at.After(now) {
		at = now
	}
	at = at.UTC()
	fix := geo.Point{Lat: msg.Lat, Lng: msg.Lng}

	err = in.store.Update(ctx, msg.VehicleID, func(v *model.Vehicle) (bool, error) {
		if !v.LastUpdated.IsZero() && at.Before(v.LastUpdated) {
			return false, nil
		}
		switch {
		case msg.Heading != nil:
			v.Heading = *msg.Heading
		default:
			if prev, ok := v.Position(); ok && geo.Haversine(prev, fix) > 1 {
				v.Heading = geo.Bearing(prev, fix)
			}
		}
		v.SetPosition(fix)
		if msg.Route != "" {
			v.Route = msg.Route
		}
		v.LastUpdated = at
		return true, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownVehicle, msg.VehicleID)
	}
	if err != nil {
		in.log.Warn("position update failed", zap.String("source", source), zap.String("vehicle", msg.VehicleID), zap.Error(err))
	}
	return err
}
