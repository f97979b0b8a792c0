// Package metrics holds the service's Prometheus collectors.  They are
// registered with the default registry and served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReservationOps counts coordinator operations.
	// op: hold/confirm/cancel, result: ok/noop/conflict/out_of_range/not_found/aborted/timeout/error
	ReservationOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_reservation_operations_total",
			Help: "Reservation coordinator operations by outcome.",
		},
		[]string{"op", "result"},
	)

	// ReservationRetries counts store contention retries.
	ReservationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transit_reservation_retries_total",
			Help: "Seat map transactions retried after store contention.",
		},
	)

	// CleanupFailures counts vehicles whose cross-fleet release failed.
	CleanupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "transit_reservation_cleanup_failures_total",
			Help: "Best-effort cross-fleet hold releases that failed.",
		},
	)

	// ETAPublishes counts ETA writes back to the store.
	ETAPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_eta_publishes_total",
			Help: "ETA writes by result (ok/unchanged/error).",
		},
		[]string{"result"},
	)

	// FeedEvents counts change feed events seen by the synchronizer.
	FeedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_feed_events_total",
			Help: "Change feed events processed by kind (fleet/observed).",
		},
		[]string{"kind"},
	)

	// OnlineVehicles is the number of vehicles reported recently.
	OnlineVehicles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "transit_vehicles_online",
			Help: "Vehicles whose last position report is within the staleness threshold.",
		},
	)

	// PositionsIngested counts position reports by source and result.
	PositionsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transit_positions_ingested_total",
			Help: "Position reports applied to the store by source (http/amqp/mqtt/gtfsrt).",
		},
		[]string{"source", "result"},
	)

	// RouteFetchLatency observes routing provider calls.
	RouteFetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transit_route_fetch_seconds",
			Help:    "Latency of routing provider requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		ReservationOps,
		ReservationRetries,
		CleanupFailures,
		ETAPublishes,
		FeedEvents,
		OnlineVehicles,
		PositionsIngested,
		RouteFetchLatency,
	)
}
