// Package route turns a raw GPS fix into a position on the route and an
// estimated time of arrival, and owns the polylines those calculations
// run on.
package route

import (
	"fmt"
	"math"
	"time"

	"github.com/iliyamo/transit-seat-reservation/internal/geo"
)

// DefaultSpeedMps is the assumed average speed (30 km/h) used when none is
// configured.
const DefaultSpeedMps = 30.0 * 1000 / 3600

// Snap projects raw onto the nearest point of path.
func Snap(path []geo.Point, raw geo.Point) geo.Point {
	return geo.NearestPointOnPolyline(path, raw)
}

// EstimateETA finds the path vertex nearest to raw, sums the great-circle
// distance from there to the end of the path and divides it by speedMps.
// The result is rounded to whole minutes.  It returns false when the path
// is empty or the speed is not positive.
//
// speedMps is a fixed assumed average, not a speed measured from telemetry,
// so the estimate ignores traffic, dwell time at stops and the vehicle's
// actual pace.
func EstimateETA(path []geo.Point, raw geo.Point, speedMps float64) (time.Duration, bool) {
	if len(path) == 0 || speedMps <= 0 {
		return 0, false
	}
	i := geo.NearestIndex(path, raw)
	seconds := geo.RemainingDistance(path, i) / speedMps
	minutes := math.Round(seconds / 60)
	return time.Duration(minutes) * time.Minute, true
}

// FormatETA renders an ETA for display.  The string is what gets published
// to the vehicle document.
func FormatETA(d time.Duration) string {
	m := int(d / time.Minute)
	switch {
	case m <= 0:
		return "Arriving"
	case m < 60:
		return fmt.Sprintf("%d min", m)
	default:
		return fmt.Sprintf("%dh %02dm", m/60, m%60)
	}
}

// Projector binds the assumed speed so callers only pass geometry.  It is
// pure: publishing the result is the caller's job.
type Projector struct {
	SpeedMps float64
}

// NewProjector returns a projector for the given assumed speed.  A
// non-positive speed falls back to DefaultSpeedMps.
func NewProjector(speedMps float64) *Projector {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return &Projector{SpeedMps: speedMps}
}

// Snap is the package-level Snap.
func (p *Projector) Snap(path []geo.Point, raw geo.Point) geo.Point {
	return Snap(path, raw)
}

// ETA estimates the time to the end of path and renders it.  ok is false
// when no estimate is possible.
func (p *Projector) ETA(path []geo.Point, raw geo.Point) (d time.Duration, text string, ok bool) {
	d, ok = EstimateETA(path, raw, p.SpeedMps)
	if !ok {
		return 0, "", false
	}
	return d, FormatETA(d), true
}
