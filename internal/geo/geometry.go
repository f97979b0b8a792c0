// Package geo holds the planar and great-circle helpers used to place a
// vehicle on its route.  Projection works in a local planar approximation
// where longitude is x and latitude is y; that is good enough at city scale
// but is not geodesically exact.  Distances along the route use the
// haversine formula.
package geo

import "math"

const earthRadiusMeters = 6371000

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-90,lte=90"`
	Lng float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
}

// ProjectOntoSegment returns the point on the closed segment [a, b] that is
// closest to p.  The scalar projection is clamped to [0, 1].  A degenerate
// segment (a == b) returns a.
func ProjectOntoSegment(a, b, p Point) Point {
	abx, aby := b.Lng-a.Lng, b.Lat-a.Lat
	apx, apy := p.Lng-a.Lng, p.Lat-a.Lat

	denom := abx*abx + aby*aby
	if denom == 0 {
		return a
	}
	t := Clamp((abx*apx+aby*apy)/denom, 0, 1)
	return Point{Lat: a.Lat + aby*t, Lng: a.Lng + abx*t}
}

// NearestPointOnPolyline projects p onto every consecutive pair of path and
// returns the projection with the smallest squared planar distance.  Ties
// keep the earliest segment.  An empty path returns p unchanged and a
// single-point path returns that point.
func NearestPointOnPolyline(path []Point, p Point) Point {
	switch len(path) {
	case 0:
		return p
	case 1:
		return path[0]
	}

	best := p
	minD := math.Inf(1)
	for i := 0; i < len(path)-1; i++ {
		proj := ProjectOntoSegment(path[i], path[i+1], p)
		if d := squaredPlanar(proj, p); d < minD {
			minD = d
			best = proj
		}
	}
	return best
}

func squaredPlanar(a, b Point) float64 {
	dx, dy := a.Lng-b.Lng, a.Lat-b.Lat
	return dx*dx + dy*dy
}

// Haversine calculates the great-circle distance between two points in meters.
func Haversine(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	deltaPhi := (b.Lat - a.Lat) * math.Pi / 180
	deltaLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(deltaPhi/2)*math.Sin(deltaPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(deltaLambda/2)*math.Sin(deltaLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// Bearing calculates the initial bearing from a to b in degrees (0-360).
func Bearing(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	deltaLambda := (b.Lng - a.Lng) * math.Pi / 180

	x := math.Sin(deltaLambda) * math.Cos(phi2)
	y := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(deltaLambda)

	bearing := math.Atan2(x, y) * 180 / math.Pi
	return math.Mod(bearing+360, 360)
}

// NearestIndex returns the index of the path vertex closest to p by
// great-circle distance, or -1 for an empty path.  Ties keep the first vertex.
func NearestIndex(path []Point, p Point) int {
	minDist := math.MaxFloat64
	minIdx := -1
	for i, v := range path {
		if d := Haversine(v, p); d < minDist {
			minDist = d
			minIdx = i
		}
	}
	return minIdx
}

// RemainingDistance sums the great-circle segment lengths from path[from]
// to the last vertex.  Out-of-range indexes yield 0.
func RemainingDistance(path []Point, from int) float64 {
	if from < 0 || from >= len(path) {
		return 0
	}
	var total float64
	for i := from + 1; i < len(path); i++ {
		total += Haversine(path[i-1], path[i])
	}
	return total
}

// LineLength calculates the total length of a path in meters.
func LineLength(path []Point) float64 {
	return RemainingDistance(path, 0)
}

// Clamp constrains a value between min and max.
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
