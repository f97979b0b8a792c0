package geo

import (
	"math"
	"testing"
)

const eps = 1e-9

func near(a, b Point) bool {
	return math.Abs(a.Lat-b.Lat) < eps && math.Abs(a.Lng-b.Lng) < eps
}

func TestProjectOntoSegment(t *testing.T) {
	a := Point{Lat: 0, Lng: 0}
	b := Point{Lat: 1, Lng: 0}

	tests := []struct {
		name string
		p    Point
		want Point
	}{
		{"interior", Point{Lat: 0.5, Lng: 0.5}, Point{Lat: 0.5, Lng: 0}},
		{"before start clamps to a", Point{Lat: -2, Lng: 0.3}, a},
		{"past end clamps to b", Point{Lat: 3, Lng: -1}, b},
		{"on segment", Point{Lat: 0.25, Lng: 0}, Point{Lat: 0.25, Lng: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProjectOntoSegment(a, b, tt.p); !near(got, tt.want) {
				t.Errorf("ProjectOntoSegment = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestProjectOntoSegment_ReferenceCase(t *testing.T) {
	a := Point{Lat: 0, Lng: 0}
	b := Point{Lat: 0, Lng: 1}
	got := ProjectOntoSegment(a, b, Point{Lat: 0.5, Lng: 0.5})
	if !near(got, Point{Lat: 0, Lng: 0.5}) {
		t.Fatalf("got %+v, want (0, 0.5)", got)
	}
}

func TestProjectOntoSegment_Degenerate(t *testing.T) {
	a := Point{Lat: 16.02, Lng: 120.36}
	if got := ProjectOntoSegment(a, a, Point{Lat: 17, Lng: 121}); got != a {
		t.Fatalf("degenerate segment should return a, got %+v", got)
	}
}

func TestNearestPointOnPolyline(t *testing.T) {
	path := []Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}}

	got := NearestPointOnPolyline(path, Point{Lat: 0.4, Lng: 1.3})
	if !near(got, Point{Lat: 0.4, Lng: 1}) {
		t.Errorf("got %+v, want (0.4, 1)", got)
	}

	got = NearestPointOnPolyline(path, Point{Lat: -0.2, Lng: 0.5})
	if !near(got, Point{Lat: 0, Lng: 0.5}) {
		t.Errorf("got %+v, want (0, 0.5)", got)
	}
}

func TestNearestPointOnPolyline_TieKeepsFirstSegment(t *testing.T) {
	// Out and back over the same line: both segments project to the same
	// distance and the first one must win.
	path := []Point{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 2}, {Lat: 0, Lng: 0}}
	p := Point{Lat: 1, Lng: 1}
	if got := NearestPointOnPolyline(path, p); !near(got, Point{Lat: 0, Lng: 1}) {
		t.Fatalf("got %+v", got)
	}
}

func TestNearestPointOnPolyline_EmptyAndSingle(t *testing.T) {
	p := Point{Lat: 15.9, Lng: 120.4}
	if got := NearestPointOnPolyline(nil, p); got != p {
		t.Errorf("empty path should return p, got %+v", got)
	}
	only := Point{Lat: 16, Lng: 120}
	if got := NearestPointOnPolyline([]Point{only}, p); got != only {
		t.Errorf("single point path should return the point, got %+v", got)
	}
}

func TestHaversine(t *testing.T) {
	// One degree of latitude is ~111.2 km.
	d := Haversine(Point{Lat: 0, Lng: 0}, Point{Lat: 1, Lng: 0})
	if math.Abs(d-111195) > 50 {
		t.Fatalf("Haversine = %.0f, want ~111195", d)
	}
	if Haversine(Point{Lat: 10, Lng: 10}, Point{Lat: 10, Lng: 10}) != 0 {
		t.Fatal("distance to self should be 0")
	}
}

func TestBearing(t *testing.T) {
	if b := Bearing(Point{Lat: 0, Lng: 0}, Point{Lat: 1, Lng: 0}); math.Abs(b) > 1e-6 {
		t.Errorf("north bearing = %f", b)
	}
	if b := Bearing(Point{Lat: 0, Lng: 0}, Point{Lat: 0, Lng: 1}); math.Abs(b-90) > 1e-6 {
		t.Errorf("east bearing = %f", b)
	}
}

func TestNearestIndexAndRemainingDistance(t *testing.T) {
	path := []Point{{Lat: 0, Lng: 0}, {Lat: 0.01, Lng: 0}, {Lat: 0.02, Lng: 0}, {Lat: 0.03, Lng: 0}}

	if i := NearestIndex(path, Point{Lat: 0.011, Lng: 0.001}); i != 1 {
		t.Fatalf("NearestIndex = %d, want 1", i)
	}
	if i := NearestIndex(nil, Point{}); i != -1 {
		t.Fatalf("NearestIndex(empty) = %d, want -1", i)
	}

	full := LineLength(path)
	rest := RemainingDistance(path, 1)
	seg := Haversine(path[0], path[1])
	if math.Abs(full-rest-seg) > 1e-6 {
		t.Fatalf("full=%f rest=%f seg=%f", full, rest, seg)
	}
	if RemainingDistance(path, len(path)-1) != 0 {
		t.Fatal("remaining distance from last vertex should be 0")
	}
	if RemainingDistance(path, 99) != 0 || RemainingDistance(path, -1) != 0 {
		t.Fatal("out of range index should yield 0")
	}
}
