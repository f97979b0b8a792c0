package model

import (
    "time"

    "github.com/iliyamo/transit-seat-reservation/internal/geo"
)

// Vehicle (a "unit" in the fleet) is one transit vehicle travelling a
// fixed route.  Vehicles are registered by fleet management, moved by
// position reports, and carry the seat map the reservation coordinator
// works on.  The core never deletes a vehicle; removal is observed as
// its disappearance from the change feed.
//
// Fields:
//  ID          – opaque document key.
//  Lat, Lng    – last raw GPS fix; nil when there is no recent fix.
//  Heading     – degrees clockwise from north, default 0.
//  Route       – route identifier, also used as the colour key.
//  LastUpdated – time of the last position report (server time).
//  ETA         – human readable ETA written by the synchronizer.
//  Seats       – seat map, see SeatMap.
//  Driver      – display name of the driver.
//  Plate       – licence plate.
type Vehicle struct {
    ID          string    `json:"id"`
    Lat         *float64  `json:"lat,omitempty"`
    Lng         *float64  `json:"lng,omitempty"`
    Heading     float64   `json:"heading"`
    Route       string    `json:"route"`
    LastUpdated time.Time `json:"lastUpdated"`
    ETA         string    `json:"eta,omitempty"`
    Seats       SeatMap   `json:"seats"`
    Driver      string    `json:"driver,omitempty"`
    Plate       string    `json:"plate,omitempty"`
}

// Position returns the raw fix and whether the vehicle has one.
func (v *Vehicle) Position() (geo.Point, bool) {
    if v.Lat == nil || v.Lng == nil {
        return geo.Point{}, false
    }
    return geo.Point{Lat: *v.Lat, Lng: *v.Lng}, true
}

// SetPosition records a new raw fix.
func (v *Vehicle) SetPosition(p geo.Point) {
    lat, lng := p.Lat, p.Lng
    v.Lat = &lat
    v.Lng = &lng
}

// Clone returns a deep copy so callers can never alias store or mirror state.
func (v Vehicle) Clone() Vehicle {
    out := v
    if v.Lat != nil {
        lat := *v.Lat
        out.Lat = &lat
    }
    if v.Lng != nil {
        lng := *v.Lng
        out.Lng = &lng
    }
    out.Seats = v.Seats.Clone()
    return out
}
