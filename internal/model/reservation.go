package model

// ReservationState is the lifecycle state of an occupant's reservation.
type ReservationState string

const (
    ReservationNone      ReservationState = "NONE"
    ReservationHeld      ReservationState = "HELD"
    ReservationConfirmed ReservationState = "CONFIRMED"
    ReservationCancelled ReservationState = "CANCELLED"
)

// Reservation is the derived relation between an occupant and a seat.  It
// is not stored on its own: it is read out of a vehicle's SeatMap.
//
// Fields:
//  Occupant  – passenger identity (JWT subject).
//  VehicleID – vehicle holding the seat; empty when State is NONE.
//  Seat      – seat number; 0 when State is NONE.
//  State     – HELD, CONFIRMED, CANCELLED or NONE.
type Reservation struct {
    Occupant  string           `json:"occupant"`
    VehicleID string           `json:"vehicle_id,omitempty"`
    Seat      int              `json:"seat,omitempty"`
    State     ReservationState `json:"state"`
}

// ReservationOf derives the occupant's reservation on v.
func ReservationOf(v *Vehicle, occupant string) Reservation {
    if seat, ok := v.Seats.Reserved[occupant]; ok {
        return Reservation{Occupant: occupant, VehicleID: v.ID, Seat: seat, State: ReservationHeld}
    }
    if seat, ok := v.Seats.Confirmed[occupant]; ok {
        return Reservation{Occupant: occupant, VehicleID: v.ID, Seat: seat, State: ReservationConfirmed}
    }
    return Reservation{Occupant: occupant, State: ReservationNone}
}

// SeatState is the viewer-relative state of one seat.
type SeatState string

const (
    SeatAvailable        SeatState = "AVAILABLE"
    SeatTaken            SeatState = "TAKEN"
    SeatReservedByViewer SeatState = "RESERVED_BY_VIEWER"
)
