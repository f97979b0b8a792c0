package model

import "sort"

// SeatMap belongs to exactly one Vehicle.  Seats are numbered 1..Total.
//
// Fields:
//  Total     – fixed capacity, always > 0.
//  Taken     – seat numbers currently occupied, held seats included.
//  Reserved  – occupant id -> provisionally held seat.
//  Confirmed – occupant id -> seat finalised by that occupant.
//
// A held seat is always in Taken, no seat is held by two occupants, and an
// occupant is never in both Reserved and Confirmed of the same vehicle.
type SeatMap struct {
    Total     int            `json:"total"`
    Taken     []int          `json:"taken"`
    Reserved  map[string]int `json:"reserved"`
    Confirmed map[string]int `json:"confirmed,omitempty"`
}

// InRange reports whether seat is a valid seat number for this map.
func (s *SeatMap) InRange(seat int) bool {
    return seat >= 1 && seat <= s.Total
}

// IsTaken reports whether seat is in Taken.
func (s *SeatMap) IsTaken(seat int) bool {
    for _, n := range s.Taken {
        if n == seat {
            return true
        }
    }
    return false
}

// AddTaken marks seat as occupied.  It is idempotent.
func (s *SeatMap) AddTaken(seat int) {
    if s.IsTaken(seat) {
        return
    }
    s.Taken = append(s.Taken, seat)
    sort.Ints(s.Taken)
}

// RemoveTaken frees seat.  Missing seats are ignored.
func (s *SeatMap) RemoveTaken(seat int) {
    out := s.Taken[:0]
    for _, n := range s.Taken {
        if n != seat {
            out = append(out, n)
        }
    }
    s.Taken = out
}

// HolderOf returns the occupant holding seat, if any.
func (s *SeatMap) HolderOf(seat int) (string, bool) {
    for occupant, n := range s.Reserved {
        if n == seat {
            return occupant, true
        }
    }
    return "", false
}

// Normalize makes the maps non-nil and Taken sorted and free of duplicates.
func (s *SeatMap) Normalize() {
    if s.Reserved == nil {
        s.Reserved = map[string]int{}
    }
    if s.Confirmed == nil {
        s.Confirmed = map[string]int{}
    }
    if s.Taken == nil {
        s.Taken = []int{}
    }
    sort.Ints(s.Taken)
    out := s.Taken[:0]
    for i, n := range s.Taken {
        if i > 0 && n == s.Taken[i-1] {
            continue
        }
        out = append(out, n)
    }
    s.Taken = out
}

// Clone returns a deep copy of the seat map.
func (s SeatMap) Clone() SeatMap {
    out := SeatMap{Total: s.Total}
    out.Taken = append([]int{}, s.Taken...)
    out.Reserved = make(map[string]int, len(s.Reserved))
    for k, v := range s.Reserved {
        out.Reserved[k] = v
    }
    out.Confirmed = make(map[string]int, len(s.Confirmed))
    for k, v := range s.Confirmed {
        out.Confirmed[k] = v
    }
    return out
}
