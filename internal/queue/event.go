// Package queue defines message payloads exchanged over the message broker
// and the RabbitMQ publisher and consumers that move them.
package queue

import (
    "bytes"
    "encoding/json"
    "fmt"
    "strconv"
    "time"
)

// Reservation event types, used as the AMQP message Type.
const (
    EventSeatHeld       = "reservation.held"
    EventSeatConfirmed  = "reservation.confirmed"
    EventSeatCancelled  = "reservation.cancelled"
    EventSeatSuperseded = "reservation.superseded"
)

// ReservationEvent is published after a seat map transaction commits.  It
// carries enough for downstream consumers to log, notify or run analytics
// without reading the store.
type ReservationEvent struct {
    ID           string    `json:"id"`
    Type         string    `json:"type"`
    Occupant     string    `json:"occupant"`
    VehicleID    string    `json:"vehicle_id"`
    Seat         int       `json:"seat"`
    // PreviousSeat is the seat the occupant gave up on the same vehicle
    // when a hold moved, 0 otherwise.
    PreviousSeat int       `json:"previous_seat,omitempty"`
    OccurredAt   time.Time `json:"occurred_at"`
}

// PositionMessage is one vehicle position report as carried on the
// vehicle.position queue and the MQTT telemetry topic.
type PositionMessage struct {
    VehicleID  string    `json:"vehicle_id" validate:"required"`
    Lat        float64   `json:"lat" validate:"latitude"`
    Lng        float64   `json:"lng" validate:"longitude"`
    Heading    *float64  `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
    Route      string    `json:"route,omitempty"`
    // ReportedAt is the device time; the server clock is used when zero.
    // On the wire it is RFC 3339 or epoch milliseconds.
    ReportedAt time.Time `json:"reported_at,omitempty"`
}

// UnmarshalJSON accepts reported_at as an RFC 3339 string or as an integer
// count of milliseconds since the Unix epoch.
func (m *PositionMessage) UnmarshalJSON(data []byte) error {
    type plain PositionMessage
    var raw struct {
        plain
        ReportedAt json.RawMessage `json:"reported_at,omitempty"`
    }
    if err := json.Unmarshal(data, &raw); err != nil {
        return err
    }
    *m = PositionMessage(raw.plain)
    m.ReportedAt = time.Time{}

    ts := bytes.TrimSpace(raw.ReportedAt)
    switch {
    case len(ts) == 0 || bytes.Equal(ts, []byte("null")):
    case ts[0] == '"':
        if err := json.Unmarshal(ts, &m.ReportedAt); err != nil {
            return fmt.Errorf("reported_at: %w", err)
        }
    default:
        ms, err := strconv.ParseInt(string(ts), 10, 64)
        if err != nil {
            return fmt.Errorf("reported_at: want RFC 3339 or epoch millis: %w", err)
        }
        m.ReportedAt = time.UnixMilli(ms).UTC()
    }
    return nil
}
