package reservation

import (
	"context"
	"errors"

	"github.com/looplab/fsm"

	"github.com/iliyamo/transit-seat-reservation/internal/model"
)

// Lifecycle events.
const (
	eventHold      = "hold"
	eventConfirm   = "confirm"
	eventCancel    = "cancel"
	eventSupersede = "supersede"
)

var (
	stateNone      = string(model.ReservationNone)
	stateHeld      = string(model.ReservationHeld)
	stateConfirmed = string(model.ReservationConfirmed)
)

// lifecycleEvents is the per-occupant state machine:
//
//	none -> held -> confirmed
//	held|confirmed -> none    (cancel, or superseded by a hold elsewhere)
//	held|confirmed -> held    (re-hold moves the seat)
var lifecycleEvents = fsm.Events{
	{Name: eventHold, Src: []string{stateNone, stateHeld, stateConfirmed}, Dst: stateHeld},
	{Name: eventConfirm, Src: []string{stateHeld}, Dst: stateConfirmed},
	{Name: eventCancel, Src: []string{stateHeld, stateConfirmed}, Dst: stateNone},
	{Name: eventSupersede, Src: []string{stateHeld, stateConfirmed}, Dst: stateNone},
}

// advance fires event from the occupant's current state.  ok is false when
// the event is not allowed there, which callers treat as a no-op.
func advance(ctx context.Context, from model.ReservationState, event string) (to model.ReservationState, ok bool) {
	m := fsm.NewFSM(string(from), lifecycleEvents, fsm.Callbacks{})
	err := m.Event(ctx, event)
	var same fsm.NoTransitionError
	if err != nil && !errors.As(err, &same) {
		return from, false
	}
	return model.ReservationState(m.Current()), true
}
