package reservation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrSeatOutOfRange: the seat number is outside 1..total.
	ErrSeatOutOfRange = errors.New("reservation: seat out of range")
	// ErrSeatConflict: the seat is held or taken by another occupant.  Pick
	// another seat; it is never retried automatically.
	ErrSeatConflict = errors.New("reservation: seat already taken")
	// ErrVehicleNotFound: the vehicle document does not exist (or vanished
	// between read and write).
	ErrVehicleNotFound = errors.New("reservation: vehicle not found")
	// ErrTransactionAborted: the store could not guarantee atomicity within
	// the retry budget.  The whole operation may be retried.
	ErrTransactionAborted = errors.New("reservation: transaction aborted")
	// ErrTimeout: the operation ran past its deadline.  The outcome of the
	// last attempt is unknown to the caller.
	ErrTimeout = errors.New("reservation: operation timed out")
	// ErrNoOccupant: the request carried no occupant identity.
	ErrNoOccupant = errors.New("reservation: occupant is required")
)

// CleanupError reports vehicles on which releasing an occupant's earlier
// hold failed.  It is logged, never returned from Hold.
type CleanupError struct {
	Occupant string
	Failed   map[string]error
}

func (e *CleanupError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return fmt.Sprintf("reservation: cleanup failed for occupant %s on %d vehicle(s): %s",
		e.Occupant, len(ids), strings.Join(parts, "; "))
}

func (e *CleanupError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		out = append(out, err)
	}
	return out
}
