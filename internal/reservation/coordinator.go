// Package reservation implements the seat reservation coordinator.
//
// Each vehicle's seat map is the unit of mutual exclusion: every mutation
// is a single store.Update, so concurrent holds on one vehicle are
// serialised by the store.  Keeping an occupant to one reservation across
// the fleet is best-effort: holds on other vehicles are released outside
// the target vehicle's transaction, before it and once more after it.  An
// occupant can therefore briefly appear on two vehicles; the next hold or
// cancel by the same occupant converges.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/transit-seat-reservation/internal/metrics"
	"github.com/iliyamo/transit-seat-reservation/internal/model"
	"github.com/iliyamo/transit-seat-reservation/internal/queue"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

// Mirror is a read-only view of recently seen vehicles, used for
// pre-checks that must not touch the store.  The live state synchronizer
// implements it.
type Mirror interface {
	Lookup(id string) (model.Vehicle, bool)
	All() []model.Vehicle
}

// EventPublisher delivers reservation events.  Failures are logged only.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.ReservationEvent) error
}

// Options tunes the coordinator.  Zero values select the defaults.
type Options struct {
	// MaxAttempts bounds store.Update attempts on contention (default 3).
	MaxAttempts int
	// Timeout bounds a whole operation; 0 disables it.
	Timeout time.Duration
	// CleanupConcurrency bounds parallel cross-fleet releases (default 8).
	CleanupConcurrency int
}

// SeatView is one cell of the seat grid as seen by a viewer.
type SeatView struct {
	Seat  int             `json:"seat"`
	State model.SeatState `json:"state"`
}

// Coordinator serialises hold, confirm and cancel through the store.
type Coordinator struct {
	store  store.Store
	mirror Mirror
	events EventPublisher
	log    *zap.Logger

	maxAttempts int
	timeout     time.Duration
	cleanupPar  int
	now         func() time.Time
}

// New builds a coordinator.  mirror and events may be nil.
func New(st store.Store, mirror Mirror, events EventPublisher, log *zap.Logger, opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.CleanupConcurrency <= 0 {
		opts.CleanupConcurrency = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		store:       st,
		mirror:      mirror,
		events:      events,
		log:         log.Named("reservation"),
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		cleanupPar:  opts.CleanupConcurrency,
		now:         time.Now,
	}
}

// Hold places a provisional hold for occupant on seat of vehicleID,
// releasing any reservation the occupant has elsewhere.  Holding the seat
// the occupant already holds (or has confirmed) returns it unchanged;
// holding a different seat on the same vehicle moves the reservation.
func (c *Coordinator) Hold(ctx context.Context, occupant, vehicleID string, seat int) (model.Reservation, error) {
	res, changed, err := c.hold(ctx, occupant, vehicleID, seat)
	c.record("hold", changed, err)
	return res, err
}

func (c *Coordinator) hold(ctx context.Context, occupant, vehicleID string, seat int) (model.Reservation, bool, error) {
	if occupant == "" {
		return model.Reservation{}, false, ErrNoOccupant
	}
	if seat < 1 {
		return model.Reservation{}, false, ErrSeatOutOfRange
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Nothing is released elsewhere until the target is known to exist
	// and to have the seat.
	total, err := c.seatTotal(ctx, vehicleID)
	if err != nil {
		return model.Reservation{}, false, err
	}
	if seat > total {
		return model.Reservation{}, false, ErrSeatOutOfRange
	}

	c.releaseElsewhere(ctx, occupant, vehicleID)

	var (
		res      model.Reservation
		previous int
		changed  bool
	)
	err = c.atomically(ctx, vehicleID, func(v *model.Vehicle) (bool, error) {
		changed, previous = false, 0
		v.Seats.Normalize()
		if !v.Seats.InRange(seat) {
			return false, ErrSeatOutOfRange
		}
		cur := model.ReservationOf(v, occupant)
		if cur.State != model.ReservationNone && cur.Seat == seat {
			res = cur
			return false, nil
		}
		if holder, ok := v.Seats.HolderOf(seat); ok && holder != occupant {
			return false, ErrSeatConflict
		}
		if v.Seats.IsTaken(seat) {
			return false, ErrSeatConflict
		}
		next, _ := advance(ctx, cur.State, eventHold)
		if cur.State != model.ReservationNone {
			previous = cur.Seat
			release(v, occupant)
		}
		v.Seats.AddTaken(seat)
		v.Seats.Reserved[occupant] = seat
		res = model.Reservation{Occupant: occupant, VehicleID: vehicleID, Seat: seat, State: next}
		changed = true
		return true, nil
	})
	if err != nil {
		return model.Reservation{}, false, err
	}

	if changed {
		// A hold elsewhere may have committed while ours was in flight.
		c.releaseElsewhere(ctx, occupant, vehicleID)
		c.publish(ctx, queue.EventSeatHeld, res, previous)
	}
	return res, changed, nil
}

// Confirm finalises occupant's hold on seat.  When the occupant does not
// hold exactly that seat on vehicleID it does nothing and returns the
// occupant's current reservation there, so a confirm racing a supersede
// cannot resurrect a stale hold.
func (c *Coordinator) Confirm(ctx context.Context, occupant, vehicleID string, seat int) (model.Reservation, error) {
	res, changed, err := c.confirm(ctx, occupant, vehicleID, seat)
	c.record("confirm", changed, err)
	return res, err
}

func (c *Coordinator) confirm(ctx context.Context, occupant, vehicleID string, seat int) (model.Reservation, bool, error) {
	if occupant == "" {
		return model.Reservation{}, false, ErrNoOccupant
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		res     model.Reservation
		changed bool
	)
	err := c.atomically(ctx, vehicleID, func(v *model.Vehicle) (bool, error) {
		changed = false
		v.Seats.Normalize()
		cur := model.ReservationOf(v, occupant)
		res = cur
		if cur.State != model.ReservationHeld || cur.Seat != seat {
			return false, nil
		}
		next, ok := advance(ctx, cur.State, eventConfirm)
		if !ok {
			return false, nil
		}
		delete(v.Seats.Reserved, occupant)
		v.Seats.Confirmed[occupant] = seat
		v.Seats.AddTaken(seat)
		res.State = next
		changed = true
		return true, nil
	})
	if err != nil {
		return model.Reservation{}, false, err
	}
	if changed {
		c.publish(ctx, queue.EventSeatConfirmed, res, 0)
	}
	return res, changed, nil
}

// Cancel releases occupant's held or confirmed seat on vehicleID.  With
// nothing to cancel it returns a NONE reservation and no error.
func (c *Coordinator) Cancel(ctx context.Context, occupant, vehicleID string) (model.Reservation, error) {
	res, changed, err := c.cancel(ctx, occupant, vehicleID)
	c.record("cancel", changed, err)
	return res, err
}

func (c *Coordinator) cancel(ctx context.Context, occupant, vehicleID string) (model.Reservation, bool, error) {
	if occupant == "" {
		return model.Reservation{}, false, ErrNoOccupant
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		res     model.Reservation
		changed bool
	)
	err := c.atomically(ctx, vehicleID, func(v *model.Vehicle) (bool, error) {
		changed = false
		v.Seats.Normalize()
		cur := model.ReservationOf(v, occupant)
		res = cur
		if _, ok := advance(ctx, cur.State, eventCancel); !ok {
			return false, nil
		}
		release(v, occupant)
		res.State = model.ReservationCancelled
		changed = true
		return true, nil
	})
	if err != nil {
		return model.Reservation{}, false, err
	}
	if changed {
		c.publish(ctx, queue.EventSeatCancelled, res, 0)
	}
	return res, changed, nil
}

// Current returns occupant's reservation anywhere in the fleet: a hold if
// there is one, otherwise a confirmation, otherwise NONE.
func (c *Coordinator) Current(ctx context.Context, occupant string) (model.Reservation, error) {
	vs, err := c.store.List(ctx)
	if err != nil {
		return model.Reservation{}, c.translate(err)
	}
	var confirmed *model.Reservation
	for i := range vs {
		r := model.ReservationOf(&vs[i], occupant)
		switch r.State {
		case model.ReservationHeld:
			return r, nil
		case model.ReservationConfirmed:
			if confirmed == nil {
				confirmed = &r
			}
		}
	}
	if confirmed != nil {
		return *confirmed, nil
	}
	return model.Reservation{Occupant: occupant, State: model.ReservationNone}, nil
}

// SeatStates returns the seat grid of vehicleID as seen by viewer.
func (c *Coordinator) SeatStates(ctx context.Context, vehicleID, viewer string) ([]SeatView, error) {
	v, err := c.store.Get(ctx, vehicleID)
	if err != nil {
		return nil, c.translate(err)
	}
	out := make([]SeatView, 0, v.Seats.Total)
	for n := 1; n <= v.Seats.Total; n++ {
		out = append(out, SeatView{Seat: n, State: SeatState(&v, n, viewer)})
	}
	return out, nil
}

// SeatState is RESERVED_BY_VIEWER iff viewer holds seat, else TAKEN when
// the seat is occupied or held by anyone, else AVAILABLE.
func SeatState(v *model.Vehicle, seat int, viewer string) model.SeatState {
	if viewer != "" {
		if n, ok := v.Seats.Reserved[viewer]; ok && n == seat {
			return model.SeatReservedByViewer
		}
	}
	if v.Seats.IsTaken(seat) {
		return model.SeatTaken
	}
	if _, ok := v.Seats.HolderOf(seat); ok {
		return model.SeatTaken
	}
	return model.SeatAvailable
}

// seatTotal returns the seat count of vehicleID, from the mirror when it
// knows the vehicle and from the store otherwise.
func (c *Coordinator) seatTotal(ctx context.Context, vehicleID string) (int, error) {
	if c.mirror != nil {
		if v, ok := c.mirror.Lookup(vehicleID); ok {
			return v.Seats.Total, nil
		}
	}
	v, err := c.store.Get(ctx, vehicleID)
	if err != nil {
		return 0, c.translate(err)
	}
	return v.Seats.Total, nil
}

// release drops occupant's held and confirmed seats from v.  It reports
// whether anything changed.
func release(v *model.Vehicle, occupant string) bool {
	changed := false
	if n, ok := v.Seats.Reserved[occupant]; ok {
		v.Seats.RemoveTaken(n)
		delete(v.Seats.Reserved, occupant)
		changed = true
	}
	if n, ok := v.Seats.Confirmed[occupant]; ok {
		v.Seats.RemoveTaken(n)
		delete(v.Seats.Confirmed, occupant)
		changed = true
	}
	return changed
}

// releaseElsewhere releases occupant's reservations on every vehicle other
// than except.  Failures are logged and counted, never returned.
func (c *Coordinator) releaseElsewhere(ctx context.Context, occupant, except string) {
	ids := c.holdersOf(ctx, occupant, except)
	if len(ids) == 0 {
		return
	}

	var (
		mu     sync.Mutex
		failed = map[string]error{}
	)
	var g errgroup.Group
	g.SetLimit(c.cleanupPar)
	for _, id := range ids {
		g.Go(func() error {
			var seat int
			err := c.atomically(ctx, id, func(v *model.Vehicle) (bool, error) {
				v.Seats.Normalize()
				cur := model.ReservationOf(v, occupant)
				if _, ok := advance(ctx, cur.State, eventSupersede); !ok {
					return false, nil
				}
				seat = cur.Seat
				return release(v, occupant), nil
			})
			switch {
			case err == nil:
				if seat > 0 {
					c.publish(ctx, queue.EventSeatSuperseded,
						model.Reservation{Occupant: occupant, VehicleID: id, Seat: seat, State: model.ReservationCancelled}, 0)
				}
			case errors.Is(err, ErrVehicleNotFound):
				// Gone vehicles hold nothing.
			default:
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		cerr := &CleanupError{Occupant: occupant, Failed: failed}
		metrics.CleanupFailures.Add(float64(len(failed)))
		c.log.Warn("cross-fleet release failed", zap.String("occupant", occupant), zap.Error(cerr))
	}
}

// holdersOf lists vehicles other than except where occupant holds or has
// confirmed a seat.  The store is authoritative; the mirror is the
// fallback when listing fails.
func (c *Coordinator) holdersOf(ctx context.Context, occupant, except string) []string {
	vs, err := c.store.List(ctx)
	if err != nil {
		c.log.Warn("listing vehicles for release failed", zap.String("occupant", occupant), zap.Error(err))
		if c.mirror == nil {
			return nil
		}
		vs = c.mirror.All()
	}
	var ids []string
	for i := range vs {
		if vs[i].ID == except {
			continue
		}
		if model.ReservationOf(&vs[i], occupant).State != model.ReservationNone {
			ids = append(ids, vs[i].ID)
		}
	}
	return ids
}

// atomically runs fn through store.Update, retrying on contention.
func (c *Coordinator) atomically(ctx context.Context, vehicleID string, fn store.MutateFunc) error {
	var err error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err = c.store.Update(ctx, vehicleID, fn)
		if !errors.Is(err, store.ErrContention) {
			return c.translate(err)
		}
		if attempt == c.maxAttempts {
			break
		}
		metrics.ReservationRetries.Inc()
		c.log.Debug("seat map contention, retrying", zap.String("vehicle", vehicleID), zap.Int("attempt", attempt))
		select {
		case <-ctx.Done():
			return c.translate(ctx.Err())
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", ErrTransactionAborted, c.maxAttempts, err)
}

// translate maps store and context errors onto the reservation taxonomy.
func (c *Coordinator) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrVehicleNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, store.ErrContention):
		return fmt.Errorf("%w: %v", ErrTransactionAborted, err)
	}
	return err
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *Coordinator) publish(ctx context.Context, typ string, r model.Reservation, previous int) {
	if c.events == nil {
		return
	}
	ev := queue.ReservationEvent{
		ID:           uuid.NewString(),
		Type:         typ,
		Occupant:     r.Occupant,
		VehicleID:    r.VehicleID,
		Seat:         r.Seat,
		PreviousSeat: previous,
		OccurredAt:   c.now().UTC(),
	}
	if err := c.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		c.log.Warn("publish reservation event failed", zap.String("type", typ), zap.String("occupant", r.Occupant), zap.Error(err))
	}
}

func (c *Coordinator) record(op string, changed bool, err error) {
	result := "ok"
	switch {
	case err == nil && !changed:
		result = "noop"
	case errors.Is(err, ErrSeatConflict):
		result = "conflict"
	case errors.Is(err, ErrSeatOutOfRange):
		result = "out_of_range"
	case errors.Is(err, ErrVehicleNotFound):
		result = "not_found"
	case errors.Is(err, ErrTransactionAborted):
		result = "aborted"
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	metrics.ReservationOps.WithLabelValues(op, result).Inc()
}
