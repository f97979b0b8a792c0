package reservation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/transit-seat-reservation/internal/model"
	"github.com/iliyamo/transit-seat-reservation/internal/queue"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []queue.ReservationEvent
}

func (r *recorder) Publish(_ context.Context, ev queue.ReservationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newFleet(t *testing.T, ids ...string) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	for _, id := range ids {
		if err := st.Create(context.Background(), model.Vehicle{ID: id, Route: "main", Seats: model.SeatMap{Total: 25}}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	return st
}

func mustGet(t *testing.T, st store.Store, id string) model.Vehicle {
	t.Helper()
	v, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return v
}

func TestHold_DoubleBookRace(t *testing.T) {
	st := newFleet(t, "v1")
	c := New(st, nil, nil, zap.NewNop(), Options{})

	for round := 0; round < 20; round++ {
		seat := round + 1
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, occ := range []string{"o1", "o2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = c.Hold(context.Background(), occ, "v1", seat)
			}()
		}
		wg.Wait()

		ok, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrSeatConflict):
				conflicts++
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if ok != 1 || conflicts != 1 {
			t.Fatalf("round %d: ok=%d conflicts=%d, want exactly one of each", round, ok, conflicts)
		}
	}
}

func TestHold_ManyOccupantsOneSeat(t *testing.T) {
	st := newFleet(t, "v1")
	c := New(st, nil, nil, zap.NewNop(), Options{})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			occ := string(rune('a' + i))
			if _, err := c.Hold(context.Background(), occ, "v1", 5); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
	v := mustGet(t, st, "v1")
	if len(v.Seats.Reserved) != 1 || !v.Seats.IsTaken(5) || len(v.Seats.Taken) != 1 {
		t.Fatalf("seats = %+v", v.Seats)
	}
}

func TestHold_ReHoldSupersedes(t *testing.T) {
	st := newFleet(t, "v1")
	rec := &recorder{}
	c := New(st, nil, rec, zap.NewNop(), Options{})
	ctx := context.Background()

	if _, err := c.Hold(ctx, "o", "v1", 3); err != nil {
		t.Fatal(err)
	}
	res, err := c.Hold(ctx, "o", "v1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != model.ReservationHeld || res.Seat != 7 {
		t.Fatalf("res = %+v", res)
	}

	v := mustGet(t, st, "v1")
	if len(v.Seats.Taken) != 1 || v.Seats.Taken[0] != 7 {
		t.Fatalf("taken = %v, want [7]", v.Seats.Taken)
	}
	if v.Seats.Reserved["o"] != 7 {
		t.Fatalf("reserved = %v", v.Seats.Reserved)
	}
	if got := SeatState(&v, 3, "o"); got != model.SeatAvailable {
		t.Fatalf("seat 3 = %s, want AVAILABLE", got)
	}
	if got := SeatState(&v, 7, "o"); got != model.SeatReservedByViewer {
		t.Fatalf("seat 7 = %s, want RESERVED_BY_VIEWER", got)
	}

	rec.mu.Lock()
	last := rec.events[len(rec.events)-1]
	rec.mu.Unlock()
	if last.Type != queue.EventSeatHeld || last.PreviousSeat != 3 || last.ID == "" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestHold_SameSeatTwiceIsIdempotent(t *testing.T) {
	st := newFleet(t, "v1")
	rec := &recorder{}
	c := New(st, nil, rec, zap.NewNop(), Options{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Hold(ctx, "o", "v1", 4); err != nil {
			t.Fatalf("hold %d: %v", i, err)
		}
	}
	if n := len(rec.types()); n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}
}

func TestHold_ConflictLeavesStateUntouched(t *testing.T) {
	st := newFleet(t, "v1")
	c := New(st, nil, nil, zap.NewNop(), Options{})
	ctx := context.Background()

	if _, err := c.Hold(ctx, "o1", "v1", 2); err != nil {
		t.Fatal(err)
	}
	before := mustGet(t, st, "v1")
	if _, err := c.Hold(ctx, "o2", "v1", 2); !errors.Is(err, ErrSeatConflict) {
		t.Fatalf("err = %v, want ErrSeatConflict", err)
	}
	after := mustGet(t, st, "v1")
	if len(after.Seats.Taken) != len(before.Seats.Taken) || len(after.Seats.Reserved) != 1 {
		t.Fatalf("seats changed: %+v", after.Seats)
	}
}

func TestHold_SeatOutOfRange(t *testing.T) {
	st := newFleet(t, "v1")
	c := New(st, nil, nil, zap.NewNop(), Options{})
	ctx := context.Background()

	for _, seat := range []int{0, -1, 26} {
		if _, err := c.Hold(ctx, "o", "v1", seat); !errors.Is(err, ErrSeatOutOfRange) {
			t.Errorf("seat %d: err = %v, want ErrSeatOutOfRange", seat, err)
		}
	}
}

type staticMirror map[string]model.Vehicle

func (m staticMirror) Lookup(id string) (model.Vehicle, bool) { v, ok := m[id]; return v, ok }
func (m staticMirror) All() []model.Vehicle {
	out := make([]model.Vehicle, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// countingStore fails the first failN updates with ErrContention and
// counts every call.
type countingStore struct {
	*store.MemoryStore
	failN   int32
	updates atomic.Int32
	lists   atomic.Int32
	block   bool
}

func (s *countingStore) Update(ctx context.Context, id string, fn store.MutateFunc) error {
	n := s.updates.Add(1)
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= s.failN {
		return store.ErrContention
	}
	return s.MemoryStore.Update(ctx, id, fn)
}

func (s *countingStore) List(ctx context.Context) ([]model.Vehicle, error) {
	s.lists.Add(1)
	return s.MemoryStore.List(ctx)
}

func TestHold_MirrorRejectsWithoutStoreAccess(t *testing.T) {
	st := &countingStore{MemoryStore: newFleet(t, "v1")}
	mirror := staticMirror{"v1": {ID: "v1", Seats: model.SeatMap{Total: 10}}}
	c := New(st, mirror, nil, zap.NewNop(), Options{})

	if _, err := c.Hold(context.Background(), "o", "v1", 11); !errors.Is(err, ErrSeatOutOfRange) {
		t.Fatalf("err = %v", err)
	}
	if st.updates.Load() != 0 || st.lists.Load() != 0 {
		t.Fatalf("store touched: updates=%d lists=%d", st.updates.Load(), st.lists.Load())
	}
}

func TestHold_RetriesContention(t *testing.T) {
	st := &countingStore{MemoryStore: newFleet(t, "v1"), failN: 2}
	c := New(st, nil, nil, zap.NewNop(), Options{MaxAttempts: 3})

	if _, err := c.Hold(context.Background(), "o", "v1", 1); err != nil {
		t.Fatalf("err = %v", err)
	}
	if got := st.updates.Load(); got != 3 {
		t.Fatalf("updates = %d, want 3", got)
	}
}

func TestHold_ContentionExhaustedAborts(t *testing.T) {
	st := &countingStore{MemoryStore: newFleet(t, "v1"), failN: 100}
	c := New(st, nil, nil, zap.NewNop(), Options{MaxAttempts: 2})

	_, err := c.Hold(context.Background(), "o", "v1", 1)
	if !errors.Is(err, ErrTransactionAborted) {
		t.Fatalf("err = %v, want ErrTransactionAborted", err)
	}
	if got := st.updates.Load(); got != 2 {
		t.Fatalf("updates = %d, want 2", got)
	}
}

func TestHold_Timeout(t *testing.T) {
	st := &countingStore{MemoryStore: newFleet(t, "v1"), block: true}
	c := New(st, nil, nil, zap.NewNop(), Options{Timeout: 20 * time.Millisecond})

	_, err := c.Hold(context.Background(), "o", "v1", 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if errors.Is(err, ErrSeatConflict) || errors.Is(err, ErrTransactionAborted) {
		t.Fatalf("timeout must be its own kind, got %v", err)
	}
}

func TestHold_VehicleNotFound(t *testing.T) {
	st := newFleet(t)
	c := New(st, nil, nil, zap.NewNop(), Options{})
	if _, err := c.Hold(context.Background(), "o", "ghost", 1); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("err = %v, want ErrVehicleNotFound", err)
	}
}

func TestHold_RejectedHoldKeepsExistingReservation(t *testing.T) {
	tests := []struct {
		name    string
		mirror  Mirror
		target  string
		seat    int
		wantErr error
	}{
		{"no mirror, seat past total", nil, "v2", 99, ErrSeatOutOfRange},
		{"mirror miss, seat past total", staticMirror{}, "v2", 26, ErrSeatOutOfRange},
		{"no mirror, unknown vehicle", nil, "ghost", 1, ErrVehicleNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFleet(t, "v1", "v2")
			rec := &recorder{}
			c := New(st, tt.mirror, rec, zap.NewNop(), Options{})
			ctx := context.Background()

			if _, err := c.Hold(ctx, "o", "v1", 3); err != nil {
				t.Fatalf("hold v1: %v", err)
			}
			if _, err := c.Hold(ctx, "o", tt.target, tt.seat); !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}

			v1 := mustGet(t, st, "v1")
			if got := model.ReservationOf(&v1, "o"); got.State != model.ReservationHeld || got.Seat != 3 {
				t.Fatalf("v1 reservation = %+v, want HELD seat 3", got)
			}
			if !v1.Seats.IsTaken(3) {
				t.Fatalf("v1 taken = %v, want seat 3", v1.Seats.Taken)
			}
			for _, typ := range rec.types() {
				if typ == queue.EventSeatSuperseded {
					t.Fatalf("unexpected %s event", typ)
				}
			}
		})
	}
}

func TestHold_GlobalSingleHold(t *testing.T) {
	st := newFleet(t, "v1", "v2", "v3")
	rec := &recorder{}
	c := New(st, nil, rec, zap.NewNop(), Options{})
	ctx := context.Background()

	if _, err := c.Hold(ctx, "o", "v1", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Confirm(ctx, "o", "v1", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Hold(ctx, "o", "v2", 9); err != nil {
		t.Fatal(err)
	}

	v1 := mustGet(t, st, "v1")
	if _, ok := v1.Seats.Confirmed["o"]; ok || v1.Seats.IsTaken(4) {
		t.Fatalf("v1 still holds the occupant: %+v", v1.Seats)
	}
	v2 := mustGet(t, st, "v2")
	if v2.Seats.Reserved["o"] != 9 {
		t.Fatalf("v2 seats = %+v", v2.Seats)
	}

	cur, err := c.Current(ctx, "o")
	if err != nil {
		t.Fatal(err)
	}
	if cur.VehicleID != "v2" || cur.State != model.ReservationHeld {
		t.Fatalf("current = %+v", cur)
	}

	found := false
	for _, typ := range rec.types() {
		if typ == queue.EventSeatSuperseded {
			found = true
		}
	}
	if !found {
		t.Fatalf("no superseded event in %v", rec.types())
	}
}

func TestHold_ConcurrentAcrossVehiclesConverges(t *testing.T) {
	st := newFleet(t, "v1", "v2", "v3", "v4")
	c := New(st, nil, nil, zap.NewNop(), Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, id := range []string{"v1", "v2", "v3", "v4"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Hold(ctx, "o", id, 1)
		}()
	}
	wg.Wait()

	// One more hold converges whatever the race left behind.
	if _, err := c.Hold(ctx, "o", "v1", 2); err != nil {
		t.Fatal(err)
	}
	vs, _ := st.List(ctx)
	holders := 0
	for _, v := range vs {
		if _, ok := v.Seats.Reserved["o"]; ok {
			holders++
		}
		for occ, seat := range v.Seats.Reserved {
			if !v.Seats.IsTaken(seat) {
				t.Fatalf("%s holds %d on %s but it is not taken", occ, seat, v.ID)
			}
		}
	}
	if holders != 1 {
		t.Fatalf("occupant held on %d vehicles, want 1", holders)
	}
}

func TestConfirm_Idempotent(t *testing.T) {
	st := newFleet(t, "v1")
	rec := &recorder{}
	c := New(st, nil, rec, zap.NewNop(), Options{})
	ctx := context.Background()

	if _, err := c.Hold(ctx, "o", "v1", 6); err != nil {
		t.Fatal(err)
	}
	first, err := c.Confirm(ctx, "o", "v1", 6)
	if err != nil {
		t.Fatal(err)
	}
	afterFirst := mustGet(t, st, "v1")
	second, err := c.Confirm(ctx, "o", "v1", 6)
	if err != nil {
		t.Fatal(err)
	}
	afterSecond := mustGet(t, st, "v1")

	if first != second || first.State != model.ReservationConfirmed {
		t.Fatalf("first = %+v, second = %+v", first, second)
	}
	if len(afterSecond.Seats.Taken) != len(afterFirst.Seats.Taken) ||
		afterSecond.Seats.Confirmed["o"] != 6 || len(afterSecond.Seats.Reserved) != 0 {
		t.Fatalf("state diverged: %+v vs %+v", afterFirst.Seats, afterSecond.Seats)
	}
	if got := rec.types(); len(got) != 2 || got[1] != queue.EventSeatConfirmed {
		t.Fatalf("events = %v", got)
	}
}

func TestConfirm_WrongSeatIsNoop(t *testing.T) {
	st := newFleet(t, "v1")
	c := New(st, nil, nil, zap.NewNop(), Options{})
	ctx := context.Background()

	if _, err := c.Hold(ctx, "o", "v1", 6); err != nil {
		t.Fatal(err)
	}
	res, err := c.Confirm(ctx, "o", "v1", 7)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != model.ReservationHeld || res.Seat != 6 {
		t.Fatalf("res = %+v", res)
	}
	v := mustGet(t, st, "v1")
	if v.Seats.IsTaken(7) || len(v.Seats.Confirmed) != 0 {
		t.Fatalf("seats = %+v", v.Seats)
	}

	// Nothing held at all.
	res, err = c.Confirm(ctx, "x", "v1", 6)
	if err != nil || res.State != model.ReservationNone {
		t.Fatalf("res = %+v, err = %v", res, err)
	}
}

func TestCancel_ThenAvailable(t *testing.T) {
	st := newFleet(t, "v1")
	c := New(st, nil, nil, zap.NewNop(), Options{})
	ctx := context.Background()

	if _, err := c.Hold(ctx, "o", "v1", 8); err != nil {
		t.Fatal(err)
	}
	res, err := c.Cancel(ctx, "o", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != model.ReservationCancelled || res.Seat != 8 {
		t.Fatalf("res = %+v", res)
	}
	v := mustGet(t, st, "v1")
	if got := SeatState(&v, 8, "o"); got != model.SeatAvailable {
		t.Fatalf("seat 8 = %s, want AVAILABLE", got)
	}

	// Cancel again: no-op.
	res, err = c.Cancel(ctx, "o", "v1")
	if err != nil || res.State != model.ReservationNone {
		t.Fatalf("second cancel = %+v, %v", res, err)
	}
}

func TestCancel_Confirmed(t *testing.T) {
	st := newFleet(t, "v1")
	c := New(st, nil, nil, zap.NewNop(), Options{})
	ctx := context.Background()

	_, _ = c.Hold(ctx, "o", "v1", 8)
	_, _ = c.Confirm(ctx, "o", "v1", 8)
	if _, err := c.Cancel(ctx, "o", "v1"); err != nil {
		t.Fatal(err)
	}
	v := mustGet(t, st, "v1")
	if v.Seats.IsTaken(8) || len(v.Seats.Confirmed) != 0 {
		t.Fatalf("seats = %+v", v.Seats)
	}
}

func TestSeatState(t *testing.T) {
	v := model.Vehicle{ID: "v", Seats: model.SeatMap{
		Total:    10,
		Taken:    []int{1, 2, 3},
		Reserved: map[string]int{"me": 2, "other": 3},
	}}
	tests := []struct {
		seat int
		want model.SeatState
	}{
		{1, model.SeatTaken},
		{2, model.SeatReservedByViewer},
		{3, model.SeatTaken},
		{4, model.SeatAvailable},
	}
	for _, tt := range tests {
		if got := SeatState(&v, tt.seat, "me"); got != tt.want {
			t.Errorf("SeatState(%d) = %s, want %s", tt.seat, got, tt.want)
		}
	}
	if got := SeatState(&v, 2, ""); got != model.SeatTaken {
		t.Errorf("anonymous viewer sees %s", got)
	}
}

func TestSeatStates(t *testing.T) {
	st := newFleet(t, "v1")
	c := New(st, nil, nil, zap.NewNop(), Options{})
	ctx := context.Background()
	_, _ = c.Hold(ctx, "o", "v1", 3)

	grid, err := c.SeatStates(ctx, "v1", "o")
	if err != nil {
		t.Fatal(err)
	}
	if len(grid) != 25 || grid[2].State != model.SeatReservedByViewer || grid[0].State != model.SeatAvailable {
		t.Fatalf("grid = %+v", grid[:4])
	}
	if _, err := c.SeatStates(ctx, "ghost", "o"); !errors.Is(err, ErrVehicleNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestAdvance(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		from  model.ReservationState
		event string
		want  model.ReservationState
		ok    bool
	}{
		{model.ReservationNone, eventHold, model.ReservationHeld, true},
		{model.ReservationHeld, eventHold, model.ReservationHeld, true},
		{model.ReservationHeld, eventConfirm, model.ReservationConfirmed, true},
		{model.ReservationNone, eventConfirm, model.ReservationNone, false},
		{model.ReservationConfirmed, eventConfirm, model.ReservationConfirmed, false},
		{model.ReservationConfirmed, eventCancel, model.ReservationNone, true},
		{model.ReservationNone, eventCancel, model.ReservationNone, false},
		{model.ReservationHeld, eventSupersede, model.ReservationNone, true},
	}
	for _, tt := range tests {
		got, ok := advance(ctx, tt.from, tt.event)
		if got != tt.want || ok != tt.ok {
			t.Errorf("advance(%s, %s) = %s, %v; want %s, %v", tt.from, tt.event, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCleanupError(t *testing.T) {
	boom := errors.New("boom")
	err := &CleanupError{Occupant: "o", Failed: map[string]error{"v2": boom, "v1": boom}}
	if !errors.Is(err, boom) {
		t.Fatal("CleanupError should unwrap to its causes")
	}
	if got := err.Error(); got != "reservation: cleanup failed for occupant o on 2 vehicle(s): v1: boom; v2: boom" {
		t.Fatalf("Error() = %q", got)
	}
}
