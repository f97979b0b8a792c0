package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/transit-seat-reservation/internal/model"
)

func newVehicle(id string, total int) model.Vehicle {
	return model.Vehicle{ID: id, Route: "Bayambang→Dagupan", Seats: model.SeatMap{Total: total}}
}

func TestMemoryStore_CreateGetList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, newVehicle("b", 10)); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, newVehicle("a", 20)); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, newVehicle("a", 20)); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate create err = %v, want ErrExists", err)
	}

	v, err := s.Get(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if v.Seats.Total != 20 || v.Seats.Reserved == nil {
		t.Fatalf("unexpected vehicle %+v", v)
	}

	vs, _ := s.List(ctx)
	if len(vs) != 2 || vs[0].ID != "a" || vs[1].ID != "b" {
		t.Fatalf("List = %+v", vs)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newVehicle("a", 5))

	v, _ := s.Get(ctx, "a")
	v.Seats.Reserved["intruder"] = 1
	v.Seats.Taken = append(v.Seats.Taken, 1)

	again, _ := s.Get(ctx, "a")
	if len(again.Seats.Reserved) != 0 || len(again.Seats.Taken) != 0 {
		t.Fatalf("store state was mutated through a copy: %+v", again.Seats)
	}
}

func TestMemoryStore_Update(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newVehicle("a", 5))

	err := s.Update(ctx, "a", func(v *model.Vehicle) (bool, error) {
		v.Seats.AddTaken(3)
		v.Seats.Reserved["o1"] = 3
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	v, _ := s.Get(ctx, "a")
	if !v.Seats.IsTaken(3) || v.Seats.Reserved["o1"] != 3 {
		t.Fatalf("update not applied: %+v", v.Seats)
	}

	boom := errors.New("boom")
	err = s.Update(ctx, "a", func(v *model.Vehicle) (bool, error) {
		v.Seats.Taken = nil
		return true, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	v, _ = s.Get(ctx, "a")
	if !v.Seats.IsTaken(3) {
		t.Fatal("aborted update must not write")
	}

	if err := s.Update(ctx, "nope", func(*model.Vehicle) (bool, error) { return true, nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_UpdateSerializesPerVehicle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newVehicle("a", 100))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, "a", func(v *model.Vehicle) (bool, error) {
				v.Heading++
				return true, nil
			})
		}()
	}
	wg.Wait()

	v, _ := s.Get(ctx, "a")
	if v.Heading != 50 {
		t.Fatalf("Heading = %v, want 50 (lost updates)", v.Heading)
	}
}

func TestMemoryStore_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore()
	_ = s.Create(ctx, newVehicle("a", 5))

	sub, err := s.Watch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	first := <-sub.C()
	if len(first.Vehicles) != 1 {
		t.Fatalf("seed snapshot = %+v", first)
	}

	_ = s.Create(ctx, newVehicle("b", 5))
	select {
	case snap := <-sub.C():
		if len(snap.Vehicles) != 2 {
			t.Fatalf("snapshot = %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after create")
	}

	sub.Close()
	_ = s.Update(ctx, "a", func(v *model.Vehicle) (bool, error) { v.ETA = "5 min"; return true, nil })
	if _, ok := <-sub.C(); ok {
		t.Fatal("closed subscription delivered a snapshot")
	}
}

func TestMemoryStore_WatchVehicle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newVehicle("a", 5))
	_ = s.Create(ctx, newVehicle("b", 5))

	sub, _ := s.WatchVehicle(ctx, "a")
	defer sub.Close()
	if d := <-sub.C(); d.Vehicle == nil || d.Vehicle.ID != "a" {
		t.Fatalf("seed = %+v", d)
	}

	_ = s.Update(ctx, "b", func(v *model.Vehicle) (bool, error) { v.ETA = "1 min"; return true, nil })
	_ = s.Delete(ctx, "a")

	select {
	case d := <-sub.C():
		if d.ID != "a" || d.Vehicle != nil {
			t.Fatalf("expected deletion of a, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after delete")
	}
}

func TestMemoryStore_UnchangedUpdateDoesNotPublish(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Create(ctx, newVehicle("a", 5))

	sub, _ := s.Watch(ctx)
	defer sub.Close()
	<-sub.C()

	_ = s.Update(ctx, "a", func(*model.Vehicle) (bool, error) { return false, nil })
	select {
	case snap := <-sub.C():
		t.Fatalf("unexpected snapshot %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}
