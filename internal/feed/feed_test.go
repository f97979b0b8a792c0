package feed

import (
	"context"
	"testing"
	"time"
)

func recv[T any](t *testing.T, s *Subscription[T]) (T, bool) {
	t.Helper()
	select {
	case v, ok := <-s.C():
		return v, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero, false
}

func TestBroadcaster_SeedThenPublish(t *testing.T) {
	b := NewBroadcaster[int]()
	seed := 1
	s := b.Subscribe(context.Background(), nil, &seed)
	defer s.Close()

	if v, _ := recv(t, s); v != 1 {
		t.Fatalf("seed = %d, want 1", v)
	}
	b.Publish(2)
	if v, _ := recv(t, s); v != 2 {
		t.Fatalf("got %d, want 2", v)
	}
}

func TestBroadcaster_LatestWins(t *testing.T) {
	b := NewBroadcaster[int]()
	s := b.Subscribe(context.Background(), nil, nil)
	defer s.Close()

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}
	if v, _ := recv(t, s); v != 5 {
		t.Fatalf("got %d, want the latest value 5", v)
	}
}

func TestBroadcaster_Filter(t *testing.T) {
	b := NewBroadcaster[int]()
	even := b.Subscribe(context.Background(), func(v int) bool { return v%2 == 0 }, nil)
	defer even.Close()

	b.Publish(3)
	b.Publish(4)
	if v, _ := recv(t, even); v != 4 {
		t.Fatalf("got %d, want 4", v)
	}
}

func TestSubscription_CloseStopsDelivery(t *testing.T) {
	b := NewBroadcaster[int]()
	s := b.Subscribe(context.Background(), nil, nil)

	b.Publish(1)
	s.Close()
	s.Close()
	b.Publish(2)

	if _, ok := <-s.C(); ok {
		t.Fatal("closed subscription delivered a value")
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d after close", b.Len())
	}
}

func TestSubscription_ContextCancel(t *testing.T) {
	b := NewBroadcaster[int]()
	ctx, cancel := context.WithCancel(context.Background())
	s := b.Subscribe(ctx, nil, nil)
	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not cancelled with its context")
	}
	if _, ok := <-s.C(); ok {
		t.Fatal("cancelled subscription delivered a value")
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster[string]()
	s := b.Subscribe(context.Background(), nil, nil)
	b.Close()

	if _, ok := <-s.C(); ok {
		t.Fatal("expected closed channel")
	}
	late := b.Subscribe(context.Background(), nil, nil)
	if _, ok := <-late.C(); ok {
		t.Fatal("subscribe after close should yield a closed subscription")
	}
}
