package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/iliyamo/transit-seat-reservation/internal/model"
	"github.com/iliyamo/transit-seat-reservation/internal/queue"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

func newStore(t *testing.T, ids ...string) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(st.Close)
	for _, id := range ids {
		if err := st.Create(context.Background(), model.Vehicle{ID: id, Route: "main", Seats: model.SeatMap{Total: 25}}); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestApply(t *testing.T) {
	st := newStore(t, "u1")
	in := New(st, zap.NewNop())
	now := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return now }
	ctx := context.Background()

	if err := in.Apply(ctx, SourceHTTP, queue.PositionMessage{VehicleID: "u1", Lat: 15.92, Lng: 120.41}); err != nil {
		t.Fatal(err)
	}
	v, _ := st.Get(ctx, "u1")
	p, ok := v.Position()
	if !ok || p.Lat != 15.92 || !v.LastUpdated.Equal(now) {
		t.Fatalf("vehicle = %+v", v)
	}

	// Moving north derives a heading close to 0.
	if err := in.Apply(ctx, SourceHTTP, queue.PositionMessage{VehicleID: "u1", Lat: 15.93, Lng: 120.41, ReportedAt: now.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	v, _ = st.Get(ctx, "u1")
	if v.Heading > 1 && v.Heading < 359 {
		t.Fatalf("heading = %v, want ~0", v.Heading)
	}
}

func TestApply_DropsOutOfOrderReports(t *testing.T) {
	st := newStore(t, "u1")
	in := New(st, zap.NewNop())
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)

	_ = in.Apply(ctx, SourceAMQP, queue.PositionMessage{VehicleID: "u1", Lat: 2, Lng: 2, ReportedAt: t0})
	_ = in.Apply(ctx, SourceAMQP, queue.PositionMessage{VehicleID: "u1", Lat: 1, Lng: 1, ReportedAt: t0.Add(-time.Minute)})

	v, _ := st.Get(ctx, "u1")
	if p, _ := v.Position(); p.Lat != 2 {
		t.Fatalf("older report overwrote the newer fix: %+v", p)
	}
}

func TestApply_ClampsFutureTimestamps(t *testing.T) {
	st := newStore(t, "u1")
	in := New(st, zap.NewNop())
	now := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return now }
	ctx := context.Background()

	if err := in.Apply(ctx, SourceAMQP, queue.PositionMessage{VehicleID: "u1", Lat: 15.92, Lng: 120.41, ReportedAt: now.Add(24 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	v, _ := st.Get(ctx, "u1")
	if !v.LastUpdated.Equal(now) {
		t.Fatalf("last updated = %v, want %v", v.LastUpdated, now)
	}

	now = now.Add(30 * time.Second)
	if err := in.Apply(ctx, SourceHTTP, queue.PositionMessage{VehicleID: "u1", Lat: 15.93, Lng: 120.42}); err != nil {
		t.Fatal(err)
	}
	v, _ = st.Get(ctx, "u1")
	if p, _ := v.Position(); p.Lat != 15.93 || !v.LastUpdated.Equal(now) {
		t.Fatalf("later report dropped: pos=%+v last updated=%v", p, v.LastUpdated)
	}
}

func TestApply_Errors(t *testing.T) {
	in := New(newStore(t, "u1"), zap.NewNop())
	ctx := context.Background()

	if err := in.Apply(ctx, SourceHTTP, queue.PositionMessage{VehicleID: "ghost", Lat: 1, Lng: 1}); !errors.Is(err, ErrUnknownVehicle) {
		t.Errorf("unknown vehicle: err = %v", err)
	}
	if err := in.Apply(ctx, SourceHTTP, queue.PositionMessage{VehicleID: "u1", Lat: 91, Lng: 1}); !errors.Is(err, ErrInvalidReport) {
		t.Errorf("bad latitude: err = %v", err)
	}
	if err := in.Apply(ctx, SourceHTTP, queue.PositionMessage{Lat: 1, Lng: 1}); !errors.Is(err, ErrInvalidReport) {
		t.Errorf("missing id: err = %v", err)
	}
}

func TestMQTTHandle_TakesVehicleFromTopic(t *testing.T) {
	st := newStore(t, "u7")
	sub := NewMQTTSubscriber(MQTTConfig{}, New(st, zap.NewNop()), zap.NewNop())

	sub.Handle(context.Background(), "fleet/u7/position", []byte(`{"lat":16.01,"lng":120.35}`))
	v, _ := st.Get(context.Background(), "u7")
	if p, ok := v.Position(); !ok || p.Lng != 120.35 {
		t.Fatalf("position = %+v, %v", p, ok)
	}

	// Garbage is dropped without touching the store.
	sub.Handle(context.Background(), "fleet/u7/position", []byte(`not json`))
}

func TestVehicleFromTopic(t *testing.T) {
	tests := map[string]string{
		"fleet/u1/position": "u1",
		"fleet/u1/status":   "",
		"u1/position":       "",
	}
	for topic, want := range tests {
		if got := VehicleFromTopic(topic); got != want {
			t.Errorf("VehicleFromTopic(%q) = %q, want %q", topic, got, want)
		}
	}
}

func TestGTFSPoller_Poll(t *testing.T) {
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
		Entity: []*gtfs.FeedEntity{
			{
				Id: proto.String("e1"),
				Vehicle: &gtfs.VehiclePosition{
					Vehicle:   &gtfs.VehicleDescriptor{Id: proto.String("u1")},
					Trip:      &gtfs.TripDescriptor{RouteId: proto.String("Dagupan→Calasiao")},
					Position:  &gtfs.Position{Latitude: proto.Float32(16.04), Longitude: proto.Float32(120.33), Bearing: proto.Float32(45)},
					Timestamp: proto.Uint64(uint64(time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC).Unix())),
				},
			},
			{
				// Unregistered vehicle, skipped.
				Id: proto.String("e2"),
				Vehicle: &gtfs.VehiclePosition{
					Position: &gtfs.Position{Latitude: proto.Float32(1), Longitude: proto.Float32(1)},
				},
			},
			// Not a vehicle entity.
			{Id: proto.String("e3")},
		},
	}
	body, err := proto.Marshal(feed)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	st := newStore(t, "u1")
	p := NewGTFSPoller(srv.URL, New(st, zap.NewNop()), zap.NewNop())
	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("applied = %d, want 1", n)
	}
	v, _ := st.Get(context.Background(), "u1")
	if v.Route != "Dagupan→Calasiao" || v.Heading != 45 || v.LastUpdated.Year() != 2026 {
		t.Fatalf("vehicle = %+v", v)
	}
}

func TestGTFSPoller_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewGTFSPoller(srv.URL, New(newStore(t), zap.NewNop()), zap.NewNop())
	if _, err := p.Poll(context.Background()); err == nil {
		t.Fatal("expected an error for a non-200 feed")
	}
}
