package store

import (
	"context"
	"sync"
	"time"

	"github.com/iliyamo/transit-seat-reservation/internal/feed"
	"github.com/iliyamo/transit-seat-reservation/internal/model"
)

// MemoryStore keeps vehicles in process.  Each vehicle has its own mutex,
// which is the unit of mutual exclusion for Update.  It backs local
// development (STORE_DRIVER=memory) and the package tests of every
// component above the store.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memEntry

	pubMu sync.Mutex
	all   *feed.Broadcaster[CollectionSnapshot]
	one   *feed.Broadcaster[DocumentSnapshot]
	now   func() time.Time
}

type memEntry struct {
	mu      sync.Mutex
	v       model.Vehicle
	deleted bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*memEntry),
		all:  feed.NewBroadcaster[CollectionSnapshot](),
		one:  feed.NewBroadcaster[DocumentSnapshot](),
		now:  time.Now,
	}
}

// Get returns a copy of the vehicle.
func (s *MemoryStore) Get(ctx context.Context, id string) (model.Vehicle, error) {
	if err := ctx.Err(); err != nil {
		return model.Vehicle{}, err
	}
	s.mu.RLock()
	e, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return model.Vehicle{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return model.Vehicle{}, ErrNotFound
	}
	return e.v.Clone(), nil
}

// List returns copies of every vehicle ordered by id.
func (s *MemoryStore) List(ctx context.Context) ([]model.Vehicle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.snapshot(), nil
}

// Create registers a new vehicle.
func (s *MemoryStore) Create(ctx context.Context, v model.Vehicle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v = v.Clone()
	v.Seats.Normalize()

	s.mu.Lock()
	if _, ok := s.docs[v.ID]; ok {
		s.mu.Unlock()
		return ErrExists
	}
	s.docs[v.ID] = &memEntry{v: v}
	s.mu.Unlock()

	s.publish(v.ID)
	return nil
}

// Delete removes a vehicle.  Fleet management owns removal; the core only
// observes it through the feed.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	e, ok := s.docs[id]
	if ok {
		delete(s.docs, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()

	s.publish(id)
	return nil
}

// Update runs fn against a copy of the vehicle while holding that
// vehicle's lock, and stores the copy when fn reports a change.
func (s *MemoryStore) Update(ctx context.Context, id string, fn MutateFunc) error {
	s.mu.RLock()
	e, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return err
	}
	if e.deleted {
		e.mu.Unlock()
		return ErrNotFound
	}
	work := e.v.Clone()
	changed, err := fn(&work)
	if err != nil || !changed {
		e.mu.Unlock()
		return err
	}
	work.ID = id
	work.Seats.Normalize()
	e.v = work
	e.mu.Unlock()

	s.publish(id)
	return nil
}

// Watch subscribes to full-collection snapshots.
func (s *MemoryStore) Watch(ctx context.Context) (*feed.Subscription[CollectionSnapshot], error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	seed := CollectionSnapshot{Vehicles: s.snapshot(), ReadAt: s.now()}
	return s.all.Subscribe(ctx, nil, &seed), nil
}

// WatchVehicle subscribes to snapshots of one vehicle.
func (s *MemoryStore) WatchVehicle(ctx context.Context, id string) (*feed.Subscription[DocumentSnapshot], error) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	seed := s.document(id)
	return s.one.Subscribe(ctx, func(d DocumentSnapshot) bool { return d.ID == id }, &seed), nil
}

// Close ends every open subscription.
func (s *MemoryStore) Close() {
	s.all.Close()
	s.one.Close()
}

func (s *MemoryStore) publish(id string) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.all.Publish(CollectionSnapshot{Vehicles: s.snapshot(), ReadAt: s.now()})
	s.one.Publish(s.document(id))
}

func (s *MemoryStore) document(id string) DocumentSnapshot {
	s.mu.RLock()
	e, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return DocumentSnapshot{ID: id}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return DocumentSnapshot{ID: id}
	}
	v := e.v.Clone()
	return DocumentSnapshot{ID: id, Vehicle: &v}
}

func (s *MemoryStore) snapshot() []model.Vehicle {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.docs))
	for _, e := range s.docs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]model.Vehicle, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.v.Clone())
		}
		e.mu.Unlock()
	}
	sortByID(out)
	return out
}
