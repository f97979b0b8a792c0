// Package store defines the transactional vehicle store and its change
// feed.  Every write goes through Update, a read-then-conditional-write
// executed with serializable isolation per vehicle.  Nothing is
// serialised across vehicles.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/iliyamo/transit-seat-reservation/internal/feed"
	"github.com/iliyamo/transit-seat-reservation/internal/model"
)

var (
	// ErrNotFound is returned when the vehicle document does not exist.
	ErrNotFound = errors.New("store: vehicle not found")
	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("store: vehicle already exists")
	// ErrContention is returned when the backend could not guarantee
	// atomicity for this attempt (deadlock, lock wait timeout).  The whole
	// read-modify-write may be retried.
	ErrContention = errors.New("store: transaction contention")
)

// MutateFunc receives a private copy of the vehicle.  It reports whether
// the copy changed; an unchanged copy is not written.  A non-nil error
// aborts the write and is returned from Update as-is.
type MutateFunc func(v *model.Vehicle) (changed bool, err error)

// CollectionSnapshot is one full-collection feed event.
type CollectionSnapshot struct {
	Vehicles []model.Vehicle
	ReadAt   time.Time
}

// DocumentSnapshot is one single-vehicle feed event.  Vehicle is nil when
// the document no longer exists.
type DocumentSnapshot struct {
	ID      string
	Vehicle *model.Vehicle
}

// Store is the backing store for vehicles.
type Store interface {
	Get(ctx context.Context, id string) (model.Vehicle, error)
	List(ctx context.Context) ([]model.Vehicle, error)
	Create(ctx context.Context, v model.Vehicle) error
	Update(ctx context.Context, id string, fn MutateFunc) error
	// Watch delivers the current collection immediately and again after
	// every change.  The subscription ends when ctx is cancelled or it is
	// closed.
	Watch(ctx context.Context) (*feed.Subscription[CollectionSnapshot], error)
	// WatchVehicle is Watch narrowed to one document.
	WatchVehicle(ctx context.Context, id string) (*feed.Subscription[DocumentSnapshot], error)
}

func sortByID(vs []model.Vehicle) {
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID < vs[j].ID })
}
