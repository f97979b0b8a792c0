// Package livestate mirrors the vehicle collection from the store's change
// feed, tracks one observed vehicle in detail, snaps positions onto their
// route and writes ETAs back to the store.
//
// The mirror belongs to the Synchronizer.  Every read returns a copy;
// callers change vehicles only through the store, which comes back here
// as a new feed event.
package livestate

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/transit-seat-reservation/internal/feed"
	"github.com/iliyamo/transit-seat-reservation/internal/geo"
	"github.com/iliyamo/transit-seat-reservation/internal/metrics"
	"github.com/iliyamo/transit-seat-reservation/internal/model"
	"github.com/iliyamo/transit-seat-reservation/internal/route"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

// DefaultStaleness is how long after its last report a vehicle still
// counts as online.
const DefaultStaleness = 2 * time.Minute

// ErrUnknownVehicle is returned by Observe for an id that does not exist.
var ErrUnknownVehicle = errors.New("livestate: unknown vehicle")

// PathSource resolves a route id to its polyline.  route.Registry
// implements it.
type PathSource interface {
	Path(routeID string) ([]geo.Point, bool)
}

// ChangeKind says what a Change is about.
type ChangeKind string

const (
	ChangeFleet              ChangeKind = "fleet"
	ChangeObserved           ChangeKind = "observed"
	ChangeObservationCleared ChangeKind = "observation_cleared"
)

// Change notifies consumers that the mirror moved on.  It carries no
// state: consumers read the current state back from the Synchronizer.
type Change struct {
	Kind      ChangeKind `json:"kind"`
	VehicleID string     `json:"vehicle_id,omitempty"`
	At        time.Time  `json:"at"`
}

// VehicleView is a vehicle as presented to readers.
type VehicleView struct {
	model.Vehicle
	Online  bool       `json:"online"`
	Snapped *geo.Point `json:"snapped,omitempty"`
}

// Options tunes the synchronizer.  Zero values select the defaults.
type Options struct {
	Staleness       time.Duration
	PublishParallel int
	GaugeInterval   time.Duration
	Now             func() time.Time
}

// Synchronizer is the live state mirror.
type Synchronizer struct {
	store     store.Store
	paths     PathSource
	projector *route.Projector
	log       *zap.Logger
	staleness time.Duration
	parallel  int
	gaugeTick time.Duration
	now       func() time.Time

	base context.Context
	stop context.CancelFunc

	mu       sync.RWMutex
	vehicles map[string]model.Vehicle
	order    []string
	snapped  map[string]geo.Point

	obsMu     sync.Mutex
	obsID     string
	obsGen    uint64
	obsCancel context.CancelFunc
	observed  *model.Vehicle

	changes *feed.Broadcaster[Change]
}

// New builds a synchronizer.  paths may be nil, which disables snapping
// and ETA publishing.
func New(st store.Store, paths PathSource, projector *route.Projector, log *zap.Logger, opts Options) *Synchronizer {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}
	if opts.PublishParallel <= 0 {
		opts.PublishParallel = 8
	}
	if opts.GaugeInterval <= 0 {
		opts.GaugeInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if projector == nil {
		projector = route.NewProjector(0)
	}
	if log == nil {
		log = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Synchronizer{
		store:     st,
		paths:     paths,
		projector: projector,
		log:       log.Named("livestate"),
		staleness: opts.Staleness,
		parallel:  opts.PublishParallel,
		gaugeTick: opts.GaugeInterval,
		now:       opts.Now,
		base:      base,
		stop:      stop,
		vehicles:  map[string]model.Vehicle{},
		snapped:   map[string]geo.Point{},
		changes:   feed.NewBroadcaster[Change](),
	}
}

// Online reports whether a vehicle last updated at lastUpdated is online
// at now.  It is never stored.
func Online(lastUpdated, now time.Time, staleness time.Duration) bool {
	if lastUpdated.IsZero() {
		return false
	}
	return now.Sub(lastUpdated) < staleness
}

// Run consumes the collection feed until ctx is cancelled or the feed
// closes.
func (s *Synchronizer) Run(ctx context.Context) error {
	sub, err := s.store.Watch(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	tick := time.NewTicker(s.gaugeTick)
	defer tick.Stop()

	s.log.Info("live state synchronizer started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return nil
		case snap, ok := <-sub.C():
			if !ok {
				return nil
			}
			s.Apply(ctx, snap)
		case <-tick.C:
			s.updateGauge()
		}
	}
}

// Apply replaces the mirror with snap, drops an observation whose vehicle
// is gone, and publishes changed ETAs.
func (s *Synchronizer) Apply(ctx context.Context, snap store.CollectionSnapshot) {
	metrics.FeedEvents.WithLabelValues("fleet").Inc()

	next := make(map[string]model.Vehicle, len(snap.Vehicles))
	order := make([]string, 0, len(snap.Vehicles))
	snapped := make(map[string]geo.Point, len(snap.Vehicles))
	var pending []etaWrite
	for _, v := range snap.Vehicles {
		v = v.Clone()
		next[v.ID] = v
		order = append(order, v.ID)
		if w, p, ok := s.project(v); ok {
			snapped[v.ID] = p
			if w.text != v.ETA {
				pending = append(pending, w)
			} else {
				metrics.ETAPublishes.WithLabelValues("unchanged").Inc()
			}
		}
	}

	s.mu.Lock()
	s.vehicles, s.order, s.snapped = next, order, snapped
	s.mu.Unlock()
	s.updateGauge()

	cleared := ""
	s.obsMu.Lock()
	if s.obsID != "" {
		if _, ok := next[s.obsID]; !ok {
			cleared = s.obsID
			s.clearLocked()
		}
	}
	s.obsMu.Unlock()

	now := s.now()
	s.changes.Publish(Change{Kind: ChangeFleet, At: now})
	if cleared != "" {
		s.log.Info("observed vehicle disappeared", zap.String("vehicle", cleared))
		s.changes.Publish(Change{Kind: ChangeObservationCleared, VehicleID: cleared, At: now})
	}

	s.publishETAs(ctx, pending)
}

type etaWrite struct {
	id   string
	text string
}

func (s *Synchronizer) project(v model.Vehicle) (etaWrite, geo.Point, bool) {
	if s.paths == nil {
		return etaWrite{}, geo.Point{}, false
	}
	raw, ok := v.Position()
	if !ok {
		return etaWrite{}, geo.Point{}, false
	}
	path, ok := s.paths.Path(v.Route)
	if !ok {
		return etaWrite{}, geo.Point{}, false
	}
	_, text, ok := s.projector.ETA(path, raw)
	if !ok {
		return etaWrite{}, geo.Point{}, false
	}
	return etaWrite{id: v.ID, text: text}, s.projector.Snap(path, raw), true
}

// publishETAs writes each ETA in its own transaction.  One vehicle's
// failure is logged and does not stop the others.
func (s *Synchronizer) publishETAs(ctx context.Context, writes []etaWrite) {
	if len(writes) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.parallel)
	for _, w := range writes {
		g.Go(func() error {
			err := s.store.Update(ctx, w.id, func(v *model.Vehicle) (bool, error) {
				if v.ETA == w.text {
					return false, nil
				}
				v.ETA = w.text
				return true, nil
			})
			switch {
			case err == nil:
				metrics.ETAPublishes.WithLabelValues("ok").Inc()
			case errors.Is(err, store.ErrNotFound):
				metrics.ETAPublishes.WithLabelValues("unchanged").Inc()
			default:
				metrics.ETAPublishes.WithLabelValues("error").Inc()
				s.log.Warn("eta publish failed", zap.String("vehicle", w.id), zap.String("eta", w.text), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Synchronizer) updateGauge() {
	now := s.now()
	s.mu.RLock()
	n := 0
	for _, v := range s.vehicles {
		if Online(v.LastUpdated, now, s.staleness) {
			n++
		}
	}
	s.mu.RUnlock()
	metrics.OnlineVehicles.Set(float64(n))
}

// Observe focuses on one vehicle.  Its detail snapshots are delivered by a
// dedicated single-document subscription that lives until
// ClearObservation, another Observe, or Close.
func (s *Synchronizer) Observe(ctx context.Context, id string) error {
	if _, ok := s.Lookup(id); !ok {
		if _, err := s.store.Get(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUnknownVehicle
			}
			return err
		}
	}

	obsCtx, cancel := context.WithCancel(s.base)
	sub, err := s.store.WatchVehicle(obsCtx, id)
	if err != nil {
		cancel()
		return err
	}

	s.obsMu.Lock()
	s.clearLocked()
	s.obsGen++
	gen := s.obsGen
	s.obsID = id
	s.obsCancel = cancel
	s.obsMu.Unlock()

	go s.follow(sub, id, gen)
	return nil
}

func (s *Synchronizer) follow(sub *feed.Subscription[store.DocumentSnapshot], id string, gen uint64) {
	defer sub.Close()
	for doc := range sub.C() {
		metrics.FeedEvents.WithLabelValues("observed").Inc()
		s.obsMu.Lock()
		if s.obsGen != gen {
			s.obsMu.Unlock()
			return
		}
		if doc.Vehicle == nil {
			s.clearLocked()
			s.obsMu.Unlock()
			s.changes.Publish(Change{Kind: ChangeObservationCleared, VehicleID: id, At: s.now()})
			return
		}
		v := doc.Vehicle.Clone()
		s.observed = &v
		s.obsMu.Unlock()
		s.changes.Publish(Change{Kind: ChangeObserved, VehicleID: id, At: s.now()})
	}
}

// ClearObservation drops the observed vehicle, if any.
func (s *Synchronizer) ClearObservation() {
	s.obsMu.Lock()
	id := s.obsID
	s.clearLocked()
	s.obsMu.Unlock()
	if id != "" {
		s.changes.Publish(Change{Kind: ChangeObservationCleared, VehicleID: id, At: s.now()})
	}
}

// clearLocked requires obsMu.
func (s *Synchronizer) clearLocked() {
	if s.obsCancel != nil {
		s.obsCancel()
	}
	s.obsGen++
	s.obsID = ""
	s.obsCancel = nil
	s.observed = nil
}

// ObservedID returns the observed vehicle id, or "".
func (s *Synchronizer) ObservedID() string {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return s.obsID
}

// Observed returns the latest detail snapshot of the observed vehicle.
// ok is false when nothing is observed or no snapshot arrived yet.
func (s *Synchronizer) Observed() (VehicleView, bool) {
	s.obsMu.Lock()
	if s.observed == nil {
		s.obsMu.Unlock()
		return VehicleView{}, false
	}
	v := s.observed.Clone()
	s.obsMu.Unlock()
	return s.view(v), true
}

// Vehicles returns every mirrored vehicle ordered by id.
func (s *Synchronizer) Vehicles() []VehicleView {
	s.mu.RLock()
	vs := make([]model.Vehicle, 0, len(s.order))
	for _, id := range s.order {
		vs = append(vs, s.vehicles[id].Clone())
	}
	s.mu.RUnlock()

	out := make([]VehicleView, 0, len(vs))
	for _, v := range vs {
		out = append(out, s.view(v))
	}
	return out
}

// Vehicle returns one mirrored vehicle.
func (s *Synchronizer) Vehicle(id string) (VehicleView, bool) {
	v, ok := s.Lookup(id)
	if !ok {
		return VehicleView{}, false
	}
	return s.view(v), true
}

// Lookup returns a copy of the mirrored vehicle.
func (s *Synchronizer) Lookup(id string) (model.Vehicle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return model.Vehicle{}, false
	}
	return v.Clone(), true
}

// All returns copies of every mirrored vehicle.
func (s *Synchronizer) All() []model.Vehicle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Vehicle, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.vehicles[id].Clone())
	}
	return out
}

func (s *Synchronizer) view(v model.Vehicle) VehicleView {
	out := VehicleView{Vehicle: v, Online: Online(v.LastUpdated, s.now(), s.staleness)}
	s.mu.RLock()
	if p, ok := s.snapped[v.ID]; ok {
		out.Snapped = &p
	}
	s.mu.RUnlock()
	return out
}

// Subscribe delivers change notifications until ctx is cancelled.  A slow
// subscriber sees only the latest change.
func (s *Synchronizer) Subscribe(ctx context.Context) *feed.Subscription[Change] {
	return s.changes.Subscribe(ctx, nil, nil)
}

// Close ends the observation and every change subscription.
func (s *Synchronizer) Close() {
	s.obsMu.Lock()
	s.clearLocked()
	s.obsMu.Unlock()
	s.stop()
	s.changes.Close()
}
