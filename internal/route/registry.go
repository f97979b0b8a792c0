package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/transit-seat-reservation/internal/geo"
	"github.com/iliyamo/transit-seat-reservation/internal/metrics"
)

// Definition describes one route as configured: the stops the routing
// provider must pass through, in order.
type Definition struct {
	ID          string      `yaml:"id" json:"id" validate:"required"`
	Color       string      `yaml:"color" json:"color,omitempty" validate:"omitempty,hexcolor"`
	Origin      geo.Point   `yaml:"origin" json:"origin"`
	Waypoints   []geo.Point `yaml:"waypoints" json:"waypoints,omitempty" validate:"dive"`
	Destination geo.Point   `yaml:"destination" json:"destination"`
}

// PathCache persists fetched polylines so a restart does not hit the
// routing provider again.
type PathCache interface {
	Load(ctx context.Context, routeID string) ([]geo.Point, bool, error)
	Store(ctx context.Context, routeID string, path []geo.Point) error
}

// Registry owns one active polyline per route.  A polyline is immutable
// once fetched.
type Registry struct {
	provider  Provider
	cache     PathCache
	log       *zap.Logger
	defaultID string

	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
	paths map[string][]geo.Point
}

// NewRegistry builds a registry for defs.  Vehicles whose route has no
// definition use defaultID's polyline.  cache may be nil.
func NewRegistry(defs []Definition, defaultID string, provider Provider, cache PathCache, log *zap.Logger) *Registry {
	r := &Registry{
		provider:  provider,
		cache:     cache,
		log:       log.Named("route.registry"),
		defaultID: defaultID,
		defs:      make(map[string]Definition, len(defs)),
		paths:     make(map[string][]geo.Point, len(defs)),
	}
	for _, d := range defs {
		if _, dup := r.defs[d.ID]; !dup {
			r.order = append(r.order, d.ID)
		}
		r.defs[d.ID] = d
	}
	if r.defaultID == "" && len(r.order) > 0 {
		r.defaultID = r.order[0]
	}
	return r
}

// Definitions returns the configured routes in declaration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// Definition returns one route definition.
func (r *Registry) Definition(routeID string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[routeID]
	return d, ok
}

// Path returns the polyline for routeID, falling back to the default
// route when routeID has no definition.  ok is false when no polyline is
// available yet.  The returned slice must not be modified.
func (r *Registry) Path(routeID string) ([]geo.Point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := routeID
	if _, known := r.defs[id]; !known {
		id = r.defaultID
	}
	p, ok := r.paths[id]
	return p, ok && len(p) > 0
}

// Complete reports whether every route has a polyline.
func (r *Registry) Complete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.paths) == len(r.defs)
}

// Refresh loads every missing polyline, first from the cache and then from
// the provider.  A failing route is logged and skipped; the joined errors
// are returned so callers can schedule another attempt.
func (r *Registry) Refresh(ctx context.Context) error {
	var errs []error
	for _, d := range r.Definitions() {
		r.mu.RLock()
		_, have := r.paths[d.ID]
		r.mu.RUnlock()
		if have {
			continue
		}
		path, err := r.fetch(ctx, d)
		if err != nil {
			r.log.Warn("route polyline unavailable", zap.String("route", d.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("route %s: %w", d.ID, err))
			continue
		}
		r.mu.Lock()
		r.paths[d.ID] = path
		r.mu.Unlock()
		r.log.Info("route polyline loaded", zap.String("route", d.ID), zap.Int("points", len(path)),
			zap.Float64("length_m", geo.LineLength(path)))
	}
	return errors.Join(errs...)
}

func (r *Registry) fetch(ctx context.Context, d Definition) ([]geo.Point, error) {
	if r.cache != nil {
		path, ok, err := r.cache.Load(ctx, d.ID)
		if err != nil {
			r.log.Debug("route cache read failed", zap.String("route", d.ID), zap.Error(err))
		} else if ok && len(path) > 0 {
			return path, nil
		}
	}
	start := time.Now()
	path, err := r.provider.Directions(ctx, d.Origin, d.Waypoints, d.Destination)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RouteFetchLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrProviderUnavailable)
	}
	if r.cache != nil {
		if err := r.cache.Store(ctx, d.ID, path); err != nil {
			r.log.Debug("route cache write failed", zap.String("route", d.ID), zap.Error(err))
		}
	}
	return path, nil
}

// Run refreshes every interval until all routes have a polyline or ctx is
// cancelled.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	_ = r.Refresh(ctx)
	t := time.NewTicker(every)
	defer t.Stop()
	for !r.Complete() {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = r.Refresh(ctx)
		}
	}
}

// RedisPathCache stores polylines as JSON under prefix:<route id> with no
// expiry, since a fetched polyline never changes.
type RedisPathCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisPathCache returns nil when rdb is nil so callers can pass the
// result straight to NewRegistry.
func NewRedisPathCache(rdb *redis.Client, prefix string) PathCache {
	if rdb == nil {
		return nil
	}
	if prefix == "" {
		prefix = "route:path"
	}
	return &RedisPathCache{rdb: rdb, prefix: prefix}
}

func (c *RedisPathCache) key(routeID string) string { return c.prefix + ":" + routeID }

// Load implements PathCache.
func (c *RedisPathCache) Load(ctx context.Context, routeID string) ([]geo.Point, bool, error) {
	bs, err := c.rdb.Get(ctx, c.key(routeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var path []geo.Point
	if err := json.Unmarshal(bs, &path); err != nil {
		return nil, false, err
	}
	return path, true, nil
}

// Store implements PathCache.
func (c *RedisPathCache) Store(ctx context.Context, routeID string, path []geo.Point) error {
	bs, err := json.Marshal(path)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(routeID), bs, 0).Err()
}
