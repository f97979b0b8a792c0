package router

import (
	"context"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/transit-seat-reservation/internal/config"
	"github.com/iliyamo/transit-seat-reservation/internal/handler"
	"github.com/iliyamo/transit-seat-reservation/internal/middleware"
)

// Options carries the cross-cutting pieces every route group needs.
// Redis may be nil, which disables rate limiting and the response cache.
type Options struct {
	JWTSecret string
	RateLimit config.RateLimitConfig
	Cache     config.CacheConfig
	Redis     *redis.Client
	Log       *zap.Logger
}

// New returns an Echo instance with the shared middleware stack: request
// ids, panic recovery and zap request logging.
func New(log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))
	return e
}

// RegisterRoutes registers the operational endpoints: liveness,
// readiness and Prometheus metrics.
func RegisterRoutes(e *echo.Echo, ready func(ctx context.Context) error) {
	e.GET("/healthz", handler.Health)
	e.GET("/readyz", handler.Ready(ready))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterPublic registers endpoints that need no token: the fleet map,
// routes, the live stream and the observed vehicle.  Route definitions
// and polylines are served through the Redis response cache.
//
// The /v1 groups in this package carry no group-level middleware.  Echo
// backs group middleware with a catch-all on the prefix, and several
// groups share /v1, so middleware is attached per route instead.
func RegisterPublic(e *echo.Echo, fleet *handler.FleetHandler, stream *handler.StreamHandler, o Options) {
	limit := middleware.RateLimit(middleware.NewLimiter(o.RateLimit, o.Redis), o.Log)
	g := e.Group("/v1")

	g.GET("/vehicles", fleet.ListVehicles, limit)
	g.GET("/vehicles/:id", fleet.GetVehicle, limit)

	cache := middleware.ResponseCache(o.Cache, o.Redis, o.Log)
	g.GET("/routes", fleet.ListRoutes, limit, cache)
	g.GET("/routes/:id/path", fleet.RoutePath, limit, cache)

	// The stream is long-lived; it is not rate limited per message.
	g.GET("/stream", stream.Stream)
	g.GET("/observed", stream.Observed, limit)
	g.PUT("/observed", stream.Observe, limit)
	g.DELETE("/observed", stream.ClearObserved, limit)
}
