package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/transit-seat-reservation/internal/config"
	"github.com/iliyamo/transit-seat-reservation/internal/database"
	"github.com/iliyamo/transit-seat-reservation/internal/handler"
	"github.com/iliyamo/transit-seat-reservation/internal/ingest"
	"github.com/iliyamo/transit-seat-reservation/internal/livestate"
	"github.com/iliyamo/transit-seat-reservation/internal/logger"
	"github.com/iliyamo/transit-seat-reservation/internal/queue"
	"github.com/iliyamo/transit-seat-reservation/internal/reservation"
	"github.com/iliyamo/transit-seat-reservation/internal/route"
	"github.com/iliyamo/transit-seat-reservation/internal/router"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()
	log := logger.Must(logger.FromEnv())
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	// Store and change feed.
	var st store.Store
	switch cfg.StoreDriver {
	case "memory":
		mem := store.NewMemoryStore()
		defer mem.Close()
		st = mem
		log.Warn("using the in-memory store; state is lost on restart")
	default:
		db, err := database.Open(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer db.Close()
		ms := store.NewMySQLStore(db, log, cfg.StorePollInterval)
		if err := ms.Migrate(ctx); err != nil {
			return err
		}
		g.Go(func() error { return ms.Run(ctx) })
		st = ms
	}

	// Redis is optional: without it there is no rate limiting, response
	// cache or polyline cache.
	rdb, err := config.NewRedisClient(ctx, config.LoadRedisConfig())
	if err != nil {
		log.Warn("redis unavailable, running without caches and rate limiting", zap.Error(err))
	} else {
		defer rdb.Close()
	}

	// Routes.
	rf, err := config.LoadRoutes(cfg.RoutesFile)
	if err != nil {
		return err
	}
	var provider route.Provider = route.StraightLineProvider{}
	if cfg.DirectionsURL != "" {
		provider = route.NewDirectionsProvider(cfg.DirectionsURL, cfg.DirectionsAPIKey)
	}
	defaultRoute := rf.Default
	if cfg.DefaultRoute != "" {
		defaultRoute = cfg.DefaultRoute
	}
	routes := route.NewRegistry(rf.Routes, defaultRoute, provider, route.NewRedisPathCache(rdb, ""), log)
	g.Go(func() error { routes.Run(ctx, cfg.RouteRefreshInterval); return nil })

	// Live state.
	live := livestate.New(st, routes, route.NewProjector(cfg.ETASpeedMps), log, livestate.Options{Staleness: cfg.OnlineStaleness})
	defer live.Close()
	g.Go(func() error {
		if err := live.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Messaging.
	var events reservation.EventPublisher
	ingestor := ingest.New(st, log)
	if cfg.RabbitURL != "" {
		pub := queue.NewPublisher(cfg.RabbitURL, log)
		defer pub.Close()
		events = pub

		eventLog := queue.NewConsumer(cfg.RabbitURL, queue.ReservationQueue, queue.ReservationLog{Dir: cfg.EventLogDir}.Handle, log)
		positions := queue.NewConsumer(cfg.RabbitURL, queue.PositionQueue, queue.PositionHandler(func(ctx context.Context, msg queue.PositionMessage) error {
			return ingestor.Apply(ctx, ingest.SourceAMQP, msg)
		}), log)
		g.Go(func() error { return ignoreCancel(eventLog.Run(ctx)) })
		g.Go(func() error { return ignoreCancel(positions.Run(ctx)) })
	}
	if cfg.MQTTBrokerURL != "" {
		sub := ingest.NewMQTTSubscriber(ingest.MQTTConfig{
			BrokerURL: cfg.MQTTBrokerURL,
			Topic:     cfg.MQTTTopic,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, ingestor, log)
		g.Go(func() error { return sub.Run(ctx) })
	}
	if cfg.GTFSRTURL != "" {
		poller := ingest.NewGTFSPoller(cfg.GTFSRTURL, ingestor, log)
		g.Go(func() error { poller.Run(ctx, cfg.GTFSRTPollInterval); return nil })
	}

	coord := reservation.New(st, live, events, log, reservation.Options{
		MaxAttempts: cfg.ReservationMaxAttempts,
		Timeout:     cfg.ReservationTimeout,
	})

	// HTTP.
	e := router.New(log)
	opts := router.Options{
		JWTSecret: cfg.JWTSecret,
		RateLimit: config.LoadRateLimitConfig(),
		Cache:     config.LoadCacheConfig(),
		Redis:     rdb,
		Log:       log,
	}
	fleet := handler.NewFleetHandler(live, st, routes, ingestor)
	router.RegisterRoutes(e, func(ctx context.Context) error { _, err := st.List(ctx); return err })
	router.RegisterPublic(e, fleet, handler.NewStreamHandler(live), opts)
	router.RegisterPassenger(e, handler.NewReservationHandler(coord), opts)
	router.RegisterFleetOps(e, fleet, opts)

	addr := ":" + cfg.Port
	g.Go(func() error {
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("store", cfg.StoreDriver))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		// Stream handlers return once the synchronizer closes their feeds.
		live.Close()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdown)
	})

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
