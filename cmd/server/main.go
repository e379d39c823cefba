package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/waste-pickup/internal/config"
	"github.com/example/waste-pickup/internal/dispatch"
	"github.com/example/waste-pickup/internal/eta"
	"github.com/example/waste-pickup/internal/events"
	"github.com/example/waste-pickup/internal/geo"
	"github.com/example/waste-pickup/internal/geocode"
	httpapi "github.com/example/waste-pickup/internal/http"
	"github.com/example/waste-pickup/internal/lifecycle"
	"github.com/example/waste-pickup/internal/logging"
	"github.com/example/waste-pickup/internal/matcher"
	"github.com/example/waste-pickup/internal/models"
	"github.com/example/waste-pickup/internal/pricing"
	"github.com/example/waste-pickup/internal/session"
	"github.com/example/waste-pickup/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := logging.NewLogger("api", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := storage.Open(storage.OpenOptions{
		Driver:    cfg.StoreDriver,
		SQLiteDir: cfg.SQLiteDir,
		PGDSN:     cfg.PGDSN,
		Migrate:   cfg.RunMigrations,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory job store; data is lost on restart")
	}
	ready := map[string]httpapi.ReadyCheck{"store": st.Ping}

	var index geo.Index
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		ready["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	} else {
		index = geo.NewMemoryIndex()
	}

	var pubs events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
		logger.Info("publishing job events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	// With both a broker and Redis the indexer process owns the index.
	if len(cfg.KafkaBrokers) == 0 || cfg.RedisAddr == "" {
		pubs = append(pubs, geo.Indexing{Index: index})
	}
	defer pubs.Close()

	pending, err := st.List(ctx, storage.Filter{Status: models.StatusPending})
	if err != nil {
		return fmt.Errorf("loading pending jobs: %w", err)
	}
	n, err := geo.Rebuild(ctx, index, pending)
	if err != nil {
		logger.Warn("geo index rebuild failed; nearby falls back to store scans", "error", err)
	} else {
		logger.Info("geo index rebuilt", "jobs", n)
	}

	policy, err := lifecycle.ParsePolicy(cfg.CompletionPolicy)
	if err != nil {
		return err
	}
	opts := []lifecycle.Option{
		lifecycle.WithPricing(pricing.Table{PerBag: cfg.PricePerBag}),
		lifecycle.WithLimits(cfg.Limits),
		lifecycle.WithPolicy(policy),
		lifecycle.WithLocation(cfg.PickupZone),
		lifecycle.WithPublisher(pubs),
		lifecycle.WithLogger(logger),
	}
	if cfg.GeocoderURL != "" {
		opts = append(opts, lifecycle.WithLocator(geocode.New(geocode.Options{
			Endpoint:          cfg.GeocoderURL,
			CountryCodes:      cfg.GeocoderCountries,
			UserAgent:         "waste-pickup/1.0",
			RequestsPerSecond: cfg.GeocoderRPS,
			Logger:            logger,
		})))
	}
	engine := lifecycle.New(st, opts...)

	var route eta.Client
	if cfg.OSRMURL != "" {
		route = eta.NewOSRMClient(cfg.OSRMURL)
	}
	m := &matcher.Service{
		Index:   index,
		Jobs:    st,
		ETA:     eta.NewEstimator(route, eta.NewCache(5*time.Minute), logger),
		RadiusM: cfg.NearbyRadiusM,
		TopN:    cfg.NearbyLimit,
		Logger:  logger,
	}
	ws := dispatch.NewWSRegistry(engine, dispatch.Options{
		CountdownEvery: cfg.CountdownInterval,
		Location:       cfg.PickupZone,
		Logger:         logger,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Engine:      engine,
		Sessions:    session.NewProvider(st),
		Matcher:     m,
		WS:          ws,
		Ready:       ready,
		BaseContext: ctx,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("waste-pickup listening", "addr", cfg.HTTPAddr, "store", cfg.StoreDriver, "policy", policy.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		ws.CloseAll()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
