package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/scheduler"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/stream"
)

type driverIndex interface {
	geo.Finder
	geo.Directory
	geo.Registry
}

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store setup failed", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var drivers driverIndex
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		drivers = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.Dispatch.LocationFreshness)
		logger.Info("using redis driver index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		drivers = geo.NewIndex(cfg.Dispatch.LocationFreshness)
		logger.Info("using in-memory driver index")
	}

	var (
		events    dispatch.EventPublisher
		locations httpapi.LocationPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		kp := stream.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaRideEventsTopic)
		defer func() {
			if err := kp.Close(); err != nil {
				logger.Warn("kafka close failed", "error", err)
			}
		}()
		events, locations = kp, kp
		logger.Info("kafka producer enabled", "brokers", cfg.KafkaBrokers)
	}

	var ledger payments.Ledger
	if cfg.StripeAPIKey != "" {
		ledger = payments.NewStripeLedger(cfg.StripeAPIKey, "")
		logger.Info("using stripe ledger")
	} else {
		ledger = payments.NewMemoryLedger(10_000_000)
		logger.Warn("STRIPE_API_KEY not set, using in-memory ledger")
	}

	sessions := notify.NewWSRegistry()
	fanout := &notify.Fanout{WS: sessions, Logger: logger}
	if cfg.PushEndpoint != "" {
		fanout.Push = notify.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)
	}

	var arrival eta.Client
	if cfg.OSRMEndpoint != "" {
		arrival = eta.NewCached(eta.NewOSRMClient(cfg.OSRMEndpoint), cfg.ETACacheTTL)
		logger.Info("using routing engine arrival estimates", "endpoint", cfg.OSRMEndpoint)
	}

	timers := scheduler.New(logger)
	coord := dispatch.NewCoordinator(dispatch.Deps{
		Store:     store,
		Finder:    drivers,
		Directory: drivers,
		Scorer:    matcher.NewScorer(cfg.Dispatch.AverageSpeedKmh),
		Timers:    timers,
		Notifier:  fanout,
		Ledger:    ledger,
		Events:    events,
		ETA:       arrival,
		Logger:    logger,
	}, dispatch.Config{
		RadiusKm:            cfg.Dispatch.RadiusKm,
		BatchSize:           cfg.Dispatch.BatchSize,
		BatchTimeout:        cfg.Dispatch.BatchTimeout,
		ArrivalTimeout:      cfg.Dispatch.ArrivalTimeout,
		RideDurationTimeout: cfg.Dispatch.RideDurationTimeout,
		Currency:            cfg.Dispatch.DefaultCurrency,
	})

	api := httpapi.NewServer(httpapi.Options{
		Coordinator: coord,
		Directory:   drivers,
		Registry:    drivers,
		Locations:   locations,
		Sessions:    sessions,
		Logger:      logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	sessions.CloseAll()
	timers.Close()
}

// openStore connects to Postgres when PG_DSN is set and falls back to the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory store")
		return storage.NewMemoryStore(), func() {}, nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := ps.Close(); err != nil {
			logger.Warn("postgres close failed", "error", err)
		}
	}
	if cfg.RunMigrations {
		b, err := os.ReadFile(filepath.Join("migrations", "001_dispatch.sql"))
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		if err := ps.Migrate(ctx, string(b)); err != nil {
			closeFn()
			return nil, nil, err
		}
		logger.Info("migration applied", "file", "001_dispatch.sql")
	}
	return ps, closeFn, nil
}
