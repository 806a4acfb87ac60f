package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/example/ride-dispatch/internal/assign"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/registry"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	var store registry.Store
	if cfg.PGDSN != "" {
		pg, err := registry.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := runMigrations(pg, cfg.MigrationsDir, logger); err != nil {
				logger.Error("migrations", "error", err)
				os.Exit(1)
			}
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory registries")
		store = registry.NewMemoryStore()
	}

	var locator geo.Locator
	if cfg.RedisAddr != "" {
		locator = geo.NewRedisLocator(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		locator = geo.NewMemLocator()
	}

	var kafka *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kafka = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
	}

	hub := dispatch.NewWSHub(logging.Component(logger, "ws"))
	notifiers := []dispatch.Notifier{hub, &dispatch.LogNotifier{Logger: logging.Component(logger, "events")}}
	if cfg.WebhookEndpoint != "" {
		notifiers = append(notifiers, dispatch.NewWebhookNotifier(cfg.WebhookEndpoint, cfg.WebhookToken))
	}
	notifier := &dispatch.Multi{Notifiers: notifiers, Logger: logger}

	engine := &match.Engine{
		Drivers:     store.Drivers(),
		Rides:       store.Rides(),
		AvgSpeedKmh: cfg.AvgSpeedKmh,
		ETACache:    eta.NewCache(30 * time.Second),
	}
	if cfg.OSRMEndpoint != "" {
		engine.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	coord := &assign.Coordinator{Store: store, Notifier: notifier}

	srvOpts := httpapi.Options{
		Store:      store,
		Engine:     engine,
		Coord:      coord,
		Hub:        hub,
		Locator:    locator,
		MatchLimit: cfg.MatchLimit,
		Logger:     logging.Component(logger, "http"),
	}
	if kafka != nil {
		srvOpts.Kafka = kafka
	}
	srv := httpapi.NewServer(srvOpts)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("bye")
}

func runMigrations(pg *registry.PostgresStore, dir string, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if _, err := pg.DB().Exec(string(b)); err != nil {
			return err
		}
		logger.Info("migration applied", "file", e.Name())
	}
	return nil
}
