// The consumer drains the driver-location topic and folds each update into
// the driver registry and the live locator index. It is the scale-out path
// for location ingest; the API server applies updates inline when Kafka is
// not configured.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

var (
	msgsConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	updatesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_updates_applied_total",
		Help: "Total location updates applied",
	})
	updateErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consumer_update_errors_total",
		Help: "Total location updates dropped after retries",
	})
)

// locationSink applies one location update to the backing stores.
type locationSink interface {
	Apply(ctx context.Context, upd ingest.LocationUpdate) error
}

type registrySink struct {
	drivers registry.DriverRegistry
	locator geo.Locator
}

func (s *registrySink) Apply(ctx context.Context, upd ingest.LocationUpdate) error {
	if s.drivers != nil {
		d, err := s.drivers.UpdateLocation(ctx, upd.DriverID, models.Coord{Lat: upd.Lat, Lng: upd.Lng})
		if err != nil {
			return err
		}
		if d.Availability == models.Offline {
			// offline drivers have no business in the locator
			if s.locator != nil {
				return s.locator.Remove(ctx, upd.DriverID)
			}
			return nil
		}
	}
	if s.locator != nil {
		return s.locator.Upsert(ctx, upd.DriverID, upd.Lat, upd.Lng)
	}
	return nil
}

// applyWithRetry retries transient failures with linear backoff. Domain
// errors (unknown driver) are not transient and fail immediately.
func applyWithRetry(ctx context.Context, sink locationSink, upd ingest.LocationUpdate, attempts int, backoff time.Duration) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = sink.Apply(ctx, upd)
		if lastErr == nil {
			return nil
		}
		var e *apperrors.Error
		if errors.As(lastErr, &e) && e.Kind != apperrors.KindInternal {
			return lastErr
		}
	}
	return lastErr
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	sink := &registrySink{}
	if cfg.PGDSN != "" {
		pg, err := registry.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		sink.drivers = pg.Drivers()
	}
	var redisLoc *geo.RedisLocator
	if cfg.RedisAddr != "" {
		redisLoc = geo.NewRedisLocator(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer redisLoc.Close()
		sink.locator = redisLoc
	}

	// metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if redisLoc != nil {
				if err := redisLoc.Ping(r.Context()); err != nil {
					http.Error(w, "redis not ready", http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down")
				return
			}
			logger.Error("read message", "error", err)
			continue
		}
		msgsConsumed.Inc()

		var upd ingest.LocationUpdate
		if err := json.Unmarshal(m.Value, &upd); err != nil || upd.DriverID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := applyWithRetry(ctx, sink, upd, cfg.RetryAttempts, cfg.RetryBackoff); err != nil {
			updateErrors.Inc()
			logger.Warn("update dropped", "driver_id", upd.DriverID, "error", err)
			continue
		}
		updatesApplied.Inc()
	}
}
