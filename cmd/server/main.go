package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/service-dispatch/internal/config"
	"github.com/example/service-dispatch/internal/dispatch"
	httpapi "github.com/example/service-dispatch/internal/http"
	"github.com/example/service-dispatch/internal/ingest"
	"github.com/example/service-dispatch/internal/logging"
	"github.com/example/service-dispatch/internal/matcher"
	"github.com/example/service-dispatch/internal/notify"
	"github.com/example/service-dispatch/internal/registry"
	"github.com/example/service-dispatch/internal/stats"
	"github.com/example/service-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// request store: postgres when configured, memory otherwise
	var store storage.RequestStore
	var declines storage.DeclineStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := applyMigrations(cfg.PGDSN); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store, declines = ps, ps
	} else {
		ms := storage.NewMemoryStore()
		store, declines = ms, ms
	}

	var reg registry.WorkerRegistry
	if cfg.RedisAddr != "" {
		reg = registry.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		reg = registry.NewMemory()
	}

	sinks := make([]dispatch.EventSink, 0, 3)
	if len(cfg.KafkaBrokers) > 0 {
		events := notify.NewKafkaEvents(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer func() { _ = events.Close() }()
		sinks = append(sinks, events)
	}
	if cfg.WebhookEndpoint != "" {
		wh := notify.NewWebhook(cfg.WebhookEndpoint)
		sinks = append(sinks, wh)
		sinks = append(sinks, &notify.WorkerFanout{Registry: reg, Sink: wh, RadiusKm: cfg.DefaultRadiusKm})
	}

	coord := &dispatch.Coordinator{
		Store:    store,
		Declines: declines,
		Registry: reg,
		Sink:     &dispatch.Fanout{Sinks: sinks, Logger: logging.ForComponent(logger, "events")},
		Logger:   logging.ForComponent(logger, "coordinator"),
	}
	m := &matcher.Service{Store: store, Declines: declines, DefaultRadiusKm: cfg.DefaultRadiusKm}
	agg := &stats.Aggregator{Store: store, Registry: reg}

	var locations *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		locations = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer func() { _ = locations.Close() }()
	}

	api := httpapi.NewServer(cfg, logging.ForComponent(logger, "http"), coord, m, reg, agg, locations)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("service-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func applyMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_service_requests.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
