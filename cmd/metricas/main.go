package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/urbanevents/metricas/internal/app/migrate"
	"github.com/urbanevents/metricas/internal/consumer"
	"github.com/urbanevents/metricas/internal/domain"
	httpx "github.com/urbanevents/metricas/internal/http"
	"github.com/urbanevents/metricas/internal/repository"
	"github.com/urbanevents/metricas/internal/repository/memory"
	"github.com/urbanevents/metricas/internal/repository/postgres"
	"github.com/urbanevents/metricas/internal/repository/sqlite"
	"github.com/urbanevents/metricas/internal/service/aggregation"
	"github.com/urbanevents/metricas/internal/service/lifecycle"
	"github.com/urbanevents/metricas/internal/service/query"
	"github.com/urbanevents/metricas/internal/ws"
	"github.com/urbanevents/metricas/pkg/config"
	"github.com/urbanevents/metricas/pkg/logger"
)

type metricStore interface {
	repository.IncidentMetricRepository
	repository.AggregateMetricRepository
	repository.HealthChecker
}

func main() {
	cfg := config.Load()
	log := logger.New("metricas", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open storage", "driver", cfg.StorageDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	hub := ws.NewHub(log)
	defer hub.Close()

	opts := aggregation.Options{
		SweepInterval: cfg.SweepInterval,
		SweepCron:     cfg.SweepCron,
		Publisher:     hub,
	}
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		lease, err := aggregation.NewRedisLease(addr, cfg.RedisPassword, cfg.RedisDB, cfg.LeaseTTL)
		if err != nil {
			log.Warn("redis recompute lease unavailable", "error", err)
		} else {
			defer lease.Close()
			opts.Lease = lease
		}
	}
	coordinator := aggregation.NewCoordinator(store, store, log, opts)
	go coordinator.Run(ctx)

	processor := lifecycle.NewProcessor(store, coordinator, log)

	if len(cfg.KafkaBrokers) > 0 {
		kafkaConsumer, err := consumer.New(consumer.Config{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topics: map[domain.EventKind]string{
				domain.EventCreated:     cfg.KafkaTopics.Created,
				domain.EventPrioritized: cfg.KafkaTopics.Prioritized,
				domain.EventNotified:    cfg.KafkaTopics.Notified,
				domain.EventChanged:     cfg.KafkaTopics.Changed,
			},
		}, processor, log)
		if err != nil {
			log.Error("failed to configure kafka consumer", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := kafkaConsumer.Run(ctx); err != nil {
				log.Error("kafka consumer stopped", "error", err)
			}
		}()
	} else {
		log.Info("kafka brokers not configured, HTTP ingest only")
	}

	router := httpx.NewRouter(log, httpx.Options{
		Queries:     query.NewService(store, store),
		Lifecycle:   processor,
		Sweeper:     coordinator,
		Hub:         hub,
		IngestToken: cfg.IngestToken,
		Health:      store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("metricas server starting", "addr", cfg.Addr, "storage", cfg.StorageDriver, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("metricas server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (metricStore, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case "", "memory":
		return memory.New(), func() {}, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		runner, err := migrate.New(pool, cfg.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := runner.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := runner.Ensure(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return postgres.New(pool), pool.Close, nil
	case "sqlite":
		repo, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info("sqlite storage opened", "path", cfg.SQLitePath)
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, errors.New("unsupported storage driver " + cfg.StorageDriver)
	}
}
