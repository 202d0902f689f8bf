package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/purrrlove/webhook-engine/internal/api"
	"github.com/purrrlove/webhook-engine/internal/config"
	"github.com/purrrlove/webhook-engine/internal/engine"
	"github.com/purrrlove/webhook-engine/internal/metrics"
	"github.com/purrrlove/webhook-engine/internal/registry"
	"github.com/purrrlove/webhook-engine/internal/service"
	"github.com/purrrlove/webhook-engine/internal/store"
	"github.com/purrrlove/webhook-engine/internal/tracing"
	"github.com/purrrlove/webhook-engine/internal/websocket"
	"github.com/purrrlove/webhook-engine/internal/worker"
	"github.com/purrrlove/webhook-engine/migrations"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		logger.Error("failed to initialise tracing", "error", err)
		os.Exit(1)
	}

	checks := make(map[string]service.Pinger)

	var st store.Store
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemory()
		logger.Warn("using in-memory store, delivery history is lost on restart")
	default:
		pg, err := store.NewPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to PostgreSQL")

		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("database migrations applied")
		checks["postgres"] = pg
		st = pg
	}
	defer st.Close()

	rdb, err := store.NewRedis(ctx, cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	logger.Info("connected to Redis")
	checks["redis"] = rdb

	// Engine
	breaker := engine.NewCircuitBreaker(rdb.Client(), cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown, logger)
	reg := registry.New(st, breaker, logger)
	recorder := engine.NewRecorder(st, st, breaker, reg, logger)
	queue := engine.NewQueue(rdb.Client(), logger)
	publisher := engine.NewPublisher(st, reg, breaker, recorder, queue, logger)
	scheduler := engine.NewScheduler(st, queue, breaker, recorder, engine.SchedulerConfig{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		PollInterval:      cfg.Retry.PollInterval,
		BatchSize:         cfg.Retry.BatchSize,
		StaleAfter:        cfg.Retry.StaleAfter,
		RetentionMaxAge:   cfg.Retention.MaxAge,
		RetentionInterval: cfg.Retention.Interval,
	}, logger)

	hub := websocket.NewHub(logger)

	deliverer := worker.NewDeliverer(st, recorder, queue,
		engine.NewRateLimiter(rdb.Client(), logger),
		engine.NewBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, cfg.Retry.Jitter),
		hub,
		worker.Options{
			Timeout:          cfg.Delivery.Timeout,
			UserAgent:        cfg.Delivery.UserAgent,
			MaxResponseBytes: cfg.Delivery.MaxResponseBytes,
			MaxAttempts:      cfg.Retry.MaxAttempts,
		},
		logger,
	)
	pool := worker.NewPool(cfg.Delivery.Workers, deliverer, logger)
	dispatcher := worker.NewDispatcher(queue, pool, cfg.Delivery.PollInterval, cfg.Delivery.BatchSize, logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(promReg)

	svc := service.New(service.Deps{
		Store:     st,
		Registry:  reg,
		Publisher: publisher,
		Breaker:   breaker,
		Feed:      hub,
		Checks:    checks,
	}, logger)

	router := api.NewRouter(svc, hub.HandleWebSocket, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}), logger)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var loops sync.WaitGroup
	pool.Start(ctx)
	for _, run := range []func(context.Context){hub.Run, dispatcher.Start, scheduler.Start} {
		loops.Add(1)
		go func() {
			defer loops.Done()
			run(ctx)
		}()
	}

	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "workers", cfg.Delivery.Workers, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	// Stop claiming, then let in-flight deliveries finish.
	cancel()
	loops.Wait()
	pool.Stop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("failed to flush traces", "error", err)
	}
	logger.Info("server stopped")
}
