// Package main is the entrypoint for the BillFetch orchestrator: a single
// long-lived process that owns the run queue, the orchestration worker, the
// periodic trigger, and the HTTP trigger surface.
//
// Wiring order matters: config, logging, database, then the domain services,
// then the worker and trigger goroutines, and the HTTP server last. Shutdown
// reverses it: stop accepting HTTP triggers, cancel the worker (the in-flight
// run is finalized as cancelled with a shutdown message), then close the pool.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"gopkg.in/natefinch/lumberjack.v2"

	"billfetch/internal/api/handlers"
	"billfetch/internal/config"
	"billfetch/internal/core"
	"billfetch/internal/db"
	"billfetch/internal/orchestrator"
	"billfetch/internal/pipeline"
	"billfetch/internal/schedule"
	"billfetch/internal/security"
	"billfetch/internal/telemetry"
	"billfetch/internal/vendor"
)

// shutdownGrace is how long in-flight HTTP requests and the worker get to
// wind down after SIGTERM.
const shutdownGrace = 15 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	logger.Info("billfetch orchestrator starting",
		"environment", cfg.Environment, "service", cfg.Service)

	if err := run(cfg, logger); err != nil {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	ruleRepo := db.NewRuleRepository(pool)
	accountRepo := db.NewAccountRepository(pool)
	jobRepo := db.NewJobRepository(pool)
	executionRepo := db.NewExecutionRepository(pool)
	runRepo := db.NewRunRepository(pool)
	blacklistRepo := db.NewBlacklistRepository(pool)
	settingsRepo := db.NewSettingsRepository(pool)

	// Credential sealer and vendor client.
	sealer, err := security.NewSealer(cfg.Security.CredentialKey)
	if err != nil {
		return err
	}
	portal := vendor.NewClient(cfg.Vendor)

	// Telemetry.
	metrics, err := telemetry.NewFromConfig(ctx, cfg.Observability, logger)
	if err != nil {
		logger.Warn("telemetry unavailable, continuing without metrics", "error", err)
		metrics = telemetry.NopMetrics{}
	}

	// Pipeline steps.
	ledger, err := pipeline.NewLedger(executionRepo)
	if err != nil {
		return err
	}
	syncer := schedule.NewSyncer(accountRepo, ruleRepo, logger)
	factory := schedule.NewFactory(ruleRepo, jobRepo, accountRepo, logger)
	verifier := pipeline.NewVerifier(jobRepo, accountRepo, sealer, portal, ledger, logger)
	dispatcher := pipeline.NewDispatcher(jobRepo, accountRepo, sealer, portal, ledger, logger)
	poller := pipeline.NewPoller(jobRepo, accountRepo, portal, ledger, logger)

	// Run queue, status store, recorder, worker, periodic trigger.
	store := orchestrator.NewStatusStore(cfg.Orchestration.HistorySize)
	queue := orchestrator.NewQueue(cfg.Orchestration.QueueCapacity, cfg.Orchestration.EnqueueWait, store)
	recorder := orchestrator.NewRecorder(runRepo, logger)
	worker := orchestrator.NewWorker(orchestrator.WorkerDeps{
		Queue:      queue,
		Store:      store,
		Recorder:   recorder,
		Metrics:    metrics,
		Logger:     logger,
		Settings:   settingsRepo,
		Blacklist:  blacklistRepo,
		Syncer:     syncer,
		Factory:    factory,
		Poller:     poller,
		Verifier:   verifier,
		Dispatcher: dispatcher,
	})
	trigger := orchestrator.NewTrigger(queue, recorder, cfg.Orchestration.TriggerInterval, logger)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()
	go trigger.Run(ctx)

	// HTTP trigger surface.
	server, err := core.NewServer(cfg, pool, logger)
	if err != nil {
		return err
	}
	runsHandler := handlers.NewRunsHandler(queue, store, runRepo, recorder, server.Validator, logger)
	server.V1RouteRegistrars = []core.RouteRegistrar{
		func(r chi.Router) { runsHandler.RegisterRoutes(r) },
	}
	server.MountRoutes()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http trigger surface listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		return err
	}

	// Stop accepting new triggers first.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	// The worker observes ctx cancellation; give the in-flight run a moment
	// to record its terminal state.
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("worker did not stop within grace period")
	}

	logger.Info("orchestrator stopped")
	return nil
}

// newLogger builds the process logger: JSON to stdout, plus a rotating file
// sink when LOG_FILE is configured.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	var sink io.Writer = os.Stdout
	if cfg.Logging.Path != "" {
		sink = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.Logging.Path,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		})
	}

	logger := slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
