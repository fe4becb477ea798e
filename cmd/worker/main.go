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

	"github.com/google/uuid"

	"note-summarizer/internal/config"
	"note-summarizer/internal/engine"
	"note-summarizer/internal/engine/gemini"
	"note-summarizer/internal/logger"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/store"
	"note-summarizer/internal/telemetry"
	"note-summarizer/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Setup("info", "json").Error("load config", "error", err)
		os.Exit(1)
	}
	workerID := resolveWorkerID(cfg.WorkerID)
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With("service", "worker", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, workerID, log); err != nil {
		log.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}

func run(ctx context.Context, cfg config.Config, workerID string, log *slog.Logger) error {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	q, err := queue.Open(cfg)
	if err != nil {
		return fmt.Errorf("open %s queue: %w", cfg.QueueBackend, err)
	}
	defer q.Close()

	if cfg.MetricsAddr != "" {
		metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
		defer metrics.Close()
	}

	pool := worker.NewPool(worker.PoolConfig{
		WorkerID:      workerID,
		Concurrency:   cfg.WorkerConcurrency,
		EngineTimeout: cfg.EngineTimeout,
		Visibility:    cfg.VisibilityTimeout,
		Janitor: worker.JanitorConfig{
			Interval:             cfg.MaintenanceInterval,
			StuckProcessingAfter: cfg.StuckProcessingAfter,
			OrphanedQueuedAfter:  cfg.OrphanedQueuedAfter,
		},
	}, q, st, engineFactory(cfg), log)

	log.Info("worker starting",
		"worker_id", workerID,
		"engine", cfg.Engine,
		"queue_backend", cfg.QueueBackend,
		"visibility", cfg.VisibilityTimeout.String(),
		"max_redeliveries", cfg.MaxRedeliveries)
	return pool.Run(ctx)
}

// engineFactory returns a constructor so each processor owns its engine.
func engineFactory(cfg config.Config) func() engine.Engine {
	switch cfg.Engine {
	case "gemini":
		return func() engine.Engine { return gemini.New(cfg.GeminiAPIKey, cfg.GeminiModel) }
	default:
		return func() engine.Engine { return engine.NewExtractive(cfg.SummarySentences) }
	}
}

func resolveWorkerID(configured string) string {
	if configured != "" {
		return configured
	}
	if hostname, _ := os.Hostname(); hostname != "" {
		return fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return "worker-" + uuid.NewString()[:8]
}
