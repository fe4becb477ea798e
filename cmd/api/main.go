package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"note-summarizer/internal/api"
	"note-summarizer/internal/config"
	"note-summarizer/internal/logger"
	"note-summarizer/internal/producer"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/ratelimit"
	"note-summarizer/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Setup("info", "json").Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat).With("service", "api", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	q, err := queue.Open(cfg)
	if err != nil {
		log.Error("open queue", "backend", cfg.QueueBackend, "error", err)
		os.Exit(1)
	}
	defer q.Close()

	svc := producer.New(st, q, producer.Options{
		MinInputLength: cfg.MinInputLength,
		MaxInputLength: cfg.MaxInputLength,
	}, log)

	opts := []api.Option{api.WithHealth(st)}
	if dlq, ok := q.(queue.DeadLetterReader); ok {
		opts = append(opts, api.WithDeadLetters(dlq))
	}
	if cfg.RateLimitCapacity > 0 {
		limiterClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer limiterClient.Close()
		opts = append(opts, api.WithLimiter(
			ratelimit.NewTokenBucket(limiterClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, 0)))
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.New(svc, log, opts...).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort, "queue_backend", cfg.QueueBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info("api stopped")
}
