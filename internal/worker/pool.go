package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"note-summarizer/internal/engine"
	"note-summarizer/internal/queue"
)

// PoolConfig sizes a Pool.
type PoolConfig struct {
	WorkerID      string
	Concurrency   int
	EngineTimeout time.Duration
	Visibility    time.Duration
	Janitor       JanitorConfig
}

// PoolStore is what the processors and the janitor need from the store.
type PoolStore interface {
	Store
	StaleCounter
}

// Pool runs Concurrency processors, each with its own engine instance, and
// one janitor. The first processor error stops the whole pool.
type Pool struct {
	cfg       PoolConfig
	consumer  queue.Consumer
	store     PoolStore
	newEngine func() engine.Engine
	logger    *slog.Logger
}

func NewPool(cfg PoolConfig, c queue.Consumer, st PoolStore, newEngine func() engine.Engine, l *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if l == nil {
		l = slog.Default()
	}
	return &Pool{cfg: cfg, consumer: c, store: st, newEngine: newEngine, logger: l}
}

// Run blocks until ctx is cancelled or a processor fails.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		id := p.cfg.WorkerID
		if p.cfg.Concurrency > 1 {
			id = fmt.Sprintf("%s-%d", p.cfg.WorkerID, i)
		}
		l := p.logger.With("worker_id", id)
		handle := engine.Load(gctx, p.newEngine(), p.cfg.EngineTimeout, l)
		proc := NewProcessor(p.consumer, p.store, handle, ProcessorOptions{
			WorkerID:   id,
			Visibility: p.cfg.Visibility,
		}, p.logger)
		g.Go(func() error {
			if err := proc.Run(gctx); err != nil {
				return fmt.Errorf("processor %s: %w", id, err)
			}
			return nil
		})
	}

	inspector, _ := p.consumer.(queue.Inspector)
	reclaimer, _ := p.consumer.(queue.Reclaimer)
	janitor := NewJanitor(p.cfg.Janitor, reclaimer, inspector, p.store, p.logger)
	g.Go(func() error {
		janitor.Run(gctx)
		return nil
	})

	p.logger.InfoContext(ctx, "worker pool started",
		"worker_id", p.cfg.WorkerID,
		"concurrency", p.cfg.Concurrency,
		"engine_timeout", p.cfg.EngineTimeout.String())
	return g.Wait()
}
