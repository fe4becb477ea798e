package worker

import (
	"context"
	"log/slog"
	"time"

	"note-summarizer/internal/models"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/telemetry"
)

// StaleCounter counts jobs sitting in one status for too long.
type StaleCounter interface {
	CountStale(ctx context.Context, status models.Status, olderThan time.Duration) (int64, error)
}

// JanitorConfig tunes the maintenance loop.
type JanitorConfig struct {
	Interval             time.Duration
	StuckProcessingAfter time.Duration
	OrphanedQueuedAfter  time.Duration
}

// SweepReport is the outcome of one maintenance pass.
type SweepReport struct {
	Reclaimed       queue.ReclaimResult
	Stats           queue.Stats
	StuckProcessing int64
	OrphanedQueued  int64
}

// Janitor reclaims expired leases and reports jobs that look abandoned. It
// only detects stuck or orphaned jobs; recovering them is an operator task.
type Janitor struct {
	cfg       JanitorConfig
	reclaimer queue.Reclaimer
	inspector queue.Inspector
	store     StaleCounter
	logger    *slog.Logger
	now       func() time.Time
}

// NewJanitor builds a janitor. reclaimer and inspector may be nil for
// backends that do not support them.
func NewJanitor(cfg JanitorConfig, r queue.Reclaimer, i queue.Inspector, st StaleCounter, l *slog.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if l == nil {
		l = slog.Default()
	}
	return &Janitor{
		cfg:       cfg,
		reclaimer: r,
		inspector: i,
		store:     st,
		logger:    l.With("component", "janitor"),
		now:       time.Now,
	}
}

// Run sweeps immediately and then every Interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		j.Sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one maintenance pass. Errors are logged and the pass continues.
func (j *Janitor) Sweep(ctx context.Context) SweepReport {
	var rep SweepReport

	if j.reclaimer != nil {
		res, err := j.reclaimer.Reclaim(ctx, j.now())
		if err != nil {
			j.logger.WarnContext(ctx, "reclaim expired leases failed", "error", err)
		} else {
			rep.Reclaimed = res
			if n := len(res.Requeued); n > 0 {
				j.logger.InfoContext(ctx, "expired leases returned to queue", "count", n, "job_ids", res.Requeued)
			}
			if n := len(res.DeadLettered); n > 0 {
				telemetry.DeadLettered.Add(float64(n))
				j.logger.WarnContext(ctx, "expired leases dead-lettered", "count", n, "job_ids", res.DeadLettered)
			}
		}
	}

	if j.inspector != nil {
		st, err := j.inspector.Stats(ctx)
		if err != nil {
			j.logger.WarnContext(ctx, "queue stats failed", "error", err)
		} else {
			rep.Stats = st
			telemetry.QueueDepthGauge.Set(float64(st.Ready))
			telemetry.InFlightGauge.Set(float64(st.InFlight))
			telemetry.DeadLetterGauge.Set(float64(st.DeadLettered))
		}
	}

	if j.cfg.StuckProcessingAfter > 0 {
		rep.StuckProcessing = j.count(ctx, models.StatusProcessing, j.cfg.StuckProcessingAfter, telemetry.StuckProcessing.Set,
			"jobs stuck in PROCESSING")
	}
	if j.cfg.OrphanedQueuedAfter > 0 {
		rep.OrphanedQueued = j.count(ctx, models.StatusQueued, j.cfg.OrphanedQueuedAfter, telemetry.OrphanedQueued.Set,
			"jobs orphaned in QUEUED")
	}
	return rep
}

func (j *Janitor) count(ctx context.Context, status models.Status, after time.Duration, set func(float64), msg string) int64 {
	n, err := j.store.CountStale(ctx, status, after)
	if err != nil {
		j.logger.WarnContext(ctx, "count stale jobs failed", "status", status, "error", err)
		return 0
	}
	set(float64(n))
	if n > 0 {
		j.logger.WarnContext(ctx, msg, "count", n, "older_than", after.String())
	}
	return n
}
