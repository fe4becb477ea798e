package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"note-summarizer/internal/engine"
	"note-summarizer/internal/logger"
	"note-summarizer/internal/models"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/store"
	"note-summarizer/internal/telemetry"
)

// Store is the part of the job store a worker mutates.
type Store interface {
	GetJob(ctx context.Context, id int64) (models.Job, error)
	MarkProcessing(ctx context.Context, id int64, workerID string) (models.Job, error)
	Complete(ctx context.Context, id int64, out models.DoneOutcome) (models.Job, error)
	Fail(ctx context.Context, id int64, from models.Status, out models.FailedOutcome) (models.Job, error)
	AppendAudit(ctx context.Context, jobID int64, event, detail string) error
}

// LeaseExtender is implemented by queues whose leases can outlive a slow job.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, d queue.Delivery, extension time.Duration) error
}

// Processor consumes one delivery at a time and drives its job record to a
// terminal state. It never retries a job on its own.
type Processor struct {
	consumer   queue.Consumer
	store      Store
	engine     *engine.Handle
	workerID   string
	visibility time.Duration
	logger     *slog.Logger

	backoffInitial time.Duration
	backoffMax     time.Duration
}

// ProcessorOptions tunes a Processor.
type ProcessorOptions struct {
	WorkerID string
	// Visibility is the queue lease; jobs that may outrun half of it get
	// their lease extended before execution.
	Visibility     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func NewProcessor(c queue.Consumer, st Store, h *engine.Handle, opts ProcessorOptions, l *slog.Logger) *Processor {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 250 * time.Millisecond
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	if l == nil {
		l = slog.Default()
	}
	return &Processor{
		consumer:       c,
		store:          st,
		engine:         h,
		workerID:       opts.WorkerID,
		visibility:     opts.Visibility,
		logger:         l.With("worker_id", opts.WorkerID),
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
	}
}

// Run consumes until ctx is cancelled, returning nil on a clean shutdown. A
// job already executing when ctx is cancelled runs to completion. Store
// failures are returned so the process can exit and be restarted.
func (p *Processor) Run(ctx context.Context) error {
	failures := 0
	for {
		d, err := p.consumer.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			failures++
			wait := backoffWithJitter(p.backoffInitial, p.backoffMax, failures)
			p.logger.WarnContext(ctx, "consume failed; backing off", "error", err, "attempt", failures, "wait", wait.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		if err := p.Process(context.WithoutCancel(ctx), d); err != nil {
			return err
		}
	}
}

// Process handles one delivery. It returns an error only when the store
// failed; the delivery is then left unacknowledged for the queue to resolve.
func (p *Processor) Process(ctx context.Context, d queue.Delivery) error {
	log := p.logger.With("job_id", d.JobID, "attempt", d.Attempt)
	ctx = logger.WithContext(ctx, log)

	job, err := p.store.GetJob(ctx, d.JobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		telemetry.MissingRecords.Inc()
		log.WarnContext(ctx, "job record not found; dropping message")
		p.ack(ctx, d)
		return nil
	case err != nil:
		return fmt.Errorf("load job %d: %w", d.JobID, err)
	}

	switch job.Status {
	case models.StatusDone, models.StatusFailed:
		telemetry.DuplicateDelivery.Inc()
		log.InfoContext(ctx, "job already finished; dropping duplicate delivery", "status", job.Status)
		p.ack(ctx, d)
		return nil
	case models.StatusProcessing:
		telemetry.DuplicateDelivery.Inc()
		log.WarnContext(ctx, "job already claimed; dropping delivery", "status", job.Status, "claimed_by", deref(job.ClaimedBy))
		p.ack(ctx, d)
		return nil
	}

	if !p.engine.Ready() {
		return p.failUnavailable(ctx, d)
	}

	if _, err := p.store.MarkProcessing(ctx, d.JobID, p.workerID); err != nil {
		if errors.Is(err, store.ErrStaleTransition) || errors.Is(err, store.ErrNotFound) {
			telemetry.DuplicateDelivery.Inc()
			log.WarnContext(ctx, "lost claim race; dropping delivery", "error", err)
			p.ack(ctx, d)
			return nil
		}
		return fmt.Errorf("claim job %d: %w", d.JobID, err)
	}
	p.audit(ctx, d.JobID, models.EventClaimed, p.workerID)
	p.extendLease(ctx, d)

	summary, execErr := p.engine.Execute(ctx, job.Input)
	if execErr != nil {
		if err := p.fail(ctx, d.JobID, execErr); err != nil {
			return err
		}
	} else if err := p.complete(ctx, d.JobID, summary); err != nil {
		return err
	}
	p.ack(ctx, d)
	return nil
}

func (p *Processor) failUnavailable(ctx context.Context, d queue.Delivery) error {
	log := logger.FromContext(ctx)
	_, err := p.store.Fail(ctx, d.JobID, models.StatusQueued, models.FailedOutcome{Reason: engine.UnavailableReason})
	switch {
	case errors.Is(err, store.ErrStaleTransition), errors.Is(err, store.ErrNotFound):
		log.WarnContext(ctx, "job changed before it could be failed", "error", err)
	case err != nil:
		return fmt.Errorf("fail job %d: %w", d.JobID, err)
	default:
		telemetry.JobsFailed.WithLabelValues(telemetry.ReasonEngineUnavailable).Inc()
		p.audit(ctx, d.JobID, models.EventFailed, engine.UnavailableReason)
		log.ErrorContext(ctx, "job failed: engine unavailable", "prepare_error", p.engine.PrepareErr())
	}
	p.ack(ctx, d)
	return nil
}

func (p *Processor) fail(ctx context.Context, id int64, execErr error) error {
	log := logger.FromContext(ctx)
	reason, label := execErr.Error(), telemetry.ReasonEngineError
	var engErr *engine.Error
	if errors.As(execErr, &engErr) {
		reason = engErr.Detail
		if engErr.Timeout {
			label = telemetry.ReasonEngineTimeout
		}
	}

	out := models.FailedOutcome{Reason: reason}
	if _, err := p.store.Fail(ctx, id, models.StatusProcessing, out); err != nil {
		if errors.Is(err, store.ErrStaleTransition) || errors.Is(err, store.ErrNotFound) {
			log.WarnContext(ctx, "job changed during execution; failure not recorded", "error", err)
			return nil
		}
		return fmt.Errorf("fail job %d: %w", id, err)
	}
	telemetry.JobsFailed.WithLabelValues(label).Inc()
	p.audit(ctx, id, models.EventFailed, out.TruncatedReason())
	log.WarnContext(ctx, "job failed", "reason", out.TruncatedReason(), "timeout", label == telemetry.ReasonEngineTimeout)
	return nil
}

func (p *Processor) complete(ctx context.Context, id int64, s engine.Summary) error {
	log := logger.FromContext(ctx)
	if _, err := p.store.Complete(ctx, id, models.DoneOutcome{Result: s.Text, DurationMs: s.DurationMs}); err != nil {
		if errors.Is(err, store.ErrStaleTransition) || errors.Is(err, store.ErrNotFound) {
			log.WarnContext(ctx, "job changed during execution; result discarded", "error", err)
			return nil
		}
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	telemetry.JobsCompleted.Inc()
	telemetry.SummarizeDuration.Observe(s.DurationMs / 1000)
	p.audit(ctx, id, models.EventDone, "")
	log.InfoContext(ctx, "job done", "duration_ms", s.DurationMs, "summary_len", len(s.Text))
	return nil
}

// extendLease pushes the lease past the engine timeout when the job could
// otherwise be reclaimed mid-execution.
func (p *Processor) extendLease(ctx context.Context, d queue.Delivery) {
	ext, ok := p.consumer.(LeaseExtender)
	timeout := p.engine.Timeout()
	if !ok || p.visibility <= 0 || timeout <= p.visibility/2 {
		return
	}
	if err := ext.ExtendLease(ctx, d, timeout+p.visibility/2); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "lease extension failed", "error", err)
	}
}

// ack failures are logged only: the record is already final, so a
// redelivery is dropped as a duplicate.
func (p *Processor) ack(ctx context.Context, d queue.Delivery) {
	if err := p.consumer.Ack(ctx, d); err != nil {
		logger.FromContext(ctx).ErrorContext(ctx, "ack failed", "error", err)
	}
}

func (p *Processor) audit(ctx context.Context, id int64, event, detail string) {
	if err := p.store.AppendAudit(ctx, id, event, detail); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "audit append failed", "event", event, "error", err)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(max) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
