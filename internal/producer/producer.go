// Package producer accepts summarization requests, records them and hands
// their ids to the queue. A record is always committed before its id is
// published, so no worker can receive a reference to a missing job.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"note-summarizer/internal/models"
	"note-summarizer/internal/queue"
	"note-summarizer/internal/store"
	"note-summarizer/internal/telemetry"
)

var (
	// ErrInvalidInput means the text failed validation; nothing was stored.
	ErrInvalidInput = errors.New("invalid input")
	// ErrPublishFailed means the job was committed but its queue message was
	// not sent. The job stays QUEUED until an operator re-publishes it.
	ErrPublishFailed = errors.New("job recorded but not published")
)

// Store is the part of the job store the producer needs.
type Store interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	ListByOwner(ctx context.Context, ownerRef int64, page models.Page) ([]models.Job, error)
	ListAll(ctx context.Context, page models.Page) ([]models.Job, error)
	Requeue(ctx context.Context, id int64) (models.Job, error)
	AppendAudit(ctx context.Context, jobID int64, event, detail string) error
}

// Options bound accepted input length in characters.
type Options struct {
	MinInputLength int
	MaxInputLength int
}

// Service implements the producer operations.
type Service struct {
	store     Store
	publisher queue.Publisher
	validate  *validator.Validate
	rule      string
	logger    *slog.Logger
}

func New(st Store, pub queue.Publisher, opts Options, logger *slog.Logger) *Service {
	if opts.MinInputLength <= 0 {
		opts.MinInputLength = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	rule := fmt.Sprintf("required,min=%d", opts.MinInputLength)
	if opts.MaxInputLength > 0 {
		rule += fmt.Sprintf(",max=%d", opts.MaxInputLength)
	}
	return &Service{
		store:     st,
		publisher: pub,
		validate:  validator.New(),
		rule:      rule,
		logger:    logger.With("component", "producer"),
	}
}

// Submit validates input, records a QUEUED job and publishes its id. On
// ErrPublishFailed the returned job is valid and committed.
func (s *Service) Submit(ctx context.Context, input string, ownerRef int64) (models.Job, error) {
	input = strings.TrimSpace(input)
	if err := s.validate.Var(input, s.rule); err != nil {
		return models.Job{}, fmt.Errorf("%w: %s", ErrInvalidInput, describe(err))
	}
	// Postgres text rejects both.
	if !utf8.ValidString(input) || strings.ContainsRune(input, 0) {
		return models.Job{}, fmt.Errorf("%w: input must be valid UTF-8 text without NUL characters", ErrInvalidInput)
	}

	job, err := s.store.CreateJob(ctx, store.CreateJobParams{Input: input, OwnerRef: ownerRef})
	if err != nil {
		return models.Job{}, fmt.Errorf("record job: %w", err)
	}
	telemetry.JobsSubmitted.Inc()

	if err := s.publish(ctx, job); err != nil {
		return job, err
	}
	s.logger.InfoContext(ctx, "job submitted", "job_id", job.ID, "owner_ref", ownerRef, "input_len", len(input))
	return job, nil
}

// GetByID returns the job or an error wrapping store.ErrNotFound.
func (s *Service) GetByID(ctx context.Context, id int64) (models.Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListByOwner lists ownerRef's jobs newest first.
func (s *Service) ListByOwner(ctx context.Context, ownerRef int64, page models.Page) ([]models.Job, error) {
	return s.store.ListByOwner(ctx, ownerRef, page.Normalize())
}

// ListAll lists every job newest first.
func (s *Service) ListAll(ctx context.Context, page models.Page) ([]models.Job, error) {
	return s.store.ListAll(ctx, page.Normalize())
}

// Requeue sends a FAILED job back through the pipeline with its id and input
// intact. Jobs in any other state yield store.ErrStaleTransition.
func (s *Service) Requeue(ctx context.Context, id int64) (models.Job, error) {
	job, err := s.store.Requeue(ctx, id)
	if err != nil {
		return job, err
	}
	telemetry.JobsRequeued.Inc()
	s.audit(ctx, job.ID, models.EventRequeued, "")

	if err := s.publish(ctx, job); err != nil {
		return job, err
	}
	s.logger.InfoContext(ctx, "job requeued", "job_id", job.ID)
	return job, nil
}

func (s *Service) publish(ctx context.Context, job models.Job) error {
	if err := s.publisher.Publish(ctx, job.ID); err != nil {
		telemetry.PublishFailures.Inc()
		s.logger.ErrorContext(ctx, "publish failed; job left QUEUED", "job_id", job.ID, "error", err)
		s.audit(ctx, job.ID, models.EventPublishFailed, err.Error())
		return fmt.Errorf("%w: job %d: %w", ErrPublishFailed, job.ID, err)
	}
	s.audit(ctx, job.ID, models.EventPublished, "")
	return nil
}

// audit is best-effort: a lost audit row never fails the operation.
func (s *Service) audit(ctx context.Context, jobID int64, event, detail string) {
	if err := s.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit append failed", "job_id", jobID, "event", event, "error", err)
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return "input is required"
	case "min":
		return "input must be at least " + fe.Param() + " characters"
	case "max":
		return "input must be at most " + fe.Param() + " characters"
	}
	return "input failed " + fe.Tag() + " validation"
}
