package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"note-summarizer/internal/models"
)

// Store wraps pgxpool for Postgres persistence of job records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, input, result, status, duration_ms, failure_reason, owner_ref, claimed_by, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Input    string
	OwnerRef int64
}

// CreateJob inserts a QUEUED job and its submitted audit row in one
// transaction. The row is committed and visible when CreateJob returns.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	job, err := scanJob(tx.QueryRow(ctx, `
		INSERT INTO jobs (input, status, owner_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING `+jobColumns,
		p.Input, models.StatusQueued, p.OwnerRef, now))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, job.ID, models.EventSubmitted, fmt.Sprintf("owner=%d", p.OwnerRef), now); err != nil {
		return models.Job{}, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListByOwner returns the owner's jobs, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerRef int64, page models.Page) ([]models.Job, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_ref = $1
		ORDER BY created_at DESC, id DESC
		OFFSET $2 LIMIT $3
	`, ownerRef, page.Offset, page.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by owner: %w", err)
	}
	return collectJobs(rows)
}

// ListAll returns every job, newest first.
func (s *Store) ListAll(ctx context.Context, page models.Page) ([]models.Job, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, id DESC
		OFFSET $1 LIMIT $2
	`, page.Offset, page.Limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// MarkProcessing claims a QUEUED job for workerID.
func (s *Store) MarkProcessing(ctx context.Context, id int64, workerID string) (models.Job, error) {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET status = $2, claimed_by = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+jobColumns,
		models.StatusProcessing, emptyToNil(workerID), statusList(models.StatusQueued))
}

// Complete moves a PROCESSING job to DONE, recording result and duration and
// clearing any failure reason.
func (s *Store) Complete(ctx context.Context, id int64, out models.DoneOutcome) (models.Job, error) {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET status = $2, result = $3, duration_ms = $4, failure_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
		RETURNING `+jobColumns,
		models.StatusDone, out.Result, out.DurationMs, statusList(models.StatusProcessing))
}

// Fail moves a job to FAILED with a truncated reason, only if it is still in
// status from. Workers pass PROCESSING after executing and QUEUED when
// failing a job they never claimed.
func (s *Store) Fail(ctx context.Context, id int64, from models.Status, out models.FailedOutcome) (models.Job, error) {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET status = $2, failure_reason = $3, result = NULL, duration_ms = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+jobColumns,
		models.StatusFailed, out.TruncatedReason(), statusList(from))
}

// Requeue is the administrative FAILED -> QUEUED cycle. It clears the failure
// reason and the claim, keeping id and input.
func (s *Store) Requeue(ctx context.Context, id int64) (models.Job, error) {
	return s.transition(ctx, id, `
		UPDATE jobs
		SET status = $2, failure_reason = NULL, claimed_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+jobColumns,
		models.StatusQueued, statusList(models.StatusFailed))
}

// transition runs a conditional UPDATE ... RETURNING. No returned row means
// either the job is gone or it was not in an accepted prior state.
func (s *Store) transition(ctx context.Context, id int64, query string, args ...any) (models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, query, append([]any{id}, args...)...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("update job %d: %w", id, err)
	}
	current, getErr := s.GetJob(ctx, id)
	if getErr != nil {
		return models.Job{}, getErr
	}
	return current, fmt.Errorf("job %d is %s: %w", id, current.Status, ErrStaleTransition)
}

// CountStale counts jobs in status whose updated_at is older than olderThan.
// QUEUED rows found this way are orphan candidates; PROCESSING rows are stuck.
func (s *Store) CountStale(ctx context.Context, status models.Status, olderThan time.Duration) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND updated_at < $2
	`, status, time.Now().UTC().Add(-olderThan)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stale %s jobs: %w", status, err)
	}
	return n, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID int64, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail returns a job's audit rows in order.
func (s *Store) AuditTrail(ctx context.Context, jobID int64) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM audit_logs
		WHERE job_id = $1 ORDER BY recorded_at, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job       models.Job
		status    string
		result    pgtype.Text
		duration  pgtype.Float8
		reason    pgtype.Text
		claimedBy pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.Input, &result, &status, &duration, &reason, &job.OwnerRef, &claimedBy, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Status = models.Status(status)
	job.Result = textPtr(result)
	job.FailureReason = textPtr(reason)
	job.ClaimedBy = textPtr(claimedBy)
	if duration.Valid {
		d := duration.Float64
		job.DurationMs = &d
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	defer rows.Close()
	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func statusList(statuses ...models.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
