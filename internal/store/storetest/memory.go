// Package storetest provides an in-memory job store with the same
// conditional-transition semantics as the Postgres store, for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"note-summarizer/internal/models"
	"note-summarizer/internal/store"
)

// Memory is a goroutine-safe in-memory job store.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]models.Job
	audit  []models.AuditLog
	writes int

	// Err, when set, is returned by every call.
	Err error
	// Now overrides the clock.
	Now func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[int64]models.Job)}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// CreateJob inserts a QUEUED job.
func (m *Memory) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.Job{}, m.Err
	}
	m.nextID++
	now := m.now()
	job := models.Job{
		ID:        m.nextID,
		Input:     p.Input,
		Status:    models.StatusQueued,
		OwnerRef:  p.OwnerRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.jobs[job.ID] = job
	m.writes++
	m.audit = append(m.audit, models.AuditLog{JobID: job.ID, Event: models.EventSubmitted, Recorded: now})
	return clone(job), nil
}

// GetJob fetches a job by id.
func (m *Memory) GetJob(_ context.Context, id int64) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.Job{}, m.Err
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	return clone(job), nil
}

// ListByOwner returns the owner's jobs newest first.
func (m *Memory) ListByOwner(_ context.Context, ownerRef int64, page models.Page) ([]models.Job, error) {
	return m.list(page, func(j models.Job) bool { return j.OwnerRef == ownerRef })
}

// ListAll returns all jobs newest first.
func (m *Memory) ListAll(_ context.Context, page models.Page) ([]models.Job, error) {
	return m.list(page, func(models.Job) bool { return true })
}

func (m *Memory) list(page models.Page, keep func(models.Job) bool) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	page = page.Normalize()
	all := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			all = append(all, clone(j))
		}
	}
	sort.Slice(all, func(a, b int) bool {
		if all[a].CreatedAt.Equal(all[b].CreatedAt) {
			return all[a].ID > all[b].ID
		}
		return all[a].CreatedAt.After(all[b].CreatedAt)
	})
	if page.Offset >= len(all) {
		return []models.Job{}, nil
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[page.Offset:end], nil
}

// MarkProcessing claims a QUEUED job.
func (m *Memory) MarkProcessing(_ context.Context, id int64, workerID string) (models.Job, error) {
	return m.transition(id, []models.Status{models.StatusQueued}, func(j *models.Job) {
		j.Status = models.StatusProcessing
		if workerID != "" {
			w := workerID
			j.ClaimedBy = &w
		}
	})
}

// Complete moves a PROCESSING job to DONE.
func (m *Memory) Complete(_ context.Context, id int64, out models.DoneOutcome) (models.Job, error) {
	return m.transition(id, []models.Status{models.StatusProcessing}, func(j *models.Job) {
		res, d := out.Result, out.DurationMs
		j.Status = models.StatusDone
		j.Result = &res
		j.DurationMs = &d
		j.FailureReason = nil
	})
}

// Fail moves a job still in status from to FAILED.
func (m *Memory) Fail(_ context.Context, id int64, from models.Status, out models.FailedOutcome) (models.Job, error) {
	return m.transition(id, []models.Status{from}, func(j *models.Job) {
		reason := out.TruncatedReason()
		j.Status = models.StatusFailed
		j.FailureReason = &reason
		j.Result = nil
		j.DurationMs = nil
	})
}

// Requeue moves a FAILED job back to QUEUED.
func (m *Memory) Requeue(_ context.Context, id int64) (models.Job, error) {
	return m.transition(id, []models.Status{models.StatusFailed}, func(j *models.Job) {
		j.Status = models.StatusQueued
		j.FailureReason = nil
		j.ClaimedBy = nil
	})
}

func (m *Memory) transition(id int64, from []models.Status, apply func(*models.Job)) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return models.Job{}, m.Err
	}
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
	}
	allowed := false
	for _, st := range from {
		if job.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return clone(job), fmt.Errorf("job %d is %s: %w", id, job.Status, store.ErrStaleTransition)
	}
	apply(&job)
	job.UpdatedAt = m.now()
	m.jobs[id] = job
	m.writes++
	return clone(job), nil
}

// CountStale counts jobs in status not updated within olderThan.
func (m *Memory) CountStale(_ context.Context, status models.Status, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	cutoff := m.now().Add(-olderThan)
	var n int64
	for _, j := range m.jobs {
		if j.Status == status && j.UpdatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// AppendAudit records an audit event.
func (m *Memory) AppendAudit(_ context.Context, jobID int64, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: m.now()})
	return nil
}

// Put stores job as-is, for arranging test fixtures.
func (m *Memory) Put(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID > m.nextID {
		m.nextID = job.ID
	}
	m.jobs[job.ID] = job
}

// Delete removes a job, simulating an external administrative delete.
func (m *Memory) Delete(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// Writes counts job mutations (inserts and successful transitions).
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Events returns the audit event names recorded for jobID.
func (m *Memory) Events(jobID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a.Event)
		}
	}
	return out
}

// Len returns the number of stored jobs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

func clone(j models.Job) models.Job {
	if j.Result != nil {
		v := *j.Result
		j.Result = &v
	}
	if j.FailureReason != nil {
		v := *j.FailureReason
		j.FailureReason = &v
	}
	if j.DurationMs != nil {
		v := *j.DurationMs
		j.DurationMs = &v
	}
	if j.ClaimedBy != nil {
		v := *j.ClaimedBy
		j.ClaimedBy = &v
	}
	return j
}
