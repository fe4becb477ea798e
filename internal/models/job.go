package models

import (
	"time"
	"unicode/utf8"
)

// Status enumerates lifecycle states persisted in Postgres.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// FailureReasonMaxLen bounds failure_reason, matching the varchar(512) column.
const FailureReasonMaxLen = 512

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusDone, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no worker may mutate a job in this state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is one summarization request and its outcome.
type Job struct {
	ID            int64     `json:"id"`
	Input         string    `json:"input"`
	Status        Status    `json:"status"`
	Result        *string   `json:"result"`
	FailureReason *string   `json:"failure_reason"`
	DurationMs    *float64  `json:"duration_ms"`
	OwnerRef      int64     `json:"owner_ref"`
	ClaimedBy     *string   `json:"claimed_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DoneOutcome is the only way a job reaches DONE.
type DoneOutcome struct {
	Result     string
	DurationMs float64
}

// FailedOutcome is the only way a job reaches FAILED.
type FailedOutcome struct {
	Reason string
}

// TruncatedReason returns the reason cut to FailureReasonMaxLen runes.
func (o FailedOutcome) TruncatedReason() string {
	return TruncateRunes(o.Reason, FailureReasonMaxLen)
}

// TruncateRunes cuts s to at most n runes without splitting a character.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Page selects a window of a newest-first listing.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 100
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    int64     `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Audit event names.
const (
	EventSubmitted     = "submitted"
	EventPublished     = "published"
	EventPublishFailed = "publish_failed"
	EventClaimed       = "claimed"
	EventDone          = "done"
	EventFailed        = "failed"
	EventRequeued      = "requeued"
)
