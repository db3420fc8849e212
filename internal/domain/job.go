package domain

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current lifecycle state of a job.
type JobStatus string

// Possible job status values. These are the canonical lowercase forms
// stored in Redis and returned to API clients.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsValid reports whether s is one of the known status values.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether the status machine allows moving from s
// to next. The only legal sequences are pending→processing and
// processing→{completed,failed}.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	}
	return false
}

// JobRecord is the persisted unit of work. Every field except QueuePosition
// is authoritative in the job table; QueuePosition is derived by the queue's
// position recompute and is only meaningful while the job is pending.
//
// Timestamps serialize as RFC 3339, status as its canonical lowercase value.
type JobRecord struct {
	ID              string         `json:"job_id"`
	UserID          string         `json:"user_id"`
	Username        string         `json:"username"`
	Prompt          string         `json:"prompt"`
	Status          JobStatus      `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	Result          map[string]any `json:"result"`
	Error           string         `json:"error,omitempty"`
	Progress        int            `json:"progress"`
	ProgressMessage string         `json:"progress_message"`
	QueuePosition   int            `json:"queue_position"`
}

// NewJobRecord creates a pending job for the given submitter and prompt.
func NewJobRecord(userID, username, prompt string) *JobRecord {
	return &JobRecord{
		ID:              uuid.New().String(),
		UserID:          userID,
		Username:        username,
		Prompt:          prompt,
		Status:          JobStatusPending,
		CreatedAt:       time.Now().UTC(),
		Progress:        0,
		ProgressMessage: "Queued",
	}
}
