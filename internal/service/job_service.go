package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/promptlab/promptq/internal/domain"
	"github.com/promptlab/promptq/internal/queue"
)

// Snapshot is a job record as seen by a reader: the stored fields plus
// the live queue position and wait estimate.
type Snapshot struct {
	domain.JobRecord
	EstimatedSeconds int `json:"estimated_seconds"`
}

// JobService is the only surface the outer web/CLI layers may call:
// submit, status, per-user listing, and queue statistics.
type JobService struct {
	queue  *queue.Queue
	logger *slog.Logger
}

// NewJobService creates a JobService over the shared queue.
func NewJobService(q *queue.Queue, logger *slog.Logger) *JobService {
	return &JobService{
		queue:  q,
		logger: logger.With("component", "job_service"),
	}
}

// Submit enqueues a new analysis job and returns its id. Queue
// unavailability surfaces as queue.ErrUnavailable for the caller to map
// to service-unavailable.
func (s *JobService) Submit(ctx context.Context, userID, username, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", domain.ErrEmptyPrompt
	}

	rec := domain.NewJobRecord(userID, username, prompt)
	if err := s.queue.Enqueue(ctx, rec); err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}

	s.logger.Info("job submitted", "job_id", rec.ID, "user_id", userID)
	return rec.ID, nil
}

// GetRecord returns the current snapshot for a job, including its live
// queue position and estimated wait.
func (s *JobService) GetRecord(ctx context.Context, jobID string) (*Snapshot, error) {
	rec, err := s.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	pos, err := s.queue.Position(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if pos < 0 {
		pos = 0
	}
	rec.QueuePosition = pos

	eta, err := s.queue.EstimatedSeconds(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &Snapshot{JobRecord: *rec, EstimatedSeconds: eta}, nil
}

// ListJobs returns every job the given user has submitted, newest first.
func (s *JobService) ListJobs(ctx context.Context, userID string) ([]domain.JobRecord, error) {
	return s.queue.UserJobs(ctx, userID)
}

// Stats returns queue-wide counters.
func (s *JobService) Stats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}
