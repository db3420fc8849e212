package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/promptlab/promptq/internal/domain"
	"github.com/promptlab/promptq/internal/pipeline"
	"github.com/promptlab/promptq/internal/queue"
)

// runWorker is the claim-process loop for one slot. The bounded claim is
// the only suspension point, so shutdown is observed between jobs, never
// inside a pipeline stage.
func (p *Pool) runWorker(ctx context.Context, s *slot) {
	defer close(s.done)

	logger := p.logger.With("worker", s.index)
	logger.Info("worker started")

	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker stopping")
			return
		default:
		}

		id, err := p.queue.Dequeue(ctx, p.cfg.ClaimTimeout)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("worker stopping")
				return
			}
			consecutiveFailures++
			logger.Error("claim failed",
				"error", err,
				"consecutive_failures", consecutiveFailures)
			if consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
				logger.Error("too many consecutive failures, worker exiting")
				return
			}
			p.sleep(ctx, loopBackoff(consecutiveFailures))
			continue
		}
		if id == "" {
			consecutiveFailures = 0
			continue
		}

		// The job runs on a context detached from shutdown: a signaled
		// worker finishes the stage it is in before the loop exits.
		if err := p.processJob(context.WithoutCancel(ctx), logger, id); err != nil {
			consecutiveFailures++
			if consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
				logger.Error("circuit breaker tripped, worker exiting",
					"consecutive_failures", consecutiveFailures)
				return
			}
			p.sleep(ctx, loopBackoff(consecutiveFailures))
		} else {
			consecutiveFailures = 0
		}
	}
}

// processJob drives one claimed job through the pipeline and writes its
// terminal state. The claim is always released, success or failure.
func (p *Pool) processJob(ctx context.Context, logger *slog.Logger, id string) error {
	defer func() {
		if err := p.queue.Release(ctx, id); err != nil {
			logger.Error("failed to release job claim", "job_id", id, "error", err)
		}
	}()

	rec, err := p.queue.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			logger.Warn("claimed job has no record, skipping", "job_id", id)
			return nil
		}
		return fmt.Errorf("load job %s: %w", id, err)
	}

	logger.Info("processing job", "job_id", id, "user_id", rec.UserID)

	started := time.Now().UTC()
	processing := domain.JobStatusProcessing
	startProgress := 5
	startMsg := "Starting processing..."
	if err := p.queue.Update(ctx, id, queue.JobUpdate{
		Status:          &processing,
		StartedAt:       &started,
		Progress:        &startProgress,
		ProgressMessage: &startMsg,
	}); err != nil {
		return fmt.Errorf("mark job %s processing: %w", id, err)
	}

	result, runErr := p.runner.Run(ctx, rec.Prompt, p.progressReporter(ctx, id, startProgress))
	completed := time.Now().UTC()

	if runErr != nil {
		failed := domain.JobStatusFailed
		errText := runErr.Error()
		failMsg := "Failed: " + errText
		// Progress stays frozen at its last pre-failure value.
		if err := p.queue.Update(ctx, id, queue.JobUpdate{
			Status:          &failed,
			CompletedAt:     &completed,
			Error:           &errText,
			ProgressMessage: &failMsg,
		}); err != nil {
			logger.Error("failed to record job failure", "job_id", id, "error", err)
		}
		logger.Error("job failed", "job_id", id, "error", runErr)
		p.archive(ctx, logger, id)
		return runErr
	}

	done := domain.JobStatusCompleted
	doneProgress := 100
	doneMsg := "Completed successfully"
	if err := p.queue.Update(ctx, id, queue.JobUpdate{
		Status:          &done,
		CompletedAt:     &completed,
		Result:          result.AsMap(),
		Progress:        &doneProgress,
		ProgressMessage: &doneMsg,
	}); err != nil {
		return fmt.Errorf("record job %s completion: %w", id, err)
	}

	logger.Info("job completed", "job_id", id, "risk_level", result.RiskLevel)
	p.archive(ctx, logger, id)
	return nil
}

// progressReporter writes pipeline progress into the job record. Updates
// are monotonic: a stage milestone below what is already recorded is
// dropped, keeping the non-decreasing progress invariant.
func (p *Pool) progressReporter(ctx context.Context, id string, current int) pipeline.ProgressFunc {
	last := current
	return func(progress int, message string) {
		if progress < last {
			progress = last
		}
		last = progress
		if err := p.queue.Update(ctx, id, queue.JobUpdate{
			Progress:        &progress,
			ProgressMessage: &message,
		}); err != nil {
			p.logger.Debug("progress update failed", "job_id", id, "error", err)
		}
	}
}

// archive sends the final record snapshot to the archival collaborator.
// Failures are logged and otherwise ignored.
func (p *Pool) archive(ctx context.Context, logger *slog.Logger, id string) {
	if p.archiver == nil {
		return
	}
	rec, err := p.queue.Get(ctx, id)
	if err != nil {
		logger.Warn("could not load job for archival", "job_id", id, "error", err)
		return
	}
	if err := p.archiver.Archive(ctx, rec); err != nil {
		logger.Warn("job archival failed", "job_id", id, "error", err)
	}
}

// sleep waits for d or until shutdown, whichever comes first.
func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// loopBackoff grows linearly with consecutive failures, capped at 30s.
func loopBackoff(failures int) time.Duration {
	d := time.Duration(failures) * 2 * time.Second
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
