package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promptlab/promptq/internal/domain"
)

// Redis key layout shared by every producer and worker:
// a hash of job id → serialized record, a list holding pending ids in
// FIFO order, and a set of claimed-but-not-terminal ids.
const (
	jobsKey     = "jobs"
	pendingKey  = "job_queue"
	inflightKey = "processing_jobs"
)

// secondsPerPendingJob is the fixed linear wait estimator: each job ahead
// of a pending job is assumed to take this long.
const secondsPerPendingJob = 30

// ErrUnavailable is returned when the Redis backing store cannot be
// reached. Callers surface it as service-unavailable rather than retrying.
var ErrUnavailable = errors.New("job queue unavailable")

// Stats holds queue-wide counters.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Total      int64 `json:"total"`
}

// JobUpdate describes a partial update to a stored job record. Nil fields
// are left untouched. There is no optimistic locking: only the worker that
// owns the in-flight claim writes these fields for a given job.
type JobUpdate struct {
	Status          *domain.JobStatus
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Progress        *int
	ProgressMessage *string
	Result          map[string]any
	Error           *string
}

// Queue is a crash-resilient FIFO plus job table backed by Redis. It is
// safe for concurrent use from any number of producers and workers; job
// ownership is enforced by the atomic pop-and-claim in Dequeue.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New creates a Queue on the given Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{
		rdb:    rdb,
		logger: logger.With("component", "queue"),
	}
}

// Enqueue stores the record and appends its id to the pending list tail.
// Re-enqueueing an existing id overwrites the stored record, so delivery
// is at-least-once with idempotent overwrite.
func (q *Queue) Enqueue(ctx context.Context, rec *domain.JobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", rec.ID, err)
	}

	if err := q.rdb.HSet(ctx, jobsKey, rec.ID, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := q.rdb.LPush(ctx, pendingKey, rec.ID).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	q.recomputePositions(ctx)

	q.logger.Debug("job enqueued", "job_id", rec.ID, "user_id", rec.UserID)
	return nil
}

// Dequeue blocks up to timeout for the oldest pending id and atomically
// claims it by moving it into the in-flight set. It returns "" with a nil
// error when the wait times out, which is the caller's chance to observe
// shutdown. BRPOP guarantees at most one worker ever receives a given id.
//
// A worker that crashes between Dequeue and Release strands the id in the
// in-flight set; there is no lease or heartbeat expiry.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, pendingKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// res is [key, value].
	id := res[1]
	if err := q.rdb.SAdd(ctx, inflightKey, id).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	q.recomputePositions(ctx)
	return id, nil
}

// Release unconditionally removes id from the in-flight set. It is called
// when processing ends, whether the job completed or failed.
func (q *Queue) Release(ctx context.Context, id string) error {
	if err := q.rdb.SRem(ctx, inflightKey, id).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	q.recomputePositions(ctx)
	return nil
}

// Get returns the stored record for id, or domain.ErrJobNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	data, err := q.rdb.HGet(ctx, jobsKey, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var rec domain.JobRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &rec, nil
}

// Update merges the non-nil fields of upd into the stored record. Status
// changes are checked against the lifecycle state machine.
func (q *Queue) Update(ctx context.Context, id string, upd JobUpdate) error {
	rec, err := q.Get(ctx, id)
	if err != nil {
		return err
	}

	if upd.Status != nil {
		if !upd.Status.IsValid() {
			return fmt.Errorf("%w: %q", domain.ErrInvalidStatus, *upd.Status)
		}
		if *upd.Status != rec.Status && !rec.Status.CanTransitionTo(*upd.Status) {
			return fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, rec.Status, *upd.Status)
		}
		rec.Status = *upd.Status
	}
	if upd.StartedAt != nil {
		t := upd.StartedAt.UTC()
		rec.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := upd.CompletedAt.UTC()
		rec.CompletedAt = &t
	}
	if upd.Progress != nil {
		rec.Progress = *upd.Progress
	}
	if upd.ProgressMessage != nil {
		rec.ProgressMessage = *upd.ProgressMessage
	}
	if upd.Result != nil {
		rec.Result = upd.Result
	}
	if upd.Error != nil {
		rec.Error = *upd.Error
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", id, err)
	}
	if err := q.rdb.HSet(ctx, jobsKey, id, data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Position returns the 1-based rank of id among pending jobs by insertion
// order, 0 when the record exists but is no longer pending, and -1 when no
// such job is known.
func (q *Queue) Position(ctx context.Context, id string) (int, error) {
	ids, err := q.rdb.LRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// LPUSH grows the list at the head, so the oldest entry sits at the
	// tail. Rank 1 is the next job to be claimed.
	for i, pendingID := range ids {
		if pendingID == id {
			return len(ids) - i, nil
		}
	}

	exists, err := q.rdb.HExists(ctx, jobsKey, id).Result()
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exists {
		return 0, nil
	}
	return -1, nil
}

// EstimatedSeconds returns the projected wait before id starts processing:
// 30 seconds per job ahead of it. Jobs that are not pending report 0.
func (q *Queue) EstimatedSeconds(ctx context.Context, id string) (int, error) {
	pos, err := q.Position(ctx, id)
	if err != nil {
		return 0, err
	}
	if pos <= 0 {
		return 0, nil
	}
	return (pos - 1) * secondsPerPendingJob, nil
}

// UserJobs returns every job submitted by userID, newest first. This scans
// the whole job table, so it scales with total jobs, not the user's share.
func (q *Queue) UserJobs(ctx context.Context, userID string) ([]domain.JobRecord, error) {
	all, err := q.rdb.HGetAll(ctx, jobsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	jobs := make([]domain.JobRecord, 0)
	for id, data := range all {
		var rec domain.JobRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			q.logger.Warn("skipping undecodable job record", "job_id", id, "error", err)
			continue
		}
		if rec.UserID == userID {
			jobs = append(jobs, rec)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Stats returns queue-wide counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	processing, err := q.rdb.SCard(ctx, inflightKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	total, err := q.rdb.HLen(ctx, jobsKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Stats{Pending: pending, Processing: processing, Total: total}, nil
}

// recomputePositions rewrites queue_position for every pending record after
// a structural change. One full rescan per event, O(pending); correct and
// simple at the scale this queue serves.
func (q *Queue) recomputePositions(ctx context.Context) {
	ids, err := q.rdb.LRange(ctx, pendingKey, 0, -1).Result()
	if err != nil {
		q.logger.Warn("position recompute failed", "error", err)
		return
	}

	for i, id := range ids {
		rank := len(ids) - i

		data, err := q.rdb.HGet(ctx, jobsKey, id).Result()
		if err != nil {
			continue
		}
		var rec domain.JobRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		if rec.QueuePosition == rank {
			continue
		}
		rec.QueuePosition = rank

		updated, err := json.Marshal(&rec)
		if err != nil {
			continue
		}
		if err := q.rdb.HSet(ctx, jobsKey, id, updated).Err(); err != nil {
			q.logger.Warn("position rewrite failed", "job_id", id, "error", err)
		}
	}
}
