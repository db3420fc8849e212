package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptlab/promptq/internal/domain"
)

// newTestQueue spins up an in-process Redis and a Queue on top of it.
func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(rdb, logger), mr
}

func enqueueJob(t *testing.T, q *Queue, userID, prompt string) *domain.JobRecord {
	t.Helper()
	rec := domain.NewJobRecord(userID, "tester", prompt)
	require.NoError(t, q.Enqueue(context.Background(), rec))
	return rec
}

func TestEnqueueAndGet(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueueJob(t, q, "user-1", "analyze this")

	got, err := q.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "analyze this", got.Prompt)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.Progress)
	assert.Equal(t, "Queued", got.ProgressMessage)
}

func TestGetUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.Get(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestPositionsFollowInsertionOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := enqueueJob(t, q, "user-1", "first")
	second := enqueueJob(t, q, "user-1", "second")
	third := enqueueJob(t, q, "user-2", "third")

	pos, err := q.Position(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos, "oldest job should be next to be claimed")

	pos, err = q.Position(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	pos, err = q.Position(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, pos)
}

func TestPositionAfterClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := enqueueJob(t, q, "user-1", "first")
	second := enqueueJob(t, q, "user-1", "second")

	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id, "dequeue must claim the oldest job")

	// The claimed job exists but is no longer pending.
	pos, err := q.Position(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	// Remaining jobs shift forward.
	pos, err = q.Position(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	got, err := q.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.QueuePosition, "stored position should be recomputed on claim")
}

func TestPositionUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)

	pos, err := q.Position(context.Background(), "no-such-job")
	require.NoError(t, err)
	assert.Equal(t, -1, pos)
}

func TestEstimatedSeconds(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first := enqueueJob(t, q, "user-1", "first")
	second := enqueueJob(t, q, "user-1", "second")
	third := enqueueJob(t, q, "user-1", "third")

	eta, err := q.EstimatedSeconds(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, eta, "job at the front waits zero")

	eta, err = q.EstimatedSeconds(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, eta)

	eta, err = q.EstimatedSeconds(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, eta)
}

func TestEstimatedSecondsNonPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueueJob(t, q, "user-1", "only")

	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	eta, err := q.EstimatedSeconds(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, eta)
}

func TestDequeueTimeoutReturnsEmpty(t *testing.T) {
	q, mr := newTestQueue(t)

	done := make(chan struct{})
	var id string
	var err error
	go func() {
		defer close(done)
		id, err = q.Dequeue(context.Background(), 50*time.Millisecond)
	}()

	// miniredis needs explicit time advancement for BRPOP timeouts.
	for i := 0; i < 20; i++ {
		mr.FastForward(50 * time.Millisecond)
		select {
		case <-done:
			require.NoError(t, err)
			assert.Empty(t, id)
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	t.Fatal("dequeue did not time out")
}

func TestDequeueClaimsIntoInflightSet(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueueJob(t, q, "user-1", "claim me")

	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, id)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Pending)
	assert.Equal(t, int64(1), stats.Processing)
	assert.Equal(t, int64(1), stats.Total)
}

func TestEachJobClaimedOnce(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	const n = 5
	expected := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		rec := enqueueJob(t, q, "user-1", "job")
		expected[rec.ID] = true
	}

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "job %s claimed twice", id)
		seen[id] = true
	}
	assert.Equal(t, expected, seen)
}

func TestReleaseRemovesClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueueJob(t, q, "user-1", "job")

	_, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, rec.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Total, "record survives release")
}

func TestUpdateMergesFields(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueueJob(t, q, "user-1", "job")

	status := domain.JobStatusProcessing
	started := time.Now().UTC()
	progress := 20
	msg := "Generating response..."
	require.NoError(t, q.Update(ctx, rec.ID, JobUpdate{
		Status:          &status,
		StartedAt:       &started,
		Progress:        &progress,
		ProgressMessage: &msg,
	}))

	got, err := q.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, got.Status)
	assert.Equal(t, 20, got.Progress)
	assert.Equal(t, msg, got.ProgressMessage)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Second)

	// Untouched fields survive the merge.
	assert.Equal(t, "job", got.Prompt)
	assert.Equal(t, "user-1", got.UserID)
}

func TestUpdateRejectsInvalidTransition(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueueJob(t, q, "user-1", "job")

	completed := domain.JobStatusCompleted
	status := &completed
	err := q.Update(ctx, rec.ID, JobUpdate{Status: status})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "pending cannot jump to completed")

	// Terminal states are frozen.
	processing := domain.JobStatusProcessing
	require.NoError(t, q.Update(ctx, rec.ID, JobUpdate{Status: &processing}))
	failed := domain.JobStatusFailed
	require.NoError(t, q.Update(ctx, rec.ID, JobUpdate{Status: &failed}))
	err = q.Update(ctx, rec.ID, JobUpdate{Status: &processing})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdateUnknownJob(t *testing.T) {
	q, _ := newTestQueue(t)

	progress := 50
	err := q.Update(context.Background(), "no-such-job", JobUpdate{Progress: &progress})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestUserJobsNewestFirst(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	oldest := domain.NewJobRecord("user-1", "tester", "oldest")
	oldest.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, q.Enqueue(ctx, oldest))

	newest := domain.NewJobRecord("user-1", "tester", "newest")
	newest.CreatedAt = time.Now().UTC()
	require.NoError(t, q.Enqueue(ctx, newest))

	enqueueJob(t, q, "user-2", "other user")

	jobs, err := q.UserJobs(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, newest.ID, jobs[0].ID)
	assert.Equal(t, oldest.ID, jobs[1].ID)
}

func TestUserJobsEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	jobs, err := q.UserJobs(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStateSurvivesReconnect(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	rec := enqueueJob(t, q, "user-1", "durable")

	// A new client against the same Redis sees everything.
	rdb2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb2.Close() })
	q2 := New(rdb2, slog.New(slog.NewTextHandler(io.Discard, nil)))

	got, err := q2.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	pos, err := q2.Position(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestStatsEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}
