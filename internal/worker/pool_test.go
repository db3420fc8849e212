package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptlab/promptq/internal/domain"
	"github.com/promptlab/promptq/internal/pipeline"
	"github.com/promptlab/promptq/internal/queue"
)

// fakeRunner is a scriptable pipeline stand-in.
type fakeRunner struct {
	mu      sync.Mutex
	err     error
	result  *pipeline.Result
	block   chan struct{} // when non-nil, Run waits for it to close
	started chan struct{} // closed on first Run entry
	calls   int
}

func (f *fakeRunner) Run(ctx context.Context, prompt string, report pipeline.ProgressFunc) (*pipeline.Result, error) {
	f.mu.Lock()
	f.calls++
	if f.calls == 1 && f.started != nil {
		close(f.started)
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &pipeline.Result{
		Prompt:    prompt,
		RiskLevel: pipeline.RiskSafe,
		RiskColor: "green",
		Message:   "ok",
	}, nil
}

// recordingArchiver collects archived records.
type recordingArchiver struct {
	mu   sync.Mutex
	recs []*domain.JobRecord
}

func (a *recordingArchiver) Archive(ctx context.Context, rec *domain.JobRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *recordingArchiver) archived() []*domain.JobRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*domain.JobRecord(nil), a.recs...)
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.New(rdb, testLogger())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastPoolConfig() Config {
	return Config{
		Workers:                1,
		ClaimTimeout:           100 * time.Millisecond,
		MaxConsecutiveFailures: 5,
		StopTimeout:            5 * time.Second,
	}
}

func enqueueJob(t *testing.T, q *queue.Queue, prompt string) *domain.JobRecord {
	t.Helper()
	rec := domain.NewJobRecord("user-1", "tester", prompt)
	require.NoError(t, q.Enqueue(context.Background(), rec))
	return rec
}

func waitForStatus(t *testing.T, q *queue.Queue, id string, want domain.JobStatus) *domain.JobRecord {
	t.Helper()
	var rec *domain.JobRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = q.Get(context.Background(), id)
		return err == nil && rec.Status == want
	}, 5*time.Second, 20*time.Millisecond, "job never reached status %s", want)
	return rec
}

func TestPoolProcessesJobToCompletion(t *testing.T) {
	q := newTestQueue(t)
	runner := &fakeRunner{result: &pipeline.Result{
		Prompt:    "analyze",
		RiskLevel: pipeline.RiskHigh,
		RiskColor: "red",
		Message:   "tools were used",
	}}

	pool := NewPool(q, runner, nil, fastPoolConfig(), testLogger())
	pool.Start()
	defer func() { _ = pool.Stop() }()

	rec := enqueueJob(t, q, "analyze")

	got := waitForStatus(t, q, rec.ID, domain.JobStatusCompleted)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "Completed successfully", got.ProgressMessage)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Result)
	assert.Equal(t, "HIGH", got.Result["risk_level"])
	assert.Equal(t, "red", got.Result["risk_color"])
}

func TestPoolMarksJobFailed(t *testing.T) {
	q := newTestQueue(t)
	runner := &fakeRunner{err: errors.New("backend exploded")}

	pool := NewPool(q, runner, nil, fastPoolConfig(), testLogger())
	pool.Start()
	defer func() { _ = pool.Stop() }()

	rec := enqueueJob(t, q, "doomed")

	got := waitForStatus(t, q, rec.ID, domain.JobStatusFailed)
	assert.Equal(t, "backend exploded", got.Error)
	assert.Contains(t, got.ProgressMessage, "Failed: backend exploded")
	require.NotNil(t, got.CompletedAt)

	// Progress stays where it was when the failure happened.
	assert.Equal(t, 5, got.Progress)
}

func TestPoolArchivesTerminalJobs(t *testing.T) {
	q := newTestQueue(t)
	runner := &fakeRunner{}
	archiver := &recordingArchiver{}

	pool := NewPool(q, runner, archiver, fastPoolConfig(), testLogger())
	pool.Start()
	defer func() { _ = pool.Stop() }()

	rec := enqueueJob(t, q, "archive me")
	waitForStatus(t, q, rec.ID, domain.JobStatusCompleted)

	require.Eventually(t, func() bool {
		return len(archiver.archived()) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, rec.ID, archiver.archived()[0].ID)
	assert.Equal(t, domain.JobStatusCompleted, archiver.archived()[0].Status)
}

func TestCircuitBreakerStopsWorker(t *testing.T) {
	q := newTestQueue(t)
	runner := &fakeRunner{err: errors.New("always fails")}

	cfg := fastPoolConfig()
	cfg.MaxConsecutiveFailures = 2
	pool := NewPool(q, runner, nil, cfg, testLogger())
	pool.Start()
	defer func() { _ = pool.Stop() }()

	enqueueJob(t, q, "one")
	enqueueJob(t, q, "two")

	require.Eventually(t, func() bool {
		return pool.AliveCount() == 0
	}, 5*time.Second, 20*time.Millisecond, "worker should exit after repeated failures")

	dead := pool.CheckWorkerHealth()
	assert.Equal(t, []int{0}, dead)
	assert.Equal(t, 1, pool.SlotCount(), "slot survives its worker")
}

func TestRestartDeadWorkers(t *testing.T) {
	q := newTestQueue(t)
	runner := &fakeRunner{err: errors.New("always fails")}

	cfg := fastPoolConfig()
	cfg.MaxConsecutiveFailures = 1
	pool := NewPool(q, runner, nil, cfg, testLogger())
	pool.Start()
	defer func() { _ = pool.Stop() }()

	enqueueJob(t, q, "trip the breaker")

	require.Eventually(t, func() bool {
		return pool.AliveCount() == 0
	}, 5*time.Second, 20*time.Millisecond)

	// Heal the runner so the replacement survives.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()

	restarted := pool.RestartDeadWorkers()
	assert.Equal(t, 1, restarted)
	assert.Equal(t, 1, pool.SlotCount())

	require.Eventually(t, func() bool {
		return pool.AliveCount() == 1
	}, 2*time.Second, 20*time.Millisecond)

	// The replacement processes new work.
	rec := enqueueJob(t, q, "after restart")
	waitForStatus(t, q, rec.ID, domain.JobStatusCompleted)
}

func TestRestartDeadWorkersNoOpWhenHealthy(t *testing.T) {
	q := newTestQueue(t)
	pool := NewPool(q, &fakeRunner{}, nil, fastPoolConfig(), testLogger())
	pool.Start()
	defer func() { _ = pool.Stop() }()

	assert.Empty(t, pool.CheckWorkerHealth())
	assert.Equal(t, 0, pool.RestartDeadWorkers())
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	q := newTestQueue(t)
	runner := &fakeRunner{
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}

	pool := NewPool(q, runner, nil, fastPoolConfig(), testLogger())
	pool.Start()

	rec := enqueueJob(t, q, "slow job")

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	stopDone := make(chan error, 1)
	go func() { stopDone <- pool.Stop() }()

	// Stop must not return while the job is still running.
	select {
	case <-stopDone:
		t.Fatal("Stop returned before the in-flight job finished")
	case <-time.After(200 * time.Millisecond):
	}

	close(runner.block)

	select {
	case err := <-stopDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the job finished")
	}

	// The in-flight job ran to completion despite shutdown.
	got, err := q.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
}

func TestStopTimesOutOnStuckWorker(t *testing.T) {
	q := newTestQueue(t)
	runner := &fakeRunner{
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}

	cfg := fastPoolConfig()
	cfg.StopTimeout = 200 * time.Millisecond
	pool := NewPool(q, runner, nil, cfg, testLogger())
	pool.Start()

	enqueueJob(t, q, "stuck job")

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never started")
	}

	err := pool.Stop()
	assert.ErrorIs(t, err, ErrStopTimeout)

	close(runner.block) // let the goroutine finish
}

func TestIdleWorkersStopPromptly(t *testing.T) {
	q := newTestQueue(t)

	cfg := fastPoolConfig()
	cfg.Workers = 3
	pool := NewPool(q, &fakeRunner{}, nil, cfg, testLogger())
	pool.Start()

	assert.Equal(t, 3, pool.SlotCount())

	start := time.Now()
	require.NoError(t, pool.Stop())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, 0, pool.AliveCount())
}

func TestLoopBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, loopBackoff(1))
	assert.Equal(t, 10*time.Second, loopBackoff(5))
	assert.Equal(t, 30*time.Second, loopBackoff(15))
	assert.Equal(t, 30*time.Second, loopBackoff(100))
}
