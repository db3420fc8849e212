package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/promptlab/promptq/internal/domain"
	"github.com/promptlab/promptq/internal/pipeline"
	"github.com/promptlab/promptq/internal/queue"
)

// ErrStopTimeout is returned by Stop when workers do not exit within the
// configured grace period and are abandoned.
var ErrStopTimeout = errors.New("workers did not stop within timeout")

// JobQueue is the slice of the durable queue the pool consumes. Workers
// never coordinate with each other directly; everything goes through here.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
	Get(ctx context.Context, id string) (*domain.JobRecord, error)
	Update(ctx context.Context, id string, upd queue.JobUpdate) error
	Release(ctx context.Context, id string) error
}

// Runner executes the per-job pipeline.
type Runner interface {
	Run(ctx context.Context, prompt string, report pipeline.ProgressFunc) (*pipeline.Result, error)
}

// Archiver receives terminal job snapshots. Archiving is best-effort; a
// failure never affects the job outcome.
type Archiver interface {
	Archive(ctx context.Context, rec *domain.JobRecord) error
}

// Config tunes the worker pool.
type Config struct {
	// Workers is the number of concurrent worker slots.
	Workers int

	// ClaimTimeout bounds each blocking claim so the loop can observe
	// shutdown.
	ClaimTimeout time.Duration

	// MaxConsecutiveFailures trips the per-worker circuit breaker: the
	// worker exits and leaves replacement to the supervisor.
	MaxConsecutiveFailures int

	// StopTimeout bounds how long Stop waits for workers to drain.
	StopTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                2,
		ClaimTimeout:           time.Second,
		MaxConsecutiveFailures: 5,
		StopTimeout:            10 * time.Second,
	}
}

// slot is the supervisor-side handle for one worker. done is closed when
// the worker goroutine exits, whatever the reason.
type slot struct {
	index  int
	cancel context.CancelFunc
	done   chan struct{}
}

// Pool owns a fixed set of worker slots, each running a claim-process
// loop against the shared queue. The supervisor polls CheckWorkerHealth
// and RestartDeadWorkers to keep the slot count stable.
type Pool struct {
	queue    JobQueue
	runner   Runner
	archiver Archiver
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	slots    []*slot
	stopping bool
}

// NewPool creates a worker pool. archiver may be nil.
func NewPool(q JobQueue, runner Runner, archiver Archiver, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Pool{
		queue:    q,
		runner:   runner,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger.With("component", "worker_pool"),
	}
}

// Start spawns the configured number of workers.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.slots = make([]*slot, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		p.slots[i] = p.startSlot(i)
	}
	p.logger.Info("workers started", "count", p.cfg.Workers)
}

// startSlot spawns a worker goroutine bound to slot index. Caller holds
// p.mu.
func (p *Pool) startSlot(index int) *slot {
	ctx, cancel := context.WithCancel(context.Background())
	s := &slot{
		index:  index,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.runWorker(ctx, s)
	return s
}

// CheckWorkerHealth returns the indices of slots whose worker has exited.
// During shutdown nothing is reported dead.
func (p *Pool) CheckWorkerHealth() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return nil
	}

	var dead []int
	for _, s := range p.slots {
		select {
		case <-s.done:
			dead = append(dead, s.index)
		default:
		}
	}
	return dead
}

// RestartDeadWorkers replaces every dead slot with a fresh worker in the
// same position and returns how many were restarted. The total slot count
// never changes.
func (p *Pool) RestartDeadWorkers() int {
	dead := p.CheckWorkerHealth()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return 0
	}

	for _, index := range dead {
		old := p.slots[index]
		old.cancel()

		// Bounded join; an exited worker closes done immediately.
		select {
		case <-old.done:
		case <-time.After(2 * time.Second):
			p.logger.Warn("abandoning unresponsive worker", "worker", index)
		}

		p.slots[index] = p.startSlot(index)
		p.logger.Info("restarted dead worker", "worker", index)
	}
	return len(dead)
}

// Stop asks every worker to finish its current job and exit, waiting up
// to StopTimeout before abandoning the stragglers. A worker that is
// mid-pipeline always completes its current stage first; the claim
// timeout is its chance to notice the shutdown.
func (p *Pool) Stop() error {
	p.mu.Lock()
	p.stopping = true
	slots := make([]*slot, len(p.slots))
	copy(slots, p.slots)
	p.mu.Unlock()

	for _, s := range slots {
		s.cancel()
	}

	allDone := make(chan struct{})
	go func() {
		for _, s := range slots {
			<-s.done
		}
		close(allDone)
	}()

	select {
	case <-allDone:
		p.logger.Info("all workers stopped")
		return nil
	case <-time.After(p.cfg.StopTimeout):
		p.logger.Error("forcing shutdown with workers still running")
		return ErrStopTimeout
	}
}

// SlotCount returns the configured number of worker slots.
func (p *Pool) SlotCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// AliveCount returns how many workers are currently running.
func (p *Pool) AliveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	alive := 0
	for _, s := range p.slots {
		select {
		case <-s.done:
		default:
			alive++
		}
	}
	return alive
}
