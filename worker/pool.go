/*
pool.go - Outbox worker pool

PURPOSE:
  Polls the billing_tasks table and runs due tasks (invoice emission,
  notifications) through the Outbox handlers. Failed tasks are rescheduled
  with exponential backoff; after MaxAttempts they are marked dead and left
  in the table for inspection.

DESIGN:
  - One dispatcher goroutine ticks every PollInterval and fetches due tasks
  - Size worker goroutines consume them from a channel
  - A task is claimed (pending -> running) before it runs, so two pools over
    the same database never run the same attempt
  - backoff(n) = BaseBackoff * 2^(n-1), capped at MaxBackoff

USAGE:
  pool := worker.New(engine.Outbox, worker.Config{Size: 4}, logger)
  pool.Start()
  // ... later
  pool.Stop()
*/
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/school-billing/billing"
)

// Config tunes the pool. Zero values fall back to the defaults below.
type Config struct {
	Size         int
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	TaskTimeout  time.Duration
}

const (
	DefaultSize         = 4
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 32
	DefaultMaxAttempts  = 8
	DefaultBaseBackoff  = time.Second
	DefaultMaxBackoff   = 5 * time.Minute
	DefaultTaskTimeout  = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	return c
}

// Pool runs outbox tasks in the background.
type Pool struct {
	outbox *billing.Outbox
	store  billing.TaskStore
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	tasks  chan billing.Task
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	ticker *time.Ticker
}

func New(outbox *billing.Outbox, cfg Config, log zerolog.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		outbox: outbox,
		store:  outbox.Store(),
		cfg:    cfg,
		log:    log.With().Str("component", "worker_pool").Logger(),
		now:    time.Now,
	}
}

// Start launches the dispatcher and the workers. Calling Start twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ticker != nil {
		return
	}
	p.ticker = time.NewTicker(p.cfg.PollInterval)
	p.stop = make(chan struct{})
	p.tasks = make(chan billing.Task)

	for i := 0; i < p.cfg.Size; i++ {
		p.wg.Add(1)
		go p.work()
	}
	p.wg.Add(1)
	go p.dispatch()

	p.log.Info().Int("size", p.cfg.Size).Dur("poll_interval", p.cfg.PollInterval).Msg("worker pool started")
}

// Stop waits for in-flight tasks and shuts the pool down.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ticker == nil {
		return
	}
	p.ticker.Stop()
	close(p.stop)
	p.wg.Wait()
	p.ticker = nil
	p.log.Info().Msg("worker pool stopped")
}

func (p *Pool) dispatch() {
	defer p.wg.Done()
	defer close(p.tasks)

	for {
		due, err := p.store.DueTasks(context.Background(), p.now().UTC(), p.cfg.BatchSize)
		if err != nil {
			p.log.Error().Err(err).Msg("failed to list due tasks")
		}
		for _, t := range due {
			select {
			case p.tasks <- t:
			case <-p.stop:
				return
			}
		}

		select {
		case <-p.ticker.C:
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for t := range p.tasks {
		p.process(context.Background(), t)
	}
}

// RunNow processes every currently due task synchronously and returns how
// many were run. Used by tests and the admin surface.
func (p *Pool) RunNow(ctx context.Context) (int, error) {
	due, err := p.store.DueTasks(ctx, p.now().UTC(), p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	ran := 0
	for _, t := range due {
		if p.process(ctx, t) {
			ran++
		}
	}
	return ran, nil
}

// process claims and runs one task. It returns false when the claim is lost.
func (p *Pool) process(ctx context.Context, t billing.Task) bool {
	claimed, err := p.store.ClaimTask(ctx, t.ID, p.now().UTC())
	if errors.Is(err, billing.ErrConcurrentModification) {
		return false
	}
	if err != nil {
		p.log.Error().Err(err).Str("task_id", t.ID).Msg("failed to claim task")
		return false
	}

	log := p.log.With().Str("task_id", claimed.ID).Str("kind", string(claimed.Kind)).Int("attempt", claimed.Attempts).Logger()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	runErr := p.outbox.Run(runCtx, *claimed)
	cancel()

	if runErr == nil {
		if err := p.store.CompleteTask(ctx, claimed.ID, p.now().UTC()); err != nil {
			log.Error().Err(err).Msg("failed to mark task done")
		}
		log.Debug().Msg("task done")
		return true
	}

	if claimed.Attempts >= p.cfg.MaxAttempts {
		if err := p.store.RescheduleTask(ctx, claimed.ID, billing.TaskDead, p.now().UTC(), runErr.Error()); err != nil {
			log.Error().Err(err).Msg("failed to dead-letter task")
		}
		log.Warn().Err(runErr).Str("event", "task_dead").Msg("task exhausted its attempts")
		return true
	}

	next := p.now().UTC().Add(Backoff(claimed.Attempts, p.cfg.BaseBackoff, p.cfg.MaxBackoff))
	if err := p.store.RescheduleTask(ctx, claimed.ID, billing.TaskPending, next, runErr.Error()); err != nil {
		log.Error().Err(err).Msg("failed to reschedule task")
	}
	log.Warn().Err(runErr).Time("run_at", next).Msg("task failed, retry scheduled")
	return true
}

// Backoff returns base * 2^(attempt-1), capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
