package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of work run by the pool
type Job struct {
	ID  string
	Run func(context.Context) error
	// Done, when set, receives the job's result.
	Done func(error)
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// Pool runs jobs on a bounded set of goroutines. Jobs share the context
// passed to Start; cancelling it stops the workers after their current job.
type Pool struct {
	name   string
	jobs   chan Job
	logger *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopChan chan struct{}

	maxWorkers int
	active     int32
	submitted  uint64
	completed  uint64
	failed     uint64
	rejected   uint64
}

// New creates a pool. Workers start with Start.
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Pool{
		name:       cfg.Name,
		jobs:       make(chan Job, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
		maxWorkers: cfg.MaxWorkers,
	}
}

// Start launches the workers
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", cap(p.jobs)))
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case job := <-p.jobs:
			p.execute(ctx, id, job)
		}
	}
}

func (p *Pool) execute(ctx context.Context, workerID int, job Job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeRun(ctx, job)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("job_id", job.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completed, 1)
		p.logger.Debug("Job completed",
			zap.String("pool", p.name),
			zap.String("job_id", job.ID),
			zap.Duration("duration", time.Since(start)))
	}
	if job.Done != nil {
		job.Done(err)
	}
}

func (p *Pool) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Run(ctx)
}

// Submit blocks until the job is queued, the pool stops or ctx is done.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if p.stopped() {
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	}

	select {
	case <-p.stopChan:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.jobs <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	}
}

// TrySubmit queues the job without blocking and reports whether it was accepted
func (p *Pool) TrySubmit(job Job) bool {
	if !p.stopped() {
		select {
		case p.jobs <- job:
			atomic.AddUint64(&p.submitted, 1)
			return true
		default:
		}
	}
	atomic.AddUint64(&p.rejected, 1)
	return false
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stopChan:
		return true
	default:
		return false
	}
}

// Stop stops accepting jobs and waits up to timeout for running jobs to finish.
// Queued jobs that have not started are dropped.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Name       string
	MaxWorkers int
	Active     int
	Queued     int
	Submitted  uint64
	Completed  uint64
	Failed     uint64
	Rejected   uint64
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:       p.name,
		MaxWorkers: p.maxWorkers,
		Active:     int(atomic.LoadInt32(&p.active)),
		Queued:     len(p.jobs),
		Submitted:  atomic.LoadUint64(&p.submitted),
		Completed:  atomic.LoadUint64(&p.completed),
		Failed:     atomic.LoadUint64(&p.failed),
		Rejected:   atomic.LoadUint64(&p.rejected),
	}
}
