// Package workerpool runs tasks on a bounded set of goroutines with
// per-task results and retry of transient failures.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool is stopped")

// Task represents a unit of work to be processed
type Task struct {
	ID      string
	Payload any
}

// Result represents the outcome of task processing
type Result struct {
	TaskID   string
	Error    error
	Data     any
	Attempts int
}

// Success reports whether the task completed without error.
func (r *Result) Success() bool { return r.Error == nil }

// WorkerFunc processes one task.
type WorkerFunc func(ctx context.Context, task *Task) (any, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the number of extra attempts for retryable failures
	MaxRetries int
	// RetryDelay grows linearly with the attempt number
	RetryDelay time.Duration
	// Retryable selects the errors worth another attempt. Nil retries none.
	Retryable func(error) bool
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a database-bound workload.
func DefaultConfig() Config {
	return Config{
		Workers:                 8,
		QueueSize:               256,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type job struct {
	ctx    context.Context
	task   *Task
	result chan *Result
}

// Pool manages a pool of workers for concurrent task processing
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	jobs chan job
	wg   sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	tasksSubmitted atomic.Int64
	tasksCompleted atomic.Int64
	tasksFailed    atomic.Int64
	tasksRetried   atomic.Int64
	activeWorkers  atomic.Int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger,
		jobs:       make(chan job, cfg.QueueSize),
	}, nil
}

// Start launches all workers
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues task and returns the channel its result will be delivered
// on. It blocks while the queue is full.
func (p *Pool) Submit(ctx context.Context, task *Task) (<-chan *Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return nil, ErrStopped
	}

	j := job{ctx: ctx, task: task, result: make(chan *Result, 1)}
	select {
	case p.jobs <- j:
		p.tasksSubmitted.Add(1)
		return j.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SubmitWait queues task and waits for its result.
func (p *Pool) SubmitWait(ctx context.Context, task *Task) (*Result, error) {
	ch, err := p.Submit(ctx, task)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunBatch runs tasks concurrently and returns their results in order.
// Tasks that could not be queued carry the submission error.
func (p *Pool) RunBatch(ctx context.Context, tasks []*Task) []*Result {
	chans := make([]<-chan *Result, len(tasks))
	results := make([]*Result, len(tasks))
	for i, t := range tasks {
		ch, err := p.Submit(ctx, t)
		if err != nil {
			results[i] = &Result{TaskID: t.ID, Error: err}
			continue
		}
		chans[i] = ch
	}
	for i, ch := range chans {
		if ch != nil {
			results[i] = <-ch
		}
	}
	return results
}

// Stop waits for queued tasks to finish, up to the shutdown timeout.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.config.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().GracefulShutdownTimeout
	}
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-time.After(timeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for j := range p.jobs {
		p.activeWorkers.Add(1)
		r := p.process(j.ctx, j.task)
		p.activeWorkers.Add(-1)

		if r.Success() {
			p.tasksCompleted.Add(1)
		} else {
			p.tasksFailed.Add(1)
			p.logger.Debug("task failed",
				zap.String("task_id", j.task.ID),
				zap.Int("worker_id", id),
				zap.Int("attempts", r.Attempts),
				zap.Error(r.Error))
		}
		j.result <- r
	}
}

func (p *Pool) process(ctx context.Context, task *Task) *Result {
	r := &Result{TaskID: task.ID}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			r.Error = err
			return r
		}

		r.Attempts = attempt + 1
		r.Data, r.Error = p.workerFunc(ctx, task)
		if r.Error == nil || attempt >= p.config.MaxRetries ||
			p.config.Retryable == nil || !p.config.Retryable(r.Error) {
			return r
		}

		p.tasksRetried.Add(1)
		select {
		case <-ctx.Done():
			r.Error = ctx.Err()
			return r
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
}

// Stats holds pool counters
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		TasksSubmitted: p.tasksSubmitted.Load(),
		TasksCompleted: p.tasksCompleted.Load(),
		TasksFailed:    p.tasksFailed.Load(),
		TasksRetried:   p.tasksRetried.Load(),
		ActiveWorkers:  p.activeWorkers.Load(),
		QueueDepth:     len(p.jobs),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy returns true if the queue isn't backing up
func (p *Pool) IsHealthy() bool {
	s := p.Stats()
	return float64(s.QueueDepth)/float64(s.QueueCapacity) < 0.9
}
