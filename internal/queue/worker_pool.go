package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrPoolFull is returned by Submit when the job buffer is full.
	ErrPoolFull = errors.New("worker pool is full")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// AttemptJob is one delivery attempt run by the pool.
type AttemptJob struct {
	MessageID string
	Domain    string
	Run       func(ctx context.Context)
}

// WorkerPoolConfig configures the attempt worker pool
type WorkerPoolConfig struct {
	Size           int
	JobBufferSize  int
	AttemptTimeout time.Duration
}

// DefaultWorkerPoolConfig returns default configuration for attempt workers
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Size:           5,
		JobBufferSize:  100,
		AttemptTimeout: 10 * time.Minute,
	}
}

// WorkerStats tracks worker pool activity
type WorkerStats struct {
	Submitted     int64
	Completed     int64
	ActiveWorkers int32
	Running       int32
	Queued        int32
	TotalTime     time.Duration
}

// WorkerPool runs delivery attempts on a fixed set of goroutines. Every
// attempt gets its own timeout; stopping the pool lets accepted jobs finish.
type WorkerPool struct {
	size     int
	timeout  time.Duration
	jobs     chan AttemptJob
	ctx      context.Context
	cancel   context.CancelFunc
	errGroup *errgroup.Group
	logger   *slog.Logger

	mu      sync.RWMutex
	stats   WorkerStats
	started bool
	stopped bool
}

// NewWorkerPool creates a new attempt worker pool
func NewWorkerPool(config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	def := DefaultWorkerPoolConfig()
	if config.Size <= 0 {
		config.Size = def.Size
	}
	if config.JobBufferSize <= 0 {
		config.JobBufferSize = def.JobBufferSize
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &WorkerPool{
		size:     config.Size,
		timeout:  config.AttemptTimeout,
		jobs:     make(chan AttemptJob, config.JobBufferSize),
		ctx:      gctx,
		cancel:   cancel,
		errGroup: g,
		logger:   logger.With("component", "worker-pool"),
	}
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true

	wp.logger.Info("Starting worker pool",
		"size", wp.size,
		"job_buffer", cap(wp.jobs),
		"attempt_timeout", wp.timeout,
	)
	for i := 0; i < wp.size; i++ {
		workerID := i
		wp.errGroup.Go(func() error {
			return wp.worker(workerID)
		})
	}
}

// Stop stops accepting jobs, waits for queued and running attempts and
// shuts the workers down.
func (wp *WorkerPool) Stop() error {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		return nil
	}
	wp.stopped = true
	close(wp.jobs)
	wp.mu.Unlock()

	wp.logger.Info("Stopping worker pool")
	err := wp.errGroup.Wait()
	wp.cancel()

	stats := wp.Stats()
	wp.logger.Info("Worker pool stopped",
		"submitted", stats.Submitted,
		"completed", stats.Completed,
	)
	return err
}

// Submit queues an attempt. It never blocks.
func (wp *WorkerPool) Submit(job AttemptJob) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.stopped {
		return ErrPoolStopped
	}
	select {
	case wp.jobs <- job:
		wp.stats.Submitted++
		wp.stats.Queued++
		return nil
	default:
		return ErrPoolFull
	}
}

func (wp *WorkerPool) worker(workerID int) error {
	workerLogger := wp.logger.With("worker_id", workerID)
	workerLogger.Debug("Worker started")

	wp.mu.Lock()
	wp.stats.ActiveWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.stats.ActiveWorkers--
		wp.mu.Unlock()
		workerLogger.Debug("Worker stopped")
	}()

	for job := range wp.jobs {
		wp.mu.Lock()
		wp.stats.Queued--
		wp.stats.Running++
		wp.mu.Unlock()

		start := time.Now()
		wp.run(job)
		duration := time.Since(start)

		wp.mu.Lock()
		wp.stats.Running--
		wp.stats.Completed++
		wp.stats.TotalTime += duration
		wp.mu.Unlock()

		workerLogger.Debug("Attempt finished",
			"message_id", job.MessageID,
			"domain", job.Domain,
			"duration", duration,
		)
	}
	return nil
}

func (wp *WorkerPool) run(job AttemptJob) {
	ctx, cancel := context.WithTimeout(wp.ctx, wp.timeout)
	defer cancel()
	job.Run(ctx)
}

// Stats returns current worker pool statistics
func (wp *WorkerPool) Stats() WorkerStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.stats
}

// IsHealthy returns true if workers are running and the job buffer has room
func (wp *WorkerPool) IsHealthy() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return !wp.stopped && wp.stats.ActiveWorkers > 0 && len(wp.jobs) < cap(wp.jobs)
}
