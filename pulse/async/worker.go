package async

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/sym"
)

// DefaultStopTimeout bounds how long Stop waits for running tasks
const DefaultStopTimeout = 30 * time.Second

// pulseLogger wraps zap.SugaredLogger with lifecycle helpers.
// Starting logs at DEBUG and Closing at WARN so startup and shutdown stand
// out from ordinary INFO traffic.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a closing event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers     int           // Number of concurrent workers
	StopTimeout time.Duration // How long Stop waits for running tasks
}

// WorkerPool runs tasks from a Queue on a fixed number of goroutines
type WorkerPool struct {
	queue       *Queue
	workers     int
	stopTimeout time.Duration
	logger      pulseLogger

	mu            sync.Mutex
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       bool
	activeWorkers int
	processed     int64
	failed        int64
}

// NewWorkerPool creates a pool draining queue. Call Start to spawn workers.
func NewWorkerPool(queue *Queue, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WorkerPool{
		queue:       queue,
		workers:     cfg.Workers,
		stopTimeout: cfg.StopTimeout,
		logger:      pulseLogger{logger.Named("pulse")},
	}
}

// Queue returns the queue this pool drains
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Start spawns the workers. Tasks receive a context derived from ctx that
// is cancelled by Stop.
func (wp *WorkerPool) Start(ctx context.Context) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true

	workerCtx, cancel := context.WithCancel(ctx)
	wp.cancel = cancel

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(workerCtx, i)
	}
	wp.logger.Starting(sym.Pulse+" worker pool started", "workers", wp.workers)
}

// Stop cancels running tasks, closes the queue and waits up to the
// configured timeout for workers to exit. It reports whether they all did.
func (wp *WorkerPool) Stop() bool {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		wp.queue.Close()
		return true
	}
	cancel := wp.cancel
	wp.mu.Unlock()

	cancel()
	wp.queue.Close()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("❀ WorkerPool.Stop() complete - all workers exited cleanly")
		return true
	case <-time.After(wp.stopTimeout):
		// Workers keep unwinding in the background; recovery handles whatever they leave
		wp.logger.Closing("WorkerPool.Stop() timeout - workers still running", "timeout", wp.stopTimeout)
		return false
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	for {
		task, err := wp.queue.Pop(ctx)
		if err != nil {
			return
		}
		wp.runTask(ctx, id, task)
	}
}

func (wp *WorkerPool) runTask(ctx context.Context, workerID int, task Task) {
	wp.mu.Lock()
	wp.activeWorkers++
	wp.mu.Unlock()

	start := time.Now()
	err := wp.safeRun(ctx, task)

	wp.queue.Done(task)
	wp.mu.Lock()
	wp.activeWorkers--
	wp.processed++
	if err != nil {
		wp.failed++
	}
	wp.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		wp.logger.Errorw("Task failed",
			"worker_id", workerID,
			"task", task.Key,
			"kind", task.Kind,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
	}
}

// safeRun converts a panicking task into an error so one bad task cannot
// take a worker down with it
func (wp *WorkerPool) safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("task %s panicked: %v", task.Key, r)
			wp.logger.Errorw("Task panicked", "task", task.Key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	return task.Run(ctx)
}

// PoolStats is a snapshot of pool activity
type PoolStats struct {
	Workers       int   `json:"workers"`
	ActiveWorkers int   `json:"active_workers"`
	Processed     int64 `json:"processed"`
	Failed        int64 `json:"failed"`
}

// Stats returns pool counters
func (wp *WorkerPool) Stats() PoolStats {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return PoolStats{
		Workers:       wp.workers,
		ActiveWorkers: wp.activeWorkers,
		Processed:     wp.processed,
		Failed:        wp.failed,
	}
}
