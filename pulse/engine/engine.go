// Package engine runs report schedules: the scanner claims due fires, the
// worker pool generates reports through the execution state machine, and
// completed executions are handed to the delivery dispatcher.
//
// Every state change is a compare-and-set write in the schedule stores, so
// several engines may share one database; the only thing they race on is
// the claim, and a lost claim is a no-op.
package engine

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/reportd/am"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/async"
	"github.com/teranos/reportd/pulse/delivery"
	"github.com/teranos/reportd/pulse/report"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/sym"
)

// Config holds engine sizing and timing
type Config struct {
	Workers          int
	TickInterval     time.Duration
	ScanBatchSize    int
	SweepEvery       int // ticks between orphan sweeps; 0 disables them
	ExecutionTimeout time.Duration
	StaleThreshold   time.Duration
	DefaultRetry     schedule.RetryPolicy
	MaxRetryDelay    time.Duration
	StopTimeout      time.Duration
}

// ConfigFrom derives engine settings from the application config
func ConfigFrom(cfg am.Config) Config {
	return Config{
		Workers:          cfg.Pulse.Workers,
		TickInterval:     cfg.Pulse.TickerInterval(),
		ScanBatchSize:    cfg.Pulse.ScanBatchSize,
		SweepEvery:       10,
		ExecutionTimeout: cfg.Pulse.ExecutionTimeout(),
		StaleThreshold:   cfg.Pulse.StaleThreshold(),
		DefaultRetry: schedule.RetryPolicy{
			MaxAttempts: cfg.Pulse.Retry.MaxAttempts,
			BaseDelayMS: cfg.Pulse.Retry.BaseDelayMS,
			Multiplier:  cfg.Pulse.Retry.Multiplier,
		},
		MaxRetryDelay: time.Duration(cfg.Pulse.Retry.MaxDelayMS) * time.Millisecond,
		StopTimeout:   async.DefaultStopTimeout,
	}
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.ScanBatchSize <= 0 {
		c.ScanBatchSize = 100
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = 10 * time.Minute
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 3 * c.ExecutionTimeout
	}
	if c.DefaultRetry == (schedule.RetryPolicy{}) {
		c.DefaultRetry = schedule.DefaultRetryPolicy()
	}
}

// Deps are the engine's collaborators
type Deps struct {
	DB          *sql.DB
	Generator   report.Generator
	Registry    *delivery.Registry
	Delivery    delivery.DispatcherConfig
	Broadcaster Broadcaster        // optional
	Logger      *zap.SugaredLogger // optional
	Clock       func() time.Time   // optional, for tests
}

// Engine owns the scanner, the worker pool and the dispatcher for one process
type Engine struct {
	cfg         Config
	schedules   *schedule.Store
	executions  *schedule.ExecutionStore
	deliveries  *schedule.DeliveryStore
	generator   report.Generator
	dispatcher  *delivery.Dispatcher
	queue       *async.Queue
	pool        *async.WorkerPool
	scanner     *Scanner
	broadcaster Broadcaster
	now         func() time.Time
	logger      *zap.SugaredLogger

	mu      sync.Mutex
	started bool
	stopped bool
	running map[string]context.CancelFunc // local runs by execution ID
}

// New wires an engine. Nothing runs until Start.
func New(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	registry := deps.Registry
	if registry == nil {
		registry = delivery.NewRegistry()
	}
	if deps.Delivery.MaxDelay == 0 {
		deps.Delivery.MaxDelay = cfg.MaxRetryDelay
	}

	queue := async.NewQueue()
	e := &Engine{
		cfg:         cfg,
		schedules:   schedule.NewStore(deps.DB, schedule.WithClock(now), schedule.WithLogger(log.Named("schedule"))),
		executions:  schedule.NewExecutionStore(deps.DB),
		deliveries:  schedule.NewDeliveryStore(deps.DB),
		generator:   deps.Generator,
		queue:       queue,
		broadcaster: deps.Broadcaster,
		now:         now,
		logger:      log.Named("engine"),
		running:     make(map[string]context.CancelFunc),
	}
	e.dispatcher = delivery.NewDispatcher(e.schedules, e.executions, e.deliveries, registry, queue,
		deps.Delivery, log.Named("delivery"))
	e.dispatcher.SetClock(now)
	if deps.Broadcaster != nil {
		e.dispatcher.SetObserver(deliveryObserver{deps.Broadcaster})
	}
	e.pool = async.NewWorkerPool(queue, async.WorkerPoolConfig{
		Workers:     cfg.Workers,
		StopTimeout: cfg.StopTimeout,
	}, log)
	e.scanner = NewScanner(e.schedules, e.pool, ScannerConfig{
		Interval:   cfg.TickInterval,
		BatchSize:  cfg.ScanBatchSize,
		SweepEvery: cfg.SweepEvery,
	}, e.onClaim, e.sweepOrphans, now, log.Named("pulse"))
	return e
}

// Start recovers work left by a previous process, then starts the workers
// and the scanner.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if e.generator == nil {
		return errors.New("engine has no report generator")
	}
	rec, err := e.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "recover")
	}
	e.logger.Infow(sym.Pulse+" Recovered previous work",
		"orphaned", rec.Orphaned,
		"resumed", rec.Resumed,
		"requeued", rec.Requeued,
		"redispatched", rec.Redispatched,
		"deliveries", rec.Deliveries)

	e.pool.Start(ctx)
	e.scanner.Start(ctx)
	return nil
}

// Stop halts the scanner, cancels retry timers and in-flight runs, and waits
// for workers. Interrupted runs are recorded and picked up by the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	if started {
		e.scanner.Stop()
	}
	if !e.pool.Stop() {
		e.logger.Warnw("Workers did not stop in time", "timeout", e.cfg.StopTimeout)
	}
}

// Schedules returns the schedule store
func (e *Engine) Schedules() *schedule.Store { return e.schedules }

// Executions returns the execution store
func (e *Engine) Executions() *schedule.ExecutionStore { return e.executions }

// Deliveries returns the delivery store
func (e *Engine) Deliveries() *schedule.DeliveryStore { return e.deliveries }

// Dispatcher returns the delivery dispatcher
func (e *Engine) Dispatcher() *delivery.Dispatcher { return e.dispatcher }

// Scanner returns the due-schedule scanner
func (e *Engine) Scanner() *Scanner { return e.scanner }

// Stats is a point-in-time view of the engine
type Stats struct {
	Scanner map[string]interface{} `json:"scanner"`
	Pool    async.PoolStats        `json:"pool"`
	Queue   async.QueueStats       `json:"queue"`
	System  async.SystemMetrics    `json:"system"`
	Running int                    `json:"running_local"`
}

// Stats returns scanner, pool and queue counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	running := len(e.running)
	e.mu.Unlock()
	return Stats{
		Scanner: e.scanner.GetStats(),
		Pool:    e.pool.Stats(),
		Queue:   e.queue.Stats(),
		System:  e.pool.GetSystemMetrics(),
		Running: running,
	}
}
