package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/async"
	"github.com/teranos/reportd/pulse/retry"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/sym"
)

// Observer receives the outcome of every delivery attempt
type Observer interface {
	DeliveryAttempted(entry *schedule.DeliveryLog, state *schedule.Delivery)
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	Timeout       time.Duration // per attempt
	RatePerMinute int           // per channel; 0 disables limiting
	MaxDelay      time.Duration // caps a single retry delay; 0 = uncapped
}

// Dispatcher fans a completed execution out to its channels and drives each
// channel's attempts, retries and manual retries.
type Dispatcher struct {
	schedules  *schedule.Store
	executions *schedule.ExecutionStore
	deliveries *schedule.DeliveryStore
	registry   *Registry
	queue      *async.Queue
	limiters   map[schedule.Channel]*rate.Limiter
	timeout    time.Duration
	maxDelay   time.Duration
	observer   Observer
	now        func() time.Time
	logger     *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher that schedules attempts on queue
func NewDispatcher(
	schedules *schedule.Store,
	executions *schedule.ExecutionStore,
	deliveries *schedule.DeliveryStore,
	registry *Registry,
	queue *async.Queue,
	cfg DispatcherConfig,
	log *zap.SugaredLogger,
) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	d := &Dispatcher{
		schedules:  schedules,
		executions: executions,
		deliveries: deliveries,
		registry:   registry,
		queue:      queue,
		limiters:   make(map[schedule.Channel]*rate.Limiter),
		timeout:    cfg.Timeout,
		maxDelay:   cfg.MaxDelay,
		now:        time.Now,
		logger:     log.With("symbol", sym.Delivery),
	}
	if cfg.RatePerMinute > 0 {
		burst := cfg.RatePerMinute / 6
		if burst < 1 {
			burst = 1
		}
		for _, ch := range schedule.Channels {
			d.limiters[ch] = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60), burst)
		}
	}
	return d
}

// SetObserver registers the attempt observer. Call before Start.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// SetClock overrides the time source, for tests
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Registry returns the channel registry
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch creates a pending delivery for each of the schedule's channels
// and queues the first attempts. Dispatching twice is harmless.
func (d *Dispatcher) Dispatch(ctx context.Context, sch *schedule.Schedule, exec *schedule.Execution) error {
	channels := sch.ChannelList()
	if err := d.deliveries.Init(ctx, exec.ID, channels, d.now()); err != nil {
		return err
	}
	for _, ch := range channels {
		d.enqueue(exec.ID, ch, nil)
	}
	d.logger.Infow(sym.Delivery+" Dispatching report",
		logger.FieldExecutionID, exec.ID,
		logger.FieldScheduleID, sch.ID,
		"channels", channels)
	return nil
}

// RetryChannel reopens a failed channel. Without fresh it gets exactly one
// more attempt and no automatic follow-ups; with fresh its full retry
// budget is available again. Attempt numbering continues either way.
func (d *Dispatcher) RetryChannel(ctx context.Context, executionID string, ch schedule.Channel, fresh bool) (*schedule.Delivery, error) {
	if !ch.Valid() {
		return nil, errors.NewInvalidRequestError("unknown channel %q", ch)
	}
	state, err := d.deliveries.PrepareManualRetry(ctx, executionID, ch, fresh, d.now())
	if err != nil {
		return nil, err
	}
	d.enqueue(executionID, ch, nil)
	d.logger.Infow("Manual delivery retry queued",
		logger.FieldExecutionID, executionID,
		logger.FieldChannel, ch,
		"fresh", fresh,
		logger.FieldAttempt, state.AttemptCount+1)
	return state, nil
}

// RetryLog resolves a delivery log entry to its channel and retries it
func (d *Dispatcher) RetryLog(ctx context.Context, logID string, fresh bool) (*schedule.Delivery, error) {
	entry, err := d.deliveries.GetLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	return d.RetryChannel(ctx, entry.ExecutionID, entry.Channel, fresh)
}

// Resume re-arms delivery work left behind by a previous process: attempts
// that were in flight before staleBefore are released, then every pending
// channel is queued at its scheduled time. It returns the number queued.
func (d *Dispatcher) Resume(ctx context.Context, staleBefore time.Time) (int, error) {
	released, err := d.deliveries.ReleaseStaleAttempts(ctx, staleBefore)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		d.logger.Warnw("Released interrupted delivery attempts", logger.FieldCount, released)
	}

	pending, err := d.deliveries.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		d.enqueue(p.ExecutionID, p.Channel, p.NextAttemptAt)
	}
	return len(pending), nil
}

func taskKey(executionID string, ch schedule.Channel) string {
	return "delivery:" + executionID + "/" + string(ch)
}

func (d *Dispatcher) enqueue(executionID string, ch schedule.Channel, at *time.Time) {
	task := async.Task{
		Key:  taskKey(executionID, ch),
		Kind: async.KindDelivery,
		Run: func(ctx context.Context) error {
			return d.Attempt(ctx, executionID, ch)
		},
	}
	if at != nil {
		d.queue.PushAt(task, *at)
		return
	}
	d.queue.Push(task)
}

// Attempt performs one delivery attempt for a channel if it is due. It is
// safe to call concurrently and from several processes: the attempt is
// claimed with a compare-and-set first, and a lost claim is a no-op.
func (d *Dispatcher) Attempt(ctx context.Context, executionID string, ch schedule.Channel) error {
	log := d.logger.With(logger.FieldExecutionID, executionID, logger.FieldChannel, ch)

	state, err := d.deliveries.Get(ctx, executionID, ch)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil // execution deleted with its schedule
		}
		return err
	}
	if state.Status != schedule.DeliveryPending || state.InFlight {
		return nil
	}
	if state.NextAttemptAt != nil && state.NextAttemptAt.After(d.now()) {
		d.enqueue(executionID, ch, state.NextAttemptAt)
		return nil
	}

	if lim := d.limiters[ch]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return errors.Wrap(err, "rate limiter")
		}
	}

	if err := d.deliveries.ClaimAttempt(ctx, state, d.now()); err != nil {
		if errors.Is(err, schedule.ErrStaleVersion) {
			log.Debugw("Delivery attempt claimed elsewhere")
			return nil
		}
		return err
	}

	env, method, loadErr := d.load(ctx, executionID, ch)
	start := time.Now()
	var receipt *Receipt
	deliverErr := loadErr
	if deliverErr == nil {
		receipt, deliverErr = d.deliver(ctx, method, env)
	}
	out := schedule.AttemptOutcome{ScheduleID: scheduleIDOf(env), Duration: time.Since(start)}

	// Outcomes are written even during shutdown so the attempt is not left in flight
	writeCtx := context.WithoutCancel(ctx)
	if deliverErr == nil {
		out.Detail = receipt.Detail
		entry, err := d.deliveries.MarkDelivered(writeCtx, state, out, d.now())
		if err != nil {
			return errors.Wrap(err, "record delivery")
		}
		log.Infow(sym.Delivered+" Delivered", logger.FieldAttempt, state.AttemptCount, logger.FieldDurationMS, entry.DurationMS)
		d.notify(entry, state)
		return nil
	}

	out.Error = deliverErr.Error()
	decision := retry.Decision{Attempts: state.BudgetUsed()}
	if !state.SingleShot && env.Schedule != nil {
		policy := env.Schedule.PolicyFor(ch)
		policy.MaxDelay = d.maxDelay
		decision = retry.Decide(policy, state.BudgetUsed(), deliverErr, d.now())
	}

	if decision.Retry {
		entry, err := d.deliveries.ScheduleRetry(writeCtx, state, out, decision.ResumeAt, d.now())
		if err != nil {
			return errors.Wrap(err, "record delivery retry")
		}
		// Arm the timer only after the retry is persisted
		d.enqueue(executionID, ch, &decision.ResumeAt)
		log.Warnw(sym.Retrying+" Delivery failed, will retry",
			logger.FieldAttempt, state.AttemptCount,
			logger.FieldResumeAt, decision.ResumeAt,
			logger.FieldError, deliverErr)
		d.notify(entry, state)
		return nil
	}

	entry, err := d.deliveries.MarkFailed(writeCtx, state, out, d.now())
	if err != nil {
		return errors.Wrap(err, "record delivery failure")
	}
	log.Errorw(sym.Failed+" Delivery failed",
		logger.FieldAttempt, state.AttemptCount,
		"class", retry.Classify(deliverErr),
		"single_shot", state.SingleShot,
		logger.FieldError, deliverErr)
	d.notify(entry, state)
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, method schedule.DeliveryMethod, env Envelope) (*Receipt, error) {
	deliverer := d.registry.Get(method.Channel)
	if deliverer == nil {
		return nil, retry.Permanent(errors.Newf("no deliverer registered for channel %s", method.Channel))
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	receipt, err := deliverer.Deliver(attemptCtx, Config(method.Config), env)
	if err != nil {
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.Wrapf(err, "delivery timed out after %s", d.timeout)
		}
		return nil, err
	}
	if receipt == nil {
		receipt = &Receipt{}
	}
	return receipt, nil
}

// load gathers the envelope and the channel's current config. Failures that
// will not change on retry are permanent.
func (d *Dispatcher) load(ctx context.Context, executionID string, ch schedule.Channel) (Envelope, schedule.DeliveryMethod, error) {
	var env Envelope
	exec, err := d.executions.Get(ctx, executionID)
	if err != nil {
		return env, schedule.DeliveryMethod{}, permanentIfNotFound(err)
	}
	env.Execution = exec

	sch, err := d.schedules.Get(ctx, exec.ScheduleID)
	if err != nil {
		return env, schedule.DeliveryMethod{}, permanentIfNotFound(err)
	}
	env.Schedule = sch

	method, ok := sch.Method(ch)
	if !ok {
		return env, method, retry.Permanent(errors.Newf("channel %s is no longer configured on schedule %s", ch, sch.ID))
	}

	art, err := d.executions.GetArtifact(ctx, executionID)
	if err != nil && !errors.IsNotFoundError(err) {
		return env, method, err
	}
	env.Artifact = art
	return env, method, nil
}

func (d *Dispatcher) notify(entry *schedule.DeliveryLog, state *schedule.Delivery) {
	if d.observer != nil {
		d.observer.DeliveryAttempted(entry, state)
	}
}

func permanentIfNotFound(err error) error {
	if errors.IsNotFoundError(err) {
		return retry.Permanent(err)
	}
	return err
}

func scheduleIDOf(env Envelope) string {
	if env.Execution != nil {
		return env.Execution.ScheduleID
	}
	return ""
}

// Timeout returns the per-attempt limit
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}
