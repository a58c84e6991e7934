package engine

import (
	"context"
	"time"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/async"
	"github.com/teranos/reportd/pulse/report"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/sym"
)

// How often a running generation checks for a cancel requested elsewhere
var cancelPollInterval = time.Second

func executionKey(id string) string {
	return "execution:" + id
}

// enqueue queues a run of exec. A retrying execution waits for its resume time.
func (e *Engine) enqueue(exec *schedule.Execution) {
	id := exec.ID
	task := async.Task{
		Key:  executionKey(id),
		Kind: async.KindExecution,
		Run: func(ctx context.Context) error {
			return e.run(ctx, id)
		},
	}
	if exec.Status == schedule.StatusRetrying && exec.NextAttemptAt != nil {
		e.queue.PushAt(task, *exec.NextAttemptAt)
		return
	}
	e.queue.Push(task)
}

// onClaim receives executions created by the scanner
func (e *Engine) onClaim(_ *schedule.Schedule, exec *schedule.Execution) {
	e.publish(exec)
	e.enqueue(exec)
}

// run performs one attempt of an execution. It re-reads the execution and
// claims it with a compare-and-set, so a stale or duplicate task is a no-op.
func (e *Engine) run(ctx context.Context, id string) error {
	exec, err := e.executions.Get(ctx, id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil // deleted with its schedule
		}
		return err
	}

	switch exec.Status {
	case schedule.StatusPending:
	case schedule.StatusRetrying:
		if exec.NextAttemptAt != nil && exec.NextAttemptAt.After(e.now()) {
			e.enqueue(exec)
			return nil
		}
	default:
		return nil
	}

	sch, err := e.schedules.Get(ctx, exec.ScheduleID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil
		}
		return err
	}

	log := e.logger.With(logger.FieldExecutionID, exec.ID, logger.FieldScheduleID, sch.ID)
	if err := e.executions.MarkRunning(ctx, exec, e.now()); err != nil {
		if errors.Is(err, schedule.ErrStaleVersion) {
			log.Debugw("Execution claimed elsewhere")
			return nil
		}
		return err
	}
	e.publish(exec)
	log.Infow(sym.Running+" Generating report",
		logger.FieldReportID, sch.ReportID,
		logger.FieldTrigger, exec.Trigger,
		logger.FieldRetryCount, exec.RetryCount)

	art, genErr := e.generate(ctx, sch, exec)
	return e.settle(ctx, sch, exec, art, genErr)
}

// generate calls the generator under the execution timeout. The run context
// is also cancelled when a cancel is requested, locally or on another instance.
func (e *Engine) generate(ctx context.Context, sch *schedule.Schedule, exec *schedule.Execution) (*report.Artifact, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.ExecutionTimeout)
	defer cancel()

	e.track(exec.ID, cancel)
	defer e.untrack(exec.ID)
	stopWatch := e.watchCancel(runCtx, exec.ID, cancel)
	defer stopWatch()

	art, err := e.generator.Generate(logger.WithExecutionID(runCtx, exec.ID), report.Request{
		ExecutionID:  exec.ID,
		ScheduleID:   sch.ID,
		ReportID:     sch.ReportID,
		ScheduledFor: exec.ScheduledFor,
		Parameters:   sch.Parameters,
	})
	if err == nil && art == nil {
		art = &report.Artifact{}
	}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = errors.Wrapf(err, "timeout: report generation exceeded %s", e.cfg.ExecutionTimeout)
	}
	return art, err
}

// watchCancel polls the persisted cancel flag until stopped
func (e *Engine) watchCancel(ctx context.Context, id string, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := e.executions.CancelRequested(ctx, id)
				if err == nil && requested {
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

func (e *Engine) track(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
}

// cancelLocal cancels the run of id if this process is running it
func (e *Engine) cancelLocal(id string) bool {
	e.mu.Lock()
	cancel, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
