package engine

import (
	"context"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/report"
	"github.com/teranos/reportd/pulse/retry"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/sym"
)

// Execution transitions:
//
//	pending  → running | cancelled
//	running  → completed | retrying | failed | cancelled
//	retrying → running | cancelled
//
// completed, failed and cancelled are terminal.
var transitions = map[schedule.Status][]schedule.Status{
	schedule.StatusPending:  {schedule.StatusRunning, schedule.StatusCancelled},
	schedule.StatusRunning:  {schedule.StatusCompleted, schedule.StatusRetrying, schedule.StatusFailed, schedule.StatusCancelled},
	schedule.StatusRetrying: {schedule.StatusRunning, schedule.StatusCancelled},
}

// CanTransition reports whether an execution may move from one status to another
func CanTransition(from, to schedule.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OrphanedMessage is recorded on runs found without an owner after a restart
const OrphanedMessage = "orphaned: no heartbeat since restart"

// settle records the outcome of a generation. Writes outlive ctx so a run
// interrupted by shutdown is still recorded.
func (e *Engine) settle(ctx context.Context, sch *schedule.Schedule, exec *schedule.Execution, art *report.Artifact, genErr error) error {
	writeCtx := context.WithoutCancel(ctx)

	requested, err := e.executions.CancelRequested(writeCtx, exec.ID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	if requested {
		return e.recordCancelled(writeCtx, exec, "cancelled while running")
	}

	if genErr == nil {
		return e.complete(writeCtx, sch, exec, art)
	}
	if ctx.Err() != nil {
		return e.requeue(writeCtx, exec, errors.Wrap(genErr, "interrupted by shutdown"))
	}
	return e.fail(writeCtx, sch, exec, genErr)
}

// requeue parks a run cut short by shutdown as retrying, due at once, without
// spending an attempt. The next Start re-arms it during recovery.
func (e *Engine) requeue(ctx context.Context, exec *schedule.Execution, cause error) error {
	now := e.now()
	if err := e.executions.MarkRetrying(ctx, exec, cause.Error(), exec.RetryCount, now, now); err != nil {
		return e.lostWrite(exec, err)
	}
	e.logger.Infow(sym.Retrying+" Run interrupted, requeued",
		logger.FieldExecutionID, exec.ID,
		logger.FieldRetryCount, exec.RetryCount)
	e.publish(exec)
	return nil
}

func (e *Engine) complete(ctx context.Context, sch *schedule.Schedule, exec *schedule.Execution, art *report.Artifact) error {
	if err := e.executions.MarkCompleted(ctx, exec, art, e.now()); err != nil {
		return e.lostWrite(exec, err)
	}
	e.logger.Infow(sym.Completed+" Report generated",
		logger.FieldExecutionID, exec.ID,
		logger.FieldScheduleID, sch.ID,
		logger.FieldDurationMS, exec.DurationMS,
		"size_bytes", art.Size())
	e.publish(exec)

	// Delivery outcomes never change the execution's status
	if err := e.dispatcher.Dispatch(ctx, sch, exec); err != nil {
		e.logger.Errorw("Failed to dispatch deliveries, recovery will retry",
			logger.FieldExecutionID, exec.ID, logger.FieldError, err)
	}
	return nil
}

// fail routes a failed run through the retry policy. When a retry is
// approved the execution moves straight from running to retrying, and the
// resume timer is armed only after that write commits.
func (e *Engine) fail(ctx context.Context, sch *schedule.Schedule, exec *schedule.Execution, cause error) error {
	attempts := exec.RetryCount + 1
	decision := retry.Decide(e.policyFor(sch), attempts, cause, e.now())
	msg := cause.Error()
	log := e.logger.With(logger.FieldExecutionID, exec.ID, logger.FieldScheduleID, sch.ID)

	if decision.Retry {
		if err := e.executions.MarkRetrying(ctx, exec, msg, attempts, decision.ResumeAt, e.now()); err != nil {
			return e.lostWrite(exec, err)
		}
		e.enqueue(exec)
		log.Warnw(sym.Retrying+" Report failed, will retry",
			logger.FieldRetryCount, attempts,
			logger.FieldResumeAt, decision.ResumeAt,
			"class", retry.Classify(cause),
			logger.FieldError, cause)
		e.publish(exec)
		return nil
	}

	if err := e.executions.MarkFailed(ctx, exec, msg, attempts, e.now()); err != nil {
		return e.lostWrite(exec, err)
	}
	log.Errorw(sym.Failed+" Report failed",
		logger.FieldRetryCount, attempts,
		"class", retry.Classify(cause),
		logger.FieldError, cause)
	e.publish(exec)
	return nil
}

func (e *Engine) recordCancelled(ctx context.Context, exec *schedule.Execution, reason string) error {
	if err := e.executions.MarkCancelled(ctx, exec, reason, e.now()); err != nil {
		return e.lostWrite(exec, err)
	}
	e.logger.Infow(sym.Cancelled+" Execution cancelled",
		logger.FieldExecutionID, exec.ID, "reason", reason)
	e.publish(exec)
	return nil
}

// lostWrite swallows a lost compare-and-set: someone else moved the
// execution (cancelled it, recovered it, deleted its schedule) and their
// write stands.
func (e *Engine) lostWrite(exec *schedule.Execution, err error) error {
	if errors.Is(err, schedule.ErrStaleVersion) {
		e.logger.Warnw("Execution changed during run, outcome discarded",
			logger.FieldExecutionID, exec.ID, logger.FieldError, err)
		return nil
	}
	return err
}

func (e *Engine) policyFor(sch *schedule.Schedule) retry.Policy {
	p := sch.RetryPolicy.Policy()
	p.MaxDelay = e.cfg.MaxRetryDelay
	return p
}
