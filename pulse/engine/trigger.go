package engine

import (
	"context"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/sym"
)

// Trigger starts an out-of-band run of a schedule. It does not move the
// schedule's next fire. Unknown, disabled and busy schedules are rejected.
func (e *Engine) Trigger(ctx context.Context, scheduleID, actor string) (*schedule.Execution, error) {
	exec, err := e.executions.CreateManual(ctx, scheduleID, e.now())
	if err != nil {
		return nil, err
	}
	e.logger.Infow(sym.Pending+" Manual trigger",
		logger.FieldScheduleID, scheduleID,
		logger.FieldExecutionID, exec.ID,
		logger.FieldActor, actor)
	e.publish(exec)
	e.enqueue(exec)
	return exec, nil
}

// Cancel stops an execution. Pending and retrying executions are cancelled
// at once; a running one is flagged and its generator's context cancelled,
// and the run records the cancellation when the generator returns.
func (e *Engine) Cancel(ctx context.Context, executionID string) (*schedule.Execution, error) {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		var exec *schedule.Execution
		exec, err = e.executions.Get(ctx, executionID)
		if err != nil {
			return nil, err
		}

		switch exec.Status {
		case schedule.StatusRunning:
			if exec.CancelRequested {
				e.cancelLocal(exec.ID)
				return exec, nil
			}
			err = e.executions.RequestCancel(ctx, exec, e.now())
			if err == nil {
				local := e.cancelLocal(exec.ID)
				e.logger.Infow("Cancel requested for running execution",
					logger.FieldExecutionID, exec.ID, "local", local)
				e.publish(exec)
				return exec, nil
			}
		default:
			// Terminal statuses are rejected by the store
			err = e.executions.MarkCancelled(ctx, exec, "cancelled by user", e.now())
			if err == nil {
				e.logger.Infow(sym.Cancelled+" Execution cancelled", logger.FieldExecutionID, exec.ID)
				e.publish(exec)
				return exec, nil
			}
		}
		if !errors.Is(err, schedule.ErrStaleVersion) {
			return nil, err
		}
		// Lost a race with the runner; look again
	}
	return nil, errors.Wrapf(err, "cancel %s", executionID)
}
