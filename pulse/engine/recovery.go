package engine

import (
	"context"
	"time"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/schedule"
)

// RecoveryReport counts what Recover found
type RecoveryReport struct {
	Orphaned     int `json:"orphaned"`     // stale running executions failed through retry
	Resumed      int `json:"resumed"`      // retrying executions with re-armed timers
	Requeued     int `json:"requeued"`     // pending executions queued again
	Redispatched int `json:"redispatched"` // completed executions whose fan-out was lost
	Deliveries   int `json:"deliveries"`   // pending delivery attempts re-armed
}

// Recover rebuilds in-memory work from the database. Timers and the ready
// queue do not survive a restart; the persisted states do.
func (e *Engine) Recover(ctx context.Context) (*RecoveryReport, error) {
	now := e.now()
	rep := &RecoveryReport{}

	orphaned, err := e.failOrphans(ctx, now)
	if err != nil {
		return nil, err
	}
	rep.Orphaned = orphaned

	retrying, err := e.executions.ListByStatus(ctx, schedule.StatusRetrying)
	if err != nil {
		return nil, err
	}
	for _, exec := range retrying {
		e.enqueue(exec)
	}
	rep.Resumed = len(retrying)

	pending, err := e.executions.ListByStatus(ctx, schedule.StatusPending)
	if err != nil {
		return nil, err
	}
	for _, exec := range pending {
		e.enqueue(exec)
	}
	rep.Requeued = len(pending)

	undispatched, err := e.executions.ListUndispatched(ctx)
	if err != nil {
		return nil, err
	}
	for _, exec := range undispatched {
		sch, err := e.schedules.Get(ctx, exec.ScheduleID)
		if err != nil {
			return nil, err
		}
		if err := e.dispatcher.Dispatch(ctx, sch, exec); err != nil {
			return nil, errors.Wrapf(err, "redispatch %s", exec.ID)
		}
		rep.Redispatched++
	}

	// An attempt older than its own timeout cannot still be running anywhere
	rep.Deliveries, err = e.dispatcher.Resume(ctx, now.Add(-2*e.dispatcher.Timeout()))
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// sweepOrphans is the scanner's periodic check for runs abandoned by a
// crashed instance. It also adopts pending work created by processes that
// do not run workers, such as CLI triggers and delivery retries; queue keys
// and the claim CAS keep this from running anything twice.
func (e *Engine) sweepOrphans(ctx context.Context, now time.Time) {
	n, err := e.failOrphans(ctx, now)
	if err != nil {
		e.logger.Warnw("Orphan sweep failed", logger.FieldError, err)
		return
	}
	if n > 0 {
		e.logger.Warnw("Failed orphaned executions", logger.FieldCount, n)
	}

	pending, err := e.executions.ListByStatus(ctx, schedule.StatusPending)
	if err != nil {
		e.logger.Warnw("Listing pending executions failed", logger.FieldError, err)
		return
	}
	for _, exec := range pending {
		e.enqueue(exec)
	}
	if _, err := e.dispatcher.Resume(ctx, now.Add(-2*e.dispatcher.Timeout())); err != nil {
		e.logger.Warnw("Resuming deliveries failed", logger.FieldError, err)
	}
}

// failOrphans fails running executions that started before the stale
// threshold and are not running here. They follow the normal retry policy.
func (e *Engine) failOrphans(ctx context.Context, now time.Time) (int, error) {
	stale, err := e.executions.ListStaleRunning(ctx, now.Add(-e.cfg.StaleThreshold))
	if err != nil {
		return 0, err
	}

	n := 0
	for _, exec := range stale {
		e.mu.Lock()
		_, local := e.running[exec.ID]
		e.mu.Unlock()
		if local {
			continue
		}

		sch, err := e.schedules.Get(ctx, exec.ScheduleID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				continue
			}
			return n, err
		}
		e.logger.Warnw("Recovering orphaned execution",
			logger.FieldExecutionID, exec.ID,
			logger.FieldScheduleID, exec.ScheduleID,
			"started_at", exec.StartedAt)
		if err := e.fail(ctx, sch, exec, errors.New(OrphanedMessage)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
