package engine

import (
	"context"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/schedule"
)

// ValidateSchedule checks a schedule's own fields and every delivery
// method's channel config
func (e *Engine) ValidateSchedule(sch *schedule.Schedule) error {
	if err := schedule.Validate(sch); err != nil {
		return err
	}
	return e.dispatcher.Registry().ValidateSchedule(sch)
}

// CreateSchedule validates and stores a new schedule. A schedule without a
// retry policy gets the configured default.
func (e *Engine) CreateSchedule(ctx context.Context, sch *schedule.Schedule) error {
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	if sch.RetryPolicy == (schedule.RetryPolicy{}) {
		sch.RetryPolicy = e.cfg.DefaultRetry
	}
	if err := e.ValidateSchedule(sch); err != nil {
		return err
	}
	if err := e.schedules.Create(ctx, sch); err != nil {
		return err
	}
	e.logger.Infow("Schedule created",
		logger.FieldScheduleID, sch.ID,
		"name", sch.Name,
		logger.FieldNextRunAt, sch.NextRunAt,
		logger.FieldActor, sch.CreatedBy)
	return nil
}

// UpdateSchedule validates and stores changes. sch.Version must be the
// version that was read; a concurrent change makes this fail with
// schedule.ErrStaleVersion.
func (e *Engine) UpdateSchedule(ctx context.Context, sch *schedule.Schedule) error {
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	if err := e.ValidateSchedule(sch); err != nil {
		return err
	}
	if err := e.schedules.Update(ctx, sch); err != nil {
		return err
	}
	e.logger.Infow("Schedule updated",
		logger.FieldScheduleID, sch.ID,
		"enabled", sch.Enabled,
		logger.FieldNextRunAt, sch.NextRunAt)
	return nil
}

// SetEnabled enables or disables a schedule. Re-enabling computes the next
// fire from now, so fires missed while disabled are not run.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) (*schedule.Schedule, error) {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		var sch *schedule.Schedule
		sch, err = e.schedules.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sch.Enabled == enabled {
			return sch, nil
		}
		sch.Enabled = enabled
		if err = e.schedules.Update(ctx, sch); err == nil {
			e.logger.Infow("Schedule toggled", logger.FieldScheduleID, id, "enabled", enabled)
			return sch, nil
		}
		if !errors.Is(err, schedule.ErrStaleVersion) {
			return nil, err
		}
	}
	return nil, err
}

// DeleteSchedule removes a schedule with its executions, deliveries and
// logs. Local runs of it are cancelled first.
func (e *Engine) DeleteSchedule(ctx context.Context, id string) error {
	active, err := e.executions.List(ctx, schedule.ExecutionFilter{ScheduleID: id, Status: schedule.StatusRunning})
	if err != nil {
		return err
	}
	for _, exec := range active {
		e.cancelLocal(exec.ID)
	}
	if err := e.schedules.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Infow("Schedule deleted", logger.FieldScheduleID, id, "cancelled_runs", len(active))
	return nil
}
