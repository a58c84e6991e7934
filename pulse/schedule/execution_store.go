package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/reportd/db"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/report"
)

// ExecutionStore handles persistence of executions and their artifacts.
// Status changes are compare-and-set writes on (id, version, status); a
// writer that lost the race gets ErrStaleVersion and must re-read.
type ExecutionStore struct {
	db *sql.DB
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(conn *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: conn}
}

const executionColumns = `
	id, schedule_id, report_execution_id, trigger, status, scheduled_for,
	started_at, completed_at, duration_ms, retry_count, next_attempt_at,
	error_message, cancel_requested, version, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func newExecution(scheduleID string, trigger Trigger, scheduledFor, now time.Time) *Execution {
	return &Execution{
		ID:           uuid.NewString(),
		ScheduleID:   scheduleID,
		Trigger:      trigger,
		Status:       StatusPending,
		ScheduledFor: scheduledFor.UTC(),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func insertExecution(ctx context.Context, q execer, e *Execution) error {
	_, err := q.ExecContext(ctx, `INSERT INTO schedule_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ScheduleID, nullString(e.ReportExecutionID), e.Trigger, e.Status, formatTime(e.ScheduledFor),
		nullTime(e.StartedAt), nullTime(e.CompletedAt), e.DurationMS, e.RetryCount, nullTime(e.NextAttemptAt),
		nullString(e.ErrorMessage), e.CancelRequested, e.Version, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fail(ErrExecutionActive, "schedule %s", e.ScheduleID)
		}
		return errors.Wrap(err, "failed to insert execution")
	}
	return nil
}

// CreateManual creates a pending, manually triggered execution. It fails with
// ErrScheduleDisabled for disabled schedules and ErrExecutionActive when the
// schedule already has a non-terminal execution. next_run_at is not touched.
func (s *ExecutionStore) CreateManual(ctx context.Context, scheduleID string, now time.Time) (*Execution, error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin manual trigger")
	}
	defer tx.Rollback()

	var enabled bool
	err = tx.QueryRowContext(ctx, `SELECT enabled FROM report_schedules WHERE id = ?`, scheduleID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("schedule %s not found", scheduleID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load schedule %s", scheduleID)
	}
	if !enabled {
		return nil, fail(ErrScheduleDisabled, "schedule %s", scheduleID)
	}

	exec := newExecution(scheduleID, TriggerManual, now, now)
	// The partial unique index rejects a second active execution
	if err := insertExecution(ctx, tx, exec); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE report_schedules
		SET execution_count = execution_count + 1, version = version + 1, updated_at = ? WHERE id = ?`, formatTime(now), scheduleID); err != nil {
		return nil, errors.Wrap(err, "increment execution count")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit manual trigger")
	}
	return exec, nil
}

// Get retrieves an execution by ID
func (s *ExecutionStore) Get(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM schedule_executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("execution %s not found", id)
		}
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return e, nil
}

// ExecutionFilter narrows List results. Zero values match everything.
type ExecutionFilter struct {
	ScheduleID string
	Status     Status
	Since      time.Time // created at or after
	Limit      int
	Offset     int
}

// List returns executions, newest first
func (s *ExecutionStore) List(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []interface{}
	if f.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT ` + executionColumns + ` FROM schedule_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	return s.query(ctx, query, args...)
}

// ListByStatus returns every execution with the given status, oldest first
func (s *ExecutionStore) ListByStatus(ctx context.Context, status Status) ([]*Execution, error) {
	return s.query(ctx, `SELECT `+executionColumns+` FROM schedule_executions
		WHERE status = ? ORDER BY created_at ASC`, status)
}

// ListStaleRunning returns running executions that started before olderThan.
// Crash recovery uses this to find runs orphaned by a restart.
func (s *ExecutionStore) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]*Execution, error) {
	return s.query(ctx, `SELECT `+executionColumns+` FROM schedule_executions
		WHERE status = 'running' AND (started_at IS NULL OR started_at < ?)
		ORDER BY started_at ASC`, formatTime(olderThan))
}

// ListUndispatched returns completed executions that have no delivery rows
// yet: the process stopped between completion and fan-out.
func (s *ExecutionStore) ListUndispatched(ctx context.Context) ([]*Execution, error) {
	return s.query(ctx, `SELECT `+executionColumns+` FROM schedule_executions
		WHERE status = 'completed'
			AND NOT EXISTS (SELECT 1 FROM execution_deliveries d WHERE d.execution_id = schedule_executions.id)
		ORDER BY completed_at ASC`)
}

// CountByStatusSince returns execution counts per status for executions created at or after since
func (s *ExecutionStore) CountByStatusSince(ctx context.Context, since time.Time) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM schedule_executions
		WHERE created_at >= ? GROUP BY status`, formatTime(since))
	if err != nil {
		return nil, errors.Wrap(err, "failed to count executions")
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(err, "scan execution count")
		}
		out[st] = n
	}
	return out, rows.Err()
}

// MarkRunning moves a pending or retrying execution to running and records its start time.
func (s *ExecutionStore) MarkRunning(ctx context.Context, e *Execution, now time.Time) error {
	now = now.UTC()
	err := s.cas(ctx, s.db, e, []Status{StatusPending, StatusRetrying}, now,
		`status = 'running', started_at = ?, next_attempt_at = NULL`, formatTime(now))
	if err != nil {
		return err
	}
	e.Status = StatusRunning
	e.StartedAt = &now
	e.NextAttemptAt = nil
	e.UpdatedAt = now
	return nil
}

// MarkCompleted moves a running execution to completed and stores its artifact
// in the same transaction.
func (s *ExecutionStore) MarkCompleted(ctx context.Context, e *Execution, art *report.Artifact, now time.Time) error {
	now = now.UTC()
	duration := durationSince(e.StartedAt, now)
	var reportExecID string
	if art != nil {
		reportExecID = art.ReportExecutionID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin complete")
	}
	defer tx.Rollback()

	err = s.cas(ctx, tx, e, []Status{StatusRunning}, now,
		`status = 'completed', completed_at = ?, duration_ms = ?, report_execution_id = ?, error_message = NULL`,
		formatTime(now), duration, nullString(reportExecID))
	if err != nil {
		return err
	}
	if art != nil {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO execution_artifacts
			(execution_id, content_type, filename, data, size_bytes, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, art.ContentType, art.Filename, art.Data, len(art.Data), formatTime(now)); err != nil {
			return errors.Wrap(err, "store artifact")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit complete")
	}

	e.Status = StatusCompleted
	e.CompletedAt = &now
	e.DurationMS = &duration
	e.ReportExecutionID = reportExecID
	e.ErrorMessage = ""
	e.UpdatedAt = now
	return nil
}

// MarkRetrying records a failed run that the coordinator approved for retry.
// The failure and the retrying state are one write, so the execution never
// leaves the active set between attempts.
func (s *ExecutionStore) MarkRetrying(ctx context.Context, e *Execution, errMsg string, retryCount int, resumeAt, now time.Time) error {
	if retryCount < e.RetryCount {
		return errors.AssertionFailedf("retry count for %s would decrease from %d to %d", e.ID, e.RetryCount, retryCount)
	}
	now = now.UTC()
	resumeAt = resumeAt.UTC()
	duration := durationSince(e.StartedAt, now)
	err := s.cas(ctx, s.db, e, []Status{StatusRunning}, now,
		`status = 'retrying', retry_count = ?, error_message = ?, next_attempt_at = ?, duration_ms = ?`,
		retryCount, errMsg, formatTime(resumeAt), duration)
	if err != nil {
		return err
	}
	e.Status = StatusRetrying
	e.RetryCount = retryCount
	e.ErrorMessage = errMsg
	e.NextAttemptAt = &resumeAt
	e.DurationMS = &duration
	e.UpdatedAt = now
	return nil
}

// MarkFailed records a permanent failure and increments the schedule's
// failure count in the same transaction.
func (s *ExecutionStore) MarkFailed(ctx context.Context, e *Execution, errMsg string, retryCount int, now time.Time) error {
	if retryCount < e.RetryCount {
		return errors.AssertionFailedf("retry count for %s would decrease from %d to %d", e.ID, e.RetryCount, retryCount)
	}
	now = now.UTC()
	duration := durationSince(e.StartedAt, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin fail")
	}
	defer tx.Rollback()

	err = s.cas(ctx, tx, e, []Status{StatusRunning}, now,
		`status = 'failed', retry_count = ?, error_message = ?, completed_at = ?, duration_ms = ?, next_attempt_at = NULL`,
		retryCount, errMsg, formatTime(now), duration)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE report_schedules
		SET failure_count = failure_count + 1, version = version + 1 WHERE id = ?`, e.ScheduleID); err != nil {
		return errors.Wrap(err, "increment failure count")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit fail")
	}

	e.Status = StatusFailed
	e.RetryCount = retryCount
	e.ErrorMessage = errMsg
	e.CompletedAt = &now
	e.DurationMS = &duration
	e.NextAttemptAt = nil
	e.UpdatedAt = now
	return nil
}

// MarkCancelled moves a pending, retrying or running execution to cancelled.
func (s *ExecutionStore) MarkCancelled(ctx context.Context, e *Execution, reason string, now time.Time) error {
	now = now.UTC()
	err := s.cas(ctx, s.db, e, []Status{StatusPending, StatusRetrying, StatusRunning}, now,
		`status = 'cancelled', error_message = ?, completed_at = ?, next_attempt_at = NULL`,
		reason, formatTime(now))
	if err != nil {
		return err
	}
	e.Status = StatusCancelled
	e.ErrorMessage = reason
	e.CompletedAt = &now
	e.NextAttemptAt = nil
	e.UpdatedAt = now
	return nil
}

// RequestCancel flags a running execution for cooperative cancellation.
// Whichever instance runs it observes the flag at its next checkpoint. The
// flag leaves the version alone so the runner's own transition still applies.
func (s *ExecutionStore) RequestCancel(ctx context.Context, e *Execution, now time.Time) error {
	if e.Status != StatusRunning {
		return fail(ErrInvalidTransition, "execution %s is %s", e.ID, e.Status)
	}
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE schedule_executions SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status = 'running'`, formatTime(now), e.ID)
	if err != nil {
		return errors.Wrapf(err, "request cancel of %s", e.ID)
	}
	if err := expectOneRow(res, "cancel request for "+e.ID); err != nil {
		return err
	}
	e.CancelRequested = true
	e.UpdatedAt = now
	return nil
}

// CancelRequested reports whether cancellation was requested for a running execution
func (s *ExecutionStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM schedule_executions WHERE id = ?`, id).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, errors.NewNotFoundError("execution %s not found", id)
		}
		return false, errors.Wrap(err, "read cancel flag")
	}
	return flag, nil
}

// GetArtifact returns the stored report payload of a completed execution
func (s *ExecutionStore) GetArtifact(ctx context.Context, executionID string) (*report.Artifact, error) {
	var art report.Artifact
	var reportExecID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT a.content_type, a.filename, a.data, e.report_execution_id
		FROM execution_artifacts a JOIN schedule_executions e ON e.id = a.execution_id
		WHERE a.execution_id = ?`, executionID).Scan(&art.ContentType, &art.Filename, &art.Data, &reportExecID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("artifact for execution %s not found", executionID)
		}
		return nil, errors.Wrap(err, "failed to load artifact")
	}
	art.ReportExecutionID = reportExecID.String
	return &art, nil
}

// cas applies assignments to e's row only if its version and status still
// match what the caller read. It bumps the version on success.
func (s *ExecutionStore) cas(ctx context.Context, q execer, e *Execution, from []Status, now time.Time, assignments string, args ...interface{}) error {
	allowed := false
	for _, st := range from {
		if e.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return fail(ErrInvalidTransition, "execution %s is %s", e.ID, e.Status)
	}

	query := `UPDATE schedule_executions SET ` + assignments + `, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND status = ?`
	args = append(args, formatTime(now), e.ID, e.Version, e.Status)

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "update execution %s", e.ID)
	}
	if err := expectOneRow(res, "execution "+e.ID); err != nil {
		return err
	}
	e.Version++
	return nil
}

func (s *ExecutionStore) query(ctx context.Context, query string, args ...interface{}) ([]*Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query executions")
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate executions")
	}
	return out, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var reportExecID, errMsg sql.NullString
	var startedAt, completedAt, nextAttemptAt sql.NullString
	var durationMS sql.NullInt64
	var scheduledFor, createdAt, updatedAt string

	err := row.Scan(
		&e.ID, &e.ScheduleID, &reportExecID, &e.Trigger, &e.Status, &scheduledFor,
		&startedAt, &completedAt, &durationMS, &e.RetryCount, &nextAttemptAt,
		&errMsg, &e.CancelRequested, &e.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ReportExecutionID = reportExecID.String
	e.ErrorMessage = errMsg.String
	if durationMS.Valid {
		d := durationMS.Int64
		e.DurationMS = &d
	}
	if e.ScheduledFor, err = parseTime(scheduledFor); err != nil {
		return nil, errors.Wrapf(err, "execution %s scheduled_for", e.ID)
	}
	if e.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, errors.Wrapf(err, "execution %s started_at", e.ID)
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, errors.Wrapf(err, "execution %s completed_at", e.ID)
	}
	if e.NextAttemptAt, err = parseNullTime(nextAttemptAt); err != nil {
		return nil, errors.Wrapf(err, "execution %s next_attempt_at", e.ID)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "execution %s created_at", e.ID)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "execution %s updated_at", e.ID)
	}
	return &e, nil
}

func durationSince(start *time.Time, now time.Time) int64 {
	if start == nil {
		return 0
	}
	return now.Sub(*start).Milliseconds()
}
