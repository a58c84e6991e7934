package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/reportd/db"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/pulse/cron"
)

// Store handles persistence of report schedules
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *zap.SugaredLogger
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock overrides the time source used for next-fire computation and timestamps
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for data problems found while scanning rows
func WithLogger(logger *zap.SugaredLogger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a new schedule store
func NewStore(conn *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: conn, now: time.Now, logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const scheduleColumns = `
	id, name, description, report_id, cron_expression, timezone, enabled,
	parameters, delivery_methods, max_attempts, base_delay_ms, backoff_multiplier,
	next_run_at, last_run_at, execution_count, failure_count, version,
	created_by, created_at, updated_at`

// Create validates and inserts a schedule, assigning its ID when empty and
// computing its first fire time.
func (s *Store) Create(ctx context.Context, sch *Schedule) error {
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	if sch.RetryPolicy == (RetryPolicy{}) {
		sch.RetryPolicy = DefaultRetryPolicy()
	}
	if err := Validate(sch); err != nil {
		return err
	}
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	}

	now := s.now().UTC()
	sch.NextRunAt = nil
	if sch.Enabled {
		next, err := cron.NextFireTime(sch.CronExpression, sch.Timezone, now)
		if err != nil {
			return markAs(err, ErrInvalidSchedule)
		}
		sch.NextRunAt = &next
	}
	sch.Version = 1
	sch.CreatedAt = now
	sch.UpdatedAt = now

	params, methods, err := encodeScheduleJSON(sch)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO report_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.Name, sch.Description, sch.ReportID, sch.CronExpression, sch.Timezone, sch.Enabled,
		params, methods, sch.RetryPolicy.MaxAttempts, sch.RetryPolicy.BaseDelayMS, sch.RetryPolicy.Multiplier,
		nullTime(sch.NextRunAt), nullTime(sch.LastRunAt), sch.ExecutionCount, sch.FailureCount, sch.Version,
		sch.CreatedBy, formatTime(sch.CreatedAt), formatTime(sch.UpdatedAt),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "schedule %s already exists", sch.ID)
		}
		return errors.Wrap(err, "failed to create schedule")
	}
	return nil
}

// Get retrieves a schedule by ID
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM report_schedules WHERE id = ?`, id)
	sch, err := s.scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("schedule %s not found", id)
		}
		return nil, errors.Wrapf(err, "failed to get schedule %s", id)
	}
	return sch, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Enabled  *bool
	ReportID string
	Search   string // case-insensitive match on name or description
	Limit    int
	Offset   int
}

// List returns schedules ordered by name
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Schedule, error) {
	var where []string
	var args []interface{}
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *f.Enabled)
	}
	if f.ReportID != "" {
		where = append(where, "report_id = ?")
		args = append(args, f.ReportID)
	}
	if f.Search != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}

	query := `SELECT ` + scheduleColumns + ` FROM report_schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	return s.query(ctx, query, args...)
}

// Count returns the total number of schedules and how many are enabled
func (s *Store) Count(ctx context.Context) (total, enabled int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(enabled), 0) FROM report_schedules`).Scan(&total, &enabled)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to count schedules")
	}
	return total, enabled, nil
}

// Update persists edits to a schedule under optimistic concurrency: sch.Version
// must match the stored version. The next fire time is recomputed from now when
// the cron expression or timezone changed or the schedule was re-enabled, and
// cleared when it was disabled.
func (s *Store) Update(ctx context.Context, sch *Schedule) error {
	if sch.Timezone == "" {
		sch.Timezone = "UTC"
	}
	if err := Validate(sch); err != nil {
		return err
	}

	current, err := s.Get(ctx, sch.ID)
	if err != nil {
		return err
	}
	if current.Version != sch.Version {
		return fail(ErrStaleVersion, "schedule %s: have version %d, stored %d", sch.ID, sch.Version, current.Version)
	}

	now := s.now().UTC()
	next := current.NextRunAt
	switch {
	case !sch.Enabled:
		next = nil
	case sch.CronExpression != current.CronExpression,
		sch.Timezone != current.Timezone,
		!current.Enabled,
		current.NextRunAt == nil:
		t, err := cron.NextFireTime(sch.CronExpression, sch.Timezone, now)
		if err != nil {
			return markAs(err, ErrInvalidSchedule)
		}
		next = &t
	}

	params, methods, err := encodeScheduleJSON(sch)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE report_schedules SET
			name = ?, description = ?, report_id = ?, cron_expression = ?, timezone = ?, enabled = ?,
			parameters = ?, delivery_methods = ?, max_attempts = ?, base_delay_ms = ?, backoff_multiplier = ?,
			next_run_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		sch.Name, sch.Description, sch.ReportID, sch.CronExpression, sch.Timezone, sch.Enabled,
		params, methods, sch.RetryPolicy.MaxAttempts, sch.RetryPolicy.BaseDelayMS, sch.RetryPolicy.Multiplier,
		nullTime(next), formatTime(now),
		sch.ID, sch.Version,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update schedule %s", sch.ID)
	}
	if err := expectOneRow(res, "schedule "+sch.ID); err != nil {
		return err
	}

	sch.NextRunAt = next
	sch.Version++
	sch.UpdatedAt = now
	sch.LastRunAt = current.LastRunAt
	sch.ExecutionCount = current.ExecutionCount
	sch.FailureCount = current.FailureCount
	sch.CreatedAt = current.CreatedAt
	sch.CreatedBy = current.CreatedBy
	return nil
}

// Delete removes a schedule; executions, deliveries, logs and artifacts
// cascade through foreign keys.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM report_schedules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete schedule %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("schedule %s not found", id)
	}
	return nil
}

// ListDue returns enabled schedules whose next fire time is at or before now,
// most overdue first.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM report_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
		LIMIT ?`, formatTime(now), limit)
}

// ListUpcoming returns the next n enabled schedules to fire
func (s *Store) ListUpcoming(ctx context.Context, n int) ([]*Schedule, error) {
	return s.query(ctx, `SELECT `+scheduleColumns+` FROM report_schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC
		LIMIT ?`, n)
}

// NextDue returns the earliest next_run_at over enabled schedules, or nil
func (s *Store) NextDue(ctx context.Context) (*time.Time, error) {
	var next sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_run_at) FROM report_schedules WHERE enabled = 1`).Scan(&next)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query next due schedule")
	}
	return parseNullTime(next)
}

// ClaimResult reports the outcome of ClaimDue
type ClaimResult struct {
	// Execution is the created pending execution; nil when the fire was skipped
	Execution *Execution
	// NextRunAt is the schedule's new next fire time
	NextRunAt *time.Time
	// Skipped is set when the claim advanced next_run_at but the schedule
	// already had an active execution
	Skipped bool
}

// ClaimDue atomically claims one due fire of sch and creates its pending
// execution. The claim is a compare-and-set of next_run_at from the value
// in sch, so two scanners (or two instances) racing on the same fire
// create exactly one execution; the loser gets ErrStaleVersion.
//
// next_run_at is advanced from now, so fires missed while the process was
// down are not backfilled. If the schedule already has an active execution
// the claim still advances next_run_at and the fire is skipped.
func (s *Store) ClaimDue(ctx context.Context, sch *Schedule, now time.Time) (*ClaimResult, error) {
	if sch.NextRunAt == nil {
		return nil, errors.Newf("schedule %s has no next fire time to claim", sch.ID)
	}
	now = now.UTC()
	observed := formatTime(*sch.NextRunAt)

	var next *time.Time
	if t, err := cron.NextFireTime(sch.CronExpression, sch.Timezone, now); err != nil {
		// Stop firing rather than re-claiming the same fire every tick
		s.logger.Errorw("Schedule has unevaluable cron expression, disabling next fire",
			"schedule_id", sch.ID, "cron_expression", sch.CronExpression, "error", err)
	} else {
		next = &t
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE report_schedules
		SET next_run_at = ?, last_run_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND enabled = 1 AND next_run_at = ?`,
		nullTime(next), formatTime(now), formatTime(now), sch.ID, observed)
	if err != nil {
		return nil, errors.Wrapf(err, "claim schedule %s", sch.ID)
	}
	if err := expectOneRow(res, "claim of schedule "+sch.ID); err != nil {
		return nil, err
	}

	var active int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule_executions
		WHERE schedule_id = ? AND status IN ('pending', 'running', 'retrying')`, sch.ID).Scan(&active); err != nil {
		return nil, errors.Wrap(err, "check active execution")
	}

	result := &ClaimResult{NextRunAt: next}
	if active > 0 {
		result.Skipped = true
	} else {
		exec := newExecution(sch.ID, TriggerCron, *sch.NextRunAt, now)
		if err := insertExecution(ctx, tx, exec); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE report_schedules
			SET execution_count = execution_count + 1 WHERE id = ?`, sch.ID); err != nil {
			return nil, errors.Wrap(err, "increment execution count")
		}
		result.Execution = exec
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}

	sch.NextRunAt = next
	sch.LastRunAt = &now
	sch.Version++
	if result.Execution != nil {
		sch.ExecutionCount++
	}
	return result, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query schedules")
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sch, err := s.scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate schedules")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanSchedule(row rowScanner) (*Schedule, error) {
	var sch Schedule
	var params, methods string
	var nextRunAt, lastRunAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&sch.ID, &sch.Name, &sch.Description, &sch.ReportID, &sch.CronExpression, &sch.Timezone, &sch.Enabled,
		&params, &methods, &sch.RetryPolicy.MaxAttempts, &sch.RetryPolicy.BaseDelayMS, &sch.RetryPolicy.Multiplier,
		&nextRunAt, &lastRunAt, &sch.ExecutionCount, &sch.FailureCount, &sch.Version,
		&sch.CreatedBy, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &sch.Parameters); err != nil {
		return nil, errors.Wrapf(err, "decode parameters of schedule %s", sch.ID)
	}
	if err := json.Unmarshal([]byte(methods), &sch.DeliveryMethods); err != nil {
		return nil, errors.Wrapf(err, "decode delivery methods of schedule %s", sch.ID)
	}
	if sch.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "schedule %s next_run_at", sch.ID)
	}
	if sch.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, errors.Wrapf(err, "schedule %s last_run_at", sch.ID)
	}
	if sch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "schedule %s created_at", sch.ID)
	}
	if sch.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrapf(err, "schedule %s updated_at", sch.ID)
	}
	return &sch, nil
}

func encodeScheduleJSON(sch *Schedule) (params, methods string, err error) {
	p := sch.Parameters
	if p == nil {
		p = map[string]string{}
	}
	pb, err := json.Marshal(p)
	if err != nil {
		return "", "", errors.Wrap(err, "encode parameters")
	}
	mb, err := json.Marshal(sch.DeliveryMethods)
	if err != nil {
		return "", "", errors.Wrap(err, "encode delivery methods")
	}
	return string(pb), string(mb), nil
}

// expectOneRow turns a zero-row compare-and-set into ErrStaleVersion
func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 0 {
		return fail(ErrStaleVersion, "%s lost to a concurrent update", what)
	}
	return nil
}
