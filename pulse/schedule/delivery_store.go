package schedule

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/reportd/errors"
)

// DeliveryStore tracks per-channel delivery state and the append-only delivery log.
type DeliveryStore struct {
	db *sql.DB
}

// NewDeliveryStore creates a new delivery store
func NewDeliveryStore(conn *sql.DB) *DeliveryStore {
	return &DeliveryStore{db: conn}
}

const deliveryColumns = `
	execution_id, channel, status, attempt_count, budget_base, single_shot, in_flight,
	last_attempt_at, next_attempt_at, last_error, version, updated_at`

const logColumns = `
	id, execution_id, schedule_id, channel, attempt, status, error_message, detail, duration_ms, created_at`

// Init creates a pending delivery row for each channel. Existing rows are
// left untouched, so dispatching the same execution twice is harmless.
func (s *DeliveryStore) Init(ctx context.Context, executionID string, channels []Channel, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delivery init")
	}
	defer tx.Rollback()

	for _, ch := range channels {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO execution_deliveries
			(execution_id, channel, status, updated_at) VALUES (?, ?, 'pending', ?)`,
			executionID, ch, formatTime(now)); err != nil {
			return errors.Wrapf(err, "init delivery %s/%s", executionID, ch)
		}
	}
	return errors.Wrap(tx.Commit(), "commit delivery init")
}

// Get returns the delivery state of one channel
func (s *DeliveryStore) Get(ctx context.Context, executionID string, ch Channel) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM execution_deliveries
		WHERE execution_id = ? AND channel = ?`, executionID, ch)
	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("delivery %s for execution %s not found", ch, executionID)
		}
		return nil, errors.Wrap(err, "failed to get delivery")
	}
	return d, nil
}

// List returns every channel's delivery state for an execution
func (s *DeliveryStore) List(ctx context.Context, executionID string) (map[Channel]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM execution_deliveries
		WHERE execution_id = ? ORDER BY channel`, executionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list deliveries")
	}
	defer rows.Close()

	out := make(map[Channel]*Delivery)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan delivery")
		}
		out[d.Channel] = d
	}
	return out, rows.Err()
}

// ListPending returns pending deliveries that are not in flight, for recovery
func (s *DeliveryStore) ListPending(ctx context.Context) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM execution_deliveries
		WHERE status = 'pending' AND in_flight = 0 ORDER BY updated_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending deliveries")
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan delivery")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClaimAttempt reserves the next attempt on a pending channel. The claim is
// a compare-and-set on version, so two workers handed the same channel
// perform at most one attempt. d is updated in place on success.
func (s *DeliveryStore) ClaimAttempt(ctx context.Context, d *Delivery, now time.Time) error {
	if d.Status != DeliveryPending || d.InFlight {
		return fail(ErrInvalidTransition, "delivery %s/%s is %s", d.ExecutionID, d.Channel, d.Status)
	}
	now = now.UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE execution_deliveries
		SET attempt_count = attempt_count + 1, in_flight = 1, last_attempt_at = ?, next_attempt_at = NULL,
			version = version + 1, updated_at = ?
		WHERE execution_id = ? AND channel = ? AND version = ? AND status = 'pending' AND in_flight = 0`,
		formatTime(now), formatTime(now), d.ExecutionID, d.Channel, d.Version)
	if err != nil {
		return errors.Wrap(err, "claim delivery attempt")
	}
	if err := expectOneRow(res, "delivery "+d.ExecutionID+"/"+string(d.Channel)); err != nil {
		return err
	}
	d.AttemptCount++
	d.InFlight = true
	d.LastAttemptAt = &now
	d.NextAttemptAt = nil
	d.Version++
	d.UpdatedAt = now
	return nil
}

// AttemptOutcome is what a finished attempt writes back
type AttemptOutcome struct {
	ScheduleID string
	Error      string // empty on success
	Detail     string
	Duration   time.Duration
}

// MarkDelivered finishes an in-flight attempt successfully and appends its log entry.
func (s *DeliveryStore) MarkDelivered(ctx context.Context, d *Delivery, out AttemptOutcome, now time.Time) (*DeliveryLog, error) {
	return s.finish(ctx, d, DeliveryDelivered, nil, out, now)
}

// ScheduleRetry finishes a failed in-flight attempt, leaving the channel
// pending with its next attempt time, and appends the log entry.
func (s *DeliveryStore) ScheduleRetry(ctx context.Context, d *Delivery, out AttemptOutcome, resumeAt, now time.Time) (*DeliveryLog, error) {
	return s.finish(ctx, d, DeliveryPending, &resumeAt, out, now)
}

// MarkFailed finishes a failed in-flight attempt with no further automatic
// retries and appends the log entry.
func (s *DeliveryStore) MarkFailed(ctx context.Context, d *Delivery, out AttemptOutcome, now time.Time) (*DeliveryLog, error) {
	return s.finish(ctx, d, DeliveryFailed, nil, out, now)
}

func (s *DeliveryStore) finish(ctx context.Context, d *Delivery, status DeliveryStatus, resumeAt *time.Time, out AttemptOutcome, now time.Time) (*DeliveryLog, error) {
	if !d.InFlight {
		return nil, fail(ErrInvalidTransition, "delivery %s/%s has no attempt in flight", d.ExecutionID, d.Channel)
	}
	now = now.UTC()
	if resumeAt != nil {
		r := resumeAt.UTC()
		resumeAt = &r
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin delivery finish")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE execution_deliveries
		SET status = ?, in_flight = 0, next_attempt_at = ?, last_error = ?, version = version + 1, updated_at = ?
		WHERE execution_id = ? AND channel = ? AND version = ? AND in_flight = 1`,
		status, nullTime(resumeAt), nullString(out.Error), formatTime(now), d.ExecutionID, d.Channel, d.Version)
	if err != nil {
		return nil, errors.Wrap(err, "update delivery")
	}
	if err := expectOneRow(res, "delivery "+d.ExecutionID+"/"+string(d.Channel)); err != nil {
		return nil, err
	}

	logStatus := DeliveryDelivered
	if out.Error != "" {
		logStatus = DeliveryFailed
	}
	entry := &DeliveryLog{
		ID:          uuid.NewString(),
		ExecutionID: d.ExecutionID,
		ScheduleID:  out.ScheduleID,
		Channel:     d.Channel,
		Attempt:     d.AttemptCount,
		Status:      logStatus,
		Error:       out.Error,
		Detail:      out.Detail,
		DurationMS:  out.Duration.Milliseconds(),
		CreatedAt:   now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO delivery_logs (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ExecutionID, entry.ScheduleID, entry.Channel, entry.Attempt, entry.Status,
		nullString(entry.Error), entry.Detail, entry.DurationMS, formatTime(now)); err != nil {
		return nil, errors.Wrap(err, "append delivery log")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit delivery finish")
	}

	d.Status = status
	d.InFlight = false
	d.NextAttemptAt = resumeAt
	d.LastError = out.Error
	d.Version++
	d.UpdatedAt = now
	return entry, nil
}

// PrepareManualRetry reopens a failed channel. With fresh the policy budget
// restarts from the current attempt count; without it exactly one more
// attempt is allowed. The attempt count itself never goes down.
func (s *DeliveryStore) PrepareManualRetry(ctx context.Context, executionID string, ch Channel, fresh bool, now time.Time) (*Delivery, error) {
	d, err := s.Get(ctx, executionID, ch)
	if err != nil {
		return nil, err
	}
	if d.Status != DeliveryFailed {
		return nil, fail(ErrChannelNotRetryable, "%s is %s", ch, d.Status)
	}

	now = now.UTC()
	base, singleShot := d.BudgetBase, true
	if fresh {
		base, singleShot = d.AttemptCount, false
	}
	res, err := s.db.ExecContext(ctx, `UPDATE execution_deliveries
		SET status = 'pending', budget_base = ?, single_shot = ?, next_attempt_at = NULL,
			version = version + 1, updated_at = ?
		WHERE execution_id = ? AND channel = ? AND version = ? AND status = 'failed'`,
		base, singleShot, formatTime(now), executionID, ch, d.Version)
	if err != nil {
		return nil, errors.Wrap(err, "reopen delivery")
	}
	if err := expectOneRow(res, "delivery "+executionID+"/"+string(ch)); err != nil {
		return nil, err
	}
	d.Status = DeliveryPending
	d.BudgetBase = base
	d.SingleShot = singleShot
	d.NextAttemptAt = nil
	d.Version++
	d.UpdatedAt = now
	return d, nil
}

// ReleaseStaleAttempts clears in-flight markers left behind by a crash.
// The interrupted attempt keeps its count. It returns the released rows.
func (s *DeliveryStore) ReleaseStaleAttempts(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE execution_deliveries
		SET in_flight = 0, version = version + 1, updated_at = ?
		WHERE in_flight = 1 AND (last_attempt_at IS NULL OR last_attempt_at < ?)`,
		formatTime(time.Now()), formatTime(olderThan))
	if err != nil {
		return 0, errors.Wrap(err, "release stale delivery attempts")
	}
	return res.RowsAffected()
}

// LogFilter narrows ListLogs results. Zero values match everything.
type LogFilter struct {
	ExecutionID string
	ScheduleID  string
	Channel     Channel
	Status      DeliveryStatus
	Since       time.Time
	Limit       int
	Offset      int
}

// ListLogs returns delivery log entries, newest first
func (s *DeliveryStore) ListLogs(ctx context.Context, f LogFilter) ([]*DeliveryLog, error) {
	var where []string
	var args []interface{}
	if f.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, f.ExecutionID)
	}
	if f.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, f.Channel)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, formatTime(f.Since))
	}

	query := `SELECT ` + logColumns + ` FROM delivery_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC, attempt DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list delivery logs")
	}
	defer rows.Close()

	var out []*DeliveryLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLog returns one delivery log entry
func (s *DeliveryStore) GetLog(ctx context.Context, id string) (*DeliveryLog, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM delivery_logs WHERE id = ?`, id)
	l, err := scanLog(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("delivery log %s not found", id)
		}
		return nil, err
	}
	return l, nil
}

// SuccessRate returns delivered and total attempt counts logged since the given time
func (s *DeliveryStore) SuccessRate(ctx context.Context, since time.Time) (delivered, total int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0), COUNT(*)
		FROM delivery_logs WHERE created_at >= ?`, formatTime(since)).Scan(&delivered, &total)
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to compute delivery success rate")
	}
	return delivered, total, nil
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var d Delivery
	var lastAttempt, nextAttempt, lastErr sql.NullString
	var updatedAt string
	err := row.Scan(&d.ExecutionID, &d.Channel, &d.Status, &d.AttemptCount, &d.BudgetBase, &d.SingleShot, &d.InFlight,
		&lastAttempt, &nextAttempt, &lastErr, &d.Version, &updatedAt)
	if err != nil {
		return nil, err
	}
	d.LastError = lastErr.String
	if d.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
		return nil, err
	}
	if d.NextAttemptAt, err = parseNullTime(nextAttempt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanLog(row rowScanner) (*DeliveryLog, error) {
	var l DeliveryLog
	var errMsg sql.NullString
	var createdAt string
	err := row.Scan(&l.ID, &l.ExecutionID, &l.ScheduleID, &l.Channel, &l.Attempt, &l.Status,
		&errMsg, &l.Detail, &l.DurationMS, &createdAt)
	if err != nil {
		return nil, err
	}
	l.Error = errMsg.String
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrapf(err, "delivery log %s created_at", l.ID)
	}
	return &l, nil
}
