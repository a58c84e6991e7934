package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/reportd/errors"
	rdtest "github.com/teranos/reportd/internal/testing"
	"github.com/teranos/reportd/pulse/report"
)

func setupExecution(t *testing.T) (*Store, *ExecutionStore, *Schedule, *Execution) {
	t.Helper()
	conn := rdtest.CreateTestDB(t)
	store := NewStore(conn, WithClock(fixedClock(baseTime)))
	execs := NewExecutionStore(conn)

	sch := createSchedule(t, store, "exec-host")
	exec, err := execs.CreateManual(context.Background(), sch.ID, baseTime)
	require.NoError(t, err)
	return store, execs, sch, exec
}

func TestCreateManual(t *testing.T) {
	store, execs, sch, exec := setupExecution(t)
	ctx := context.Background()

	assert.Equal(t, TriggerManual, exec.Trigger)
	assert.Equal(t, StatusPending, exec.Status)
	assert.Equal(t, baseTime, exec.ScheduledFor)

	got, err := store.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ExecutionCount)
	assert.Equal(t, sch.Version+1, got.Version)
	assert.Equal(t, *sch.NextRunAt, *got.NextRunAt, "manual trigger must not move next_run_at")

	_, err = execs.CreateManual(ctx, sch.ID, baseTime)
	assert.True(t, errors.Is(err, ErrExecutionActive))
	assert.True(t, errors.IsConflictError(err))
	assert.False(t, errors.Is(err, ErrStaleVersion))
}

func TestCreateManual_Rejections(t *testing.T) {
	conn := rdtest.CreateTestDB(t)
	store := NewStore(conn)
	execs := NewExecutionStore(conn)
	ctx := context.Background()

	_, err := execs.CreateManual(ctx, "nope", time.Now())
	assert.True(t, errors.IsNotFoundError(err))

	sch := testSchedule("off")
	sch.Enabled = false
	require.NoError(t, store.Create(ctx, sch))
	_, err = execs.CreateManual(ctx, sch.ID, time.Now())
	assert.True(t, errors.Is(err, ErrScheduleDisabled))
	assert.True(t, errors.Is(err, errors.ErrUnprocessable))

	got, err := store.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ExecutionCount)
}

func TestExecutionLifecycle_Completed(t *testing.T) {
	_, execs, _, exec := setupExecution(t)
	ctx := context.Background()

	start := baseTime.Add(time.Second)
	require.NoError(t, execs.MarkRunning(ctx, exec, start))
	assert.Equal(t, StatusRunning, exec.Status)
	assert.Equal(t, int64(2), exec.Version)

	art := &report.Artifact{ContentType: "text/csv", Filename: "sales.csv", Data: []byte("a,b\n1,2\n"), ReportExecutionID: "rep-42"}
	require.NoError(t, execs.MarkCompleted(ctx, exec, art, start.Add(1500*time.Millisecond)))

	got, err := execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "rep-42", got.ReportExecutionID)
	require.NotNil(t, got.DurationMS)
	assert.Equal(t, int64(1500), *got.DurationMS)
	assert.Equal(t, int64(3), got.Version)

	stored, err := execs.GetArtifact(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, art.Data, stored.Data)
	assert.Equal(t, "sales.csv", stored.Filename)
	assert.Equal(t, "rep-42", stored.ReportExecutionID)

	// Terminal states accept no further transitions
	err = execs.MarkRunning(ctx, exec, time.Now())
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	err = execs.MarkCancelled(ctx, exec, "late", time.Now())
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestExecutionLifecycle_RetryThenFail(t *testing.T) {
	store, execs, sch, exec := setupExecution(t)
	ctx := context.Background()

	require.NoError(t, execs.MarkRunning(ctx, exec, baseTime))
	resume := baseTime.Add(5 * time.Second)
	require.NoError(t, execs.MarkRetrying(ctx, exec, "upstream 503", 1, resume, baseTime.Add(time.Second)))
	assert.Equal(t, StatusRetrying, exec.Status)

	got, err := execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "upstream 503", got.ErrorMessage)
	require.NotNil(t, got.NextAttemptAt)
	assert.Equal(t, resume, *got.NextAttemptAt)

	// A retrying execution still blocks new runs
	_, err = execs.CreateManual(ctx, sch.ID, baseTime)
	assert.True(t, errors.Is(err, ErrExecutionActive))

	require.NoError(t, execs.MarkRunning(ctx, exec, resume))
	assert.Nil(t, exec.NextAttemptAt)

	err = execs.MarkFailed(ctx, exec, "still broken", 0, resume.Add(time.Second))
	require.Error(t, err, "retry count must never decrease")

	require.NoError(t, execs.MarkFailed(ctx, exec, "still broken", 2, resume.Add(time.Second)))
	got, err = execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.NotNil(t, got.CompletedAt)

	s, err := store.Get(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.FailureCount)

	// The slot is free again once the execution is terminal
	_, err = execs.CreateManual(ctx, sch.ID, baseTime)
	assert.NoError(t, err)
}

func TestExecutionCAS_StaleWriterLoses(t *testing.T) {
	_, execs, _, exec := setupExecution(t)
	ctx := context.Background()

	other, err := execs.Get(ctx, exec.ID)
	require.NoError(t, err)

	require.NoError(t, execs.MarkRunning(ctx, exec, baseTime))
	err = execs.MarkRunning(ctx, other, baseTime)
	assert.True(t, errors.Is(err, ErrStaleVersion))
	assert.Equal(t, StatusPending, other.Status, "loser's copy must be left as read")
}

func TestCancel(t *testing.T) {
	_, execs, _, exec := setupExecution(t)
	ctx := context.Background()

	// Running executions are flagged, not cancelled outright
	require.NoError(t, execs.MarkRunning(ctx, exec, baseTime))
	flagged, err := execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	require.NoError(t, execs.RequestCancel(ctx, flagged, baseTime))
	flag, err := execs.CancelRequested(ctx, exec.ID)
	require.NoError(t, err)
	assert.True(t, flag)

	// The runner's copy predates the flag and still records the outcome
	require.NoError(t, execs.MarkCancelled(ctx, exec, "cancelled by user", baseTime.Add(time.Second)))
	got, err := execs.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "cancelled by user", got.ErrorMessage)
}

func TestListExecutions(t *testing.T) {
	_, execs, sch, exec := setupExecution(t)
	ctx := context.Background()

	require.NoError(t, execs.MarkRunning(ctx, exec, baseTime))

	all, err := execs.List(ctx, ExecutionFilter{ScheduleID: sch.ID})
	require.NoError(t, err)
	require.Len(t, all, 1)

	running, err := execs.ListByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, exec.ID, running[0].ID)

	pending, err := execs.List(ctx, ExecutionFilter{Status: StatusPending})
	require.NoError(t, err)
	assert.Empty(t, pending)

	stale, err := execs.ListStaleRunning(ctx, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, stale, 1)
	stale, err = execs.ListStaleRunning(ctx, baseTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	counts, err := execs.CountByStatusSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatusRunning])
}

func TestGetArtifact_NotFound(t *testing.T) {
	_, execs, _, exec := setupExecution(t)

	_, err := execs.GetArtifact(context.Background(), exec.ID)
	assert.True(t, errors.IsNotFoundError(err))
}
