package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/reportd/errors"
	rdtest "github.com/teranos/reportd/internal/testing"
	"github.com/teranos/reportd/pulse/async"
	"github.com/teranos/reportd/pulse/report"
	"github.com/teranos/reportd/pulse/retry"
	"github.com/teranos/reportd/pulse/schedule"
)

var dispatchTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

// scripted returns its results in order, repeating the last one
type scripted struct {
	ch      schedule.Channel
	mu      sync.Mutex
	results []error
	calls   int
}

func (s *scripted) Channel() schedule.Channel { return s.ch }
func (s *scripted) Validate(Config) error     { return nil }

func (s *scripted) Deliver(ctx context.Context, cfg Config, env Envelope) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	if i < 0 || s.results[i] == nil {
		return &Receipt{Detail: "ok"}, nil
	}
	return nil, s.results[i]
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingObserver struct {
	mu      sync.Mutex
	entries []*schedule.DeliveryLog
}

func (o *recordingObserver) DeliveryAttempted(entry *schedule.DeliveryLog, _ *schedule.Delivery) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, entry)
}

type dispatchFixture struct {
	dispatcher *Dispatcher
	deliveries *schedule.DeliveryStore
	schedule   *schedule.Schedule
	execution  *schedule.Execution
	email      *scripted
	webhook    *scripted
	observer   *recordingObserver
	now        time.Time
}

func (f *dispatchFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *dispatchFixture) state(t *testing.T, ch schedule.Channel) *schedule.Delivery {
	t.Helper()
	d, err := f.deliveries.Get(context.Background(), f.execution.ID, ch)
	require.NoError(t, err)
	return d
}

func newDispatchFixture(t *testing.T, emailResults, webhookResults []error) *dispatchFixture {
	t.Helper()
	ctx := context.Background()
	conn := rdtest.CreateTestDB(t)
	store := schedule.NewStore(conn, schedule.WithClock(func() time.Time { return dispatchTime }))
	executions := schedule.NewExecutionStore(conn)
	deliveries := schedule.NewDeliveryStore(conn)

	sch := &schedule.Schedule{
		Name:           "dispatch",
		ReportID:       "sales-summary",
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		Enabled:        true,
		DeliveryMethods: []schedule.DeliveryMethod{
			{Channel: schedule.ChannelEmail, Config: map[string]any{"to": "ops@example.com"}},
			{Channel: schedule.ChannelWebhook, Config: map[string]any{"url": "https://hooks.example.com/r"}},
		},
		RetryPolicy: schedule.RetryPolicy{MaxAttempts: 3, BaseDelayMS: 1000, Multiplier: 2},
	}
	require.NoError(t, store.Create(ctx, sch))

	exec, err := executions.CreateManual(ctx, sch.ID, dispatchTime)
	require.NoError(t, err)
	require.NoError(t, executions.MarkRunning(ctx, exec, dispatchTime))
	art := &report.Artifact{ContentType: "text/csv", Filename: "sales.csv", Data: []byte("a,b\n")}
	require.NoError(t, executions.MarkCompleted(ctx, exec, art, dispatchTime.Add(time.Second)))

	f := &dispatchFixture{
		deliveries: deliveries,
		schedule:   sch,
		execution:  exec,
		email:      &scripted{ch: schedule.ChannelEmail, results: emailResults},
		webhook:    &scripted{ch: schedule.ChannelWebhook, results: webhookResults},
		observer:   &recordingObserver{},
		now:        dispatchTime.Add(2 * time.Second),
	}
	registry := NewRegistry()
	registry.Register(f.email)
	registry.Register(f.webhook)

	f.dispatcher = NewDispatcher(store, executions, deliveries, registry, async.NewQueue(),
		DispatcherConfig{Timeout: time.Second}, zaptest.NewLogger(t).Sugar())
	f.dispatcher.SetClock(func() time.Time { return f.now })
	f.dispatcher.SetObserver(f.observer)

	require.NoError(t, f.dispatcher.Dispatch(ctx, sch, exec))
	return f
}

func TestDispatch_ChannelsAreIndependent(t *testing.T) {
	transient := errors.New("smtp 421 service not available")
	f := newDispatchFixture(t, []error{transient}, nil)
	ctx := context.Background()
	id := f.execution.ID

	require.NoError(t, f.dispatcher.Attempt(ctx, id, schedule.ChannelWebhook))
	require.NoError(t, f.dispatcher.Attempt(ctx, id, schedule.ChannelEmail))

	webhook := f.state(t, schedule.ChannelWebhook)
	assert.Equal(t, schedule.DeliveryDelivered, webhook.Status)
	assert.Equal(t, 1, webhook.AttemptCount)

	email := f.state(t, schedule.ChannelEmail)
	assert.Equal(t, schedule.DeliveryPending, email.Status)
	assert.Equal(t, 1, email.AttemptCount)
	require.NotNil(t, email.NextAttemptAt)
	assert.True(t, email.NextAttemptAt.Equal(f.now.Add(time.Second)))

	// Not due yet: no attempt is made
	require.NoError(t, f.dispatcher.Attempt(ctx, id, schedule.ChannelEmail))
	assert.Equal(t, 1, f.email.Calls())

	f.advance(time.Second)
	require.NoError(t, f.dispatcher.Attempt(ctx, id, schedule.ChannelEmail))
	email = f.state(t, schedule.ChannelEmail)
	assert.Equal(t, 2, email.AttemptCount)
	assert.True(t, email.NextAttemptAt.Equal(f.now.Add(2*time.Second)))

	f.advance(2 * time.Second)
	require.NoError(t, f.dispatcher.Attempt(ctx, id, schedule.ChannelEmail))
	email = f.state(t, schedule.ChannelEmail)
	assert.Equal(t, schedule.DeliveryFailed, email.Status)
	assert.Equal(t, 3, email.AttemptCount)
	assert.Nil(t, email.NextAttemptAt)

	// Webhook was untouched by email's failures
	assert.Equal(t, 1, f.webhook.Calls())
	assert.Equal(t, schedule.DeliveryDelivered, f.state(t, schedule.ChannelWebhook).Status)

	logs, err := f.deliveries.ListLogs(ctx, schedule.LogFilter{ExecutionID: id, Channel: schedule.ChannelEmail})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, 3, logs[0].Attempt)
	assert.Equal(t, f.schedule.ID, logs[0].ScheduleID)
	assert.Len(t, f.observer.entries, 4)
}

func TestDispatch_PermanentFailureSkipsBudget(t *testing.T) {
	f := newDispatchFixture(t, []error{retry.Permanent(errors.New("550 no such user"))}, nil)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelEmail))
	email := f.state(t, schedule.ChannelEmail)
	assert.Equal(t, schedule.DeliveryFailed, email.Status)
	assert.Equal(t, 1, email.AttemptCount)
}

func TestDispatch_DeliveredIsNotRepeated(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelEmail))
	require.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelEmail))
	assert.Equal(t, 1, f.email.Calls())
}

func TestDispatch_ConcurrentAttemptsDeliverOnce(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelWebhook))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.webhook.Calls())
	assert.Equal(t, 1, f.state(t, schedule.ChannelWebhook).AttemptCount)
}

func exhaustEmail(t *testing.T, f *dispatchFixture) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelEmail))
		f.advance(time.Minute)
	}
	require.Equal(t, schedule.DeliveryFailed, f.state(t, schedule.ChannelEmail).Status)
}

func TestRetryChannel_SingleShot(t *testing.T) {
	f := newDispatchFixture(t, []error{errors.New("connection reset")}, nil)
	ctx := context.Background()
	exhaustEmail(t, f)

	state, err := f.dispatcher.RetryChannel(ctx, f.execution.ID, schedule.ChannelEmail, false)
	require.NoError(t, err)
	assert.True(t, state.SingleShot)

	require.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelEmail))
	email := f.state(t, schedule.ChannelEmail)
	assert.Equal(t, schedule.DeliveryFailed, email.Status, "single-shot retry must not schedule follow-ups")
	assert.Equal(t, 4, email.AttemptCount, "attempt numbering continues")
}

func TestRetryChannel_FreshBudget(t *testing.T) {
	f := newDispatchFixture(t, []error{errors.New("connection reset")}, nil)
	ctx := context.Background()
	exhaustEmail(t, f)

	_, err := f.dispatcher.RetryChannel(ctx, f.execution.ID, schedule.ChannelEmail, true)
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelEmail))
	email := f.state(t, schedule.ChannelEmail)
	assert.Equal(t, schedule.DeliveryPending, email.Status, "fresh retry gets the full budget")
	assert.Equal(t, 4, email.AttemptCount)
	assert.Equal(t, 1, email.BudgetUsed())
}

func TestRetryChannel_Recovers(t *testing.T) {
	f := newDispatchFixture(t, []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout"), nil}, nil)
	ctx := context.Background()
	exhaustEmail(t, f)

	_, err := f.dispatcher.RetryChannel(ctx, f.execution.ID, schedule.ChannelEmail, false)
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelEmail))
	assert.Equal(t, schedule.DeliveryDelivered, f.state(t, schedule.ChannelEmail).Status)
}

func TestRetryChannel_Rejections(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.dispatcher.RetryChannel(ctx, f.execution.ID, schedule.ChannelEmail, false)
	assert.True(t, errors.Is(err, schedule.ErrChannelNotRetryable), "pending channel is not retryable")

	_, err = f.dispatcher.RetryChannel(ctx, f.execution.ID, "pigeon", false)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = f.dispatcher.RetryChannel(ctx, "missing", schedule.ChannelEmail, false)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestRetryLog(t *testing.T) {
	f := newDispatchFixture(t, []error{errors.New("connection reset")}, nil)
	ctx := context.Background()
	exhaustEmail(t, f)

	logs, err := f.deliveries.ListLogs(ctx, schedule.LogFilter{ExecutionID: f.execution.ID, Channel: schedule.ChannelEmail})
	require.NoError(t, err)
	require.NotEmpty(t, logs)

	state, err := f.dispatcher.RetryLog(ctx, logs[0].ID, true)
	require.NoError(t, err)
	assert.Equal(t, schedule.ChannelEmail, state.Channel)
	assert.Equal(t, schedule.DeliveryPending, state.Status)
}

func TestResume_ReleasesInterruptedAttempts(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	ctx := context.Background()

	// Simulate a crash mid-attempt
	d := f.state(t, schedule.ChannelEmail)
	require.NoError(t, f.deliveries.ClaimAttempt(ctx, d, dispatchTime))

	n, err := f.dispatcher.Resume(ctx, dispatchTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelEmail))
	email := f.state(t, schedule.ChannelEmail)
	assert.Equal(t, schedule.DeliveryDelivered, email.Status)
	assert.Equal(t, 2, email.AttemptCount, "the interrupted attempt still counts")
}

func TestAttempt_RemovedChannelFailsPermanently(t *testing.T) {
	f := newDispatchFixture(t, nil, nil)
	ctx := context.Background()

	f.schedule.DeliveryMethods = f.schedule.DeliveryMethods[:1]
	require.NoError(t, f.dispatcher.schedules.Update(ctx, f.schedule))

	require.NoError(t, f.dispatcher.Attempt(ctx, f.execution.ID, schedule.ChannelWebhook))
	webhook := f.state(t, schedule.ChannelWebhook)
	assert.Equal(t, schedule.DeliveryFailed, webhook.Status)
	assert.Contains(t, webhook.LastError, "no longer configured")
	assert.Zero(t, f.webhook.Calls())
}
