package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func task(key string) Task {
	return Task{Key: key, Kind: KindExecution, Run: noop}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.True(t, q.Push(task(k)))
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.Key)
		q.Done(got)
	}
}

func TestQueue_DuplicateKeyDropped(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()

	require.True(t, q.Push(task("exec:1")))
	assert.False(t, q.Push(task("exec:1")), "queued key must not be pushed twice")

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.False(t, q.Push(task("exec:1")), "running key must not be pushed again")
	assert.True(t, q.Has("exec:1"))

	q.Done(got)
	assert.False(t, q.Has("exec:1"))
	assert.True(t, q.Push(task("exec:1")))
}

func TestQueue_PushAt(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q.PushAt(task("later"), time.Now().Add(50*time.Millisecond))
	q.Push(task("now"))
	assert.Equal(t, 1, q.Stats().Delayed)

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "now", first.Key)

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", second.Key)
	assert.Zero(t, q.Stats().Delayed)
}

func TestQueue_PushAtPastIsImmediate(t *testing.T) {
	q := NewQueue()
	q.PushAt(task("overdue"), time.Now().Add(-time.Hour))
	assert.Equal(t, 1, q.Stats().Ready)
}

func TestQueue_PopHonoursContext(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue()
	q.Push(task("dropped"))
	q.PushAt(task("timer"), time.Now().Add(time.Hour))

	q.Close()
	q.Close()

	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.False(t, q.Push(task("after")))
	stats := q.Stats()
	assert.Zero(t, stats.Ready)
	assert.Zero(t, stats.Delayed)
}

func TestQueue_PushAtWhileRunningWaitsForDone(t *testing.T) {
	q := NewQueue()
	ctx := context.Background()
	require.True(t, q.Push(task("delivery:e1/email")))
	got, err := q.Pop(ctx)
	require.NoError(t, err)

	// The running task schedules its own immediate retry
	q.PushAt(task("delivery:e1/email"), time.Now())
	assert.Zero(t, q.Stats().Ready, "follow-up must wait for the running task")

	q.Done(got)
	assert.Equal(t, 1, q.Stats().Ready)
	again, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "delivery:e1/email", again.Key)
}
