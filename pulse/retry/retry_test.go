package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/reportd/errors"
)

func TestDelaySequence(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 5000 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 5000*time.Millisecond, p.Delay(1))
	assert.Equal(t, 10000*time.Millisecond, p.Delay(2))
	assert.Equal(t, 20000*time.Millisecond, p.Delay(3))
	assert.Equal(t, 40000*time.Millisecond, p.Delay(4))
}

func TestDelayCapAndFlat(t *testing.T) {
	capped := Policy{BaseDelay: time.Second, Multiplier: 10, MaxDelay: 30 * time.Second}
	assert.Equal(t, 10*time.Second, capped.Delay(2))
	assert.Equal(t, 30*time.Second, capped.Delay(3))
	assert.Equal(t, 30*time.Second, capped.Delay(50))

	flat := Policy{BaseDelay: 2 * time.Second, Multiplier: 1}
	assert.Equal(t, 2*time.Second, flat.Delay(1))
	assert.Equal(t, 2*time.Second, flat.Delay(7))

	assert.Equal(t, capped.Delay(1), capped.Delay(0), "attempt numbers below one are clamped")
}

func TestDelayJitterStaysInBounds(t *testing.T) {
	p := Policy{BaseDelay: 10 * time.Second, Multiplier: 1, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3))
	assert.True(t, ShouldRetry(2, 3))
	assert.False(t, ShouldRetry(3, 3))
	assert.False(t, ShouldRetry(1, 1))
}

func TestDecide(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	p := DefaultPolicy()
	cause := errors.New("report service unavailable")

	first := Decide(p, 1, cause, now)
	assert.True(t, first.Retry)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, 5*time.Second, first.Delay)
	assert.Equal(t, now.Add(5*time.Second), first.ResumeAt)

	second := Decide(p, 2, cause, now)
	assert.True(t, second.Retry)
	assert.Equal(t, 10*time.Second, second.Delay)

	exhausted := Decide(p, 3, cause, now)
	assert.False(t, exhausted.Retry)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, exhausted.ResumeAt.IsZero())
}

func TestDecidePermanentSkipsBudget(t *testing.T) {
	err := Permanent(errors.New("template sales.sh not found"))

	d := Decide(DefaultPolicy(), 1, errors.Wrap(err, "generate"), time.Now())
	assert.False(t, d.Retry)
	assert.Equal(t, 1, d.Attempts)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(nil))

	base := errors.New("missing recipient")
	err := errors.Wrap(Permanent(base), "email")
	assert.True(t, IsPermanent(err))
	assert.True(t, errors.Is(err, base))
	assert.Contains(t, err.Error(), "missing recipient")
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Class(""), Classify(nil))
	assert.Equal(t, ClassPermanent, Classify(Permanent(errors.New("x"))))
	assert.Equal(t, ClassTimeout, Classify(errors.Wrap(context.DeadlineExceeded, "generate")))
	assert.Equal(t, ClassCancelled, Classify(context.Canceled))
	assert.Equal(t, ClassTransient, Classify(errors.New("503")))
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{MaxAttempts: 0, Multiplier: 2}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Multiplier: 0.5}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Multiplier: 1, BaseDelay: -1}.Validate())
	assert.Error(t, Policy{MaxAttempts: 1, Multiplier: 1, Jitter: 2}.Validate())
}
