// Package retry decides whether a failed run or delivery attempt gets another
// try, and when. It is shared by whole-execution retries and per-channel
// delivery retries; callers persist the Decision before arming any timer.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/teranos/reportd/errors"
)

// Default policy values
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 5 * time.Second
	DefaultMultiplier  = 2.0
)

// Policy is a capped exponential backoff.
// Delay for retry n (1-indexed) = BaseDelay × Multiplier^(n−1).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration // caps a single delay; zero means uncapped
	Jitter      float64       // spreads each delay by ±Jitter×delay; zero disables it
}

// DefaultPolicy returns 3 attempts starting at 5s and doubling
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay, Multiplier: DefaultMultiplier}
}

// Validate rejects policies that cannot be applied
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.Newf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.BaseDelay < 0 {
		return errors.Newf("base delay must be >= 0, got %s", p.BaseDelay)
	}
	if p.Multiplier < 1 {
		return errors.Newf("backoff multiplier must be >= 1, got %g", p.Multiplier)
	}
	if p.MaxDelay < 0 {
		return errors.Newf("max delay must be >= 0, got %s", p.MaxDelay)
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.Newf("jitter must be within [0, 1], got %g", p.Jitter)
	}
	return nil
}

// Delay returns the wait before retry n (1-indexed).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

// ShouldRetry reports whether a subject that has failed attempts times may try again.
func ShouldRetry(attempts, maxAttempts int) bool {
	return attempts < maxAttempts
}

// Decision is the coordinator's verdict on one failure
type Decision struct {
	Retry    bool
	Attempts int           // failed attempts including this one
	Delay    time.Duration // zero when not retrying
	ResumeAt time.Time     // zero when not retrying
}

// Decide applies the policy after a failure. attempts counts failed attempts
// including the one that just failed; permanent errors never retry.
func Decide(p Policy, attempts int, cause error, now time.Time) Decision {
	d := Decision{Attempts: attempts}
	if IsPermanent(cause) || !ShouldRetry(attempts, p.MaxAttempts) {
		return d
	}
	d.Retry = true
	d.Delay = p.Delay(attempts)
	d.ResumeAt = now.Add(d.Delay)
	return d
}

// ErrPermanent marks failures that will recur on every attempt, such as a
// missing report template or a channel config without a recipient.
var ErrPermanent = errors.New("permanent failure")

// Permanent marks err so the coordinator skips the remaining budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrPermanent)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return err != nil && errors.Is(err, ErrPermanent)
}

// Class labels a failure for logs and stored error messages
type Class string

const (
	ClassPermanent Class = "permanent"
	ClassTimeout   Class = "timeout"
	ClassCancelled Class = "cancelled"
	ClassTransient Class = "transient"
)

// Classify labels err. Only ClassPermanent changes retry behaviour.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case IsPermanent(err):
		return ClassPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	default:
		return ClassTransient
	}
}
