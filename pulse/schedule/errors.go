package schedule

import "github.com/teranos/reportd/errors"

// Sentinels are plain errors so errors.Is tells them apart. Returned errors
// also carry an errors-package class (see classOf) for the API layer.
var (
	// ErrInvalidSchedule wraps every validation failure on create or update
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrStaleVersion means a compare-and-set lost to a concurrent writer
	ErrStaleVersion = errors.New("stale version")

	// ErrExecutionActive means the schedule already has a pending, running or retrying execution
	ErrExecutionActive = errors.New("schedule already has an active execution")

	// ErrScheduleDisabled means a manual trigger targeted a disabled schedule
	ErrScheduleDisabled = errors.New("schedule is disabled")

	// ErrInvalidTransition means the requested status change is not allowed from the current status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrChannelNotRetryable means a manual delivery retry targeted a channel that is not failed
	ErrChannelNotRetryable = errors.New("delivery channel is not in failed state")
)

var classOf = map[error]error{
	ErrInvalidSchedule:     errors.ErrInvalidRequest,
	ErrStaleVersion:        errors.ErrConflict,
	ErrExecutionActive:     errors.ErrConflict,
	ErrScheduleDisabled:    errors.ErrUnprocessable,
	ErrInvalidTransition:   errors.ErrUnprocessable,
	ErrChannelNotRetryable: errors.ErrUnprocessable,
}

// fail wraps sentinel with a formatted message and marks it with its class
func fail(sentinel error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(sentinel, format, args...), classOf[sentinel])
}

// markAs marks an existing error with sentinel and its class
func markAs(err, sentinel error) error {
	return errors.Mark(errors.Mark(err, sentinel), classOf[sentinel])
}

// InvalidSchedule marks err as a schedule validation failure. Collaborators
// that validate parts of a schedule (such as channel config) use it so their
// errors map to the same API response as the store's own checks.
func InvalidSchedule(err error) error {
	return markAs(err, ErrInvalidSchedule)
}
