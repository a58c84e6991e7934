// Package schedule persists report schedules, their executions and per-channel
// delivery state. Every status write is a compare-and-set on the row's
// version, and the scanner's claim is a compare-and-set on next_run_at, so
// several engine instances can share one database.
package schedule

import (
	"time"

	"github.com/teranos/reportd/pulse/retry"
)

// Channel is a delivery channel type
type Channel string

const (
	ChannelEmail       Channel = "email"
	ChannelFileStorage Channel = "file_storage"
	ChannelAPIEndpoint Channel = "api_endpoint"
	ChannelWebhook     Channel = "webhook"
)

// Channels lists every supported channel type
var Channels = []Channel{ChannelEmail, ChannelFileStorage, ChannelAPIEndpoint, ChannelWebhook}

// Valid reports whether c is a supported channel type
func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// RetryPolicy is the persisted form of retry.Policy
type RetryPolicy struct {
	MaxAttempts int     `json:"max_attempts" yaml:"max_attempts"`
	BaseDelayMS int64   `json:"base_delay_ms" yaml:"base_delay_ms"`
	Multiplier  float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// Policy converts to the coordinator's policy type
func (p RetryPolicy) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: p.MaxAttempts,
		BaseDelay:   time.Duration(p.BaseDelayMS) * time.Millisecond,
		Multiplier:  p.Multiplier,
	}
}

// DefaultRetryPolicy mirrors retry.DefaultPolicy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: retry.DefaultMaxAttempts,
		BaseDelayMS: retry.DefaultBaseDelay.Milliseconds(),
		Multiplier:  retry.DefaultMultiplier,
	}
}

// DeliveryMethod is one configured destination. RetryPolicy overrides the
// schedule's policy for this channel only.
type DeliveryMethod struct {
	Channel     Channel        `json:"channel" yaml:"channel"`
	Config      map[string]any `json:"config" yaml:"config"`
	RetryPolicy *RetryPolicy   `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
}

// Schedule is a recurring report definition
type Schedule struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	ReportID        string            `json:"report_id"`
	CronExpression  string            `json:"cron_expression"`
	Timezone        string            `json:"timezone"`
	Enabled         bool              `json:"enabled"`
	Parameters      map[string]string `json:"parameters"`
	DeliveryMethods []DeliveryMethod  `json:"delivery_methods"`
	RetryPolicy     RetryPolicy       `json:"retry_policy"`
	NextRunAt       *time.Time        `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time        `json:"last_run_at,omitempty"`
	ExecutionCount  int64             `json:"execution_count"`
	FailureCount    int64             `json:"failure_count"`
	Version         int64             `json:"version"`
	CreatedBy       string            `json:"created_by"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Method returns the delivery method configured for ch
func (s *Schedule) Method(ch Channel) (DeliveryMethod, bool) {
	for _, m := range s.DeliveryMethods {
		if m.Channel == ch {
			return m, true
		}
	}
	return DeliveryMethod{}, false
}

// PolicyFor returns the retry policy for a channel, honouring overrides
func (s *Schedule) PolicyFor(ch Channel) retry.Policy {
	if m, ok := s.Method(ch); ok && m.RetryPolicy != nil {
		return m.RetryPolicy.Policy()
	}
	return s.RetryPolicy.Policy()
}

// ChannelList returns the configured channels in order
func (s *Schedule) ChannelList() []Channel {
	out := make([]Channel, 0, len(s.DeliveryMethods))
	for _, m := range s.DeliveryMethods {
		out = append(out, m.Channel)
	}
	return out
}

// Status is an execution status
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Trigger records what created an execution
type Trigger string

const (
	TriggerCron   Trigger = "cron"
	TriggerManual Trigger = "manual"
)

// Execution is one run of a schedule
type Execution struct {
	ID                string                `json:"id"`
	ScheduleID        string                `json:"schedule_id"`
	ReportExecutionID string                `json:"report_execution_id,omitempty"`
	Trigger           Trigger               `json:"trigger"`
	Status            Status                `json:"status"`
	ScheduledFor      time.Time             `json:"scheduled_for"`
	StartedAt         *time.Time            `json:"started_at,omitempty"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	DurationMS        *int64                `json:"duration_ms,omitempty"`
	RetryCount        int                   `json:"retry_count"`
	NextAttemptAt     *time.Time            `json:"next_attempt_at,omitempty"`
	ErrorMessage      string                `json:"error_message,omitempty"`
	CancelRequested   bool                  `json:"cancel_requested"`
	Version           int64                 `json:"version"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	Deliveries        map[Channel]*Delivery `json:"deliveries,omitempty"`
}

// DeliveryStatus is a per-channel delivery status
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is the current delivery state of one channel of one execution.
// BudgetBase is the attempt count at which the current retry budget began;
// a fresh manual retry moves it forward instead of rewinding AttemptCount.
type Delivery struct {
	ExecutionID   string         `json:"execution_id"`
	Channel       Channel        `json:"channel"`
	Status        DeliveryStatus `json:"status"`
	AttemptCount  int            `json:"attempt_count"`
	BudgetBase    int            `json:"budget_base"`
	SingleShot    bool           `json:"single_shot"`
	InFlight      bool           `json:"in_flight"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Version       int64          `json:"version"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// BudgetUsed is the number of attempts counted against the current budget
func (d *Delivery) BudgetUsed() int {
	return d.AttemptCount - d.BudgetBase
}

// DeliveryLog is one immutable delivery attempt record
type DeliveryLog struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	ScheduleID  string         `json:"schedule_id"`
	Channel     Channel        `json:"channel"`
	Attempt     int            `json:"attempt"`
	Status      DeliveryStatus `json:"status"`
	Error       string         `json:"error,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
	CreatedAt   time.Time      `json:"created_at"`
}
