package server

import (
	"time"

	"github.com/teranos/reportd/pulse/async"
	"github.com/teranos/reportd/pulse/schedule"
)

// CreateScheduleRequest is the body of POST /api/schedules
type CreateScheduleRequest struct {
	Name            string                    `json:"name"`
	Description     string                    `json:"description"`
	ReportID        string                    `json:"report_id"`
	CronExpression  string                    `json:"cron_expression"`
	Timezone        string                    `json:"timezone"`
	Enabled         *bool                     `json:"enabled"` // default true
	Parameters      map[string]string         `json:"parameters"`
	DeliveryMethods []schedule.DeliveryMethod `json:"delivery_methods"`
	RetryPolicy     *schedule.RetryPolicy     `json:"retry_policy"`
}

// UpdateScheduleRequest is the body of PATCH /api/schedules/{id}. Absent
// fields are left unchanged. Version, when set, must match the stored version.
type UpdateScheduleRequest struct {
	Name            *string                    `json:"name"`
	Description     *string                    `json:"description"`
	ReportID        *string                    `json:"report_id"`
	CronExpression  *string                    `json:"cron_expression"`
	Timezone        *string                    `json:"timezone"`
	Enabled         *bool                      `json:"enabled"`
	Parameters      *map[string]string         `json:"parameters"`
	DeliveryMethods *[]schedule.DeliveryMethod `json:"delivery_methods"`
	RetryPolicy     *schedule.RetryPolicy      `json:"retry_policy"`
	Version         *int64                     `json:"version"`
}

// apply copies the set fields onto sch
func (req *UpdateScheduleRequest) apply(sch *schedule.Schedule) {
	if req.Name != nil {
		sch.Name = *req.Name
	}
	if req.Description != nil {
		sch.Description = *req.Description
	}
	if req.ReportID != nil {
		sch.ReportID = *req.ReportID
	}
	if req.CronExpression != nil {
		sch.CronExpression = *req.CronExpression
	}
	if req.Timezone != nil {
		sch.Timezone = *req.Timezone
	}
	if req.Enabled != nil {
		sch.Enabled = *req.Enabled
	}
	if req.Parameters != nil {
		sch.Parameters = *req.Parameters
	}
	if req.DeliveryMethods != nil {
		sch.DeliveryMethods = *req.DeliveryMethods
	}
	if req.RetryPolicy != nil {
		sch.RetryPolicy = *req.RetryPolicy
	}
	if req.Version != nil {
		sch.Version = *req.Version
	}
}

// ListSchedulesResponse is the body of GET /api/schedules
type ListSchedulesResponse struct {
	Schedules []*schedule.Schedule `json:"schedules"`
	Count     int                  `json:"count"`
	Limit     int                  `json:"limit"`
	Offset    int                  `json:"offset"`
}

// ScheduleDetailResponse is the body of GET /api/schedules/{id}
type ScheduleDetailResponse struct {
	*schedule.Schedule
	UpcomingFires      []time.Time             `json:"upcoming_fires"`
	RecentExecutions   []*schedule.Execution   `json:"recent_executions"`
	RecentDeliveryLogs []*schedule.DeliveryLog `json:"recent_delivery_logs"`
}

// ListExecutionsResponse is the body of execution listings
type ListExecutionsResponse struct {
	Executions []*schedule.Execution `json:"executions"`
	Count      int                   `json:"count"`
}

// ListDeliveryLogsResponse is the body of GET /api/delivery-logs
type ListDeliveryLogsResponse struct {
	Logs  []*schedule.DeliveryLog `json:"logs"`
	Count int                     `json:"count"`
}

// UpcomingFire is one entry of the dashboard's upcoming list
type UpcomingFire struct {
	ScheduleID string    `json:"schedule_id"`
	Name       string    `json:"name"`
	ReportID   string    `json:"report_id"`
	NextRunAt  time.Time `json:"next_run_at"`
}

// DashboardResponse is the body of GET /api/dashboard
type DashboardResponse struct {
	Schedules struct {
		Total   int `json:"total"`
		Enabled int `json:"enabled"`
	} `json:"schedules"`
	ExecutionsToday     map[schedule.Status]int `json:"executions_today"`
	DeliverySuccessRate *float64                `json:"delivery_success_rate"` // null when nothing was attempted
	DeliveryAttempts    int                     `json:"delivery_attempts_today"`
	Upcoming            []UpcomingFire          `json:"upcoming"`
	Workers             async.SystemMetrics     `json:"workers"`
	GeneratedAt         time.Time               `json:"generated_at"`
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Clients       int    `json:"websocket_clients"`
	Database      string `json:"database"`
}

// Event is one websocket message
type Event struct {
	Type        string                `json:"type"` // "execution" or "delivery"
	Execution   *schedule.Execution   `json:"execution,omitempty"`
	DeliveryLog *schedule.DeliveryLog `json:"delivery_log,omitempty"`
	Delivery    *schedule.Delivery    `json:"delivery,omitempty"`
	Timestamp   int64                 `json:"timestamp"`
}
