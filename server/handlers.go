package server

import (
	"net/http"
	"time"

	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/version"
)

// HandleHealth serves the health check with version info. It reports
// degraded (503) when the database does not answer.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	health := HealthResponse{
		Status:        "ok",
		Version:       info.Version,
		Commit:        info.Short(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Clients:       s.hub.ClientCount(),
		Database:      "ok",
	}
	status := http.StatusOK
	if _, _, err := s.engine.Schedules().Count(r.Context()); err != nil {
		s.logger.Warnw("Health check database probe failed", "error", err)
		health.Status = "degraded"
		health.Database = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if s.getState() == ServerStateDraining {
		health.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// HandleDashboard serves GET /api/dashboard: schedule counts, today's
// executions by status, the delivery success rate, the next fires and
// worker pool metrics. "Today" starts at midnight UTC.
func (s *Server) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var resp DashboardResponse
	var err error
	resp.GeneratedAt = now
	if resp.Schedules.Total, resp.Schedules.Enabled, err = s.engine.Schedules().Count(ctx); err != nil {
		writeAPIError(w, s.logger, err, "load dashboard")
		return
	}

	if resp.ExecutionsToday, err = s.engine.Executions().CountByStatusSince(ctx, today); err != nil {
		writeAPIError(w, s.logger, err, "load dashboard")
		return
	}
	for _, st := range []schedule.Status{
		schedule.StatusPending, schedule.StatusRunning, schedule.StatusRetrying,
		schedule.StatusCompleted, schedule.StatusFailed, schedule.StatusCancelled,
	} {
		if _, ok := resp.ExecutionsToday[st]; !ok {
			resp.ExecutionsToday[st] = 0
		}
	}

	delivered, attempts, err := s.engine.Deliveries().SuccessRate(ctx, today)
	if err != nil {
		writeAPIError(w, s.logger, err, "load dashboard")
		return
	}
	resp.DeliveryAttempts = attempts
	if attempts > 0 {
		rate := float64(delivered) / float64(attempts)
		resp.DeliverySuccessRate = &rate
	}

	upcoming, err := s.engine.Schedules().ListUpcoming(ctx, 5)
	if err != nil {
		writeAPIError(w, s.logger, err, "load dashboard")
		return
	}
	resp.Upcoming = make([]UpcomingFire, 0, len(upcoming))
	for _, sch := range upcoming {
		if sch.NextRunAt == nil {
			continue
		}
		resp.Upcoming = append(resp.Upcoming, UpcomingFire{
			ScheduleID: sch.ID,
			Name:       sch.Name,
			ReportID:   sch.ReportID,
			NextRunAt:  *sch.NextRunAt,
		})
	}

	resp.Workers = s.engine.Stats().System
	writeJSON(w, http.StatusOK, resp)
}

// HandleStats serves GET /api/stats: scanner, queue and pool counters
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}
