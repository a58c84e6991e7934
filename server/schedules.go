package server

import (
	"net/http"
	"time"

	"github.com/teranos/reportd/auth"
	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/cron"
	"github.com/teranos/reportd/pulse/schedule"
	"github.com/teranos/reportd/sym"
)

const (
	detailExecutions = 10
	detailLogs       = 20
	detailUpcoming   = 5
)

// HandleListSchedules serves GET /api/schedules?enabled=&report_id=&q=&limit=&offset=
func (s *Server) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabled, err := queryBool(r, "enabled")
	if err != nil {
		writeAPIError(w, s.logger, err, "list schedules")
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		writeAPIError(w, s.logger, err, "list schedules")
		return
	}

	q := r.URL.Query()
	schedules, err := s.engine.Schedules().List(r.Context(), schedule.ListFilter{
		Enabled:  enabled,
		ReportID: q.Get("report_id"),
		Search:   q.Get("q"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeAPIError(w, s.logger, err, "list schedules")
		return
	}
	if schedules == nil {
		schedules = []*schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, ListSchedulesResponse{
		Schedules: schedules,
		Count:     len(schedules),
		Limit:     limit,
		Offset:    offset,
	})
}

// HandleCreateSchedule serves POST /api/schedules
func (s *Server) HandleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if !readJSON(w, r, &req) {
		return
	}

	sch := &schedule.Schedule{
		Name:            req.Name,
		Description:     req.Description,
		ReportID:        req.ReportID,
		CronExpression:  req.CronExpression,
		Timezone:        req.Timezone,
		Enabled:         req.Enabled == nil || *req.Enabled,
		Parameters:      req.Parameters,
		DeliveryMethods: req.DeliveryMethods,
		CreatedBy:       actorOf(r),
	}
	if req.RetryPolicy != nil {
		sch.RetryPolicy = *req.RetryPolicy
	}

	if err := s.engine.CreateSchedule(r.Context(), sch); err != nil {
		logger.FromContext(r.Context(), s.logger).Infow("Schedule rejected",
			"name", req.Name, logger.FieldError, err)
		writeAPIError(w, s.logger, err, "create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, sch)
}

// HandleGetSchedule serves GET /api/schedules/{id} with recent history
func (s *Server) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	sch, err := s.engine.Schedules().Get(ctx, id)
	if err != nil {
		writeAPIError(w, s.logger, err, "get schedule")
		return
	}
	execs, err := s.engine.Executions().List(ctx, schedule.ExecutionFilter{ScheduleID: id, Limit: detailExecutions})
	if err != nil {
		writeAPIError(w, s.logger, err, "get schedule")
		return
	}
	logs, err := s.engine.Deliveries().ListLogs(ctx, schedule.LogFilter{ScheduleID: id, Limit: detailLogs})
	if err != nil {
		writeAPIError(w, s.logger, err, "get schedule")
		return
	}

	resp := ScheduleDetailResponse{
		Schedule:           sch,
		UpcomingFires:      []time.Time{},
		RecentExecutions:   nonNilExecutions(execs),
		RecentDeliveryLogs: nonNilLogs(logs),
	}
	if sch.Enabled {
		if expr, err := cron.Parse(sch.CronExpression, sch.Timezone); err == nil {
			if fires, err := expr.Upcoming(time.Now(), detailUpcoming); err == nil {
				resp.UpcomingFires = fires
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleUpdateSchedule serves PATCH /api/schedules/{id}
func (s *Server) HandleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req UpdateScheduleRequest
	if !readJSON(w, r, &req) {
		return
	}

	// Without a version the edit applies to the current row; re-read on lost races
	attempts := 1
	if req.Version == nil {
		attempts = 3
	}
	var err error
	for i := 0; i < attempts; i++ {
		var sch *schedule.Schedule
		sch, err = s.engine.Schedules().Get(r.Context(), r.PathValue("id"))
		if err != nil {
			break
		}
		req.apply(sch)
		if err = s.engine.UpdateSchedule(r.Context(), sch); err == nil {
			writeJSON(w, http.StatusOK, sch)
			return
		}
		if !errors.Is(err, schedule.ErrStaleVersion) {
			break
		}
	}
	writeAPIError(w, s.logger, err, "update schedule")
}

// HandleDeleteSchedule serves DELETE /api/schedules/{id}
func (s *Server) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSchedule(r.Context(), r.PathValue("id")); err != nil {
		writeAPIError(w, s.logger, err, "delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTriggerSchedule serves POST /api/schedules/{id}/trigger.
// 409 when the schedule has an active execution, 422 when it is disabled.
func (s *Server) HandleTriggerSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := s.engine.Trigger(r.Context(), id, actorOf(r))
	if err != nil {
		writeAPIError(w, s.logger, err, "trigger schedule")
		return
	}
	logger.FromContext(r.Context(), s.logger).Infow(sym.Pulse+" Triggered via API",
		logger.FieldScheduleID, id, logger.FieldExecutionID, exec.ID)
	writeJSON(w, http.StatusAccepted, exec)
}

// HandleScheduleExecutions serves GET /api/schedules/{id}/executions?status=
func (s *Server) HandleScheduleExecutions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.engine.Schedules().Get(ctx, id); err != nil {
		writeAPIError(w, s.logger, err, "list executions")
		return
	}
	s.listExecutions(w, r, id)
}

// actorOf names the caller for audit fields
func actorOf(r *http.Request) string {
	if actor := auth.ClaimsFromContext(r.Context()).Actor(); actor != "" {
		return actor
	}
	return "api"
}

func nonNilExecutions(in []*schedule.Execution) []*schedule.Execution {
	if in == nil {
		return []*schedule.Execution{}
	}
	return in
}

func nonNilLogs(in []*schedule.DeliveryLog) []*schedule.DeliveryLog {
	if in == nil {
		return []*schedule.DeliveryLog{}
	}
	return in
}
