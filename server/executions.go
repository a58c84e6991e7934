package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/teranos/reportd/errors"
	"github.com/teranos/reportd/logger"
	"github.com/teranos/reportd/pulse/schedule"
)

// listExecutions writes executions filtered by the status query parameter
func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request, scheduleID string) {
	status := schedule.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeAPIError(w, s.logger, errors.NewInvalidRequestError("unknown status %q", status), "list executions")
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		writeAPIError(w, s.logger, err, "list executions")
		return
	}

	execs, err := s.engine.Executions().List(r.Context(), schedule.ExecutionFilter{
		ScheduleID: scheduleID,
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeAPIError(w, s.logger, err, "list executions")
		return
	}
	execs = nonNilExecutions(execs)
	writeJSON(w, http.StatusOK, ListExecutionsResponse{Executions: execs, Count: len(execs)})
}

// HandleGetExecution serves GET /api/executions/{id} with its per-channel delivery state
func (s *Server) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exec, err := s.engine.Executions().Get(ctx, r.PathValue("id"))
	if err != nil {
		writeAPIError(w, s.logger, err, "get execution")
		return
	}
	deliveries, err := s.engine.Deliveries().List(ctx, exec.ID)
	if err != nil {
		writeAPIError(w, s.logger, err, "get execution")
		return
	}
	exec.Deliveries = deliveries
	writeJSON(w, http.StatusOK, exec)
}

// HandleExecutionArtifact serves GET /api/executions/{id}/artifact
func (s *Server) HandleExecutionArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.engine.Executions().GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, s.logger, err, "get artifact")
		return
	}
	contentType := art.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	if art.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", art.Filename))
	}
	w.WriteHeader(http.StatusOK)
	w.Write(art.Data)
}

// HandleCancelExecution serves POST /api/executions/{id}/cancel. A running
// execution comes back with cancel_requested set and settles shortly after.
func (s *Server) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.engine.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, s.logger, err, "cancel execution")
		return
	}
	status := http.StatusOK
	if exec.Status == schedule.StatusRunning {
		status = http.StatusAccepted
	}
	logger.FromContext(r.Context(), s.logger).Infow("Cancel via API",
		logger.FieldExecutionID, exec.ID, logger.FieldStatus, exec.Status, logger.FieldActor, actorOf(r))
	writeJSON(w, status, exec)
}

// HandleRetryDelivery serves POST /api/executions/{id}/deliveries/{channel}/retry?fresh=
func (s *Server) HandleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	fresh, err := queryBool(r, "fresh")
	if err != nil {
		writeAPIError(w, s.logger, err, "retry delivery")
		return
	}
	ch := schedule.Channel(r.PathValue("channel"))
	d, err := s.engine.Dispatcher().RetryChannel(r.Context(), r.PathValue("id"), ch, fresh != nil && *fresh)
	if err != nil {
		writeAPIError(w, s.logger, err, "retry delivery")
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}

// HandleListDeliveryLogs serves GET /api/delivery-logs?status=&channel=&execution_id=&schedule_id=
func (s *Server) HandleListDeliveryLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := schedule.LogFilter{
		ExecutionID: q.Get("execution_id"),
		ScheduleID:  q.Get("schedule_id"),
		Channel:     schedule.Channel(q.Get("channel")),
		Status:      schedule.DeliveryStatus(q.Get("status")),
	}
	if f.Channel != "" && !f.Channel.Valid() {
		writeAPIError(w, s.logger, errors.NewInvalidRequestError("unknown channel %q", f.Channel), "list delivery logs")
		return
	}
	switch f.Status {
	case "", schedule.DeliveryPending, schedule.DeliveryDelivered, schedule.DeliveryFailed:
	default:
		writeAPIError(w, s.logger, errors.NewInvalidRequestError("unknown delivery status %q", f.Status), "list delivery logs")
		return
	}
	var err error
	if f.Limit, f.Offset, err = pagination(r); err != nil {
		writeAPIError(w, s.logger, err, "list delivery logs")
		return
	}

	logs, err := s.engine.Deliveries().ListLogs(r.Context(), f)
	if err != nil {
		writeAPIError(w, s.logger, err, "list delivery logs")
		return
	}
	logs = nonNilLogs(logs)
	writeJSON(w, http.StatusOK, ListDeliveryLogsResponse{Logs: logs, Count: len(logs)})
}

// HandleRetryDeliveryLog serves POST /api/delivery-logs/{id}/retry?fresh=
func (s *Server) HandleRetryDeliveryLog(w http.ResponseWriter, r *http.Request) {
	fresh, err := queryBool(r, "fresh")
	if err != nil {
		writeAPIError(w, s.logger, err, "retry delivery")
		return
	}
	d, err := s.engine.Dispatcher().RetryLog(r.Context(), r.PathValue("id"), fresh != nil && *fresh)
	if err != nil {
		writeAPIError(w, s.logger, err, "retry delivery")
		return
	}
	writeJSON(w, http.StatusAccepted, d)
}
