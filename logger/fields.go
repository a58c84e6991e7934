package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across reportd.
const (
	// Identity
	FieldScheduleID  = "schedule_id"
	FieldExecutionID = "execution_id"
	FieldReportID    = "report_id"
	FieldRequestID   = "request_id"
	FieldActor       = "actor"

	// Delivery
	FieldChannel = "channel"
	FieldAttempt = "attempt"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldTrigger   = "trigger"

	// Timing
	FieldDurationMS   = "duration_ms"
	FieldScheduledFor = "scheduled_for"
	FieldNextRunAt    = "next_run_at"
	FieldResumeAt     = "resume_at"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount      = "count"
	FieldRetryCount = "retry_count"

	// Status
	FieldStatus = "status"
	FieldFrom   = "from"
	FieldTo     = "to"

	// Network
	FieldAddress = "address"
)

type contextKey string

const (
	executionIDKey contextKey = "logger_execution_id"
	requestIDKey   contextKey = "logger_request_id"
)

// WithExecutionID adds an execution ID to the context for logging
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, executionIDKey, executionID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FieldsFromContext extracts logging fields from context as key-value pairs
// suitable for Infow/Errorw.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}
	if id, ok := ctx.Value(executionIDKey).(string); ok && id != "" {
		fields = append(fields, FieldExecutionID, id)
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		fields = append(fields, FieldRequestID, id)
	}
	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
//	scanner := engine.NewScanner(store, logger.ComponentLogger("pulse.scanner"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
