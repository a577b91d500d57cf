package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across batchwatch.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity
	FieldJobID    = "job_id"
	FieldJobName  = "job_name"
	FieldBatchID  = "batch_id"
	FieldSecretID = "secret_id"

	// Components
	FieldComponent = "component"
	FieldOperation = "operation"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextCheck  = "next_check_at"
	FieldSleep      = "sleep"

	// Errors
	FieldError   = "error"
	FieldAttempt = "attempt"

	// Counts
	FieldCount      = "count"
	FieldTotal      = "total"
	FieldCompleted  = "completed"
	FieldFailed     = "failed"
	FieldInProgress = "in_progress"

	// Status
	FieldStatus    = "status"
	FieldOldStatus = "old_status"

	// Downstream
	FieldExternalJobID = "external_job_id"

	FieldSymbol = "symbol"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with fields extracted from context.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
