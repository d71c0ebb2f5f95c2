package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep log queries stable.
const (
	// Identity and context
	FieldJobID        = "job_id"
	FieldDefinitionID = "definition_id"
	FieldWorkerID     = "worker_id"
	FieldTriggerID    = "trigger_id"
	FieldEngineJobID  = "engine_job_id"

	// Components
	FieldController = "controller"
	FieldTenant     = "tenant"

	// Lease protocol
	FieldStatus  = "status"
	FieldAttempt = "attempt"
	FieldOutcome = "outcome"
	FieldPartial = "partial"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldWindowFrom = "window_from"
	FieldWindowTo   = "window_to"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount    = "count"
	FieldPages    = "pages"
	FieldFailures = "failures"

	// Network
	FieldAddress = "address"
	FieldPath    = "path"
	FieldMethod  = "method"

	FieldSymbol = "symbol"
)

type contextKey string

const (
	jobIDKey    contextKey = "logger_job_id"
	workerIDKey contextKey = "logger_worker_id"
)

// WithJobID adds a job instance ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithWorkerID adds a worker ID to the context for logging
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

// FieldsFromContext returns the job and worker carried by ctx as key-value pairs
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if workerID, ok := ctx.Value(workerIDKey).(string); ok && workerID != "" {
		fields = append(fields, FieldWorkerID, workerID)
	}

	return fields
}

// FromContext returns base (or the global logger when base is nil) with the
// fields carried by ctx attached.
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
