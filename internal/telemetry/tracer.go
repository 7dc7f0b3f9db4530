package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for the transformation pipeline. Task-scoped keys use
// the "task." prefix, per-file keys "file.", stage-specific keys their
// own prefix.
const (
	AttrTaskID     = "task.id"
	AttrTaskStatus = "task.status"

	AttrFileRecordID = "file.record_id"
	AttrFileName     = "file.name"
	AttrFileBytes    = "file.bytes"
	AttrFileEncoding = "file.encoding"
	AttrFileFormat   = "file.format"

	AttrParseFields = "parse.fields"
	AttrOutputPath  = "output.path"
	AttrOutputRows  = "output.rows"

	AttrErrorCode     = "error.code"
	AttrErrorCategory = "error.category"
)

// StartTaskSpan opens a span for one task attempt with the task
// identity pre-attached.
func StartTaskSpan(ctx context.Context, name, taskID, fileName string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(
		attribute.String(AttrTaskID, taskID),
		attribute.String(AttrFileName, fileName),
	))
}

// Int64 is a convenience wrapper for int64 attributes.
func Int64(key string, v int64) attribute.KeyValue {
	return attribute.Int64(key, v)
}

// String is a convenience wrapper for string attributes.
func String(key, v string) attribute.KeyValue {
	return attribute.String(key, v)
}
