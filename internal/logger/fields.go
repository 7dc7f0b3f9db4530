package logger

// Standard field keys for structured logging. Use these consistently so
// batch runs can be correlated and queried in the log aggregator.
const (
	// Task lifecycle
	KeyTaskID       = "task_id"        // transformat_YYYYMMDDNNNN
	KeyFileName     = "file_name"      // input file name as registered in file_records
	KeyFileRecordID = "file_record_id" // file_records.id, also the advisory lock key
	KeyStatus       = "status"         // pending, processing, completed, failed

	// Parsing
	KeyLineNumber = "line_number" // 1-based line in the input file
	KeyFieldName  = "field_name"  // field being converted when a row fails
	KeyEncoding   = "encoding"    // utf-8, big5, gbk
	KeyFormatType = "format_type" // delimited, fixed_length

	// Output
	KeyOutputPath = "output_path" // parquet file path
	KeyRows       = "rows"        // rows written

	// Batch accounting
	KeySucceeded = "succeeded"
	KeyFailed    = "failed"
	KeySkipped   = "skipped"

	// Errors
	KeyErrorCode = "error_code"
	KeyRetryable = "retryable"
	KeyCategory  = "category"

	// Timing
	KeyDurationMs = "duration_ms"
)
