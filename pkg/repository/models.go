package repository

import "time"

// TaskStatus is the lifecycle state of a FileTask.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// ValidStatus reports whether s is one of the four lifecycle states.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// FileRecord is the immutable descriptor of a known input file. Rows
// are inserted once per unique file name and never updated by the
// worker.
type FileRecord struct {
	ID         int64
	FileName   string
	Source     *string
	Encoding   string
	FormatType string
	Delimiter  *string
	CreatedAt  time.Time
	UpdatedAt  *time.Time
}

// Input formats a FileRecord can declare.
const (
	FormatDelimited   = "delimited"
	FormatFixedLength = "fixed_length"
)

// FieldDefinition is one column of a file's schema. StartPosition and
// FieldLength are display columns; only the fixed-length format reads
// them.
type FieldDefinition struct {
	ID            int64
	FileName      string
	FieldName     string
	Sequence      int
	FieldType     string
	StartPosition int
	FieldLength   int
	TransformType string
}

// FileTask is one execution attempt of transforming one FileRecord.
type FileTask struct {
	TaskID               string
	FileRecordID         int64
	FileName             string
	Status               TaskStatus
	StartedAt            *time.Time
	CompletedAt          *time.Time
	ErrorMessage         *string
	PreviousFailedTaskID *string
}
