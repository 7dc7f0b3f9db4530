// Package errcode defines the closed error catalogue for the transformat
// worker. Every failure the core raises names one of the codes below; the
// code carries its category (system vs. processing) and whether the
// condition is worth retrying. Message parameters stay structured on the
// error value so logs can carry them independently of the rendered text.
package errcode

import (
	"fmt"
	"sort"
	"strings"
)

// Category separates infrastructure failures from per-file data defects.
// System errors abort the current batch; processing errors fail only the
// offending task.
type Category string

const (
	CategorySystem     Category = "system"
	CategoryProcessing Category = "processing"
)

// Code identifies one entry of the error catalogue. The string value is
// the stable label used in logs and in file_tasks.error_message.
type Code string

// System-level codes.
const (
	SFTPAuthFailed             Code = "SFTP_AUTH_FAILED"
	SFTPNetworkError           Code = "SFTP_NETWORK_ERROR"
	DBConnectionFailed         Code = "DB_CONNECTION_FAILED"
	DBPoolExhausted            Code = "DB_POOL_EXHAUSTED"
	AdvisoryLockFailed         Code = "ADVISORY_LOCK_FAILED"
	DownstreamConnectionFailed Code = "DOWNSTREAM_CONNECTION_FAILED"
)

// Processing-level codes.
const (
	FileNotFound                 Code = "FILE_NOT_FOUND"
	FileReadFailed               Code = "FILE_READ_FAILED"
	EncodingDetectionFailed      Code = "ENCODING_DETECTION_FAILED"
	EncodingMixed                Code = "ENCODING_MIXED"
	ParseFixedLengthFailed       Code = "PARSE_FIXED_LENGTH_FAILED"
	ParseDelimiterFailed         Code = "PARSE_DELIMITER_FAILED"
	ParquetWriteFailed           Code = "PARQUET_WRITE_FAILED"
	ParquetDiskSpaceInsufficient Code = "PARQUET_DISK_SPACE_INSUFFICIENT"
	DownstreamAPIError           Code = "DOWNSTREAM_API_ERROR"
	TaskStateInconsistent        Code = "TASK_STATE_INCONSISTENT"
)

type spec struct {
	template  string
	category  Category
	retryable bool
}

// catalogue is the closed set of known codes. Templates use {name}
// placeholders resolved from Error.Fields; unresolved placeholders are
// left as-is so a missing parameter is visible rather than silent.
var catalogue = map[Code]spec{
	SFTPAuthFailed: {
		"SFTP connection failed: authentication rejected, check credentials",
		CategorySystem, true,
	},
	SFTPNetworkError: {
		"SFTP connection failed: network error, check connectivity and firewall rules",
		CategorySystem, true,
	},
	DBConnectionFailed: {
		"database connection failed: PostgreSQL is unreachable",
		CategorySystem, true,
	},
	DBPoolExhausted: {
		"database connection pool exhausted: all connections in use, check for leaks",
		CategorySystem, true,
	},
	AdvisoryLockFailed: {
		"advisory lock contention: another worker is processing this task",
		CategorySystem, false,
	},
	DownstreamConnectionFailed: {
		"downstream API unreachable: cannot connect to masking service",
		CategorySystem, true,
	},

	FileNotFound: {
		"file not found: {file_path}",
		CategoryProcessing, false,
	},
	FileReadFailed: {
		"file read failed: {file_path}: {reason}",
		CategoryProcessing, false,
	},
	EncodingDetectionFailed: {
		"encoding detection failed: content is not decodable as utf-8, big5 or gbk",
		CategoryProcessing, false,
	},
	EncodingMixed: {
		"mixed encoding: content cannot be decoded as {expected_encoding}",
		CategoryProcessing, false,
	},
	ParseFixedLengthFailed: {
		"fixed-length parse failed at line {line_number}: expected width {expected}, got {actual}",
		CategoryProcessing, false,
	},
	ParseDelimiterFailed: {
		"delimited parse failed at line {line_number}: delimiter '{delimiter}' token count mismatch",
		CategoryProcessing, false,
	},
	ParquetWriteFailed: {
		"parquet write failed: {reason}",
		CategoryProcessing, false,
	},
	ParquetDiskSpaceInsufficient: {
		"insufficient disk space writing {file_path}",
		CategoryProcessing, false,
	},
	DownstreamAPIError: {
		"downstream API error: HTTP {status_code}: {message}",
		CategoryProcessing, false,
	},
	TaskStateInconsistent: {
		"inconsistent task state: task {task_id} stuck in {status} for over {hours} hours",
		CategoryProcessing, false,
	},
}

// Codes returns every catalogue code in a stable order. Used by tests to
// assert the catalogue is closed.
func Codes() []Code {
	out := make([]Code, 0, len(catalogue))
	for c := range catalogue {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Category returns the category of a code. Unknown codes report as
// processing so a programming mistake fails one task, not the batch.
func (c Code) Category() Category {
	if s, ok := catalogue[c]; ok {
		return s.category
	}
	return CategoryProcessing
}

// Retryable reports whether the condition behind the code is transient.
func (c Code) Retryable() bool {
	return catalogue[c].retryable
}

// Template returns the raw message template for a code.
func (c Code) Template() string {
	return catalogue[c].template
}

// Error is a structured transformat error. Fields carries the template
// parameters in machine-readable form; rendering them into the template
// is purely a view for humans.
type Error struct {
	Code   Code
	TaskID string
	Fields map[string]any
	cause  error
}

// New builds an Error for the given code with optional template fields.
// Fields are given as alternating key/value pairs, slog-style.
func New(code Code, kv ...any) *Error {
	e := &Error{Code: code}
	e.set(kv)
	return e
}

// Wrap builds an Error that records the underlying cause for errors.Is /
// errors.As chains and for logs.
func Wrap(cause error, code Code, kv ...any) *Error {
	e := New(code, kv...)
	e.cause = cause
	return e
}

// WithTask pins the error to a task id. Returns the receiver for
// call-site chaining.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

func (e *Error) set(kv []any) {
	if len(kv) == 0 {
		return
	}
	if e.Fields == nil {
		e.Fields = make(map[string]any, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		e.Fields[key] = kv[i+1]
	}
}

// Error renders the catalogue template with the structured fields.
func (e *Error) Error() string {
	msg := render(catalogue[e.Code].template, e.Fields)
	if msg == "" {
		msg = string(e.Code)
	}
	return msg
}

// Label returns "CODE: rendered message", the form persisted into
// file_tasks.error_message so failed tasks keep a stable code label.
func (e *Error) Label() string {
	return string(e.Code) + ": " + e.Error()
}

// Category returns the category of the underlying code.
func (e *Error) Category() Category { return e.Code.Category() }

// Retryable reports whether the underlying code is retryable.
func (e *Error) Retryable() bool { return e.Code.Retryable() }

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Is matches against another *Error by code, so
// errors.Is(err, errcode.New(errcode.FileNotFound)) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func render(template string, fields map[string]any) string {
	if template == "" {
		return ""
	}
	if len(fields) == 0 {
		return template
	}
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		open := strings.IndexByte(template[i:], '{')
		if open < 0 {
			b.WriteString(template[i:])
			break
		}
		open += i
		closing := strings.IndexByte(template[open:], '}')
		if closing < 0 {
			b.WriteString(template[i:])
			break
		}
		closing += open
		b.WriteString(template[i:open])
		name := template[open+1 : closing]
		if v, ok := fields[name]; ok {
			b.WriteString(fmt.Sprint(v))
		} else {
			b.WriteString(template[open : closing+1])
		}
		i = closing + 1
	}
	return b.String()
}

// CodeOf extracts the catalogue code from an error chain. The boolean is
// false when the error does not originate from this package.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if AsError(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsSystem reports whether err is a system-category transformat error.
func IsSystem(err error) bool {
	var e *Error
	return AsError(err, &e) && e.Category() == CategorySystem
}

// IsProcessing reports whether err is a processing-category transformat
// error.
func IsProcessing(err error) bool {
	var e *Error
	return AsError(err, &e) && e.Category() == CategoryProcessing
}

// AsError is errors.As specialised to *Error; kept as a helper so call
// sites stay terse.
func AsError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// LogFields returns the slog key/value pairs every transformat error
// should carry in logs: the code label, category and retryability, plus
// the structured template parameters.
func (e *Error) LogFields() []any {
	out := []any{
		"error_code", string(e.Code),
		"category", string(e.Category()),
		"retryable", e.Retryable(),
	}
	if e.TaskID != "" {
		out = append(out, "task_id", e.TaskID)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k, e.Fields[k])
	}
	return out
}
