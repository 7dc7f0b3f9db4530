// Package worker drives the transformation pipeline: the orchestrator
// recovers and drains the task queue, the processor runs one task end
// to end.
package worker

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/internal/telemetry"
	"github.com/boa-dtp/transformat/pkg/columnar"
	"github.com/boa-dtp/transformat/pkg/config"
	"github.com/boa-dtp/transformat/pkg/convert"
	"github.com/boa-dtp/transformat/pkg/downstream"
	"github.com/boa-dtp/transformat/pkg/encoding"
	"github.com/boa-dtp/transformat/pkg/errcode"
	"github.com/boa-dtp/transformat/pkg/metrics"
	"github.com/boa-dtp/transformat/pkg/parser"
	"github.com/boa-dtp/transformat/pkg/repository"
	"github.com/boa-dtp/transformat/pkg/transfer"
)

// TaskStore is the slice of the task repository the worker consumes.
type TaskStore interface {
	GetByID(ctx context.Context, taskID string) (*repository.FileTask, error)
	UpdateStatus(ctx context.Context, taskID string, status repository.TaskStatus, errorMessage *string) (*repository.FileTask, error)
	GetPending(ctx context.Context, limit int) ([]repository.FileTask, error)
	GetStaleProcessing(ctx context.Context, hours int) ([]repository.FileTask, error)
	ResetToPending(ctx context.Context, taskID string) (*repository.FileTask, error)
}

// FileRecordStore resolves file records.
type FileRecordStore interface {
	GetByID(ctx context.Context, id int64) (*repository.FileRecord, error)
}

// FieldDefStore resolves per-file schemas.
type FieldDefStore interface {
	GetByFileName(ctx context.Context, fileName string) ([]repository.FieldDefinition, error)
}

// Dialer opens a fresh transfer session. Sessions are per task, never
// shared.
type Dialer func() (transfer.Reader, error)

// Masker submits masking jobs downstream.
type Masker interface {
	SubmitMasking(ctx context.Context, req downstream.MaskRequest) (*downstream.MaskResponse, error)
}

// Processor runs the single-task pipeline.
type Processor struct {
	tasks       TaskStore
	records     FileRecordStore
	fields      FieldDefStore
	dial        Dialer
	masker      Masker
	paths       config.PathsConfig
	streamBatch int
	metrics     *metrics.WorkerMetrics
}

// NewProcessor wires the pipeline dependencies together.
func NewProcessor(tasks TaskStore, records FileRecordStore, fields FieldDefStore, dial Dialer, masker Masker, paths config.PathsConfig, streamBatch int, m *metrics.WorkerMetrics) *Processor {
	return &Processor{
		tasks:       tasks,
		records:     records,
		fields:      fields,
		dial:        dial,
		masker:      masker,
		paths:       paths,
		streamBatch: streamBatch,
		metrics:     m,
	}
}

// Process runs one task end to end. On any pipeline error the task is
// marked failed with the error label and the error is rethrown for the
// orchestrator to classify.
func (p *Processor) Process(ctx context.Context, taskID string) error {
	ctx, span := telemetry.StartTaskSpan(ctx, "task.process", taskID, "")
	defer span.End()

	if err := p.run(ctx, taskID); err != nil {
		telemetry.RecordError(ctx, err)
		msg := errorLabel(err)
		if _, uerr := p.tasks.UpdateStatus(ctx, taskID, repository.StatusFailed, &msg); uerr != nil {
			logger.Error("could not mark task failed",
				logger.KeyTaskID, taskID,
				"error", uerr.Error())
		}
		return err
	}
	return nil
}

func (p *Processor) run(ctx context.Context, taskID string) error {
	task, err := p.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return errcode.New(errcode.FileNotFound,
			"file_path", taskID).WithTask(taskID)
	}

	record, err := p.records.GetByID(ctx, task.FileRecordID)
	if err != nil {
		return err
	}
	if record == nil {
		return errcode.New(errcode.FileNotFound,
			"file_path", task.FileName).WithTask(taskID)
	}

	if _, err := p.tasks.UpdateStatus(ctx, taskID, repository.StatusProcessing, nil); err != nil {
		return err
	}
	logger.Info("processing file",
		logger.KeyTaskID, taskID,
		logger.KeyFileName, task.FileName,
		logger.KeyFormatType, record.FormatType)
	telemetry.SetAttributes(ctx,
		telemetry.String(telemetry.AttrFileName, task.FileName),
		telemetry.String(telemetry.AttrFileFormat, record.FormatType),
		telemetry.Int64(telemetry.AttrFileRecordID, task.FileRecordID))

	data, err := p.fetchFile(task.FileName, taskID)
	if err != nil {
		return err
	}
	p.metrics.BytesFetched(int64(len(data)))
	telemetry.SetAttributes(ctx, telemetry.Int64(telemetry.AttrFileBytes, int64(len(data))))

	detected, err := encoding.Detect(data, taskID)
	if err != nil {
		return err
	}
	if detected != record.Encoding {
		logger.Warn("declared encoding differs from detected",
			logger.KeyTaskID, taskID,
			logger.KeyFileName, task.FileName,
			"declared", record.Encoding,
			"detected", detected)
	}

	text, err := encoding.Decode(data, record.Encoding, taskID)
	if err != nil {
		return err
	}

	defs, err := p.fields.GetByFileName(ctx, task.FileName)
	if err != nil {
		return err
	}
	fields := parserFields(defs)

	var stream *parser.Stream
	if record.FormatType == repository.FormatFixedLength {
		stream = parser.NewFixedWidth(text, fields, taskID)
	} else {
		delimiter := ""
		if record.Delimiter != nil {
			delimiter = *record.Delimiter
		}
		stream = parser.NewDelimited(text, delimiter, fields, taskID)
	}

	outputPath := p.outputPath(task.FileName)
	rows, err := columnar.Write(outputPath, fields, stream, p.streamBatch, taskID)
	if err != nil {
		return err
	}
	p.metrics.RowsWritten(rows)
	logger.Info("columnar output written",
		logger.KeyTaskID, taskID,
		logger.KeyOutputPath, outputPath,
		logger.KeyRows, rows)
	telemetry.SetAttributes(ctx,
		telemetry.String(telemetry.AttrOutputPath, outputPath),
		telemetry.Int64(telemetry.AttrOutputRows, rows))

	p.submitMasking(ctx, taskID, defs, outputPath)

	if _, err := p.tasks.UpdateStatus(ctx, taskID, repository.StatusCompleted, nil); err != nil {
		return err
	}
	logger.Info("file processed",
		logger.KeyTaskID, taskID,
		logger.KeyFileName, task.FileName)
	return nil
}

// fetchFile reads the whole remote file inside a session scoped to this
// call.
func (p *Processor) fetchFile(fileName, taskID string) ([]byte, error) {
	session, err := p.dial()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	remotePath := strings.TrimRight(p.paths.InputDir, "/") + "/" + fileName
	return session.ReadFile(remotePath, taskID)
}

// submitMasking is best-effort: any failure is logged and the task
// still completes.
func (p *Processor) submitMasking(ctx context.Context, taskID string, defs []repository.FieldDefinition, outputPath string) {
	configs := make([]downstream.FieldConfig, len(defs))
	for i, d := range defs {
		configs[i] = downstream.FieldConfig{
			FieldName:     d.FieldName,
			TransformType: d.TransformType,
		}
	}

	_, err := p.masker.SubmitMasking(ctx, downstream.MaskRequest{
		TaskID:         taskID,
		InputFilePath:  outputPath,
		OutputFilePath: maskedPath(outputPath),
		FieldConfigs:   configs,
	})
	if err != nil {
		logger.Warn("masking submission failed, continuing",
			append([]any{logger.KeyTaskID, taskID}, errorFields(err)...)...)
	}
}

// outputPath derives <output_dir>/<basename-without-extension>.parquet.
func (p *Processor) outputPath(fileName string) string {
	stem := strings.TrimSuffix(fileName, filepath.Ext(fileName))
	return filepath.Join(p.paths.OutputDir, stem+".parquet")
}

func maskedPath(outputPath string) string {
	return strings.TrimSuffix(outputPath, ".parquet") + "_masked.parquet"
}

func parserFields(defs []repository.FieldDefinition) []parser.Field {
	fields := make([]parser.Field, len(defs))
	for i, d := range defs {
		fields[i] = parser.Field{
			Name:      d.FieldName,
			Type:      convert.KindOf(d.FieldType),
			Transform: d.TransformType,
			Start:     d.StartPosition,
			Length:    d.FieldLength,
		}
	}
	return fields
}

// errorLabel renders the message persisted into error_message, keeping
// the stable code prefix for catalogue errors.
func errorLabel(err error) string {
	var e *errcode.Error
	if errcode.AsError(err, &e) {
		return e.Label()
	}
	return err.Error()
}

// errorFields extracts structured log fields from an error.
func errorFields(err error) []any {
	var e *errcode.Error
	if errcode.AsError(err, &e) {
		return e.LogFields()
	}
	return []any{"error", err.Error()}
}
