// Package columnar materialises a record stream into a single parquet
// file. Rows are buffered into fixed-size batches and each batch is
// flushed as one row group. The output file is created lazily on the
// first flush, so a zero-record stream produces no file at all.
package columnar

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/pkg/convert"
	"github.com/boa-dtp/transformat/pkg/errcode"
	"github.com/boa-dtp/transformat/pkg/parser"
)

// DefaultBatchSize is the number of rows buffered per row group.
const DefaultBatchSize = 30000

// TransformTypesKey is the schema-level metadata entry carrying the
// field_name to transform_type mapping for downstream masking.
const TransformTypesKey = "transform_types"

// timestampFormat is the textual form timestamps take in the output.
const timestampFormat = "2006-01-02 15:04:05"

// RecordSource is the stream contract the writer consumes. Satisfied by
// *parser.Stream.
type RecordSource interface {
	Next() bool
	Record() parser.Record
	Err() error
}

// NewSchema builds the arrow schema for an ordered field list. Integer
// fields map to 64-bit signed, double to 64-bit float, timestamp keeps
// its textual form, everything else is text. All columns are nullable.
func NewSchema(fields []parser.Field) *arrow.Schema {
	cols := make([]arrow.Field, len(fields))
	transforms := make(map[string]string, len(fields))
	for i, f := range fields {
		var dt arrow.DataType
		switch f.Type {
		case convert.KindInt:
			dt = arrow.PrimitiveTypes.Int64
		case convert.KindDouble:
			dt = arrow.PrimitiveTypes.Float64
		default:
			dt = arrow.BinaryTypes.String
		}
		cols[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: true}
		transforms[f.Name] = f.Transform
	}
	encoded, _ := json.Marshal(transforms)
	md := arrow.NewMetadata([]string{TransformTypesKey}, []string{string(encoded)})
	return arrow.NewSchema(cols, &md)
}

// Write drains the source into a parquet file at path. Returns the
// number of rows written. The writer and file are closed on every exit
// path; stream errors propagate unchanged, write failures map to the
// parquet error codes.
func Write(path string, fields []parser.Field, src RecordSource, batchSize int, taskID string) (rows int64, err error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	schema := NewSchema(fields)

	rb := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer rb.Release()

	var (
		file   *os.File
		writer *pqarrow.FileWriter
	)
	defer func() {
		if writer != nil {
			if cerr := writer.Close(); cerr != nil && err == nil {
				err = wrapWrite(cerr, path, taskID)
			}
			// pqarrow's Close also closes the underlying file.
			return
		}
		if file != nil {
			file.Close()
		}
	}()

	flush := func(pending int) error {
		if writer == nil {
			f, cerr := os.Create(path)
			if cerr != nil {
				return wrapWrite(cerr, path, taskID)
			}
			file = f
			props := parquet.NewWriterProperties(
				parquet.WithVersion(parquet.V2_LATEST),
				parquet.WithCompression(compress.Codecs.Zstd),
			)
			arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())
			w, cerr := pqarrow.NewFileWriter(schema, file, props, arrowProps)
			if cerr != nil {
				return wrapWrite(cerr, path, taskID)
			}
			writer = w
		}
		rec := rb.NewRecord()
		defer rec.Release()
		if werr := writer.Write(rec); werr != nil {
			return wrapWrite(werr, path, taskID)
		}
		logger.Debug("row group flushed",
			logger.KeyOutputPath, path,
			logger.KeyRows, pending,
			logger.KeyTaskID, taskID)
		return nil
	}

	pending := 0
	for src.Next() {
		if aerr := appendRecord(rb, src.Record()); aerr != nil {
			return rows, errcode.Wrap(aerr, errcode.ParquetWriteFailed,
				"reason", aerr.Error()).WithTask(taskID)
		}
		pending++
		if pending == batchSize {
			if ferr := flush(pending); ferr != nil {
				return rows, ferr
			}
			rows += int64(pending)
			pending = 0
		}
	}
	if serr := src.Err(); serr != nil {
		return rows, serr
	}
	if pending > 0 {
		if ferr := flush(pending); ferr != nil {
			return rows, ferr
		}
		rows += int64(pending)
	}
	return rows, nil
}

// appendRecord pushes one record's values onto the column builders. Nil
// values become column nulls.
func appendRecord(rb *array.RecordBuilder, rec parser.Record) error {
	for i, v := range rec.Values {
		b := rb.Field(i)
		if v == nil {
			b.AppendNull()
			continue
		}
		switch fb := b.(type) {
		case *array.Int64Builder:
			n, ok := v.(int64)
			if !ok {
				return fmt.Errorf("field %s: expected int64, got %T", rec.Fields[i].Name, v)
			}
			fb.Append(n)
		case *array.Float64Builder:
			f, ok := v.(float64)
			if !ok {
				return fmt.Errorf("field %s: expected float64, got %T", rec.Fields[i].Name, v)
			}
			fb.Append(f)
		case *array.StringBuilder:
			switch s := v.(type) {
			case string:
				fb.Append(s)
			case time.Time:
				fb.Append(s.Format(timestampFormat))
			default:
				fb.Append(fmt.Sprint(s))
			}
		default:
			return fmt.Errorf("field %s: unsupported builder %T", rec.Fields[i].Name, b)
		}
	}
	return nil
}

func wrapWrite(err error, path, taskID string) error {
	if errors.Is(err, syscall.ENOSPC) {
		return errcode.Wrap(err, errcode.ParquetDiskSpaceInsufficient,
			"file_path", path).WithTask(taskID)
	}
	return errcode.Wrap(err, errcode.ParquetWriteFailed,
		"reason", err.Error(), "file_path", path).WithTask(taskID)
}
