package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/pkg/errcode"
)

const fileRecordColumns = `id, file_name, source, encoding, format_type, delimiter, created_at, updated_at`

// FileRecordRepo owns the file_records table.
type FileRecordRepo struct {
	pool *pgxpool.Pool
}

// NewFileRecordRepo builds a file-record repository over the shared
// pool.
func NewFileRecordRepo(pool *pgxpool.Pool) *FileRecordRepo {
	return &FileRecordRepo{pool: pool}
}

func scanFileRecord(row pgx.Row) (*FileRecord, error) {
	var fr FileRecord
	err := row.Scan(
		&fr.ID,
		&fr.FileName,
		&fr.Source,
		&fr.Encoding,
		&fr.FormatType,
		&fr.Delimiter,
		&fr.CreatedAt,
		&fr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &fr, nil
}

// validateFileRecord runs the checks that must fail before any database
// traffic happens.
func validateFileRecord(fileName, encoding, formatType string, delimiter *string) error {
	if encoding != "utf-8" && encoding != "big5" {
		return errcode.New(errcode.FileReadFailed,
			"file_path", fileName,
			"reason", fmt.Sprintf("unsupported encoding %q", encoding))
	}
	if formatType != FormatDelimited && formatType != FormatFixedLength {
		return errcode.New(errcode.FileReadFailed,
			"file_path", fileName,
			"reason", fmt.Sprintf("unsupported format type %q", formatType))
	}
	if formatType == FormatDelimited && (delimiter == nil || *delimiter == "") {
		return errcode.New(errcode.FileReadFailed,
			"file_path", fileName,
			"reason", "delimited format requires a delimiter")
	}
	return nil
}

// Insert adds a file record, or returns the existing row unchanged when
// the file name is already registered.
func (r *FileRecordRepo) Insert(ctx context.Context, fileName string, source *string, encoding, formatType string, delimiter *string) (*FileRecord, error) {
	if err := validateFileRecord(fileName, encoding, formatType, delimiter); err != nil {
		return nil, err
	}

	insert := `
		INSERT INTO file_records (file_name, source, encoding, format_type, delimiter)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_name) DO NOTHING
		RETURNING ` + fileRecordColumns

	fr, err := scanFileRecord(r.pool.QueryRow(ctx, insert, fileName, source, encoding, formatType, delimiter))
	if errors.Is(err, pgx.ErrNoRows) {
		// Name already registered; hand back the existing row.
		return r.GetByName(ctx, fileName)
	}
	if err != nil {
		return nil, dbErr(err, "insert file record")
	}
	logger.Info("file record inserted",
		logger.KeyFileName, fileName,
		logger.KeyFileRecordID, fr.ID)
	return fr, nil
}

// GetByName fetches a record by its unique file name. Returns
// (nil, nil) when absent.
func (r *FileRecordRepo) GetByName(ctx context.Context, fileName string) (*FileRecord, error) {
	query := `SELECT ` + fileRecordColumns + ` FROM file_records WHERE file_name = $1`
	fr, err := scanFileRecord(r.pool.QueryRow(ctx, query, fileName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get file record by name")
	}
	return fr, nil
}

// GetByID fetches a record by surrogate id. Returns (nil, nil) when
// absent.
func (r *FileRecordRepo) GetByID(ctx context.Context, id int64) (*FileRecord, error) {
	query := `SELECT ` + fileRecordColumns + ` FROM file_records WHERE id = $1`
	fr, err := scanFileRecord(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get file record by id")
	}
	return fr, nil
}

// ListPending lists file records that have no completed task yet,
// oldest first.
func (r *FileRecordRepo) ListPending(ctx context.Context, limit int) ([]FileRecord, error) {
	query := `
		SELECT fr.id, fr.file_name, fr.source, fr.encoding, fr.format_type, fr.delimiter, fr.created_at, fr.updated_at
		FROM file_records fr
		LEFT JOIN file_tasks ft ON fr.id = ft.file_record_id AND ft.status = 'completed'
		WHERE ft.task_id IS NULL
		ORDER BY fr.created_at ASC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, dbErr(err, "list pending file records")
	}
	defer rows.Close()

	var records []FileRecord
	for rows.Next() {
		fr, serr := scanFileRecord(rows)
		if serr != nil {
			return nil, dbErr(serr, "list pending file records")
		}
		records = append(records, *fr)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "list pending file records")
	}
	return records, nil
}
