package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FieldDefRepo owns the field_definitions table.
type FieldDefRepo struct {
	pool *pgxpool.Pool
}

// NewFieldDefRepo builds a field-definition repository over the shared
// pool.
func NewFieldDefRepo(pool *pgxpool.Pool) *FieldDefRepo {
	return &FieldDefRepo{pool: pool}
}

// GetByFileName returns a file's column schema ordered by sequence.
// Rows predating the transform_type column report as plain.
func (r *FieldDefRepo) GetByFileName(ctx context.Context, fileName string) ([]FieldDefinition, error) {
	query := `
		SELECT id, file_name, field_name, sequence, field_type,
		       start_position, field_length,
		       COALESCE(transform_type, 'plain') AS transform_type
		FROM field_definitions
		WHERE file_name = $1
		ORDER BY sequence ASC`

	rows, err := r.pool.Query(ctx, query, fileName)
	if err != nil {
		return nil, dbErr(err, "get field definitions")
	}
	defer rows.Close()

	var defs []FieldDefinition
	for rows.Next() {
		var d FieldDefinition
		if serr := rows.Scan(
			&d.ID,
			&d.FileName,
			&d.FieldName,
			&d.Sequence,
			&d.FieldType,
			&d.StartPosition,
			&d.FieldLength,
			&d.TransformType,
		); serr != nil {
			return nil, dbErr(serr, "get field definitions")
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "get field definitions")
	}
	return defs, nil
}
