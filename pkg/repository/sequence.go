package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boa-dtp/transformat/internal/logger"
)

// SequenceRepo allocates per-date task id serials from the
// task_sequences table.
type SequenceRepo struct {
	pool *pgxpool.Pool
}

// NewSequenceRepo builds a sequence repository over the shared pool.
func NewSequenceRepo(pool *pgxpool.Pool) *SequenceRepo {
	return &SequenceRepo{pool: pool}
}

// FormatTaskID renders the canonical task id for a date and serial.
// Padding is four digits; serials past 9999 simply widen the id.
func FormatTaskID(date time.Time, serial int) string {
	return fmt.Sprintf("transformat_%s%04d", date.Format("20060102"), serial)
}

// GenerateTaskID atomically allocates the next serial for the given
// date. The date row is taken with an exclusive row lock inside one
// transaction, so concurrent workers never observe the same serial.
func (r *SequenceRepo) GenerateTaskID(ctx context.Context, date time.Time) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", dbErr(err, "generate task id")
	}
	defer tx.Rollback(ctx)

	day := date.Format("2006-01-02")

	var current int
	err = tx.QueryRow(ctx,
		`SELECT current_value FROM task_sequences WHERE sequence_date = $1 FOR UPDATE`,
		day,
	).Scan(&current)

	var next int
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		next = 1
		if _, err := tx.Exec(ctx,
			`INSERT INTO task_sequences (sequence_date, current_value) VALUES ($1, $2)`,
			day, next,
		); err != nil {
			return "", dbErr(err, "generate task id")
		}
	case err != nil:
		return "", dbErr(err, "generate task id")
	default:
		next = current + 1
		if _, err := tx.Exec(ctx,
			`UPDATE task_sequences SET current_value = $1 WHERE sequence_date = $2`,
			next, day,
		); err != nil {
			return "", dbErr(err, "generate task id")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", dbErr(err, "generate task id")
	}

	taskID := FormatTaskID(date, next)
	logger.Info("task id allocated",
		logger.KeyTaskID, taskID,
		"sequence_date", day,
		"serial", next)
	return taskID, nil
}
