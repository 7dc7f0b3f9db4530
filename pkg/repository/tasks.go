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

const taskColumns = `task_id, file_record_id, file_name, status,
	started_at, completed_at, error_message, previous_failed_task_id`

// TaskRepo owns the file_tasks table.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo builds a task repository over the shared pool.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func scanTask(row pgx.Row) (*FileTask, error) {
	var t FileTask
	err := row.Scan(
		&t.TaskID,
		&t.FileRecordID,
		&t.FileName,
		&t.Status,
		&t.StartedAt,
		&t.CompletedAt,
		&t.ErrorMessage,
		&t.PreviousFailedTaskID,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new task in pending state. previousFailedTaskID
// links a retry to the attempt it replaces; pass nil for a first run.
func (r *TaskRepo) Create(ctx context.Context, taskID string, fileRecordID int64, fileName string, previousFailedTaskID *string) (*FileTask, error) {
	query := `
		INSERT INTO file_tasks (task_id, file_record_id, file_name, status, previous_failed_task_id)
		VALUES ($1, $2, $3, 'pending', $4)
		RETURNING ` + taskColumns

	t, err := scanTask(r.pool.QueryRow(ctx, query, taskID, fileRecordID, fileName, previousFailedTaskID))
	if err != nil {
		return nil, dbErr(err, "create task")
	}
	logger.Info("task created",
		logger.KeyTaskID, taskID,
		logger.KeyFileName, fileName,
		logger.KeyFileRecordID, fileRecordID)
	return t, nil
}

// GetByID fetches one task. Returns (nil, nil) when the id is unknown.
func (r *TaskRepo) GetByID(ctx context.Context, taskID string) (*FileTask, error) {
	query := `SELECT ` + taskColumns + ` FROM file_tasks WHERE task_id = $1`
	t, err := scanTask(r.pool.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "get task")
	}
	return t, nil
}

// UpdateStatus moves a task to a new state and applies the timestamp
// policy: entering processing stamps started_at, reaching a terminal
// state stamps completed_at.
func (r *TaskRepo) UpdateStatus(ctx context.Context, taskID string, status TaskStatus, errorMessage *string) (*FileTask, error) {
	if !ValidStatus(status) {
		return nil, errcode.New(errcode.FileReadFailed,
			"file_path", taskID,
			"reason", fmt.Sprintf("unsupported task status %q", status)).WithTask(taskID)
	}

	var query string
	switch status {
	case StatusProcessing:
		query = `
			UPDATE file_tasks
			SET status = $1, started_at = NOW(), error_message = $2
			WHERE task_id = $3
			RETURNING ` + taskColumns
	case StatusCompleted, StatusFailed:
		query = `
			UPDATE file_tasks
			SET status = $1, completed_at = NOW(), error_message = $2
			WHERE task_id = $3
			RETURNING ` + taskColumns
	default:
		query = `
			UPDATE file_tasks
			SET status = $1, error_message = $2
			WHERE task_id = $3
			RETURNING ` + taskColumns
	}

	t, err := scanTask(r.pool.QueryRow(ctx, query, status, errorMessage, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errcode.New(errcode.FileNotFound,
			"file_path", taskID).WithTask(taskID)
	}
	if err != nil {
		return nil, dbErr(err, "update task status")
	}
	logger.Info("task status updated",
		logger.KeyTaskID, taskID,
		logger.KeyStatus, string(status))
	return t, nil
}

// GetPending lists pending tasks ordered by task_id ascending, which is
// also creation order given the id format.
func (r *TaskRepo) GetPending(ctx context.Context, limit int) ([]FileTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM file_tasks
		WHERE status = 'pending'
		ORDER BY task_id ASC
		LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, dbErr(err, "get pending tasks")
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, dbErr(err, "get pending tasks")
	}
	logger.Debug("pending tasks fetched", "count", len(tasks))
	return tasks, nil
}

// GetStaleProcessing lists tasks stuck in processing longer than the
// given number of hours.
func (r *TaskRepo) GetStaleProcessing(ctx context.Context, hours int) ([]FileTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM file_tasks
		WHERE status = 'processing'
		  AND started_at < NOW() - make_interval(hours => $1)
		ORDER BY started_at ASC`

	rows, err := r.pool.Query(ctx, query, hours)
	if err != nil {
		return nil, dbErr(err, "get stale tasks")
	}
	defer rows.Close()

	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, dbErr(err, "get stale tasks")
	}
	if len(tasks) > 0 {
		logger.Debug("stale processing tasks found",
			"count", len(tasks), "hours", hours)
	}
	return tasks, nil
}

// ResetToPending puts a stale task back in the queue, clearing every
// per-attempt field.
func (r *TaskRepo) ResetToPending(ctx context.Context, taskID string) (*FileTask, error) {
	query := `
		UPDATE file_tasks
		SET status = 'pending', started_at = NULL, completed_at = NULL, error_message = NULL
		WHERE task_id = $1
		RETURNING ` + taskColumns

	t, err := scanTask(r.pool.QueryRow(ctx, query, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errcode.New(errcode.FileNotFound,
			"file_path", taskID).WithTask(taskID)
	}
	if err != nil {
		return nil, dbErr(err, "reset task to pending")
	}
	logger.Info("task reset to pending", logger.KeyTaskID, taskID)
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]FileTask, error) {
	var tasks []FileTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
