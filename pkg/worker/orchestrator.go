package worker

import (
	"context"
	"time"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/internal/telemetry"
	"github.com/boa-dtp/transformat/pkg/errcode"
	"github.com/boa-dtp/transformat/pkg/metrics"
	"github.com/boa-dtp/transformat/pkg/repository"
)

// Locker guards one file record for the duration of a task.
type Locker interface {
	Acquire(ctx context.Context, fileRecordID int64, timeout time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory yields a fresh Locker per task. A lock pins a dedicated
// database connection, so managers are never reused across tasks.
type LockFactory func() Locker

// TaskProcessor runs one task end to end.
type TaskProcessor interface {
	Process(ctx context.Context, taskID string) error
}

// Orchestrator recovers stale work and drains one batch of pending
// tasks per run.
type Orchestrator struct {
	tasks      TaskStore
	newLock    LockFactory
	processor  TaskProcessor
	batchSize  int
	staleHours int
	metrics    *metrics.WorkerMetrics
}

// NewOrchestrator wires the batch loop.
func NewOrchestrator(tasks TaskStore, newLock LockFactory, processor TaskProcessor, batchSize, staleHours int, m *metrics.WorkerMetrics) *Orchestrator {
	return &Orchestrator{
		tasks:      tasks,
		newLock:    newLock,
		processor:  processor,
		batchSize:  batchSize,
		staleHours: staleHours,
		metrics:    m,
	}
}

// BatchResult reports one drain of the queue.
type BatchResult struct {
	Succeeded int
	Failed    int
	Skipped   int
	Recovered int
}

// Run executes one cycle: recover stale processing tasks, then drain
// up to batchSize pending tasks. A system error aborts the remainder
// of the batch; processing errors fail only their task. The returned
// error is non-nil only when the queue itself is unreachable.
func (o *Orchestrator) Run(ctx context.Context) (BatchResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "batch.run")
	defer span.End()

	var result BatchResult
	result.Recovered = o.recoverStale(ctx)

	pending, err := o.tasks.GetPending(ctx, o.batchSize)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return result, err
	}
	if len(pending) == 0 {
		logger.Info("no pending tasks")
		return result, nil
	}
	logger.Info("draining pending tasks", "count", len(pending))

	for _, task := range pending {
		outcome := o.runTask(ctx, task)
		switch outcome {
		case taskSucceeded:
			result.Succeeded++
		case taskSkipped:
			result.Skipped++
		case taskFailed:
			result.Failed++
		case taskFailedSystem:
			result.Failed++
		}
		if outcome == taskFailedSystem {
			logger.Error("system error, aborting remainder of batch",
				logger.KeyTaskID, task.TaskID)
			break
		}
	}

	logger.Info("batch finished",
		logger.KeySucceeded, result.Succeeded,
		logger.KeyFailed, result.Failed,
		logger.KeySkipped, result.Skipped)
	return result, nil
}

type taskOutcome int

const (
	taskSucceeded taskOutcome = iota
	taskSkipped
	taskFailed
	taskFailedSystem
)

// runTask brackets one task in its advisory lock. Lock contention is a
// skip, never a failure.
func (o *Orchestrator) runTask(ctx context.Context, task repository.FileTask) taskOutcome {
	lk := o.newLock()
	acquired, err := lk.Acquire(ctx, task.FileRecordID, 0)
	if err != nil {
		logger.Error("lock acquisition failed",
			append([]any{logger.KeyTaskID, task.TaskID}, errorFields(err)...)...)
		o.metrics.TaskFailed(0)
		return taskFailedSystem
	}
	if !acquired {
		logger.Info("task locked by another worker, skipping",
			logger.KeyTaskID, task.TaskID,
			logger.KeyFileRecordID, task.FileRecordID)
		o.metrics.TaskSkipped()
		return taskSkipped
	}

	start := time.Now()
	err = func() error {
		defer func() {
			if rerr := lk.Release(ctx); rerr != nil {
				logger.Error("lock release failed",
					logger.KeyTaskID, task.TaskID,
					"error", rerr.Error())
			}
		}()
		return o.processor.Process(ctx, task.TaskID)
	}()
	elapsed := time.Since(start).Seconds()

	if err == nil {
		o.metrics.TaskSucceeded(elapsed)
		return taskSucceeded
	}

	logger.Error("task failed",
		append([]any{logger.KeyTaskID, task.TaskID, logger.KeyDurationMs, int64(elapsed * 1000)}, errorFields(err)...)...)
	o.metrics.TaskFailed(elapsed)
	if errcode.IsSystem(err) {
		return taskFailedSystem
	}
	return taskFailed
}

// recoverStale resets processing tasks older than the stale threshold
// back to pending. Failures here are logged and never abort the run.
func (o *Orchestrator) recoverStale(ctx context.Context) int {
	stale, err := o.tasks.GetStaleProcessing(ctx, o.staleHours)
	if err != nil {
		logger.Error("stale task scan failed", "error", err.Error())
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	recovered := 0
	for _, task := range stale {
		if _, err := o.tasks.ResetToPending(ctx, task.TaskID); err != nil {
			logger.Error("stale task reset failed",
				logger.KeyTaskID, task.TaskID,
				"error", err.Error())
			continue
		}
		logger.Warn("stale processing task reset to pending",
			logger.KeyTaskID, task.TaskID,
			logger.KeyFileName, task.FileName,
			"stale_hours", o.staleHours)
		o.metrics.TaskRecovered()
		recovered++
	}
	return recovered
}
