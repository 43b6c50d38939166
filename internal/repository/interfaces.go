// Package repository provides data access for voxdub models.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/voxdub/voxdub/internal/models"
)

// ErrTaskNotFound is returned when an operation targets an unknown task.
var ErrTaskNotFound = errors.New("task not found")

// TaskRepository is the sole authority over durable task state.
type TaskRepository interface {
	// Create persists a new task.
	Create(ctx context.Context, task *models.Task) error

	// GetByID retrieves a task by ID. Returns (nil, nil) when not found.
	GetByID(ctx context.Context, id models.ULID) (*models.Task, error)

	// List returns tasks ordered newest-first plus the total count.
	List(ctx context.Context, offset, limit int) ([]*models.Task, int64, error)

	// Update persists the full task row.
	Update(ctx context.Context, task *models.Task) error

	// Delete removes the task row. The caller is responsible for removing
	// the task's file tree afterwards.
	Delete(ctx context.Context, id models.ULID) error

	// UpdateStageStatus applies a partial stage update under a per-task
	// serialization and a row transaction: it re-reads the current
	// language status, merges the delta, recomputes the overall status,
	// and writes back. Returns the merged task.
	UpdateStageStatus(ctx context.Context, id models.ULID, language string, stage models.Stage, delta models.StageUpdate) (*models.Task, error)

	// SetSubtitlePresent records that a source subtitle has been stored.
	SetSubtitlePresent(ctx context.Context, id models.ULID, present bool) error

	// FailInterrupted relabels every stage left in processing as failed
	// with the given message. Used during startup recovery. Returns the
	// number of tasks touched.
	FailInterrupted(ctx context.Context, message string) (int, error)
}

// ProcessingLogRepository stores the append-only progress audit trail.
type ProcessingLogRepository interface {
	// Append adds one log row.
	Append(ctx context.Context, entry *models.ProcessingLog) error

	// ListByTask returns a task's log rows, newest first.
	ListByTask(ctx context.Context, taskID models.ULID, limit int) ([]*models.ProcessingLog, error)

	// DeleteOlderThan prunes rows created before the given time.
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
