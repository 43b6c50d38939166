package progress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/runlock"
)

// Bus is the single entry point for stage progress. Publish applies the
// update durably, appends the audit log, refreshes the global run record,
// and only then fans the event out to subscribers.
type Bus struct {
	tasks    repository.TaskRepository
	logs     repository.ProcessingLogRepository
	lock     *runlock.Lock
	registry *Registry
	logger   *slog.Logger
}

// NewBus wires the bus to its collaborators.
func NewBus(
	tasks repository.TaskRepository,
	logs repository.ProcessingLogRepository,
	lock *runlock.Lock,
	registry *Registry,
	logger *slog.Logger,
) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		tasks:    tasks,
		logs:     logs,
		lock:     lock,
		registry: registry,
		logger:   logger.With(slog.String("component", "progress_bus")),
	}
}

// Registry returns the subscriber registry the bus broadcasts through.
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Publish records one progress observation for (task, language, stage) and
// broadcasts the merged state. The durable write must succeed; log-append
// and broadcast failures are reported but never undo it.
func (b *Bus) Publish(
	ctx context.Context,
	taskID models.ULID,
	language string,
	stage models.Stage,
	status models.StageStatus,
	progress int,
	message string,
) (*models.Task, error) {
	delta := models.StageUpdate{
		Status:   &status,
		Progress: &progress,
	}
	if message != "" {
		delta.Message = &message
	}

	task, err := b.tasks.UpdateStageStatus(ctx, taskID, language, stage, delta)
	if err != nil {
		return nil, fmt.Errorf("recording stage progress: %w", err)
	}
	merged := task.StageStateFor(language, stage)

	if err := b.logs.Append(ctx, &models.ProcessingLog{
		TaskID:   taskID,
		Language: language,
		Stage:    stage,
		Status:   merged.Status,
		Progress: merged.Progress,
		Message:  message,
	}); err != nil {
		b.logger.Warn("processing log append failed",
			slog.String("task_id", taskID.String()),
			slog.String("error", err.Error()),
		)
	}

	if status.IsTerminal() {
		b.lock.ClearIf(taskID.String(), language, stage)
	} else {
		b.lock.RecordProgress(taskID.String(), language, stage, merged.Progress, message)
	}

	b.registry.Broadcast(taskID.String(), Event{
		Type:     EventTypeProgress,
		TaskID:   taskID.String(),
		Language: language,
		Stage:    stage,
		Status:   merged.Status,
		Progress: merged.Progress,
		Message:  merged.Message,
	})

	return task, nil
}

// PublishBatchState broadcasts a scheduler snapshot to the task's
// subscribers. Batch state is in-memory bookkeeping, so nothing is written.
func (b *Bus) PublishBatchState(taskID models.ULID, snapshot any) {
	b.registry.Broadcast(taskID.String(), Event{
		Type:   EventTypeBatchState,
		TaskID: taskID.String(),
		Batch:  snapshot,
	})
}
