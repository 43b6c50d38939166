package repository

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/voxdub/voxdub/internal/models"
)

// taskRepo implements TaskRepository using GORM.
//
// Stage updates are serialized per task with a local mutex in addition to
// the row transaction: two concurrent publishers for the same task must not
// interleave their read-merge-write cycles.
type taskRepo struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[models.ULID]*sync.Mutex
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *gorm.DB) *taskRepo {
	return &taskRepo{db: db, locks: make(map[models.ULID]*sync.Mutex)}
}

// taskLock returns the mutex serializing updates for one task.
func (r *taskRepo) taskLock(id models.ULID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// dropTaskLock releases the per-task mutex entry after a delete.
func (r *taskRepo) dropTaskLock(id models.ULID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.locks, id)
}

// Create persists a new task.
func (r *taskRepo) Create(ctx context.Context, task *models.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// GetByID retrieves a task by ID. Returns (nil, nil) when not found.
func (r *taskRepo) GetByID(ctx context.Context, id models.ULID) (*models.Task, error) {
	var task models.Task
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting task by ID: %w", err)
	}
	return &task, nil
}

// List returns tasks ordered newest-first plus the total count.
func (r *taskRepo) List(ctx context.Context, offset, limit int) ([]*models.Task, int64, error) {
	var tasks []*models.Task
	var total int64

	if err := r.db.WithContext(ctx).Model(&models.Task{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting tasks: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Offset(offset).Limit(limit).
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("listing tasks: %w", err)
	}
	return tasks, total, nil
}

// Update persists the full task row.
func (r *taskRepo) Update(ctx context.Context, task *models.Task) error {
	if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return nil
}

// Delete removes the task row and its processing logs.
func (r *taskRepo) Delete(ctx context.Context, id models.ULID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", id).Delete(&models.ProcessingLog{}).Error; err != nil {
			return fmt.Errorf("deleting processing logs: %w", err)
		}
		result := tx.Where("id = ?", id).Delete(&models.Task{})
		if result.Error != nil {
			return fmt.Errorf("deleting task: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.dropTaskLock(id)
	return nil
}

// UpdateStageStatus applies a partial stage update under the per-task mutex
// and a row transaction.
func (r *taskRepo) UpdateStageStatus(ctx context.Context, id models.ULID, language string, stage models.Stage, delta models.StageUpdate) (*models.Task, error) {
	lock := r.taskLock(id)
	lock.Lock()
	defer lock.Unlock()

	var merged *models.Task
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.Where("id = ?", id).First(&task).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrTaskNotFound
			}
			return fmt.Errorf("re-reading task: %w", err)
		}

		task.ApplyStageUpdate(language, stage, delta)

		if err := tx.Save(&task).Error; err != nil {
			return fmt.Errorf("writing merged task: %w", err)
		}
		merged = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// SetSubtitlePresent records that a source subtitle has been stored.
func (r *taskRepo) SetSubtitlePresent(ctx context.Context, id models.ULID, present bool) error {
	result := r.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ?", id).
		Update("source_subtitle_present", present)
	if result.Error != nil {
		return fmt.Errorf("setting subtitle present: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// FailInterrupted relabels every stage left in processing as failed.
// Runs at startup, before anything else can be processing, so a full table
// scan over non-terminal tasks is acceptable.
func (r *taskRepo) FailInterrupted(ctx context.Context, message string) (int, error) {
	var tasks []*models.Task
	if err := r.db.WithContext(ctx).
		Where("overall_status = ?", models.TaskProcessing).
		Find(&tasks).Error; err != nil {
		return 0, fmt.Errorf("finding interrupted tasks: %w", err)
	}

	touched := 0
	failed := models.StageFailed
	for _, task := range tasks {
		changed := false
		for language, langMap := range task.LanguageStatus {
			for stage, state := range langMap {
				if state.Status != models.StageProcessing {
					continue
				}
				msg := message
				task.ApplyStageUpdate(language, stage, models.StageUpdate{
					Status:  &failed,
					Message: &msg,
				})
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
			return touched, fmt.Errorf("relabeling task %s: %w", task.ID, err)
		}
		touched++
	}
	return touched, nil
}

// Ensure taskRepo implements TaskRepository at compile time.
var _ TaskRepository = (*taskRepo)(nil)
