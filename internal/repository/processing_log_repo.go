package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/voxdub/voxdub/internal/models"
)

// processingLogRepo implements ProcessingLogRepository using GORM.
type processingLogRepo struct {
	db *gorm.DB
}

// NewProcessingLogRepository creates a new ProcessingLogRepository.
func NewProcessingLogRepository(db *gorm.DB) *processingLogRepo {
	return &processingLogRepo{db: db}
}

// Append adds one log row.
func (r *processingLogRepo) Append(ctx context.Context, entry *models.ProcessingLog) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("appending processing log: %w", err)
	}
	return nil
}

// ListByTask returns a task's log rows, newest first.
func (r *processingLogRepo) ListByTask(ctx context.Context, taskID models.ULID, limit int) ([]*models.ProcessingLog, error) {
	var logs []*models.ProcessingLog
	query := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("listing processing logs: %w", err)
	}
	return logs, nil
}

// DeleteOlderThan prunes rows created before the given time.
func (r *processingLogRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&models.ProcessingLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning processing logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure processingLogRepo implements ProcessingLogRepository at compile time.
var _ ProcessingLogRepository = (*processingLogRepo)(nil)
