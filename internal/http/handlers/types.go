// Package handlers provides HTTP API handlers for voxdub.
package handlers

import (
	"time"

	"github.com/voxdub/voxdub/internal/models"
)

// Common response types

// ErrorBody is the error payload written by the raw (non-huma) routes.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorEnvelope wraps ErrorBody the way the raw routes emit it.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// Pagination contains pagination parameters for list requests.
type Pagination struct {
	Page  int `query:"page" default:"1" minimum:"1" doc:"Page number (1-indexed)"`
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"1000" doc:"Items per page"`
}

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
}

// Task types

// TaskResponse represents a task in API responses.
type TaskResponse struct {
	ID                    models.ULID           `json:"id"`
	CreatedAt             time.Time             `json:"created_at"`
	UpdatedAt             time.Time             `json:"updated_at"`
	VideoOriginalName     string                `json:"video_original_name"`
	VideoStoredName       string                `json:"video_stored_name"`
	SourceSubtitlePresent bool                  `json:"source_subtitle_present"`
	OverallStatus         models.TaskStatus     `json:"overall_status"`
	LastError             string                `json:"last_error,omitempty"`
	Config                models.TaskConfig     `json:"config"`
	LanguageStatus        models.LanguageStatus `json:"language_status"`
}

// TaskFromModel converts a model to a response.
func TaskFromModel(t *models.Task) TaskResponse {
	return TaskResponse{
		ID:                    t.ID,
		CreatedAt:             t.CreatedAt,
		UpdatedAt:             t.UpdatedAt,
		VideoOriginalName:     t.VideoOriginalName,
		VideoStoredName:       t.VideoStoredName,
		SourceSubtitlePresent: t.SourceSubtitlePresent,
		OverallStatus:         t.OverallStatus,
		LastError:             t.LastError,
		Config:                t.Config,
		LanguageStatus:        t.LanguageStatus,
	}
}

// TaskListResponse is the paginated response for task listings.
type TaskListResponse struct {
	Pagination PaginationMeta `json:"pagination"`
	Tasks      []TaskResponse `json:"tasks"`
}

// Subtitle types

// SubtitleCueResponse represents one subtitle line in API responses.
type SubtitleCueResponse struct {
	StartTime          float64 `json:"start_time"`
	EndTime            float64 `json:"end_time"`
	StartTimeFormatted string  `json:"start_time_formatted"`
	EndTimeFormatted   string  `json:"end_time_formatted"`
	Text               string  `json:"text"`
}

// SubtitleResponse is the parsed subtitle document.
type SubtitleResponse struct {
	Subtitles []SubtitleCueResponse `json:"subtitles"`
	Filename  string                `json:"filename"`
}

// Stage trigger types

// StageAcceptedResponse is returned when a stage trigger has been admitted.
type StageAcceptedResponse struct {
	Message  string       `json:"message"`
	TaskID   models.ULID  `json:"task_id"`
	Language string       `json:"language"`
	Stage    models.Stage `json:"stage"`
}

// StageStatusResponse is the status block of one (language, stage) pair.
type StageStatusResponse struct {
	Status     models.StageStatus `json:"status"`
	Progress   int                `json:"progress"`
	Message    string             `json:"message,omitempty"`
	StartedAt  *models.Time       `json:"started_at,omitempty"`
	FinishedAt *models.Time       `json:"finished_at,omitempty"`
}

// StageStatusFromState converts a stage state to a response.
func StageStatusFromState(s models.StageState) StageStatusResponse {
	return StageStatusResponse{
		Status:     s.Status,
		Progress:   s.Progress,
		Message:    s.Message,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
}

// Processing log types

// ProcessingLogResponse represents one progress audit row.
type ProcessingLogResponse struct {
	ID        models.ULID        `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	TaskID    models.ULID        `json:"task_id"`
	Language  string             `json:"language"`
	Stage     models.Stage       `json:"stage"`
	Status    models.StageStatus `json:"status"`
	Progress  int                `json:"progress"`
	Message   string             `json:"message,omitempty"`
}

// ProcessingLogFromModel converts a model to a response.
func ProcessingLogFromModel(l *models.ProcessingLog) ProcessingLogResponse {
	return ProcessingLogResponse{
		ID:        l.ID,
		CreatedAt: l.CreatedAt,
		TaskID:    l.TaskID,
		Language:  l.Language,
		Stage:     l.Stage,
		Status:    l.Status,
		Progress:  l.Progress,
		Message:   l.Message,
	}
}

// Health types

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}
