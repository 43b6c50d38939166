package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/voxdub/voxdub/internal/language"
	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/runlock"
	"github.com/voxdub/voxdub/internal/scheduler"
)

// BatchHandler handles batch run and run-lock visibility endpoints.
type BatchHandler struct {
	batches *scheduler.Scheduler
	lock    *runlock.Lock
}

// NewBatchHandler creates a new batch handler.
func NewBatchHandler(batches *scheduler.Scheduler, lock *runlock.Lock) *BatchHandler {
	return &BatchHandler{batches: batches, lock: lock}
}

// StartBatchInput is the input for starting a batch over one task.
type StartBatchInput struct {
	TaskID string `path:"task_id" doc:"Task ULID"`
	Body   struct {
		Languages           []string          `json:"languages" minItems:"1" doc:"Target languages (tags or display names)"`
		SpeakerVoiceMapping map[string]string `json:"speaker_voice_mapping,omitempty" doc:"Diarized speaker label to reference voice file"`
	}
}

// StartBatchOutput is the acknowledgement for an admitted batch.
type StartBatchOutput struct {
	Body struct {
		Message   string      `json:"message"`
		TaskID    models.ULID `json:"task_id"`
		Languages []string    `json:"languages"`
	}
}

// StopBatchOutput is the acknowledgement for a stop request.
type StopBatchOutput struct {
	Body struct {
		Message string `json:"message"`
	}
}

// BatchStatusOutput is the batch snapshot.
type BatchStatusOutput struct {
	Body scheduler.Snapshot
}

// RunningTaskResponse describes the run-lock holder, if any.
type RunningTaskResponse struct {
	Running bool                     `json:"running"`
	Record  *runlock.ExecutionRecord `json:"record,omitempty"`
}

// GlobalRunningTaskOutput is the output for the global run-lock query.
type GlobalRunningTaskOutput struct {
	Body RunningTaskResponse
}

// RunningTasksOutput maps task ID to its execution record. The global lock
// admits one execution, so the map has at most one entry.
type RunningTasksOutput struct {
	Body map[string]runlock.ExecutionRecord
}

// Register registers the batch routes with the API.
func (h *BatchHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "startBatch",
		Method:        "POST",
		Path:          "/api/batch/start/{task_id}",
		Summary:       "Start a batch run",
		Description:   "Walks the task through diarization and every per-language stage for the given languages",
		DefaultStatus: http.StatusAccepted,
		Tags:          []string{"Batch"},
	}, h.Start)

	huma.Register(api, huma.Operation{
		OperationID: "stopBatch",
		Method:      "POST",
		Path:        "/api/batch/stop",
		Summary:     "Stop the running batch",
		Description: "Cooperative: the current stage is cancelled and no further stage starts",
		Tags:        []string{"Batch"},
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "getBatchStatus",
		Method:      "GET",
		Path:        "/api/batch/status",
		Summary:     "Get the batch snapshot",
		Tags:        []string{"Batch"},
	}, h.Status)

	huma.Register(api, huma.Operation{
		OperationID: "getGlobalRunningTask",
		Method:      "GET",
		Path:        "/api/global-running-task",
		Summary:     "Get the current run-lock holder",
		Tags:        []string{"Batch"},
	}, h.GlobalRunningTask)

	huma.Register(api, huma.Operation{
		OperationID: "getRunningTasks",
		Method:      "GET",
		Path:        "/api/running-tasks",
		Summary:     "Get running executions by task",
		Tags:        []string{"Batch"},
	}, h.RunningTasks)
}

// Start admits a batch run.
func (h *BatchHandler) Start(ctx context.Context, input *StartBatchInput) (*StartBatchOutput, error) {
	id, err := models.ParseULID(input.TaskID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid task id", err)
	}
	langs, err := language.CanonicalizeAll(input.Body.Languages)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid languages", err)
	}
	if len(langs) == 0 {
		return nil, huma.Error400BadRequest("at least one target language is required")
	}

	if err := h.batches.Start(ctx, id, langs, input.Body.SpeakerVoiceMapping); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrBatchRunning):
			return nil, huma.Error409Conflict(err.Error())
		case errors.Is(err, repository.ErrTaskNotFound):
			return nil, huma.Error404NotFound(fmt.Sprintf("task %s not found", input.TaskID))
		default:
			return nil, huma.Error500InternalServerError("starting batch", err)
		}
	}

	out := &StartBatchOutput{}
	out.Body.Message = "batch started"
	out.Body.TaskID = id
	out.Body.Languages = langs
	return out, nil
}

// Stop requests cooperative batch termination.
func (h *BatchHandler) Stop(ctx context.Context, _ *struct{}) (*StopBatchOutput, error) {
	if err := h.batches.Stop(); err != nil {
		if errors.Is(err, scheduler.ErrNoBatch) {
			return nil, huma.Error409Conflict(err.Error())
		}
		return nil, huma.Error500InternalServerError("stopping batch", err)
	}
	out := &StopBatchOutput{}
	out.Body.Message = "batch stopping"
	return out, nil
}

// Status returns the batch snapshot.
func (h *BatchHandler) Status(ctx context.Context, _ *struct{}) (*BatchStatusOutput, error) {
	return &BatchStatusOutput{Body: h.batches.Status()}, nil
}

// GlobalRunningTask reports the run-lock holder, if any.
func (h *BatchHandler) GlobalRunningTask(ctx context.Context, _ *struct{}) (*GlobalRunningTaskOutput, error) {
	out := &GlobalRunningTaskOutput{}
	if record, held := h.lock.Current(); held {
		out.Body.Running = true
		out.Body.Record = &record
	}
	return out, nil
}

// RunningTasks maps task ID to execution record.
func (h *BatchHandler) RunningTasks(ctx context.Context, _ *struct{}) (*RunningTasksOutput, error) {
	out := &RunningTasksOutput{Body: map[string]runlock.ExecutionRecord{}}
	if record, held := h.lock.Current(); held {
		out.Body[record.TaskID] = record
	}
	return out, nil
}
