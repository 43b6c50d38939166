package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/voxdub/voxdub/internal/language"
	"github.com/voxdub/voxdub/internal/media"
	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/service/progress"
	"github.com/voxdub/voxdub/internal/storage"
	"github.com/voxdub/voxdub/internal/subtitle"
	"github.com/voxdub/voxdub/pkg/bytesize"
)

// maxMultipartMemory caps the in-memory part of multipart parsing; larger
// uploads spill to temp files.
const maxMultipartMemory = 32 << 20

// TasksHandler handles task lifecycle endpoints.
type TasksHandler struct {
	tasks       repository.TaskRepository
	logs        repository.ProcessingLogRepository
	paths       *storage.PathManager
	prober      *media.Prober
	registry    *progress.Registry
	uploadLimit int64
	logger      *slog.Logger
}

// NewTasksHandler creates a new tasks handler.
func NewTasksHandler(
	tasks repository.TaskRepository,
	logs repository.ProcessingLogRepository,
	paths *storage.PathManager,
	prober *media.Prober,
	registry *progress.Registry,
	uploadLimit int64,
	logger *slog.Logger,
) *TasksHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TasksHandler{
		tasks:       tasks,
		logs:        logs,
		paths:       paths,
		prober:      prober,
		registry:    registry,
		uploadLimit: uploadLimit,
		logger:      logger.With(slog.String("component", "tasks_handler")),
	}
}

// writeJSON writes a JSON response on the raw (non-huma) routes.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes the error envelope on the raw (non-huma) routes.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, ErrorEnvelope{Error: ErrorBody{Kind: kind, Message: message}})
}

// ListTasksInput is the input for listing tasks.
type ListTasksInput struct {
	Pagination
}

// ListTasksOutput is the output for listing tasks.
type ListTasksOutput struct {
	Body TaskListResponse
}

// GetTaskInput is the input for fetching one task.
type GetTaskInput struct {
	TaskID string `path:"task_id" doc:"Task ULID"`
}

// GetTaskOutput is the output for fetching one task.
type GetTaskOutput struct {
	Body TaskResponse
}

// DeleteTaskOutput is the (empty) output for deleting a task.
type DeleteTaskOutput struct{}

// GetVideoInfoOutput is the output for probing the stored video.
type GetVideoInfoOutput struct {
	Body media.VideoInfo
}

// GetSubtitleInput is the input for fetching the parsed source subtitle.
type GetSubtitleInput struct {
	TaskID string `path:"task_id" doc:"Task ULID"`
}

// GetSubtitleOutput is the output for fetching the parsed source subtitle.
type GetSubtitleOutput struct {
	Body SubtitleResponse
}

// GetTaskLogsInput is the input for fetching a task's progress audit trail.
type GetTaskLogsInput struct {
	TaskID string `path:"task_id" doc:"Task ULID"`
	Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Maximum rows to return"`
}

// GetTaskLogsOutput is the output for fetching a task's progress audit trail.
type GetTaskLogsOutput struct {
	Body struct {
		Logs []ProcessingLogResponse `json:"logs"`
	}
}

// Register registers the task routes with the API.
func (h *TasksHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listTasks",
		Method:      "GET",
		Path:        "/api/tasks",
		Summary:     "List tasks",
		Description: "Returns tasks ordered newest-first",
		Tags:        []string{"Tasks"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getTask",
		Method:      "GET",
		Path:        "/api/tasks/{task_id}",
		Summary:     "Get a task",
		Tags:        []string{"Tasks"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID:   "deleteTask",
		Method:        "DELETE",
		Path:          "/api/tasks/{task_id}",
		Summary:       "Delete a task",
		Description:   "Removes the task row, its file tree, and drops push-channel subscribers",
		DefaultStatus: http.StatusNoContent,
		Tags:          []string{"Tasks"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "getTaskVideoInfo",
		Method:      "GET",
		Path:        "/api/tasks/{task_id}/video-info",
		Summary:     "Probe the stored video",
		Tags:        []string{"Tasks"},
	}, h.VideoInfo)

	huma.Register(api, huma.Operation{
		OperationID: "getTaskSubtitle",
		Method:      "GET",
		Path:        "/api/tasks/{task_id}/subtitle",
		Summary:     "Get the parsed source subtitle",
		Tags:        []string{"Tasks"},
	}, h.GetSubtitle)

	huma.Register(api, huma.Operation{
		OperationID: "getTaskLogs",
		Method:      "GET",
		Path:        "/api/tasks/{task_id}/logs",
		Summary:     "Get a task's progress audit trail",
		Tags:        []string{"Tasks"},
	}, h.GetLogs)
}

// RegisterUploads registers the multipart and download routes on the chi
// router. These bypass huma because they stream file bodies.
func (h *TasksHandler) RegisterUploads(router chi.Router) {
	router.Post("/api/tasks/", h.handleCreate)
	router.Post("/api/tasks", h.handleCreate)
	router.Post("/api/tasks/{task_id}/subtitle", h.handleSubtitleUpload)
	router.Get("/api/tasks/{task_id}/download/{language}", h.handleDownload)
}

// loadTask resolves a path-param task ID to its row for huma handlers.
func (h *TasksHandler) loadTask(ctx context.Context, rawID string) (*models.Task, error) {
	id, err := models.ParseULID(rawID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid task id", err)
	}
	task, err := h.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("loading task", err)
	}
	if task == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("task %s not found", rawID))
	}
	return task, nil
}

// List returns tasks newest-first.
func (h *TasksHandler) List(ctx context.Context, input *ListTasksInput) (*ListTasksOutput, error) {
	offset := (input.Page - 1) * input.Limit
	tasks, total, err := h.tasks.List(ctx, offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing tasks", err)
	}

	resp := TaskListResponse{
		Pagination: PaginationMeta{
			CurrentPage: input.Page,
			PageSize:    input.Limit,
			TotalItems:  total,
			TotalPages:  (total + int64(input.Limit) - 1) / int64(input.Limit),
		},
		Tasks: make([]TaskResponse, len(tasks)),
	}
	for i, t := range tasks {
		resp.Tasks[i] = TaskFromModel(t)
	}
	return &ListTasksOutput{Body: resp}, nil
}

// Get returns one task.
func (h *TasksHandler) Get(ctx context.Context, input *GetTaskInput) (*GetTaskOutput, error) {
	task, err := h.loadTask(ctx, input.TaskID)
	if err != nil {
		return nil, err
	}
	return &GetTaskOutput{Body: TaskFromModel(task)}, nil
}

// Delete removes a task, its file tree, and its push subscribers.
func (h *TasksHandler) Delete(ctx context.Context, input *GetTaskInput) (*DeleteTaskOutput, error) {
	task, err := h.loadTask(ctx, input.TaskID)
	if err != nil {
		return nil, err
	}

	if err := h.tasks.Delete(ctx, task.ID); err != nil {
		return nil, huma.Error500InternalServerError("deleting task", err)
	}

	// The row is gone; subscribers and files are best-effort cleanup.
	h.registry.DropAll(task.ID.String())
	if err := h.paths.DeleteTaskTree(task.ID.String()); err != nil {
		h.logger.Warn("task files not fully removed",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	return &DeleteTaskOutput{}, nil
}

// VideoInfo probes the stored video with ffprobe.
func (h *TasksHandler) VideoInfo(ctx context.Context, input *GetTaskInput) (*GetVideoInfoOutput, error) {
	task, err := h.loadTask(ctx, input.TaskID)
	if err != nil {
		return nil, err
	}

	info, err := h.prober.Probe(ctx, h.paths.VideoPath(task.ID.String(), task.VideoStoredName))
	if err != nil {
		return nil, huma.Error500InternalServerError("probing video", err)
	}
	return &GetVideoInfoOutput{Body: *info}, nil
}

// GetSubtitle returns the parsed source subtitle.
func (h *TasksHandler) GetSubtitle(ctx context.Context, input *GetSubtitleInput) (*GetSubtitleOutput, error) {
	task, err := h.loadTask(ctx, input.TaskID)
	if err != nil {
		return nil, err
	}
	if !task.SourceSubtitlePresent {
		return nil, huma.Error404NotFound("task has no source subtitle")
	}

	f, err := os.Open(h.paths.SourceSubtitlePath(task.ID.String()))
	if err != nil {
		return nil, huma.Error500InternalServerError("opening subtitle", err)
	}
	defer f.Close()

	cues, err := subtitle.Parse(f)
	if err != nil {
		return nil, huma.Error500InternalServerError("parsing subtitle", err)
	}
	return &GetSubtitleOutput{Body: subtitleResponse(cues)}, nil
}

// GetLogs returns a task's progress audit rows, newest first.
func (h *TasksHandler) GetLogs(ctx context.Context, input *GetTaskLogsInput) (*GetTaskLogsOutput, error) {
	task, err := h.loadTask(ctx, input.TaskID)
	if err != nil {
		return nil, err
	}

	rows, err := h.logs.ListByTask(ctx, task.ID, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing logs", err)
	}

	out := &GetTaskLogsOutput{}
	out.Body.Logs = make([]ProcessingLogResponse, len(rows))
	for i, row := range rows {
		out.Body.Logs[i] = ProcessingLogFromModel(row)
	}
	return out, nil
}

// handleCreate accepts a multipart upload: a required "video" part, an
// optional "subtitle" part, and an optional "target_languages" field with
// comma-separated tags.
func (h *TasksHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadLimit)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusBadRequest, "invalid-input",
				fmt.Sprintf("upload exceeds the %s limit", bytesize.Format(bytesize.Size(maxErr.Limit))))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid-input", "malformed multipart body")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	video, videoHeader, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "missing video file")
		return
	}
	defer video.Close()

	task := &models.Task{
		BaseModel:         models.BaseModel{ID: models.NewULID()},
		VideoOriginalName: videoHeader.Filename,
	}
	taskID := task.ID.String()
	task.VideoStoredName = h.paths.StoredVideoName(taskID, videoHeader.Filename)

	if raw := strings.TrimSpace(r.FormValue("target_languages")); raw != "" {
		tags, err := language.CanonicalizeAll(strings.Split(raw, ","))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid-input", err.Error())
			return
		}
		task.Config.TargetLanguages = tags
	}

	if err := h.paths.EnsureLayout(taskID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "preparing task storage")
		return
	}
	cleanup := func() {
		_ = h.paths.DeleteTaskTree(taskID)
	}

	if err := storeUpload(video, h.paths.VideoPath(taskID, task.VideoStoredName)); err != nil {
		cleanup()
		writeError(w, http.StatusInternalServerError, "internal", "storing video")
		return
	}

	if sub, _, err := r.FormFile("subtitle"); err == nil {
		defer sub.Close()
		if storeErr := h.storeSubtitle(sub, taskID); storeErr != nil {
			cleanup()
			writeError(w, http.StatusBadRequest, "invalid-input", storeErr.Error())
			return
		}
		task.SourceSubtitlePresent = true
	}

	if err := h.tasks.Create(r.Context(), task); err != nil {
		cleanup()
		h.logger.Error("creating task", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "creating task")
		return
	}

	h.logger.Info("task created",
		slog.String("task_id", taskID),
		slog.String("video", task.VideoOriginalName),
		slog.Bool("subtitle", task.SourceSubtitlePresent),
	)
	writeJSON(w, http.StatusCreated, TaskFromModel(task))
}

// handleSubtitleUpload stores or replaces the source subtitle.
func (h *TasksHandler) handleSubtitleUpload(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "invalid task id")
		return
	}
	task, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "loading task")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "not-found", "task not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.uploadLimit)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "malformed multipart body")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	sub, _, err := r.FormFile("subtitle")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "missing subtitle file")
		return
	}
	defer sub.Close()

	if err := h.storeSubtitle(sub, id.String()); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", err.Error())
		return
	}
	if err := h.tasks.SetSubtitlePresent(r.Context(), id, true); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "recording subtitle")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "subtitle stored"})
}

// handleDownload serves the exported video for one language.
func (h *TasksHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseULID(chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid-input", "invalid task id")
		return
	}
	lang, err := language.Canonicalize(chi.URLParam(r, "language"))
	if err != nil || lang == language.Default {
		writeError(w, http.StatusBadRequest, "invalid-input", "invalid language")
		return
	}

	task, err := h.tasks.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "loading task")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "not-found", "task not found")
		return
	}
	if !h.paths.FinalVideoExists(id.String(), lang) {
		writeError(w, http.StatusNotFound, "not-found", "no exported video for this language")
		return
	}

	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s_%s.mp4", id.String(), lang)))
	http.ServeFile(w, r, h.paths.FinalVideoPath(id.String(), lang))
}

// storeSubtitle validates an uploaded subtitle and writes it to the task's
// processed directory. Validation happens before the write so a bad upload
// never clobbers a good subtitle.
func (h *TasksHandler) storeSubtitle(src io.Reader, taskID string) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("reading subtitle: %w", err)
	}
	if _, err := subtitle.Parse(strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("invalid subtitle: %w", err)
	}
	if err := os.WriteFile(h.paths.SourceSubtitlePath(taskID), data, 0o640); err != nil {
		return fmt.Errorf("storing subtitle: %w", err)
	}
	return nil
}

// storeUpload copies an uploaded part to its destination path.
func storeUpload(src io.Reader, dst string) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// subtitleResponse converts parsed cues to the API shape.
func subtitleResponse(cues []subtitle.Cue) SubtitleResponse {
	resp := SubtitleResponse{
		Subtitles: make([]SubtitleCueResponse, len(cues)),
		Filename:  "source_subtitle.srt",
	}
	for i, cue := range cues {
		resp.Subtitles[i] = SubtitleCueResponse{
			StartTime:          cue.StartTime,
			EndTime:            cue.EndTime,
			StartTimeFormatted: cue.StartFormatted(),
			EndTimeFormatted:   cue.EndFormatted(),
			Text:               cue.Text,
		}
	}
	return resp
}
