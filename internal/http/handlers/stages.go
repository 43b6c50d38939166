package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/danielgtaylor/huma/v2"

	"github.com/voxdub/voxdub/internal/language"
	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/runner"
	"github.com/voxdub/voxdub/internal/scheduler"
	"github.com/voxdub/voxdub/internal/storage"
)

// StagesHandler handles stage trigger and stage status endpoints. Triggers
// are fire-and-forget: they validate, enqueue on the dispatcher, and return
// 202; the caller observes the outcome via the push channel or the status
// endpoints.
type StagesHandler struct {
	tasks      repository.TaskRepository
	dispatcher *runner.Dispatcher
	batches    *scheduler.Scheduler
	paths      *storage.PathManager
	logger     *slog.Logger
}

// NewStagesHandler creates a new stages handler.
func NewStagesHandler(
	tasks repository.TaskRepository,
	dispatcher *runner.Dispatcher,
	batches *scheduler.Scheduler,
	paths *storage.PathManager,
	logger *slog.Logger,
) *StagesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StagesHandler{
		tasks:      tasks,
		dispatcher: dispatcher,
		batches:    batches,
		paths:      paths,
		logger:     logger.With(slog.String("component", "stages_handler")),
	}
}

// TriggerDiarizationInput is the input for triggering speaker diarization.
type TriggerDiarizationInput struct {
	TaskID string `path:"task_id" doc:"Task ULID"`
}

// TriggerLanguageStageInput is the input for triggering a per-language stage.
type TriggerLanguageStageInput struct {
	TaskID   string `path:"task_id" doc:"Task ULID"`
	Language string `path:"language" doc:"Target language tag or display name"`
}

// TriggerVoiceCloningInput additionally carries an optional voice mapping.
type TriggerVoiceCloningInput struct {
	TaskID   string `path:"task_id" doc:"Task ULID"`
	Language string `path:"language" doc:"Target language tag or display name"`
	Body     *struct {
		SpeakerVoiceMapping map[string]string `json:"speaker_voice_mapping,omitempty" doc:"Diarized speaker label to reference voice file"`
	}
}

// TriggerOutput is the acknowledgement for an admitted stage trigger.
type TriggerOutput struct {
	Body StageAcceptedResponse
}

// StageStatusInput is the input for a per-language stage status query.
type StageStatusInput struct {
	TaskID   string `path:"task_id" doc:"Task ULID"`
	Language string `path:"language" doc:"Target language tag or display name"`
}

// StageStatusOutput is the output for a stage status query.
type StageStatusOutput struct {
	Body StageStatusResponse
}

// DiarizationStatusResponse is the diarization status block plus the
// diarization result summary once the stage has completed.
type DiarizationStatusResponse struct {
	StageStatusResponse
	SpeakerLabels  []int             `json:"speaker_labels,omitempty"`
	UniqueSpeakers int               `json:"unique_speakers,omitempty"`
	Speakers       map[string]string `json:"speakers,omitempty"`
}

// DiarizationStatusOutput is the output for the diarization status query.
type DiarizationStatusOutput struct {
	Body DiarizationStatusResponse
}

// Register registers the stage routes with the API.
func (h *StagesHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "triggerSpeakerDiarization",
		Method:        "POST",
		Path:          "/api/tasks/{task_id}/speaker-diarization",
		Summary:       "Trigger speaker diarization",
		DefaultStatus: http.StatusAccepted,
		Tags:          []string{"Stages"},
	}, h.TriggerDiarization)

	huma.Register(api, huma.Operation{
		OperationID: "getSpeakerDiarizationStatus",
		Method:      "GET",
		Path:        "/api/tasks/{task_id}/speaker-diarization/status",
		Summary:     "Get diarization status",
		Tags:        []string{"Stages"},
	}, h.DiarizationStatus)

	huma.Register(api, huma.Operation{
		OperationID:   "triggerTranslation",
		Method:        "POST",
		Path:          "/api/tasks/{task_id}/languages/{language}/translate",
		Summary:       "Trigger subtitle translation",
		DefaultStatus: http.StatusAccepted,
		Tags:          []string{"Stages"},
	}, h.TriggerTranslation)

	huma.Register(api, huma.Operation{
		OperationID: "getTranslationStatus",
		Method:      "GET",
		Path:        "/api/tasks/{task_id}/languages/{language}/translate/status",
		Summary:     "Get translation status",
		Tags:        []string{"Stages"},
	}, h.statusFor(models.StageTranslation))

	huma.Register(api, huma.Operation{
		OperationID:   "triggerVoiceCloning",
		Method:        "POST",
		Path:          "/api/tasks/{task_id}/languages/{language}/voice-cloning",
		Summary:       "Trigger voice cloning",
		DefaultStatus: http.StatusAccepted,
		Tags:          []string{"Stages"},
	}, h.TriggerVoiceCloning)

	huma.Register(api, huma.Operation{
		OperationID: "getVoiceCloningStatus",
		Method:      "GET",
		Path:        "/api/tasks/{task_id}/languages/{language}/voice-cloning/status",
		Summary:     "Get voice cloning status",
		Tags:        []string{"Stages"},
	}, h.statusFor(models.StageVoiceCloning))

	huma.Register(api, huma.Operation{
		OperationID:   "triggerStitchAudio",
		Method:        "POST",
		Path:          "/api/tasks/{task_id}/languages/{language}/stitch-audio",
		Summary:       "Trigger audio stitching",
		DefaultStatus: http.StatusAccepted,
		Tags:          []string{"Stages"},
	}, h.triggerFor(models.StageStitch))

	huma.Register(api, huma.Operation{
		OperationID: "getStitchAudioStatus",
		Method:      "GET",
		Path:        "/api/tasks/{task_id}/languages/{language}/stitch-audio/status",
		Summary:     "Get audio stitching status",
		Tags:        []string{"Stages"},
	}, h.statusFor(models.StageStitch))

	huma.Register(api, huma.Operation{
		OperationID:   "triggerExportVideo",
		Method:        "POST",
		Path:          "/api/tasks/{task_id}/languages/{language}/export-video",
		Summary:       "Trigger video export",
		DefaultStatus: http.StatusAccepted,
		Tags:          []string{"Stages"},
	}, h.triggerFor(models.StageExport))

	huma.Register(api, huma.Operation{
		OperationID: "getExportVideoStatus",
		Method:      "GET",
		Path:        "/api/tasks/{task_id}/languages/{language}/export-video/status",
		Summary:     "Get video export status",
		Tags:        []string{"Stages"},
	}, h.statusFor(models.StageExport))
}

// TriggerDiarization admits a diarization run.
func (h *StagesHandler) TriggerDiarization(ctx context.Context, input *TriggerDiarizationInput) (*TriggerOutput, error) {
	return h.trigger(ctx, input.TaskID, models.DefaultLanguage, models.StageSpeakerDiarization, nil)
}

// TriggerTranslation admits a translation run for one language.
func (h *StagesHandler) TriggerTranslation(ctx context.Context, input *TriggerLanguageStageInput) (*TriggerOutput, error) {
	return h.trigger(ctx, input.TaskID, input.Language, models.StageTranslation, nil)
}

// TriggerVoiceCloning admits a voice cloning run, optionally updating the
// task's speaker voice mapping first.
func (h *StagesHandler) TriggerVoiceCloning(ctx context.Context, input *TriggerVoiceCloningInput) (*TriggerOutput, error) {
	var mapping map[string]string
	if input.Body != nil {
		mapping = input.Body.SpeakerVoiceMapping
	}
	return h.trigger(ctx, input.TaskID, input.Language, models.StageVoiceCloning, mapping)
}

// triggerFor builds a trigger handler for stages without extra inputs.
func (h *StagesHandler) triggerFor(stage models.Stage) func(context.Context, *TriggerLanguageStageInput) (*TriggerOutput, error) {
	return func(ctx context.Context, input *TriggerLanguageStageInput) (*TriggerOutput, error) {
		return h.trigger(ctx, input.TaskID, input.Language, stage, nil)
	}
}

// trigger is the shared admission path for all stage triggers.
func (h *StagesHandler) trigger(ctx context.Context, rawID, rawLang string, stage models.Stage, mapping map[string]string) (*TriggerOutput, error) {
	id, err := models.ParseULID(rawID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid task id", err)
	}

	lang := models.DefaultLanguage
	if !stage.TaskGlobal() {
		lang, err = language.Canonicalize(rawLang)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid language", err)
		}
		if lang == language.Default {
			return nil, huma.Error400BadRequest(fmt.Sprintf("%q is reserved and not a target language", language.Default))
		}
	}

	task, err := h.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("loading task", err)
	}
	if task == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("task %s not found", rawID))
	}

	// Diarization and translation read the source subtitle; fail the trigger
	// up front instead of letting the stage fail asynchronously.
	if (stage == models.StageSpeakerDiarization || stage == models.StageTranslation) && !task.SourceSubtitlePresent {
		return nil, huma.Error400BadRequest("task has no source subtitle")
	}

	if state := h.batches.Status().State; state == scheduler.StateRunning || state == scheduler.StateStopping {
		return nil, huma.Error409Conflict("a batch is running; direct stage triggers are rejected")
	}

	if mapping != nil {
		task.Config.SpeakerVoiceMapping = mapping
		if err := h.tasks.Update(ctx, task); err != nil {
			return nil, huma.Error500InternalServerError("persisting voice mapping", err)
		}
	}

	if err := h.dispatcher.Trigger(id, lang, stage); err != nil {
		if errors.Is(err, runner.ErrDuplicateTrigger) || errors.Is(err, runner.ErrQueueFull) {
			return nil, huma.Error409Conflict(err.Error())
		}
		return nil, huma.Error500InternalServerError("admitting stage", err)
	}

	h.logger.Info("stage trigger admitted",
		slog.String("task_id", rawID),
		slog.String("language", lang),
		slog.String("stage", string(stage)),
	)

	return &TriggerOutput{Body: StageAcceptedResponse{
		Message:  fmt.Sprintf("%s accepted", stage),
		TaskID:   id,
		Language: lang,
		Stage:    stage,
	}}, nil
}

// statusFor builds a status handler for one per-language stage.
func (h *StagesHandler) statusFor(stage models.Stage) func(context.Context, *StageStatusInput) (*StageStatusOutput, error) {
	return func(ctx context.Context, input *StageStatusInput) (*StageStatusOutput, error) {
		id, err := models.ParseULID(input.TaskID)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid task id", err)
		}
		lang, err := language.Canonicalize(input.Language)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid language", err)
		}

		task, err := h.tasks.GetByID(ctx, id)
		if err != nil {
			return nil, huma.Error500InternalServerError("loading task", err)
		}
		if task == nil {
			return nil, huma.Error404NotFound(fmt.Sprintf("task %s not found", input.TaskID))
		}

		return &StageStatusOutput{
			Body: StageStatusFromState(task.StageStateFor(lang, stage)),
		}, nil
	}
}

// DiarizationStatus returns the diarization status block, extended with the
// persisted speaker summary once available.
func (h *StagesHandler) DiarizationStatus(ctx context.Context, input *TriggerDiarizationInput) (*DiarizationStatusOutput, error) {
	id, err := models.ParseULID(input.TaskID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid task id", err)
	}
	task, err := h.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("loading task", err)
	}
	if task == nil {
		return nil, huma.Error404NotFound(fmt.Sprintf("task %s not found", input.TaskID))
	}

	out := &DiarizationStatusOutput{Body: DiarizationStatusResponse{
		StageStatusResponse: StageStatusFromState(
			task.StageStateFor(models.DefaultLanguage, models.StageSpeakerDiarization)),
	}}

	// The speaker summary comes from the stage's result document; absence
	// just means the stage has not completed yet.
	raw, err := os.ReadFile(h.paths.SpeakerDataPath(id.String()))
	if err == nil {
		var data runner.SpeakerData
		if err := json.Unmarshal(raw, &data); err == nil {
			out.Body.SpeakerLabels = data.SpeakerLabels
			out.Body.UniqueSpeakers = data.UniqueSpeakers
			out.Body.Speakers = data.SpeakerNameMapping
		}
	}
	return out, nil
}
