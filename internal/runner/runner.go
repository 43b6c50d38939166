// Package runner executes one (task, language, stage) under the global run
// lock: it builds the worker request, relays progress to the bus, and
// persists the stage's artifacts on success.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/voxdub/voxdub/internal/config"
	"github.com/voxdub/voxdub/internal/media"
	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/runlock"
	"github.com/voxdub/voxdub/internal/service/progress"
	"github.com/voxdub/voxdub/internal/storage"
	"github.com/voxdub/voxdub/internal/subtitle"
	"github.com/voxdub/voxdub/internal/worker"
)

// Runner executes pipeline stages.
type Runner struct {
	tasks   repository.TaskRepository
	bus     *progress.Bus
	lock    *runlock.Lock
	adapter *worker.Adapter
	paths   *storage.PathManager
	muxer   *media.Muxer
	workers config.WorkersConfig
	logger  *slog.Logger
}

// New wires a Runner to its collaborators.
func New(
	tasks repository.TaskRepository,
	bus *progress.Bus,
	lock *runlock.Lock,
	adapter *worker.Adapter,
	paths *storage.PathManager,
	muxer *media.Muxer,
	workers config.WorkersConfig,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		tasks:   tasks,
		bus:     bus,
		lock:    lock,
		adapter: adapter,
		paths:   paths,
		muxer:   muxer,
		workers: workers,
		logger:  logger.With(slog.String("component", "stage_runner")),
	}
}

// Run executes one stage synchronously. Callers launch it on a background
// goroutine; HTTP triggers return before it finishes.
//
// The global run lock is held for the whole run and released on every exit
// path. A concurrent run of any stage anywhere fails fast with
// runlock.ErrBusy before any state is touched.
func (r *Runner) Run(ctx context.Context, taskID models.ULID, language string, stage models.Stage) error {
	if !stage.Valid() {
		return fmt.Errorf("unknown stage %q", stage)
	}
	if stage.TaskGlobal() {
		language = models.DefaultLanguage
	} else if language == models.DefaultLanguage || language == "" {
		return fmt.Errorf("stage %s requires a target language", stage)
	}

	task, err := r.tasks.GetByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return repository.ErrTaskNotFound
	}

	token, err := r.lock.Acquire(taskID.String(), language, stage)
	if err != nil {
		return err
	}
	defer r.lock.Release(token)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.lock.RegisterCancel(token, cancel)

	// Terminal publishes must outlive a cancelled run context.
	pubCtx := context.WithoutCancel(ctx)

	last := 0
	publish := func(p int, msg string) {
		if p < last {
			p = last
		}
		last = p
		if _, err := r.bus.Publish(pubCtx, taskID, language, stage, models.StageProcessing, p, msg); err != nil {
			r.logger.Warn("progress publish failed",
				slog.String("task_id", taskID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	publish(0, fmt.Sprintf("starting %s", stage))

	if err := r.execute(runCtx, task, language, stage, publish); err != nil {
		r.logger.Error("stage failed",
			slog.String("task_id", taskID.String()),
			slog.String("language", language),
			slog.String("stage", string(stage)),
			slog.String("error", err.Error()),
		)
		if _, pubErr := r.bus.Publish(pubCtx, taskID, language, stage, models.StageFailed, last, err.Error()); pubErr != nil {
			r.logger.Error("recording stage failure failed",
				slog.String("task_id", taskID.String()),
				slog.String("error", pubErr.Error()),
			)
		}
		return err
	}

	if _, err := r.bus.Publish(pubCtx, taskID, language, stage, models.StageCompleted, 100, ""); err != nil {
		return fmt.Errorf("recording stage completion: %w", err)
	}
	return nil
}

// execute dispatches to the stage implementation.
func (r *Runner) execute(ctx context.Context, task *models.Task, language string, stage models.Stage, publish func(int, string)) error {
	switch stage {
	case models.StageSpeakerDiarization:
		return r.runDiarization(ctx, task, publish)
	case models.StageTranslation:
		return r.runTranslation(ctx, task, language, publish)
	case models.StageVoiceCloning:
		return r.runCloning(ctx, task, language, publish)
	case models.StageStitch:
		return r.runStitch(ctx, task, language, publish)
	case models.StageExport:
		return r.runExport(ctx, task, language, publish)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

// invokeWorker writes the request document and runs the stage worker,
// relaying its progress lines through publish.
func (r *Runner) invokeWorker(ctx context.Context, taskID string, language string, stage models.Stage, request any, publish func(int, string)) (json.RawMessage, error) {
	doc, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", stage, err)
	}
	reqPath := r.paths.RequestFilePath(taskID, string(stage))
	if err := os.WriteFile(reqPath, doc, 0o640); err != nil {
		return nil, fmt.Errorf("writing %s request: %w", stage, err)
	}

	return r.adapter.Invoke(ctx, stage, reqPath, func(obs worker.ProgressObservation) {
		if obs.Progress >= 0 {
			publish(obs.Progress, obs.Message)
		} else if obs.Message != "" {
			publish(0, obs.Message)
		}
	})
}

func (r *Runner) runDiarization(ctx context.Context, task *models.Task, publish func(int, string)) error {
	taskID := task.ID.String()
	if !task.SourceSubtitlePresent {
		return fmt.Errorf("diarization requires a source subtitle")
	}
	if err := r.paths.EnsureLayout(taskID); err != nil {
		return err
	}

	audioPath := r.paths.AudioPath(taskID)
	if _, err := os.Stat(audioPath); err != nil {
		publish(0, "extracting source audio")
		videoPath := r.paths.VideoPath(taskID, task.VideoStoredName)
		if err := r.muxer.ExtractAudio(ctx, videoPath, audioPath); err != nil {
			return err
		}
	}

	raw, err := r.invokeWorker(ctx, taskID, models.DefaultLanguage, models.StageSpeakerDiarization, diarizationRequest{
		TaskID:       taskID,
		AudioPath:    audioPath,
		SubtitlePath: r.paths.SourceSubtitlePath(taskID),
		SegmentsDir:  r.paths.SpeakerSegmentsDir(taskID),
		ModelDir:     r.workers.ModelDir,
		NumProcesses: r.workers.NumProcesses,
	}, publish)
	if err != nil {
		return err
	}

	var data SpeakerData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing diarization result: %w", err)
	}
	if len(data.SpeakerLabels) == 0 || data.UniqueSpeakers < 1 {
		return fmt.Errorf("diarization result is missing speaker labels")
	}

	if err := os.WriteFile(r.paths.SpeakerDataPath(taskID), raw, 0o640); err != nil {
		return fmt.Errorf("persisting speaker data: %w", err)
	}
	return nil
}

func (r *Runner) runTranslation(ctx context.Context, task *models.Task, language string, publish func(int, string)) error {
	taskID := task.ID.String()
	if !task.SourceSubtitlePresent {
		return fmt.Errorf("translation requires a source subtitle")
	}
	if err := r.paths.EnsureLanguageLayout(taskID, language); err != nil {
		return err
	}

	cues, err := r.readSourceCues(taskID)
	if err != nil {
		return err
	}

	items := make([]translationItem, len(cues))
	for i, cue := range cues {
		items[i] = translationItem{
			TaskID:         taskID + "_" + strconv.Itoa(i),
			Source:         cue.Text,
			TargetLanguage: language,
		}
	}

	outPath := r.paths.TranslatedSubtitlePath(taskID, language)
	raw, err := r.invokeWorker(ctx, taskID, language, models.StageTranslation, translationRequest{
		Tasks:          items,
		ModelPath:      r.workers.ModelDir,
		NumProcesses:   r.workers.NumProcesses,
		SourceSubtitle: r.paths.SourceSubtitlePath(taskID),
		OutputFile:     outPath,
		TargetLanguage: language,
	}, publish)
	if err != nil {
		return err
	}

	// The worker may write the subtitle itself; its file is authoritative.
	// Otherwise assemble it from the per-line response, keeping the source
	// cue count and time ranges.
	if _, err := os.Stat(outPath); err == nil {
		return nil
	}

	var results []translationResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return fmt.Errorf("parsing translation result: %w", err)
	}
	if len(results) != len(cues) {
		return fmt.Errorf("translation returned %d lines for %d source lines", len(results), len(cues))
	}
	translated := make([]subtitle.Cue, len(cues))
	for i, cue := range cues {
		cue.Text = results[i].Translation
		translated[i] = cue
	}
	if err := os.WriteFile(outPath, []byte(subtitle.Format(translated)), 0o640); err != nil {
		return fmt.Errorf("writing translated subtitle: %w", err)
	}
	return nil
}

func (r *Runner) runCloning(ctx context.Context, task *models.Task, language string, publish func(int, string)) error {
	taskID := task.ID.String()
	if err := r.paths.EnsureLanguageLayout(taskID, language); err != nil {
		return err
	}

	speakers, err := r.readSpeakerData(taskID)
	if err != nil {
		return err
	}
	cues, err := r.readTranslatedCues(taskID, language)
	if err != nil {
		return err
	}
	if len(speakers.SpeakerLabels) != len(cues) {
		return fmt.Errorf("speaker labels cover %d lines but subtitle has %d", len(speakers.SpeakerLabels), len(cues))
	}

	items := make([]cloningItem, len(cues))
	for i, cue := range cues {
		speakerID := strconv.Itoa(speakers.SpeakerLabels[i])
		item := cloningItem{
			SegmentIndex: i,
			SpeakerName:  speakers.SpeakerNameMapping[speakerID],
			TargetText:   cue.Text,
			OutputFile:   r.paths.SegmentPath(taskID, language, i),
		}
		if ref, ok := task.Config.SpeakerVoiceMapping[item.SpeakerName]; ok {
			item.Reference = ref
		}
		items[i] = item
	}

	raw, err := r.invokeWorker(ctx, taskID, language, models.StageVoiceCloning, cloningRequest{
		ModelDir: r.workers.ModelDir,
		Tasks:    items,
	}, publish)
	if err != nil {
		return err
	}

	var results []cloningResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return fmt.Errorf("parsing cloning result: %w", err)
	}
	for _, res := range results {
		if res.Status != "success" {
			return fmt.Errorf("segment %d failed: %s", res.SegmentIndex, res.Status)
		}
		if _, err := os.Stat(res.OutputFile); err != nil {
			return fmt.Errorf("segment %d audio missing: %s", res.SegmentIndex, res.OutputFile)
		}
	}
	if len(results) != len(cues) {
		return fmt.Errorf("cloning produced %d segments for %d lines", len(results), len(cues))
	}
	return nil
}

func (r *Runner) runStitch(ctx context.Context, task *models.Task, language string, publish func(int, string)) error {
	taskID := task.ID.String()
	outPath := r.paths.StitchedAudioPath(taskID, language)

	raw, err := r.invokeWorker(ctx, taskID, language, models.StageStitch, stitchRequest{
		TaskID:       taskID,
		Language:     language,
		SegmentsDir:  r.paths.ClonedAudioDir(taskID, language),
		SubtitlePath: r.paths.TranslatedSubtitlePath(taskID, language),
		OutputFile:   outPath,
	}, publish)
	if err != nil {
		return err
	}

	var result stitchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("parsing stitch result: %w", err)
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("stitched audio missing: %s", outPath)
	}
	if err := os.WriteFile(r.paths.StitchTimelinePath(taskID, language), raw, 0o640); err != nil {
		return fmt.Errorf("persisting stitch timeline: %w", err)
	}
	return nil
}

func (r *Runner) runExport(ctx context.Context, task *models.Task, language string, publish func(int, string)) error {
	taskID := task.ID.String()
	audioPath := r.paths.StitchedAudioPath(taskID, language)
	if _, err := os.Stat(audioPath); err != nil {
		return fmt.Errorf("export requires stitched audio: %s", audioPath)
	}

	req := media.MuxRequest{
		VideoPath:           r.paths.VideoPath(taskID, task.VideoStoredName),
		AudioPath:           audioPath,
		OutputPath:          r.paths.FinalVideoPath(taskID, language),
		OriginalAudioVolume: task.Config.OriginalAudioVolume,
	}
	if task.Config.BurnSubtitles {
		req.SubtitlePath = r.paths.TranslatedSubtitlePath(taskID, language)
	}

	publish(5, "muxing final video")
	if err := r.muxer.Mux(ctx, req); err != nil {
		if ctx.Err() != nil {
			return &worker.Error{Kind: worker.KindCancelled, Msg: "cancelled", Err: ctx.Err()}
		}
		return err
	}
	return nil
}

func (r *Runner) readSourceCues(taskID string) ([]subtitle.Cue, error) {
	f, err := os.Open(r.paths.SourceSubtitlePath(taskID))
	if err != nil {
		return nil, fmt.Errorf("reading source subtitle: %w", err)
	}
	defer f.Close()
	return subtitle.Parse(f)
}

func (r *Runner) readTranslatedCues(taskID, language string) ([]subtitle.Cue, error) {
	f, err := os.Open(r.paths.TranslatedSubtitlePath(taskID, language))
	if err != nil {
		return nil, fmt.Errorf("translation has not completed for %s: %w", language, err)
	}
	defer f.Close()
	return subtitle.Parse(f)
}

func (r *Runner) readSpeakerData(taskID string) (*SpeakerData, error) {
	raw, err := os.ReadFile(r.paths.SpeakerDataPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("speaker diarization has not completed: %w", err)
	}
	var data SpeakerData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing speaker data: %w", err)
	}
	return &data, nil
}
