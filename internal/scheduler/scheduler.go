// Package scheduler walks tasks through the ordered stage graph as a batch:
// diarization once per task, then translation, voice cloning, stitch, and
// export per target language, sequentially. At most one batch runs at a
// time; a stop request ends the batch cooperatively between stages and
// cancels the current worker mid-stage.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/runlock"
	"github.com/voxdub/voxdub/internal/service/progress"
)

// Batch conflicts.
var (
	// ErrBatchRunning is returned when a start races an active batch.
	ErrBatchRunning = errors.New("a batch is already running")
	// ErrNoBatch is returned by Stop when nothing is running.
	ErrNoBatch = errors.New("no batch is running")
)

// State is the batch run state machine.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Snapshot is the externally visible batch run state.
type Snapshot struct {
	State           State        `json:"state"`
	TotalTasks      int          `json:"total_tasks"`
	CompletedTasks  int          `json:"completed_tasks"`
	TotalStages     int          `json:"total_stages"`
	CompletedStages int          `json:"completed_stages"`
	CurrentTaskID   string       `json:"current_task_id,omitempty"`
	CurrentLanguage string       `json:"current_language,omitempty"`
	CurrentStage    models.Stage `json:"current_stage,omitempty"`
	Error           string       `json:"error,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// StageRunner executes one (task, language, stage) synchronously.
type StageRunner interface {
	Run(ctx context.Context, taskID models.ULID, language string, stage models.Stage) error
}

// Scheduler owns the single process-wide batch run.
type Scheduler struct {
	runner StageRunner
	tasks  repository.TaskRepository
	lock   *runlock.Lock
	bus    *progress.Bus
	logger *slog.Logger

	mu   sync.Mutex
	snap Snapshot
}

// New creates an idle Scheduler.
func New(runner StageRunner, tasks repository.TaskRepository, lock *runlock.Lock, bus *progress.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		tasks:  tasks,
		lock:   lock,
		bus:    bus,
		logger: logger.With(slog.String("component", "batch_scheduler")),
		snap:   Snapshot{State: StateIdle},
	}
}

// Start launches a single-task batch over the given languages.
func (s *Scheduler) Start(ctx context.Context, taskID models.ULID, languages []string, voiceMapping map[string]string) error {
	return s.StartMany(ctx, []models.ULID{taskID}, languages, voiceMapping)
}

// StartMany launches a batch over several tasks, processed sequentially.
// Returns ErrBatchRunning while a batch is active.
func (s *Scheduler) StartMany(ctx context.Context, taskIDs []models.ULID, languages []string, voiceMapping map[string]string) error {
	if len(taskIDs) == 0 {
		return fmt.Errorf("batch needs at least one task")
	}
	if len(languages) == 0 {
		return fmt.Errorf("batch needs at least one target language")
	}

	// Persist the requested configuration before admitting the batch so a
	// failure leaves no half-started run.
	tasks := make([]*models.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		task, err := s.tasks.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("%w: %s", repository.ErrTaskNotFound, id)
		}
		task.Config.TargetLanguages = languages
		if voiceMapping != nil {
			task.Config.SpeakerVoiceMapping = voiceMapping
		}
		if err := s.tasks.Update(ctx, task); err != nil {
			return err
		}
		tasks = append(tasks, task)
	}

	s.mu.Lock()
	if s.snap.State == StateRunning || s.snap.State == StateStopping {
		s.mu.Unlock()
		return ErrBatchRunning
	}
	now := time.Now().UTC()
	s.snap = Snapshot{
		State:       StateRunning,
		TotalTasks:  len(tasks),
		TotalStages: len(tasks) * (1 + len(languages)*len(models.LanguageStages)),
		StartedAt:   &now,
	}
	s.mu.Unlock()

	go s.run(tasks, languages)
	return nil
}

// Stop requests cooperative termination: no further stage starts, and the
// currently running worker is cancelled.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.snap.State != StateRunning {
		s.mu.Unlock()
		return ErrNoBatch
	}
	s.snap.State = StateStopping
	s.mu.Unlock()

	s.logger.Info("batch stop requested")
	s.lock.CancelCurrent()
	return nil
}

// Status returns the current batch snapshot.
func (s *Scheduler) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// run is the batch loop. One goroutine per batch; serialized by Start.
func (s *Scheduler) run(tasks []*models.Task, languages []string) {
	for _, task := range tasks {
		if !s.runTask(task, languages) {
			return
		}
		s.mu.Lock()
		s.snap.CompletedTasks++
		s.mu.Unlock()
	}
	// A stop that lands during the last stage has no further unit to veto;
	// it still ends the batch as stopped, not idle.
	if s.stopRequested() {
		s.finish(StateStopped, "")
		return
	}
	s.finish(StateIdle, "")
}

// runTask walks one task through the stage graph. Returns false when the
// batch ended (stop or failure) and the loop must not continue.
func (s *Scheduler) runTask(task *models.Task, languages []string) bool {
	type unit struct {
		language string
		stage    models.Stage
	}
	units := make([]unit, 0, 1+len(languages)*len(models.LanguageStages))
	units = append(units, unit{models.DefaultLanguage, models.StageSpeakerDiarization})
	for _, language := range languages {
		for _, stage := range models.LanguageStages {
			units = append(units, unit{language, stage})
		}
	}

	for _, u := range units {
		if s.stopRequested() {
			s.finish(StateStopped, "")
			return false
		}

		// Diarization survives across batches; re-running it would redo
		// the most expensive task-global work for no new information.
		if u.stage == models.StageSpeakerDiarization &&
			task.StageStateFor(models.DefaultLanguage, u.stage).Status == models.StageCompleted {
			s.advance(task.ID, u.language, u.stage)
			continue
		}

		s.setCurrent(task.ID.String(), u.language, u.stage)
		err := s.runner.Run(context.Background(), task.ID, u.language, u.stage)
		if err != nil {
			if s.stopRequested() {
				s.finish(StateStopped, "")
			} else {
				s.finish(StateIdle, err.Error())
			}
			return false
		}
		s.advance(task.ID, u.language, u.stage)
	}
	return true
}

func (s *Scheduler) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State == StateStopping
}

func (s *Scheduler) setCurrent(taskID, language string, stage models.Stage) {
	s.mu.Lock()
	s.snap.CurrentTaskID = taskID
	s.snap.CurrentLanguage = language
	s.snap.CurrentStage = stage
	snap := s.snap
	s.mu.Unlock()

	s.broadcast(taskID, snap)
}

// advance counts one finished stage and broadcasts the new snapshot.
func (s *Scheduler) advance(taskID models.ULID, language string, stage models.Stage) {
	s.mu.Lock()
	s.snap.CompletedStages++
	snap := s.snap
	s.mu.Unlock()

	s.logger.Debug("batch stage done",
		slog.String("task_id", taskID.String()),
		slog.String("language", language),
		slog.String("stage", string(stage)),
		slog.Int("completed_stages", snap.CompletedStages),
	)
	s.broadcast(taskID.String(), snap)
}

// finish moves the batch to its terminal state for this run.
func (s *Scheduler) finish(state State, errMsg string) {
	s.mu.Lock()
	now := time.Now().UTC()
	s.snap.State = state
	s.snap.Error = errMsg
	s.snap.FinishedAt = &now
	currentTask := s.snap.CurrentTaskID
	s.snap.CurrentTaskID = ""
	s.snap.CurrentLanguage = ""
	s.snap.CurrentStage = ""
	snap := s.snap
	s.mu.Unlock()

	s.logger.Info("batch finished",
		slog.String("state", string(state)),
		slog.String("error", errMsg),
		slog.Int("completed_stages", snap.CompletedStages),
	)
	if currentTask != "" {
		s.broadcast(currentTask, snap)
	}
}

func (s *Scheduler) broadcast(taskID string, snap Snapshot) {
	if s.bus == nil {
		return
	}
	id, err := models.ParseULID(taskID)
	if err != nil {
		return
	}
	s.bus.PublishBatchState(id, snap)
}
