package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/runlock"
	"github.com/voxdub/voxdub/internal/service/progress"
)

type stageCall struct {
	language string
	stage    models.Stage
}

// stubRunner mimics the real runner's locking discipline without spawning
// workers.
type stubRunner struct {
	lock *runlock.Lock

	mu    sync.Mutex
	calls []stageCall

	// failOn makes the matching stage return an error.
	failOn *stageCall
	// blockOn makes the matching stage wait for cancellation.
	blockOn *stageCall
	// holdOn makes the matching stage wait for release, then succeed.
	holdOn  *stageCall
	release chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, taskID models.ULID, language string, stage models.Stage) error {
	token, err := r.lock.Acquire(taskID.String(), language, stage)
	if err != nil {
		return err
	}
	defer r.lock.Release(token)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.lock.RegisterCancel(token, cancel)

	r.mu.Lock()
	r.calls = append(r.calls, stageCall{language, stage})
	failOn, blockOn, holdOn := r.failOn, r.blockOn, r.holdOn
	r.mu.Unlock()

	if blockOn != nil && blockOn.language == language && blockOn.stage == stage {
		<-runCtx.Done()
		return errors.New("cancelled")
	}
	if holdOn != nil && holdOn.language == language && holdOn.stage == stage {
		<-r.release
	}
	if failOn != nil && failOn.language == language && failOn.stage == stage {
		return fmt.Errorf("stage blew up")
	}
	return nil
}

func (r *stubRunner) recorded() []stageCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stageCall(nil), r.calls...)
}

func setupScheduler(t *testing.T, runner *stubRunner) (*Scheduler, repository.TaskRepository, *models.Task) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Task{}, &models.ProcessingLog{}))

	tasks := repository.NewTaskRepository(db)
	logs := repository.NewProcessingLogRepository(db)
	registry := progress.NewRegistry(slog.Default())
	bus := progress.NewBus(tasks, logs, runner.lock, registry, slog.Default())

	task := &models.Task{
		VideoOriginalName:     "demo.mp4",
		VideoStoredName:       "stored_demo.mp4",
		SourceSubtitlePresent: true,
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	return New(runner, tasks, runner.lock, bus, slog.Default()), tasks, task
}

func waitForState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Status().State == want
	}, 5*time.Second, 10*time.Millisecond, "batch never reached %s", want)
}

func TestBatch_FullGraphOrder(t *testing.T) {
	runner := &stubRunner{lock: runlock.New()}
	s, _, task := setupScheduler(t, runner)

	require.NoError(t, s.Start(context.Background(), task.ID, []string{"en", "ko"}, nil))
	waitForState(t, s, StateIdle)

	want := []stageCall{
		{models.DefaultLanguage, models.StageSpeakerDiarization},
		{"en", models.StageTranslation},
		{"en", models.StageVoiceCloning},
		{"en", models.StageStitch},
		{"en", models.StageExport},
		{"ko", models.StageTranslation},
		{"ko", models.StageVoiceCloning},
		{"ko", models.StageStitch},
		{"ko", models.StageExport},
	}
	assert.Equal(t, want, runner.recorded())

	snap := s.Status()
	assert.Equal(t, 9, snap.TotalStages)
	assert.Equal(t, 9, snap.CompletedStages)
	assert.Equal(t, 1, snap.CompletedTasks)
	assert.Empty(t, snap.Error)
	assert.NotNil(t, snap.FinishedAt)
}

func TestBatch_PersistsRequestedConfig(t *testing.T) {
	runner := &stubRunner{lock: runlock.New()}
	s, tasks, task := setupScheduler(t, runner)

	mapping := map[string]string{"男1": "ref_voice_a.wav"}
	require.NoError(t, s.Start(context.Background(), task.ID, []string{"ja"}, mapping))
	waitForState(t, s, StateIdle)

	got, err := tasks.GetByID(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ja"}, got.Config.TargetLanguages)
	assert.Equal(t, mapping, got.Config.SpeakerVoiceMapping)
}

func TestBatch_SecondStartConflicts(t *testing.T) {
	runner := &stubRunner{
		lock:    runlock.New(),
		blockOn: &stageCall{models.DefaultLanguage, models.StageSpeakerDiarization},
	}
	s, _, task := setupScheduler(t, runner)

	require.NoError(t, s.Start(context.Background(), task.ID, []string{"en"}, nil))
	require.Eventually(t, func() bool {
		return len(runner.recorded()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	err := s.Start(context.Background(), task.ID, []string{"ko"}, nil)
	assert.ErrorIs(t, err, ErrBatchRunning)

	require.NoError(t, s.Stop())
	waitForState(t, s, StateStopped)
}

func TestBatch_StopCancelsCurrentStage(t *testing.T) {
	runner := &stubRunner{
		lock:    runlock.New(),
		blockOn: &stageCall{"en", models.StageVoiceCloning},
	}
	s, _, task := setupScheduler(t, runner)

	require.NoError(t, s.Start(context.Background(), task.ID, []string{"en", "ko"}, nil))
	require.Eventually(t, func() bool {
		calls := runner.recorded()
		return len(calls) > 0 && calls[len(calls)-1] == stageCall{"en", models.StageVoiceCloning}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	waitForState(t, s, StateStopped)

	// Nothing after the cancelled stage ran.
	calls := runner.recorded()
	assert.Equal(t, stageCall{"en", models.StageVoiceCloning}, calls[len(calls)-1])

	_, held := runner.lock.Current()
	assert.False(t, held)

	// A new batch is admitted after a stop.
	runner.mu.Lock()
	runner.blockOn = nil
	runner.mu.Unlock()
	require.NoError(t, s.Start(context.Background(), task.ID, []string{"en"}, nil))
	waitForState(t, s, StateIdle)
}

func TestBatch_StageFailureEndsBatch(t *testing.T) {
	runner := &stubRunner{
		lock:   runlock.New(),
		failOn: &stageCall{"en", models.StageStitch},
	}
	s, _, task := setupScheduler(t, runner)

	require.NoError(t, s.Start(context.Background(), task.ID, []string{"en", "ko"}, nil))
	waitForState(t, s, StateIdle)

	snap := s.Status()
	assert.Contains(t, snap.Error, "stage blew up")

	for _, call := range runner.recorded() {
		assert.NotEqual(t, "ko", call.language, "later languages must not run after a failure")
	}
}

func TestBatch_SkipsCompletedDiarization(t *testing.T) {
	runner := &stubRunner{lock: runlock.New()}
	s, tasks, task := setupScheduler(t, runner)

	status := models.StageCompleted
	p := 100
	_, err := tasks.UpdateStageStatus(context.Background(), task.ID,
		models.DefaultLanguage, models.StageSpeakerDiarization,
		models.StageUpdate{Status: &status, Progress: &p})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background(), task.ID, []string{"en"}, nil))
	waitForState(t, s, StateIdle)

	calls := runner.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, stageCall{"en", models.StageTranslation}, calls[0])

	snap := s.Status()
	assert.Equal(t, snap.TotalStages, snap.CompletedStages, "skipped diarization still counts")
}

func TestBatch_StopDuringFinalStageEndsStopped(t *testing.T) {
	runner := &stubRunner{
		lock:    runlock.New(),
		holdOn:  &stageCall{"en", models.StageExport},
		release: make(chan struct{}),
	}
	s, _, task := setupScheduler(t, runner)

	require.NoError(t, s.Start(context.Background(), task.ID, []string{"en"}, nil))
	require.Eventually(t, func() bool {
		calls := runner.recorded()
		return len(calls) > 0 && calls[len(calls)-1] == stageCall{"en", models.StageExport}
	}, 5*time.Second, 10*time.Millisecond)

	// Stop lands while the last stage is mid-flight and then the stage
	// completes on its own; there is no later unit left to veto.
	require.NoError(t, s.Stop())
	close(runner.release)

	waitForState(t, s, StateStopped)
	assert.Equal(t, 5, s.Status().CompletedStages)
}

func TestBatch_StopWhenIdle(t *testing.T) {
	runner := &stubRunner{lock: runlock.New()}
	s, _, _ := setupScheduler(t, runner)

	assert.ErrorIs(t, s.Stop(), ErrNoBatch)
}
