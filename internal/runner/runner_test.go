package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voxdub/voxdub/internal/config"
	"github.com/voxdub/voxdub/internal/media"
	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/runlock"
	"github.com/voxdub/voxdub/internal/service/progress"
	"github.com/voxdub/voxdub/internal/storage"
	"github.com/voxdub/voxdub/internal/worker"
)

const testSubtitle = `1
00:00:01,000 --> 00:00:02,000
first line

2
00:00:03,000 --> 00:00:04,000
second line
`

type fixture struct {
	runner   *Runner
	tasks    repository.TaskRepository
	registry *progress.Registry
	bus      *progress.Bus
	lock     *runlock.Lock
	paths    *storage.PathManager
	task     *models.Task
}

// newFixture builds a runner whose workers are the given shell script.
func newFixture(t *testing.T, script string) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake workers are shell scripts")
	}

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Task{}, &models.ProcessingLog{}))

	paths, err := storage.NewPathManager(t.TempDir(), slog.Default())
	require.NoError(t, err)

	scriptPath := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\n"+script), 0o750))

	profile := config.WorkerProfile{Executable: scriptPath, Timeout: 30 * time.Second}
	workers := config.WorkersConfig{
		Diarization: profile,
		Translation: profile,
		Cloning:     profile,
		Stitch:      profile,
		GracePeriod: 200 * time.Millisecond,
		ModelDir:    "models",
	}

	tasks := repository.NewTaskRepository(db)
	logs := repository.NewProcessingLogRepository(db)
	lock := runlock.New()
	registry := progress.NewRegistry(slog.Default())
	bus := progress.NewBus(tasks, logs, lock, registry, slog.Default())

	task := &models.Task{
		VideoOriginalName:     "demo.mp4",
		VideoStoredName:       "stored_demo.mp4",
		SourceSubtitlePresent: true,
		Config:                models.TaskConfig{TargetLanguages: []string{"en"}},
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	taskID := task.ID.String()
	require.NoError(t, paths.EnsureLayout(taskID))
	require.NoError(t, os.WriteFile(paths.SourceSubtitlePath(taskID), []byte(testSubtitle), 0o640))
	// Pre-extracted audio so diarization does not shell out to ffmpeg.
	require.NoError(t, os.WriteFile(paths.AudioPath(taskID), []byte("wav"), 0o640))

	return &fixture{
		runner:   New(tasks, bus, lock, worker.NewAdapter(workers, slog.Default()), paths, media.NewMuxer("", 0), workers, slog.Default()),
		tasks:    tasks,
		registry: registry,
		bus:      bus,
		lock:     lock,
		paths:    paths,
		task:     task,
	}
}

// drain collects all events currently queued on the sink.
func drain(sink *progress.Sink) []progress.Event {
	var events []progress.Event
	for {
		select {
		case e := <-sink.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestRun_DiarizationHappyPath(t *testing.T) {
	f := newFixture(t, `
echo "[Diarization] loading model"
echo "1/2"
echo "2/2"
echo '{"speaker_labels": [0, 1], "speaker_name_mapping": {"0": "男1", "1": "女1"}, "gender_dict": {"0": "male", "1": "female"}, "unique_speakers": 2}'
`)
	sink, unsubscribe := f.registry.Subscribe(f.task.ID.String())
	defer unsubscribe()

	require.NoError(t, f.runner.Run(context.Background(), f.task.ID, "", models.StageSpeakerDiarization))

	events := drain(sink)
	require.NotEmpty(t, events)
	assert.Equal(t, models.StageProcessing, events[0].Status)
	assert.Equal(t, 0, events[0].Progress)

	final := events[len(events)-1]
	assert.Equal(t, models.StageCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, models.DefaultLanguage, final.Language)

	prev := 0
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Progress, prev, "progress regressed")
		prev = e.Progress
	}

	raw, err := os.ReadFile(f.paths.SpeakerDataPath(f.task.ID.String()))
	require.NoError(t, err)
	var data SpeakerData
	require.NoError(t, json.Unmarshal(raw, &data))
	assert.Len(t, data.SpeakerLabels, 2)
	assert.Equal(t, 2, data.UniqueSpeakers)

	got, err := f.tasks.GetByID(context.Background(), f.task.ID)
	require.NoError(t, err)
	state := got.StageStateFor(models.DefaultLanguage, models.StageSpeakerDiarization)
	assert.Equal(t, models.StageCompleted, state.Status)
	assert.NotNil(t, state.FinishedAt)

	_, held := f.lock.Current()
	assert.False(t, held, "lock must be free after the run")
}

func TestRun_MonotonicProgressCoercion(t *testing.T) {
	f := newFixture(t, `
echo "8/10"
echo "2/10"
echo "9/10"
echo '{"speaker_labels": [0, 0], "speaker_name_mapping": {"0": "男1"}, "gender_dict": {"0": "male"}, "unique_speakers": 1}'
`)
	sink, unsubscribe := f.registry.Subscribe(f.task.ID.String())
	defer unsubscribe()

	require.NoError(t, f.runner.Run(context.Background(), f.task.ID, "", models.StageSpeakerDiarization))

	prev := 0
	for _, e := range drain(sink) {
		assert.GreaterOrEqual(t, e.Progress, prev)
		prev = e.Progress
	}
	assert.Equal(t, 100, prev)
}

func TestRun_WorkerFailureMarksStageFailed(t *testing.T) {
	f := newFixture(t, `
echo "model exploded" >&2
exit 1
`)
	err := f.runner.Run(context.Background(), f.task.ID, "en", models.StageTranslation)
	require.Error(t, err)
	assert.Equal(t, worker.KindFailed, worker.KindOf(err))

	got, err2 := f.tasks.GetByID(context.Background(), f.task.ID)
	require.NoError(t, err2)
	state := got.StageStateFor("en", models.StageTranslation)
	assert.Equal(t, models.StageFailed, state.Status)
	assert.Contains(t, state.Message, "model exploded")
	assert.Contains(t, got.LastError, "model exploded")
	assert.Equal(t, models.TaskFailed, got.OverallStatus)

	_, held := f.lock.Current()
	assert.False(t, held)
}

func TestRun_BusyLockFailsFast(t *testing.T) {
	f := newFixture(t, `echo '{}'`)

	token, err := f.lock.Acquire("other", "en", models.StageStitch)
	require.NoError(t, err)
	defer f.lock.Release(token)

	err = f.runner.Run(context.Background(), f.task.ID, "en", models.StageTranslation)
	require.Error(t, err)
	assert.ErrorIs(t, err, runlock.ErrBusy)

	// The rejected trigger must not have touched task state.
	got, err2 := f.tasks.GetByID(context.Background(), f.task.ID)
	require.NoError(t, err2)
	assert.Equal(t, models.StageIdle, got.StageStateFor("en", models.StageTranslation).Status)
}

func TestRun_TranslationAssemblesSubtitle(t *testing.T) {
	f := newFixture(t, `
echo "1/2"
echo '[{"task_id": "x_0", "source": "first line", "translation": "première ligne"}, {"task_id": "x_1", "source": "second line", "translation": "deuxième ligne"}]'
`)
	require.NoError(t, f.runner.Run(context.Background(), f.task.ID, "fr", models.StageTranslation))

	data, err := os.ReadFile(f.paths.TranslatedSubtitlePath(f.task.ID.String(), "fr"))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "première ligne")
	assert.Contains(t, text, "00:00:01,000 --> 00:00:02,000")
	assert.Contains(t, text, "00:00:03,000 --> 00:00:04,000")
}

func TestRun_UnknownTask(t *testing.T) {
	f := newFixture(t, `echo '{}'`)

	err := f.runner.Run(context.Background(), models.NewULID(), "en", models.StageTranslation)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestRun_LanguageStageNeedsLanguage(t *testing.T) {
	f := newFixture(t, `echo '{}'`)

	err := f.runner.Run(context.Background(), f.task.ID, "", models.StageTranslation)
	require.Error(t, err)

	err = f.runner.Run(context.Background(), f.task.ID, models.DefaultLanguage, models.StageExport)
	require.Error(t, err)
}

func TestRun_CancellationViaLock(t *testing.T) {
	f := newFixture(t, `exec sleep 30`)

	done := make(chan error, 1)
	go func() {
		done <- f.runner.Run(context.Background(), f.task.ID, "en", models.StageTranslation)
	}()

	// Wait for the run to register its cancel primitive, then fire it the
	// way a batch stop would.
	require.Eventually(t, func() bool {
		return f.lock.CancelCurrent()
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, worker.KindCancelled, worker.KindOf(err))
	case <-time.After(15 * time.Second):
		t.Fatal("cancelled run did not return")
	}

	got, err := f.tasks.GetByID(context.Background(), f.task.ID)
	require.NoError(t, err)
	state := got.StageStateFor("en", models.StageTranslation)
	assert.Equal(t, models.StageFailed, state.Status)
	assert.Contains(t, state.Message, "cancel")
}
