package progress

import (
	"context"
	"log/slog"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/voxdub/voxdub/internal/models"
	"github.com/voxdub/voxdub/internal/repository"
	"github.com/voxdub/voxdub/internal/runlock"
)

type busFixture struct {
	bus      *Bus
	registry *Registry
	lock     *runlock.Lock
	tasks    repository.TaskRepository
	logs     repository.ProcessingLogRepository
	task     *models.Task
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Task{}, &models.ProcessingLog{}))

	tasks := repository.NewTaskRepository(db)
	logs := repository.NewProcessingLogRepository(db)
	lock := runlock.New()
	registry := NewRegistry(slog.Default())

	task := &models.Task{
		VideoOriginalName: "demo.mp4",
		VideoStoredName:   "stored_demo.mp4",
		Config:            models.TaskConfig{TargetLanguages: []string{"en"}},
	}
	require.NoError(t, tasks.Create(context.Background(), task))

	return &busFixture{
		bus:      NewBus(tasks, logs, lock, registry, slog.Default()),
		registry: registry,
		lock:     lock,
		tasks:    tasks,
		logs:     logs,
		task:     task,
	}
}

func TestBus_PublishPersistsThenBroadcasts(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	sink, unsubscribe := f.registry.Subscribe(f.task.ID.String())
	defer unsubscribe()

	_, err := f.bus.Publish(ctx, f.task.ID, "en", models.StageTranslation,
		models.StageProcessing, 0, "starting translation")
	require.NoError(t, err)

	event := <-sink.Events()
	assert.Equal(t, EventTypeProgress, event.Type)
	assert.Equal(t, models.StageProcessing, event.Status)
	assert.Equal(t, 0, event.Progress)

	// The event always trails a durable write: the store already shows it.
	got, err := f.tasks.GetByID(ctx, f.task.ID)
	require.NoError(t, err)
	state := got.StageStateFor("en", models.StageTranslation)
	assert.Equal(t, models.StageProcessing, state.Status)
	assert.Equal(t, models.TaskProcessing, got.OverallStatus)

	logs, err := f.logs.ListByTask(ctx, f.task.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.StageTranslation, logs[0].Stage)
	assert.Equal(t, models.StageProcessing, logs[0].Status)
	assert.Equal(t, "starting translation", logs[0].Message)
}

func TestBus_PublishUpdatesRunRecord(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()
	taskID := f.task.ID.String()

	_, err := f.lock.Acquire(taskID, "en", models.StageTranslation)
	require.NoError(t, err)

	_, err = f.bus.Publish(ctx, f.task.ID, "en", models.StageTranslation,
		models.StageProcessing, 37, "line 37/100")
	require.NoError(t, err)

	rec, ok := f.lock.Current()
	require.True(t, ok)
	assert.Equal(t, 37, rec.LatestProgress)
	assert.Equal(t, "line 37/100", rec.LatestMessage)

	// Terminal publish clears the record before anyone can observe a
	// completed stage still "running".
	_, err = f.bus.Publish(ctx, f.task.ID, "en", models.StageTranslation,
		models.StageCompleted, 100, "")
	require.NoError(t, err)

	_, ok = f.lock.Current()
	assert.False(t, ok)
}

func TestBus_PublishUnknownTask(t *testing.T) {
	f := newBusFixture(t)

	_, err := f.bus.Publish(context.Background(), models.NewULID(), "en",
		models.StageTranslation, models.StageProcessing, 0, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)
}

func TestBus_CompletedEventAfterDurableWrite(t *testing.T) {
	f := newBusFixture(t)
	ctx := context.Background()

	sink, unsubscribe := f.registry.Subscribe(f.task.ID.String())
	defer unsubscribe()

	_, err := f.bus.Publish(ctx, f.task.ID, "en", models.StageExport,
		models.StageCompleted, 100, "")
	require.NoError(t, err)

	event := <-sink.Events()
	require.Equal(t, models.StageCompleted, event.Status)

	got, err := f.tasks.GetByID(ctx, f.task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted,
		got.StageStateFor("en", models.StageExport).Status)
}

func TestBus_PublishBatchState(t *testing.T) {
	f := newBusFixture(t)

	sink, unsubscribe := f.registry.Subscribe(f.task.ID.String())
	defer unsubscribe()

	f.bus.PublishBatchState(f.task.ID, map[string]any{"state": "running"})

	event := <-sink.Events()
	assert.Equal(t, EventTypeBatchState, event.Type)
	assert.NotNil(t, event.Batch)
}
