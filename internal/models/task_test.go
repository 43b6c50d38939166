package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusPtr(s StageStatus) *StageStatus { return &s }
func intPtr(i int) *int                    { return &i }
func strPtr(s string) *string              { return &s }

func TestULID_RoundTrip(t *testing.T) {
	id := NewULID()
	assert.False(t, id.IsZero())

	parsed, err := ParseULID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseULID("not-a-ulid")
	assert.Error(t, err)
}

func TestULID_Ordering(t *testing.T) {
	// ULIDs generated later must sort later (creation-ordered IDs).
	a := NewULID()
	b := NewULID()
	assert.LessOrEqual(t, a.String(), b.String())
}

func TestStage_Valid(t *testing.T) {
	for _, s := range AllStages {
		assert.True(t, s.Valid(), string(s))
	}
	assert.False(t, Stage("remux").Valid())
	assert.True(t, StageSpeakerDiarization.TaskGlobal())
	assert.False(t, StageTranslation.TaskGlobal())
}

func TestApplyStageUpdate_ProcessingStampsStart(t *testing.T) {
	task := &Task{Config: TaskConfig{TargetLanguages: []string{"en"}}}

	task.ApplyStageUpdate("en", StageTranslation, StageUpdate{
		Status:  statusPtr(StageProcessing),
		Message: strPtr("starting translation"),
	})

	state := task.StageStateFor("en", StageTranslation)
	assert.Equal(t, StageProcessing, state.Status)
	assert.Equal(t, 0, state.Progress)
	require.NotNil(t, state.StartedAt)
	assert.Nil(t, state.FinishedAt)
	assert.Equal(t, TaskProcessing, task.OverallStatus)
}

func TestApplyStageUpdate_TerminalStampsFinish(t *testing.T) {
	task := &Task{Config: TaskConfig{TargetLanguages: []string{"en"}}}

	task.ApplyStageUpdate("en", StageTranslation, StageUpdate{Status: statusPtr(StageProcessing)})
	task.ApplyStageUpdate("en", StageTranslation, StageUpdate{
		Status:   statusPtr(StageCompleted),
		Progress: intPtr(100),
	})

	state := task.StageStateFor("en", StageTranslation)
	assert.Equal(t, StageCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	require.NotNil(t, state.FinishedAt)
	// Not all stages are done, so the task goes back to pending.
	assert.Equal(t, TaskPending, task.OverallStatus)
}

func TestApplyStageUpdate_FailureSetsLastError(t *testing.T) {
	task := &Task{Config: TaskConfig{TargetLanguages: []string{"en"}}}

	task.ApplyStageUpdate("en", StageVoiceCloning, StageUpdate{
		Status:  statusPtr(StageFailed),
		Message: strPtr("worker exited with code 1"),
	})

	assert.Equal(t, TaskFailed, task.OverallStatus)
	assert.Equal(t, "worker exited with code 1", task.LastError)
}

func TestApplyStageUpdate_RetryClearsFailure(t *testing.T) {
	task := &Task{Config: TaskConfig{TargetLanguages: []string{"en"}}}

	task.ApplyStageUpdate("en", StageTranslation, StageUpdate{Status: statusPtr(StageFailed)})
	assert.Equal(t, TaskFailed, task.OverallStatus)

	// Re-triggering the same stage replaces the failure.
	task.ApplyStageUpdate("en", StageTranslation, StageUpdate{Status: statusPtr(StageProcessing)})
	assert.Equal(t, TaskProcessing, task.OverallStatus)

	state := task.StageStateFor("en", StageTranslation)
	assert.Equal(t, 0, state.Progress)
	assert.Nil(t, state.FinishedAt)
}

func TestApplyStageUpdate_ProgressClamped(t *testing.T) {
	task := &Task{}
	task.ApplyStageUpdate("en", StageStitch, StageUpdate{Progress: intPtr(150)})
	assert.Equal(t, 100, task.StageStateFor("en", StageStitch).Progress)

	task.ApplyStageUpdate("en", StageStitch, StageUpdate{Progress: intPtr(-5)})
	assert.Equal(t, 0, task.StageStateFor("en", StageStitch).Progress)
}

func TestRecompute_CompletedWhenAllStagesDone(t *testing.T) {
	task := &Task{Config: TaskConfig{TargetLanguages: []string{"en", "ko"}}}

	task.ApplyStageUpdate(DefaultLanguage, StageSpeakerDiarization, StageUpdate{Status: statusPtr(StageCompleted)})
	for _, lang := range []string{"en", "ko"} {
		for _, stage := range LanguageStages {
			task.ApplyStageUpdate(lang, stage, StageUpdate{
				Status:   statusPtr(StageCompleted),
				Progress: intPtr(100),
			})
		}
	}

	assert.Equal(t, TaskCompleted, task.OverallStatus)
}

func TestRecompute_PartialLanguageNotCompleted(t *testing.T) {
	task := &Task{Config: TaskConfig{TargetLanguages: []string{"en", "ko"}}}

	for _, stage := range LanguageStages {
		task.ApplyStageUpdate("en", stage, StageUpdate{Status: statusPtr(StageCompleted)})
	}

	assert.Equal(t, TaskPending, task.OverallStatus)
}

func TestRecompute_NoTargetLanguagesNeverCompleted(t *testing.T) {
	task := &Task{}
	task.Recompute()
	assert.Equal(t, TaskPending, task.OverallStatus)
}

func TestStageStateFor_UnknownIsIdle(t *testing.T) {
	task := &Task{}
	state := task.StageStateFor("ja", StageExport)
	assert.Equal(t, StageIdle, state.Status)
	assert.Equal(t, 0, state.Progress)
}
