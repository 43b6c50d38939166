package models

import (
	"gorm.io/gorm"
)

// Stage identifies one step of the dubbing pipeline.
type Stage string

const (
	// StageSpeakerDiarization labels subtitle lines with speakers. It runs
	// once per task under the DefaultLanguage tag.
	StageSpeakerDiarization Stage = "speaker_diarization"
	// StageTranslation translates the source subtitle into one target language.
	StageTranslation Stage = "translation"
	// StageVoiceCloning synthesizes per-line audio segments with cloned voices.
	StageVoiceCloning Stage = "voice_cloning"
	// StageStitch assembles the cloned segments into a single audio track.
	StageStitch Stage = "stitch"
	// StageExport muxes the stitched audio with the original video.
	StageExport Stage = "export"
)

// DefaultLanguage is the reserved language tag for task-global stages.
const DefaultLanguage = "default"

// LanguageStages is the ordered per-language stage graph. Diarization is not
// listed because it runs once per task, before any language work.
var LanguageStages = []Stage{StageTranslation, StageVoiceCloning, StageStitch, StageExport}

// AllStages lists every known stage.
var AllStages = []Stage{StageSpeakerDiarization, StageTranslation, StageVoiceCloning, StageStitch, StageExport}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageSpeakerDiarization, StageTranslation, StageVoiceCloning, StageStitch, StageExport:
		return true
	}
	return false
}

// TaskGlobal reports whether the stage runs under the DefaultLanguage tag.
func (s Stage) TaskGlobal() bool {
	return s == StageSpeakerDiarization
}

// StageStatus represents the status of one stage for one language.
type StageStatus string

const (
	// StageIdle indicates the stage has never run.
	StageIdle StageStatus = "idle"
	// StagePending indicates the stage is queued.
	StagePending StageStatus = "pending"
	// StageProcessing indicates the stage is currently running.
	StageProcessing StageStatus = "processing"
	// StageCompleted indicates the stage finished successfully.
	StageCompleted StageStatus = "completed"
	// StageFailed indicates the stage finished with an error.
	StageFailed StageStatus = "failed"
)

// IsTerminal returns true for completed and failed.
func (s StageStatus) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// TaskStatus is the derived overall status of a task.
type TaskStatus string

const (
	// TaskPending indicates no stage is running and the task is not finished.
	TaskPending TaskStatus = "pending"
	// TaskProcessing indicates at least one stage is running.
	TaskProcessing TaskStatus = "processing"
	// TaskCompleted indicates every target language finished every stage.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed indicates at least one stage failed and was not retried.
	TaskFailed TaskStatus = "failed"
)

// StageState holds the status block of one (language, stage) pair.
type StageState struct {
	Status     StageStatus `json:"status"`
	Progress   int         `json:"progress"`
	Message    string      `json:"message,omitempty"`
	StartedAt  *Time       `json:"started_at,omitempty"`
	FinishedAt *Time       `json:"finished_at,omitempty"`
}

// StageStatusMap maps stage name to its status block.
type StageStatusMap map[Stage]StageState

// LanguageStatus maps language tag (or DefaultLanguage) to its stage map.
type LanguageStatus map[string]StageStatusMap

// TaskConfig holds the user-supplied dubbing configuration.
type TaskConfig struct {
	// TargetLanguages lists canonical language tags to dub into.
	TargetLanguages []string `json:"target_languages"`
	// SpeakerVoiceMapping maps diarized speaker labels to reference voices.
	SpeakerVoiceMapping map[string]string `json:"speaker_voice_mapping,omitempty"`
	// BurnSubtitles requests the translated subtitle to be burned into the
	// exported video.
	BurnSubtitles bool `json:"burn_subtitles,omitempty"`
	// OriginalAudioVolume mixes the original track under the dub (0 = mute).
	OriginalAudioVolume float64 `json:"original_audio_volume,omitempty"`
}

// Task represents one uploaded video and its downstream dubbing state.
type Task struct {
	BaseModel

	// VideoOriginalName is the upload's client-side filename.
	VideoOriginalName string `gorm:"size:512;not null" json:"video_original_name"`

	// VideoStoredName is the filename under the task's input directory.
	VideoStoredName string `gorm:"size:512;not null" json:"video_stored_name"`

	// SourceSubtitlePresent is true once a source subtitle has been stored.
	SourceSubtitlePresent bool `json:"source_subtitle_present"`

	// OverallStatus is derived from LanguageStatus; never set directly.
	OverallStatus TaskStatus `gorm:"size:20;index;default:'pending'" json:"overall_status"`

	// LastError holds the most recent stage failure message.
	LastError string `gorm:"size:4096" json:"last_error,omitempty"`

	// Config is the structured dubbing configuration.
	Config TaskConfig `gorm:"type:text;serializer:json" json:"config"`

	// LanguageStatus maps language tag to per-stage status blocks.
	LanguageStatus LanguageStatus `gorm:"type:text;serializer:json" json:"language_status"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// BeforeCreate is a GORM hook that initializes maps and generates the ULID.
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if err := t.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	if t.LanguageStatus == nil {
		t.LanguageStatus = LanguageStatus{}
	}
	if t.OverallStatus == "" {
		t.OverallStatus = TaskPending
	}
	return nil
}

// StageStateFor returns the status block for (language, stage). A stage that
// has never run reports idle.
func (t *Task) StageStateFor(language string, stage Stage) StageState {
	if langMap, ok := t.LanguageStatus[language]; ok {
		if state, ok := langMap[stage]; ok {
			return state
		}
	}
	return StageState{Status: StageIdle}
}

// StageUpdate is a partial update to one (language, stage) status block.
// Nil fields are left unchanged.
type StageUpdate struct {
	Status   *StageStatus
	Progress *int
	Message  *string
}

// ApplyStageUpdate merges a partial update into LanguageStatus and recomputes
// OverallStatus. A transition into processing stamps StartedAt and resets
// progress for the new run; a transition into a terminal status stamps
// FinishedAt. Progress is clamped to [0,100].
func (t *Task) ApplyStageUpdate(language string, stage Stage, u StageUpdate) {
	if t.LanguageStatus == nil {
		t.LanguageStatus = LanguageStatus{}
	}
	langMap := t.LanguageStatus[language]
	if langMap == nil {
		langMap = StageStatusMap{}
		t.LanguageStatus[language] = langMap
	}

	state := langMap[stage]
	if state.Status == "" {
		state.Status = StageIdle
	}

	if u.Status != nil && *u.Status != state.Status {
		now := Now()
		switch *u.Status {
		case StageProcessing:
			state.StartedAt = &now
			state.FinishedAt = nil
			state.Progress = 0
		case StageCompleted, StageFailed:
			state.FinishedAt = &now
		}
		state.Status = *u.Status
	}

	if u.Progress != nil {
		p := *u.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		state.Progress = p
	}

	if u.Message != nil {
		state.Message = *u.Message
	}

	langMap[stage] = state

	if state.Status == StageFailed && state.Message != "" {
		t.LastError = state.Message
	}

	t.Recompute()
}

// Recompute derives OverallStatus from LanguageStatus:
// failed if any stage is failed, processing if any stage is processing,
// completed if every target language finished every per-language stage,
// otherwise pending.
func (t *Task) Recompute() {
	anyFailed := false
	anyProcessing := false
	for _, langMap := range t.LanguageStatus {
		for _, state := range langMap {
			switch state.Status {
			case StageFailed:
				anyFailed = true
			case StageProcessing:
				anyProcessing = true
			}
		}
	}

	switch {
	case anyProcessing:
		t.OverallStatus = TaskProcessing
	case anyFailed:
		t.OverallStatus = TaskFailed
	case t.allLanguagesCompleted():
		t.OverallStatus = TaskCompleted
	default:
		t.OverallStatus = TaskPending
	}
}

// allLanguagesCompleted reports whether every configured target language has
// completed every per-language stage. Tasks without target languages are
// never considered completed.
func (t *Task) allLanguagesCompleted() bool {
	if len(t.Config.TargetLanguages) == 0 {
		return false
	}
	for _, lang := range t.Config.TargetLanguages {
		langMap, ok := t.LanguageStatus[lang]
		if !ok {
			return false
		}
		for _, stage := range LanguageStages {
			if langMap[stage].Status != StageCompleted {
				return false
			}
		}
	}
	return true
}
