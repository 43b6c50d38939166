package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Task directory names. Every artifact the pipeline reads or writes lives
// under one of these, inside <root>/<task_id>/.
const (
	inputDirName     = "input"
	processedDirName = "processed"
	outputsDirName   = "outputs"

	audioFileName      = "audio.wav"
	sourceSubtitleName = "source_subtitle.srt"
	speakerSegmentsDir = "speaker_segments"
	speakerDataName    = "speaker_data.json"

	translatedSubtitleName = "translated.srt"
	clonedAudioDirName     = "cloned_audio"
	stitchedAudioName      = "stitched_audio.wav"
	stitchTimelineName     = "stitch_timeline.json"
	finalVideoName         = "final_video.mp4"
)

// PathManager derives, creates, and removes the per-task directory layout.
// No other component may construct task-relative paths on its own.
type PathManager struct {
	sandbox *Sandbox
	logger  *slog.Logger
}

// NewPathManager creates a PathManager rooted at tasksDir.
func NewPathManager(tasksDir string, logger *slog.Logger) (*PathManager, error) {
	sandbox, err := NewSandbox(tasksDir)
	if err != nil {
		return nil, fmt.Errorf("initializing task storage: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PathManager{
		sandbox: sandbox,
		logger:  logger.With(slog.String("component", "path_manager")),
	}, nil
}

// Root returns the tasks root directory.
func (p *PathManager) Root() string {
	return p.sandbox.BaseDir()
}

// TaskRoot returns the absolute root directory of one task.
func (p *PathManager) TaskRoot(taskID string) string {
	return filepath.Join(p.sandbox.BaseDir(), taskID)
}

// InputDir returns the task's input directory.
func (p *PathManager) InputDir(taskID string) string {
	return filepath.Join(p.TaskRoot(taskID), inputDirName)
}

// ProcessedDir returns the task's intermediate-artifact directory.
func (p *PathManager) ProcessedDir(taskID string) string {
	return filepath.Join(p.TaskRoot(taskID), processedDirName)
}

// OutputsDir returns the task's per-language outputs directory.
func (p *PathManager) OutputsDir(taskID string) string {
	return filepath.Join(p.TaskRoot(taskID), outputsDirName)
}

// LanguageDir returns the output directory for one target language.
func (p *PathManager) LanguageDir(taskID, language string) string {
	return filepath.Join(p.OutputsDir(taskID), language)
}

// StoredVideoName returns the stored filename for an uploaded video.
// The original name is reduced to its base to strip any client-side path.
func (p *PathManager) StoredVideoName(taskID, originalName string) string {
	return taskID + "_" + sanitizeName(originalName)
}

// VideoPath returns the absolute path of the stored video file.
func (p *PathManager) VideoPath(taskID, storedName string) string {
	return filepath.Join(p.InputDir(taskID), storedName)
}

// AudioPath returns the extracted source audio track.
func (p *PathManager) AudioPath(taskID string) string {
	return filepath.Join(p.ProcessedDir(taskID), audioFileName)
}

// SourceSubtitlePath returns the stored source subtitle.
func (p *PathManager) SourceSubtitlePath(taskID string) string {
	return filepath.Join(p.ProcessedDir(taskID), sourceSubtitleName)
}

// SpeakerSegmentsDir returns the directory of per-speaker audio snippets.
func (p *PathManager) SpeakerSegmentsDir(taskID string) string {
	return filepath.Join(p.ProcessedDir(taskID), speakerSegmentsDir)
}

// SpeakerDataPath returns the diarization result document.
func (p *PathManager) SpeakerDataPath(taskID string) string {
	return filepath.Join(p.ProcessedDir(taskID), speakerDataName)
}

// RequestFilePath returns the worker request document for one stage run.
func (p *PathManager) RequestFilePath(taskID, stage string) string {
	return filepath.Join(p.ProcessedDir(taskID), stage+"_request.json")
}

// TranslatedSubtitlePath returns outputs/<language>/translated.srt.
func (p *PathManager) TranslatedSubtitlePath(taskID, language string) string {
	return filepath.Join(p.LanguageDir(taskID, language), translatedSubtitleName)
}

// ClonedAudioDir returns outputs/<language>/cloned_audio.
func (p *PathManager) ClonedAudioDir(taskID, language string) string {
	return filepath.Join(p.LanguageDir(taskID, language), clonedAudioDirName)
}

// SegmentPath returns the cloned audio file for one subtitle line.
func (p *PathManager) SegmentPath(taskID, language string, index int) string {
	return filepath.Join(p.ClonedAudioDir(taskID, language), fmt.Sprintf("segment_%d.wav", index))
}

// StitchedAudioPath returns outputs/<language>/stitched_audio.wav.
func (p *PathManager) StitchedAudioPath(taskID, language string) string {
	return filepath.Join(p.LanguageDir(taskID, language), stitchedAudioName)
}

// StitchTimelinePath returns outputs/<language>/stitch_timeline.json, the
// stitcher's re-planned per-segment timeline.
func (p *PathManager) StitchTimelinePath(taskID, language string) string {
	return filepath.Join(p.LanguageDir(taskID, language), stitchTimelineName)
}

// FinalVideoPath returns outputs/<language>/final_video.mp4.
func (p *PathManager) FinalVideoPath(taskID, language string) string {
	return filepath.Join(p.LanguageDir(taskID, language), finalVideoName)
}

// EnsureLayout creates the task's directory skeleton. Idempotent.
func (p *PathManager) EnsureLayout(taskID string) error {
	for _, dir := range []string{
		filepath.Join(taskID, inputDirName),
		filepath.Join(taskID, processedDirName),
		filepath.Join(taskID, outputsDirName),
	} {
		if err := p.sandbox.MkdirAll(dir); err != nil {
			return fmt.Errorf("ensuring task layout: %w", err)
		}
	}
	return nil
}

// EnsureLanguageLayout creates the output directories for one language.
func (p *PathManager) EnsureLanguageLayout(taskID, language string) error {
	if err := p.sandbox.MkdirAll(filepath.Join(taskID, outputsDirName, language, clonedAudioDirName)); err != nil {
		return fmt.Errorf("ensuring language layout: %w", err)
	}
	return nil
}

// DeleteTaskTree removes the whole task root. Best-effort: a partial
// failure logs the residual path instead of aborting the delete.
func (p *PathManager) DeleteTaskTree(taskID string) error {
	if err := p.sandbox.RemoveAll(taskID); err != nil {
		p.logger.Warn("residual files left after task delete",
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Contains reports whether an absolute path lies under the task's root.
func (p *PathManager) Contains(taskID, absPath string) bool {
	root := p.TaskRoot(taskID)
	return absPath == root || strings.HasPrefix(absPath, root+string(filepath.Separator))
}

// sanitizeName strips path components and characters unsafe for filenames.
func sanitizeName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch r {
		case '\x00', '/', '\\':
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." || base == ".." {
		return "upload"
	}
	return base
}

// statExists is a helper for best-effort checks without a sandbox round trip.
func statExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FinalVideoExists reports whether an export artifact is on disk. Used only
// for download handling, never for status derivation.
func (p *PathManager) FinalVideoExists(taskID, language string) bool {
	return statExists(p.FinalVideoPath(taskID, language))
}
