package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPathManager(t *testing.T) *PathManager {
	t.Helper()
	pm, err := NewPathManager(t.TempDir(), nil)
	require.NoError(t, err)
	return pm
}

func TestPathManager_Layout(t *testing.T) {
	pm := newTestPathManager(t)
	const taskID = "01JTESTTASK0000000000000000"

	require.NoError(t, pm.EnsureLayout(taskID))

	for _, dir := range []string{
		pm.InputDir(taskID),
		pm.ProcessedDir(taskID),
		pm.OutputsDir(taskID),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}

	// Idempotent.
	require.NoError(t, pm.EnsureLayout(taskID))
}

func TestPathManager_DerivedPaths(t *testing.T) {
	pm := newTestPathManager(t)
	const taskID = "01JTESTTASK0000000000000000"

	assert.Equal(t,
		filepath.Join(pm.TaskRoot(taskID), "processed", "speaker_data.json"),
		pm.SpeakerDataPath(taskID))
	assert.Equal(t,
		filepath.Join(pm.TaskRoot(taskID), "outputs", "ko", "translated.srt"),
		pm.TranslatedSubtitlePath(taskID, "ko"))
	assert.Equal(t,
		filepath.Join(pm.TaskRoot(taskID), "outputs", "ko", "cloned_audio", "segment_3.wav"),
		pm.SegmentPath(taskID, "ko", 3))
	assert.Equal(t,
		filepath.Join(pm.TaskRoot(taskID), "outputs", "ko", "final_video.mp4"),
		pm.FinalVideoPath(taskID, "ko"))

	// Containment: every derived path must live under the task root.
	for _, p := range []string{
		pm.VideoPath(taskID, "x.mp4"),
		pm.AudioPath(taskID),
		pm.SourceSubtitlePath(taskID),
		pm.SpeakerSegmentsDir(taskID),
		pm.RequestFilePath(taskID, "translation"),
		pm.StitchedAudioPath(taskID, "en"),
	} {
		assert.True(t, pm.Contains(taskID, p), p)
	}
	assert.False(t, pm.Contains(taskID, pm.Root()))
}

func TestPathManager_StoredVideoName(t *testing.T) {
	pm := newTestPathManager(t)

	assert.Equal(t, "t1_demo.mp4", pm.StoredVideoName("t1", "demo.mp4"))
	// Client-side paths are stripped.
	assert.Equal(t, "t1_evil.mp4", pm.StoredVideoName("t1", "../../evil.mp4"))
	assert.Equal(t, "t1_movie.mkv", pm.StoredVideoName("t1", `C:\Users\me\movie.mkv`))
	assert.Equal(t, "t1_upload", pm.StoredVideoName("t1", ".."))
}

func TestPathManager_DeleteTaskTree(t *testing.T) {
	pm := newTestPathManager(t)
	const taskID = "01JTESTTASK0000000000000000"

	require.NoError(t, pm.EnsureLayout(taskID))
	require.NoError(t, pm.EnsureLanguageLayout(taskID, "en"))
	require.NoError(t, os.WriteFile(pm.SegmentPath(taskID, "en", 0), []byte("x"), 0o640))

	require.NoError(t, pm.DeleteTaskTree(taskID))

	_, err := os.Stat(pm.TaskRoot(taskID))
	assert.True(t, os.IsNotExist(err))
}

func TestSandbox_ResolvePath_Escape(t *testing.T) {
	sandbox, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	_, err = sandbox.ResolvePath("../outside")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "escapes sandbox"))

	_, err = sandbox.ResolvePath("/etc/passwd")
	assert.Error(t, err)
}

func TestSandbox_WriteReadRoundTrip(t *testing.T) {
	sandbox, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, sandbox.WriteFile("a/b/c.txt", []byte("payload")))

	data, err := sandbox.ReadFile("a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	exists, err := sandbox.Exists("a/b/c.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}
