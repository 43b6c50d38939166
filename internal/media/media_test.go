package media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMuxer_BuildArgs_CopyVideo(t *testing.T) {
	m := NewMuxer("", 0)
	args := m.buildArgs(MuxRequest{
		VideoPath:  "/tasks/t1/input/demo.mp4",
		AudioPath:  "/tasks/t1/outputs/ko/stitched_audio.wav",
		OutputPath: "/tasks/t1/outputs/ko/final_video.mp4",
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-c:v copy")
	assert.Contains(t, joined, "-map 1:a:0")
	assert.NotContains(t, joined, "-filter_complex")
	assert.Equal(t, "/tasks/t1/outputs/ko/final_video.mp4", args[len(args)-1])
}

func TestMuxer_BuildArgs_MixOriginalAudio(t *testing.T) {
	m := NewMuxer("", 0)
	args := m.buildArgs(MuxRequest{
		VideoPath:           "in.mp4",
		AudioPath:           "dub.wav",
		OutputPath:          "out.mp4",
		OriginalAudioVolume: 0.2,
	})

	joined := strings.Join(args, " ")
	require.Contains(t, joined, "-filter_complex")
	assert.Contains(t, joined, "volume=0.20")
	assert.Contains(t, joined, "-map [aout]")
}

func TestMuxer_BuildArgs_BurnSubtitles(t *testing.T) {
	m := NewMuxer("", 0)
	args := m.buildArgs(MuxRequest{
		VideoPath:    "in.mp4",
		AudioPath:    "dub.wav",
		OutputPath:   "out.mp4",
		SubtitlePath: "/tasks/t1/outputs/ko/translated.srt",
	})

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "subtitles=")
	assert.NotContains(t, joined, "-c:v copy")
}

func TestEscapeFilterPath(t *testing.T) {
	assert.Equal(t, `/a/b\:c\'d`, escapeFilterPath(`/a/b:c'd`))
}
