package media

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/voxdub/voxdub/internal/util"
)

// MuxRequest describes one export operation: replace (or mix) the video's
// audio with the stitched dub and write the final container.
type MuxRequest struct {
	VideoPath  string
	AudioPath  string
	OutputPath string

	// SubtitlePath, when set, is burned into the picture.
	SubtitlePath string

	// OriginalAudioVolume mixes the source track under the dub.
	// 0 replaces the original audio entirely.
	OriginalAudioVolume float64
}

// Muxer runs ffmpeg for the export stage.
type Muxer struct {
	ffmpegPath string
	timeout    time.Duration
}

// NewMuxer creates a Muxer. An empty path resolves ffmpeg via
// VOXDUB_FFMPEG, the working directory, then PATH.
func NewMuxer(ffmpegPath string, timeout time.Duration) *Muxer {
	if ffmpegPath == "" {
		if found, err := util.FindBinary("ffmpeg", "VOXDUB_FFMPEG"); err == nil {
			ffmpegPath = found
		} else {
			ffmpegPath = "ffmpeg"
		}
	}
	if timeout <= 0 {
		timeout = 20 * time.Minute
	}
	return &Muxer{ffmpegPath: ffmpegPath, timeout: timeout}
}

// buildArgs assembles the ffmpeg invocation for a mux request.
func (m *Muxer) buildArgs(req MuxRequest) []string {
	args := []string{
		"-loglevel", "error",
		"-y",
		"-i", req.VideoPath,
		"-i", req.AudioPath,
	}

	var filters []string
	audioMap := "1:a:0"
	if req.OriginalAudioVolume > 0 {
		filters = append(filters, fmt.Sprintf(
			"[0:a:0]volume=%.2f[orig];[orig][1:a:0]amix=inputs=2:duration=longest[aout]",
			req.OriginalAudioVolume))
		audioMap = "[aout]"
	}

	if req.SubtitlePath != "" {
		// Burning subtitles forces a video re-encode.
		args = append(args, "-vf", "subtitles="+escapeFilterPath(req.SubtitlePath))
	} else {
		args = append(args, "-c:v", "copy")
	}

	if len(filters) > 0 {
		args = append(args, "-filter_complex", strings.Join(filters, ";"))
	}

	args = append(args,
		"-map", "0:v:0",
		"-map", audioMap,
		"-c:a", "aac",
		"-shortest",
		req.OutputPath,
	)
	return args
}

// Mux produces the final dubbed video.
func (m *Muxer) Mux(ctx context.Context, req MuxRequest) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath, m.buildArgs(req)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("mux timeout after %v", m.timeout)
		}
		return fmt.Errorf("ffmpeg mux failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// ExtractAudio pulls the source audio track as 16-bit mono PCM, the format
// the diarization worker expects.
func (m *Muxer) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-loglevel", "error",
		"-y",
		"-i", videoPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", "16000",
		"-ac", "1",
		audioPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("audio extraction timeout after %v", m.timeout)
		}
		return fmt.Errorf("ffmpeg audio extraction failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// escapeFilterPath escapes a path for use inside an ffmpeg filter argument.
func escapeFilterPath(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`)
	return r.Replace(path)
}
