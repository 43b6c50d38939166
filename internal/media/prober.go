// Package media wraps the ffprobe/ffmpeg toolchain for the operations the
// pipeline needs: probing uploaded videos, extracting the source audio
// track, and muxing a dubbed track back into the original video.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/voxdub/voxdub/internal/util"
)

// VideoInfo is the probed metadata surfaced on the task API.
type VideoInfo struct {
	SizeBytes  int64   `json:"size"`
	Duration   float64 `json:"duration"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Resolution string  `json:"resolution"`
	Bitrate    int     `json:"bitrate"`
	Codec      string  `json:"codec"`
}

// probeResult mirrors the ffprobe JSON we consume.
type probeResult struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Prober runs ffprobe against local files.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
}

// NewProber creates a Prober. An empty path resolves ffprobe via
// VOXDUB_FFPROBE, the working directory, then PATH.
func NewProber(ffprobePath string, timeout time.Duration) *Prober {
	if ffprobePath == "" {
		if found, err := util.FindBinary("ffprobe", "VOXDUB_FFPROBE"); err == nil {
			ffprobePath = found
		} else {
			ffprobePath = "ffprobe"
		}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{ffprobePath: ffprobePath, timeout: timeout}
}

// Probe returns the video metadata of a local file.
func (p *Prober) Probe(ctx context.Context, path string) (*VideoInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("probe timeout after %v", p.timeout)
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result probeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	info := &VideoInfo{}
	info.SizeBytes, _ = strconv.ParseInt(result.Format.Size, 10, 64)
	info.Duration, _ = strconv.ParseFloat(result.Format.Duration, 64)
	info.Bitrate, _ = strconv.Atoi(result.Format.BitRate)

	for _, stream := range result.Streams {
		if stream.CodecType != "video" {
			continue
		}
		info.Codec = stream.CodecName
		info.Width = stream.Width
		info.Height = stream.Height
		if stream.Width > 0 && stream.Height > 0 {
			info.Resolution = fmt.Sprintf("%dx%d", stream.Width, stream.Height)
		}
		break
	}
	if info.Codec == "" {
		return nil, fmt.Errorf("no video stream in %s", path)
	}
	return info, nil
}
