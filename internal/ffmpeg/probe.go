package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// VideoInfo contains information about a video file
type VideoInfo struct {
	Path            string
	DurationSeconds float64
	Width           int64
	Height          int64
	Codec           string
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int64  `json:"width"`
		Height    int64  `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe retrieves information about a video file using ffprobe
func Probe(ctx context.Context, ffprobePath, videoPath string) (*VideoInfo, error) {
	if ffprobePath == "" {
		return nil, fmt.Errorf("ffprobe path is empty")
	}
	if videoPath == "" {
		return nil, fmt.Errorf("video path is required")
	}

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		videoPath,
	}

	cmd := exec.CommandContext(ctx, ffprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	info, err := parseProbeOutput(output)
	if err != nil {
		return nil, err
	}
	info.Path = videoPath
	return info, nil
}

func parseProbeOutput(output []byte) (*VideoInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, fmt.Errorf("ffprobe output: %w", err)
	}

	info := &VideoInfo{}
	streamDuration := ""
	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		info.Width = s.Width
		info.Height = s.Height
		info.Codec = s.CodecName
		streamDuration = s.Duration
		break
	}
	if info.Codec == "" {
		return nil, fmt.Errorf("ffprobe output: no video stream")
	}

	// container duration is more reliable than the stream's for most muxers
	for _, d := range []string{out.Format.Duration, streamDuration} {
		if d == "" {
			continue
		}
		if v, err := strconv.ParseFloat(d, 64); err == nil && v >= 0 {
			info.DurationSeconds = v
			break
		}
	}
	return info, nil
}
