// Package media wraps the external ffmpeg binary.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const (
	DefaultFFmpegPath = "ffmpeg"
	DefaultWidth      = 320
	DefaultHeight     = 240

	maxReportedOutput = 2048
)

// Thumbnailer extracts a single representative frame from a video.
type Thumbnailer struct {
	FFmpegPath string
	Width      int
	Height     int
}

// NewThumbnailer fills unset fields with defaults.
func NewThumbnailer(ffmpegPath string, width, height int) *Thumbnailer {
	if strings.TrimSpace(ffmpegPath) == "" {
		ffmpegPath = DefaultFFmpegPath
	}
	if width <= 0 {
		width = DefaultWidth
	}
	if height <= 0 {
		height = DefaultHeight
	}
	return &Thumbnailer{FFmpegPath: ffmpegPath, Width: width, Height: height}
}

// Generate writes a JPEG frame of src to dst. It runs until ffmpeg exits or
// ctx is done.
func (t *Thumbnailer) Generate(ctx context.Context, src, dst string) error {
	if src == "" || dst == "" {
		return errors.New("media: source and destination are required")
	}
	args := []string{
		"-y",
		"-i", src,
		"-vf", fmt.Sprintf("thumbnail,scale=%d:%d", t.Width, t.Height),
		"-frames:v", "1",
		dst,
	}
	cmd := exec.CommandContext(ctx, t.FFmpegPath, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("media: ffmpeg failed: %w: %s", err, tail(output.String()))
	}
	return nil
}

func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) > maxReportedOutput {
		return output[len(output)-maxReportedOutput:]
	}
	return output
}
