package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	probeTimeout     = 30 * time.Second
	thumbnailTimeout = 30 * time.Second
	thumbnailOffset  = "00:00:01.000"
	thumbnailFilter  = "scale=320:240:force_original_aspect_ratio=decrease,pad=320:240:(ow-iw)/2:(oh-ih)/2"
)

var ErrToolUnavailable = errors.New("ffmpeg toolchain not available")

// Metadata describes the primary video stream of a file.
type Metadata struct {
	Duration float64 // seconds
	Width    int
	Height   int
	FPS      float64
	Bitrate  int64
}

// Toolchain wraps the ffmpeg and ffprobe binaries.
type Toolchain struct {
	FFmpeg  string
	FFprobe string
	Logger  *slog.Logger
}

// NewToolchain builds a toolchain; empty paths fall back to the binaries on
// PATH.
func NewToolchain(ffmpegPath, ffprobePath string, logger *slog.Logger) *Toolchain {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolchain{FFmpeg: ffmpegPath, FFprobe: ffprobePath, Logger: logger}
}

// Available reports whether the ffmpeg binary can be found.
func (t *Toolchain) Available() bool {
	if t == nil {
		return false
	}
	_, err := exec.LookPath(t.FFmpeg)
	return err == nil
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// Probe runs ffprobe against path and extracts stream metadata.
func (t *Toolchain) Probe(ctx context.Context, path string) (Metadata, error) {
	if _, err := exec.LookPath(t.FFprobe); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrToolUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.FFprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe %s: %w: %s", filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}
	return ParseProbe(out)
}

// ParseProbe decodes ffprobe's JSON output.
func ParseProbe(raw []byte) (Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Metadata{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		duration, _ := strconv.ParseFloat(out.Format.Duration, 64)
		bitrate, _ := strconv.ParseInt(out.Format.BitRate, 10, 64)
		return Metadata{
			Duration: duration,
			Width:    s.Width,
			Height:   s.Height,
			FPS:      parseFrameRate(s.RFrameRate),
			Bitrate:  bitrate,
		}, nil
	}
	return Metadata{}, errors.New("no video stream found")
}

func parseFrameRate(raw string) float64 {
	num, den, ok := strings.Cut(raw, "/")
	if !ok {
		f, _ := strconv.ParseFloat(raw, 64)
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// Thumbnail renders a padded 320x240 JPEG of the frame at one second.
func (t *Toolchain) Thumbnail(ctx context.Context, src, dst string) error {
	if !t.Available() {
		return ErrToolUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, thumbnailTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.FFmpeg,
		"-i", src,
		"-ss", thumbnailOffset,
		"-vframes", "1",
		"-vf", thumbnailFilter,
		"-y",
		dst,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg thumbnail: %w: %s", err, tail(output))
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("thumbnail was not created: %w", err)
	}
	return nil
}

// Concat joins inputs into output with the concat demuxer, re-encoding to
// H.264/AAC. Cancelling ctx kills ffmpeg.
func (t *Toolchain) Concat(ctx context.Context, inputs []string, output string) error {
	if !t.Available() {
		return ErrToolUnavailable
	}
	if len(inputs) == 0 {
		return errors.New("no inputs to concatenate")
	}

	list, err := os.CreateTemp(filepath.Dir(output), "concat-*.txt")
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			list.Close()
			return err
		}
		fmt.Fprintf(list, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := list.Close(); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}

	cmd := exec.CommandContext(ctx, t.FFmpeg,
		"-f", "concat",
		"-safe", "0",
		"-i", list.Name(),
		"-c:v", "libx264",
		"-c:a", "aac",
		"-movflags", "+faststart",
		"-y",
		output,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg concat: %w: %s", err, tail(out))
	}
	t.Logger.Debug("ffmpeg concat finished", "inputs", len(inputs), "output", output)
	return nil
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	const max = 512
	if len(s) > max {
		return s[len(s)-max:]
	}
	return s
}
