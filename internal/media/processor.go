// Package media post-processes fetched files with ffmpeg: trimming to a
// requested time range and normalizing containers for broad playback
// compatibility.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vidqueue/vidqueue/internal/model"
)

// ErrTrimFailed marks trim errors. Trimming is requested explicitly, so
// delivering an untrimmed file instead is never acceptable; callers fail the
// job on this error.
var ErrTrimFailed = errors.New("trim failed")

// Processor wraps ffmpeg/ffprobe calls.
type Processor struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
}

// NewProcessor creates an ffmpeg adapter. Empty binary paths resolve
// "ffmpeg" and "ffprobe" from PATH.
func NewProcessor(ffmpegBin, ffprobeBin string, logger *slog.Logger) *Processor {
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	return &Processor{ffmpeg: ffmpegBin, ffprobe: ffprobeBin, logger: logger}
}

// CheckBinaries verifies ffmpeg and ffprobe are present.
func (p *Processor) CheckBinaries() error {
	if _, err := exec.LookPath(p.ffmpeg); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", p.ffmpeg)
	}
	if _, err := exec.LookPath(p.ffprobe); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", p.ffprobe)
	}
	return nil
}

// ProbeDuration returns the container duration in seconds.
func (p *Processor) ProbeDuration(ctx context.Context, inputPath string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=nokey=1:noprint_wrappers=1",
		inputPath,
	}
	cmd := exec.CommandContext(ctx, p.ffprobe, args...)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("%s failed: %w", p.ffprobe, err)
	}
	value := strings.TrimSpace(string(out))
	if value == "" {
		return 0, fmt.Errorf("duration missing")
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func (p *Processor) probeVideoCodec(ctx context.Context, inputPath string) (string, error) {
	args := []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name",
		"-of", "default=nokey=1:noprint_wrappers=1",
		inputPath,
	}
	cmd := exec.CommandContext(ctx, p.ffprobe, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Trim cuts inputPath down to the given range without re-encoding and writes
// the result to outputPath. Errors wrap ErrTrimFailed.
func (p *Processor) Trim(ctx context.Context, inputPath, outputPath string, r model.TrimRange) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrTrimFailed, err)
	}

	tmpPath := outputPath + ".tmp" + filepath.Ext(outputPath)
	_ = os.Remove(tmpPath)

	args := []string{
		"-y",
		"-ss", formatSeconds(r.Start),
		"-i", inputPath,
		"-t", formatSeconds(r.Duration()),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		tmpPath,
	}

	p.logger.Debug("Trim: running", "input", filepath.Base(inputPath), "start", r.Start, "end", r.End)
	if err := p.run(ctx, args...); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrTrimFailed, err)
	}

	_ = os.Remove(outputPath)
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return fmt.Errorf("%w: %v", ErrTrimFailed, err)
	}
	return nil
}

// EnsureMP4 normalizes inputPath into an MP4 at outputPath and returns the
// path of the file to deliver. Normalization is best-effort: if transcoding
// fails it falls back to a stream-copy remux, and if that also fails the
// original file is delivered untouched.
func (p *Processor) EnsureMP4(ctx context.Context, inputPath, outputPath string) (string, error) {
	codec, _ := p.probeVideoCodec(ctx, inputPath)
	if strings.EqualFold(filepath.Ext(inputPath), ".mp4") && codec == "h264" {
		return inputPath, nil
	}

	tmpPath := outputPath + ".tmp.mp4"
	_ = os.Remove(tmpPath)

	transcodeVideo := codec == "" || codec != "h264"
	args := []string{"-y", "-i", inputPath, "-sn", "-map", "0:v:0?", "-map", "0:a:0?"}
	if transcodeVideo {
		args = append(args, "-c:v", "libx264", "-preset", "veryfast", "-crf", "20")
	} else {
		args = append(args, "-c:v", "copy")
	}
	args = append(args,
		"-c:a", "aac",
		"-ac", "2",
		"-b:a", "192k",
		"-ar", "48000",
		"-f", "mp4",
		"-movflags", "+faststart",
		tmpPath,
	)

	p.logger.Debug("EnsureMP4: running", "input", filepath.Base(inputPath), "transcode", transcodeVideo)
	err := p.run(ctx, args...)
	if err != nil && transcodeVideo {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = os.Remove(tmpPath)
			return "", ctxErr
		}
		p.logger.Warn("EnsureMP4: transcode failed, retrying with stream copy", "input", filepath.Base(inputPath), "error", err)
		_ = os.Remove(tmpPath)
		copyArgs := []string{
			"-y", "-i", inputPath, "-sn", "-map", "0:v:0?", "-map", "0:a:0?",
			"-c", "copy",
			"-f", "mp4",
			"-movflags", "+faststart",
			tmpPath,
		}
		err = p.run(ctx, copyArgs...)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = os.Remove(tmpPath)
			return "", ctxErr
		}
		p.logger.Warn("EnsureMP4: normalization failed, delivering original", "input", filepath.Base(inputPath), "error", err)
		_ = os.Remove(tmpPath)
		return inputPath, nil
	}

	_ = os.Remove(outputPath)
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (p *Processor) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, p.ffmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w: %s", p.ffmpeg, err, tailOf(stderr.String()))
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	const maxKeep = 1024
	if len(s) > maxKeep {
		return s[len(s)-maxKeep:]
	}
	return s
}
