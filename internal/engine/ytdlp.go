package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/vidqueue/vidqueue/internal/model"
)

// YTDLP is the exec-based Engine implementation driving the yt-dlp binary.
type YTDLP struct {
	binary string
	logger *slog.Logger
}

// NewYTDLP creates an engine around the given yt-dlp binary path. An empty
// binary resolves "yt-dlp" from PATH at run time.
func NewYTDLP(binary string, logger *slog.Logger) *YTDLP {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YTDLP{binary: binary, logger: logger}
}

// CheckBinary verifies the extraction binary is present.
func (y *YTDLP) CheckBinary() error {
	if _, err := exec.LookPath(y.binary); err != nil {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", y.binary)
	}
	return nil
}

// commonArgs holds the flags every invocation shares.
func (y *YTDLP) commonArgs(cfg FetchConfig) []string {
	args := []string{"--no-playlist", "--no-warnings"}
	for key, value := range cfg.Headers {
		args = append(args, "--add-headers", fmt.Sprintf("%s:%s", key, value))
	}
	if cfg.CookieFile != "" {
		args = append(args, "--cookies", cfg.CookieFile)
	}
	for _, extractorArg := range cfg.ExtractorArgs {
		args = append(args, "--extractor-args", extractorArg)
	}
	if cfg.UserAgent != "" {
		args = append(args, "--user-agent", cfg.UserAgent)
	}
	return args
}

// probeInfo mirrors the subset of the tool's -J output we consume.
type probeInfo struct {
	Title        string         `json:"title"`
	Duration     float64        `json:"duration"`
	Thumbnail    string         `json:"thumbnail"`
	Uploader     string         `json:"uploader"`
	ExtractorKey string         `json:"extractor_key"`
	Formats      []model.Format `json:"formats"`
}

// Probe runs a metadata-only extraction and parses the JSON dump.
func (y *YTDLP) Probe(ctx context.Context, url string, cfg FetchConfig) (*model.Metadata, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("url is required")
	}

	args := append([]string{"-J"}, y.commonArgs(cfg)...)
	args = append(args, url)

	y.logger.Debug("Probe: running", "url", url, "strategy", cfg.Label)

	cmd := exec.CommandContext(ctx, y.binary, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyFailure(stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, &UnavailableError{Kind: UnavailableGeneric, Detail: "extraction tool returned empty output"}
	}

	var info probeInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("failed to parse media info: %w", err)
	}

	meta := &model.Metadata{
		Title:        info.Title,
		Duration:     info.Duration,
		ThumbnailURL: info.Thumbnail,
		Uploader:     info.Uploader,
		Platform:     strings.ToLower(info.ExtractorKey),
		Formats:      filterUsableFormats(info.Formats),
	}
	y.logger.Debug("Probe: completed", "url", url, "title", meta.Title, "duration", meta.Duration, "formats", len(meta.Formats))
	return meta, nil
}

// filterUsableFormats drops entries with no resolution info, which are
// typically storyboard or audio-fragment pseudo-formats.
func filterUsableFormats(formats []model.Format) []model.Format {
	usable := make([]model.Format, 0, len(formats))
	for _, f := range formats {
		if f.ID == "" {
			continue
		}
		if f.Height == 0 && f.Resolution == "" && f.AudioCodec == "" {
			continue
		}
		usable = append(usable, f)
	}
	return usable
}

// progressRe matches the tool's "[download]  42.1% of ..." lines.
var progressRe = regexp.MustCompile(`\[download\]\s+([\d.]+)%`)

// Fetch downloads the media to outputStem.<ext>, streaming progress lines
// back through progress as they arrive.
func (y *YTDLP) Fetch(ctx context.Context, url string, cfg FetchConfig, outputStem string, progress ProgressFunc) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("url is required")
	}
	if strings.TrimSpace(outputStem) == "" {
		return fmt.Errorf("outputStem is required")
	}

	format := cfg.Format
	if format == "" {
		format = "bv*+ba/b"
	}

	args := []string{
		"--newline",
		"-f", format,
		"-o", outputStem + ".%(ext)s",
	}
	args = append(args, y.commonArgs(cfg)...)
	if cfg.RateLimit != "" {
		args = append(args, "--limit-rate", cfg.RateLimit)
	}
	args = append(args, url)

	y.logger.Debug("Fetch: running", "url", url, "strategy", cfg.Label, "format", format, "stem", filepath.Base(outputStem))

	cmd := exec.CommandContext(ctx, y.binary, args...)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", y.binary, err)
	}

	scanner := bufio.NewScanner(stdoutPipe)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	var tail strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		appendLimited(&tail, line)
		if progress == nil {
			continue
		}
		if m := progressRe.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
				progress(pct, "Downloading")
			}
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		combined := stderr.String()
		if combined == "" {
			combined = tail.String()
		}
		return classifyFailure(combined)
	}
	return nil
}

// splitByNewlineOrCR treats carriage returns as line breaks so in-place
// progress updates produce separate lines.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string) {
	const maxKeep = 8192
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	remain := maxKeep - b.Len()
	if len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}
