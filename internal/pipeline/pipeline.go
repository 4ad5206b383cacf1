// Package pipeline executes one retrieval job end to end: URL normalization,
// strategy selection, fetching with retries, optional trimming, container
// normalization and delivery to the output directory.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vidqueue/vidqueue/internal/engine"
	"github.com/vidqueue/vidqueue/internal/fetch"
	"github.com/vidqueue/vidqueue/internal/media"
	"github.com/vidqueue/vidqueue/internal/model"
	"github.com/vidqueue/vidqueue/internal/platform"
	"github.com/vidqueue/vidqueue/internal/strategy"
)

// Pipeline turns a job into a delivered file.
type Pipeline struct {
	registry  *platform.Registry
	selector  *strategy.Selector
	engine    engine.Engine
	fetcher   *fetch.Fetcher
	media     *media.Processor
	outputDir string
	logger    *slog.Logger
}

func New(registry *platform.Registry, selector *strategy.Selector, eng engine.Engine, fetcher *fetch.Fetcher, processor *media.Processor, outputDir string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		registry:  registry,
		selector:  selector,
		engine:    eng,
		fetcher:   fetcher,
		media:     processor,
		outputDir: outputDir,
		logger:    logger,
	}
}

// Run executes job and returns the delivered file's path and size.
func (p *Pipeline) Run(ctx context.Context, job *model.Job, onProgress func(percent float64, message string)) (string, int64, error) {
	adapter, err := p.registry.Get(job.Platform)
	if err != nil {
		return "", 0, err
	}
	if job.Trim != nil {
		if err := job.Trim.Validate(); err != nil {
			return "", 0, err
		}
	}

	url := adapter.NormalizeURL(job.URL)
	format := adapter.ResolveFormat(job.FormatSelector)
	strategies := p.selector.StrategiesFor(adapter.Profile(), format)

	if err := p.guardDuration(ctx, adapter, url, strategies[0]); err != nil {
		return "", 0, err
	}

	if onProgress != nil {
		onProgress(0, "Fetching media")
	}
	path, size, err := p.fetcher.Run(ctx, url, strategies, engine.ProgressFunc(onProgress))
	if err != nil {
		return "", 0, err
	}

	if job.Trim != nil {
		if onProgress != nil {
			onProgress(95, "Trimming")
		}
		path, err = p.trim(ctx, path, *job.Trim)
		if err != nil {
			return "", 0, err
		}
	}

	if onProgress != nil {
		onProgress(97, "Normalizing container")
	}
	path, err = p.normalize(ctx, path)
	if err != nil {
		return "", 0, err
	}

	finalPath := filepath.Join(p.outputDir, job.ID+filepath.Ext(path))
	if err := moveFile(path, finalPath); err != nil {
		return "", 0, fmt.Errorf("failed to deliver artifact: %w", err)
	}
	info, err := os.Stat(finalPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat delivered artifact: %w", err)
	}
	size = info.Size()

	p.logger.Debug("Run: delivered", "jobID", job.ID, "path", finalPath, "size", size)
	return finalPath, size, nil
}

// guardDuration probes metadata and rejects media longer than the platform
// allows. The probe is advisory: only a definitive no-content answer or an
// over-length video stops the job, any other probe failure is logged and the
// fetch proceeds without the guard.
func (p *Pipeline) guardDuration(ctx context.Context, adapter platform.Adapter, url string, cfg engine.FetchConfig) error {
	maxDuration := adapter.MaxDuration()
	meta, err := p.engine.Probe(ctx, url, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if engine.IsNoContent(err) {
			return err
		}
		p.logger.Warn("guardDuration: probe failed, proceeding without duration check", "url", url, "error", err)
		return nil
	}
	if maxDuration > 0 && meta.Duration > maxDuration.Seconds() {
		return fmt.Errorf("media duration %.0fs exceeds the %s limit of %s", meta.Duration, adapter.Name(), maxDuration)
	}
	return nil
}

// trim cuts the fetched file and replaces it with the trimmed version.
func (p *Pipeline) trim(ctx context.Context, path string, r model.TrimRange) (string, error) {
	ext := filepath.Ext(path)
	trimmed := path[:len(path)-len(ext)] + "-trim" + ext
	if err := p.media.Trim(ctx, path, trimmed, r); err != nil {
		return "", err
	}
	_ = os.Remove(path)
	return trimmed, nil
}

// normalize rewrites the file into a compatible MP4 when possible.
func (p *Pipeline) normalize(ctx context.Context, path string) (string, error) {
	ext := filepath.Ext(path)
	normalized, err := p.media.EnsureMP4(ctx, path, path[:len(path)-len(ext)]+"-norm.mp4")
	if err != nil {
		return "", err
	}
	if normalized != path {
		_ = os.Remove(path)
	}
	return normalized, nil
}

// Probe returns metadata for a URL, shaped into the caller-facing format
// catalog: a synthetic "best" entry first, then muxed formats deduplicated
// by resolution and container, highest first.
func (p *Pipeline) Probe(ctx context.Context, platformName, rawURL string) (*model.Metadata, error) {
	adapter, err := p.registry.Get(platformName)
	if err != nil {
		return nil, err
	}

	url := adapter.NormalizeURL(rawURL)
	strategies := p.selector.StrategiesFor(adapter.Profile(), adapter.ResolveFormat("best"))

	var meta *model.Metadata
	var lastErr error
	for _, cfg := range strategies {
		meta, lastErr = p.engine.Probe(ctx, url, cfg)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if engine.IsNoContent(lastErr) {
			return nil, lastErr
		}
		p.logger.Debug("Probe: strategy failed", "url", url, "strategy", cfg.Label, "error", lastErr)
	}
	if meta == nil {
		return nil, lastErr
	}

	meta.Platform = adapter.Name()
	meta.Formats = buildCatalog(meta.Formats)
	return meta, nil
}

// buildCatalog filters to complete (audio+video) formats, keeps the best
// entry per height and container, and prepends the synthetic best option.
func buildCatalog(formats []model.Format) []model.Format {
	type key struct {
		height int
		ext    string
	}
	best := make(map[key]model.Format)
	order := make([]key, 0, len(formats))
	for _, f := range formats {
		if f.VideoCodec == "" || f.VideoCodec == "none" || f.AudioCodec == "" || f.AudioCodec == "none" {
			continue
		}
		k := key{height: f.Height, ext: f.Ext}
		existing, seen := best[k]
		if !seen {
			order = append(order, k)
			best[k] = f
			continue
		}
		if f.Filesize > existing.Filesize {
			best[k] = f
		}
	}

	catalog := make([]model.Format, 0, len(order)+1)
	catalog = append(catalog, model.Format{
		ID:         "best",
		Ext:        "mp4",
		Resolution: "Best Quality",
	})
	for _, k := range order {
		catalog = append(catalog, best[k])
	}
	// Highest resolution first, after the synthetic entry.
	for i := 1; i < len(catalog); i++ {
		for j := i + 1; j < len(catalog); j++ {
			if catalog[j].Height > catalog[i].Height {
				catalog[i], catalog[j] = catalog[j], catalog[i]
			}
		}
	}
	return catalog
}

// moveFile renames src to dst, falling back to copy-and-remove when they
// live on different filesystems.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
