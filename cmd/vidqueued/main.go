// vidqueued is the video retrieval daemon: it accepts download jobs into a
// persistent priority queue and executes them with bounded concurrency.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vidqueue/vidqueue/internal/config"
	"github.com/vidqueue/vidqueue/internal/engine"
	"github.com/vidqueue/vidqueue/internal/fetch"
	"github.com/vidqueue/vidqueue/internal/media"
	"github.com/vidqueue/vidqueue/internal/pipeline"
	"github.com/vidqueue/vidqueue/internal/platform"
	"github.com/vidqueue/vidqueue/internal/progress"
	"github.com/vidqueue/vidqueue/internal/queuestore"
	"github.com/vidqueue/vidqueue/internal/scheduler"
	"github.com/vidqueue/vidqueue/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "vidqueued: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	store, err := queuestore.Open(cfg.Backend, cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := engine.NewYTDLP(cfg.YTDLPBinary, logger)
	if err := eng.CheckBinary(); err != nil {
		return err
	}
	processor := media.NewProcessor(cfg.FFmpegBinary, cfg.FFprobeBinary, logger)
	if err := processor.CheckBinaries(); err != nil {
		return err
	}

	verifier := fetch.NewVerifier(fetch.DefaultVerifierConfig(), logger)
	fetcher := fetch.NewFetcher(eng, verifier, cfg.TempDir(), logger)
	selector := strategy.NewSelector(strategy.DefaultCookiePolicy(cfg.CookieFile), cfg.MaxRetries, cfg.RateLimit, logger)
	registry := platform.DefaultRegistry()
	pipe := pipeline.New(registry, selector, eng, fetcher, processor, cfg.OutputDir(), logger)
	broker := progress.NewBroker(0, logger)

	sched := scheduler.New(store, pipe, broker, scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Tick:          cfg.Tick,
		PruneInterval: cfg.PruneInterval,
		RetainAge:     cfg.RetainAge,
		RetainCount:   cfg.RetainCount,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sched.Start(ctx); err != nil {
		return err
	}
	janitor := fetch.NewJanitor(cfg.TempDir(), cfg.JanitorInterval, cfg.JanitorMaxAge, logger)
	go janitor.Start(ctx)

	logger.Info("daemon started",
		"backend", cfg.Backend,
		"dataDir", cfg.DataDir,
		"maxConcurrent", sched.MaxConcurrent(),
		"platforms", registry.Names(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Stop()
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
