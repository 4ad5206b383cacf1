// Package config loads daemon configuration from an optional YAML file with
// environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon configuration.
type Config struct {
	// DataDir is the root for all daemon state.
	DataDir string `yaml:"data_dir"`

	// Backend selects the queue store: "badger", "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// MaxConcurrent bounds simultaneous downloads.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Tick is the queue promotion interval.
	Tick time.Duration `yaml:"tick"`

	// MaxRetries caps fetch attempts per strategy.
	MaxRetries int `yaml:"max_retries"`

	// RateLimit caps download bandwidth, e.g. "4M". Empty disables.
	RateLimit string `yaml:"rate_limit"`

	// CookieFile is the Netscape-format cookie jar path. Empty disables
	// cookie-based strategies.
	CookieFile string `yaml:"cookie_file"`

	// YTDLPBinary overrides the extraction binary path.
	YTDLPBinary string `yaml:"ytdlp_binary"`

	// FFmpegBinary and FFprobeBinary override the media tool paths.
	FFmpegBinary  string `yaml:"ffmpeg_binary"`
	FFprobeBinary string `yaml:"ffprobe_binary"`

	// PruneInterval is how often terminal jobs are pruned.
	PruneInterval time.Duration `yaml:"prune_interval"`

	// RetainAge is the minimum terminal job age before pruning.
	RetainAge time.Duration `yaml:"retain_age"`

	// RetainCount terminal jobs are always kept.
	RetainCount int `yaml:"retain_count"`

	// JanitorInterval and JanitorMaxAge control temp file sweeping.
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	JanitorMaxAge   time.Duration `yaml:"janitor_max_age"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:         "/var/lib/vidqueue",
		Backend:         "badger",
		MaxConcurrent:   2,
		Tick:            5 * time.Second,
		MaxRetries:      3,
		PruneInterval:   1 * time.Hour,
		RetainAge:       7 * 24 * time.Hour,
		RetainCount:     50,
		JanitorInterval: 60 * time.Second,
		JanitorMaxAge:   300 * time.Second,
		LogLevel:        "info",
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty or missing), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must not be empty")
	}
	switch cfg.Backend {
	case "badger", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("unknown backend %q (expected badger, sqlite or memory)", cfg.Backend)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnvString("VIDQUEUE_DATA_DIR", c.DataDir)
	c.Backend = getEnvString("VIDQUEUE_BACKEND", c.Backend)
	c.MaxConcurrent = getEnvInt("VIDQUEUE_MAX_CONCURRENT", c.MaxConcurrent)
	c.Tick = getEnvDuration("VIDQUEUE_TICK", c.Tick)
	c.MaxRetries = getEnvInt("VIDQUEUE_MAX_RETRIES", c.MaxRetries)
	c.RateLimit = getEnvString("VIDQUEUE_RATE_LIMIT", c.RateLimit)
	c.CookieFile = getEnvString("VIDQUEUE_COOKIE_FILE", c.CookieFile)
	c.YTDLPBinary = getEnvString("VIDQUEUE_YTDLP_BINARY", c.YTDLPBinary)
	c.FFmpegBinary = getEnvString("VIDQUEUE_FFMPEG_BINARY", c.FFmpegBinary)
	c.FFprobeBinary = getEnvString("VIDQUEUE_FFPROBE_BINARY", c.FFprobeBinary)
	c.PruneInterval = getEnvDuration("VIDQUEUE_PRUNE_INTERVAL", c.PruneInterval)
	c.RetainAge = getEnvDuration("VIDQUEUE_RETAIN_AGE", c.RetainAge)
	c.RetainCount = getEnvInt("VIDQUEUE_RETAIN_COUNT", c.RetainCount)
	c.JanitorInterval = getEnvDuration("VIDQUEUE_JANITOR_INTERVAL", c.JanitorInterval)
	c.JanitorMaxAge = getEnvDuration("VIDQUEUE_JANITOR_MAX_AGE", c.JanitorMaxAge)
	c.LogLevel = getEnvString("VIDQUEUE_LOG_LEVEL", c.LogLevel)
}

// OutputDir is where delivered artifacts land.
func (c *Config) OutputDir() string {
	return filepath.Join(c.DataDir, "downloads")
}

// TempDir is the working directory for in-flight fetch attempts.
func (c *Config) TempDir() string {
	return filepath.Join(c.DataDir, "tmp")
}

// DatabasePath returns the queue store location for the active backend.
func (c *Config) DatabasePath() string {
	switch c.Backend {
	case "sqlite":
		return filepath.Join(c.DataDir, "queue.db")
	default:
		return filepath.Join(c.DataDir, "queue")
	}
}

// EnsureDirs creates the daemon's working directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.OutputDir(), c.TempDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
