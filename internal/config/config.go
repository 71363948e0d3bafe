// Package config loads reelgrab settings from an optional YAML file over
// compiled defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable. Zero durations and limits mean "off" only where
// noted; Validate rejects the rest.
type Config struct {
	OutputDir string `yaml:"output_dir"`
	// Container is the final extension: mkv, mp4, m4v, mov, webm or ts.
	Container string `yaml:"container"`
	Quality   string `yaml:"quality"`

	Concurrency  int `yaml:"concurrency"`
	MaxRetries   int `yaml:"max_retries"`
	RingCapacity int `yaml:"ring_capacity"`
	MaxDownloads int `yaml:"max_downloads"`

	SegmentTimeout  time.Duration `yaml:"segment_timeout"`
	PlaylistTimeout time.Duration `yaml:"playlist_timeout"`
	ConvertTimeout  time.Duration `yaml:"convert_timeout"`
	CaptureTimeout  time.Duration `yaml:"capture_timeout"`
	// SegmentDelay spaces out segment requests; 0 disables pacing.
	SegmentDelay time.Duration `yaml:"segment_delay"`
	// RateLimit is bytes per second; 0 is unlimited.
	RateLimit int64 `yaml:"rate_limit"`

	FFmpegPath string `yaml:"ffmpeg_path"`
	HistoryDB  string `yaml:"history_db"`
	LogFile    string `yaml:"log_file"`
	LogLevel   string `yaml:"log_level"`
	Listen     string `yaml:"listen"`
	UserAgent  string `yaml:"user_agent"`
	Referer    string `yaml:"referer"`
}

var containers = map[string]bool{
	"mkv": true, "mp4": true, "m4v": true, "mov": true, "webm": true, "ts": true,
}

var levels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Default returns the compiled defaults.
func Default() Config {
	return Config{
		OutputDir:       ".",
		Container:       "mkv",
		Quality:         "best",
		Concurrency:     4,
		MaxRetries:      3,
		RingCapacity:    10,
		MaxDownloads:    50,
		SegmentTimeout:  30 * time.Second,
		PlaylistTimeout: 30 * time.Second,
		ConvertTimeout:  5 * time.Minute,
		CaptureTimeout:  30 * time.Second,
		LogLevel:        "info",
		Listen:          "127.0.0.1:8765",
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Normalize lower-cases enumerations and strips a leading dot from the
// container.
func (c *Config) Normalize() {
	c.Container = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Container), "."))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Quality = strings.TrimSpace(c.Quality)
}

// Validate normalizes c and reports the first invalid setting.
func (c *Config) Validate() error {
	c.Normalize()
	switch {
	case c.OutputDir == "":
		return errors.New("output_dir must not be empty")
	case !containers[c.Container]:
		return fmt.Errorf("unsupported container %q", c.Container)
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	case c.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	case c.RingCapacity < 1:
		return fmt.Errorf("ring_capacity must be at least 1, got %d", c.RingCapacity)
	case c.MaxDownloads < 1:
		return fmt.Errorf("max_downloads must be at least 1, got %d", c.MaxDownloads)
	case c.SegmentTimeout <= 0, c.PlaylistTimeout <= 0, c.ConvertTimeout <= 0, c.CaptureTimeout <= 0:
		return errors.New("timeouts must be positive")
	case c.SegmentDelay < 0:
		return errors.New("segment_delay must not be negative")
	case c.RateLimit < 0:
		return errors.New("rate_limit must not be negative")
	case !levels[c.LogLevel]:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// ContainerExt returns the container as a file extension, e.g. ".mkv".
func (c Config) ContainerExt() string {
	return "." + c.Container
}
