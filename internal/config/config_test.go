package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reelgrab.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Concurrency != 4 || cfg.MaxRetries != 3 || cfg.RingCapacity != 10 || cfg.MaxDownloads != 50 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ContainerExt() != ".mkv" {
		t.Fatalf("ContainerExt = %q", cfg.ContainerExt())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
output_dir: /tmp/videos
container: .MP4
concurrency: 8
segment_timeout: 45s
rate_limit: 1048576
log_level: DEBUG
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.OutputDir != "/tmp/videos" || cfg.Concurrency != 8 || cfg.RateLimit != 1<<20 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Container != "mp4" || cfg.LogLevel != "debug" {
		t.Fatalf("normalization failed: container=%q level=%q", cfg.Container, cfg.LogLevel)
	}
	if cfg.SegmentTimeout != 45*time.Second {
		t.Fatalf("segment_timeout = %v", cfg.SegmentTimeout)
	}
	// Untouched keys keep their defaults.
	if cfg.MaxRetries != 3 || cfg.ConvertTimeout != 5*time.Minute {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadEmptyPathAndFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil || cfg != Default() {
		t.Fatalf("Load(\"\") = %+v, %v", cfg, err)
	}
	cfg, err = Load(writeConfig(t, ""))
	if err != nil || cfg != Default() {
		t.Fatalf("empty file = %+v, %v", cfg, err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "concurency: 2\n"))
	if err == nil || !strings.Contains(err.Error(), "concurency") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"container", func(c *Config) { c.Container = "avi" }, "unsupported container"},
		{"concurrency", func(c *Config) { c.Concurrency = 0 }, "concurrency"},
		{"retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"ring", func(c *Config) { c.RingCapacity = 0 }, "ring_capacity"},
		{"downloads", func(c *Config) { c.MaxDownloads = 0 }, "max_downloads"},
		{"timeout", func(c *Config) { c.ConvertTimeout = 0 }, "timeouts"},
		{"delay", func(c *Config) { c.SegmentDelay = -time.Second }, "segment_delay"},
		{"rate", func(c *Config) { c.RateLimit = -1 }, "rate_limit"},
		{"level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"output", func(c *Config) { c.OutputDir = "" }, "output_dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}
}
