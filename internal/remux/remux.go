// Package remux repackages downloaded transport streams into a friendlier
// container with a stream-copy ffmpeg run. Conversion never fails the caller:
// any problem falls back to the original file.
package remux

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// ErrConverterUnavailable means neither a bundled nor a system ffmpeg could
// be started.
var ErrConverterUnavailable = errors.New("ffmpeg not available")

const (
	DefaultTimeout = 5 * time.Minute
	probeTimeout   = 10 * time.Second
	// Outputs smaller than this are treated as failed conversions.
	minOutputBytes = 1000
)

// Config configures a Converter.
type Config struct {
	// BinaryPath points at a bundled ffmpeg. When empty, an ffmpeg next to
	// the running executable is tried before PATH.
	BinaryPath string
	Timeout    time.Duration
	Logger     *log.Logger
}

// ConvertOptions are per-call settings.
type ConvertOptions struct {
	// Duration of the media, if known; enables percentage progress.
	Duration   time.Duration
	OnProgress func(percent float64)
}

// Converter runs ffmpeg stream copies.
type Converter struct {
	cfg    Config
	logger *log.Logger

	once       sync.Once
	binary     string
	resolveErr error
}

// New returns a Converter. The ffmpeg binary is resolved on first use.
func New(cfg Config) *Converter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Converter{cfg: cfg, logger: logger.WithPrefix("remux")}
}

// Binary returns the resolved ffmpeg path or ErrConverterUnavailable.
func (c *Converter) Binary() (string, error) {
	c.once.Do(func() {
		c.binary, c.resolveErr = c.resolve()
		if c.resolveErr != nil {
			c.logger.Warn("ffmpeg not found, remuxing disabled")
		} else {
			c.logger.Debug("using ffmpeg", "path", c.binary)
		}
	})
	return c.binary, c.resolveErr
}

func (c *Converter) resolve() (string, error) {
	for _, candidate := range c.bundledCandidates() {
		if probe(candidate) {
			return candidate, nil
		}
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil && probe(path) {
		return path, nil
	}
	return "", ErrConverterUnavailable
}

func (c *Converter) bundledCandidates() []string {
	if c.cfg.BinaryPath != "" {
		return []string{c.cfg.BinaryPath}
	}
	exe, err := os.Executable()
	if err != nil {
		return nil
	}
	name := "ffmpeg"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return []string{filepath.Join(filepath.Dir(exe), name)}
}

func probe(path string) bool {
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return exec.CommandContext(ctx, path, "-version").Run() == nil
}

// Args builds the ffmpeg argument list for a stream copy of in to out.
func Args(in, out string) []string {
	kwargs := ffmpeg.KwArgs{"c": "copy"}
	switch strings.ToLower(filepath.Ext(out)) {
	case ".mp4", ".m4v", ".mov":
		kwargs["movflags"] = "+faststart"
	}
	return ffmpeg.Input(in).Output(out, kwargs).OverWriteOutput().GetArgs()
}

// Convert remuxes inputPath into outputPath and returns the path of the file
// the caller should keep: outputPath on success, inputPath otherwise. On
// success the input is deleted; on fallback any partial output is removed.
func (c *Converter) Convert(ctx context.Context, inputPath, outputPath string, opts ConvertOptions) string {
	if inputPath == outputPath {
		return inputPath
	}
	logger := c.logger.With("input", filepath.Base(inputPath))
	bin, err := c.Binary()
	if err != nil {
		logger.Info("keeping original container", "reason", err)
		return inputPath
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	stderr := &statusWriter{opts: opts}
	cmd := exec.CommandContext(runCtx, bin, Args(inputPath, outputPath)...)
	cmd.Stderr = stderr
	// Bounds Wait when a killed ffmpeg leaves children holding stderr.
	cmd.WaitDelay = 2 * time.Second
	runErr := cmd.Run()

	fallback := func(reason string, args ...any) string {
		logger.Warn(reason, args...)
		if rmErr := os.Remove(outputPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn("removing failed output", "path", outputPath, "err", rmErr)
		}
		return inputPath
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fallback("ffmpeg timed out", "timeout", c.cfg.Timeout)
	case ctx.Err() != nil:
		return fallback("ffmpeg interrupted", "err", ctx.Err())
	case runErr != nil:
		return fallback("ffmpeg failed", "err", runErr, "stderr", stderr.Tail())
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fallback("ffmpeg produced no output", "err", err)
	}
	if info.Size() < minOutputBytes {
		return fallback("ffmpeg output too small", "bytes", info.Size())
	}
	if err := validateOutput(outputPath); err != nil {
		return fallback("ffmpeg output rejected", "err", err)
	}

	if opts.OnProgress != nil {
		opts.OnProgress(100)
	}
	if err := os.Remove(inputPath); err != nil {
		logger.Warn("removing intermediate file", "path", inputPath, "err", err)
	}
	logger.Info("remuxed", "output", filepath.Base(outputPath), "bytes", info.Size())
	return outputPath
}

var timeRe = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

const tailSize = 2048

// statusWriter receives ffmpeg's stderr. It reports the share of
// opts.Duration covered by each time= stamp and keeps the last few KB for
// error logs. ffmpeg rewrites its status line with carriage returns, so both
// \r and \n end a line.
type statusWriter struct {
	opts ConvertOptions
	line []byte
	tail []byte
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.tail = append(w.tail, p...)
	if len(w.tail) > tailSize {
		w.tail = w.tail[len(w.tail)-tailSize:]
	}
	rest := p
	for len(rest) > 0 {
		i := bytes.IndexAny(rest, "\r\n")
		if i < 0 {
			w.line = append(w.line, rest...)
			break
		}
		w.line = append(w.line, rest[:i]...)
		w.report(string(w.line))
		w.line = w.line[:0]
		rest = rest[i+1:]
	}
	return len(p), nil
}

func (w *statusWriter) report(line string) {
	if w.opts.OnProgress == nil || w.opts.Duration <= 0 {
		return
	}
	pos, ok := parseTimestamp(line)
	if !ok {
		return
	}
	w.opts.OnProgress(min(100, float64(pos)/float64(w.opts.Duration)*100))
}

// Tail returns the most recent stderr output.
func (w *statusWriter) Tail() string {
	return strings.TrimSpace(string(w.tail))
}

func parseTimestamp(line string) (time.Duration, bool) {
	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	secs, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute + time.Duration(secs*float64(time.Second)), true
}
