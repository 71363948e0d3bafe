package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvcoi/reelgrab/internal/app"
	"github.com/lvcoi/reelgrab/internal/config"
	"github.com/lvcoi/reelgrab/internal/downloader"
)

type cliFlags struct {
	configPath     string
	outputDir      string
	container      string
	quality        string
	concurrency    int
	retries        int
	rateLimit      int64
	timeout        time.Duration
	captureTimeout time.Duration
	logLevel       string
	history        string
	listen         string
	ffmpeg         string

	json     bool
	quiet    bool
	variants bool
	capture  bool
	serve    bool
}

func main() {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&f.outputDir, "o", "", "output directory")
	flag.StringVar(&f.container, "container", "", "output container: mkv, mp4, m4v, mov, webm or ts")
	flag.StringVar(&f.quality, "quality", "", "preferred variant (e.g. best, worst, 1080p, 720p)")
	flag.IntVar(&f.concurrency, "concurrency", 0, "parallel segment downloads per item")
	flag.IntVar(&f.retries, "retries", 0, "retries per segment and playlist request")
	flag.Int64Var(&f.rateLimit, "rate-limit", 0, "bandwidth cap in bytes per second (0=unlimited)")
	flag.DurationVar(&f.timeout, "timeout", 0, "per-segment request timeout")
	flag.DurationVar(&f.captureTimeout, "capture-timeout", 0, "how long -capture watches the page")
	flag.BoolVar(&f.json, "json", false, "emit JSON output (suppresses human-readable progress)")
	flag.BoolVar(&f.quiet, "quiet", false, "suppress progress output (errors still shown)")
	flag.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.StringVar(&f.history, "history", "", "SQLite file recording completed downloads")
	flag.StringVar(&f.listen, "listen", "", "listen address for -serve")
	flag.StringVar(&f.ffmpeg, "ffmpeg", "", "path to the ffmpeg binary")
	flag.BoolVar(&f.variants, "variants", false, "print the quality variants of <url> as JSON and exit")
	flag.BoolVar(&f.capture, "capture", false, "open <page-url> headless and print captured streams")
	flag.BoolVar(&f.serve, "serve", false, "run the HTTP and WebSocket API")
	flag.Parse()

	os.Exit(run(f, flag.Args()))
}

func run(f cliFlags, args []string) int {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fail(f, "", err, 2)
	}
	applyFlags(&cfg, f)
	if err := cfg.Validate(); err != nil {
		return fail(f, "", err, 2)
	}

	if !f.serve && len(args) == 0 {
		err := downloader.Categorize(downloader.CategoryInvalidURL, errors.New("no url provided"))
		if f.json {
			writeJSONError("", err)
		} else {
			fmt.Fprintf(os.Stderr, "usage: %s [options] <url> [url...]\n", os.Args[0])
			flag.PrintDefaults()
		}
		return downloader.ExitCode(err)
	}
	if f.json {
		f.quiet = true
	}

	// The terminal UI owns stderr, so logs go to a file.
	useUI := !f.quiet && !f.variants && !f.capture && !f.serve && app.IsTerminal(os.Stderr)
	var logOut io.Writer = os.Stderr
	if useUI {
		file, err := app.OpenLogFile(cfg.LogFile, cfg.OutputDir)
		if err != nil {
			return fail(f, "", err, downloader.ExitCodeFor(downloader.CategoryFilesystem))
		}
		defer file.Close()
		logOut = file
	}
	logger, err := app.NewLogger(logOut, cfg.LogLevel)
	if err != nil {
		return fail(f, "", err, 2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(app.Options{
		Config: cfg,
		Logger: logger,
		Stderr: os.Stderr,
		JSON:   f.json,
		Quiet:  f.quiet,
		UI:     useUI,
	})
	if err != nil {
		return fail(f, "", err, downloader.ExitCode(err))
	}
	defer a.Close()

	switch {
	case f.variants:
		variants, err := a.Variants(ctx, args[0])
		if err != nil {
			return fail(f, args[0], err, downloader.ExitCode(err))
		}
		writeJSON(variants)
		return 0
	case f.capture:
		streams, err := a.Capture(ctx, args[0])
		if err != nil {
			return fail(f, args[0], err, downloader.ExitCode(err))
		}
		if f.json {
			writeJSON(streams)
		} else {
			for _, s := range streams {
				fmt.Printf("%s\t%s\n", s.Type, s.URL)
			}
		}
		return 0
	case f.serve:
		page := ""
		if len(args) > 0 {
			page = args[0]
		}
		if err := a.Serve(ctx, page); err != nil {
			return fail(f, page, err, downloader.ExitCode(err))
		}
		return 0
	}

	results, exitCode := a.Download(ctx, args)
	for _, res := range results {
		switch {
		case f.json && res.Error != "":
			writeJSONError(res.URL, downloader.Categorize(downloader.Category(res.Category), errors.New(res.Error)))
		case f.json:
			writeJSON(struct {
				Type string `json:"type"`
				app.Result
			}{Type: "result", Result: res})
		case res.Error != "":
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", res.URL, res.Error)
		case useUI && res.FilePath != "":
			fmt.Println(res.FilePath)
		}
	}
	return exitCode
}

// applyFlags copies explicitly set flags over the loaded configuration.
func applyFlags(cfg *config.Config, f cliFlags) {
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "o":
			cfg.OutputDir = f.outputDir
		case "container":
			cfg.Container = f.container
		case "quality":
			cfg.Quality = f.quality
		case "concurrency":
			cfg.Concurrency = f.concurrency
		case "retries":
			cfg.MaxRetries = f.retries
		case "rate-limit":
			cfg.RateLimit = f.rateLimit
		case "timeout":
			cfg.SegmentTimeout = f.timeout
		case "capture-timeout":
			cfg.CaptureTimeout = f.captureTimeout
		case "log-level":
			cfg.LogLevel = f.logLevel
		case "history":
			cfg.HistoryDB = f.history
		case "listen":
			cfg.Listen = f.listen
		case "ffmpeg":
			cfg.FFmpegPath = f.ffmpeg
		}
	})
}

func fail(f cliFlags, url string, err error, code int) int {
	if f.json {
		writeJSONError(url, err)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	if code == 0 {
		code = 1
	}
	return code
}

func writeJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeJSONError(url string, err error) {
	payload := struct {
		Type     string `json:"type"`
		URL      string `json:"url,omitempty"`
		Category string `json:"category"`
		Error    string `json:"error"`
	}{
		Type:     "error",
		URL:      url,
		Category: string(downloader.CategoryOf(err)),
		Error:    err.Error(),
	}
	writeJSON(payload)
}
