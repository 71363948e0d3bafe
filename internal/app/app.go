// Package app wires configuration into the download pipeline and runs the
// command line modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lvcoi/reelgrab/internal/capture"
	"github.com/lvcoi/reelgrab/internal/config"
	"github.com/lvcoi/reelgrab/internal/db"
	"github.com/lvcoi/reelgrab/internal/downloader"
	"github.com/lvcoi/reelgrab/internal/hls"
	"github.com/lvcoi/reelgrab/internal/manager"
	"github.com/lvcoi/reelgrab/internal/remux"
	"github.com/lvcoi/reelgrab/internal/web"
	"github.com/lvcoi/reelgrab/internal/ws"
)

// Options configures an App.
type Options struct {
	Config config.Config
	Logger *log.Logger
	// Stderr receives status lines; defaults to os.Stderr.
	Stderr io.Writer
	JSON   bool
	Quiet  bool
	// UI renders downloads with the terminal UI instead of status lines.
	UI bool
	// Observer replaces the headless browser for capture; used by tests.
	Observer capture.Observer
	// Transport replaces the shared HTTP transport; used by tests.
	Transport http.RoundTripper
}

// App owns the shared client, manager and optional history catalog.
type App struct {
	opts    Options
	cfg     config.Config
	logger  *log.Logger
	client  *downloader.Client
	manager *manager.Manager
	history *db.DB
}

// New validates the configuration and builds the pipeline.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, downloader.Categorize(downloader.CategoryFilesystem, fmt.Errorf("creating output directory: %w", err))
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	retry := downloader.DefaultRetryConfig
	retry.MaxRetries = cfg.MaxRetries
	client := downloader.NewClient(downloader.ClientConfig{
		UserAgent:       cfg.UserAgent,
		Referer:         cfg.Referer,
		PlaylistTimeout: cfg.PlaylistTimeout,
		Retry:           retry,
		Transport:       opts.Transport,
		Logger:          logger,
	})
	segments := downloader.NewDownloader(client, downloader.Config{
		Concurrency:    cfg.Concurrency,
		Retry:          retry,
		SegmentTimeout: cfg.SegmentTimeout,
		SegmentDelay:   cfg.SegmentDelay,
		RateLimit:      cfg.RateLimit,
	}, logger)
	converter := remux.New(remux.Config{
		BinaryPath: cfg.FFmpegPath,
		Timeout:    cfg.ConvertTimeout,
		Logger:     logger,
	})

	a := &App{opts: opts, cfg: cfg, logger: logger, client: client}
	mcfg := manager.Config{
		OutputDir:   cfg.OutputDir,
		Container:   cfg.ContainerExt(),
		MaxItems:    cfg.MaxDownloads,
		Concurrency: cfg.Concurrency,
		Logger:      logger,
	}
	if cfg.HistoryDB != "" {
		history, err := db.Open(cfg.HistoryDB)
		if err != nil {
			return nil, downloader.Categorize(downloader.CategoryFilesystem, err)
		}
		a.history = history
		mcfg.Recorder = historyRecorder{db: history}
	}
	a.manager = manager.New(client, segments, converter, mcfg)
	return a, nil
}

// Manager returns the download manager.
func (a *App) Manager() *manager.Manager {
	return a.manager
}

// Close cancels outstanding downloads and closes the history catalog.
func (a *App) Close() error {
	a.manager.Close()
	if a.history != nil {
		return a.history.Close()
	}
	return nil
}

// Variants lists the quality variants behind url, best first.
func (a *App) Variants(ctx context.Context, url string) ([]hls.Variant, error) {
	if err := downloader.ValidateURL(url); err != nil {
		return nil, err
	}
	return a.manager.QualityVariants(ctx, url), nil
}

// Capture loads pageURL and collects stream URLs until the capture timeout
// or ctx ends.
func (a *App) Capture(ctx context.Context, pageURL string) ([]capture.CapturedStream, error) {
	if err := downloader.ValidateURL(pageURL); err != nil {
		return nil, err
	}
	interceptor := a.newInterceptor(pageURL)
	stop := interceptor.Start(func(s capture.CapturedStream) {
		if !a.opts.Quiet && !a.opts.JSON {
			fmt.Fprintf(a.opts.Stderr, "captured %s %s\n", s.Type, s.URL)
		}
	})

	timer := time.NewTimer(a.cfg.CaptureTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	stop()
	return interceptor.List(), nil
}

// Serve runs the HTTP and WebSocket API until ctx ends. When pageURL is set,
// its network traffic feeds the captured stream list.
func (a *App) Serve(ctx context.Context, pageURL string) error {
	if pageURL != "" {
		if err := downloader.ValidateURL(pageURL); err != nil {
			return err
		}
	}
	interceptor := a.newInterceptor(pageURL)
	stop := interceptor.Start(nil)
	defer stop()

	hub := ws.NewHub(a.logger)
	go hub.Run(ctx)

	cfg := web.Config{
		Addr:     a.cfg.Listen,
		MediaDir: a.cfg.OutputDir,
		Streams:  interceptor,
		Hub:      hub,
		Logger:   a.logger,
	}
	if a.history != nil {
		cfg.History = a.history
	}
	server := web.New(a.manager, cfg)
	defer server.Close()

	err := server.ListenAndServe(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newInterceptor builds an interceptor observing pageURL, or one fed by
// nothing when pageURL is empty.
func (a *App) newInterceptor(pageURL string) *capture.Interceptor {
	var observer capture.Observer
	switch {
	case a.opts.Observer != nil:
		observer = a.opts.Observer
	case pageURL != "":
		observer = &capture.BrowserObserver{PageURL: pageURL, UserAgent: a.cfg.UserAgent}
	}
	return capture.New(observer, capture.Config{
		Capacity: a.cfg.RingCapacity,
		Prober:   a.client,
		Logger:   a.logger,
	})
}
