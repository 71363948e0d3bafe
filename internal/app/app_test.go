package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/lvcoi/reelgrab/internal/capture"
	"github.com/lvcoi/reelgrab/internal/config"
	"github.com/lvcoi/reelgrab/internal/manager"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-TARGETDURATION:4
#EXTINF:4.0,
seg0.ts
#EXTINF:4.0,
seg1.ts
#EXT-X-ENDLIST
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	cfg.Container = "ts"
	cfg.MaxRetries = 0
	return cfg
}

func newTestApp(t *testing.T, cfg config.Config, opts Options) *App {
	t.Helper()
	opts.Config = cfg
	opts.Logger = log.New(io.Discard)
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func mediaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/missing/"):
			http.NotFound(w, r)
		case strings.HasSuffix(r.URL.Path, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			io.WriteString(w, mediaPlaylist)
		case strings.HasSuffix(r.URL.Path, "/seg0.ts"):
			io.WriteString(w, "first-")
		case strings.HasSuffix(r.URL.Path, "/seg1.ts"):
			io.WriteString(w, "second")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDownloadCompletesAndRecordsHistory(t *testing.T) {
	srv := mediaServer(t)
	cfg := testConfig(t)
	cfg.HistoryDB = filepath.Join(t.TempDir(), "history.db")
	var status bytes.Buffer
	a := newTestApp(t, cfg, Options{Stderr: &status})

	results, code := a.Download(context.Background(), []string{srv.URL + "/show/ep1.m3u8"})
	if code != 0 {
		t.Fatalf("exit code = %d, results = %+v", code, results)
	}
	if len(results) != 1 || results[0].Status != manager.StatusComplete {
		t.Fatalf("results = %+v", results)
	}
	want := filepath.Join(cfg.OutputDir, "ep1.ts")
	if results[0].FilePath != want {
		t.Fatalf("file path = %q, want %q", results[0].FilePath, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(data) != "first-second" {
		t.Fatalf("output = %q", data)
	}

	n, err := a.history.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("history rows = %d, want 1", n)
	}
	records, err := a.history.ListDownloads(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListDownloads: %v", err)
	}
	if records[0].FileSize != int64(len("first-second")) || records[0].DownloadID != results[0].ID {
		t.Fatalf("record = %+v", records[0])
	}

	if !strings.Contains(status.String(), "complete") || !strings.Contains(status.String(), "ep1.ts") {
		t.Fatalf("status output = %q", status.String())
	}
}

func TestDownloadExitCodeIsHighestFailure(t *testing.T) {
	srv := mediaServer(t)
	a := newTestApp(t, testConfig(t), Options{Quiet: true})

	results, code := a.Download(context.Background(), []string{
		"not a url",
		srv.URL + "/missing/playlist.m3u8",
		srv.URL + "/ok/ep2.m3u8",
	})
	if code != 4 {
		t.Fatalf("exit code = %d, want 4 (network); results = %+v", code, results)
	}
	if results[0].Category != "invalid_url" || results[0].ID != "" {
		t.Fatalf("invalid url result = %+v", results[0])
	}
	if results[1].Status != manager.StatusError || results[1].Category != "network" || results[1].FilePath != "" {
		t.Fatalf("missing playlist result = %+v", results[1])
	}
	if !strings.Contains(results[1].Error, "404") {
		t.Fatalf("missing playlist error = %q", results[1].Error)
	}
	if results[2].Status != manager.StatusComplete {
		t.Fatalf("ok result = %+v", results[2])
	}
}

func TestDownloadInterrupted(t *testing.T) {
	requested := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			io.WriteString(w, mediaPlaylist)
			return
		}
		once.Do(func() { close(requested) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(t)
	a := newTestApp(t, cfg, Options{Quiet: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-requested:
		case <-time.After(5 * time.Second):
		}
		cancel()
	}()

	results, code := a.Download(ctx, []string{srv.URL + "/live/ep.m3u8"})
	if code != 130 {
		t.Fatalf("exit code = %d, want 130; results = %+v", code, results)
	}
	if results[0].Status != manager.StatusCancelled || results[0].FilePath != "" {
		t.Fatalf("result = %+v", results[0])
	}
	entries, err := os.ReadDir(cfg.OutputDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("output dir not empty: %v", entries)
	}
}

func TestResultExitCode(t *testing.T) {
	tests := []struct {
		result Result
		want   int
	}{
		{Result{Status: manager.StatusComplete}, 0},
		{Result{Status: manager.StatusCancelled}, 130},
		{Result{Status: manager.StatusError, Category: "parse"}, 6},
		{Result{Status: manager.StatusError, Category: "restricted"}, 7},
		{Result{Status: manager.StatusError}, 1},
	}
	for _, tt := range tests {
		if got := tt.result.ExitCode(); got != tt.want {
			t.Errorf("%+v: ExitCode() = %d, want %d", tt.result, got, tt.want)
		}
	}
}

func TestVariantsFallsBackToDefault(t *testing.T) {
	srv := mediaServer(t)
	a := newTestApp(t, testConfig(t), Options{Quiet: true})

	variants, err := a.Variants(context.Background(), srv.URL+"/show/ep1.m3u8")
	if err != nil {
		t.Fatalf("Variants: %v", err)
	}
	if len(variants) != 1 || variants[0].Label != "Default Quality" {
		t.Fatalf("variants = %+v", variants)
	}
	if _, err := a.Variants(context.Background(), "ftp://example.com/x.m3u8"); err == nil {
		t.Fatal("expected invalid url error")
	}
}

type scriptedObserver struct {
	events []capture.NetworkEvent
}

func (o *scriptedObserver) Observe(ctx context.Context, emit func(capture.NetworkEvent)) error {
	for _, ev := range o.events {
		emit(ev)
	}
	<-ctx.Done()
	return nil
}

func TestCaptureCollectsStreams(t *testing.T) {
	srv := mediaServer(t)
	cfg := testConfig(t)
	cfg.CaptureTimeout = 100 * time.Millisecond
	var status bytes.Buffer
	observer := &scriptedObserver{events: []capture.NetworkEvent{
		{URL: srv.URL + "/show/ep1.m3u8", Kind: capture.KindRequest},
		{URL: srv.URL + "/app.js", Kind: capture.KindRequest},
		{URL: srv.URL + "/show/ep1.m3u8", Kind: capture.KindResponse},
	}}
	a := newTestApp(t, cfg, Options{Observer: observer, Stderr: &status})

	streams, err := a.Capture(context.Background(), "https://example.com/watch")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(streams) != 1 || streams[0].URL != srv.URL+"/show/ep1.m3u8" {
		t.Fatalf("streams = %+v", streams)
	}
	if !strings.Contains(status.String(), "captured") {
		t.Fatalf("status output = %q", status.String())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Listen = "127.0.0.1:0"
	a := newTestApp(t, cfg, Options{Quiet: true})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, "") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Concurrency = 0
	if _, err := New(Options{Config: cfg, Logger: log.New(io.Discard)}); err == nil {
		t.Fatal("expected error for zero concurrency")
	}
}

func TestStatusPrinterWritesOnChange(t *testing.T) {
	var buf bytes.Buffer
	p := newStatusPrinter(&buf)
	item := manager.DownloadItem{ID: "dl-1", Filename: "ep.mkv", Status: manager.StatusDownloading, Quality: "720p (2.0Mbps)"}
	p.handle(manager.Event{Type: manager.EventDownloadProgress, Item: &item})
	p.handle(manager.Event{Type: manager.EventDownloadProgress, Item: &item})
	done := item
	done.Status = manager.StatusComplete
	done.DownloadedBytes = 2048
	done.FilePath = "/tmp/ep.mkv"
	p.handle(manager.Event{Type: manager.EventDownloadProgress, Item: &done})
	p.handle(manager.Event{Type: manager.EventDownloadsUpdated, Items: []manager.DownloadItem{done}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[0], "[720p (2.0Mbps)]") {
		t.Errorf("first line = %q", lines[0])
	}
	if want := fmt.Sprintf("(%s) -> /tmp/ep.mkv", "2.0 kB"); !strings.Contains(lines[1], want) {
		t.Errorf("second line = %q, want %q", lines[1], want)
	}
}

func TestRecordFromItemUsesFileSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ep.mkv")
	if err := os.WriteFile(path, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := recordFromItem(manager.DownloadItem{ID: "dl-1", FilePath: path, DownloadedBytes: 99})
	if rec.FileSize != 5 || rec.DownloadID != "dl-1" {
		t.Fatalf("record = %+v", rec)
	}
}
