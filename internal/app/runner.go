package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/lvcoi/reelgrab/internal/downloader"
	"github.com/lvcoi/reelgrab/internal/manager"
	"github.com/lvcoi/reelgrab/internal/tui"
)

// Result is the outcome of one command line download.
type Result struct {
	URL      string         `json:"url"`
	ID       string         `json:"id,omitempty"`
	Status   manager.Status `json:"status"`
	FilePath string         `json:"filePath,omitempty"`
	Category string         `json:"category,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ExitCode maps the result to a process exit status.
func (r Result) ExitCode() int {
	switch r.Status {
	case manager.StatusComplete:
		return 0
	case manager.StatusCancelled:
		return downloader.ExitCodeFor(downloader.CategoryCancelled)
	}
	if r.Category == "" {
		return downloader.ExitCodeFor(downloader.CategoryInternal)
	}
	return downloader.ExitCodeFor(downloader.Category(r.Category))
}

// Download runs every url through the manager and waits for all of them. The
// exit code is the highest over the results, or 130 when ctx ended first.
func (a *App) Download(ctx context.Context, urls []string) ([]Result, int) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Terminal items are kept here since the manager may evict them.
	var mu sync.Mutex
	final := make(map[string]manager.DownloadItem)
	unsub := a.manager.Subscribe(func(ev manager.Event) {
		if ev.Type == manager.EventDownloadProgress && ev.Item != nil && ev.Item.Status.IsTerminal() {
			mu.Lock()
			final[ev.Item.ID] = *ev.Item
			mu.Unlock()
		}
	})
	defer unsub()

	switch {
	case a.opts.UI:
		ui := tui.New(tui.Options{Output: a.opts.Stderr, Actions: a.manager, OnQuit: cancel})
		ui.Start(ctx)
		ui.Watch(a.manager)
		defer ui.Stop()
	case !a.opts.Quiet && !a.opts.JSON:
		defer a.manager.Subscribe(newStatusPrinter(a.opts.Stderr).handle)()
	}

	results := make([]Result, len(urls))
	for i, url := range urls {
		results[i].URL = url
		id, err := a.manager.AddDownloadWithQuality(url, "", a.cfg.Quality)
		if err != nil {
			results[i].Status = manager.StatusError
			results[i].Category = string(downloader.CategoryOf(err))
			results[i].Error = err.Error()
			continue
		}
		results[i].ID = id
	}

	done := make(chan struct{})
	go func() {
		a.manager.Wait()
		close(done)
	}()
	interrupted := false
	select {
	case <-done:
	case <-ctx.Done():
		interrupted = true
		for _, r := range results {
			if r.ID != "" {
				_ = a.manager.CancelDownload(r.ID)
			}
		}
		<-done
	}

	exitCode := 0
	for i := range results {
		r := &results[i]
		if r.ID != "" {
			mu.Lock()
			item, ok := final[r.ID]
			mu.Unlock()
			if !ok {
				item, ok = a.manager.Get(r.ID)
			}
			if ok {
				r.Status = item.Status
				r.FilePath = item.FilePath
				r.Category = item.Category
				r.Error = item.Error
			}
		}
		if code := r.ExitCode(); code > exitCode {
			exitCode = code
		}
	}
	if interrupted && exitCode == 0 {
		exitCode = 130
	}
	return results, exitCode
}

// statusPrinter writes one line per status change.
type statusPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last map[string]manager.Status
}

func newStatusPrinter(w io.Writer) *statusPrinter {
	return &statusPrinter{w: w, last: make(map[string]manager.Status)}
}

func (p *statusPrinter) handle(ev manager.Event) {
	if ev.Type != manager.EventDownloadProgress || ev.Item == nil {
		return
	}
	item := ev.Item
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last[item.ID] == item.Status {
		return
	}
	p.last[item.ID] = item.Status

	switch item.Status {
	case manager.StatusComplete:
		fmt.Fprintf(p.w, "%-11s %s (%s) -> %s\n", item.Status, item.Filename,
			humanize.Bytes(uint64(max(item.DownloadedBytes, 0))), item.FilePath)
	case manager.StatusError:
		fmt.Fprintf(p.w, "%-11s %s: %s\n", item.Status, item.Filename, item.Error)
	default:
		if item.Quality != "" && item.Status == manager.StatusDownloading {
			fmt.Fprintf(p.w, "%-11s %s [%s]\n", item.Status, item.Filename, item.Quality)
			return
		}
		fmt.Fprintf(p.w, "%-11s %s\n", item.Status, item.Filename)
	}
}
