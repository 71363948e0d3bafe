package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lvcoi/reelgrab/internal/hls"
)

const (
	DefaultConcurrency    = 4
	defaultSegmentTimeout = 30 * time.Second
	partSuffix            = ".part"
)

// Config tunes the segment downloader.
type Config struct {
	Concurrency    int
	Retry          RetryConfig
	SegmentTimeout time.Duration
	// SegmentDelay spaces out segment requests; zero disables pacing.
	SegmentDelay time.Duration
	// RateLimit caps download bandwidth in bytes per second; zero is unlimited.
	RateLimit int64
}

// Options are per-call overrides for DownloadMedia.
type Options struct {
	Concurrency int
	OnProgress  func(Progress)
}

// Progress is reported after each segment is appended to the output.
type Progress struct {
	Completed       int   `json:"completed"`
	Total           int   `json:"total"`
	DownloadedBytes int64 `json:"downloadedBytes"`
	Percent         int   `json:"percent"`
	// PercentKnown is false for live playlists whose length is open ended.
	PercentKnown bool `json:"percentKnown"`
}

// Downloader fetches media playlist segments and concatenates them in
// sequence order.
type Downloader struct {
	client  *Client
	cfg     Config
	logger  *log.Logger
	limiter *rate.Limiter
	pacer   *rate.Limiter
}

// NewDownloader builds a Downloader on top of client.
func NewDownloader(client *Client, cfg Config, logger *log.Logger) *Downloader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig
	}
	if cfg.SegmentTimeout <= 0 {
		cfg.SegmentTimeout = defaultSegmentTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &Downloader{client: client, cfg: cfg, logger: logger.WithPrefix("segments")}
	if cfg.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.RateLimit))
	}
	if cfg.SegmentDelay > 0 {
		d.pacer = rate.NewLimiter(rate.Every(cfg.SegmentDelay), 1)
	}
	return d
}

// errIncomplete means the writer finished without every segment in hand.
var errIncomplete = errors.New("incomplete segment output")

type fetchedSegment struct {
	index int
	data  []byte
}

// DownloadMedia downloads every segment of a media playlist into destPath and
// returns destPath. Fetches overlap up to the configured concurrency but the
// file is always written in sequence order. On failure or cancellation the
// partial output is removed.
func (d *Downloader) DownloadMedia(ctx context.Context, playlist *hls.Playlist, destPath string, opts Options) (string, error) {
	if playlist == nil || playlist.Type != hls.PlaylistMedia {
		got := hls.PlaylistType("")
		if playlist != nil {
			got = playlist.Type
		}
		return "", wrapCategory(CategoryUnsupported, &hls.InvalidPlaylistError{Want: hls.PlaylistMedia, Got: got})
	}
	if len(playlist.Segments) == 0 {
		return "", wrapCategory(CategoryParse, &hls.ParseError{Reason: "playlist has no segments"})
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = d.cfg.Concurrency
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", wrapCategory(CategoryFilesystem, fmt.Errorf("creating output dir: %w", err))
	}
	partPath := destPath + partSuffix
	file, err := os.Create(partPath)
	if err != nil {
		return "", wrapCategory(CategoryFilesystem, fmt.Errorf("creating output file: %w", err))
	}
	done := false
	defer func() {
		if !done {
			file.Close()
			if rmErr := os.Remove(partPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				d.logger.Warn("removing partial output", "path", partPath, "err", rmErr)
			}
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	group, groupCtx := errgroup.WithContext(runCtx)
	group.SetLimit(concurrency)

	// window bounds fetched-but-unwritten segments so a stalled head segment
	// cannot make the reorder buffer grow without limit.
	window := make(chan struct{}, 2*concurrency)
	results := make(chan fetchedSegment, concurrency)

	var writeErr error
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		writeErr = d.writeInOrder(file, playlist, results, window, opts.OnProgress)
		if writeErr != nil {
			cancelRun()
			for range results {
				<-window
			}
		}
	}()

	total := len(playlist.Segments)
	d.logger.Info("downloading segments", "count", total, "concurrency", concurrency, "dest", destPath)

schedule:
	for i, seg := range playlist.Segments {
		select {
		case window <- struct{}{}:
		case <-groupCtx.Done():
			break schedule
		}
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			data, err := d.fetchSegmentWithRetry(groupCtx, seg)
			if err != nil {
				return err
			}
			select {
			case results <- fetchedSegment{index: i, data: data}:
				return nil
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		})
	}
	fetchErr := group.Wait()
	close(results)
	writerWG.Wait()

	switch {
	case ctx.Err() != nil:
		d.logger.Info("download cancelled", "dest", destPath)
		return "", wrapCategory(CategoryCancelled, ErrCancelled)
	case writeErr != nil && !errors.Is(writeErr, errIncomplete):
		return "", writeErr
	case fetchErr != nil:
		var segErr *SegmentFetchError
		if errors.As(fetchErr, &segErr) {
			d.logger.Error("segment failed", "seq", segErr.Sequence, "attempts", segErr.Attempts, "err", segErr.Err)
		}
		return "", wrapCategory(CategoryNetwork, fetchErr)
	case writeErr != nil:
		return "", wrapCategory(CategoryInternal, writeErr)
	}

	if err := file.Sync(); err != nil {
		return "", wrapCategory(CategoryFilesystem, fmt.Errorf("syncing output: %w", err))
	}
	if err := file.Close(); err != nil {
		return "", wrapCategory(CategoryFilesystem, fmt.Errorf("closing output: %w", err))
	}
	if err := os.Rename(partPath, destPath); err != nil {
		os.Remove(partPath)
		done = true
		return "", wrapCategory(CategoryFilesystem, fmt.Errorf("finalizing output: %w", err))
	}
	done = true
	return destPath, nil
}

// writeInOrder appends segments to w in playlist order, parking early
// arrivals until their predecessors are written. Sequence numbers may have
// gaps, so order is by position in playlist.Segments.
func (d *Downloader) writeInOrder(w io.Writer, playlist *hls.Playlist, results <-chan fetchedSegment, window <-chan struct{}, onProgress func(Progress)) error {
	total := len(playlist.Segments)
	pending := make(map[int][]byte)
	next := 0
	var written int64

	for res := range results {
		pending[res.index] = res.data
		for {
			data, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			n, err := w.Write(data)
			written += int64(n)
			<-window
			if err != nil {
				return wrapCategory(CategoryFilesystem, fmt.Errorf("writing segment %d: %w", playlist.Segments[next].Sequence, err))
			}
			next++
			if onProgress != nil {
				onProgress(newProgress(next, total, written, playlist.Ended))
			}
		}
	}
	if next != total {
		return fmt.Errorf("%w: wrote %d of %d segments, %d parked", errIncomplete, next, total, len(pending))
	}
	return nil
}

func newProgress(completed, total int, bytes int64, totalKnown bool) Progress {
	p := Progress{Completed: completed, Total: total, DownloadedBytes: bytes, PercentKnown: totalKnown && total > 0}
	if p.PercentKnown {
		p.Percent = min(100, max(0, completed*100/total))
	}
	return p
}

func (d *Downloader) fetchSegmentWithRetry(ctx context.Context, seg hls.Segment) ([]byte, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= d.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, d.cfg.Retry.Delay(attempt)); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempts++
		data, err := d.fetchSegment(ctx, seg)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		d.logger.Warn("segment attempt failed", "seq", seg.Sequence, "attempt", attempts, "err", err)
	}
	return nil, &SegmentFetchError{Sequence: seg.Sequence, URI: seg.URI, Attempts: attempts, Err: lastErr}
}

func (d *Downloader) fetchSegment(ctx context.Context, seg hls.Segment) ([]byte, error) {
	if d.pacer != nil {
		if err := d.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.SegmentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, seg.URI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.segment.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: seg.URI, Code: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if d.limiter != nil {
		body = &rateLimitedReader{ctx: attemptCtx, r: resp.Body, limiter: d.limiter}
	}
	return io.ReadAll(body)
}
