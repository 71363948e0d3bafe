package manager

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/lvcoi/reelgrab/internal/downloader"
	"github.com/lvcoi/reelgrab/internal/hls"
	"github.com/lvcoi/reelgrab/internal/remux"
)

// errAborted stops the pipeline after its item was cancelled or removed.
var errAborted = errors.New("download aborted")

// run drives one download to a terminal status.
func (m *Manager) run(ctx context.Context, id, url, name, quality string) {
	logger := m.logger.With("id", id)

	path, err := m.pipeline(ctx, id, url, name, quality)
	switch {
	case err == nil:
		item, ok := m.complete(id, path)
		if !ok {
			// Removed or cancelled while finishing up.
			removeQuietly(path)
			return
		}
		logger.Info("download complete", "path", path, "bytes", item.DownloadedBytes)
		if m.cfg.Recorder != nil {
			if recErr := m.cfg.Recorder.RecordDownload(context.Background(), item); recErr != nil {
				logger.Warn("recording history", "err", recErr)
			}
		}
	case errors.Is(err, errAborted), ctx.Err() != nil, downloader.IsCancelled(err):
		if m.update(id, StatusCancelled, nil) {
			logger.Info("download cancelled")
		}
	default:
		logger.Error("download failed", "err", err, "category", downloader.CategoryOf(err))
		m.update(id, StatusError, func(it *DownloadItem) {
			it.Error = err.Error()
			it.Category = string(downloader.CategoryOf(err))
		})
	}
}

func (m *Manager) pipeline(ctx context.Context, id, url, name, quality string) (string, error) {
	playlist, err := m.fetchAndParse(ctx, id, url)
	if err != nil {
		return "", err
	}

	if playlist.Type == hls.PlaylistMaster {
		variants, err := hls.ListVariants(playlist)
		if err != nil {
			return "", err
		}
		variant, err := hls.SelectVariant(variants, quality)
		if err != nil {
			return "", err
		}
		m.logger.Info("selected variant", "id", id, "label", variant.Label, "variants", len(variants))
		if !m.update(id, StatusParsing, func(it *DownloadItem) { it.Quality = variant.Label }) {
			return "", errAborted
		}
		playlist, err = m.fetchAndParse(ctx, id, variant.URI)
		if err != nil {
			return "", err
		}
		if playlist.Type != hls.PlaylistMedia {
			return "", downloader.Categorize(downloader.CategoryUnsupported,
				&hls.InvalidPlaylistError{Want: hls.PlaylistMedia, Got: playlist.Type})
		}
	}
	if playlist.Encrypted {
		m.logger.Warn("playlist is encrypted, segments are saved as served", "id", id, "method", playlist.KeyMethod)
	}

	intermediate, final, err := outputPaths(m.cfg.OutputDir, name, m.cfg.Container)
	if err != nil {
		return "", downloader.Categorize(downloader.CategoryFilesystem, err)
	}
	if !m.update(id, StatusDownloading, nil) {
		return "", errAborted
	}

	out, err := m.segments.DownloadMedia(ctx, playlist, intermediate, downloader.Options{
		Concurrency: m.cfg.Concurrency,
		OnProgress: func(p downloader.Progress) {
			m.update(id, StatusDownloading, func(it *DownloadItem) {
				it.DownloadedBytes = p.DownloadedBytes
				if p.PercentKnown {
					it.Progress = p.Percent
				}
			})
		},
	})
	if err != nil {
		return "", err
	}

	// Segments were appended in order while downloading. Media playlists
	// carry no variant label, so one is estimated from the bitrate.
	estimated := ""
	if info, statErr := os.Stat(out); statErr == nil {
		estimated = hls.EstimateQuality(info.Size(), playlist.TotalDuration())
	}
	if !m.update(id, StatusMerging, func(it *DownloadItem) {
		if it.Quality == "" {
			it.Quality = estimated
		}
	}) {
		removeQuietly(out)
		return "", errAborted
	}
	if err := remux.ValidateTransportStream(out); err != nil {
		m.logger.Warn("segments are not MPEG-TS, conversion may fail", "id", id, "path", out, "err", err)
	}

	if m.converter == nil || m.cfg.Container == ".ts" {
		return out, nil
	}
	if !m.update(id, StatusConverting, nil) {
		removeQuietly(out)
		return "", errAborted
	}
	kept := m.converter.Convert(ctx, out, final, remux.ConvertOptions{
		Duration: time.Duration(playlist.TotalDuration() * float64(time.Second)),
	})
	if ctx.Err() != nil {
		removeQuietly(kept)
		return "", errAborted
	}
	return kept, nil
}

// fetchAndParse moves the item through fetching and parsing for url.
func (m *Manager) fetchAndParse(ctx context.Context, id, url string) (*hls.Playlist, error) {
	if !m.update(id, StatusFetching, nil) {
		return nil, errAborted
	}
	text, err := m.fetcher.FetchPlaylist(ctx, url)
	if err != nil {
		return nil, err
	}
	if !m.update(id, StatusParsing, nil) {
		return nil, errAborted
	}
	playlist, err := m.parser().Parse(text, url)
	if err != nil {
		return nil, downloader.Categorize(downloader.CategoryParse, err)
	}
	return playlist, nil
}

func (m *Manager) complete(id, path string) (DownloadItem, bool) {
	var done DownloadItem
	ok := m.update(id, StatusComplete, func(it *DownloadItem) {
		it.FilePath = path
		it.Progress = 100
		done = *it
	})
	return done, ok
}

func removeQuietly(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func (m *Manager) parser() *hls.Parser {
	return &hls.Parser{Logger: m.logger}
}
