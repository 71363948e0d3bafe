package app

import (
	"context"
	"os"

	"github.com/lvcoi/reelgrab/internal/db"
	"github.com/lvcoi/reelgrab/internal/manager"
)

// historyRecorder stores completed manager items in the SQLite catalog.
type historyRecorder struct {
	db *db.DB
}

func (h historyRecorder) RecordDownload(ctx context.Context, item manager.DownloadItem) error {
	_, err := h.db.UpsertDownload(ctx, recordFromItem(item))
	return err
}

func recordFromItem(item manager.DownloadItem) db.DownloadRecord {
	rec := db.DownloadRecord{
		DownloadID:  item.ID,
		Filename:    item.Filename,
		SourceURL:   item.URL,
		Quality:     item.Quality,
		FilePath:    item.FilePath,
		FileSize:    item.DownloadedBytes,
		StartedAt:   item.StartTime,
		CompletedAt: item.EndTime,
	}
	// The remuxed file differs in size from the bytes fetched.
	if info, err := os.Stat(item.FilePath); err == nil {
		rec.FileSize = info.Size()
	}
	return rec
}
