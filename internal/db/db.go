// Package db keeps a SQLite catalog of finished downloads.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotInitialized is returned by methods called on a nil or closed DB.
var ErrNotInitialized = errors.New("database not initialized")

// DownloadRecord is a row in the downloads table.
type DownloadRecord struct {
	ID          int64     `json:"id"`
	DownloadID  string    `json:"downloadId"`
	Filename    string    `json:"filename"`
	SourceURL   string    `json:"sourceUrl"`
	Quality     string    `json:"quality"`
	FilePath    string    `json:"filePath"`
	Format      string    `json:"format"`
	FileSize    int64     `json:"fileSize"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS downloads (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    download_id   TEXT NOT NULL DEFAULT '',
    filename      TEXT NOT NULL DEFAULT '',
    source_url    TEXT NOT NULL DEFAULT '',
    quality       TEXT NOT NULL DEFAULT '',
    file_path     TEXT NOT NULL UNIQUE,
    format        TEXT NOT NULL DEFAULT '',
    file_size     INTEGER NOT NULL DEFAULT 0,
    started_at    DATETIME,
    completed_at  DATETIME,
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_downloads_source_url ON downloads(source_url);
CREATE INDEX IF NOT EXISTS idx_downloads_completed_at ON downloads(completed_at);
`

// DB wraps an SQLite connection for the download history.
type DB struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database at %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if _, err := sqlDB.Exec(createTableSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &DB{db: sqlDB}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// UpsertDownload records a finished download keyed by file path. Downloading
// the same output again replaces the earlier row. Format defaults to the
// container classified from the path.
func (d *DB) UpsertDownload(ctx context.Context, record DownloadRecord) (int64, error) {
	if d == nil || d.db == nil {
		return 0, ErrNotInitialized
	}
	if record.FilePath == "" {
		return 0, fmt.Errorf("download record has no file path")
	}
	if record.Format == "" {
		record.Format = ClassifyContainer(record.FilePath)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO downloads (
			download_id, filename, source_url, quality, file_path,
			format, file_size, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			download_id=excluded.download_id, filename=excluded.filename,
			source_url=excluded.source_url, quality=excluded.quality,
			format=excluded.format, file_size=excluded.file_size,
			started_at=excluded.started_at, completed_at=excluded.completed_at
	`,
		record.DownloadID, record.Filename, record.SourceURL, record.Quality, record.FilePath,
		record.Format, record.FileSize, nullTime(record.StartedAt), nullTime(record.CompletedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("upserting download record: %w", err)
	}

	// LastInsertId is unreliable for ON CONFLICT DO UPDATE; query the actual row ID.
	var id int64
	if err := d.db.QueryRowContext(ctx, "SELECT id FROM downloads WHERE file_path = ?", record.FilePath).Scan(&id); err != nil {
		return 0, fmt.Errorf("querying upserted download id: %w", err)
	}
	return id, nil
}

// ListDownloads returns history rows, most recently completed first.
func (d *DB) ListDownloads(ctx context.Context, limit, offset int) ([]DownloadRecord, error) {
	if d == nil || d.db == nil {
		return nil, ErrNotInitialized
	}
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, download_id, filename, source_url, quality, file_path,
			format, file_size, started_at, completed_at, created_at
		FROM downloads
		ORDER BY completed_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying downloads: %w", err)
	}
	defer rows.Close()

	var records []DownloadRecord
	for rows.Next() {
		var r DownloadRecord
		var started, completed sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.DownloadID, &r.Filename, &r.SourceURL, &r.Quality, &r.FilePath,
			&r.Format, &r.FileSize, &started, &completed, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning download row: %w", err)
		}
		r.StartedAt = started.Time
		r.CompletedAt = completed.Time
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteByPath forgets the row for a file that was removed from disk.
func (d *DB) DeleteByPath(ctx context.Context, path string) error {
	if d == nil || d.db == nil {
		return ErrNotInitialized
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.ExecContext(ctx, "DELETE FROM downloads WHERE file_path = ?", path); err != nil {
		return fmt.Errorf("deleting download record: %w", err)
	}
	return nil
}

// Count returns the number of history rows.
func (d *DB) Count(ctx context.Context) (int, error) {
	if d == nil || d.db == nil {
		return 0, ErrNotInitialized
	}
	var count int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM downloads").Scan(&count); err != nil {
		return 0, fmt.Errorf("counting downloads: %w", err)
	}
	return count, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
