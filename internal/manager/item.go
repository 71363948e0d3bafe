package manager

import "time"

// DownloadItem is the externally visible record of one download. Callers
// always receive copies. Category classifies Error, e.g. "network" or
// "parse".
type DownloadItem struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	URL             string    `json:"url"`
	Quality         string    `json:"quality,omitempty"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	DownloadedBytes int64     `json:"downloadedBytes"`
	FilePath        string    `json:"filePath,omitempty"`
	Error           string    `json:"error,omitempty"`
	Category        string    `json:"category,omitempty"`
	StartTime       time.Time `json:"startTime"`
	EndTime         time.Time `json:"endTime,omitempty"`
}

// EventType names a manager notification.
type EventType string

const (
	EventDownloadProgress EventType = "download_progress"
	EventDownloadsUpdated EventType = "downloads_updated"
)

// Event is delivered to subscribers. DownloadProgress carries the changed
// Item; DownloadsUpdated carries the full list, newest first.
type Event struct {
	Type  EventType      `json:"type"`
	Item  *DownloadItem  `json:"item,omitempty"`
	Items []DownloadItem `json:"items,omitempty"`
}
