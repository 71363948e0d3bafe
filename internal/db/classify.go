package db

import (
	"path/filepath"
	"strings"
)

// ClassifyContainer names the container of a finished download from its
// extension: "mp4", "matroska", "webm", "mpegts" or "unknown".
func ClassifyContainer(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".m4v", ".mov":
		return "mp4"
	case ".mkv":
		return "matroska"
	case ".webm":
		return "webm"
	case ".ts", ".m2ts":
		return "mpegts"
	default:
		return "unknown"
	}
}
