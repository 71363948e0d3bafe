package db

import "testing"

func TestClassifyContainer(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/out/a.mp4", "mp4"},
		{"/out/a.M4V", "mp4"},
		{"/out/a.mov", "mp4"},
		{"/out/a.mkv", "matroska"},
		{"/out/a.webm", "webm"},
		{"/out/a.ts", "mpegts"},
		{"/out/a", "unknown"},
		{"/out/a.part", "unknown"},
	}
	for _, tt := range tests {
		if got := ClassifyContainer(tt.path); got != tt.want {
			t.Errorf("ClassifyContainer(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
