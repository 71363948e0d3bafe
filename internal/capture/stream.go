// Package capture watches a player's network traffic and keeps the media
// manifests it requests.
package capture

import (
	"net/url"
	"strings"
	"time"
)

// StreamType is the media format guessed from a captured URL.
type StreamType string

const (
	TypeHLS     StreamType = "hls"
	TypeMP4     StreamType = "mp4"
	TypeDASH    StreamType = "dash"
	TypeUnknown StreamType = "unknown"
)

// CapturedStream is an observed media URL. It is not modified after capture.
type CapturedStream struct {
	URL       string     `json:"url"`
	Type      StreamType `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Content   string     `json:"content,omitempty"`
}

// EventKind tells whether a NetworkEvent came from a request or a response.
type EventKind string

const (
	KindRequest  EventKind = "request"
	KindResponse EventKind = "response"
)

// NetworkEvent is one observed request or response.
type NetworkEvent struct {
	URL         string
	ContentType string
	Kind        EventKind
	// Body is the response body when the observer has it.
	Body string
}

var includeMarkers = []string{".m3u8", ".m3u", ".mpd", ".mp4", "googlevideo", "/hls/", "/manifest", "/playlist"}

var excludeMarkers = []string{".css", ".js", ".html", ".htm", ".php", ".asp", "/embed/", "imdb.com", "tmdb.org", "facebook", "twitter"}

var hlsContentTypes = []string{"application/vnd.apple.mpegurl", "application/x-mpegurl", "audio/mpegurl"}

// IsCandidate reports whether an observed URL looks like a media manifest or
// media file worth keeping.
func IsCandidate(rawURL, contentType string) bool {
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	for _, m := range excludeMarkers {
		if strings.Contains(lower, m) {
			return false
		}
	}
	if isHLSContentType(contentType) {
		return true
	}
	for _, m := range includeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Classify guesses the stream type from the URL path.
func Classify(rawURL string) StreamType {
	path := strings.ToLower(rawURL)
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		path = strings.ToLower(u.Path)
		host = strings.ToLower(u.Host)
	}
	switch {
	case strings.HasSuffix(path, ".m3u8"), strings.HasSuffix(path, ".m3u"):
		return TypeHLS
	case strings.HasSuffix(path, ".mpd"):
		return TypeDASH
	case strings.HasSuffix(path, ".mp4"), strings.Contains(host, "googlevideo"):
		return TypeMP4
	}
	return TypeUnknown
}

func classifyEvent(ev NetworkEvent) StreamType {
	t := Classify(ev.URL)
	if t == TypeUnknown && isHLSContentType(ev.ContentType) {
		return TypeHLS
	}
	return t
}

func isHLSContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	for _, t := range hlsContentTypes {
		if ct == t {
			return true
		}
	}
	return false
}
