// Package hls parses HLS playlists and resolves their quality variants.
package hls

import (
	"bufio"
	"net/url"
	"path"
	"strings"

	"github.com/charmbracelet/log"
)

// PlaylistType distinguishes master playlists from media playlists.
type PlaylistType string

const (
	PlaylistMaster PlaylistType = "master"
	PlaylistMedia  PlaylistType = "media"
)

const (
	tagHeader    = "#EXTM3U"
	tagStreamInf = "#EXT-X-STREAM-INF:"
	tagInf       = "#EXTINF:"
	tagKey       = "#EXT-X-KEY:"
	tagEndList   = "#EXT-X-ENDLIST"
	tagType      = "#EXT-X-PLAYLIST-TYPE:"
)

// Playlist is either a master playlist (Variants) or a media playlist
// (Segments). The two lists are never both populated.
type Playlist struct {
	Type      PlaylistType `json:"type"`
	BaseURL   string       `json:"baseUrl"`
	Variants  []Variant    `json:"variants,omitempty"`
	Segments  []Segment    `json:"segments,omitempty"`
	Encrypted bool         `json:"encrypted,omitempty"`
	KeyMethod string       `json:"keyMethod,omitempty"`
	// Ended is set when the media playlist carries #EXT-X-ENDLIST or is
	// declared VOD, so its segment list is final.
	Ended bool `json:"ended,omitempty"`
}

// Segment is one media chunk. Sequence defines concatenation order.
type Segment struct {
	URI      string  `json:"uri"`
	Duration float64 `json:"duration"`
	Sequence int     `json:"sequence"`
}

// Variant is one quality rendition listed by a master playlist.
type Variant struct {
	URI        string  `json:"url"`
	Bandwidth  int     `json:"bandwidth"`
	Resolution string  `json:"resolution,omitempty"`
	FrameRate  float64 `json:"frameRate,omitempty"`
	Codecs     string  `json:"codecs,omitempty"`
	Label      string  `json:"label"`
}

// TotalDuration sums the segment durations of a media playlist.
func (p *Playlist) TotalDuration() float64 {
	var total float64
	for _, seg := range p.Segments {
		total += seg.Duration
	}
	return total
}

// Parser turns playlist text into a Playlist. The zero value logs to the
// default logger.
type Parser struct {
	Logger *log.Logger
}

// ParsePlaylist parses text with a default Parser.
func ParsePlaylist(text, baseURL string) (*Playlist, error) {
	return (&Parser{}).Parse(text, baseURL)
}

type pendingEntry struct {
	line     int
	variant  *Variant
	duration float64
}

// Parse scans the playlist line by line. Unknown tags are ignored, and an
// entry tag that is never followed by a URI is logged and dropped.
func (p *Parser) Parse(text, baseURL string) (*Playlist, error) {
	logger := p.logger()

	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, &ParseError{Reason: "invalid base url: " + err.Error()}
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	playlist := &Playlist{BaseURL: baseURL}
	seenVariants := map[string]struct{}{}
	var pending *pendingEntry
	headerSeen := false
	lineNo := 0

	drop := func(reason string) {
		if pending == nil {
			return
		}
		logger.Warn("dropping playlist entry", "line", pending.line, "reason", reason)
		pending = nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if !headerSeen {
			line = strings.TrimPrefix(line, "\ufeff")
		}
		if line == "" {
			continue
		}
		if !headerSeen {
			if !strings.HasPrefix(line, tagHeader) {
				return nil, &ParseError{Line: lineNo, Reason: "missing #EXTM3U header"}
			}
			headerSeen = true
			continue
		}

		switch {
		case strings.HasPrefix(line, tagStreamInf):
			drop("missing uri")
			attrs := parseAttributes(strings.TrimPrefix(line, tagStreamInf))
			pending = &pendingEntry{line: lineNo, variant: &Variant{
				Bandwidth:  parseInt(attrs["BANDWIDTH"]),
				Resolution: attrs["RESOLUTION"],
				FrameRate:  parseFloat(attrs["FRAME-RATE"]),
				Codecs:     attrs["CODECS"],
			}}
			continue
		case strings.HasPrefix(line, tagInf):
			drop("missing uri")
			pending = &pendingEntry{line: lineNo, duration: parseDuration(strings.TrimPrefix(line, tagInf))}
			continue
		case strings.HasPrefix(line, tagKey):
			attrs := parseAttributes(strings.TrimPrefix(line, tagKey))
			method := strings.ToUpper(attrs["METHOD"])
			if method != "" && method != "NONE" {
				playlist.Encrypted = true
				playlist.KeyMethod = method
			}
			continue
		case strings.HasPrefix(line, tagEndList):
			playlist.Ended = true
			continue
		case strings.HasPrefix(line, tagType):
			if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(line, tagType)), "VOD") {
				playlist.Ended = true
			}
			continue
		case strings.HasPrefix(line, "#"):
			continue
		}

		if pending == nil {
			logger.Debug("ignoring uri without entry tag", "line", lineNo)
			continue
		}
		if isKeyURI(line) {
			drop("key file uri")
			continue
		}
		resolved, err := resolveURI(base, line)
		if err != nil {
			drop("unresolvable uri: " + err.Error())
			continue
		}

		if pending.variant != nil {
			variant := *pending.variant
			pending = nil
			variant.URI = resolved
			if _, dup := seenVariants[resolved]; dup {
				logger.Debug("skipping duplicate variant", "uri", resolved)
				continue
			}
			seenVariants[resolved] = struct{}{}
			variant.Label = variantLabel(variant)
			playlist.Variants = append(playlist.Variants, variant)
			continue
		}

		playlist.Segments = append(playlist.Segments, Segment{
			URI:      resolved,
			Duration: pending.duration,
			Sequence: len(playlist.Segments),
		})
		pending = nil
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Line: lineNo, Reason: err.Error()}
	}
	drop("missing uri at end of playlist")

	if !headerSeen {
		return nil, &ParseError{Reason: "empty playlist"}
	}

	switch {
	case len(playlist.Variants) > 0:
		playlist.Type = PlaylistMaster
		playlist.Segments = nil
	case len(playlist.Segments) > 0:
		playlist.Type = PlaylistMedia
	default:
		return nil, &ParseError{Reason: "playlist has no variants or segments"}
	}

	logger.Debug("parsed playlist", "type", playlist.Type, "variants", len(playlist.Variants), "segments", len(playlist.Segments))
	return playlist, nil
}

func (p *Parser) logger() *log.Logger {
	if p != nil && p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func resolveURI(base *url.URL, ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	return base.ResolveReference(parsed).String(), nil
}

// isKeyURI reports whether uri names a key file by its path extension,
// ignoring any query or fragment.
func isKeyURI(uri string) bool {
	p := uri
	if u, err := url.Parse(uri); err == nil {
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".key")
}
