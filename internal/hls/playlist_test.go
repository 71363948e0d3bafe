package hls

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/grafov/m3u8"
)

const masterScenario = "#EXTM3U\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360\nlow.m3u8\n" +
	"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\nhigh.m3u8"

const mediaFixture = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:9.009,
seg0.ts
#EXTINF:9.009,
/abs/seg1.ts
#EXTINF:3.003,title
https://other.example/seg2.ts
#EXT-X-ENDLIST
`

func quietParser() *Parser {
	return &Parser{Logger: log.New(io.Discard)}
}

func TestParsePlaylistMasterScenario(t *testing.T) {
	p, err := quietParser().Parse(masterScenario, "https://cdn/x/master.m3u8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Type != PlaylistMaster {
		t.Fatalf("type = %s, want master", p.Type)
	}
	if len(p.Variants) != 2 {
		t.Fatalf("variants = %d, want 2", len(p.Variants))
	}
	if p.Segments != nil {
		t.Fatalf("master playlist must not carry segments")
	}
	variants, err := ListVariants(p)
	if err != nil {
		t.Fatalf("ListVariants: %v", err)
	}
	best, err := PickDefault(variants)
	if err != nil {
		t.Fatalf("PickDefault: %v", err)
	}
	if best.URI != "https://cdn/x/high.m3u8" {
		t.Fatalf("default uri = %q", best.URI)
	}
	if best.Bandwidth != 5000000 {
		t.Fatalf("default bandwidth = %d", best.Bandwidth)
	}
}

func TestParsePlaylistMedia(t *testing.T) {
	p, err := quietParser().Parse(mediaFixture, "https://cdn.example/path/index.m3u8?token=abc")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Type != PlaylistMedia {
		t.Fatalf("type = %s, want media", p.Type)
	}
	want := []Segment{
		{URI: "https://cdn.example/path/seg0.ts", Duration: 9.009, Sequence: 0},
		{URI: "https://cdn.example/abs/seg1.ts", Duration: 9.009, Sequence: 1},
		{URI: "https://other.example/seg2.ts", Duration: 3.003, Sequence: 2},
	}
	if len(p.Segments) != len(want) {
		t.Fatalf("segments = %d, want %d", len(p.Segments), len(want))
	}
	for i, seg := range p.Segments {
		if seg != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, seg, want[i])
		}
	}
	for i := 0; i+1 < len(p.Segments); i++ {
		if p.Segments[i].Sequence >= p.Segments[i+1].Sequence {
			t.Fatalf("sequence not strictly increasing at %d", i)
		}
	}
	if !p.Ended {
		t.Fatalf("expected ENDLIST to be recorded")
	}
	if got := p.TotalDuration(); got < 21.02 || got > 21.03 {
		t.Fatalf("TotalDuration = %v", got)
	}
}

func TestParsePlaylistErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{name: "empty", text: ""},
		{name: "blank lines", text: "\n\n  \n"},
		{name: "missing header", text: "#EXTINF:1,\nseg.ts\n"},
		{name: "header only", text: "#EXTM3U\n#EXT-X-VERSION:3\n"},
		{name: "zero segments", text: "#EXTM3U\n#EXT-X-TARGETDURATION:10\n#EXT-X-ENDLIST\n"},
		{name: "html body", text: "<!DOCTYPE html><html></html>"},
		{name: "only dangling tags", text: "#EXTM3U\n#EXTINF:4,\n#EXTINF:4,\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := quietParser().Parse(tt.text, "https://cdn.example/a.m3u8")
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
		})
	}
}

func TestParsePlaylistDropsEntriesWithoutURI(t *testing.T) {
	text := "#EXTM3U\n#EXTINF:4,\n#EXTINF:5,\nb.ts\n#EXTINF:6,\n"
	p, err := quietParser().Parse(text, "https://cdn.example/a.m3u8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(p.Segments))
	}
	seg := p.Segments[0]
	if seg.URI != "https://cdn.example/b.ts" || seg.Duration != 5 || seg.Sequence != 0 {
		t.Fatalf("unexpected segment %+v", seg)
	}
}

func TestParsePlaylistIgnoresUnknownTags(t *testing.T) {
	text := "#EXTM3U\n#EXT-X-FUTURE-TAG:FOO=1\n#EXT-X-PROGRAM-DATE-TIME:2024-01-01T00:00:00Z\n" +
		"#EXTINF:2,\n#EXT-X-BYTERANGE:100@0\na.ts\n# a comment\n#EXTINF:2,\nb.ts\n"
	p, err := quietParser().Parse(text, "https://cdn.example/live/a.m3u8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(p.Segments))
	}
	if p.Ended {
		t.Fatalf("playlist without ENDLIST must not be marked ended")
	}
}

func TestParsePlaylistMixedIsMaster(t *testing.T) {
	text := "#EXTM3U\n#EXTINF:2,\na.ts\n#EXT-X-STREAM-INF:BANDWIDTH=10\nv.m3u8\n"
	p, err := quietParser().Parse(text, "https://cdn.example/a.m3u8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Type != PlaylistMaster || len(p.Segments) != 0 || len(p.Variants) != 1 {
		t.Fatalf("unexpected playlist %+v", p)
	}
}

func TestParsePlaylistSkipsKeysAndDuplicates(t *testing.T) {
	text := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360,CODECS="avc1.4d401e,mp4a.40.2"
v360.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
v360.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=100
enc.key
#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,FRAME-RATE=29.97
https://edge.example/v720.m3u8
`
	p, err := quietParser().Parse(text, "https://cdn.example/hls/master.m3u8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Variants) != 2 {
		t.Fatalf("variants = %d, want 2: %+v", len(p.Variants), p.Variants)
	}
	if p.Variants[0].Codecs != "avc1.4d401e,mp4a.40.2" {
		t.Fatalf("codecs = %q", p.Variants[0].Codecs)
	}
	if p.Variants[1].URI != "https://edge.example/v720.m3u8" {
		t.Fatalf("absolute uri rewritten: %q", p.Variants[1].URI)
	}
	if p.Variants[1].FrameRate != 29.97 {
		t.Fatalf("frame rate = %v", p.Variants[1].FrameRate)
	}
}

func TestParsePlaylistKeepsSegmentsNamedLikeKeys(t *testing.T) {
	text := "#EXTM3U\n" +
		"#EXTINF:4,\nseg.keyframe.ts\n" +
		"#EXTINF:4,\nkeys/part1.ts?token=a.key\n" +
		"#EXTINF:4,\nlicense/Stream.KEY?v=2\n" +
		"#EXT-X-ENDLIST\n"
	p, err := quietParser().Parse(text, "https://cdn.example/hls/media.m3u8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Segments) != 2 {
		t.Fatalf("segments = %d, want 2: %+v", len(p.Segments), p.Segments)
	}
	if p.Segments[0].URI != "https://cdn.example/hls/seg.keyframe.ts" {
		t.Fatalf("first segment = %q", p.Segments[0].URI)
	}
	if p.Segments[1].URI != "https://cdn.example/hls/keys/part1.ts?token=a.key" {
		t.Fatalf("second segment = %q", p.Segments[1].URI)
	}
}

func TestParsePlaylistDetectsEncryption(t *testing.T) {
	text := "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"https://keys.example/k\"\n#EXTINF:4,\na.ts\n"
	p, err := quietParser().Parse(text, "https://cdn.example/a.m3u8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !p.Encrypted || p.KeyMethod != "AES-128" {
		t.Fatalf("encryption not detected: %+v", p)
	}
	if len(p.Segments) != 1 {
		t.Fatalf("segments = %d, want 1", len(p.Segments))
	}
}

func TestParsePlaylistEndedDetection(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"live", "#EXTM3U\n#EXTINF:4,\na.ts\n", false},
		{"endlist", "#EXTM3U\n#EXTINF:4,\na.ts\n#EXT-X-ENDLIST\n", true},
		{"vod", "#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:4,\na.ts\n", true},
		{"event", "#EXTM3U\n#EXT-X-PLAYLIST-TYPE:EVENT\n#EXTINF:4,\na.ts\n", false},
	}
	for _, tt := range tests {
		p, err := quietParser().Parse(tt.text, "https://cdn.example/a.m3u8")
		if err != nil {
			t.Fatalf("%s: Parse: %v", tt.name, err)
		}
		if p.Ended != tt.want {
			t.Errorf("%s: Ended = %v, want %v", tt.name, p.Ended, tt.want)
		}
	}
}

func TestParsePlaylistAcceptsBOMAndCRLF(t *testing.T) {
	text := "\ufeff#EXTM3U\r\n#EXTINF:1.5,\r\na.ts\r\n"
	p, err := quietParser().Parse(text, "https://cdn.example/a.m3u8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(p.Segments) != 1 || p.Segments[0].URI != "https://cdn.example/a.ts" {
		t.Fatalf("unexpected segments %+v", p.Segments)
	}
}

// The grafov decoder is an independent reading of the same playlists.
func TestParsePlaylistAgreesWithGrafov(t *testing.T) {
	fixtures := []string{masterScenario + "\n", mediaFixture}
	for _, text := range fixtures {
		pl, listType, err := m3u8.DecodeFrom(strings.NewReader(text), false)
		if err != nil {
			t.Fatalf("grafov decode: %v", err)
		}
		ours, err := quietParser().Parse(text, "https://cdn.example/x/index.m3u8")
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		switch listType {
		case m3u8.MASTER:
			master := pl.(*m3u8.MasterPlaylist)
			if ours.Type != PlaylistMaster || len(ours.Variants) != len(master.Variants) {
				t.Fatalf("variant count mismatch: ours %d, grafov %d", len(ours.Variants), len(master.Variants))
			}
			for i, v := range master.Variants {
				if uint32(ours.Variants[i].Bandwidth) != v.Bandwidth {
					t.Errorf("variant %d bandwidth: ours %d, grafov %d", i, ours.Variants[i].Bandwidth, v.Bandwidth)
				}
				if ours.Variants[i].Resolution != v.Resolution {
					t.Errorf("variant %d resolution: ours %q, grafov %q", i, ours.Variants[i].Resolution, v.Resolution)
				}
			}
		case m3u8.MEDIA:
			media := pl.(*m3u8.MediaPlaylist)
			if ours.Type != PlaylistMedia || uint(len(ours.Segments)) != media.Count() {
				t.Fatalf("segment count mismatch: ours %d, grafov %d", len(ours.Segments), media.Count())
			}
			for i := uint(0); i < media.Count(); i++ {
				if !strings.HasSuffix(ours.Segments[i].URI, strings.TrimPrefix(media.Segments[i].URI, "/")) {
					t.Errorf("segment %d uri: ours %q, grafov %q", i, ours.Segments[i].URI, media.Segments[i].URI)
				}
			}
		}
	}
}
