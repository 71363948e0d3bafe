package hls

import (
	"reflect"
	"testing"
)

func TestSplitAttributes(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{input: `BANDWIDTH=1280000`, want: []string{`BANDWIDTH=1280000`}},
		{input: `BANDWIDTH=1280000,RESOLUTION=1280x720`, want: []string{`BANDWIDTH=1280000`, `RESOLUTION=1280x720`}},
		{input: `CODECS="avc1.4d401e,mp4a.40.2",BANDWIDTH=1280000`, want: []string{`CODECS="avc1.4d401e,mp4a.40.2"`, `BANDWIDTH=1280000`}},
		{input: ``, want: nil},
	}

	for _, tt := range tests {
		got := splitAttributes(tt.input)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitAttributes(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseAttributes(t *testing.T) {
	tests := []struct {
		input string
		want  map[string]string
	}{
		{
			input: `BANDWIDTH=1280000,RESOLUTION=1280x720,FRAME-RATE=30.000`,
			want:  map[string]string{"BANDWIDTH": "1280000", "RESOLUTION": "1280x720", "FRAME-RATE": "30.000"},
		},
		{
			input: `bandwidth=1280000,resolution=1280x720`,
			want:  map[string]string{"BANDWIDTH": "1280000", "RESOLUTION": "1280x720"},
		},
		{input: `INVALID`, want: map[string]string{}},
		{input: ` =VALUE`, want: map[string]string{}},
	}

	for _, tt := range tests {
		got := parseAttributes(tt.input)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseAttributes(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		input string
		w, h  int
		ok    bool
	}{
		{"1920x1080", 1920, 1080, true},
		{"640X360", 640, 360, true},
		{"", 0, 0, false},
		{"1080p", 0, 0, false},
		{"0x0", 0, 0, false},
		{"axb", 0, 0, false},
	}
	for _, tt := range tests {
		w, h, ok := parseResolution(tt.input)
		if w != tt.w || h != tt.h || ok != tt.ok {
			t.Errorf("parseResolution(%q) = %d, %d, %v", tt.input, w, h, ok)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := map[string]float64{
		"10.0,":            10,
		"9.009,Some title": 9.009,
		"4":                4,
		"bogus,":           0,
		"-1,":              0,
	}
	for input, want := range tests {
		if got := parseDuration(input); got != want {
			t.Errorf("parseDuration(%q) = %v, want %v", input, got, want)
		}
	}
}
