package hls

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultQualityLabel names the single pseudo-variant offered for media
// playlists, where there is nothing to choose between.
const DefaultQualityLabel = "Default Quality"

// ListVariants returns the variants of a master playlist ordered best first:
// bandwidth descending, then resolution area descending (unknown last), then
// playlist order.
func ListVariants(p *Playlist) ([]Variant, error) {
	if p == nil {
		return nil, &InvalidPlaylistError{Want: PlaylistMaster}
	}
	if p.Type != PlaylistMaster {
		return nil, &InvalidPlaylistError{Want: PlaylistMaster, Got: p.Type}
	}
	variants := append([]Variant(nil), p.Variants...)
	sort.SliceStable(variants, func(i, j int) bool {
		if variants[i].Bandwidth != variants[j].Bandwidth {
			return variants[i].Bandwidth > variants[j].Bandwidth
		}
		return variants[i].Area() > variants[j].Area()
	})
	return variants, nil
}

// PickDefault returns the highest quality variant.
func PickDefault(variants []Variant) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, ErrNoVariants
	}
	return variants[0], nil
}

// SelectVariant picks a variant from an ordered list by a user preference:
// "", "best", "worst", a height such as "720p", a label, or the variant URL.
// Unmatched preferences fall back to PickDefault.
func SelectVariant(variants []Variant, quality string) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, ErrNoVariants
	}
	want := strings.ToLower(strings.TrimSpace(quality))
	switch want {
	case "", "best", "default":
		return variants[0], nil
	case "worst":
		return variants[len(variants)-1], nil
	}
	for _, v := range variants {
		if v.URI == quality || strings.ToLower(v.Label) == want {
			return v, nil
		}
	}
	if height, ok := parseHeight(want); ok {
		for _, v := range variants {
			if v.Height() == height {
				return v, nil
			}
		}
	}
	return variants[0], nil
}

// Area is width*height, or 0 when the resolution is missing or malformed.
func (v Variant) Area() int {
	w, h, ok := parseResolution(v.Resolution)
	if !ok {
		return 0
	}
	return w * h
}

// Height is the vertical resolution, or 0 when unknown.
func (v Variant) Height() int {
	_, h, ok := parseResolution(v.Resolution)
	if !ok {
		return 0
	}
	return h
}

func variantLabel(v Variant) string {
	label := "Stream"
	if h := v.Height(); h > 0 {
		label = fmt.Sprintf("%dp", h)
	}
	if v.FrameRate > 0 {
		label += "@" + strconv.FormatFloat(v.FrameRate, 'f', -1, 64) + "fps"
	}
	if v.Bandwidth > 0 {
		label += fmt.Sprintf(" (%.1fMbps)", float64(v.Bandwidth)/1_000_000)
	}
	return label
}

func parseHeight(value string) (int, bool) {
	value = strings.TrimSuffix(value, "p")
	if value == "" {
		return 0, false
	}
	h, err := strconv.Atoi(value)
	if err != nil || h <= 0 {
		return 0, false
	}
	return h, true
}

// EstimateQuality maps the average bitrate of a finished download to a
// resolution label. It returns "" when the duration is unknown.
func EstimateQuality(bytes int64, seconds float64) string {
	if seconds <= 0 || bytes <= 0 {
		return ""
	}
	mbps := float64(bytes) * 8 / seconds / 1_000_000
	switch {
	case mbps >= 8:
		return "1080p"
	case mbps >= 4:
		return "720p"
	case mbps >= 2:
		return "480p"
	case mbps >= 1:
		return "360p"
	default:
		return "240p"
	}
}
