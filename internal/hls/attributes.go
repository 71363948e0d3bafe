package hls

import (
	"strconv"
	"strings"
)

// parseAttributes parses an HLS attribute list into upper-cased keys with
// surrounding quotes removed from values.
func parseAttributes(raw string) map[string]string {
	attrs := map[string]string{}
	for _, part := range splitAttributes(raw) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(strings.ToUpper(kv[0]))
		value := strings.Trim(strings.TrimSpace(kv[1]), "\"")
		if key != "" {
			attrs[key] = value
		}
	}
	return attrs
}

// splitAttributes splits on commas that are not inside a quoted string.
func splitAttributes(raw string) []string {
	var parts []string
	var b strings.Builder
	inQuotes := false
	for _, r := range raw {
		switch r {
		case '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case ',':
			if inQuotes {
				b.WriteRune(r)
				continue
			}
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

// parseResolution splits "WxH" into its dimensions.
func parseResolution(value string) (width, height int, ok bool) {
	w, h, found := strings.Cut(strings.ToLower(strings.TrimSpace(value)), "x")
	if !found {
		return 0, 0, false
	}
	width, errW := strconv.Atoi(w)
	height, errH := strconv.Atoi(h)
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

// parseDuration reads the numeric part of an #EXTINF argument ("9.009,title").
func parseDuration(value string) float64 {
	value, _, _ = strings.Cut(value, ",")
	duration, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || duration < 0 {
		return 0
	}
	return duration
}

func parseInt(value string) int {
	if value == "" {
		return 0
	}
	num, _ := strconv.Atoi(value)
	return num
}

func parseFloat(value string) float64 {
	if value == "" {
		return 0
	}
	num, _ := strconv.ParseFloat(value, 64)
	return num
}
