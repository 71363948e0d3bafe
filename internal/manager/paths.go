package manager

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)

const maxFilenameLen = 120

var mediaExtensions = map[string]bool{
	".ts": true, ".mp4": true, ".mkv": true, ".m4v": true, ".mov": true, ".webm": true, ".m3u8": true,
}

// sanitizeFilename strips characters that are invalid on common filesystems
// and drops a media extension; the manager picks the extension itself.
func sanitizeFilename(name string) string {
	clean := invalidFilenameChars.ReplaceAllString(name, "-")
	clean = strings.TrimSpace(clean)
	if ext := strings.ToLower(filepath.Ext(clean)); mediaExtensions[ext] {
		clean = clean[:len(clean)-len(ext)]
	}
	clean = strings.Trim(clean, ". ")
	if len(clean) > maxFilenameLen {
		clean = strings.TrimSpace(clean[:maxFilenameLen])
	}
	return clean
}

// filenameFromURL derives a name from the playlist path, e.g.
// ".../show/ep1/index.m3u8" gives "ep1".
func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "video"
	}
	p := strings.TrimSuffix(u.Path, "/")
	base := strings.TrimSuffix(path.Base(p), path.Ext(p))
	switch strings.ToLower(base) {
	case "", ".", "/", "index", "master", "playlist", "manifest", "chunklist":
		parent := path.Base(path.Dir(p))
		if parent != "." && parent != "/" && parent != "" {
			base = parent
		} else {
			base = "video"
		}
	}
	if name := sanitizeFilename(base); name != "" {
		return name
	}
	return "video"
}

// outputPaths returns the intermediate and final paths inside dir. An
// existing final file is never overwritten: a numeric suffix is added.
func outputPaths(dir, name, container string) (intermediate, final string, err error) {
	if strings.ContainsAny(name, `/\`) || name == ".." {
		return "", "", fmt.Errorf("filename %q escapes output directory", name)
	}
	stem := name
	for i := 1; ; i++ {
		final = filepath.Join(dir, stem+container)
		intermediate = filepath.Join(dir, stem+".ts")
		if !exists(final) && !exists(intermediate) && !exists(intermediate+".part") {
			return intermediate, final, nil
		}
		if i > 999 {
			return "", "", fmt.Errorf("no free filename for %q", name)
		}
		stem = fmt.Sprintf("%s (%d)", name, i)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
