package downloader

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultUserAgent mimics a desktop browser; several CDNs refuse bare Go clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const maxPlaylistBytes = 16 << 20

var sharedTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	TLSHandshakeTimeout:   10 * time.Second,
	ResponseHeaderTimeout: 15 * time.Second,
	IdleConnTimeout:       90 * time.Second,
}

// CloseIdleConnections releases pooled connections of the shared transport.
func CloseIdleConnections() {
	sharedTransport.CloseIdleConnections()
}

type consistentTransport struct {
	base      http.RoundTripper
	userAgent string
	referer   string
}

func (t *consistentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if req.Header.Get("Accept-Language") == "" {
		req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	if t.referer != "" && req.Header.Get("Referer") == "" {
		req.Header.Set("Referer", t.referer)
	}
	return t.base.RoundTrip(req)
}

// ClientConfig configures the fetch primitive shared by the manager and the
// segment downloader.
type ClientConfig struct {
	UserAgent       string
	Referer         string
	PlaylistTimeout time.Duration
	Retry           RetryConfig
	// Transport overrides the shared pooled transport.
	Transport http.RoundTripper
	Logger    *log.Logger
}

// Client fetches playlists and segments over HTTP.
type Client struct {
	playlist *http.Client
	segment  *http.Client
	logger   *log.Logger
}

// NewClient builds a Client. Playlist requests go through the retrying
// transport; segment requests are retried by the downloader instead.
func NewClient(cfg ClientConfig) *Client {
	base := cfg.Transport
	if base == nil {
		base = sharedTransport
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	if cfg.PlaylistTimeout <= 0 {
		cfg.PlaylistTimeout = 30 * time.Second
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	var transport http.RoundTripper = &consistentTransport{base: base, userAgent: ua, referer: cfg.Referer}
	return &Client{
		playlist: &http.Client{
			Timeout:   cfg.PlaylistTimeout,
			Transport: newRetryTransport(transport, cfg.Retry, logger.WithPrefix("http")),
		},
		segment: &http.Client{Transport: transport},
		logger:  logger.WithPrefix("http"),
	}
}

// FetchPlaylist downloads playlist text. Non-2xx and transport errors are
// network failures; an HTML body is reported as ErrBlocked.
func (c *Client) FetchPlaylist(ctx context.Context, rawURL string) (string, error) {
	if err := ValidateURL(rawURL); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", wrapCategory(CategoryInvalidURL, fmt.Errorf("building request: %w", err))
	}
	resp, err := c.playlist.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", wrapCategory(CategoryCancelled, ErrCancelled)
		}
		return "", wrapCategory(CategoryNetwork, fmt.Errorf("fetching playlist: %w", err))
	}
	defer resp.Body.Close()
	c.logger.Debug("playlist response", "status", resp.StatusCode, "url", truncateURL(rawURL))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", wrapCategory(CategoryNetwork, fmt.Errorf("fetching playlist: %w", &StatusError{URL: rawURL, Code: resp.StatusCode}))
	}

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") && !resp.Uncompressed {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", wrapCategory(CategoryNetwork, fmt.Errorf("decoding gzip playlist: %w", err))
		}
		defer gz.Close()
		body = gz
	}
	data, err := io.ReadAll(io.LimitReader(body, maxPlaylistBytes))
	if err != nil {
		return "", wrapCategory(CategoryNetwork, fmt.Errorf("reading playlist: %w", err))
	}
	if looksLikeHTML(data) {
		return "", wrapCategory(CategoryRestricted, ErrBlocked)
	}
	return string(data), nil
}

// ValidateURL accepts absolute http and https URLs.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return wrapCategory(CategoryInvalidURL, fmt.Errorf("invalid url: %w", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return wrapCategory(CategoryInvalidURL, fmt.Errorf("unsupported url scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return wrapCategory(CategoryInvalidURL, fmt.Errorf("url has no host"))
	}
	return nil
}

func looksLikeHTML(data []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(data[:min(len(data), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype")) || bytes.HasPrefix(head, []byte("<html"))
}

func truncateURL(u string) string {
	if len(u) <= 100 {
		return u
	}
	return u[:100] + "..."
}
