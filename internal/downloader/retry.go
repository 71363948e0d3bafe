package downloader

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// RetryConfig controls retry behavior for playlist requests and segment
// fetches.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig allows three retries starting at 500ms.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:   3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     8 * time.Second,
}

// Delay returns the wait before the given retry attempt (1-based), growing
// exponentially with +-25% jitter and capped at MaxDelay.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(c.InitialDelay) * math.Pow(2, float64(attempt-1))
	if base > float64(c.MaxDelay) {
		base = float64(c.MaxDelay)
	}
	jitter := base * 0.25 * (rand.Float64()*2 - 1) //nolint:gosec
	return time.Duration(base + jitter)
}

// retryTransport retries playlist requests on transient failures with
// backoff. Segment fetches run their own loop since every non-2xx counts
// there.
type retryTransport struct {
	base   http.RoundTripper
	config RetryConfig
	logger *log.Logger
}

func newRetryTransport(base http.RoundTripper, config RetryConfig, logger *log.Logger) *retryTransport {
	if logger == nil {
		logger = log.Default()
	}
	return &retryTransport{base: base, config: config, logger: logger}
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.config.MaxRetries; attempt++ {
		wait, retry := t.backoff(attempt, resp, err)
		if !retry {
			break
		}
		if resp != nil {
			resp.Body.Close()
		}
		t.logger.Debug("retrying playlist request", "url", truncateURL(req.URL.String()), "attempt", attempt, "wait", wait)
		if sleepErr := sleepWithContext(req.Context(), wait); sleepErr != nil {
			return nil, sleepErr
		}
		next, cloneErr := cloneRequest(req)
		if cloneErr != nil {
			return nil, cloneErr
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

// backoff reports whether the outcome of an attempt should be retried and how
// long to wait first. A Retry-After header on 429 or 503 overrides the
// computed delay, up to MaxDelay.
func (t *retryTransport) backoff(attempt int, resp *http.Response, err error) (time.Duration, bool) {
	if err != nil {
		return t.config.Delay(attempt), isRetryableError(err)
	}
	if !isRetryableStatus(resp.StatusCode) {
		return 0, false
	}
	if wait, ok := retryAfter(resp); ok {
		return min(wait, t.config.MaxDelay), true
	}
	return t.config.Delay(attempt), true
}

func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After")))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// isRetryableStatus returns true for HTTP status codes that indicate transient failures.
func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError returns true for network errors that are typically transient.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

// sleepWithContext sleeps for the given duration, returning early if the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
