package downloader

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestConsistentTransportHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer server.Close()

	transport := &consistentTransport{base: http.DefaultTransport, userAgent: "TestAgent/1.0", referer: "https://player.example/"}

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()

	want := map[string]string{
		"User-Agent":      "TestAgent/1.0",
		"Accept-Language": "en-US,en;q=0.9",
		"Accept":          "*/*",
		"Referer":         "https://player.example/",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, got.Get(k), v)
		}
	}
	if req.Header.Get("User-Agent") != "" || req.Header.Get("Referer") != "" {
		t.Fatalf("RoundTrip mutated the caller's request")
	}
}

func TestConsistentTransportPreservesExistingHeaders(t *testing.T) {
	var receivedUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	transport := &consistentTransport{base: http.DefaultTransport, userAgent: "TestAgent/1.0"}
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	req.Header.Set("User-Agent", "CustomAgent/2.0")

	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()
	if receivedUA != "CustomAgent/2.0" {
		t.Fatalf("expected preserved User-Agent, got %q", receivedUA)
	}
}

func TestConsistentTransportConcurrentSafety(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	transport := &consistentTransport{base: http.DefaultTransport, userAgent: "TestAgent/1.0"}
	// A shared request used concurrently; -race catches header mutation.
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := transport.RoundTrip(req)
			if err != nil {
				t.Errorf("RoundTrip: %v", err)
				return
			}
			resp.Body.Close()
		}()
	}
	wg.Wait()
	if got := req.Header.Get("User-Agent"); got != "" {
		t.Fatalf("concurrent RoundTrip mutated original request User-Agent to %q", got)
	}
}

func testClient() *Client {
	return NewClient(ClientConfig{Logger: quietLogger(), Retry: fastRetry, PlaylistTimeout: 5 * time.Second})
}

func TestFetchPlaylist(t *testing.T) {
	const body = "#EXTM3U\n#EXTINF:4,\nseg0.ts\n#EXT-X-ENDLIST\n"
	var gzipped bytes.Buffer
	gz := gzip.NewWriter(&gzipped)
	gz.Write([]byte(body))
	gz.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/ok.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte(body))
	})
	mux.HandleFunc("/gzip.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gzipped.Bytes())
	})
	mux.HandleFunc("/blocked.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<!DOCTYPE html><html><body>verify you are human</body></html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := testClient()
	ctx := context.Background()

	for _, path := range []string{"/ok.m3u8", "/gzip.m3u8"} {
		got, err := client.FetchPlaylist(ctx, server.URL+path)
		if err != nil {
			t.Fatalf("FetchPlaylist(%s): %v", path, err)
		}
		if got != body {
			t.Fatalf("FetchPlaylist(%s) = %q", path, got)
		}
	}

	_, err := client.FetchPlaylist(ctx, server.URL+"/blocked.m3u8")
	if !errors.Is(err, ErrBlocked) || CategoryOf(err) != CategoryRestricted {
		t.Fatalf("expected restricted ErrBlocked, got %v", err)
	}

	_, err = client.FetchPlaylist(ctx, server.URL+"/missing.m3u8")
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if ExitCode(err) != 4 {
		t.Fatalf("exit code = %d, want 4", ExitCode(err))
	}
}

func TestFetchPlaylistRejectsBadURLs(t *testing.T) {
	client := testClient()
	for _, raw := range []string{"ftp://cdn.example/a.m3u8", "not a url", "https://", "file:///etc/passwd"} {
		_, err := client.FetchPlaylist(context.Background(), raw)
		if CategoryOf(err) != CategoryInvalidURL {
			t.Errorf("FetchPlaylist(%q) category = %s, want invalid_url", raw, CategoryOf(err))
		}
	}
}

func TestFetchPlaylistCancelled(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := testClient().FetchPlaylist(ctx, server.URL+"/slow.m3u8")
	if !IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
