// Package web serves the JSON API and push events used by the browser UI.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/lvcoi/reelgrab/internal/capture"
	"github.com/lvcoi/reelgrab/internal/db"
	"github.com/lvcoi/reelgrab/internal/downloader"
	"github.com/lvcoi/reelgrab/internal/hls"
	"github.com/lvcoi/reelgrab/internal/manager"
	"github.com/lvcoi/reelgrab/internal/ws"
)

//go:embed assets/*
var embeddedAssets embed.FS

const maxRequestBodyBytes = 1 << 20 // 1 MiB

const (
	defaultHistoryLimit  = 100
	maxHistoryLimit      = 500
	variantLookupTimeout = 30 * time.Second
)

// Downloads is the manager surface the API drives.
type Downloads interface {
	AddDownloadWithQuality(url, filename, quality string) (string, error)
	CancelDownload(id string) error
	RemoveDownload(id string, deleteFile bool) error
	ClearCompleted()
	List() []manager.DownloadItem
	ActiveCount() int
	QualityVariants(ctx context.Context, url string) []hls.Variant
	Subscribe(fn func(manager.Event)) (unsubscribe func())
}

// Streams is the capture surface the API exposes.
type Streams interface {
	List() []capture.CapturedStream
	Clear()
	Subscribe(fn func(capture.Event)) (unsubscribe func())
}

// History lists completed downloads.
type History interface {
	ListDownloads(ctx context.Context, limit, offset int) ([]db.DownloadRecord, error)
}

// Config configures a Server. Streams, History and Hub are optional.
type Config struct {
	Addr     string
	MediaDir string
	Streams  Streams
	History  History
	Hub      *ws.Hub
	Logger   *log.Logger
}

// Server exposes one Downloads over HTTP, SSE and WebSocket.
type Server struct {
	downloads Downloads
	cfg       Config
	logger    *log.Logger
	events    *broker
	startedAt time.Time
	unsub     []func()
}

// StartDownloadRequest is the body of POST /api/downloads.
type StartDownloadRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Quality  string `json:"quality,omitempty"`
}

type errorResponse struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	Category string `json:"category,omitempty"`
	Error    string `json:"error"`
}

type historyItem struct {
	db.DownloadRecord
	Size string `json:"size"`
}

type historyResponse struct {
	Items      []historyItem `json:"items"`
	NextOffset *int          `json:"next_offset"`
}

// New builds a Server and subscribes it to downloads and streams. Call Close
// to unsubscribe.
func New(downloads Downloads, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		downloads: downloads,
		cfg:       cfg,
		logger:    logger.WithPrefix("web"),
		events:    newBroker(),
		startedAt: time.Now(),
	}
	s.unsub = append(s.unsub, downloads.Subscribe(s.onDownloadEvent))
	if cfg.Streams != nil {
		s.unsub = append(s.unsub, cfg.Streams.Subscribe(s.onCaptureEvent))
	}
	return s
}

// Close detaches the server from its sources and ends open event streams.
func (s *Server) Close() {
	for _, fn := range s.unsub {
		fn()
	}
	s.unsub = nil
	s.events.close()
}

func (s *Server) onDownloadEvent(ev manager.Event) {
	switch ev.Type {
	case manager.EventDownloadProgress:
		s.push(ws.TypeDownloadProgress, ev.Item)
	case manager.EventDownloadsUpdated:
		s.push(ws.TypeDownloadsUpdated, ev.Items)
	}
}

func (s *Server) onCaptureEvent(ev capture.Event) {
	switch ev.Type {
	case capture.EventStreamCaptured:
		s.push(ws.TypeStreamCaptured, ev.Stream)
	case capture.EventStreamsListed:
		s.push(ws.TypeCapturedStreamsList, ev.Streams)
	}
}

func (s *Server) push(eventType string, payload any) {
	s.events.publish(eventType, payload)
	if s.cfg.Hub != nil {
		s.cfg.Hub.Broadcast(ws.Message{Type: eventType, Payload: payload})
	}
}

// Handler returns the routed API with security headers applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("DELETE /api/streams", s.handleClearStreams)
	mux.HandleFunc("GET /api/downloads", s.handleListDownloads)
	mux.HandleFunc("POST /api/downloads", s.handleStartDownload)
	mux.HandleFunc("POST /api/downloads/clear-completed", s.handleClearCompleted)
	mux.HandleFunc("POST /api/downloads/{id}/cancel", s.handleCancelDownload)
	mux.HandleFunc("DELETE /api/downloads/{id}", s.handleRemoveDownload)
	mux.HandleFunc("GET /api/variants", s.handleVariants)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/media/{name}", s.handleMedia)
	if s.cfg.Hub != nil {
		mux.Handle("GET /ws", s.cfg.Hub)
	}

	assets, err := fs.Sub(embeddedAssets, "assets")
	if err == nil {
		fileServer := http.FileServer(http.FS(assets))
		mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				writeJSONError(w, http.StatusNotFound, "not found")
				return
			}
			fileServer.ServeHTTP(w, r)
		})
	}
	return withSecurityHeaders(mux)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.events.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	streams := []capture.CapturedStream{}
	if s.cfg.Streams != nil {
		streams = append(streams, s.cfg.Streams.List()...)
	}
	writeJSON(w, http.StatusOK, streams)
}

func (s *Server) handleClearStreams(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Streams != nil {
		s.cfg.Streams.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, append([]manager.DownloadItem{}, s.downloads.List()...))
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req StartDownloadRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSONError(w, err.status, err.message)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeJSONError(w, http.StatusBadRequest, "url is required")
		return
	}
	id, err := s.downloads.AddDownloadWithQuality(req.URL, req.Filename, req.Quality)
	if err != nil {
		writeCategorizedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": id})
}

func (s *Server) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.downloads.CancelDownload(r.PathValue("id")); err != nil {
		writeCategorizedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRemoveDownload(w http.ResponseWriter, r *http.Request) {
	deleteFile, _ := strconv.ParseBool(r.URL.Query().Get("deleteFile"))
	if err := s.downloads.RemoveDownload(r.PathValue("id"), deleteFile); err != nil {
		writeCategorizedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	s.downloads.ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVariants(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if err := downloader.ValidateURL(url); err != nil {
		writeCategorizedError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), variantLookupTimeout)
	defer cancel()
	writeJSON(w, http.StatusOK, s.downloads.QualityVariants(ctx, url))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := parsePagination(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := historyResponse{Items: []historyItem{}}
	if s.cfg.History == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	// One extra row tells whether another page exists.
	records, err := s.cfg.History.ListDownloads(r.Context(), limit+1, offset)
	if err != nil {
		s.logger.Error("listing history", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if len(records) > limit {
		records = records[:limit]
		next := offset + limit
		resp.NextOffset = &next
	}
	for _, rec := range records {
		resp.Items = append(resp.Items, historyItem{DownloadRecord: rec, Size: humanize.IBytes(uint64(max(rec.FileSize, 0)))})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	afterSeq := int64(0)
	if seq, ok := parseSeq(r.URL.Query().Get("since")); ok {
		afterSeq = seq
	} else if seq, ok := parseSeq(r.Header.Get("Last-Event-ID")); ok {
		afterSeq = seq
	}
	stream, cancel := s.events.subscribe(afterSeq)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Fresh clients start from the current lists.
	if afterSeq == 0 {
		if s.cfg.Streams != nil {
			writeSnapshot(w, ws.TypeCapturedStreamsList, s.cfg.Streams.List())
		}
		writeSnapshot(w, ws.TypeDownloadsUpdated, s.downloads.List())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	clients := s.events.subscriberCount()
	if s.cfg.Hub != nil {
		clients += s.cfg.Hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active_downloads": s.downloads.ActiveCount(),
		"uptime":           time.Since(s.startedAt).Truncate(time.Second).String(),
		"clients":          clients,
	})
}

// handleMedia serves a finished file from the output directory.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MediaDir == "" {
		writeJSONError(w, http.StatusNotFound, "media directory not configured")
		return
	}
	fullPath, status, err := resolveMediaPath(s.cfg.MediaDir, r.PathValue("name"))
	if err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	if _, err := os.Stat(fullPath); err != nil {
		writeJSONError(w, http.StatusNotFound, "file not found")
		return
	}
	http.ServeFile(w, r, fullPath)
}

type requestError struct {
	status  int
	message string
}

func (e *requestError) Error() string { return e.message }

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) *requestError {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return &requestError{http.StatusUnsupportedMediaType, "content type must be application/json"}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &requestError{http.StatusRequestEntityTooLarge, "request body too large"}
		}
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	if err := dec.Decode(new(struct{})); err != io.EOF {
		return &requestError{http.StatusBadRequest, "invalid JSON payload"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Type: "error", Status: "error", Error: message})
}

// writeCategorizedError maps manager and downloader errors to HTTP statuses.
func writeCategorizedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	category := downloader.CategoryOf(err)
	switch {
	case errors.Is(err, manager.ErrNotFound):
		status = http.StatusNotFound
		category = ""
	case category == downloader.CategoryInvalidURL, category == downloader.CategoryParse:
		status = http.StatusBadRequest
	case category == downloader.CategoryUnsupported:
		status = http.StatusUnprocessableEntity
	case category == downloader.CategoryNetwork, category == downloader.CategoryRestricted:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Type: "error", Status: "error", Category: string(category), Error: err.Error()})
}

func writeSSEEvent(w io.Writer, evt PushEvent) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, evt.Payload)
}

func writeSnapshot(w io.Writer, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}

func parseSeq(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func parsePagination(r *http.Request) (offset int, limit int, err error) {
	limit = defaultHistoryLimit
	q := r.URL.Query()
	if raw := q.Get("offset"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed < 0 {
			return 0, 0, fmt.Errorf("invalid offset parameter")
		}
		offset = parsed
	}
	if raw := q.Get("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed <= 0 {
			return 0, 0, fmt.Errorf("invalid limit parameter")
		}
		limit = min(parsed, maxHistoryLimit)
	}
	return offset, limit, nil
}

func withSecurityHeaders(next http.Handler) http.Handler {
	const cspValue = "default-src 'self'; base-uri 'self'; frame-ancestors 'none'; object-src 'none'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'; media-src 'self'"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", cspValue)
		next.ServeHTTP(w, r)
	})
}

func resolveMediaPath(mediaDir, name string) (string, int, error) {
	cleaned := filepath.Clean(name)
	if cleaned == "." || cleaned == "" || strings.ContainsAny(cleaned, `/\`) || strings.Contains(cleaned, "..") {
		return "", http.StatusBadRequest, fmt.Errorf("invalid path")
	}
	fullPath := filepath.Join(mediaDir, cleaned)
	realMediaDir, err := resolveRealPath(mediaDir)
	if err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("failed to resolve media directory")
	}
	realTarget, err := resolveRealPath(fullPath)
	if err != nil {
		return "", http.StatusBadRequest, fmt.Errorf("invalid path")
	}
	rel, err := filepath.Rel(realMediaDir, realTarget)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", http.StatusForbidden, fmt.Errorf("access denied")
	}
	return fullPath, 0, nil
}

func resolveRealPath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	realPath, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return realPath, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent := filepath.Dir(cleaned)
	if parent == cleaned {
		return "", err
	}
	realParent, parentErr := resolveRealPath(parent)
	if parentErr != nil {
		return "", parentErr
	}
	return filepath.Join(realParent, filepath.Base(cleaned)), nil
}
