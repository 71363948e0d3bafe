// Package manager owns the list of downloads and drives each one through
// fetch, parse, download and convert.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/lvcoi/reelgrab/internal/downloader"
	"github.com/lvcoi/reelgrab/internal/hls"
	"github.com/lvcoi/reelgrab/internal/remux"
)

const (
	DefaultMaxItems  = 50
	DefaultContainer = ".mkv"
)

// ErrNotFound is returned for unknown download IDs.
var ErrNotFound = errors.New("download not found")

// Fetcher retrieves playlist text.
type Fetcher interface {
	FetchPlaylist(ctx context.Context, url string) (string, error)
}

// SegmentDownloader writes every segment of a media playlist to destPath.
type SegmentDownloader interface {
	DownloadMedia(ctx context.Context, playlist *hls.Playlist, destPath string, opts downloader.Options) (string, error)
}

// Converter remuxes a finished download and returns the path to keep.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string, opts remux.ConvertOptions) string
}

// Recorder stores completed downloads.
type Recorder interface {
	RecordDownload(ctx context.Context, item DownloadItem) error
}

// Config configures a Manager.
type Config struct {
	OutputDir string
	// Container is the final file extension, e.g. ".mkv" or ".mp4". ".ts"
	// skips conversion.
	Container   string
	MaxItems    int
	Concurrency int
	Recorder    Recorder
	Logger      *log.Logger
	Now         func() time.Time
}

type entry struct {
	item   DownloadItem
	cancel context.CancelFunc
}

// Manager is the single writer of download state.
type Manager struct {
	fetcher   Fetcher
	segments  SegmentDownloader
	converter Converter
	cfg       Config
	logger    *log.Logger

	mu      sync.Mutex
	entries []*entry // newest first

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	wg sync.WaitGroup
}

// New returns a Manager. converter may be nil, in which case downloads keep
// the transport stream container.
func New(fetcher Fetcher, segments SegmentDownloader, converter Converter, cfg Config) *Manager {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.Container == "" {
		cfg.Container = DefaultContainer
	}
	if !strings.HasPrefix(cfg.Container, ".") {
		cfg.Container = "." + cfg.Container
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		fetcher:   fetcher,
		segments:  segments,
		converter: converter,
		cfg:       cfg,
		logger:    logger.WithPrefix("manager"),
		subs:      make(map[int]func(Event)),
	}
}

// AddDownload starts downloading url in the background and returns its ID.
func (m *Manager) AddDownload(url, filename string) (string, error) {
	return m.AddDownloadWithQuality(url, filename, "")
}

// AddDownloadWithQuality is AddDownload with a preferred variant for master
// playlists ("best", "worst", "720p", a label, or a variant URL).
func (m *Manager) AddDownloadWithQuality(url, filename, quality string) (string, error) {
	url = strings.TrimSpace(url)
	if err := downloader.ValidateURL(url); err != nil {
		return "", err
	}
	name := sanitizeFilename(filename)
	if name == "" {
		name = filenameFromURL(url)
	}
	id, err := newID()
	if err != nil {
		return "", fmt.Errorf("generating download id: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		item: DownloadItem{
			ID:        id,
			Filename:  name + m.cfg.Container,
			URL:       url,
			Quality:   quality,
			Status:    StatusIdle,
			StartTime: m.cfg.Now(),
		},
		cancel: cancel,
	}

	m.mu.Lock()
	m.entries = append([]*entry{e}, m.entries...)
	m.trimLocked()
	m.mu.Unlock()

	m.logger.Info("download added", "id", id, "url", truncate(url, 100))
	m.publishList()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.run(ctx, id, url, name, quality)
	}()
	return id, nil
}

// trimLocked drops the oldest terminal items beyond MaxItems. Active items
// are never dropped.
func (m *Manager) trimLocked() {
	for len(m.entries) > m.cfg.MaxItems {
		idx := -1
		for i := len(m.entries) - 1; i >= 0; i-- {
			if m.entries[i].item.Status.IsTerminal() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	}
}

// CancelDownload stops an active download. Cancelling a finished download
// is a no-op.
func (m *Manager) CancelDownload(id string) error {
	m.mu.Lock()
	e := m.findLocked(id)
	if e == nil {
		m.mu.Unlock()
		return ErrNotFound
	}
	if e.item.Status.IsTerminal() {
		m.mu.Unlock()
		return nil
	}
	e.cancel()
	m.mu.Unlock()
	m.logger.Info("cancelling download", "id", id)
	return nil
}

// RemoveDownload forgets a download, cancelling it first when active. With
// deleteFile the finished output is removed from disk. Unknown IDs are
// ignored.
func (m *Manager) RemoveDownload(id string, deleteFile bool) error {
	m.mu.Lock()
	idx := -1
	for i, e := range m.entries {
		if e.item.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return nil
	}
	e := m.entries[idx]
	e.cancel()
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	path := e.item.FilePath
	m.mu.Unlock()

	if deleteFile && path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.publishList()
			return downloader.Categorize(downloader.CategoryFilesystem, fmt.Errorf("deleting %s: %w", filepath.Base(path), err))
		}
	}
	m.publishList()
	return nil
}

// ClearCompleted removes every complete, failed and cancelled download from
// the list. Files stay on disk.
func (m *Manager) ClearCompleted() {
	m.mu.Lock()
	kept := m.entries[:0]
	for _, e := range m.entries {
		if !e.item.Status.IsTerminal() {
			kept = append(kept, e)
		}
	}
	clear(m.entries[len(kept):])
	m.entries = kept
	m.mu.Unlock()
	m.publishList()
}

// List returns copies of all downloads, newest first.
func (m *Manager) List() []DownloadItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() []DownloadItem {
	out := make([]DownloadItem, len(m.entries))
	for i, e := range m.entries {
		out[i] = e.item
	}
	return out
}

// Get returns a copy of one download.
func (m *Manager) Get(id string) (DownloadItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.findLocked(id); e != nil {
		return e.item, true
	}
	return DownloadItem{}, false
}

// ActiveCount returns the number of downloads still in progress.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.item.Status.IsActive() {
			n++
		}
	}
	return n
}

// Wait blocks until every started pipeline has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels all active downloads and waits for them.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, e := range m.entries {
		e.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// QualityVariants lists the variants behind url, best first. A media
// playlist, or any failure, yields a single "Default Quality" entry for url
// itself.
func (m *Manager) QualityVariants(ctx context.Context, url string) []hls.Variant {
	fallback := []hls.Variant{{URI: url, Label: hls.DefaultQualityLabel}}
	text, err := m.fetcher.FetchPlaylist(ctx, url)
	if err != nil {
		m.logger.Warn("variant lookup failed, using url as-is", "url", truncate(url, 100), "err", err)
		return fallback
	}
	playlist, err := m.parser().Parse(text, url)
	if err != nil {
		m.logger.Warn("variant lookup failed, using url as-is", "url", truncate(url, 100), "err", err)
		return fallback
	}
	variants, err := hls.ListVariants(playlist)
	if err != nil || len(variants) == 0 {
		return fallback
	}
	return variants
}

// Subscribe registers fn for manager events. fn runs synchronously on the
// goroutine that changed state and must not block.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	fns := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("subscriber panicked", "panic", fmt.Sprint(r))
				}
			}()
			fn(ev)
		}()
	}
}

func (m *Manager) publishList() {
	m.publish(Event{Type: EventDownloadsUpdated, Items: m.List()})
}

func (m *Manager) findLocked(id string) *entry {
	for _, e := range m.entries {
		if e.item.ID == id {
			return e
		}
	}
	return nil
}

// update applies fn to the item when the item still exists and may move to
// status to. It reports whether the change was applied.
func (m *Manager) update(id string, to Status, fn func(*DownloadItem)) bool {
	m.mu.Lock()
	e := m.findLocked(id)
	if e == nil {
		m.mu.Unlock()
		return false
	}
	changed := e.item.Status != to
	if changed {
		if !CanTransition(e.item.Status, to) {
			from := e.item.Status
			m.mu.Unlock()
			m.logger.Debug("dropping status change", "id", id, "from", from, "to", to)
			return false
		}
		e.item.Status = to
		if to.IsTerminal() {
			e.item.EndTime = m.cfg.Now()
		}
	}
	if fn != nil {
		fn(&e.item)
	}
	item := e.item
	m.mu.Unlock()

	m.publish(Event{Type: EventDownloadProgress, Item: &item})
	if changed {
		m.publishList()
	}
	return true
}

func newID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "dl-" + u.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
