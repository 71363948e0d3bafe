package capture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultCapacity is the number of captures kept per session.
const DefaultCapacity = 10

// Observer reports network traffic until ctx is done.
type Observer interface {
	Observe(ctx context.Context, emit func(NetworkEvent)) error
}

// Prober fetches playlist text; downloader.Client satisfies it.
type Prober interface {
	FetchPlaylist(ctx context.Context, url string) (string, error)
}

// EventType names an interceptor notification.
type EventType string

const (
	EventStreamCaptured EventType = "stream_captured"
	EventStreamsListed  EventType = "streams_listed"
)

// Event is delivered to subscribers. StreamCaptured carries Stream;
// StreamsListed carries the full current list.
type Event struct {
	Type    EventType        `json:"type"`
	Stream  *CapturedStream  `json:"stream,omitempty"`
	Streams []CapturedStream `json:"streams,omitempty"`
}

// Config configures an Interceptor.
type Config struct {
	Capacity int
	// Prober, when set, is used to recognise master playlists.
	Prober Prober
	Logger *log.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

// Interceptor filters observed traffic into a small ring of captured streams.
type Interceptor struct {
	observer Observer
	prober   Prober
	logger   *log.Logger
	now      func() time.Time

	mu         sync.Mutex
	ring       *ring
	master     string
	probed     map[string]struct{}
	onCaptured func(CapturedStream)
	ctx        context.Context

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	wg sync.WaitGroup
}

// New returns an Interceptor reading from observer. A nil observer is valid
// when events are fed through Handle.
func New(observer Observer, cfg Config) *Interceptor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Interceptor{
		observer: observer,
		prober:   cfg.Prober,
		logger:   logger.WithPrefix("capture"),
		now:      now,
		ring:     newRing(cfg.Capacity),
		probed:   make(map[string]struct{}),
		subs:     make(map[int]func(Event)),
		ctx:      context.Background(),
	}
}

// Start begins observing in the background. onCaptured, if non-nil, is called
// once for each newly captured URL. The returned stop func ends observation
// and waits for background work.
func (i *Interceptor) Start(onCaptured func(CapturedStream)) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	i.mu.Lock()
	i.onCaptured = onCaptured
	i.ctx = ctx
	i.mu.Unlock()

	if i.observer != nil {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			if err := i.observer.Observe(ctx, i.Handle); err != nil && ctx.Err() == nil {
				i.logger.Error("observer stopped", "err", err)
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			i.wg.Wait()
			i.mu.Lock()
			i.onCaptured = nil
			i.mu.Unlock()
		})
	}
}

// Handle processes one network event. It is safe for concurrent use.
func (i *Interceptor) Handle(ev NetworkEvent) {
	if !IsCandidate(ev.URL, ev.ContentType) {
		return
	}
	stream := CapturedStream{
		URL:       ev.URL,
		Type:      classifyEvent(ev),
		Timestamp: i.now(),
		Content:   ev.Body,
	}

	i.mu.Lock()
	added := i.ring.add(stream)
	onCaptured := i.onCaptured
	ctx := i.ctx
	probe := false
	if added && stream.Type == TypeHLS && i.prober != nil {
		if _, done := i.probed[stream.URL]; !done {
			i.probed[stream.URL] = struct{}{}
			probe = true
		}
	}
	i.mu.Unlock()
	if !added {
		return
	}

	i.logger.Info("stream captured", "type", stream.Type, "url", truncate(stream.URL, 80))
	if onCaptured != nil {
		i.safeCall("capture callback", func() { onCaptured(stream) })
	}
	captured := stream
	i.publish(Event{Type: EventStreamCaptured, Stream: &captured})
	i.publish(Event{Type: EventStreamsListed, Streams: i.List()})

	if strings.Contains(stream.Content, "#EXT-X-STREAM-INF") {
		i.markMaster(stream.URL)
	} else if probe {
		i.wg.Add(1)
		go i.probe(ctx, stream.URL)
	}
}

func (i *Interceptor) probe(ctx context.Context, url string) {
	defer i.wg.Done()
	text, err := i.prober.FetchPlaylist(ctx, url)
	if err != nil {
		i.logger.Debug("probe failed", "url", truncate(url, 80), "err", err)
		return
	}
	if strings.Contains(text, "#EXT-X-STREAM-INF") {
		i.markMaster(url)
	}
}

func (i *Interceptor) markMaster(url string) {
	i.mu.Lock()
	changed := i.master != url
	i.master = url
	i.mu.Unlock()
	if changed {
		i.logger.Info("master playlist detected", "url", truncate(url, 80))
		i.publish(Event{Type: EventStreamsListed, Streams: i.List()})
	}
}

// List returns the captured streams newest first, with the detected master
// playlist at the front.
func (i *Interceptor) List() []CapturedStream {
	i.mu.Lock()
	defer i.mu.Unlock()
	items := i.ring.snapshot()
	if i.master == "" {
		return items
	}
	out := make([]CapturedStream, 0, len(items)+1)
	var rest []CapturedStream
	found := false
	for _, s := range items {
		if s.URL == i.master {
			out = append(out, s)
			found = true
			continue
		}
		rest = append(rest, s)
	}
	if !found {
		out = append(out, CapturedStream{URL: i.master, Type: TypeHLS, Timestamp: i.now()})
	}
	return append(out, rest...)
}

// Master returns the detected master playlist URL, if any.
func (i *Interceptor) Master() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.master
}

// Clear forgets every capture and the detected master.
func (i *Interceptor) Clear() {
	i.mu.Lock()
	i.ring.reset()
	i.master = ""
	clear(i.probed)
	i.mu.Unlock()
	i.publish(Event{Type: EventStreamsListed, Streams: []CapturedStream{}})
}

// Subscribe registers fn for interceptor events and returns its
// unsubscribe func.
func (i *Interceptor) Subscribe(fn func(Event)) (unsubscribe func()) {
	i.subMu.Lock()
	id := i.nextSub
	i.nextSub++
	i.subs[id] = fn
	i.subMu.Unlock()
	return func() {
		i.subMu.Lock()
		delete(i.subs, id)
		i.subMu.Unlock()
	}
}

func (i *Interceptor) publish(ev Event) {
	i.subMu.Lock()
	fns := make([]func(Event), 0, len(i.subs))
	for _, fn := range i.subs {
		fns = append(fns, fn)
	}
	i.subMu.Unlock()
	for _, fn := range fns {
		i.safeCall("subscriber", func() { fn(ev) })
	}
}

func (i *Interceptor) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error(what+" panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
