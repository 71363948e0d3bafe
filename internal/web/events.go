package web

import (
	"encoding/json"
	"sync"
)

const (
	eventHistory    = 256
	subscriberQueue = 64
)

// PushEvent is one entry on the event stream. Seq increases by one per event
// and is sent as the SSE id so reconnecting clients can resume.
type PushEvent struct {
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// broker fans events out to SSE subscribers and keeps a short history for
// Last-Event-ID replay. Slow subscribers lose events rather than blocking
// publishers.
type broker struct {
	mu      sync.Mutex
	seq     int64
	history []PushEvent
	subs    map[chan PushEvent]struct{}
	closed  bool
}

func newBroker() *broker {
	return &broker{subs: make(map[chan PushEvent]struct{})}
}

func (b *broker) publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	evt := PushEvent{Seq: b.seq, Type: eventType, Payload: data}
	b.history = append(b.history, evt)
	if len(b.history) > eventHistory {
		b.history = b.history[len(b.history)-eventHistory:]
	}
	for ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// subscribe returns a channel that first replays retained events after
// afterSeq, then receives live events. cancel must be called once.
func (b *broker) subscribe(afterSeq int64) (<-chan PushEvent, func()) {
	ch := make(chan PushEvent, subscriberQueue+eventHistory)
	b.mu.Lock()
	for _, evt := range b.history {
		if afterSeq > 0 && evt.Seq > afterSeq {
			ch <- evt
		}
	}
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// close ends every subscription.
func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *broker) subscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
