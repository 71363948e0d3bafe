package capture

// ring holds the most recent captures, newest first, unique by URL.
type ring struct {
	capacity int
	items    []CapturedStream
	seen     map[string]struct{}
}

func newRing(capacity int) *ring {
	return &ring{capacity: capacity, seen: make(map[string]struct{}, capacity)}
}

// add inserts s at the front and reports whether it was new. The oldest
// entry is evicted once the ring is full.
func (r *ring) add(s CapturedStream) bool {
	if _, ok := r.seen[s.URL]; ok {
		return false
	}
	r.items = append(r.items, CapturedStream{})
	copy(r.items[1:], r.items)
	r.items[0] = s
	r.seen[s.URL] = struct{}{}
	if len(r.items) > r.capacity {
		evicted := r.items[len(r.items)-1]
		r.items = r.items[:len(r.items)-1]
		delete(r.seen, evicted.URL)
	}
	return true
}

func (r *ring) snapshot() []CapturedStream {
	out := make([]CapturedStream, len(r.items))
	copy(out, r.items)
	return out
}

func (r *ring) reset() {
	r.items = nil
	clear(r.seen)
}
