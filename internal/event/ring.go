package event

import "sync"

// DefaultRingCapacity is the default number of events retained by a Ring.
const DefaultRingCapacity = 100

// Ring is a bounded buffer retaining the most recent events. When full,
// the oldest entry is silently dropped; appends never fail. The scheduler
// uses a Ring as its observability log for significant transitions.
type Ring struct {
	mu     sync.RWMutex
	events []Event
	start  int
	count  int
}

// NewRing creates a Ring holding at most capacity events.
// A capacity of zero or less falls back to DefaultRingCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{
		events: make([]Event, capacity),
	}
}

// Append adds an event, evicting the oldest entry if the ring is full.
func (r *Ring) Append(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := (r.start + r.count) % len(r.events)
	r.events[idx] = e
	if r.count < len(r.events) {
		r.count++
	} else {
		r.start = (r.start + 1) % len(r.events)
	}
}

// Snapshot returns the retained events in oldest-to-newest order.
func (r *Ring) Snapshot() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.events[(r.start+i)%len(r.events)])
	}
	return out
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the maximum number of retained events.
func (r *Ring) Capacity() int {
	return len(r.events)
}
