package events

import "sync"

// DefaultRingSize is the maximum number of events the ring retains.
// Oldest events are evicted when the limit is exceeded.
const DefaultRingSize = 2000

// Ring stores recent events in a bounded buffer so CLI clients can
// replay history they missed. Safe for concurrent use.
type Ring struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
}

// NewRing creates a ring with the given capacity.
func NewRing(maxSize int) *Ring {
	if maxSize <= 0 {
		maxSize = DefaultRingSize
	}
	return &Ring{
		events:  make([]Event, 0, 64),
		maxSize: maxSize,
	}
}

// Push appends an event, evicting the oldest when at capacity.
func (r *Ring) Push(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.events) >= r.maxSize {
		// Drop oldest. O(n), but maxSize is bounded and pushes are
		// infrequent relative to CPU cost.
		copy(r.events, r.events[1:])
		r.events[len(r.events)-1] = ev
	} else {
		r.events = append(r.events, ev)
	}
}

// Events returns all retained events, oldest first.
func (r *Ring) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.events) == 0 {
		return nil
	}
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Since returns events with timestamps strictly after the given unix
// millisecond stamp, oldest first. Useful for incremental reads.
func (r *Ring) Since(afterMS int64) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.events) == 0 {
		return nil
	}

	// Events arrive in timestamp order, so scan back to the boundary.
	start := -1
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Timestamp <= afterMS {
			start = i + 1
			break
		}
	}
	if start == -1 {
		start = 0
	}
	if start >= len(r.events) {
		return nil
	}

	out := make([]Event, len(r.events)-start)
	copy(out, r.events[start:])
	return out
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}
