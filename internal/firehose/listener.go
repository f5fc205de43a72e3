package firehose

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Listener consumes events from a Consumer.
//
// HandleEvent runs on a pool worker and may block; a listener that falls
// behind is shed through TooSlow instead of queuing without bound. TooSlow
// may be called from the stream reader and must return quickly.
//
// Listeners are identified by value equality, so use pointer receivers.
type Listener interface {
	HandleEvent(ev *Event)
	TooSlow()
}

// registration tracks one listener and its in-flight dispatch count.
type registration struct {
	listener    Listener
	outstanding atomic.Int64
}

// registry is the set of listeners. Membership changes take the write lock.
// Fan-out iterates over a snapshot, so listeners may add or remove listeners
// from their own callbacks. Counters are updated atomically.
type registry struct {
	mu      sync.RWMutex
	entries []*registration
}

func (r *registry) add(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.listener == l {
			return false
		}
	}
	r.entries = append(r.entries, &registration{listener: l})
	return true
}

func (r *registry) remove(l Listener) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.listener == l {
			r.entries = slices.Delete(r.entries, i, i+1)
			return true
		}
	}
	return false
}

func (r *registry) each(fn func(*registration)) {
	r.mu.RLock()
	entries := slices.Clone(r.entries)
	r.mu.RUnlock()
	for _, e := range entries {
		fn(e)
	}
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *registry) outstanding(l Listener) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.listener == l {
			return e.outstanding.Load()
		}
	}
	return 0
}
