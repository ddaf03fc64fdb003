package worker

import (
	"sync"

	"github.com/cuongbtq/slicer-worker/internal/queue"
)

// LeaseTracker remembers which queue every in-flight message came from so
// its lease can be renewed and it can be deleted or requeued on the right
// queue.
type LeaseTracker struct {
	mu     sync.Mutex
	leases map[string]queue.Priority
}

// NewLeaseTracker returns an empty tracker.
func NewLeaseTracker() *LeaseTracker {
	return &LeaseTracker{leases: make(map[string]queue.Priority)}
}

// Track registers handle. Tracking a handle twice keeps the latest origin.
func (t *LeaseTracker) Track(handle string, origin queue.Priority) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leases[handle] = origin
}

// Untrack forgets handle and reports whether it was tracked.
func (t *LeaseTracker) Untrack(handle string) (queue.Priority, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	origin, ok := t.leases[handle]
	delete(t.leases, handle)
	return origin, ok
}

// Len returns the number of tracked handles.
func (t *LeaseTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.leases)
}

// Snapshot groups the tracked handles by origin. The result is a copy.
func (t *LeaseTracker) Snapshot() map[queue.Priority][]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	groups := make(map[queue.Priority][]string)
	for handle, origin := range t.leases {
		groups[origin] = append(groups[origin], handle)
	}
	return groups
}

// Origins returns a copy of the handle to origin map.
func (t *LeaseTracker) Origins() map[string]queue.Priority {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]queue.Priority, len(t.leases))
	for handle, origin := range t.leases {
		out[handle] = origin
	}
	return out
}
