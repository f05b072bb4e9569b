package network

import "sync"

// ListenerHandle identifies a registered listener. The zero handle is never
// issued.
type ListenerHandle uint64

type listenerEntry[F any] struct {
	handle ListenerHandle
	fn     F
}

// ListenerRegistry is an ordered list of callbacks. Each invokes them in
// registration order on the caller's goroutine.
type ListenerRegistry[F any] struct {
	mu      sync.Mutex
	next    ListenerHandle
	entries []listenerEntry[F]
}

// Add appends fn and returns its handle.
func (r *ListenerRegistry[F]) Add(fn F) ListenerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries = append(r.entries, listenerEntry[F]{handle: r.next, fn: fn})
	return r.next
}

// Remove unregisters the listener with handle h. It reports whether a
// listener was removed.
func (r *ListenerRegistry[F]) Remove(h ListenerHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.handle == h {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (r *ListenerRegistry[F]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Each calls invoke for every listener in registration order. The list is
// snapshotted first so listeners may register or remove others while running.
func (r *ListenerRegistry[F]) Each(invoke func(F)) {
	r.mu.Lock()
	snapshot := make([]F, len(r.entries))
	for i, e := range r.entries {
		snapshot[i] = e.fn
	}
	r.mu.Unlock()

	for _, fn := range snapshot {
		invoke(fn)
	}
}
