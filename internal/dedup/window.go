// Package dedup remembers a bounded number of recently observed ids.
package dedup

import "sync"

// Window holds the last Size ids observed. Older ids are evicted first.
type Window struct {
	mu   sync.Mutex
	size int
	ring []string
	next int
	seen map[string]struct{}
}

// NewWindow returns a window remembering up to size ids. size below 1 is treated as 1.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{
		size: size,
		ring: make([]string, 0, size),
		seen: make(map[string]struct{}, size),
	}
}

// Seen reports whether id was already observed and records it if not.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return true
	}
	if len(w.ring) < w.size {
		w.ring = append(w.ring, id)
	} else {
		delete(w.seen, w.ring[w.next])
		w.ring[w.next] = id
		w.next = (w.next + 1) % w.size
	}
	w.seen[id] = struct{}{}
	return false
}

// Len returns how many ids are currently remembered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
