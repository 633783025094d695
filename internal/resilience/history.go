package resilience

import (
	"sync"
	"time"
)

// history is a fixed-capacity circular buffer of ServiceErrors with O(1)
// append and eviction. Scans walk at most capacity entries; capacity is
// small (default 1000) and scans are bounded further by time cutoffs.
type history struct {
	buf   []ServiceError
	head  int // index of the oldest entry
	count int
	mu    sync.RWMutex
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1000
	}
	return &history{buf: make([]ServiceError, capacity)}
}

// add appends an error, evicting the oldest entry when full.
func (h *history) add(e ServiceError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := (h.head + h.count) % len(h.buf)
	if h.count == len(h.buf) {
		h.head = (h.head + 1) % len(h.buf)
		h.count--
	}
	h.buf[idx] = e
	h.count++
}

// recent returns errors for a service newer than the cutoff, oldest first.
// A zero service matches every service.
func (h *history) recent(svc Service, cutoff time.Time) []ServiceError {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []ServiceError
	for i := 0; i < h.count; i++ {
		e := h.buf[(h.head+i)%len(h.buf)]
		if svc != "" && e.Service != svc {
			continue
		}
		if e.Resolved || !e.Timestamp.After(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// countRecent counts unresolved errors for a service newer than the cutoff.
func (h *history) countRecent(svc Service, cutoff time.Time) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for i := 0; i < h.count; i++ {
		e := h.buf[(h.head+i)%len(h.buf)]
		if e.Service == svc && !e.Resolved && e.Timestamp.After(cutoff) {
			n++
		}
	}
	return n
}

// lastErrorTime returns the newest unresolved error timestamp for a service.
func (h *history) lastErrorTime(svc Service) time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var last time.Time
	for i := 0; i < h.count; i++ {
		e := h.buf[(h.head+i)%len(h.buf)]
		if e.Service == svc && !e.Resolved && e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return last
}

// resolveService marks every unresolved error for the service as resolved,
// which closes its derived circuit. Used by the manual circuit reset.
func (h *history) resolveService(svc Service) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for i := 0; i < h.count; i++ {
		idx := (h.head + i) % len(h.buf)
		if h.buf[idx].Service == svc && !h.buf[idx].Resolved {
			h.buf[idx].Resolved = true
			n++
		}
	}
	return n
}

func (h *history) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
