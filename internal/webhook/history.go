package webhook

import (
	"sync"
	"time"
)

const (
	DefaultHistorySize      = 1000
	DefaultHistoryRetention = 24 * time.Hour
)

// HistoryQuery filters History.List; zero values match everything
type HistoryQuery struct {
	EndpointID  string
	EndpointIDs map[string]struct{}
	Status      *Status
	Limit       int
}

// History keeps the most recent delivery attempts, bounded by count and age
type History struct {
	mu        sync.Mutex
	entries   []Delivery
	capacity  int
	retention time.Duration
	now       func() time.Time
}

// NewHistory keeps at most capacity attempts no older than retention
func NewHistory(capacity int, retention time.Duration) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	return &History{capacity: capacity, retention: retention, now: time.Now}
}

// Append records one attempt, evicting the oldest entries past capacity
func (h *History) Append(d Delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, d)
	if over := len(h.entries) - h.capacity; over > 0 {
		copy(h.entries, h.entries[over:])
		h.entries = h.entries[:h.capacity]
	}
	h.pruneLocked()
}

// List returns matching entries oldest first, keeping the newest Limit
func (h *History) List(q HistoryQuery) []Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()

	var out []Delivery
	for _, d := range h.entries {
		if q.EndpointID != "" && d.EndpointID != q.EndpointID {
			continue
		}
		if q.EndpointIDs != nil {
			if _, ok := q.EndpointIDs[d.EndpointID]; !ok {
				continue
			}
		}
		if q.Status != nil && d.Status != *q.Status {
			continue
		}
		out = append(out, d)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Len returns the number of retained attempts
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneLocked()
	return len(h.entries)
}

// pruneLocked drops entries whose last attempt is older than the retention window
func (h *History) pruneLocked() {
	cutoff := h.now().Add(-h.retention)
	i := 0
	for i < len(h.entries) && attemptTime(h.entries[i]).Before(cutoff) {
		i++
	}
	if i > 0 {
		h.entries = append(h.entries[:0], h.entries[i:]...)
	}
}

func attemptTime(d Delivery) time.Time {
	if d.LastAttempt != nil {
		return *d.LastAttempt
	}
	return d.CreatedAt
}
