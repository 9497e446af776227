package delivery

import (
	"sync"
	"time"
)

// Record is the outcome of one delivery: every attempt made for one event to one
// subscription. Attempt is the number of HTTP calls actually issued.
type Record struct {
	DeliveryID     string    `json:"deliveryId"`
	EventID        string    `json:"eventId"`
	SubscriptionID string    `json:"subscriptionId"`
	StatusCode     int       `json:"statusCode,omitempty"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Attempt        int       `json:"attempt"`
	Timestamp      time.Time `json:"timestamp"`
}

// Filter selects records from History. Zero fields match everything.
type Filter struct {
	SubscriptionID string
	EventID        string
	Success        *bool
	// Limit keeps only the most recent N matches.
	Limit int
}

func (f Filter) match(r Record) bool {
	if f.SubscriptionID != "" && r.SubscriptionID != f.SubscriptionID {
		return false
	}
	if f.EventID != "" && r.EventID != f.EventID {
		return false
	}
	if f.Success != nil && r.Success != *f.Success {
		return false
	}
	return true
}

// History is a fixed-capacity ring of delivery records; the oldest record is
// evicted once capacity is reached.
type History struct {
	mu    sync.RWMutex
	buf   []Record
	start int
	n     int
}

// NewHistory creates a History holding at most capacity records (minimum 1).
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]Record, capacity)}
}

// Append stores r, evicting the oldest record when full.
func (h *History) Append(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = r
		h.n++
		return
	}
	h.buf[h.start] = r
	h.start = (h.start + 1) % len(h.buf)
}

// Query returns matching records in the order they were appended.
func (h *History) Query(f Filter) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, 0)
	for i := 0; i < h.n; i++ {
		r := h.buf[(h.start+i)%len(h.buf)]
		if f.match(r) {
			out = append(out, r)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Len returns the number of stored records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

// Clear drops every record.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.buf)
	h.start, h.n = 0, 0
}
