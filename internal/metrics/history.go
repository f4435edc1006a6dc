package metrics

import (
	"sort"
	"sync"
	"time"
)

// History retains a bounded window of samples per metric, oldest first.
// The scheduler loop is the sole writer; any goroutine may read. Reads see
// copies, so a returned slice never changes under the caller.
type History struct {
	mu       sync.RWMutex
	capacity int
	series   map[Name]*series
}

// series is a fixed-capacity ring. buf grows lazily up to the capacity, then
// start marks the oldest element and appends overwrite in place.
type series struct {
	buf   []Sample
	start int
}

// NewHistory creates a store that keeps at most capacity samples per metric.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		capacity: capacity,
		series:   make(map[Name]*series),
	}
}

// Append adds a sample to its series, evicting the oldest when full.
func (h *History) Append(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sr := h.series[s.Name]
	if sr == nil {
		sr = &series{buf: make([]Sample, 0, h.capacity)}
		h.series[s.Name] = sr
	}
	if len(sr.buf) < h.capacity {
		sr.buf = append(sr.buf, s)
		return
	}
	sr.buf[sr.start] = s
	sr.start = (sr.start + 1) % len(sr.buf)
}

// Query returns all retained samples of name with timestamp at or after since,
// in time order. A since older than the oldest retained sample simply yields
// everything; an unknown name yields an empty slice. Query never fails.
func (h *History) Query(name Name, since time.Time) []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sr := h.series[name]
	if sr == nil {
		return []Sample{}
	}
	n := len(sr.buf)
	// Samples are time-ordered, so binary-search the first one >= since.
	first := sort.Search(n, func(i int) bool {
		return !sr.at(i).Timestamp.Before(since)
	})
	out := make([]Sample, 0, n-first)
	for i := first; i < n; i++ {
		out = append(out, sr.at(i))
	}
	return out
}

// Latest returns the most recent sample of name, if any.
func (h *History) Latest(name Name) (Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sr := h.series[name]
	if sr == nil || len(sr.buf) == 0 {
		return Sample{}, false
	}
	return sr.at(len(sr.buf) - 1), true
}

// Capacity returns the per-metric retention limit.
func (h *History) Capacity() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.capacity
}

// SetCapacity changes the per-metric retention limit at runtime. A decrease
// truncates each series to its newest n samples; an increase never discards.
// Values below 1 are ignored.
func (h *History) SetCapacity(n int) {
	if n < 1 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.capacity = n
	for _, sr := range h.series {
		ordered := sr.ordered()
		if len(ordered) > n {
			ordered = ordered[len(ordered)-n:]
		}
		sr.buf = ordered
		sr.start = 0
	}
}

// at returns the i-th sample in time order.
func (s *series) at(i int) Sample {
	return s.buf[(s.start+i)%len(s.buf)]
}

// ordered returns a fresh slice of the ring's contents, oldest first.
func (s *series) ordered() []Sample {
	out := make([]Sample, 0, len(s.buf))
	for i := 0; i < len(s.buf); i++ {
		out = append(out, s.at(i))
	}
	return out
}
