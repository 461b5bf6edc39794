package dispatch

import (
	"sort"
	"sync"
	"time"
)

// Window keeps a bounded ring of recent per-batch outcomes and derives the
// signals the controller samples: p95 latency and failure rate. The
// dispatcher is the sole writer; the controller reads snapshots.
type Window struct {
	mu   sync.Mutex
	ring []sample
	next int
	full bool
}

type sample struct {
	latency time.Duration
	records int
	failed  int
}

// NewWindow creates a window over the last size batch samples.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 64
	}
	return &Window{ring: make([]sample, size)}
}

// Observe records one finished batch: its execute latency and how many of
// its records failed.
func (w *Window) Observe(latency time.Duration, records, failed int) {
	if records <= 0 {
		return
	}
	w.mu.Lock()
	w.ring[w.next] = sample{latency: latency, records: records, failed: failed}
	w.next++
	if w.next == len(w.ring) {
		w.next = 0
		w.full = true
	}
	w.mu.Unlock()
}

func (w *Window) snapshot() []sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.next
	if w.full {
		n = len(w.ring)
	}
	out := make([]sample, n)
	copy(out, w.ring[:n])
	return out
}

// LatencyP95 returns the 95th percentile batch latency over the window, or
// zero when no samples exist.
func (w *Window) LatencyP95() time.Duration {
	samples := w.snapshot()
	if len(samples) == 0 {
		return 0
	}
	lats := make([]time.Duration, len(samples))
	for i, s := range samples {
		lats[i] = s.latency
	}
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })
	idx := (len(lats)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return lats[idx]
}

// FailureRate returns failed records over total records in the window.
func (w *Window) FailureRate() float64 {
	samples := w.snapshot()
	var total, failed int
	for _, s := range samples {
		total += s.records
		failed += s.failed
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total)
}

// Samples returns the number of batch samples currently held.
func (w *Window) Samples() int {
	return len(w.snapshot())
}
