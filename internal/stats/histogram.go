// Package stats keeps per-request latency distributions alongside the
// per-session means the result store records.
package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	lowestMicros  = 1
	highestMicros = int64(30 * time.Minute / time.Microsecond)
	sigFigs       = 3
)

// SafeHistogram is a thread-safe wrapper around hdrhistogram recording
// latencies in microseconds.
type SafeHistogram struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// NewSafeHistogram covers 1us to 30min at 3 significant figures
func NewSafeHistogram() *SafeHistogram {
	return &SafeHistogram{hist: hdrhistogram.New(lowestMicros, highestMicros, sigFigs)}
}

// RecordSeconds records a latency given in seconds. Values outside the
// trackable range are clamped.
func (h *SafeHistogram) RecordSeconds(v float64) {
	us := int64(v * 1e6)
	if us < lowestMicros {
		us = lowestMicros
	}
	if us > highestMicros {
		us = highestMicros
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_ = h.hist.RecordValue(us)
}

// QuantileSeconds returns the value at quantile q (0-100) in seconds
func (h *SafeHistogram) QuantileSeconds(q float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return float64(h.hist.ValueAtQuantile(q)) / 1e6
}

// TotalCount returns the number of recorded values
func (h *SafeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}

// Summary condenses the distribution
func (h *SafeHistogram) Summary() Distribution {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hist.TotalCount() == 0 {
		return Distribution{}
	}
	return Distribution{
		Count: h.hist.TotalCount(),
		Mean:  h.hist.Mean() / 1e6,
		P50:   float64(h.hist.ValueAtQuantile(50)) / 1e6,
		P90:   float64(h.hist.ValueAtQuantile(90)) / 1e6,
		P99:   float64(h.hist.ValueAtQuantile(99)) / 1e6,
		Max:   float64(h.hist.Max()) / 1e6,
	}
}

// Export returns a serializable copy of the histogram
func (h *SafeHistogram) Export() *hdrhistogram.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Export()
}

// Merge adds an exported histogram into this one
func (h *SafeHistogram) Merge(s *hdrhistogram.Snapshot) {
	if s == nil {
		return
	}
	other := hdrhistogram.Import(s)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hist.Merge(other)
}

// Distribution is a condensed latency distribution, in seconds
type Distribution struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}
