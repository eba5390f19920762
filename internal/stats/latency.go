package stats

import (
	"sync/atomic"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Latency holds per-request distributions for one worker or one fleet
type Latency struct {
	Completed atomic.Int64
	Failed    atomic.Int64

	E2E  *SafeHistogram
	TTFT *SafeHistogram
	TPOT *SafeHistogram
}

// NewLatency creates empty distributions
func NewLatency() *Latency {
	return &Latency{
		E2E:  NewSafeHistogram(),
		TTFT: NewSafeHistogram(),
		TPOT: NewSafeHistogram(),
	}
}

// Add records one completed request, latencies in seconds
func (l *Latency) Add(e2e, ttft, tpot float64) {
	l.Completed.Add(1)
	l.E2E.RecordSeconds(e2e)
	l.TTFT.RecordSeconds(ttft)
	l.TPOT.RecordSeconds(tpot)
}

// AddFailure counts one dropped request
func (l *Latency) AddFailure() {
	l.Failed.Add(1)
}

// Snapshot is the wire form of Latency
type Snapshot struct {
	Completed int64                  `json:"completed"`
	Failed    int64                  `json:"failed"`
	E2E       *hdrhistogram.Snapshot `json:"e2e"`
	TTFT      *hdrhistogram.Snapshot `json:"ttft"`
	TPOT      *hdrhistogram.Snapshot `json:"tpot"`
}

// Export captures the current distributions
func (l *Latency) Export() *Snapshot {
	return &Snapshot{
		Completed: l.Completed.Load(),
		Failed:    l.Failed.Load(),
		E2E:       l.E2E.Export(),
		TTFT:      l.TTFT.Export(),
		TPOT:      l.TPOT.Export(),
	}
}

// Merge folds a snapshot from another process into this one
func (l *Latency) Merge(s *Snapshot) {
	if s == nil {
		return
	}
	l.Completed.Add(s.Completed)
	l.Failed.Add(s.Failed)
	l.E2E.Merge(s.E2E)
	l.TTFT.Merge(s.TTFT)
	l.TPOT.Merge(s.TPOT)
}

// Report condenses all three distributions
type Report struct {
	Completed int64        `json:"completed"`
	Failed    int64        `json:"failed"`
	E2E       Distribution `json:"e2e"`
	TTFT      Distribution `json:"ttft"`
	TPOT      Distribution `json:"tpot"`
}

// Report summarizes the distributions
func (l *Latency) Report() Report {
	return Report{
		Completed: l.Completed.Load(),
		Failed:    l.Failed.Load(),
		E2E:       l.E2E.Summary(),
		TTFT:      l.TTFT.Summary(),
		TPOT:      l.TPOT.Summary(),
	}
}
