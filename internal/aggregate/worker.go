// Package aggregate merges finalized session statistics, first within one
// worker and then across the fleet on the coordinator.
package aggregate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/llmbench/llmbench/internal/stats"
)

var (
	// ErrSealed is returned when a session stops after its worker already sent its summary
	ErrSealed = errors.New("worker summary already sealed")

	// ErrDuplicateSession is returned when a session contributes twice
	ErrDuplicateSession = errors.New("session already contributed")
)

// SessionSummary is one session's finalized contribution
type SessionSummary struct {
	SessionID string
	Requests  int
	E2E       float64
	TTFT      float64
	TPOT      float64
}

// WorkerSummary is the message a worker sends to the coordinator once, at
// shutdown. The slices are parallel: index i describes one session.
type WorkerSummary struct {
	WorkerID string          `json:"worker_id"`
	Requests []int           `json:"#Req"`
	E2E      []float64       `json:"E2E"`
	TTFT     []float64       `json:"TTFT"`
	TPOT     []float64       `json:"TPOT"`
	Target   string          `json:"Target"`
	Latency  *stats.Snapshot `json:"latency,omitempty"`
}

// Sessions returns the number of sessions the summary covers
func (s *WorkerSummary) Sessions() int {
	return len(s.Requests)
}

// Validate checks the parallel slices line up
func (s *WorkerSummary) Validate() error {
	n := len(s.Requests)
	if len(s.E2E) != n || len(s.TTFT) != n || len(s.TPOT) != n {
		return fmt.Errorf("summary slices differ in length: #Req=%d E2E=%d TTFT=%d TPOT=%d",
			n, len(s.E2E), len(s.TTFT), len(s.TPOT))
	}
	for i, r := range s.Requests {
		if r < 0 {
			return fmt.Errorf("session %d has negative request count %d", i, r)
		}
	}
	return nil
}

// WorkerAggregator collects session contributions inside one worker.
// Sessions stop concurrently and call Add from their own goroutines.
type WorkerAggregator struct {
	workerID string
	target   string
	latency  *stats.Latency
	logger   *slog.Logger

	mu      sync.Mutex
	summary WorkerSummary
	seen    map[string]struct{}
	sealed  bool
}

// WorkerOption configures a WorkerAggregator
type WorkerOption func(*WorkerAggregator)

// WithWorkerLogger sets a custom logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(a *WorkerAggregator) {
		a.logger = logger
	}
}

// NewWorkerAggregator creates an empty aggregator for one worker
func NewWorkerAggregator(workerID, target string, opts ...WorkerOption) *WorkerAggregator {
	a := &WorkerAggregator{
		workerID: workerID,
		target:   target,
		latency:  stats.NewLatency(),
		logger:   slog.Default(),
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.summary = WorkerSummary{
		WorkerID: workerID,
		Requests: []int{},
		E2E:      []float64{},
		TTFT:     []float64{},
		TPOT:     []float64{},
		Target:   target,
	}
	return a
}

// WorkerID returns the worker's identity
func (a *WorkerAggregator) WorkerID() string {
	return a.workerID
}

// Latency returns the per-request distributions shared by this worker's sessions
func (a *WorkerAggregator) Latency() *stats.Latency {
	return a.latency
}

// Add appends one session's contribution
func (a *WorkerAggregator) Add(s SessionSummary) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sealed {
		return ErrSealed
	}
	if _, dup := a.seen[s.SessionID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.SessionID)
	}
	a.seen[s.SessionID] = struct{}{}

	a.summary.Requests = append(a.summary.Requests, s.Requests)
	a.summary.E2E = append(a.summary.E2E, s.E2E)
	a.summary.TTFT = append(a.summary.TTFT, s.TTFT)
	a.summary.TPOT = append(a.summary.TPOT, s.TPOT)

	a.logger.Debug("session contribution added",
		slog.String("worker_id", a.workerID),
		slog.String("session_id", s.SessionID),
		slog.Int("requests", s.Requests),
		slog.Int("sessions", len(a.summary.Requests)))
	return nil
}

// Len returns the number of contributions so far
func (a *WorkerAggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.summary.Requests)
}

// Seal freezes the aggregator and returns the summary to send. Later Add
// calls fail with ErrSealed; repeated Seal calls return the same content.
func (a *WorkerAggregator) Seal() WorkerSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sealed = true
	return WorkerSummary{
		WorkerID: a.summary.WorkerID,
		Requests: append(make([]int, 0, len(a.summary.Requests)), a.summary.Requests...),
		E2E:      append(make([]float64, 0, len(a.summary.E2E)), a.summary.E2E...),
		TTFT:     append(make([]float64, 0, len(a.summary.TTFT)), a.summary.TTFT...),
		TPOT:     append(make([]float64, 0, len(a.summary.TPOT)), a.summary.TPOT...),
		Target:   a.summary.Target,
		Latency:  a.latency.Export(),
	}
}
