package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmbench/llmbench/internal/logging"
	"github.com/llmbench/llmbench/internal/metrics"
	"github.com/llmbench/llmbench/internal/resultstore"
	"github.com/llmbench/llmbench/internal/stats"
	"github.com/llmbench/llmbench/internal/storage"
)

// ErrNoTarget is returned when neither the summaries nor the coordinator
// configuration name a report key
var ErrNoTarget = errors.New("no target configured for aggregate")

// AggregateRecord is the coordinator's accumulated state for one run. It
// only grows; a new run needs a new Coordinator.
type AggregateRecord struct {
	Requests []int
	E2E      []float64
	TTFT     []float64
	TPOT     []float64
	Target   string
	Workers  int
}

// Result is the fleet statistic computed after one message
type Result struct {
	Backend  string `json:"backend"`
	Model    string `json:"model"`
	TestCase string `json:"test_case"`
	Target   string `json:"target"`

	Workers  int     `json:"workers"`
	Sessions int     `json:"sessions"`
	Requests int     `json:"requests"`
	E2E      float64 `json:"e2e"`
	TTFT     float64 `json:"ttft"`
	TPOT     float64 `json:"tpot"`

	// Request-weighted means, reported next to the per-session means the
	// result store keeps
	WeightedE2E  float64 `json:"weighted_e2e"`
	WeightedTTFT float64 `json:"weighted_ttft"`
	WeightedTPOT float64 `json:"weighted_tpot"`

	Latency stats.Report      `json:"latency"`
	Entry   resultstore.Entry `json:"entry"`
}

// History records each persisted aggregate
type History interface {
	Create(ctx context.Context, run *storage.Run) error
}

// Coordinator merges worker summaries. Handle must only be called from one
// goroutine at a time; Run provides that by draining a single channel.
type Coordinator struct {
	runID   string
	backend string
	target  string
	store   *resultstore.Store
	history History
	logger  *slog.Logger

	record  AggregateRecord
	latency *stats.Latency

	mu   sync.RWMutex
	last *Result
}

// CoordinatorOption configures a Coordinator
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets a custom logger
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithHistory records every persisted aggregate in the run history
func WithHistory(h History) CoordinatorOption {
	return func(c *Coordinator) {
		c.history = h
	}
}

// WithDefaultTarget sets the report key used until a summary carries one
func WithDefaultTarget(target string) CoordinatorOption {
	return func(c *Coordinator) {
		c.target = target
	}
}

// WithRunID tags history rows with a run identity
func WithRunID(runID string) CoordinatorOption {
	return func(c *Coordinator) {
		c.runID = runID
	}
}

// NewCoordinator creates a coordinator persisting under backend (vLLM or Triton)
func NewCoordinator(backend string, store *resultstore.Store, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		backend: backend,
		store:   store,
		logger:  slog.Default(),
		latency: stats.NewLatency(),
		runID:   uuid.New().String(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.record.Target = c.target
	return c
}

// Handle merges one worker summary and rewrites the result store. It
// returns nil, nil when the merged session count is still zero.
func (c *Coordinator) Handle(ctx context.Context, msg WorkerSummary) (*Result, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid summary from worker %q: %w", msg.WorkerID, err)
	}
	metrics.SummariesReceived.Inc()

	c.record.Requests = append(c.record.Requests, msg.Requests...)
	c.record.E2E = append(c.record.E2E, msg.E2E...)
	c.record.TTFT = append(c.record.TTFT, msg.TTFT...)
	c.record.TPOT = append(c.record.TPOT, msg.TPOT...)
	c.record.Workers++
	if msg.Target != "" {
		c.record.Target = msg.Target
	}
	c.latency.Merge(msg.Latency)

	n := len(c.record.Requests)
	metrics.AggregateSessions.Set(float64(n))

	logger := c.logger.With(
		slog.String("worker_id", msg.WorkerID),
		slog.Int("worker_sessions", msg.Sessions()),
		slog.Int("sessions", n))

	if n == 0 {
		logger.Warn("no sessions merged yet, skipping aggregate")
		return nil, nil
	}
	if c.record.Target == "" {
		return nil, ErrNoTarget
	}

	res := c.compute()
	logger.Info("aggregate updated",
		slog.String("target", res.Target),
		slog.Int("requests", res.Requests),
		slog.Float64("e2e", res.E2E),
		slog.Float64("ttft", res.TTFT),
		slog.Float64("tpot", res.TPOT),
		slog.Float64("weighted_e2e", res.WeightedE2E))

	entry, err := c.store.Record(res.Backend, res.Model, res.TestCase, res.Requests, res.E2E, res.TTFT, res.TPOT)
	metrics.RecordResultStoreWrite(err)
	if err != nil {
		return nil, fmt.Errorf("failed to persist aggregate: %w", err)
	}
	res.Entry = entry
	logging.Audit(ctx, "result_store_write",
		slog.String("path", c.store.Path()),
		slog.String("backend", res.Backend),
		slog.String("model", res.Model),
		slog.String("test_case", res.TestCase),
		slog.Int("requests", res.Requests))

	if c.history != nil {
		if err := c.history.Create(ctx, c.historyRow(res)); err != nil {
			// the result store is authoritative; history is best effort
			logger.Error("failed to record run history", slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	c.last = res
	c.mu.Unlock()
	return res, nil
}

// compute derives the fleet statistic. Averages are taken per session, not
// weighted by request count, so results stay comparable with earlier stores.
func (c *Coordinator) compute() *Result {
	n := len(c.record.Requests)
	model, testCase := resultstore.SplitTarget(c.record.Target)

	res := &Result{
		Backend:  c.backend,
		Model:    model,
		TestCase: testCase,
		Target:   c.record.Target,
		Workers:  c.record.Workers,
		Sessions: n,
		Latency:  c.latency.Report(),
	}

	var sumE2E, sumTTFT, sumTPOT float64
	var wE2E, wTTFT, wTPOT float64
	for i := 0; i < n; i++ {
		req := c.record.Requests[i]
		res.Requests += req
		sumE2E += c.record.E2E[i]
		sumTTFT += c.record.TTFT[i]
		sumTPOT += c.record.TPOT[i]
		wE2E += c.record.E2E[i] * float64(req)
		wTTFT += c.record.TTFT[i] * float64(req)
		wTPOT += c.record.TPOT[i] * float64(req)
	}

	res.E2E = sumE2E / float64(n)
	res.TTFT = sumTTFT / float64(n)
	res.TPOT = sumTPOT / float64(n)
	if res.Requests > 0 {
		res.WeightedE2E = wE2E / float64(res.Requests)
		res.WeightedTTFT = wTTFT / float64(res.Requests)
		res.WeightedTPOT = wTPOT / float64(res.Requests)
	}
	return res
}

func (c *Coordinator) historyRow(res *Result) *storage.Run {
	run := &storage.Run{
		ID:           uuid.New().String(),
		RunID:        c.runID,
		Backend:      res.Backend,
		Model:        res.Model,
		TestCase:     res.TestCase,
		Target:       res.Target,
		ResultPath:   c.store.Path(),
		DateLabel:    res.Entry.Date,
		Workers:      res.Workers,
		Sessions:     res.Sessions,
		Requests:     res.Requests,
		E2E:          res.E2E,
		TTFT:         res.TTFT,
		TPOT:         res.TPOT,
		WeightedE2E:  res.WeightedE2E,
		WeightedTTFT: res.WeightedTTFT,
		WeightedTPOT: res.WeightedTPOT,
		E2EP99:       res.Latency.E2E.P99,
		TTFTP99:      res.Latency.TTFT.P99,
		CreatedAt:    time.Now(),
	}
	for i := range c.record.Requests {
		run.SessionStats = append(run.SessionStats, storage.SessionStat{
			Requests: c.record.Requests[i],
			E2E:      c.record.E2E[i],
			TTFT:     c.record.TTFT[i],
			TPOT:     c.record.TPOT[i],
		})
	}
	return run
}

// Last returns the most recent persisted result, or nil
func (c *Coordinator) Last() *Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// RunID returns the identity history rows are tagged with
func (c *Coordinator) RunID() string {
	return c.runID
}

// Run drains inbox until it is closed or ctx is done. Handle errors are
// logged; a bad message never stops the loop.
func (c *Coordinator) Run(ctx context.Context, inbox <-chan WorkerSummary) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			if _, err := c.Handle(ctx, msg); err != nil {
				c.logger.Error("failed to handle worker summary",
					slog.String("worker_id", msg.WorkerID),
					slog.String("error", err.Error()))
			}
		}
	}
}

// Submit sends a summary once. It does not retry: a summary that cannot be
// delivered before ctx ends is lost.
func Submit(ctx context.Context, outbox chan<- WorkerSummary, msg WorkerSummary) error {
	select {
	case outbox <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("summary from worker %q not delivered: %w", msg.WorkerID, ctx.Err())
	}
}
