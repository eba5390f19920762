// Package session drives one simulated user: strictly sequential streaming
// requests until the run ends, then a single contribution to its worker.
package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/llmbench/llmbench/internal/aggregate"
	"github.com/llmbench/llmbench/internal/metrics"
	"github.com/llmbench/llmbench/internal/stats"
	"github.com/llmbench/llmbench/internal/stream"
)

// ErrNotStarted is returned by Execute before Start
var ErrNotStarted = errors.New("session not started")

// Requester issues one streaming generation request
type Requester interface {
	Do(ctx context.Context, prompt string) (*stream.Record, error)
	Backend() stream.Backend
}

// Sink receives a session's finalized contribution
type Sink interface {
	Add(aggregate.SessionSummary) error
}

// Dump is the per-session raw latency file
type Dump struct {
	E2E  []float64 `json:"E2E"`
	TTFT []float64 `json:"TTFT"`
	TPOT []float64 `json:"TPOT"`
}

// Session is one simulated user. Its statistics are owned by the goroutine
// running it; only Stop publishes them.
type Session struct {
	id     string
	seed   uint32
	client Requester
	source PromptSource
	sink   Sink

	latency *stats.Latency
	limiter *rate.Limiter
	dumpDir string
	logger  *slog.Logger

	pool    PromptPool
	e2e     []float64
	ttft    []float64
	tpot    []float64
	failed  int
	started bool

	stopOnce sync.Once
	summary  aggregate.SessionSummary
}

// Option configures a Session
type Option func(*Session)

// WithPromptSource sets how the prompt pool is built at Start
func WithPromptSource(src PromptSource) Option {
	return func(s *Session) {
		s.source = src
	}
}

// WithSink sets where the contribution goes at Stop
func WithSink(sink Sink) Option {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithLatency records every completed request into shared distributions
func WithLatency(l *stats.Latency) Option {
	return func(s *Session) {
		s.latency = l
	}
}

// WithPacing enforces a minimum interval between request starts
func WithPacing(interval time.Duration) Option {
	return func(s *Session) {
		if interval > 0 {
			s.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// WithDumpDir writes benchmark_<seed>.json into dir at Stop
func WithDumpDir(dir string) Option {
	return func(s *Session) {
		s.dumpDir = dir
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// New creates a session with a fresh identity. The low 32 bits of the
// identity seed its prompt pool.
func New(client Requester, opts ...Option) *Session {
	u := uuid.New()
	s := &Session{
		id:     u.String(),
		seed:   binary.BigEndian.Uint32(u[12:16]),
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session_id", s.id))
	return s
}

// ID returns the session identity
func (s *Session) ID() string {
	return s.id
}

// Seed returns the numeric identity used for prompt generation and dump names
func (s *Session) Seed() uint32 {
	return s.seed
}

// Completed returns the number of requests that produced a sample
func (s *Session) Completed() int {
	return len(s.e2e)
}

// Failed returns the number of dropped requests
func (s *Session) Failed() int {
	return s.failed
}

// Start builds the prompt pool
func (s *Session) Start(ctx context.Context) error {
	if s.source == nil {
		return fmt.Errorf("session %s has no prompt source", s.id)
	}
	pool, err := s.source(s.seed)
	if err != nil {
		return fmt.Errorf("failed to build prompt pool: %w", err)
	}
	s.pool = pool
	s.started = true
	metrics.ActiveSessions.Inc()

	s.logger.Debug("session started",
		slog.Uint64("seed", uint64(s.seed)),
		slog.Int("prompts", pool.Len()))
	return nil
}

// Execute issues one request and records its sample. A failed request is
// counted and dropped; the returned error is informational unless it is a
// context error, which means the run is over.
func (s *Session) Execute(ctx context.Context) (*stream.Sample, error) {
	if !s.started {
		return nil, ErrNotStarted
	}
	kind := string(s.client.Backend().Kind())
	prompt := s.pool.Prompt(len(s.e2e))

	done := metrics.TrackInFlight(kind)
	rec, err := s.client.Do(ctx, prompt)
	done()

	outcome := stream.Classify(err)
	if err != nil {
		metrics.RecordGeneration(kind, string(outcome), 0, 0, 0)
		if outcome == stream.OutcomeCanceled {
			s.logger.Debug("request abandoned at cutoff")
			return nil, err
		}
		s.failed++
		if s.latency != nil {
			s.latency.AddFailure()
		}
		s.logger.Warn("request failed",
			slog.String("outcome", string(outcome)),
			slog.String("error", err.Error()))
		return nil, err
	}

	sample := rec.Sample()
	s.e2e = append(s.e2e, sample.E2E)
	s.ttft = append(s.ttft, sample.TTFT)
	s.tpot = append(s.tpot, sample.TPOT)
	if s.latency != nil {
		s.latency.Add(sample.E2E, sample.TTFT, sample.TPOT)
	}
	metrics.RecordGeneration(kind, string(outcome), sample.E2E, sample.TTFT, sample.TPOT)

	s.logger.Debug("request completed",
		slog.Float64("e2e", sample.E2E),
		slog.Float64("ttft", sample.TTFT),
		slog.Float64("tpot", sample.TPOT),
		slog.Int("frames", rec.Frames))
	return &sample, nil
}

// Run starts the session, issues requests back to back (or paced) until
// ctx is done, then stops it.
func (s *Session) Run(ctx context.Context) (aggregate.SessionSummary, error) {
	if err := s.Start(ctx); err != nil {
		return aggregate.SessionSummary{}, err
	}
	defer s.Stop()

	for ctx.Err() == nil {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}
		if _, err := s.Execute(ctx); err != nil && ctx.Err() != nil {
			break
		}
	}
	return s.Stop(), nil
}

// Stop finalizes the session exactly once and hands the averages to the
// sink. Later calls return the same summary.
func (s *Session) Stop() aggregate.SessionSummary {
	s.stopOnce.Do(func() {
		s.summary = s.finalize()
		if s.started {
			metrics.ActiveSessions.Dec()
		}

		if s.dumpDir != "" {
			if err := s.writeDump(); err != nil {
				s.logger.Error("failed to write session dump", slog.String("error", err.Error()))
			}
		}
		if s.sink != nil {
			if err := s.sink.Add(s.summary); err != nil {
				s.logger.Error("failed to add session summary", slog.String("error", err.Error()))
			}
		}
	})
	return s.summary
}

func (s *Session) finalize() aggregate.SessionSummary {
	n := len(s.e2e)
	sum := aggregate.SessionSummary{SessionID: s.id, Requests: n}
	if n == 0 {
		metrics.EmptySessions.Inc()
		s.logger.Warn("session completed no requests; run is too short for the number of users",
			slog.Int("failed", s.failed))
		return sum
	}

	sum.E2E = mean(s.e2e)
	sum.TTFT = mean(s.ttft)
	sum.TPOT = mean(s.tpot)
	s.logger.Info("session stopped",
		slog.Int("requests", n),
		slog.Int("failed", s.failed),
		slog.Float64("e2e", sum.E2E),
		slog.Float64("ttft", sum.TTFT),
		slog.Float64("tpot", sum.TPOT))
	return sum
}

func (s *Session) writeDump() error {
	if err := os.MkdirAll(s.dumpDir, 0755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}
	dump := Dump{
		E2E:  nonNil(s.e2e),
		TTFT: nonNil(s.ttft),
		TPOT: nonNil(s.tpot),
	}
	data, err := json.MarshalIndent(dump, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode dump: %w", err)
	}
	path := filepath.Join(s.dumpDir, fmt.Sprintf("benchmark_%d.json", s.seed))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write dump: %w", err)
	}
	return nil
}

func mean(v []float64) float64 {
	var total float64
	for _, x := range v {
		total += x
	}
	return total / float64(len(v))
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}
