// Package runner executes one load test: it spawns simulated users across
// in-process workers, stops them at the deadline and hands each worker's
// summary to the coordinator.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmbench/llmbench/internal/aggregate"
	"github.com/llmbench/llmbench/internal/config"
	"github.com/llmbench/llmbench/internal/logging"
	"github.com/llmbench/llmbench/internal/profiling"
	"github.com/llmbench/llmbench/internal/session"
	"github.com/llmbench/llmbench/internal/stats"
	"github.com/llmbench/llmbench/internal/stream"
)

const (
	// profilerStopTimeout bounds the stop call made after the run context is gone
	profilerStopTimeout = 5 * time.Minute

	// deliveryTimeout bounds summary delivery, which still happens after an interrupt
	deliveryTimeout = time.Minute
)

// Deliverer sends one worker's summary to the coordinator
type Deliverer interface {
	Deliver(ctx context.Context, summary aggregate.WorkerSummary) error
}

// DelivererFunc adapts a function to Deliverer
type DelivererFunc func(ctx context.Context, summary aggregate.WorkerSummary) error

// Deliver calls f
func (f DelivererFunc) Deliver(ctx context.Context, summary aggregate.WorkerSummary) error {
	return f(ctx, summary)
}

// ChannelDeliverer queues summaries for an in-process coordinator
func ChannelDeliverer(outbox chan<- aggregate.WorkerSummary) Deliverer {
	return DelivererFunc(func(ctx context.Context, summary aggregate.WorkerSummary) error {
		return aggregate.Submit(ctx, outbox, summary)
	})
}

// Report describes what the run did locally
type Report struct {
	RunID     string                    `json:"run_id"`
	Spawned   int                       `json:"spawned"`
	Elapsed   time.Duration             `json:"elapsed"`
	Workers   []aggregate.WorkerSummary `json:"workers"`
	Latency   stats.Report              `json:"latency"`
	Delivered int                       `json:"delivered"`
}

// Runner drives one load test
type Runner struct {
	cfg          config.RunConfig
	runID        string
	client       session.Requester
	httpClient   *http.Client
	profiler     *profiling.Profiler
	newDeliverer func(workerID string) Deliverer
	logger       *slog.Logger
}

// Option configures a Runner
type Option func(*Runner)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithRunID sets the run identity used in logs
func WithRunID(id string) Option {
	return func(r *Runner) {
		r.runID = id
	}
}

// WithHTTPClient sets the client used for generation requests
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Runner) {
		r.httpClient = hc
	}
}

// WithRequester replaces the streaming client entirely
func WithRequester(client session.Requester) Option {
	return func(r *Runner) {
		r.client = client
	}
}

// WithProfiler brackets the run with profiler start and stop calls
func WithProfiler(p *profiling.Profiler) Option {
	return func(r *Runner) {
		r.profiler = p
	}
}

// WithDeliverer sets how each worker's summary leaves the runner. The
// factory is called once per worker.
func WithDeliverer(factory func(workerID string) Deliverer) Option {
	return func(r *Runner) {
		r.newDeliverer = factory
	}
}

// New validates cfg and builds the streaming client for its backend
func New(cfg config.RunConfig, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:    cfg,
		runID:  uuid.New().String(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		client, err := r.buildClient()
		if err != nil {
			return nil, err
		}
		r.client = client
	}
	return r, nil
}

func (r *Runner) buildClient() (*stream.Client, error) {
	kind, err := stream.ResolveKind(r.cfg.Server, r.cfg.API)
	if err != nil {
		return nil, err
	}
	backend, err := stream.NewBackend(kind, stream.BackendOptions{
		Model:     r.cfg.Model,
		MaxTokens: r.cfg.OutputLen,
	})
	if err != nil {
		return nil, err
	}
	timer, err := stream.NewTimer(backend, r.cfg.OutputLen, stream.WithTimerLogger(r.logger))
	if err != nil {
		return nil, err
	}

	hc := r.httpClient
	if hc == nil {
		hc = stream.NewHTTPClient(r.cfg.Timeout)
	}
	return stream.NewClient(r.cfg.Host, r.cfg.Endpoint, timer,
		stream.WithHTTPClient(hc),
		stream.WithClientLogger(r.logger)), nil
}

// RunID returns the run identity
func (r *Runner) RunID() string {
	return r.runID
}

// Run spawns users at the configured rate until all are running or the
// duration elapses, waits for every session to stop at the deadline, then
// delivers each worker's summary once.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	ctx = logging.WithRunID(ctx, r.runID)
	logger := r.logger.With(slog.String("run_id", r.runID))

	source, err := session.NewPromptSource(r.cfg.InputFile, r.cfg.RandomInput, r.cfg.PoolSize)
	if err != nil {
		return nil, err
	}

	if r.profiler != nil {
		if err := r.profiler.Start(ctx); err != nil {
			logger.Warn("failed to start profiler", slog.String("error", err.Error()))
		}
	}

	workers := make([]*aggregate.WorkerAggregator, r.cfg.Workers)
	for i := range workers {
		id := fmt.Sprintf("%s-w%d", shortID(r.runID), i)
		workers[i] = aggregate.NewWorkerAggregator(id, r.cfg.Target,
			aggregate.WithWorkerLogger(logger.With(slog.String("worker_id", id))))
	}

	logger.Info("load test starting",
		slog.String("server", r.cfg.Server),
		slog.String("endpoint", r.cfg.Host+r.cfg.Endpoint),
		slog.Int("users", r.cfg.Users),
		slog.Float64("spawn_rate", r.cfg.SpawnRate),
		slog.Int("workers", r.cfg.Workers),
		slog.Duration("duration", r.cfg.Duration),
		slog.String("target", r.cfg.Target))

	began := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	spawned := r.spawn(runCtx, workers, source, logger)
	cancel()
	elapsed := time.Since(began)

	if r.profiler != nil {
		stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), profilerStopTimeout)
		if err := r.profiler.Stop(stopCtx); err != nil {
			logger.Warn("failed to stop profiler", slog.String("error", err.Error()))
		}
		stopCancel()
	}

	report := &Report{
		RunID:   r.runID,
		Spawned: spawned,
		Elapsed: elapsed,
	}
	fleet := stats.NewLatency()
	deliverCtx, deliverCancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer deliverCancel()
	var deliveryErrs []error
	for _, w := range workers {
		summary := w.Seal()
		fleet.Merge(summary.Latency)
		report.Workers = append(report.Workers, summary)

		if summary.Sessions() == 0 {
			logger.Warn("worker hosted no sessions; users do not divide evenly across workers",
				slog.String("worker_id", summary.WorkerID))
		}
		if r.newDeliverer == nil {
			continue
		}
		if err := r.newDeliverer(summary.WorkerID).Deliver(deliverCtx, summary); err != nil {
			logger.Error("worker summary lost",
				slog.String("worker_id", summary.WorkerID),
				slog.String("error", err.Error()))
			deliveryErrs = append(deliveryErrs, err)
			continue
		}
		report.Delivered++
	}
	report.Latency = fleet.Report()

	logger.Info("load test finished",
		slog.Int("spawned", spawned),
		slog.Duration("elapsed", elapsed),
		slog.Int64("completed", report.Latency.Completed),
		slog.Int64("failed", report.Latency.Failed),
		slog.Int("delivered", report.Delivered))

	return report, errors.Join(deliveryErrs...)
}

// spawn starts users one per spawn interval; user i joins worker i % N. It
// returns once every started session has stopped.
func (r *Runner) spawn(ctx context.Context, workers []*aggregate.WorkerAggregator, source session.PromptSource, logger *slog.Logger) int {
	ticker := time.NewTicker(spawnInterval(r.cfg.SpawnRate))
	defer ticker.Stop()

	var wg sync.WaitGroup
	spawned := 0

spawnLoop:
	for i := 0; i < r.cfg.Users; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				break spawnLoop
			case <-ticker.C:
			}
		}

		w := workers[i%len(workers)]
		s := session.New(r.client,
			session.WithPromptSource(source),
			session.WithSink(w),
			session.WithLatency(w.Latency()),
			session.WithPacing(r.cfg.Pacing),
			session.WithDumpDir(r.cfg.OutDir),
			session.WithLogger(logger.With(slog.String("worker_id", w.WorkerID()))))

		wg.Add(1)
		spawned++
		go func() {
			defer wg.Done()
			sctx := logging.WithSessionID(logging.WithWorkerID(ctx, w.WorkerID()), s.ID())
			if _, err := s.Run(sctx); err != nil {
				logger.Error("session failed to start",
					slog.String("session_id", s.ID()),
					slog.String("error", err.Error()))
			}
		}()
	}

	if spawned < r.cfg.Users {
		logger.Warn("duration elapsed before all users spawned",
			slog.Int("spawned", spawned),
			slog.Int("users", r.cfg.Users))
	}

	wg.Wait()
	return spawned
}

// spawnInterval converts users per second into a ticker period. Rates
// above one user per nanosecond clamp to 1ns.
func spawnInterval(rate float64) time.Duration {
	interval := time.Duration(float64(time.Second) / rate)
	if interval < 1 {
		return 1
	}
	return interval
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RunLocal runs the test with an in-process coordinator: workers deliver
// over a channel and the coordinator persists after every summary.
func RunLocal(ctx context.Context, cfg config.RunConfig, coord *aggregate.Coordinator, opts ...Option) (*aggregate.Result, *Report, error) {
	inbox := make(chan aggregate.WorkerSummary, cfg.Workers)
	opts = append(opts, WithDeliverer(func(string) Deliverer {
		return ChannelDeliverer(inbox)
	}))

	r, err := New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan error, 1)
	go func() {
		done <- coord.Run(context.WithoutCancel(ctx), inbox)
	}()

	report, runErr := r.Run(ctx)
	close(inbox)
	if err := <-done; err != nil {
		return nil, report, fmt.Errorf("coordinator loop failed: %w", err)
	}
	return coord.Last(), report, runErr
}
