// Package profiling toggles the inference server's torch profiler around a run.
package profiling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/llmbench/llmbench/internal/logging"
)

const (
	// DefaultTimeout bounds one profiler call; stopping may flush large traces
	DefaultTimeout = 5 * time.Minute

	startPath = "/start_profile"
	stopPath  = "/stop_profile"
)

// Profiler issues the start/stop side-channel calls
type Profiler struct {
	host       string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Profiler
type Option func(*Profiler)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Profiler) {
		p.httpClient = hc
	}
}

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(p *Profiler) {
		if d > 0 {
			p.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Profiler) {
		p.logger = logger
	}
}

// New creates a profiler for the server at host (scheme and authority)
func New(host string, opts ...Option) *Profiler {
	p := &Profiler{
		host:       strings.TrimRight(host, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins profiling on the server
func (p *Profiler) Start(ctx context.Context) error {
	return p.call(ctx, startPath)
}

// Stop ends profiling on the server
func (p *Profiler) Stop(ctx context.Context) error {
	return p.call(ctx, stopPath)
}

func (p *Profiler) call(ctx context.Context, path string) error {
	url := p.host + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create profiler request: %w", err)
	}

	began := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("profiler call %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("profiler call %s returned %d", path, resp.StatusCode)
	}

	logging.Audit(ctx, "profiler"+strings.ReplaceAll(path, "/", "_"),
		slog.String("url", url),
		slog.Duration("duration", time.Since(began)))
	p.logger.Info("profiler call completed",
		slog.String("url", url),
		slog.Int("status", resp.StatusCode))
	return nil
}
