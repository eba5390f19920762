// Package reporter delivers a worker's summary to the coordinator.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/llmbench/llmbench/internal/aggregate"
)

const (
	// DefaultTimeout is the HTTP request timeout
	DefaultTimeout = 30 * time.Second

	// SummaryPath is the coordinator endpoint summaries are posted to
	SummaryPath = "/api/v1/summaries"
)

// ErrAlreadySent is returned when Send is called a second time
var ErrAlreadySent = errors.New("summary already sent")

// Sender posts one WorkerSummary to the coordinator. There is no retry and
// no acknowledgement beyond the HTTP status: a lost summary undercounts the
// fleet aggregate.
type Sender struct {
	coordinatorURL string
	workerID       string
	httpClient     *http.Client
	logger         *slog.Logger
	sent           atomic.Bool
}

// Option configures the sender
type Option func(*Sender)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Sender) {
		s.httpClient = hc
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sender) {
		s.logger = logger
	}
}

// New creates a sender for one worker
func New(coordinatorURL, workerID string, opts ...Option) *Sender {
	s := &Sender{
		coordinatorURL: strings.TrimRight(coordinatorURL, "/"),
		workerID:       workerID,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Send posts the summary. Only the first call does anything.
func (s *Sender) Send(ctx context.Context, summary aggregate.WorkerSummary) error {
	if s.sent.Swap(true) {
		return ErrAlreadySent
	}
	if summary.WorkerID == "" {
		summary.WorkerID = s.workerID
	}

	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}

	url := s.coordinatorURL + SummaryPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create summary request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("summary delivery failed",
			slog.String("worker_id", summary.WorkerID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to send summary: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Warn("coordinator rejected summary",
			slog.String("worker_id", summary.WorkerID),
			slog.Int("status", resp.StatusCode))
		return fmt.Errorf("coordinator returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	s.logger.Info("summary delivered",
		slog.String("worker_id", summary.WorkerID),
		slog.Int("sessions", summary.Sessions()),
		slog.String("target", summary.Target))
	return nil
}

// Sent reports whether Send has been called
func (s *Sender) Sent() bool {
	return s.sent.Load()
}
