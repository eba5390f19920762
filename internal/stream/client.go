package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultRequestTimeout bounds one generation request
	DefaultRequestTimeout = 10 * time.Minute

	maxErrorBody = 4096
)

// NewHTTPClient returns an http.Client tuned for many concurrent long-lived
// streams against a single host.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          2000,
		MaxIdleConnsPerHost:   2000,
		MaxConnsPerHost:       0,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Compression would delay frames until a gzip block fills
		DisableCompression: true,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Client issues streaming generation requests and times them
type Client struct {
	url        string
	httpClient *http.Client
	backend    Backend
	timer      *Timer
	logger     *slog.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets the underlying http.Client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClientLogger sets a custom logger
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client posting to host+endpoint
func NewClient(host, endpoint string, timer *Timer, opts ...ClientOption) *Client {
	c := &Client{
		url:        strings.TrimRight(host, "/") + "/" + strings.TrimLeft(endpoint, "/"),
		httpClient: NewHTTPClient(DefaultRequestTimeout),
		backend:    timer.backend,
		timer:      timer,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the full request URL
func (c *Client) URL() string {
	return c.url
}

// Backend returns the backend variant the client speaks
func (c *Client) Backend() Backend {
	return c.backend
}

// Do sends one prompt and consumes the streamed response
func (c *Client) Do(ctx context.Context, prompt string) (*Record, error) {
	body, err := c.backend.Payload(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	start := c.timer.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("request abandoned: %w", ctxErr)
		}
		return nil, &TransportError{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	return c.timer.Consume(ctx, start, resp.Body)
}
