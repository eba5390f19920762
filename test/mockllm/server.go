// Package mockllm is a streaming inference server stand-in speaking the vLLM
// completions, vLLM chat and Triton generate_stream dialects.
package mockllm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultTokens is used when a request does not say how many tokens it wants
const DefaultTokens = 16

// Server is the mock inference server
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a new mock server
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	s.router.POST("/v1/completions", s.handleCompletions)
	s.router.POST("/v1/chat/completions", s.handleChat)
	s.router.POST("/v2/models/:model/generate_stream", s.handleTriton)

	s.router.POST("/start_profile", s.handleStartProfile)
	s.router.POST("/stop_profile", s.handleStopProfile)

	s.router.GET("/health", s.handleHealth)

	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
}

type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	Stream    bool   `json:"stream"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
	TextInput string `json:"text_input"`
	MinLength int    `json:"min_length"`
}

func (r *generateRequest) tokens() int {
	if r.MaxTokens > 0 {
		return r.MaxTokens
	}
	if r.MinLength > 0 {
		return r.MinLength
	}
	return DefaultTokens
}

// frameFunc renders the payload of the i-th content frame
type frameFunc func(i int) any

type usage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	ServerTTFT       *float64 `json:"server_ttft,omitempty"`
	ServerE2E        *float64 `json:"server_e2e_latency,omitempty"`
}

func (s *Server) handleCompletions(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	s.stream(c, req, true, false, func(i int) any {
		return gin.H{
			"id":      "cmpl-mock",
			"object":  "text_completion",
			"model":   req.Model,
			"choices": []gin.H{{"index": 0, "text": word(i)}},
		}
	})
}

func (s *Server) handleChat(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	s.stream(c, req, true, includeUsage, func(i int) any {
		return gin.H{
			"id":      "chatcmpl-mock",
			"object":  "chat.completion.chunk",
			"model":   req.Model,
			"choices": []gin.H{{"index": 0, "delta": gin.H{"content": word(i)}}},
		}
	})
}

func (s *Server) handleTriton(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	model := c.Param("model")
	s.stream(c, req, false, false, func(i int) any {
		return gin.H{
			"model_name":  model,
			"text_output": word(i),
		}
	})
}

func (s *Server) bind(c *gin.Context) (*generateRequest, bool) {
	s.state.requests.Add(1)

	b := s.state.Behavior()
	if b.FailStatus != 0 {
		c.JSON(b.FailStatus, gin.H{"error": "mock failure"})
		return nil, false
	}

	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &req, true
}

// stream writes one data: frame per token. done controls the [DONE]
// sentinel; Triton closes the stream without one.
func (s *Server) stream(c *gin.Context, req *generateRequest, done, usageFrame bool, frame frameFunc) {
	b := s.state.Behavior()
	started := time.Now()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	write := func(raw string) bool {
		if _, err := fmt.Fprintf(c.Writer, "%s\n\n", raw); err != nil {
			return false
		}
		c.Writer.Flush()
		return true
	}
	data := func(v any) bool {
		payload, err := json.Marshal(v)
		if err != nil {
			return false
		}
		return write("data: " + string(payload))
	}
	wait := func(d time.Duration) bool {
		if d <= 0 {
			return true
		}
		select {
		case <-c.Request.Context().Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	n := req.tokens()
	var firstAt time.Time
	for i := 0; i < n; i++ {
		delay := b.TokenDelay
		if i == 0 {
			delay = b.FirstTokenDelay
		}
		if !wait(delay) {
			return
		}
		if i == 0 {
			firstAt = time.Now()
		}
		if b.Malformed && i == n/2 {
			if !write(`{"choices":[{"text":"no prefix"}]}`) {
				return
			}
			continue
		}
		if !data(frame(i)) {
			return
		}
	}

	if usageFrame || b.ServerTiming {
		u := usage{
			PromptTokens:     len(strings.Fields(req.Prompt + req.TextInput)),
			CompletionTokens: n,
		}
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		if b.ServerTiming {
			ttft := firstAt.Sub(started).Seconds()
			e2e := time.Since(started).Seconds()
			u.ServerTTFT, u.ServerE2E = &ttft, &e2e
		}
		// text_output keeps the frame valid for the Triton dialect
		if !data(gin.H{"choices": []gin.H{}, "text_output": "", "usage": u}) {
			return
		}
	}

	if done {
		if !write("data: [DONE]") {
			return
		}
	}
	for i := 0; i < b.TrailingFrames; i++ {
		if !data(frame(n + i)) {
			return
		}
	}
}

func word(i int) string {
	return fmt.Sprintf("tok%d ", i)
}

func (s *Server) handleStartProfile(c *gin.Context) {
	s.state.profileStarts.Add(1)
	s.state.profiling.Store(true)
	s.logger.Info("profiler started")
	c.Status(http.StatusOK)
}

func (s *Server) handleStopProfile(c *gin.Context) {
	s.state.profileStops.Add(1)
	s.state.profiling.Store(false)
	s.logger.Info("profiler stopped")
	c.Status(http.StatusOK)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TestConfig is the request to configure mock behavior
type TestConfig struct {
	FirstTokenDelayMs int  `json:"first_token_delay_ms"`
	TokenDelayMs      int  `json:"token_delay_ms"`
	ServerTiming      bool `json:"server_timing"`
	FailStatus        int  `json:"fail_status"`
	Malformed         bool `json:"malformed"`
	TrailingFrames    int  `json:"trailing_frames"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var config TestConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.state.SetBehavior(Behavior{
		FirstTokenDelay: time.Duration(config.FirstTokenDelayMs) * time.Millisecond,
		TokenDelay:      time.Duration(config.TokenDelayMs) * time.Millisecond,
		ServerTiming:    config.ServerTiming,
		FailStatus:      config.FailStatus,
		Malformed:       config.Malformed,
		TrailingFrames:  config.TrailingFrames,
	})

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

// Run starts the server
func (s *Server) Run(addr string) error {
	s.logger.Info("starting mock inference server", "addr", addr)
	return s.router.Run(addr)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
