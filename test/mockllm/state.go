package mockllm

import (
	"sync"
	"sync/atomic"
	"time"
)

// Behavior controls how the mock answers generation requests
type Behavior struct {
	// FirstTokenDelay is the wait before the first content frame
	FirstTokenDelay time.Duration `json:"first_token_delay"`
	// TokenDelay is the wait between content frames
	TokenDelay time.Duration `json:"token_delay"`
	// ServerTiming appends a usage frame with server_ttft and server_e2e_latency
	ServerTiming bool `json:"server_timing"`
	// FailStatus answers every request with this HTTP status when non-zero
	FailStatus int `json:"fail_status"`
	// Malformed sends a frame without the data: prefix mid-stream
	Malformed bool `json:"malformed"`
	// TrailingFrames sends content after [DONE]
	TrailingFrames int `json:"trailing_frames"`
}

// State holds the mock's behavior and counters
type State struct {
	mu       sync.RWMutex
	behavior Behavior

	requests      atomic.Int64
	profileStarts atomic.Int64
	profileStops  atomic.Int64
	profiling     atomic.Bool
}

// NewState creates a state that streams immediately with no delays
func NewState() *State {
	return &State{}
}

// Behavior returns the current behavior
func (s *State) Behavior() Behavior {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.behavior
}

// SetBehavior replaces the behavior
func (s *State) SetBehavior(b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = b
}

// Requests returns the number of generation requests received
func (s *State) Requests() int64 {
	return s.requests.Load()
}

// ProfileCalls returns how many start and stop profile calls were received
func (s *State) ProfileCalls() (starts, stops int64) {
	return s.profileStarts.Load(), s.profileStops.Load()
}

// Profiling reports whether a profile is currently running
func (s *State) Profiling() bool {
	return s.profiling.Load()
}

// Reset clears counters and behavior
func (s *State) Reset() {
	s.SetBehavior(Behavior{})
	s.requests.Store(0)
	s.profileStarts.Store(0)
	s.profileStops.Store(0)
	s.profiling.Store(false)
}
