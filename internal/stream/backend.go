package stream

import (
	"encoding/json"
	"fmt"
)

// Kind names one supported server API
type Kind string

const (
	// KindVLLMCompletions is vLLM's OpenAI-compatible /v1/completions
	KindVLLMCompletions Kind = "vllm-completions"
	// KindVLLMChat is vLLM's OpenAI-compatible /v1/chat/completions
	KindVLLMChat Kind = "vllm-chat"
	// KindTriton is Triton-Inference-Server's generate_stream
	KindTriton Kind = "triton"
)

// Kinds lists every supported backend variant
var Kinds = []Kind{KindVLLMCompletions, KindVLLMChat, KindTriton}

// Usage carries the timing a server reports about its own handling of the
// request. Fields are pointers so absent keys can be told apart from zeros.
type Usage struct {
	ServerTTFT       *float64 `json:"server_ttft,omitempty"`
	ServerE2E        *float64 `json:"server_e2e_latency,omitempty"`
	CompletionTokens *int     `json:"completion_tokens,omitempty"`
}

// HasServerTiming reports whether the usage block carries server-side latencies
func (u *Usage) HasServerTiming() bool {
	return u != nil && u.ServerTTFT != nil
}

// Delta is the decoded content of one frame
type Delta struct {
	Text  string
	Usage *Usage
}

// Backend encodes request bodies and decodes stream frames for one server API.
// The set of implementations is closed; obtain one with NewBackend.
type Backend interface {
	Kind() Kind
	// Payload returns the JSON request body for one prompt
	Payload(prompt string) ([]byte, error)
	// Decode parses the payload of one content frame (prefix already removed)
	Decode(data []byte) (Delta, error)
}

// BackendOptions holds the request parameters shared by all variants
type BackendOptions struct {
	Model     string
	MaxTokens int
}

// NewBackend returns the backend variant for kind
func NewBackend(kind Kind, opts BackendOptions) (Backend, error) {
	switch kind {
	case KindVLLMCompletions:
		return &vllmCompletions{opts: opts}, nil
	case KindVLLMChat:
		return &vllmChat{opts: opts}, nil
	case KindTriton:
		return &triton{opts: opts}, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}
}

// ResolveKind maps the configured server name and API flavor onto a variant
func ResolveKind(server, api string) (Kind, error) {
	switch server {
	case "vLLM":
		switch api {
		case "", "completions":
			return KindVLLMCompletions, nil
		case "chat":
			return KindVLLMChat, nil
		}
		return "", fmt.Errorf("unknown vLLM api %q", api)
	case "Triton":
		if api == "chat" {
			return "", fmt.Errorf("triton does not serve the chat api")
		}
		return KindTriton, nil
	}
	return "", fmt.Errorf("unknown server %q", server)
}

// commonRequest holds the fields every server receives
type commonRequest struct {
	MaxTokens   int  `json:"max_tokens"`
	Stream      bool `json:"stream"`
	N           int  `json:"n"`
	Temperature int  `json:"temperature"`
}

func newCommon(maxTokens int) commonRequest {
	return commonRequest{MaxTokens: maxTokens, Stream: true, N: 1, Temperature: 0}
}

type streamOptions struct {
	IncludeUsage         bool `json:"include_usage"`
	ContinuousUsageStats bool `json:"continuous_usage_stats"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// vLLM completions

type vllmCompletions struct {
	opts BackendOptions
}

type completionsRequest struct {
	commonRequest
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	IgnoreEOS bool   `json:"ignore_eos"`
}

type completionsChunk struct {
	Choices []struct {
		Text string `json:"text"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (b *vllmCompletions) Kind() Kind { return KindVLLMCompletions }

func (b *vllmCompletions) Payload(prompt string) ([]byte, error) {
	return json.Marshal(completionsRequest{
		commonRequest: newCommon(b.opts.MaxTokens),
		Model:         b.opts.Model,
		Prompt:        prompt,
		IgnoreEOS:     true,
	})
}

func (b *vllmCompletions) Decode(data []byte) (Delta, error) {
	var chunk completionsChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return Delta{}, &ProtocolError{Kind: DecodeFailure, Message: "invalid completions chunk", Frame: string(data), Err: err}
	}
	if len(chunk.Choices) > 1 {
		return Delta{}, &ProtocolError{Kind: BadResponse, Message: fmt.Sprintf("too many choices: %d", len(chunk.Choices)), Frame: string(data)}
	}
	delta := Delta{Usage: chunk.Usage}
	if len(chunk.Choices) == 1 {
		delta.Text = chunk.Choices[0].Text
	} else if chunk.Usage == nil {
		return Delta{}, &ProtocolError{Kind: BadResponse, Message: "chunk has no choices", Frame: string(data)}
	}
	return delta, nil
}

// vLLM chat completions

type vllmChat struct {
	opts BackendOptions
}

type chatRequest struct {
	commonRequest
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	IgnoreEOS     bool          `json:"ignore_eos"`
	StreamOptions streamOptions `json:"stream_options"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

func (b *vllmChat) Kind() Kind { return KindVLLMChat }

func (b *vllmChat) Payload(prompt string) ([]byte, error) {
	return json.Marshal(chatRequest{
		commonRequest: newCommon(b.opts.MaxTokens),
		Model:         b.opts.Model,
		Messages:      []chatMessage{{Role: "user", Content: prompt}},
		IgnoreEOS:     true,
		StreamOptions: streamOptions{IncludeUsage: true, ContinuousUsageStats: true},
	})
}

// Decode accepts an empty choices list: with include_usage the final chunk
// carries only the usage block.
func (b *vllmChat) Decode(data []byte) (Delta, error) {
	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return Delta{}, &ProtocolError{Kind: DecodeFailure, Message: "invalid chat chunk", Frame: string(data), Err: err}
	}
	if len(chunk.Choices) > 1 {
		return Delta{}, &ProtocolError{Kind: BadResponse, Message: fmt.Sprintf("too many choices: %d", len(chunk.Choices)), Frame: string(data)}
	}
	delta := Delta{Usage: chunk.Usage}
	if len(chunk.Choices) == 1 {
		delta.Text = chunk.Choices[0].Delta.Content
	}
	return delta, nil
}

// Triton generate_stream

type triton struct {
	opts BackendOptions
}

type tritonRequest struct {
	commonRequest
	TextInput string `json:"text_input"`
	MinLength int    `json:"min_length"`
}

type tritonChunk struct {
	TextOutput *string `json:"text_output"`
	Usage      *Usage  `json:"usage"`
}

func (b *triton) Kind() Kind { return KindTriton }

func (b *triton) Payload(prompt string) ([]byte, error) {
	return json.Marshal(tritonRequest{
		commonRequest: newCommon(b.opts.MaxTokens),
		TextInput:     prompt,
		MinLength:     b.opts.MaxTokens,
	})
}

func (b *triton) Decode(data []byte) (Delta, error) {
	var chunk tritonChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return Delta{}, &ProtocolError{Kind: DecodeFailure, Message: "invalid triton chunk", Frame: string(data), Err: err}
	}
	if chunk.TextOutput == nil {
		return Delta{}, &ProtocolError{Kind: BadResponse, Message: "missing text_output", Frame: string(data)}
	}
	return Delta{Text: *chunk.TextOutput, Usage: chunk.Usage}, nil
}
