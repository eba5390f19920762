package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 11, 15, 8, 0, 0, 0, time.UTC)

// stepClock returns t0+1s, t0+2s, ... on successive calls
func stepClock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func newTestTimer(t *testing.T, kind Kind, olen int) *Timer {
	t.Helper()
	backend, err := NewBackend(kind, BackendOptions{Model: "m", MaxTokens: olen})
	require.NoError(t, err)
	timer, err := NewTimer(backend, olen, WithClock(stepClock()))
	require.NoError(t, err)
	return timer
}

func frames(parts ...string) io.Reader {
	return strings.NewReader(strings.Join(parts, "\n\n") + "\n\n")
}

func TestNewTimer_RejectsSingleToken(t *testing.T) {
	backend, err := NewBackend(KindTriton, BackendOptions{MaxTokens: 1})
	require.NoError(t, err)

	_, err = NewTimer(backend, 1)
	assert.Error(t, err)
	_, err = NewTimer(backend, 0)
	assert.Error(t, err)
}

func TestConsume_FirstContentAtFirstChunk(t *testing.T) {
	timer := newTestTimer(t, KindVLLMCompletions, 3)

	rec, err := timer.Consume(context.Background(), t0, frames(
		`data: {"choices":[{"text":"Hello"}]}`,
		`data: {"choices":[{"text":" world"}]}`,
		`data: [DONE]`,
	))
	require.NoError(t, err)

	assert.Equal(t, t0.Add(1*time.Second), rec.FirstContent)
	assert.Equal(t, t0.Add(3*time.Second), rec.End)
	assert.Equal(t, 3, rec.Frames)
	assert.Equal(t, len("Hello world"), rec.OutputChars)

	s := rec.Sample()
	assert.InDelta(t, 3.0, s.E2E, 1e-9)
	assert.InDelta(t, 1.0, s.TTFT, 1e-9)
	assert.InDelta(t, 1.0, s.TPOT, 1e-9) // (3-1)s / (3-1) tokens
	assert.LessOrEqual(t, s.TTFT, s.E2E)
	assert.InDelta(t, (s.E2E-s.TTFT)/2, s.TPOT, 1e-9)
}

func TestConsume_EmptyLeadingTextDelaysFirstContent(t *testing.T) {
	timer := newTestTimer(t, KindVLLMChat, 5)

	rec, err := timer.Consume(context.Background(), t0, frames(
		`data: {"choices":[{"delta":{"content":""}}]}`,
		`data: {"choices":[{"delta":{"content":"Hi"}}]}`,
		`data: [DONE]`,
	))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Second), rec.FirstContent)
}

func TestConsume_SkipsBlankFrames(t *testing.T) {
	timer := newTestTimer(t, KindTriton, 2)

	body := strings.NewReader("\n\n" + `data: {"text_output":" What"}` + "\n\n\n\n" + "data: [DONE]\n\n")
	rec, err := timer.Consume(context.Background(), t0, body)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Frames)
	assert.Equal(t, KindTriton, rec.Kind)
}

func TestConsume_MalformedPrefix(t *testing.T) {
	timer := newTestTimer(t, KindVLLMCompletions, 3)

	rec, err := timer.Consume(context.Background(), t0, frames(
		`data: {"choices":[{"text":"a"}]}`,
		`event: {"choices":[{"text":"b"}]}`,
		`data: [DONE]`,
	))
	assert.Nil(t, rec)
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, MalformedStream, pe.Kind)
	assert.Equal(t, OutcomeProtocolError, Classify(err))
}

func TestConsume_TooManyChoices(t *testing.T) {
	timer := newTestTimer(t, KindVLLMCompletions, 3)

	_, err := timer.Consume(context.Background(), t0, frames(
		`data: {"choices":[{"text":"a"},{"text":"b"}]}`,
		`data: [DONE]`,
	))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, BadResponse, pe.Kind)
}

func TestConsume_DecodeFailure(t *testing.T) {
	timer := newTestTimer(t, KindTriton, 3)

	_, err := timer.Consume(context.Background(), t0, frames(`data: {not json`, `data: [DONE]`))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, DecodeFailure, pe.Kind)
}

func TestConsume_FramesAfterDoneAreIgnored(t *testing.T) {
	timer := newTestTimer(t, KindVLLMCompletions, 3)

	rec, err := timer.Consume(context.Background(), t0, frames(
		`data: {"choices":[{"text":"a"}]}`,
		`data: [DONE]`,
		`data: {"choices":[{"text":"late"}]}`,
	))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.LateFrames)
	assert.Equal(t, 1, rec.OutputChars)
	assert.Equal(t, t0.Add(2*time.Second), rec.End)
}

func TestConsume_NoDoneUsesEOF(t *testing.T) {
	timer := newTestTimer(t, KindVLLMCompletions, 3)

	rec, err := timer.Consume(context.Background(), t0, frames(`data: {"choices":[{"text":"a"}]}`))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*time.Second), rec.End)
}

func TestConsume_NoContent(t *testing.T) {
	timer := newTestTimer(t, KindVLLMChat, 3)

	_, err := timer.Consume(context.Background(), t0, frames(`data: [DONE]`))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, BadResponse, pe.Kind)
}

func TestConsume_ServerReportedUsage(t *testing.T) {
	timer := newTestTimer(t, KindVLLMChat, 350)

	rec, err := timer.Consume(context.Background(), t0, frames(
		`data: {"choices":[{"delta":{"content":" won"}}],"usage":{"prompt_tokens":10,"completion_tokens":1}}`,
		`data: {"choices":[],"usage":{"completion_tokens":11,"server_ttft":0.5,"server_e2e_latency":2.5}}`,
		`data: [DONE]`,
	))
	require.NoError(t, err)
	require.NotNil(t, rec.Server)

	s := rec.Sample()
	assert.InDelta(t, 2.5, s.E2E, 1e-9)
	assert.InDelta(t, 0.5, s.TTFT, 1e-9)
	assert.InDelta(t, 0.2, s.TPOT, 1e-9) // (2.5-0.5) / (11-1)
	assert.Contains(t, rec.String(), "source=server")
}

func TestConsume_ServerUsageRejectsSingleToken(t *testing.T) {
	timer := newTestTimer(t, KindVLLMChat, 350)

	_, err := timer.Consume(context.Background(), t0, frames(
		`data: {"choices":[],"usage":{"completion_tokens":1,"server_ttft":0.5,"server_e2e_latency":0.5}}`,
		`data: [DONE]`,
	))
	assert.True(t, IsProtocolViolation(err))
}

func TestConsume_ServerTimingOutOfOrderIsBadResponse(t *testing.T) {
	tests := []struct {
		name  string
		usage string
	}{
		{"ttft after e2e", `{"completion_tokens":4,"server_ttft":2.0,"server_e2e_latency":1.0}`},
		{"negative ttft", `{"completion_tokens":4,"server_ttft":-0.1,"server_e2e_latency":1.0}`},
		{"negative e2e", `{"completion_tokens":4,"server_ttft":-2.0,"server_e2e_latency":-1.0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer := newTestTimer(t, KindVLLMChat, 350)

			rec, err := timer.Consume(context.Background(), t0, frames(
				`data: {"choices":[{"delta":{"content":"hi"}}]}`,
				`data: {"choices":[],"usage":`+tt.usage+`}`,
				`data: [DONE]`,
			))
			assert.Nil(t, rec)
			var pe *ProtocolError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, BadResponse, pe.Kind)
			assert.Equal(t, OutcomeProtocolError, Classify(err))
		})
	}
}

func TestConsume_ServerTimingEqualIsAccepted(t *testing.T) {
	timer := newTestTimer(t, KindVLLMChat, 350)

	rec, err := timer.Consume(context.Background(), t0, frames(
		`data: {"choices":[],"usage":{"completion_tokens":3,"server_ttft":1.0,"server_e2e_latency":1.0}}`,
		`data: [DONE]`,
	))
	require.NoError(t, err)
	s := rec.Sample()
	assert.LessOrEqual(t, s.TTFT, s.E2E)
	assert.InDelta(t, 0.0, s.TPOT, 1e-9)
}

func TestConsume_CRLFSeparatedFrames(t *testing.T) {
	timer := newTestTimer(t, KindVLLMCompletions, 3)

	body := strings.NewReader(strings.Join([]string{
		`data: {"choices":[{"text":"a"}]}`,
		`data: {"choices":[{"text":"b"}]}`,
		`data: [DONE]`,
	}, "\r\n\r\n") + "\r\n\r\n")
	rec, err := timer.Consume(context.Background(), t0, body)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Frames)
	assert.Equal(t, 2, rec.OutputChars)
	assert.Equal(t, t0.Add(1*time.Second), rec.FirstContent)
}

type failingReader struct{ after io.Reader }

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.after.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset by peer")
	}
	return n, err
}

func TestConsume_ReadErrorIsTransport(t *testing.T) {
	timer := newTestTimer(t, KindVLLMCompletions, 3)

	_, err := timer.Consume(context.Background(), t0, &failingReader{after: strings.NewReader(`data: {"choices":[{"text":"a"}]}` + "\n\n")})
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Equal(t, OutcomeTransportError, Classify(err))
}

func TestConsume_CanceledContext(t *testing.T) {
	timer := newTestTimer(t, KindVLLMCompletions, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := timer.Consume(ctx, t0, frames(`data: {"choices":[{"text":"a"}]}`, `data: [DONE]`))
	require.Error(t, err)
	assert.Equal(t, OutcomeCanceled, Classify(err))
}

func TestSplitFrames(t *testing.T) {
	adv, tok, err := splitFrames([]byte("data: a\n\ndata: b"), false)
	require.NoError(t, err)
	assert.Equal(t, 9, adv)
	assert.Equal(t, "data: a", string(tok))

	adv, tok, err = splitFrames([]byte("data: b"), false)
	require.NoError(t, err)
	assert.Equal(t, 0, adv)
	assert.Nil(t, tok)

	adv, tok, err = splitFrames([]byte("data: b"), true)
	require.NoError(t, err)
	assert.Equal(t, 7, adv)
	assert.Equal(t, "data: b", string(tok))

	adv, tok, err = splitFrames([]byte("data: a\r\n\r\ndata: b\n\n"), false)
	require.NoError(t, err)
	assert.Equal(t, 11, adv)
	assert.Equal(t, "data: a", string(tok))
}
