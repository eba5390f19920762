// Package stream turns a streaming generation response into a latency record.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"

	// maxFrameSize bounds a single event frame
	maxFrameSize = 4 << 20
)

// ServerTiming is the server's own account of a request, in seconds
type ServerTiming struct {
	TTFT             float64
	E2E              float64
	CompletionTokens int
}

// Record is one completed generation request
type Record struct {
	Kind         Kind
	Start        time.Time
	FirstContent time.Time // zero until a frame yields text
	End          time.Time
	OutputTokens int // requested output length
	OutputChars  int
	Frames       int
	LateFrames   int // frames received after [DONE]
	Server       *ServerTiming
}

// Sample holds the derived latencies of one request, in seconds
type Sample struct {
	E2E  float64
	TTFT float64
	TPOT float64
}

// Sample derives E2E, TTFT and TPOT. Server-reported timing wins over local
// wall-clock timestamps when present.
func (r *Record) Sample() Sample {
	if r.Server != nil {
		return Sample{
			E2E:  r.Server.E2E,
			TTFT: r.Server.TTFT,
			TPOT: (r.Server.E2E - r.Server.TTFT) / float64(r.Server.CompletionTokens-1),
		}
	}
	e2e := r.End.Sub(r.Start).Seconds()
	ttft := r.FirstContent.Sub(r.Start).Seconds()
	return Sample{
		E2E:  e2e,
		TTFT: ttft,
		TPOT: r.End.Sub(r.FirstContent).Seconds() / float64(r.OutputTokens-1),
	}
}

// Timer consumes event streams for one backend variant
type Timer struct {
	backend      Backend
	outputTokens int
	now          func() time.Time
	logger       *slog.Logger
}

// TimerOption configures a Timer
type TimerOption func(*Timer)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) TimerOption {
	return func(t *Timer) {
		t.now = now
	}
}

// WithTimerLogger sets a custom logger
func WithTimerLogger(logger *slog.Logger) TimerOption {
	return func(t *Timer) {
		t.logger = logger
	}
}

// NewTimer creates a Timer. outputTokens must be greater than one; the
// configuration layer rejects anything else before traffic starts.
func NewTimer(backend Backend, outputTokens int, opts ...TimerOption) (*Timer, error) {
	if outputTokens <= 1 {
		return nil, fmt.Errorf("output tokens must be greater than 1, got %d", outputTokens)
	}
	t := &Timer{
		backend:      backend,
		outputTokens: outputTokens,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Now returns the timer's clock reading
func (t *Timer) Now() time.Time {
	return t.now()
}

// Consume reads frames from body until EOF. start is the wall-clock time the
// request was issued. Any error means the request produced no sample.
func (t *Timer) Consume(ctx context.Context, start time.Time, body io.Reader) (*Record, error) {
	rec := &Record{
		Kind:         t.backend.Kind(),
		Start:        start,
		OutputTokens: t.outputTokens,
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	scanner.Split(splitFrames)

	done := false
	for scanner.Scan() {
		now := t.now()
		frame := bytes.Trim(scanner.Bytes(), "\r\n")
		if len(frame) == 0 {
			continue
		}
		rec.Frames++

		if !bytes.HasPrefix(frame, []byte(dataPrefix)) {
			return nil, &ProtocolError{Kind: MalformedStream, Message: "frame does not start with \"data:\"", Frame: string(frame)}
		}
		payload := bytes.TrimSpace(frame[len(dataPrefix):])

		if string(payload) == doneSentinel {
			if !done {
				done = true
				rec.End = now
			}
			continue
		}
		if done {
			rec.LateFrames++
			t.logger.WarnContext(ctx, "received frame after [DONE]",
				slog.String("frame", truncate(string(frame), 120)))
			continue
		}

		delta, err := t.backend.Decode(payload)
		if err != nil {
			return nil, err
		}

		rec.OutputChars += len(delta.Text)
		if rec.OutputChars > 0 && rec.FirstContent.IsZero() {
			rec.FirstContent = now
		}

		if delta.Usage.HasServerTiming() {
			timing, err := serverTiming(delta.Usage, payload)
			if err != nil {
				return nil, err
			}
			rec.Server = timing
		}
	}

	if err := scanner.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("stream abandoned: %w", ctxErr)
		}
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &ProtocolError{Kind: MalformedStream, Message: "frame exceeds size limit", Err: err}
		}
		return nil, &TransportError{Message: "stream read failed", Err: err}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("stream abandoned: %w", ctxErr)
	}

	if rec.End.IsZero() {
		rec.End = t.now()
	}
	if rec.Server == nil && rec.FirstContent.IsZero() {
		return nil, &ProtocolError{Kind: BadResponse, Message: "stream ended without content"}
	}

	return rec, nil
}

func serverTiming(u *Usage, payload []byte) (*ServerTiming, error) {
	if u.ServerE2E == nil || u.CompletionTokens == nil {
		return nil, &ProtocolError{Kind: BadResponse, Message: "usage has server_ttft without server_e2e_latency or completion_tokens", Frame: string(payload)}
	}
	if *u.CompletionTokens <= 1 {
		return nil, &ProtocolError{Kind: BadResponse, Message: fmt.Sprintf("completion_tokens must be greater than 1, got %d", *u.CompletionTokens), Frame: string(payload)}
	}
	ttft, e2e := *u.ServerTTFT, *u.ServerE2E
	if ttft < 0 || e2e < 0 || ttft > e2e {
		return nil, &ProtocolError{Kind: BadResponse, Message: fmt.Sprintf("server timing needs 0 <= server_ttft <= server_e2e_latency, got ttft=%g e2e=%g", ttft, e2e), Frame: string(payload)}
	}
	return &ServerTiming{
		TTFT:             *u.ServerTTFT,
		E2E:              *u.ServerE2E,
		CompletionTokens: *u.CompletionTokens,
	}, nil
}

// frameSeparators end an event. CRLF servers use the second form.
var frameSeparators = [][]byte{[]byte("\n\n"), []byte("\r\n\r\n")}

// splitFrames is a bufio.SplitFunc yielding blank-line separated frames
func splitFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	end, width := -1, 0
	for _, sep := range frameSeparators {
		if i := bytes.Index(data, sep); i >= 0 && (end < 0 || i < end) {
			end, width = i, len(sep)
		}
	}
	if end >= 0 {
		return end + width, data[:end], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// String renders a record for debug logs
func (r *Record) String() string {
	s := r.Sample()
	var b strings.Builder
	fmt.Fprintf(&b, "%s e2e=%.3fs ttft=%.3fs tpot=%.4fs frames=%d", r.Kind, s.E2E, s.TTFT, s.TPOT, r.Frames)
	if r.Server != nil {
		b.WriteString(" source=server")
	}
	return b.String()
}
