package stream

import (
	"context"
	"errors"
	"fmt"
)

// ProtocolKind classifies a protocol violation inside a response stream
type ProtocolKind string

const (
	// MalformedStream is a non-empty frame without the "data:" prefix
	MalformedStream ProtocolKind = "malformed_stream"
	// BadResponse is a well-formed frame whose content breaks the backend contract
	BadResponse ProtocolKind = "bad_response"
	// DecodeFailure is a content frame that is not valid JSON for the backend
	DecodeFailure ProtocolKind = "decode_error"
)

// ProtocolError reports a stream that cannot be turned into a latency record.
// The enclosing request is dropped; the session continues.
type ProtocolError struct {
	Kind    ProtocolKind
	Message string
	Frame   string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Frame != "" {
		msg += fmt.Sprintf(" (frame %q)", truncate(e.Frame, 120))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed HTTP exchange: a non-success status or a
// connection that broke before or during the stream.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("transport error: %s", e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsProtocolViolation checks if the error is a ProtocolError
func IsProtocolViolation(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsTransportError checks if the error is a TransportError
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Outcome labels how a request ended, for logs and metrics
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeProtocolError  Outcome = "protocol_error"
	OutcomeTransportError Outcome = "transport_error"
	OutcomeCanceled       Outcome = "canceled"
)

// Classify maps a request error to its outcome label
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case IsProtocolViolation(err):
		return OutcomeProtocolError
	default:
		return OutcomeTransportError
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
