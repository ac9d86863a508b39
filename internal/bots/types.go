// Package bots dispatches bot executions: credential and secret resolution,
// runtime selection, result normalization and auditing.
package bots

import (
	"fmt"
	"io"
	"time"

	"carehooks/internal/domain"
)

// ExecutionRequest is the input to one bot invocation.
type ExecutionRequest struct {
	Bot   *domain.Bot
	RunAs *domain.Membership

	Input       any
	ContentType string

	// Optional triggering objects, referenced from the audit record.
	Subscription *domain.Subscription
	AgentRef     string
	DeviceRef    string

	TraceID     string
	Headers     map[string]string
	RequestTime time.Time

	// Origin metadata persisted alongside the raw input.
	RemoteAddress string
	ForwardedFor  string
}

// ExecutionContext is an ExecutionRequest with resolved credentials. It is
// what runtime adapters receive; they never resolve secrets themselves.
type ExecutionContext struct {
	*ExecutionRequest

	AccessToken string
	Secrets     map[string]domain.Secret
	BaseURL     string
}

// ExecutionResult is the normalized outcome contract all runtimes produce.
// Callers always receive a result, never a raised error, for runtime
// conditions; only internal contract breaches surface as errors.
type ExecutionResult struct {
	Success     bool
	LogResult   string
	ReturnValue any
}

// StreamingResult marks whether any bytes reached the sink.
type StreamingResult struct {
	ExecutionResult
	Streamed bool
}

func failure(format string, args ...any) *ExecutionResult {
	return &ExecutionResult{Success: false, LogResult: fmt.Sprintf(format, args...)}
}

// StreamSink receives streamed bot output. Writes are flushed explicitly so
// a remote consumer sees data incrementally, and the sink is closed once on
// successful completion.
type StreamSink interface {
	io.Writer

	// WriteHeader forwards the remote header frame before any body bytes.
	WriteHeader(statusCode int, headers map[string]string) error

	Flush() error
	Close() error
}
