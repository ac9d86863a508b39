package bots

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/suite"

	"carehooks/internal/domain"
	"carehooks/internal/platform/logger"
)

type RemoteRuntimeSuite struct {
	suite.Suite
	ctx context.Context
}

func TestRemoteRuntimeSuite(t *testing.T) {
	suite.Run(t, new(RemoteRuntimeSuite))
}

func (s *RemoteRuntimeSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *RemoteRuntimeSuite) newContext() *ExecutionContext {
	return &ExecutionContext{
		ExecutionRequest: &ExecutionRequest{
			Bot: &domain.Bot{
				ID:             "b1",
				ProjectID:      "p1",
				RuntimeVersion: domain.RuntimeRemote,
			},
			Input:       map[string]any{"resourceType": "Patient"},
			ContentType: domain.ContentTypeFHIRJSON,
			TraceID:     "trace-1",
		},
		AccessToken: "tok",
		Secrets:     map[string]domain.Secret{},
		BaseURL:     "http://localhost/",
	}
}

func (s *RemoteRuntimeSuite) TestSyncSuccess() {
	var gotPath string
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		s.Require().NoError(json.NewDecoder(r.Body).Decode(&gotPayload))
		json.NewEncoder(w).Encode(map[string]any{
			"logResult":   "did things\n",
			"returnValue": map[string]any{"done": true},
		})
	}))
	defer server.Close()

	runtime := NewRemoteRuntime(server.URL, nil, logger.Discard())
	result := runtime.Execute(s.ctx, s.newContext())

	s.True(result.Success)
	s.Equal("did things\n", result.LogResult)
	s.Equal("/invoke/b1", gotPath)
	s.Equal("tok", gotPayload["accessToken"])
	s.Equal("trace-1", gotPayload["traceId"])
	ret, ok := result.ReturnValue.(map[string]any)
	s.Require().True(ok)
	s.Equal(true, ret["done"])
}

func (s *RemoteRuntimeSuite) TestSyncError() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"errorMessage": "handler exploded",
			"logResult":    "some logs",
		})
	}))
	defer server.Close()

	runtime := NewRemoteRuntime(server.URL, nil, logger.Discard())
	result := runtime.Execute(s.ctx, s.newContext())

	s.False(result.Success)
	s.Contains(result.LogResult, "some logs")
	s.Contains(result.LogResult, "handler exploded")
}

func (s *RemoteRuntimeSuite) TestSyncBadStatus() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "function not found", http.StatusNotFound)
	}))
	defer server.Close()

	runtime := NewRemoteRuntime(server.URL, nil, logger.Discard())
	result := runtime.Execute(s.ctx, s.newContext())

	s.False(result.Success)
	s.Contains(result.LogResult, "status 404")
}

func (s *RemoteRuntimeSuite) TestNotConfigured() {
	runtime := NewRemoteRuntime("", nil, logger.Discard())
	result := runtime.Execute(s.ctx, s.newContext())
	s.False(result.Success)
	s.Contains(result.LogResult, "not configured")
}

func (s *RemoteRuntimeSuite) TestCleanLogs() {
	s.Run("framing lines stripped", func() {
		cleaned := cleanLogs("START RequestId: abc Version: 1\nreal output\nEND RequestId: abc\nREPORT RequestId: abc Duration: 5 ms\n")
		s.Equal("real output\n", cleaned)
	})

	s.Run("control characters removed, tabs kept", func() {
		cleaned := cleanLogs("col1\tcol2\x07bell\x1b[0m")
		s.Equal("col1\tcol2bell[0m", cleaned)
	})

	s.Run("empty logs stay empty", func() {
		s.Empty(cleanLogs(""))
	})
}

// recordingSink captures everything the streaming adapter forwards.
type recordingSink struct {
	statusCode int
	headers    map[string]string
	body       bytes.Buffer
	flushes    int
	closed     bool
}

func (r *recordingSink) WriteHeader(statusCode int, headers map[string]string) error {
	r.statusCode = statusCode
	r.headers = headers
	return nil
}

func (r *recordingSink) Write(p []byte) (int, error) { return r.body.Write(p) }
func (r *recordingSink) Flush() error                { r.flushes++; return nil }
func (r *recordingSink) Close() error                { r.closed = true; return nil }

func (s *RemoteRuntimeSuite) TestStreamingSuccess() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", trailerFunctionLog)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"statusCode":201,"headers":{"Content-Type":"text/plain"}}` + "\n"))
		w.Write([]byte("chunk one "))
		w.(http.Flusher).Flush()
		w.Write([]byte("chunk two"))
		w.Header().Set(trailerFunctionLog, "streamed fine")
	}))
	defer server.Close()

	runtime := NewRemoteRuntime(server.URL, nil, logger.Discard())
	ec := s.newContext()
	ec.Bot.RuntimeVersion = domain.RuntimeRemoteStreaming

	sink := &recordingSink{}
	result := runtime.ExecuteStreaming(s.ctx, ec, sink)

	s.True(result.Success)
	s.True(result.Streamed)
	s.Equal(201, sink.statusCode)
	s.Equal("text/plain", sink.headers["Content-Type"])
	s.Equal("chunk one chunk two", sink.body.String())
	s.True(sink.closed)
	s.GreaterOrEqual(sink.flushes, 1)
	s.Equal("streamed fine", result.LogResult)
}

func (s *RemoteRuntimeSuite) TestStreamingErrorTrailer() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", trailerFunctionError)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"statusCode":200}` + "\n"))
		w.Write([]byte("partial output"))
		w.Header().Set(trailerFunctionError, "bot crashed mid-stream")
	}))
	defer server.Close()

	runtime := NewRemoteRuntime(server.URL, nil, logger.Discard())
	ec := s.newContext()
	ec.Bot.RuntimeVersion = domain.RuntimeRemoteStreaming

	sink := &recordingSink{}
	result := runtime.ExecuteStreaming(s.ctx, ec, sink)

	s.False(result.Success)
	s.True(result.Streamed)
	s.Contains(result.LogResult, "bot crashed mid-stream")
	s.Equal("partial output", sink.body.String())
	s.False(sink.closed)
}

func (s *RemoteRuntimeSuite) TestStreamingHeaderFrameTooLarge() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("x", headerFrameLimit+100)))
	}))
	defer server.Close()

	runtime := NewRemoteRuntime(server.URL, nil, logger.Discard())
	ec := s.newContext()
	ec.Bot.RuntimeVersion = domain.RuntimeRemoteStreaming

	sink := &recordingSink{}
	result := runtime.ExecuteStreaming(s.ctx, ec, sink)

	s.False(result.Success)
	s.False(result.Streamed)
	s.Contains(result.LogResult, "header frame too large")
	s.Zero(sink.body.Len())
	s.Zero(sink.statusCode)
}

func (s *RemoteRuntimeSuite) TestStreamingMalformedHeaderFrame() {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json\nbody"))
	}))
	defer server.Close()

	runtime := NewRemoteRuntime(server.URL, nil, logger.Discard())
	ec := s.newContext()
	ec.Bot.RuntimeVersion = domain.RuntimeRemoteStreaming

	sink := &recordingSink{}
	result := runtime.ExecuteStreaming(s.ctx, ec, sink)

	s.False(result.Success)
	s.False(result.Streamed)
	s.Contains(result.LogResult, "malformed header frame")
	s.Zero(sink.body.Len())
}
