package bots

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// headerFrameLimit bounds the first line of a streaming response. A header
// frame larger than this is treated as a protocol violation.
const headerFrameLimit = 8 * 1024

// Trailers the remote runtime sets to report completion state out of band
// from the streamed body.
const (
	trailerFunctionError = "X-Function-Error"
	trailerFunctionLog   = "X-Function-Log"
)

// RemoteRuntime invokes bots hosted by an external function runner over
// HTTP. The sync path posts the invocation and decodes a JSON response; the
// streaming path forwards body chunks to the caller as they arrive.
type RemoteRuntime struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewRemoteRuntime constructs the remote adapter. baseURL is the function
// runner root, without a trailing slash.
func NewRemoteRuntime(baseURL string, httpClient *http.Client, log *slog.Logger) *RemoteRuntime {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &RemoteRuntime{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient, log: log}
}

type remoteInvocation struct {
	Bot         map[string]string `json:"bot"`
	BaseURL     string            `json:"baseUrl"`
	AccessToken string            `json:"accessToken"`
	Input       any               `json:"input"`
	ContentType string            `json:"contentType"`
	Secrets     map[string]any    `json:"secrets"`
	TraceID     string            `json:"traceId,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type remoteResponse struct {
	ErrorMessage string `json:"errorMessage,omitempty"`
	LogResult    string `json:"logResult,omitempty"`
	ReturnValue  any    `json:"returnValue,omitempty"`
}

// streamHeaderFrame is the first newline-terminated JSON line of a streaming
// response, carrying the status and headers to forward before any body bytes.
type streamHeaderFrame struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Execute invokes the bot synchronously and waits for the full response.
func (r *RemoteRuntime) Execute(ctx context.Context, ec *ExecutionContext) *ExecutionResult {
	resp, err := r.invoke(ctx, ec)
	if err != nil {
		return failure("Remote execution failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return failure("Remote execution failed: read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return failure("Remote execution failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded remoteResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return failure("Remote execution failed: decode response: %v", err)
	}

	result := &ExecutionResult{
		Success:     decoded.ErrorMessage == "",
		LogResult:   cleanLogs(decoded.LogResult),
		ReturnValue: decoded.ReturnValue,
	}
	if !result.Success {
		result.LogResult = joinLog(result.LogResult, decoded.ErrorMessage)
	}
	return result
}

// ExecuteStreaming invokes the bot and forwards its output to sink as it
// arrives. Once any body byte has been forwarded the response can no longer
// be replaced, so later failures are reported in the result with
// Streamed=true and the sink is left unclosed.
func (r *RemoteRuntime) ExecuteStreaming(ctx context.Context, ec *ExecutionContext, sink StreamSink) *StreamingResult {
	resp, err := r.invoke(ctx, ec)
	if err != nil {
		return &StreamingResult{ExecutionResult: *failure("Remote execution failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StreamingResult{ExecutionResult: *failure("Remote execution failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	br := bufio.NewReaderSize(resp.Body, headerFrameLimit)
	line, err := br.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return &StreamingResult{ExecutionResult: *failure("Remote execution failed: header frame too large")}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return &StreamingResult{ExecutionResult: *failure("Remote execution failed: read header frame: %v", err)}
	}

	var frame streamHeaderFrame
	if err := json.Unmarshal(bytes.TrimSpace(line), &frame); err != nil {
		return &StreamingResult{ExecutionResult: *failure("Remote execution failed: malformed header frame: %v", err)}
	}
	if frame.StatusCode == 0 {
		frame.StatusCode = http.StatusOK
	}

	if err := sink.WriteHeader(frame.StatusCode, frame.Headers); err != nil {
		return &StreamingResult{ExecutionResult: *failure("Remote execution failed: forward headers: %v", err)}
	}

	streamed, copyErr := r.forward(br, sink)
	result := &StreamingResult{Streamed: streamed}
	if copyErr != nil {
		result.ExecutionResult = *failure("Remote execution failed: stream interrupted: %v", copyErr)
		return result
	}

	// Completion state arrives in trailers once the body is fully read.
	logResult := cleanLogs(resp.Trailer.Get(trailerFunctionLog))
	if errMsg := resp.Trailer.Get(trailerFunctionError); errMsg != "" {
		result.ExecutionResult = ExecutionResult{Success: false, LogResult: joinLog(logResult, errMsg)}
		return result
	}

	if err := sink.Close(); err != nil {
		r.log.Warn("close stream sink failed", "bot", ec.Bot.ID, "error", err)
	}
	result.ExecutionResult = ExecutionResult{Success: true, LogResult: logResult}
	return result
}

// forward copies body chunks to the sink, flushing after each read so the
// consumer sees output incrementally.
func (r *RemoteRuntime) forward(src io.Reader, sink StreamSink) (streamed bool, err error) {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := sink.Write(buf[:n]); writeErr != nil {
				return streamed, writeErr
			}
			streamed = true
			if flushErr := sink.Flush(); flushErr != nil {
				return streamed, flushErr
			}
		}
		if readErr == io.EOF {
			return streamed, nil
		}
		if readErr != nil {
			return streamed, readErr
		}
	}
}

func (r *RemoteRuntime) invoke(ctx context.Context, ec *ExecutionContext) (*http.Response, error) {
	if r.baseURL == "" {
		return nil, errors.New("remote runtime is not configured")
	}

	secrets := make(map[string]any, len(ec.Secrets))
	for name, s := range ec.Secrets {
		secrets[name] = s.Value()
	}
	payload := remoteInvocation{
		Bot:         map[string]string{"id": ec.Bot.ID, "name": ec.Bot.Name},
		BaseURL:     ec.BaseURL,
		AccessToken: ec.AccessToken,
		Input:       ec.Input,
		ContentType: ec.ContentType,
		Secrets:     secrets,
		TraceID:     ec.TraceID,
		Headers:     ec.Headers,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode invocation: %w", err)
	}

	timeout := ec.Bot.Timeout(time.Minute)
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/invoke/"+ec.Bot.ID, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if ec.TraceID != "" {
		req.Header.Set("x-trace-id", ec.TraceID)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// Tie the timeout to the body lifetime so streaming reads stay bounded.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// cleanLogs strips the function runner's framing lines and control
// characters from captured logs.
func cleanLogs(logs string) string {
	if logs == "" {
		return ""
	}
	lines := strings.Split(logs, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "START RequestId:") ||
			strings.HasPrefix(trimmed, "END RequestId:") ||
			strings.HasPrefix(trimmed, "REPORT RequestId:") {
			continue
		}
		kept = append(kept, stripControl(line))
	}
	return strings.Join(kept, "\n")
}

// stripControl removes control characters, keeping tabs and printable ASCII
// and above.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r >= 0x20 {
			return r
		}
		return -1
	}, s)
}

func joinLog(logResult, errMsg string) string {
	if logResult == "" {
		return errMsg
	}
	return strings.TrimRight(logResult, "\n") + "\n" + errMsg
}
