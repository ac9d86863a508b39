package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"carehooks/internal/bots"
	"carehooks/internal/domain"
	"carehooks/internal/queue"
	"carehooks/internal/repo"
)

// ExecuteSubject is the pub/sub subject for synchronous bot execution
// requests, used by device channels that need the result inline instead of
// a queued delivery.
const ExecuteSubject = "carehooks:bot:execute"

// ExecuteRequest is the pub/sub request payload.
type ExecuteRequest struct {
	BotID       string `json:"botId"`
	Input       any    `json:"input"`
	ContentType string `json:"contentType,omitempty"`
	AgentRef    string `json:"agentRef,omitempty"`
	TraceID     string `json:"traceId,omitempty"`
}

// ExecuteResponse is the pub/sub response payload.
type ExecuteResponse struct {
	Success     bool   `json:"success"`
	LogResult   string `json:"logResult,omitempty"`
	ReturnValue any    `json:"returnValue,omitempty"`
}

// ExecuteServer answers synchronous bot execution requests over pub/sub.
type ExecuteServer struct {
	repo       repo.Repository
	pubsub     queue.PubSub
	dispatcher *bots.Dispatcher
	log        *slog.Logger
}

// NewExecuteServer constructs an ExecuteServer.
func NewExecuteServer(r repo.Repository, ps queue.PubSub, dispatcher *bots.Dispatcher, log *slog.Logger) *ExecuteServer {
	return &ExecuteServer{repo: r, pubsub: ps, dispatcher: dispatcher, log: log}
}

// Run serves execution requests until ctx is cancelled.
func (s *ExecuteServer) Run(ctx context.Context) error {
	return s.pubsub.Serve(ctx, ExecuteSubject, func(payload []byte) []byte {
		return s.handle(ctx, payload)
	})
}

func (s *ExecuteServer) handle(ctx context.Context, payload []byte) []byte {
	var req ExecuteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return encodeResponse(ExecuteResponse{Success: false, LogResult: "malformed execution request"})
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	bot, err := s.repo.ReadBot(ctx, req.BotID)
	if err != nil {
		return encodeResponse(ExecuteResponse{Success: false, LogResult: "bot not found"})
	}
	membership, err := s.repo.FindMembership(ctx, bot.ProjectID, domain.Reference("Bot", bot.ID))
	if err != nil {
		return encodeResponse(ExecuteResponse{Success: false, LogResult: "bot has no membership"})
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = domain.ContentTypeJSON
	}
	result, err := s.dispatcher.Execute(ctx, &bots.ExecutionRequest{
		Bot:         bot,
		RunAs:       membership,
		Input:       req.Input,
		ContentType: contentType,
		AgentRef:    req.AgentRef,
		TraceID:     req.TraceID,
		RequestTime: time.Now(),
	})
	if err != nil {
		s.log.Error("pub/sub bot execution failed", "bot", req.BotID, "error", err)
		return encodeResponse(ExecuteResponse{Success: false, LogResult: "internal execution error"})
	}
	return encodeResponse(ExecuteResponse{
		Success:     result.Success,
		LogResult:   result.LogResult,
		ReturnValue: result.ReturnValue,
	})
}

func encodeResponse(resp ExecuteResponse) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		return []byte(`{"success":false,"logResult":"encode response failed"}`)
	}
	return data
}
