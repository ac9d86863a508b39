package bots

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"carehooks/internal/accesstoken"
	"carehooks/internal/audit"
	"carehooks/internal/domain"
	"carehooks/internal/hl7"
	"carehooks/internal/platform/metrics"
	"carehooks/internal/repo"
	"carehooks/internal/secrets"
	"carehooks/internal/storage"
)

const accessTokenLifetime = time.Hour

// Dispatcher orchestrates single bot invocations.
type Dispatcher struct {
	repo     repo.Repository
	storage  storage.BinaryStorage
	secrets  *secrets.Resolver
	tokens   *accesstoken.Service
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	log      *slog.Logger

	vm     *VMContextRuntime
	remote *RemoteRuntime

	baseURL string
}

// NewDispatcher constructs a Dispatcher. vm and remote may be nil when a
// runtime is not configured; selection then yields an unsupported result.
func NewDispatcher(
	r repo.Repository,
	st storage.BinaryStorage,
	sr *secrets.Resolver,
	tokens *accesstoken.Service,
	recorder *audit.Recorder,
	m *metrics.Metrics,
	log *slog.Logger,
	vm *VMContextRuntime,
	remote *RemoteRuntime,
	baseURL string,
) *Dispatcher {
	return &Dispatcher{
		repo:     r,
		storage:  st,
		secrets:  sr,
		tokens:   tokens,
		recorder: recorder,
		metrics:  m,
		log:      log,
		vm:       vm,
		remote:   remote,
		baseURL:  baseURL,
	}
}

// Execute runs one bot invocation synchronously. Runtime conditions are
// reported in the result; the returned error is reserved for internal
// contract breaches.
func (d *Dispatcher) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error) {
	startTime := time.Now()
	d.fillTrace(ctx, req)

	result := d.execute(ctx, req)

	d.metrics.ObserveBotExecution(req.Bot.ProjectID, req.Bot.ID, outcomeLabel(result.Success), time.Since(startTime))
	d.recordAudit(ctx, req, startTime, result)
	return result, nil
}

// ExecuteStreaming runs one bot invocation in streaming mode. The selected
// runtime must support streaming; adapters that do not return an explicit
// unsupported result rather than silently buffering.
func (d *Dispatcher) ExecuteStreaming(ctx context.Context, req *ExecutionRequest, sink StreamSink) (*StreamingResult, error) {
	startTime := time.Now()
	d.fillTrace(ctx, req)

	var result *StreamingResult
	ec, setup := d.prepare(ctx, req)
	switch {
	case setup != nil:
		result = &StreamingResult{ExecutionResult: *setup}
	case req.Bot.RuntimeVersion != domain.RuntimeRemoteStreaming:
		result = &StreamingResult{ExecutionResult: *failure("Streaming is not supported by runtime %q", req.Bot.RuntimeVersion)}
	case d.remote == nil:
		result = &StreamingResult{ExecutionResult: *failure("Remote bot runtime is not configured")}
	default:
		result = d.remote.ExecuteStreaming(ctx, ec, sink)
	}

	d.metrics.ObserveBotExecution(req.Bot.ProjectID, req.Bot.ID, outcomeLabel(result.Success), time.Since(startTime))
	d.recordAudit(ctx, req, startTime, &result.ExecutionResult)
	return result, nil
}

func (d *Dispatcher) execute(ctx context.Context, req *ExecutionRequest) *ExecutionResult {
	ec, setup := d.prepare(ctx, req)
	if setup != nil {
		return setup
	}

	switch req.Bot.RuntimeVersion {
	case domain.RuntimeVMContext:
		if d.vm == nil {
			return failure("VM context bot runtime is not enabled on this server")
		}
		return d.vm.Execute(ctx, ec)
	case domain.RuntimeRemote, domain.RuntimeRemoteStreaming:
		if d.remote == nil {
			return failure("Remote bot runtime is not configured")
		}
		return d.remote.Execute(ctx, ec)
	default:
		return failure("Unsupported bot runtime %q", req.Bot.RuntimeVersion)
	}
}

// prepare runs the shared dispatch steps: feature gate, input persistence,
// credential and secret resolution. A non-nil result short-circuits
// execution without invoking any adapter.
func (d *Dispatcher) prepare(ctx context.Context, req *ExecutionRequest) (*ExecutionContext, *ExecutionResult) {
	project, err := d.repo.ReadProject(ctx, req.Bot.ProjectID)
	if err != nil {
		return nil, failure("Could not read project: %v", err)
	}
	if !project.HasFeature(domain.FeatureBots) {
		return nil, failure("Bots not enabled")
	}

	if err := d.writeInputToStorage(ctx, req); err != nil {
		// Input persistence exists for replay and debugging; losing it is
		// not worth failing the execution.
		d.log.Warn("persist bot input failed", "bot", req.Bot.ID, "error", err)
	}

	accessToken, err := d.resolveAccessToken(ctx, req.RunAs)
	if err != nil {
		return nil, failure("Could not resolve access credential: %v", err)
	}

	secretMap, err := d.secrets.Resolve(ctx, req.Bot, req.RunAs.ProjectID)
	if err != nil {
		return nil, failure("Could not resolve secrets: %v", err)
	}

	return &ExecutionContext{
		ExecutionRequest: req,
		AccessToken:      accessToken,
		Secrets:          secretMap,
		BaseURL:          d.baseURL,
	}, nil
}

// resolveAccessToken creates a short-lived synthetic login and signs an
// access token bound to it.
func (d *Dispatcher) resolveAccessToken(ctx context.Context, runAs *domain.Membership) (string, error) {
	login := &domain.Login{
		ID:            uuid.NewString(),
		AuthMethod:    "execute",
		UserRef:       runAs.UserRef,
		MembershipRef: domain.Reference("Membership", runAs.ID),
		AuthTime:      time.Now(),
		Scope:         "openid",
		Granted:       true,
	}
	if err := d.repo.CreateLogin(ctx, login); err != nil {
		return "", fmt.Errorf("create login: %w", err)
	}
	return d.tokens.Generate(login, runAs, accessTokenLifetime)
}

// writeInputToStorage persists the raw invocation input for replay,
// debugging and analytics. Known message formats additionally get key
// header fields extracted into the stored row.
func (d *Dispatcher) writeInputToStorage(ctx context.Context, req *ExecutionRequest) error {
	now := time.Now()
	key := fmt.Sprintf("bot/%s/%s/%d-%s.json",
		req.Bot.ProjectID, now.Format("2006/01/02"), now.UnixMilli(), uuid.NewString())

	row := map[string]any{
		"contentType": req.ContentType,
		"input":       req.Input,
		"botId":       req.Bot.ID,
		"projectId":   req.Bot.ProjectID,
	}
	if req.Bot.AccountID != "" {
		row["accountId"] = req.Bot.AccountID
	}
	if req.Subscription != nil {
		row["subscriptionId"] = req.Subscription.ID
	}
	if req.AgentRef != "" {
		row["agentRef"] = req.AgentRef
	}
	if req.DeviceRef != "" {
		row["deviceRef"] = req.DeviceRef
	}
	if req.RemoteAddress != "" {
		row["remoteAddress"] = req.RemoteAddress
	}
	if req.ForwardedFor != "" {
		row["forwardedFor"] = req.ForwardedFor
	}

	if req.ContentType == domain.ContentTypeHL7V2 {
		if raw, ok := req.Input.(string); ok {
			if msg, err := hl7.Parse(raw); err == nil {
				row["input"] = msg.String()
				row["hl7SendingApplication"] = msg.Component("MSH", 3, 1)
				row["hl7SendingFacility"] = msg.Component("MSH", 4, 1)
				row["hl7ReceivingApplication"] = msg.Component("MSH", 5, 1)
				row["hl7ReceivingFacility"] = msg.Component("MSH", 6, 1)
				row["hl7MessageType"] = msg.Component("MSH", 9, 1)
				row["hl7Version"] = msg.Component("MSH", 12, 1)
				row["hl7PidId"] = msg.Component("PID", 2, 1)
				row["hl7PidMrn"] = msg.Component("PID", 3, 1)
				row["hl7ObxId"] = msg.Component("OBX", 3, 1)
				row["hl7ObxAccession"] = msg.Component("OBX", 18, 1)
			} else {
				d.log.Debug("failed to parse HL7 message", "error", err)
			}
		}
	}

	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode bot input row: %w", err)
	}
	return d.storage.WriteFile(ctx, key, domain.ContentTypeJSON, data)
}

func (d *Dispatcher) recordAudit(ctx context.Context, req *ExecutionRequest, startTime time.Time, result *ExecutionResult) {
	outcome := domain.OutcomeSuccess
	if !result.Success {
		outcome = domain.OutcomeMinorFailure
	}

	botRef := domain.Reference("Bot", req.Bot.ID)
	entities := []string{botRef}
	if req.Subscription != nil {
		entities = append(entities, domain.Reference("Subscription", req.Subscription.ID))
	}
	if req.AgentRef != "" {
		entities = append(entities, req.AgentRef)
	}
	if req.DeviceRef != "" {
		entities = append(entities, req.DeviceRef)
	}

	err := d.recorder.Record(ctx, audit.Attempt{
		ProjectID:    req.RunAs.ProjectID,
		AccountID:    req.Bot.AccountID,
		Observer:     botRef,
		Entities:     entities,
		StartTime:    startTime,
		Outcome:      outcome,
		OutcomeDesc:  result.LogResult,
		TraceID:      req.TraceID,
		Trigger:      req.Bot.AuditTrigger,
		Destinations: req.Bot.AuditDestinations,
	})
	if err != nil {
		d.log.Error("record bot audit event failed", "bot", req.Bot.ID, "error", err)
	}
}

// fillTrace falls back to the active span's trace id when the request does
// not carry one.
func (d *Dispatcher) fillTrace(ctx context.Context, req *ExecutionRequest) {
	if req.TraceID != "" {
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		req.TraceID = sc.TraceID().String()
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
