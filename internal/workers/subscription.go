// Package workers runs the durable queue consumers: subscription delivery
// (webhooks and bot endpoints) and cron-scheduled bot executions.
package workers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"carehooks/internal/audit"
	"carehooks/internal/bots"
	"carehooks/internal/domain"
	"carehooks/internal/match"
	"carehooks/internal/platform/metrics"
	"carehooks/internal/queue"
	"carehooks/internal/repo"
	"carehooks/pkg/platform/sentinel"
)

// SubscriptionJobData is the payload of one delivery job. It carries only
// identifiers and the triggering version; the handler re-reads current state
// at execution time.
type SubscriptionJobData struct {
	SubscriptionID string             `json:"subscriptionId"`
	ResourceType   string             `json:"resourceType"`
	ID             string             `json:"id"`
	VersionID      string             `json:"versionId,omitempty"`
	Interaction    domain.Interaction `json:"interaction"`
	RequestTime    time.Time          `json:"requestTime"`
	RequestID      string             `json:"requestId,omitempty"`
	TraceID        string             `json:"traceId,omitempty"`
}

// SubscriptionWorker matches resource changes against subscriptions and
// delivers notifications from the queue.
type SubscriptionWorker struct {
	repo       repo.Repository
	queue      queue.Queue
	dispatcher *bots.Dispatcher
	recorder   *audit.Recorder
	metrics    *metrics.Metrics
	httpClient *http.Client
	log        *slog.Logger
}

// NewSubscriptionWorker constructs a SubscriptionWorker.
func NewSubscriptionWorker(
	r repo.Repository,
	q queue.Queue,
	dispatcher *bots.Dispatcher,
	recorder *audit.Recorder,
	m *metrics.Metrics,
	httpClient *http.Client,
	log *slog.Logger,
) *SubscriptionWorker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SubscriptionWorker{
		repo:       r,
		queue:      q,
		dispatcher: dispatcher,
		recorder:   recorder,
		metrics:    m,
		httpClient: httpClient,
		log:        log,
	}
}

// EnqueueMatching evaluates the change event against the project's active
// subscriptions and enqueues one job per match. An enqueue failure aborts
// with an error so the triggering write can surface it.
func (w *SubscriptionWorker) EnqueueMatching(ctx context.Context, event *domain.ChangeEvent) error {
	// Audit events never trigger subscriptions; delivering them would feed
	// the pipeline its own exhaust.
	if event.ResourceType == "AuditEvent" {
		return nil
	}

	subscriptions, err := w.repo.ActiveSubscriptions(ctx, event.ProjectID)
	if err != nil {
		return fmt.Errorf("load active subscriptions: %w", err)
	}

	for _, sub := range subscriptions {
		if !match.MatchesCriteria(event, sub, w.log) {
			continue
		}
		data := SubscriptionJobData{
			SubscriptionID: sub.ID,
			ResourceType:   event.ResourceType,
			ID:             event.ID,
			VersionID:      event.VersionID,
			Interaction:    event.Interaction,
			RequestTime:    event.RequestTime,
			RequestID:      event.RequestID,
			TraceID:        event.TraceID,
		}
		if err := w.queue.Enqueue(ctx, data); err != nil {
			return fmt.Errorf("enqueue subscription job: %w", err)
		}
		w.log.Debug("enqueued subscription job",
			"subscription", sub.ID, "resource", domain.Reference(event.ResourceType, event.ID))
	}
	return nil
}

// Run consumes delivery jobs until ctx is cancelled.
func (w *SubscriptionWorker) Run(ctx context.Context) error {
	return w.queue.Run(ctx, w.handleJob)
}

func (w *SubscriptionWorker) handleJob(ctx context.Context, job *queue.Job) queue.JobResult {
	var data SubscriptionJobData
	if err := json.Unmarshal(job.Payload, &data); err != nil {
		return queue.Fatal(fmt.Sprintf("decode subscription job: %v", err))
	}

	if job.Attempt == 0 {
		w.metrics.ObserveQueuedDuration(time.Since(job.EnqueuedAt))
	}

	// Re-read the subscription: a job for a subscription that no longer
	// exists or is no longer active is dropped without error.
	sub, err := w.repo.ReadSubscription(ctx, data.SubscriptionID)
	if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrGone) {
		return queue.Ok()
	}
	if err != nil {
		return queue.Retry(fmt.Sprintf("read subscription: %v", err))
	}
	if sub.Status != domain.SubscriptionActive {
		return queue.Ok()
	}

	var resource map[string]any
	if data.Interaction != domain.InteractionDelete {
		resource, err = w.repo.ReadResource(ctx, data.ResourceType, data.ID)
		if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrGone) {
			return queue.Ok()
		}
		if err != nil {
			return queue.Retry(fmt.Sprintf("read resource: %v", err))
		}
		// On retries, a newer version means a newer job exists for it.
		if job.Attempt > 0 && resourceVersion(resource) != data.VersionID {
			return queue.Ok()
		}
	}

	if strings.HasPrefix(sub.Channel.Endpoint, "Bot/") {
		return w.execBot(ctx, job, sub, &data, resource)
	}
	return w.sendRestHook(ctx, job, sub, &data, resource)
}

// sendRestHook delivers one webhook attempt and audits its outcome.
func (w *SubscriptionWorker) sendRestHook(ctx context.Context, job *queue.Job, sub *domain.Subscription, data *SubscriptionJobData, resource map[string]any) queue.JobResult {
	startTime := time.Now()

	body := []byte("{}")
	if data.Interaction != domain.InteractionDelete {
		encoded, err := json.Marshal(resource)
		if err != nil {
			return queue.Fatal(fmt.Sprintf("encode resource: %v", err))
		}
		body = encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Channel.Endpoint, bytes.NewReader(body))
	if err != nil {
		w.auditDelivery(ctx, sub, data, startTime, domain.OutcomeMinorFailure,
			fmt.Sprintf("Attempt %d failed: %v", job.Attempt+1, err))
		w.metrics.CountWebhookDelivery("failure")
		return queue.Fatal(fmt.Sprintf("build webhook request: %v", err))
	}

	req.Header.Set("Content-Type", domain.ContentTypeFHIRJSON)
	req.Header.Set("X-Subscription", sub.ID)
	req.Header.Set("X-Interaction", string(data.Interaction))
	if data.Interaction == domain.InteractionDelete {
		req.Header.Set("X-Medplum-Deleted-Resource", domain.Reference(data.ResourceType, data.ID))
	}
	if data.TraceID != "" {
		req.Header.Set("x-trace-id", data.TraceID)
	}
	for _, header := range sub.Channel.Headers {
		name, value, found := strings.Cut(header, ":")
		if !found {
			continue
		}
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	if sub.Secret != "" {
		mac := hmac.New(sha256.New, []byte(sub.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	fetchStart := time.Now()
	resp, err := w.httpClient.Do(req)
	w.metrics.ObserveWebhookFetch(time.Since(fetchStart))
	if err != nil {
		w.auditDelivery(ctx, sub, data, startTime, domain.OutcomeMinorFailure,
			fmt.Sprintf("Attempt %d failed: %v", job.Attempt+1, err))
		return w.retryDelivery(job, sub, fmt.Sprintf("webhook request: %v", err))
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()

	desc := fmt.Sprintf("Attempt %d received status %d", job.Attempt+1, resp.StatusCode)
	if IsJobSuccessful(sub, resp.StatusCode, w.log) {
		w.auditDelivery(ctx, sub, data, startTime, domain.OutcomeSuccess, desc)
		w.metrics.CountWebhookDelivery("success")
		return queue.Ok()
	}

	w.auditDelivery(ctx, sub, data, startTime, domain.OutcomeMinorFailure, desc)
	return w.retryDelivery(job, sub, desc)
}

// execBot dispatches a Bot/ endpoint delivery through the bot dispatcher.
func (w *SubscriptionWorker) execBot(ctx context.Context, job *queue.Job, sub *domain.Subscription, data *SubscriptionJobData, resource map[string]any) queue.JobResult {
	_, botID, err := domain.ParseReference(sub.Channel.Endpoint)
	if err != nil {
		return queue.Fatal(fmt.Sprintf("parse bot endpoint: %v", err))
	}

	bot, err := w.repo.ReadBot(ctx, botID)
	if errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrGone) {
		// The subscription points at a bot that no longer exists; retrying
		// cannot fix that.
		return queue.Fatal(fmt.Sprintf("bot %s not found", botID))
	}
	if err != nil {
		return queue.Retry(fmt.Sprintf("read bot: %v", err))
	}

	userRef := domain.Reference("Bot", bot.ID)
	if bot.RunAsUser {
		if author := resourceAuthor(resource); author != "" {
			userRef = author
		}
	}
	membership, err := w.repo.FindMembership(ctx, bot.ProjectID, userRef)
	if err != nil {
		return w.retryDelivery(job, sub, fmt.Sprintf("resolve membership for %s: %v", userRef, err))
	}

	var input any = resource
	if data.Interaction == domain.InteractionDelete {
		input = map[string]any{"deletedResource": domain.Reference(data.ResourceType, data.ID)}
	}

	result, err := w.dispatcher.Execute(ctx, &bots.ExecutionRequest{
		Bot:          bot,
		RunAs:        membership,
		Input:        input,
		ContentType:  domain.ContentTypeFHIRJSON,
		Subscription: sub,
		TraceID:      data.TraceID,
		RequestTime:  data.RequestTime,
	})
	if err != nil {
		return queue.Fatal(fmt.Sprintf("dispatch bot: %v", err))
	}
	if !result.Success {
		return w.retryDelivery(job, sub, fmt.Sprintf("bot execution failed: %s", firstLine(result.LogResult)))
	}
	return queue.Ok()
}

// retryDelivery requests a retry while the subscription's attempt ceiling
// allows it, and otherwise finishes the job.
func (w *SubscriptionWorker) retryDelivery(job *queue.Job, sub *domain.Subscription, reason string) queue.JobResult {
	if job.Attempt+1 >= maxAttempts(sub) {
		w.metrics.CountWebhookDelivery("failure")
		w.log.Info("delivery attempts exhausted", "subscription", sub.ID, "attempts", job.Attempt+1, "reason", reason)
		return queue.Ok()
	}
	w.metrics.CountWebhookDelivery("retry")
	return queue.Retry(reason)
}

func (w *SubscriptionWorker) auditDelivery(ctx context.Context, sub *domain.Subscription, data *SubscriptionJobData, startTime time.Time, outcome domain.AuditOutcome, desc string) {
	err := w.recorder.Record(ctx, audit.Attempt{
		ProjectID: sub.ProjectID,
		AccountID: sub.AccountID,
		Observer:  domain.Reference("Subscription", sub.ID),
		Entities: []string{
			domain.Reference("Subscription", sub.ID),
			domain.Reference(data.ResourceType, data.ID),
		},
		StartTime:    startTime,
		Outcome:      outcome,
		OutcomeDesc:  desc,
		TraceID:      data.TraceID,
		Trigger:      sub.AuditTrigger,
		Destinations: sub.AuditDestinations,
	})
	if err != nil {
		w.log.Error("record delivery audit event failed", "subscription", sub.ID, "error", err)
	}
}

func resourceVersion(resource map[string]any) string {
	if meta, ok := resource["meta"].(map[string]any); ok {
		if v, ok := meta["versionId"].(string); ok {
			return v
		}
	}
	return ""
}

func resourceAuthor(resource map[string]any) string {
	if meta, ok := resource["meta"].(map[string]any); ok {
		if v, ok := meta["author"].(string); ok {
			return v
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
