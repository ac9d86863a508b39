// Package audit builds and persists audit records for execution attempts.
// Records are immutable once constructed and an attempt is made for every
// execution regardless of outcome; the trigger policy decides whether the
// attempt produces output.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"carehooks/internal/domain"
	"carehooks/internal/repo"
)

// Attempt describes one finished execution attempt.
type Attempt struct {
	ProjectID   string
	AccountID   string
	Observer    string // reference of the bot or subscription that ran
	Entities    []string
	StartTime   time.Time
	Outcome     domain.AuditOutcome
	OutcomeDesc string
	TraceID     string

	// Trigger and Destinations come from the bot's or subscription's
	// configuration. Zero values mean "always" and ["resource"].
	Trigger      domain.AuditTrigger
	Destinations []domain.AuditDestination
}

// Recorder writes audit records to the configured destinations, each with
// its own outcome-text truncation limit.
type Recorder struct {
	repo   repo.Repository
	log    *slog.Logger
	stream *StreamSink // optional, mirrors every recorded event

	maxDescForResource int
	maxDescForLogs     int
}

// NewRecorder constructs a Recorder. stream may be nil.
func NewRecorder(r repo.Repository, log *slog.Logger, stream *StreamSink, maxDescForResource, maxDescForLogs int) *Recorder {
	if maxDescForResource <= 0 {
		maxDescForResource = 10 * 1024
	}
	if maxDescForLogs <= 0 {
		maxDescForLogs = 10 * 1024
	}
	return &Recorder{
		repo:               r,
		log:                log,
		stream:             stream,
		maxDescForResource: maxDescForResource,
		maxDescForLogs:     maxDescForLogs,
	}
}

// Record applies the trigger policy and writes one record per destination.
func (r *Recorder) Record(ctx context.Context, attempt Attempt) error {
	trigger := attempt.Trigger
	if trigger == "" {
		trigger = domain.AuditAlways
	}
	if trigger == domain.AuditNever ||
		(trigger == domain.AuditOnError && attempt.Outcome == domain.OutcomeSuccess) ||
		(trigger == domain.AuditOnOutput && attempt.OutcomeDesc == "") {
		return nil
	}

	now := time.Now()
	event := domain.AuditEvent{
		ID:          uuid.NewString(),
		ProjectID:   attempt.ProjectID,
		AccountID:   attempt.AccountID,
		PeriodStart: attempt.StartTime,
		PeriodEnd:   now,
		Recorded:    now,
		Outcome:     attempt.Outcome,
		Observer:    attempt.Observer,
		Entities:    attempt.Entities,
		TraceID:     attempt.TraceID,
	}

	destinations := attempt.Destinations
	if len(destinations) == 0 {
		destinations = []domain.AuditDestination{domain.AuditDestinationResource}
	}

	var firstErr error
	for _, dest := range destinations {
		switch dest {
		case domain.AuditDestinationResource:
			persisted := event
			persisted.OutcomeDesc = truncateTail(attempt.OutcomeDesc, r.maxDescForResource)
			if err := r.repo.CreateAuditEvent(ctx, &persisted); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("persist audit event: %w", err)
			}
		case domain.AuditDestinationLog:
			r.log.Info("audit event",
				"project", event.ProjectID,
				"observer", event.Observer,
				"outcome", int(event.Outcome),
				"outcomeDesc", truncateTail(attempt.OutcomeDesc, r.maxDescForLogs),
				"periodStart", event.PeriodStart,
				"periodEnd", event.PeriodEnd,
				"traceId", event.TraceID,
			)
		}
	}

	if r.stream != nil {
		streamed := event
		streamed.OutcomeDesc = truncateTail(attempt.OutcomeDesc, r.maxDescForLogs)
		r.stream.Publish(ctx, &streamed)
	}

	return firstErr
}

// truncateTail keeps the most recent output when the text exceeds max.
func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
