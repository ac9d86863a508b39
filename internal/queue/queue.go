// Package queue is the durable job queue boundary: at-least-once delivery,
// delayed retries with exponential backoff, and keyed replace-on-update for
// scheduled jobs.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one durable unit of work. A job is owned by exactly one worker
// goroutine per attempt; retries of the same job are strictly sequential.
type Job struct {
	ID         string          `json:"id"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Disposition tells the queue what to do with a finished attempt.
type Disposition int

const (
	// DispositionOk drops the job: it either succeeded or is terminally done.
	DispositionOk Disposition = iota
	// DispositionRetry reschedules the job with exponential backoff, up to
	// the queue's attempt ceiling.
	DispositionRetry
	// DispositionFatal drops the job and logs the reason. Never rescheduled.
	DispositionFatal
)

// JobResult is the explicit result contract returned by job handlers.
// Business logic never throws to signal retry or abort.
type JobResult struct {
	Disposition Disposition
	Reason      string
}

// Ok reports a finished job.
func Ok() JobResult { return JobResult{Disposition: DispositionOk} }

// Retry requests a rescheduled attempt.
func Retry(reason string) JobResult {
	return JobResult{Disposition: DispositionRetry, Reason: reason}
}

// Fatal drops the job without retry.
func Fatal(reason string) JobResult {
	return JobResult{Disposition: DispositionFatal, Reason: reason}
}

// Handler processes one job attempt. It must not panic; the worker loop
// converts panics into fatal results to keep queue health stable.
type Handler func(ctx context.Context, job *Job) JobResult

// Queue is one named durable queue.
type Queue interface {
	// Enqueue adds a job. Fails loudly: callers treat an enqueue error as
	// aborting the triggering event.
	Enqueue(ctx context.Context, payload any) error

	// EnqueueKeyed adds a job with a stable key, replacing any pending job
	// with the same key. Used by the scheduler for re-queue-on-update.
	EnqueueKeyed(ctx context.Context, key string, payload any) error

	// Run consumes jobs until ctx is cancelled. Blocks.
	Run(ctx context.Context, handler Handler) error
}

// Options configures a queue instance.
type Options struct {
	Name string

	// MaxAttempts is the queue-level safety ceiling, independent of any
	// per-subscription attempt limit enforced by handlers.
	MaxAttempts int

	// BackoffBase is the first retry delay; attempt n waits base * 2^n.
	BackoffBase time.Duration

	// ReclaimAfter is how long a claimed job may sit in processing before it
	// is returned to the ready list. Must exceed the longest handler run.
	ReclaimAfter time.Duration

	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		// 1 second * 2^18 is about 73 hours of backoff.
		o.MaxAttempts = 18
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.ReclaimAfter <= 0 {
		o.ReclaimAfter = 5 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	return o
}

// backoff returns the delay before the given attempt number runs.
func (o Options) backoff(attempt int) time.Duration {
	d := o.BackoffBase
	for i := 0; i < attempt && d < time.Hour; i++ {
		d *= 2
	}
	return d
}
