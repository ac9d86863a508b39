package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue in memory with the same semantics as the
// Redis queue: backoff retries, keyed replacement, absorbed poison jobs.
// For tests and development.
type MemoryQueue struct {
	log  *slog.Logger
	opts Options

	mu      sync.Mutex
	ready   chan *Job
	keys    map[string]string
	pending int
}

// NewMemoryQueue constructs an in-memory queue.
func NewMemoryQueue(log *slog.Logger, opts Options) *MemoryQueue {
	opts = opts.withDefaults()
	return &MemoryQueue{
		log:   log.With("queue", opts.Name),
		opts:  opts,
		ready: make(chan *Job, 1024),
		keys:  make(map[string]string),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, payload any) error {
	return q.add("", payload, 0, 0)
}

func (q *MemoryQueue) EnqueueKeyed(_ context.Context, key string, payload any) error {
	return q.add(key, payload, 0, 0)
}

func (q *MemoryQueue) add(key string, payload any, attempt int, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	job := &Job{
		ID:         uuid.NewString(),
		Key:        key,
		Payload:    raw,
		Attempt:    attempt,
		EnqueuedAt: time.Now(),
	}
	q.mu.Lock()
	if key != "" {
		q.keys[key] = job.ID
	}
	q.pending++
	q.mu.Unlock()

	push := func() {
		select {
		case q.ready <- job:
		default:
			q.log.Error("queue full, job lost", "job", job.ID)
			q.mu.Lock()
			q.pending--
			q.mu.Unlock()
		}
	}
	if delay > 0 {
		time.AfterFunc(delay, push)
	} else {
		push()
	}
	return nil
}

func (q *MemoryQueue) Run(ctx context.Context, handler Handler) error {
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.ready:
					q.dispatch(ctx, handler, job)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *MemoryQueue) dispatch(ctx context.Context, handler Handler, job *Job) {
	q.mu.Lock()
	q.pending--
	superseded := job.Key != "" && q.keys[job.Key] != job.ID
	q.mu.Unlock()
	if superseded {
		q.log.Debug("dropping superseded keyed job", "key", job.Key, "job", job.ID)
		return
	}

	result := q.runHandler(ctx, handler, job)
	switch result.Disposition {
	case DispositionOk:
	case DispositionRetry:
		if job.Attempt+1 >= q.opts.MaxAttempts {
			q.log.Error("job exceeded attempt ceiling", "job", job.ID, "attempts", job.Attempt+1, "reason", result.Reason)
			return
		}
		var payload any = json.RawMessage(job.Payload)
		if err := q.add(job.Key, payload, job.Attempt+1, q.opts.backoff(job.Attempt+1)); err != nil {
			q.log.Error("requeue failed, job lost", "job", job.ID, "error", err)
		}
	case DispositionFatal:
		q.log.Error("job failed fatally", "job", job.ID, "reason", result.Reason)
	}
}

func (q *MemoryQueue) runHandler(ctx context.Context, handler Handler, job *Job) (result JobResult) {
	defer func() {
		if r := recover(); r != nil {
			result = Fatal(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}

// Len reports jobs enqueued but not yet handled. For tests.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}
