package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"carehooks/internal/platform/logger"
)

type MemoryQueueSuite struct {
	suite.Suite
}

func TestMemoryQueueSuite(t *testing.T) {
	suite.Run(t, new(MemoryQueueSuite))
}

func (s *MemoryQueueSuite) newQueue(opts Options) *MemoryQueue {
	if opts.Name == "" {
		opts.Name = "test"
	}
	return NewMemoryQueue(logger.Discard(), opts)
}

// runUntil consumes jobs until done is signalled or the deadline passes.
func (s *MemoryQueueSuite) runUntil(q *MemoryQueue, handler Handler, done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
		}
		cancel()
	}()
	_ = q.Run(ctx, handler)
}

func (s *MemoryQueueSuite) TestDeliversJob() {
	q := s.newQueue(Options{})
	done := make(chan struct{})

	var got atomic.Value
	s.Require().NoError(q.Enqueue(context.Background(), map[string]string{"k": "v"}))

	s.runUntil(q, func(_ context.Context, job *Job) JobResult {
		got.Store(string(job.Payload))
		close(done)
		return Ok()
	}, done)

	s.JSONEq(`{"k":"v"}`, got.Load().(string))
}

func (s *MemoryQueueSuite) TestRetryWithBackoff() {
	q := s.newQueue(Options{BackoffBase: 10 * time.Millisecond, MaxAttempts: 5})
	done := make(chan struct{})

	var attempts []int
	var mu sync.Mutex
	s.Require().NoError(q.Enqueue(context.Background(), "payload"))

	s.runUntil(q, func(_ context.Context, job *Job) JobResult {
		mu.Lock()
		attempts = append(attempts, job.Attempt)
		n := len(attempts)
		mu.Unlock()
		if n < 3 {
			return Retry("not yet")
		}
		close(done)
		return Ok()
	}, done)

	s.Equal([]int{0, 1, 2}, attempts)
}

func (s *MemoryQueueSuite) TestAttemptCeilingAbsorbs() {
	q := s.newQueue(Options{BackoffBase: time.Millisecond, MaxAttempts: 3})

	var count atomic.Int32
	s.Require().NoError(q.Enqueue(context.Background(), "poison"))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = q.Run(ctx, func(_ context.Context, job *Job) JobResult {
		count.Add(1)
		return Retry("always fails")
	})

	// Attempts 0, 1, 2; attempt 2 hits the ceiling and is absorbed.
	s.Equal(int32(3), count.Load())
}

func (s *MemoryQueueSuite) TestFatalDropsImmediately() {
	q := s.newQueue(Options{BackoffBase: time.Millisecond, MaxAttempts: 5})

	var count atomic.Int32
	s.Require().NoError(q.Enqueue(context.Background(), "bad"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = q.Run(ctx, func(_ context.Context, job *Job) JobResult {
		count.Add(1)
		return Fatal("unrecoverable")
	})

	s.Equal(int32(1), count.Load())
}

func (s *MemoryQueueSuite) TestPanicBecomesFatal() {
	q := s.newQueue(Options{BackoffBase: time.Millisecond, MaxAttempts: 5})

	var count atomic.Int32
	s.Require().NoError(q.Enqueue(context.Background(), "boom"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = q.Run(ctx, func(_ context.Context, job *Job) JobResult {
		count.Add(1)
		panic("handler bug")
	})

	// A panicking handler is treated as fatal, not retried.
	s.Equal(int32(1), count.Load())
}

func (s *MemoryQueueSuite) TestKeyedReplacement() {
	q := s.newQueue(Options{Concurrency: 1})
	ctx := context.Background()

	s.Require().NoError(q.EnqueueKeyed(ctx, "bot:1", "old"))
	s.Require().NoError(q.EnqueueKeyed(ctx, "bot:1", "new"))

	done := make(chan struct{})
	var payloads []string
	var mu sync.Mutex
	s.runUntil(q, func(_ context.Context, job *Job) JobResult {
		mu.Lock()
		payloads = append(payloads, string(job.Payload))
		n := len(payloads)
		mu.Unlock()
		if n == 1 {
			close(done)
		}
		return Ok()
	}, done)

	// The superseded job is dropped on pop; only the replacement runs.
	mu.Lock()
	defer mu.Unlock()
	s.Equal([]string{`"new"`}, payloads)
}

func (s *MemoryQueueSuite) TestBackoffDoubles() {
	opts := Options{BackoffBase: time.Second}.withDefaults()
	s.Equal(time.Second, opts.backoff(0))
	s.Equal(2*time.Second, opts.backoff(1))
	s.Equal(4*time.Second, opts.backoff(2))
	s.Equal(8*time.Second, opts.backoff(3))
}

func (s *MemoryQueueSuite) TestBackoffCapped() {
	opts := Options{BackoffBase: time.Second}.withDefaults()
	s.LessOrEqual(opts.backoff(30), 2*time.Hour)
}
