//go:build integration

package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"carehooks/internal/platform/logger"
	platformredis "carehooks/internal/platform/redis"
	"carehooks/internal/queue"
)

type RedisQueueSuite struct {
	suite.Suite
	container *tcredis.RedisContainer
	client    *platformredis.Client
}

func TestRedisQueueSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisQueueSuite))
}

func (s *RedisQueueSuite) SetupSuite() {
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	s.Require().NoError(err)
	s.container = container

	url, err := container.ConnectionString(ctx)
	s.Require().NoError(err)

	s.client, err = platformredis.New(url)
	s.Require().NoError(err)
}

func (s *RedisQueueSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
	if s.container != nil {
		_ = s.container.Terminate(context.Background())
	}
}

func (s *RedisQueueSuite) SetupTest() {
	s.Require().NoError(s.client.FlushAll(context.Background()).Err())
}

func (s *RedisQueueSuite) newQueue(name string, opts queue.Options) *queue.RedisQueue {
	opts.Name = name
	return queue.NewRedisQueue(s.client, logger.Discard(), opts)
}

func (s *RedisQueueSuite) TestDeliversJob() {
	q := s.newQueue("deliver", queue.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.Require().NoError(q.Enqueue(ctx, map[string]string{"k": "v"}))

	payloads := make(chan string, 1)
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job *queue.Job) queue.JobResult {
			payloads <- string(job.Payload)
			return queue.Ok()
		})
	}()

	select {
	case p := <-payloads:
		s.JSONEq(`{"k":"v"}`, p)
	case <-ctx.Done():
		s.Fail("job was not delivered")
	}
}

func (s *RedisQueueSuite) TestRetryPromotion() {
	q := s.newQueue("retry", queue.Options{BackoffBase: 100 * time.Millisecond, MaxAttempts: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.Require().NoError(q.Enqueue(ctx, "payload"))

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job *queue.Job) queue.JobResult {
			mu.Lock()
			attempts = append(attempts, job.Attempt)
			n := len(attempts)
			mu.Unlock()
			if n < 3 {
				return queue.Retry("again")
			}
			close(done)
			return queue.Ok()
		})
	}()

	select {
	case <-done:
		mu.Lock()
		defer mu.Unlock()
		s.Equal([]int{0, 1, 2}, attempts)
	case <-ctx.Done():
		s.Fail("retries did not complete")
	}
}

func (s *RedisQueueSuite) TestKeyedReplacement() {
	q := s.newQueue("keyed", queue.Options{Concurrency: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.Require().NoError(q.EnqueueKeyed(ctx, "bot:1", "old"))
	s.Require().NoError(q.EnqueueKeyed(ctx, "bot:1", "new"))

	payloads := make(chan string, 2)
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job *queue.Job) queue.JobResult {
			payloads <- string(job.Payload)
			return queue.Ok()
		})
	}()

	select {
	case p := <-payloads:
		s.Equal(`"new"`, p)
	case <-ctx.Done():
		s.Fail("keyed job was not delivered")
	}

	// The superseded job must not surface.
	select {
	case p := <-payloads:
		s.Failf("unexpected second delivery", "payload %s", p)
	case <-time.After(2 * time.Second):
	}
}

func (s *RedisQueueSuite) TestSettledJobLeavesNoResidue() {
	q := s.newQueue("settle", queue.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.Require().NoError(q.Enqueue(ctx, "payload"))

	handled := make(chan struct{}, 1)
	go func() {
		_ = q.Run(ctx, func(_ context.Context, _ *queue.Job) queue.JobResult {
			handled <- struct{}{}
			return queue.Ok()
		})
	}()

	select {
	case <-handled:
	case <-ctx.Done():
		s.FailNow("job was not handled")
	}

	s.Eventually(func() bool {
		processing, err := s.client.LLen(ctx, "carehooks:queue:settle:processing").Result()
		if err != nil {
			return false
		}
		claims, err := s.client.ZCard(ctx, "carehooks:queue:settle:claims").Result()
		if err != nil {
			return false
		}
		return processing == 0 && claims == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func (s *RedisQueueSuite) TestReclaimsStaleProcessingJob() {
	q := s.newQueue("reclaim", queue.Options{ReclaimAfter: 500 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// A worker that died mid-job leaves the claimed entry behind.
	job := queue.Job{ID: "orphan-1", Payload: json.RawMessage(`"payload"`), EnqueuedAt: time.Now()}
	data, err := json.Marshal(job)
	s.Require().NoError(err)
	s.Require().NoError(s.client.LPush(ctx, "carehooks:queue:reclaim:processing", data).Err())
	s.Require().NoError(s.client.ZAdd(ctx, "carehooks:queue:reclaim:claims", goredis.Z{
		Score:  float64(time.Now().Add(-time.Minute).UnixMilli()),
		Member: string(data),
	}).Err())

	payloads := make(chan string, 1)
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job *queue.Job) queue.JobResult {
			payloads <- string(job.Payload)
			return queue.Ok()
		})
	}()

	select {
	case p := <-payloads:
		s.Equal(`"payload"`, p)
	case <-ctx.Done():
		s.Fail("stale job was not redelivered")
	}
}

func (s *RedisQueueSuite) TestAdoptsUnclaimedProcessingJob() {
	q := s.newQueue("adopt", queue.Options{ReclaimAfter: 500 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// A crash between the move to processing and the claim write leaves an
	// entry with no claim timestamp; the reaper adopts and later reclaims it.
	job := queue.Job{ID: "orphan-2", Payload: json.RawMessage(`"adopted"`), EnqueuedAt: time.Now()}
	data, err := json.Marshal(job)
	s.Require().NoError(err)
	s.Require().NoError(s.client.LPush(ctx, "carehooks:queue:adopt:processing", data).Err())

	payloads := make(chan string, 1)
	go func() {
		_ = q.Run(ctx, func(_ context.Context, job *queue.Job) queue.JobResult {
			payloads <- string(job.Payload)
			return queue.Ok()
		})
	}()

	select {
	case p := <-payloads:
		s.Equal(`"adopted"`, p)
	case <-ctx.Done():
		s.Fail("unclaimed job was not redelivered")
	}
}

func (s *RedisQueueSuite) TestRequestResponseOverPubSub() {
	ps := queue.NewRedisPubSub(s.client)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		_ = ps.Serve(ctx, "itest:echo", func(payload []byte) []byte {
			return append([]byte("echo:"), payload...)
		})
	}()
	time.Sleep(200 * time.Millisecond)

	resp, err := ps.Request(ctx, "itest:echo", []byte("hi"), 5*time.Second)
	s.Require().NoError(err)
	s.Equal("echo:hi", string(resp))
}
