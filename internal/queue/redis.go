package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	platformredis "carehooks/internal/platform/redis"
)

// RedisQueue is a durable queue on Redis: a list of ready jobs, a list of
// claimed jobs being processed, a sorted set of delayed jobs scored by ready
// time, a sorted set of claim timestamps, and a hash tracking the live job id
// for each key (stale keyed jobs are dropped when popped).
//
// A worker claims a job by moving it from ready to processing and removes it
// from processing only once the attempt is settled. A reaper returns claims
// older than ReclaimAfter to the ready list, so a worker that dies mid-job
// forfeits the claim instead of the delivery.
type RedisQueue struct {
	client *platformredis.Client
	log    *slog.Logger
	opts   Options

	readyKey      string
	processingKey string
	delayedKey    string
	claimsKey     string
	keysKey       string
}

// NewRedisQueue constructs a queue named opts.Name on the given client.
func NewRedisQueue(client *platformredis.Client, log *slog.Logger, opts Options) *RedisQueue {
	opts = opts.withDefaults()
	prefix := "carehooks:queue:" + opts.Name
	return &RedisQueue{
		client:        client,
		log:           log.With("queue", opts.Name),
		opts:          opts,
		readyKey:      prefix + ":ready",
		processingKey: prefix + ":processing",
		delayedKey:    prefix + ":delayed",
		claimsKey:     prefix + ":claims",
		keysKey:       prefix + ":keys",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload any) error {
	return q.add(ctx, "", payload, 0)
}

func (q *RedisQueue) EnqueueKeyed(ctx context.Context, key string, payload any) error {
	return q.add(ctx, key, payload, 0)
}

func (q *RedisQueue) add(ctx context.Context, key string, payload any, attempt int) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	job := Job{
		ID:         uuid.NewString(),
		Key:        key,
		Payload:    raw,
		Attempt:    attempt,
		EnqueuedAt: time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	pipe := q.client.TxPipeline()
	if key != "" {
		// Replace any pending job for the same key: the old job is dropped
		// when popped because its id no longer matches.
		pipe.HSet(ctx, q.keysKey, key, job.ID)
	}
	pipe.LPush(ctx, q.readyKey, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// requeue schedules a retry attempt with backoff.
func (q *RedisQueue) requeue(ctx context.Context, job *Job) error {
	job.Attempt++
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	readyAt := time.Now().Add(q.opts.backoff(job.Attempt))
	if err := q.client.ZAdd(ctx, q.delayedKey, goredis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: data,
	}).Err(); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// promoteDue moves delayed jobs whose ready time has passed onto the ready list.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey, &goredis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range due {
		// ZRem returning 0 means another worker already promoted it.
		removed, err := q.client.ZRem(ctx, q.delayedKey, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// reclaimStale returns claims older than ReclaimAfter to the ready list and
// adopts processing entries that have no claim timestamp, so an entry left
// behind by a crash between the move and the claim is still reaped.
func (q *RedisQueue) reclaimStale(ctx context.Context) error {
	now := time.Now().UnixMilli()
	cutoff := strconv.FormatInt(now-q.opts.ReclaimAfter.Milliseconds(), 10)
	stale, err := q.client.ZRangeByScore(ctx, q.claimsKey, &goredis.ZRangeBy{
		Min: "-inf", Max: cutoff, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range stale {
		// LRem returning 0 means the owner settled the job after all.
		removed, err := q.client.LRem(ctx, q.processingKey, 1, member).Result()
		if err != nil {
			return err
		}
		if err := q.client.ZRem(ctx, q.claimsKey, member).Err(); err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		q.log.Warn("reclaiming stale job")
		if err := q.client.LPush(ctx, q.readyKey, member).Err(); err != nil {
			return err
		}
	}

	orphans, err := q.client.LRange(ctx, q.processingKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, member := range orphans {
		err := q.client.ZScore(ctx, q.claimsKey, member).Err()
		if errors.Is(err, goredis.Nil) {
			if err := q.client.ZAdd(ctx, q.claimsKey, goredis.Z{
				Score:  float64(now),
				Member: member,
			}).Err(); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Run(ctx context.Context, handler Handler) error {
	for i := 0; i < q.opts.Concurrency; i++ {
		go q.consume(ctx, handler)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.log.Warn("promote delayed jobs failed", "error", err)
			}
			if err := q.reclaimStale(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.log.Warn("reclaim stale jobs failed", "error", err)
			}
		}
	}
}

func (q *RedisQueue) consume(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		data, err := q.client.BLMove(ctx, q.readyKey, q.processingKey, "RIGHT", "LEFT", 2*time.Second).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.log.Warn("queue pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if err := q.client.ZAdd(ctx, q.claimsKey, goredis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: data,
		}).Err(); err != nil {
			// The reaper adopts unclaimed processing entries.
			q.log.Warn("record job claim failed", "error", err)
		}
		q.dispatch(ctx, handler, data)
	}
}

// settle removes a claimed job from the processing list. Called only once the
// attempt needs no further delivery; anything left in processing is
// eventually returned to ready by the reaper.
func (q *RedisQueue) settle(ctx context.Context, data string) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey, 1, data)
	pipe.ZRem(ctx, q.claimsKey, data)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Warn("settle job failed, it will be redelivered", "error", err)
	}
}

func (q *RedisQueue) dispatch(ctx context.Context, handler Handler, data string) {
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		q.log.Error("discarding undecodable job", "error", err)
		q.settle(ctx, data)
		return
	}

	if job.Key != "" {
		current, err := q.client.HGet(ctx, q.keysKey, job.Key).Result()
		if err == nil && current != job.ID {
			q.log.Debug("dropping superseded keyed job", "key", job.Key, "job", job.ID)
			q.settle(ctx, data)
			return
		}
	}

	result := q.runHandler(ctx, handler, &job)
	switch result.Disposition {
	case DispositionOk:
		q.settle(ctx, data)
	case DispositionRetry:
		if job.Attempt+1 >= q.opts.MaxAttempts {
			// Absorb instead of propagating: poison jobs must not loop.
			q.log.Error("job exceeded attempt ceiling", "job", job.ID, "attempts", job.Attempt+1, "reason", result.Reason)
			q.settle(ctx, data)
			return
		}
		if err := q.requeue(ctx, &job); err != nil {
			// Leave the claim in place: the reaper redelivers the original
			// attempt rather than losing the job.
			q.log.Error("requeue failed, keeping claim for redelivery", "job", job.ID, "error", err)
			return
		}
		q.settle(ctx, data)
	case DispositionFatal:
		q.log.Error("job failed fatally", "job", job.ID, "reason", result.Reason)
		q.settle(ctx, data)
	}
}

func (q *RedisQueue) runHandler(ctx context.Context, handler Handler, job *Job) (result JobResult) {
	defer func() {
		if r := recover(); r != nil {
			result = Fatal(fmt.Sprintf("handler panic: %v", r))
		}
	}()
	return handler(ctx, job)
}
