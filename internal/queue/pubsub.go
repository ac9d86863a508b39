package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	platformredis "carehooks/internal/platform/redis"
	"carehooks/pkg/platform/sentinel"
)

// PubSub is the publish/subscribe channel used by remote agent-style
// execution paths to request and await a correlated response with a timeout.
type PubSub interface {
	// Request publishes payload on subject and waits for one correlated
	// response. Returns sentinel.ErrUnavailable on timeout. Cleanup of the
	// reply subscription runs on both success and timeout.
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)

	// Serve answers requests on subject with fn until ctx is cancelled.
	Serve(ctx context.Context, subject string, fn func([]byte) []byte) error
}

type pubsubEnvelope struct {
	ReplyTo string          `json:"replyTo"`
	Payload json.RawMessage `json:"payload"`
}

// RedisPubSub implements PubSub over Redis channels.
type RedisPubSub struct {
	client *platformredis.Client
}

// NewRedisPubSub constructs a Redis-backed PubSub.
func NewRedisPubSub(client *platformredis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

func (p *RedisPubSub) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replyTo := "carehooks:reply:" + uuid.NewString()
	sub := p.client.Subscribe(ctx, replyTo)
	defer sub.Close()

	// Confirm the subscription is live before publishing, or the response
	// can race past us.
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe reply channel: %w", err)
	}

	env, err := json.Marshal(pubsubEnvelope{ReplyTo: replyTo, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := p.client.Publish(ctx, subject, env).Err(); err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("await response on %s: %w", subject, sentinel.ErrUnavailable)
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, fmt.Errorf("reply channel closed: %w", sentinel.ErrUnavailable)
		}
		return []byte(msg.Payload), nil
	}
}

func (p *RedisPubSub) Serve(ctx context.Context, subject string, fn func([]byte) []byte) error {
	sub := p.client.Subscribe(ctx, subject)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription closed: %w", sentinel.ErrUnavailable)
			}
			var env pubsubEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			response := fn(env.Payload)
			if env.ReplyTo != "" {
				_ = p.client.Publish(ctx, env.ReplyTo, response).Err()
			}
		}
	}
}

// MemoryPubSub implements PubSub in-process for tests.
type MemoryPubSub struct {
	mu       sync.RWMutex
	channels map[string][]chan []byte
}

// NewMemoryPubSub constructs an in-memory PubSub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{channels: make(map[string][]chan []byte)}
}

func (p *MemoryPubSub) subscribe(subject string) (<-chan []byte, func()) {
	ch := make(chan []byte, 8)
	p.mu.Lock()
	p.channels[subject] = append(p.channels[subject], ch)
	p.mu.Unlock()
	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.channels[subject]
		for i, c := range subs {
			if c == ch {
				p.channels[subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (p *MemoryPubSub) publish(subject string, data []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.channels[subject] {
		select {
		case ch <- data:
		default:
		}
	}
}

func (p *MemoryPubSub) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replyTo := "reply:" + uuid.NewString()
	ch, unsubscribe := p.subscribe(replyTo)
	defer unsubscribe()

	env, err := json.Marshal(pubsubEnvelope{ReplyTo: replyTo, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	p.publish(subject, env)

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("await response on %s: %w", subject, sentinel.ErrUnavailable)
	case response := <-ch:
		return response, nil
	}
}

func (p *MemoryPubSub) Serve(ctx context.Context, subject string, fn func([]byte) []byte) error {
	ch, unsubscribe := p.subscribe(subject)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-ch:
			var env pubsubEnvelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			response := fn(env.Payload)
			if env.ReplyTo != "" {
				p.publish(env.ReplyTo, response)
			}
		}
	}
}
