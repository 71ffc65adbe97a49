// Package messaging provides message queue adapters.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"priority_server/core/domain"
	"priority_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

// 스트림 최대 길이 (approximate trim)
const defaultStreamMaxLen = 100000

// RedisProducer implements out.MessageProducer and out.OutcomeSink using Redis Streams.
type RedisProducer struct {
	client *redis.Client
	maxLen int64
}

// NewRedisProducer creates a new RedisProducer.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client, maxLen: defaultStreamMaxLen}
}

// Publish publishes a job to an arbitrary stream.
func (p *RedisProducer) Publish(ctx context.Context, stream string, job any) error {
	return p.publish(ctx, stream, job)
}

// PublishInbound enqueues a message for scoring and dispatch.
func (p *RedisProducer) PublishInbound(ctx context.Context, msg *domain.InboundMessage) error {
	return p.publish(ctx, out.StreamInbound, msg)
}

// PublishFeedback enqueues a feedback event for the learner.
func (p *RedisProducer) PublishFeedback(ctx context.Context, fb *domain.Feedback) error {
	return p.publish(ctx, out.StreamFeedback, fb)
}

// PublishOutcome publishes a dispatch outcome for downstream consumers.
func (p *RedisProducer) PublishOutcome(ctx context.Context, outcome *domain.DispatchOutcome) error {
	return p.publish(ctx, out.StreamOutcomes, outcome)
}

// publish publishes a job to a stream using go-redis.
func (p *RedisProducer) publish(ctx context.Context, stream string, job any) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}

	return nil
}

var (
	_ out.MessageProducer = (*RedisProducer)(nil)
	_ out.OutcomeSink     = (*RedisProducer)(nil)
)
