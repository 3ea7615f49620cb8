package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-clinical/pkg/models"
)

// ChangePublisher forwards committed entity writes to downstream consumers.
// Publishing is best effort: the writes are already durable when it runs.
type ChangePublisher interface {
	Publish(ctx context.Context, changes []models.Change) error
}

type noopPublisher struct{}

// NewNoopPublisher returns a publisher that discards everything.
func NewNoopPublisher() ChangePublisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(context.Context, []models.Change) error { return nil }

type redisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisPublisher returns a publisher that appends one stream entry per
// change. A positive maxLen caps the stream length approximately.
func NewRedisPublisher(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) ChangePublisher {
	return &redisPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.Named("change-publisher"),
	}
}

var _ ChangePublisher = (*redisPublisher)(nil)

func (p *redisPublisher) Publish(ctx context.Context, changes []models.Change) error {
	if len(changes) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, change := range changes {
		entity, err := json.Marshal(change.Entity)
		if err != nil {
			return fmt.Errorf("failed to encode %s %s: %w", change.Family, change.EntityID, err)
		}
		args := &redis.XAddArgs{
			Stream: p.stream,
			Values: map[string]any{
				"family":    change.Family,
				"entity_id": change.EntityID.String(),
				"action":    change.Action,
				"entity":    string(entity),
			},
		}
		if p.maxLen > 0 {
			args.MaxLen = p.maxLen
			args.Approx = true
		}
		pipe.XAdd(ctx, args)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}

	p.logger.Debug("Published changes",
		zap.String("stream", p.stream),
		zap.Int("count", len(changes)))
	return nil
}
