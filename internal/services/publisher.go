package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"chattest-backend/internal/models"
)

// SessionChannel is the pub/sub channel carrying events of one session.
func SessionChannel(sessionID string) string {
	return fmt.Sprintf("session_updates:%s", sessionID)
}

type RedisPublisher struct {
	redis *redis.Client
}

func NewRedisPublisher(redisClient *redis.Client) *RedisPublisher {
	return &RedisPublisher{redis: redisClient}
}

func (p *RedisPublisher) Publish(ctx context.Context, sessionID string, msg models.WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", msg.Type, err)
	}
	return p.redis.Publish(ctx, SessionChannel(sessionID), string(data)).Err()
}
