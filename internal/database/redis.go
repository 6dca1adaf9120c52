package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClients separates connection pools by usage: blocking BLPOP calls
// and long-lived subscriptions must not starve ordinary commands.
type RedisClients struct {
	Data   *redis.Client
	Queue  *redis.Client
	PubSub *redis.Client
}

func NewRedisClients(ctx context.Context, redisURL string) (*RedisClients, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clients := &RedisClients{}
	for _, target := range []struct {
		name   string
		client **redis.Client
	}{
		{"data", &clients.Data},
		{"queue", &clients.Queue},
		{"pubsub", &clients.PubSub},
	} {
		o := *opt
		c := redis.NewClient(&o)
		if err := c.Ping(ctx).Err(); err != nil {
			c.Close()
			clients.Close()
			return nil, fmt.Errorf("failed to ping Redis (%s): %w", target.name, err)
		}
		*target.client = c
	}

	return clients, nil
}

func (r *RedisClients) Close() {
	for _, c := range []*redis.Client{r.Data, r.Queue, r.PubSub} {
		if c != nil {
			c.Close()
		}
	}
}
