package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisHealthCheck implements ports.HealthChecker for the Redis broker.
type RedisHealthCheck struct {
	client *redis.Client
}

// NewRedisHealthCheck creates a Redis health checker.
func NewRedisHealthCheck(client *redis.Client) *RedisHealthCheck {
	return &RedisHealthCheck{client: client}
}

// Ping checks Redis connectivity.
func (h *RedisHealthCheck) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Name returns the dependency name.
func (h *RedisHealthCheck) Name() string {
	return "redis"
}
