// Package core provides the shared infrastructure of the intent gateway:
// configuration, logging, errors, middleware, and collaborator interfaces.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient wraps go-redis with key namespacing for the gateway's
// distributed state (quota counters).
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15)
	Namespace string // Key namespace to prevent collisions
	Logger    Logger // Optional logger
}

// NewRedisClient creates a new Redis client with the given options.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
				"error":     err.Error(),
				"redis_url": opts.RedisURL,
			})
		}
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	logger := opts.Logger
	if logger == nil {
		logger = &NoOpLogger{}
	}

	return &RedisClient{
		client:    client,
		namespace: opts.Namespace,
		logger:    logger,
	}, nil
}

// Key returns the namespaced form of a key.
func (r *RedisClient) Key(parts ...string) string {
	key := r.namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Client exposes the underlying go-redis client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// HealthCheck verifies the Redis connection with a ping.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logger.Error("Redis health check failed", map[string]interface{}{
			"operation": "redis_health_check",
			"error":     err.Error(),
		})
		return fmt.Errorf("redis ping: %w", ErrConnectionFailed)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
