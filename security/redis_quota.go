package security

import (
	"context"
	"time"

	"github.com/intentgate/intentgate/core"
)

// RedisQuota enforces the daily budget against Redis so a multi-replica
// deployment shares one counter per user. Every backend error falls back
// to the in-process keeper for that call, so Redis downtime degrades to
// per-replica limiting instead of refusing traffic.
type RedisQuota struct {
	redis      *core.RedisClient
	fallback   QuotaKeeper
	dailyLimit int
	logger     core.Logger
}

// NewRedisQuota creates a Redis-backed quota keeper with an in-process
// fallback.
func NewRedisQuota(redis *core.RedisClient, dailyLimit int, fallback QuotaKeeper, logger core.Logger) *RedisQuota {
	if dailyLimit <= 0 {
		dailyLimit = 1000
	}
	if fallback == nil {
		fallback = NewMemoryQuota(dailyLimit, logger)
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisQuota{
		redis:      redis,
		fallback:   fallback,
		dailyLimit: dailyLimit,
		logger:     logger,
	}
}

// Check increments the user's window counter and admits if within budget.
// An over-budget increment is rolled back so the counter only reflects
// allowed admissions.
func (q *RedisQuota) Check(ctx context.Context, userID string) QuotaDecision {
	client := q.redis.Client()
	key := q.redis.Key("quota", userID)

	used, err := client.Incr(ctx, key).Result()
	if err != nil {
		q.logger.Warn("Quota backend unavailable, using in-process fallback", map[string]interface{}{
			"operation": "quota_check",
			"user_id":   userID,
			"error":     err.Error(),
		})
		return q.fallback.Check(ctx, userID)
	}

	if used == 1 {
		if err := client.Expire(ctx, key, 24*time.Hour).Err(); err != nil {
			q.logger.Warn("Failed to set quota window expiry", map[string]interface{}{
				"operation": "quota_check",
				"user_id":   userID,
				"error":     err.Error(),
			})
		}
	}

	ttl, err := client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = 24 * time.Hour
	}
	resetAt := time.Now().Add(ttl)

	decision := QuotaDecision{
		Limit:   q.dailyLimit,
		ResetAt: resetAt,
	}

	if used > int64(q.dailyLimit) {
		// Roll the increment back; refused requests don't consume budget
		if err := client.Decr(ctx, key).Err(); err != nil {
			q.logger.Warn("Failed to roll back quota increment", map[string]interface{}{
				"operation": "quota_check",
				"user_id":   userID,
				"error":     err.Error(),
			})
		}
		retryAfter := ttl
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		decision.RetryAfter = retryAfter
		return decision
	}

	decision.Allowed = true
	decision.Remaining = q.dailyLimit - int(used)
	return decision
}

// Reset clears the user's window in Redis and the fallback keeper.
func (q *RedisQuota) Reset(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.redis.Client().Del(ctx, q.redis.Key("quota", userID)).Err(); err != nil {
		q.logger.Warn("Failed to reset quota key", map[string]interface{}{
			"operation": "quota_reset",
			"user_id":   userID,
			"error":     err.Error(),
		})
	}
	q.fallback.Reset(userID)
}
