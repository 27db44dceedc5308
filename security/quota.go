package security

import (
	"context"
	"sync"
	"time"

	"github.com/intentgate/intentgate/core"
)

// QuotaDecision is the outcome of one quota check.
type QuotaDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// QuotaKeeper admits or refuses requests against a per-user daily budget.
// The counter increments only on allowed admissions.
type QuotaKeeper interface {
	Check(ctx context.Context, userID string) QuotaDecision
	Reset(userID string)
}

// quotaBucket is one user's daily window. Guarded by its own mutex so
// users never contend with each other.
type quotaBucket struct {
	mu      sync.Mutex
	used    int
	resetAt time.Time
}

// MemoryQuota is the in-process quota keeper: one rolling 24h bucket per
// user in a concurrent map.
type MemoryQuota struct {
	dailyLimit int
	buckets    sync.Map // map[string]*quotaBucket
	logger     core.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewMemoryQuota creates an in-process quota keeper.
func NewMemoryQuota(dailyLimit int, logger core.Logger) *MemoryQuota {
	if dailyLimit <= 0 {
		dailyLimit = 1000
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &MemoryQuota{
		dailyLimit: dailyLimit,
		logger:     logger,
		now:        time.Now,
	}
}

// Check admits the request if the user is under budget, incrementing the
// counter; otherwise refuses with a retry-after hint bounded below by 1s.
func (q *MemoryQuota) Check(ctx context.Context, userID string) QuotaDecision {
	b, _ := q.buckets.LoadOrStore(userID, &quotaBucket{})
	bucket := b.(*quotaBucket)

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	now := q.now()
	if bucket.resetAt.IsZero() || !now.Before(bucket.resetAt) {
		bucket.used = 0
		bucket.resetAt = now.Add(24 * time.Hour)
	}

	decision := QuotaDecision{
		Limit:   q.dailyLimit,
		ResetAt: bucket.resetAt,
	}

	if bucket.used >= q.dailyLimit {
		retryAfter := bucket.resetAt.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		decision.RetryAfter = retryAfter
		q.logger.Warn("Quota exceeded", map[string]interface{}{
			"operation":   "quota_check",
			"user_id":     userID,
			"daily_limit": q.dailyLimit,
		})
		return decision
	}

	bucket.used++
	decision.Allowed = true
	decision.Remaining = q.dailyLimit - bucket.used
	return decision
}

// Reset clears a user's window.
func (q *MemoryQuota) Reset(userID string) {
	q.buckets.Delete(userID)
}

// NoOpQuota admits everything. Used when rate limiting is disabled.
type NoOpQuota struct {
	limit int
}

// NewNoOpQuota creates a quota keeper that never refuses.
func NewNoOpQuota(limit int) *NoOpQuota {
	return &NoOpQuota{limit: limit}
}

func (q *NoOpQuota) Check(ctx context.Context, userID string) QuotaDecision {
	return QuotaDecision{Allowed: true, Limit: q.limit, Remaining: q.limit}
}

func (q *NoOpQuota) Reset(userID string) {}
