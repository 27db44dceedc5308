package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentgate/intentgate/core"
)

func TestMemoryQuotaAllowsUnderLimit(t *testing.T) {
	q := NewMemoryQuota(3, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision := q.Check(ctx, "user-1")
		require.True(t, decision.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 3, decision.Limit)
		assert.Equal(t, 2-i, decision.Remaining)
	}
}

func TestMemoryQuotaRefusesOverLimit(t *testing.T) {
	q := NewMemoryQuota(2, nil)
	ctx := context.Background()

	q.Check(ctx, "user-1")
	q.Check(ctx, "user-1")
	decision := q.Check(ctx, "user-1")
	assert.False(t, decision.Allowed)
	assert.GreaterOrEqual(t, decision.RetryAfter, time.Second)
	assert.LessOrEqual(t, decision.RetryAfter, 24*time.Hour)
}

func TestMemoryQuotaRefusalDoesNotConsume(t *testing.T) {
	q := NewMemoryQuota(1, nil)
	ctx := context.Background()

	require.True(t, q.Check(ctx, "user-1").Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, q.Check(ctx, "user-1").Allowed)
	}
	q.Reset("user-1")
	assert.True(t, q.Check(ctx, "user-1").Allowed, "reset should restore the budget")
}

func TestMemoryQuotaUsersAreIndependent(t *testing.T) {
	q := NewMemoryQuota(1, nil)
	ctx := context.Background()

	require.True(t, q.Check(ctx, "user-1").Allowed)
	assert.False(t, q.Check(ctx, "user-1").Allowed)
	assert.True(t, q.Check(ctx, "user-2").Allowed)
}

func TestMemoryQuotaWindowRollsOver(t *testing.T) {
	q := NewMemoryQuota(1, nil)
	now := time.Now()
	q.now = func() time.Time { return now }
	ctx := context.Background()

	require.True(t, q.Check(ctx, "user-1").Allowed)
	require.False(t, q.Check(ctx, "user-1").Allowed)

	now = now.Add(25 * time.Hour)
	assert.True(t, q.Check(ctx, "user-1").Allowed)
}

func newRedisQuota(t *testing.T, limit int) (*RedisQuota, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		Namespace: "test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewRedisQuota(client, limit, NewMemoryQuota(limit, nil), nil), mr
}

func TestRedisQuotaAllowsAndCounts(t *testing.T) {
	q, _ := newRedisQuota(t, 2)
	ctx := context.Background()

	first := q.Check(ctx, "user-1")
	require.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	second := q.Check(ctx, "user-1")
	require.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	third := q.Check(ctx, "user-1")
	assert.False(t, third.Allowed)
	assert.GreaterOrEqual(t, third.RetryAfter, time.Second)
}

func TestRedisQuotaRefusalRollsBackCounter(t *testing.T) {
	q, mr := newRedisQuota(t, 1)
	ctx := context.Background()

	require.True(t, q.Check(ctx, "user-1").Allowed)
	require.False(t, q.Check(ctx, "user-1").Allowed)

	// Counter reflects only the allowed admission
	value, err := mr.Get("test:quota:user-1")
	require.NoError(t, err)
	assert.Equal(t, "1", value)
}

func TestRedisQuotaSetsWindowExpiry(t *testing.T) {
	q, mr := newRedisQuota(t, 5)
	ctx := context.Background()

	require.True(t, q.Check(ctx, "user-1").Allowed)
	ttl := mr.TTL("test:quota:user-1")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 24*time.Hour)
}

func TestRedisQuotaFallsBackWhenBackendDown(t *testing.T) {
	q, mr := newRedisQuota(t, 1)
	ctx := context.Background()
	mr.Close()

	decision := q.Check(ctx, "user-1")
	assert.True(t, decision.Allowed, "backend failure should fall back to local quota")
	decision = q.Check(ctx, "user-1")
	assert.False(t, decision.Allowed, "local fallback still enforces the limit")
}

func TestRedisQuotaReset(t *testing.T) {
	q, _ := newRedisQuota(t, 1)
	ctx := context.Background()

	require.True(t, q.Check(ctx, "user-1").Allowed)
	require.False(t, q.Check(ctx, "user-1").Allowed)
	q.Reset("user-1")
	assert.True(t, q.Check(ctx, "user-1").Allowed)
}
