package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intentgate/intentgate/core"
)

func intPtr(n int) *int { return &n }

func fastPolicy(maxRetries int) Policy {
	return Policy{
		Timeout:    5 * time.Second,
		MaxRetries: maxRetries,
		Backoff:    time.Millisecond,
	}
}

func TestExecuteSucceedsFirstTry(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(3).Execute(context.Background(), "svc.fn", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, attempts)
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(3).Execute(context.Background(), "svc.fn", func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return errors.New("timeout contacting upstream")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	// History holds exactly the failures that were followed by a retry
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, 2, attempts[1].AttemptNumber)
	assert.Contains(t, attempts[0].ErrorMessage, "timeout")
}

func TestExecuteBackoffDoubles(t *testing.T) {
	policy := Policy{
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		Backoff:    10 * time.Millisecond,
	}
	attempts, err := policy.Execute(context.Background(), "svc.fn", func(ctx context.Context) error {
		return errors.New("service unavailable")
	})
	require.Error(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, int64(20), attempts[0].WaitBefore.Milliseconds())
	assert.Equal(t, int64(40), attempts[1].WaitBefore.Milliseconds())
	assert.Equal(t, int64(80), attempts[2].WaitBefore.Milliseconds())
}

func TestExecutePermanentErrorShortCircuits(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(3).Execute(context.Background(), "svc.fn", func(ctx context.Context) error {
		calls++
		return errors.New("invalid account number")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, attempts)
}

func TestExecutePermanentStatusShortCircuits(t *testing.T) {
	calls := 0
	_, err := fastPolicy(3).Execute(context.Background(), "svc.fn", func(ctx context.Context) error {
		calls++
		return &core.GatewayError{
			Op:         "svc.call",
			Kind:       "test",
			HTTPStatus: 404,
			Message:    "no such thing",
			Err:        core.ErrRequestFailed,
		}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 404, core.StatusOf(err))
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(2).Execute(context.Background(), "svc.fn", func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, attempts, 2)
	assert.True(t, errors.Is(err, core.ErrMaxRetriesExceeded))
}

func TestExecuteTimeoutIsTransient(t *testing.T) {
	policy := Policy{
		Timeout:    30 * time.Millisecond,
		MaxRetries: 10,
		Backoff:    50 * time.Millisecond,
	}
	_, err := policy.Execute(context.Background(), "svc.fn", func(ctx context.Context) error {
		return errors.New("service unavailable")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTimeout))
	assert.Equal(t, core.CategoryTransient, core.ClassifyError(err.Error(), 0))
}

func TestExecuteParentCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := fastPolicy(10).Execute(ctx, "svc.fn", func(callCtx context.Context) error {
		calls++
		cancel()
		return errors.New("temporary glitch")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.Is(err, core.ErrContextCanceled))
}

func TestPolicySetPerServiceOverrides(t *testing.T) {
	cfg := &core.ResilienceConfig{
		DefaultTimeoutSeconds: 30,
		DefaultMaxRetries:     3,
		DefaultBackoffMs:      100,
		ServiceTimeouts:       map[string]int{"slow": 120},
		ServiceRetries: map[string]core.ServiceRetryConfig{
			"flaky": {MaxRetries: intPtr(7), BackoffMs: 25},
		},
	}
	set := NewPolicySet(cfg, nil)

	base := set.ForService("anything")
	assert.Equal(t, 30*time.Second, base.Timeout)
	assert.Equal(t, 3, base.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, base.Backoff)

	slow := set.ForService("slow")
	assert.Equal(t, 120*time.Second, slow.Timeout)
	assert.Equal(t, 3, slow.MaxRetries)

	flaky := set.ForService("flaky")
	assert.Equal(t, 7, flaky.MaxRetries)
	assert.Equal(t, 25*time.Millisecond, flaky.Backoff)
	assert.Equal(t, 30*time.Second, flaky.Timeout)
}

func TestExecuteExhaustedBudgetPreservesStatus(t *testing.T) {
	attempts, err := fastPolicy(2).Execute(context.Background(), "svc.fn", func(ctx context.Context) error {
		return &core.GatewayError{
			Op:         "svc.call",
			Kind:       "test",
			HTTPStatus: 503,
			Message:    "shedding load",
			Err:        core.ErrRequestFailed,
		}
	})
	require.Error(t, err)
	assert.Len(t, attempts, 2)
	assert.True(t, errors.Is(err, core.ErrMaxRetriesExceeded))
	assert.True(t, errors.Is(err, core.ErrRequestFailed))

	// The downstream status survives the exhaustion wrapper, so the
	// failure still classifies as transient afterwards.
	assert.Equal(t, 503, core.StatusOf(err))
	assert.Equal(t, core.CategoryTransient, core.ClassifyError(err.Error(), core.StatusOf(err)))
}

func TestPolicySetBackoffOnlyOverrideKeepsDefaultRetries(t *testing.T) {
	cfg := &core.ResilienceConfig{
		DefaultTimeoutSeconds: 30,
		DefaultMaxRetries:     3,
		DefaultBackoffMs:      100,
		ServiceRetries: map[string]core.ServiceRetryConfig{
			"tuned":   {BackoffMs: 5},
			"noretry": {MaxRetries: intPtr(0)},
		},
	}
	set := NewPolicySet(cfg, nil)

	tuned := set.ForService("tuned")
	assert.Equal(t, 3, tuned.MaxRetries, "backoff-only override inherits the default retry count")
	assert.Equal(t, 5*time.Millisecond, tuned.Backoff)

	assert.Zero(t, set.ForService("noretry").MaxRetries)
}

func TestExecuteZeroRetriesRunsOnce(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(0).Execute(context.Background(), "svc.fn", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("temporary outage")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, attempts)
}
