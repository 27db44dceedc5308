package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/intentgate/intentgate/core"
)

// Policy holds retry and timeout settings for one downstream service.
type Policy struct {
	// Timeout encloses the whole call: every attempt plus every backoff wait.
	Timeout time.Duration
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// Backoff is the base wait; retry k waits Backoff * 2^k.
	Backoff time.Duration

	Logger core.Logger
}

// DefaultPolicy returns the gateway defaults: 30s timeout, 3 retries,
// 100ms base backoff.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		Backoff:    100 * time.Millisecond,
	}
}

// Attempt records one failed try of a retried call.
type Attempt struct {
	AttemptNumber int           `json:"attempt_number"`
	Timestamp     time.Time     `json:"timestamp"`
	ErrorMessage  string        `json:"error_message"`
	HTTPStatus    int           `json:"http_status,omitempty"`
	WaitBefore    time.Duration `json:"wait_before_retry"`
}

// PolicySet resolves the effective policy for a service, applying any
// per-service overrides from configuration.
type PolicySet struct {
	defaults Policy
	timeouts map[string]time.Duration
	retries  map[string]core.ServiceRetryConfig
	logger   core.Logger
}

// NewPolicySet builds a policy set from the resilience configuration.
func NewPolicySet(cfg *core.ResilienceConfig, logger core.Logger) *PolicySet {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	defaults := DefaultPolicy()
	timeouts := map[string]time.Duration{}
	retries := map[string]core.ServiceRetryConfig{}
	if cfg != nil {
		if cfg.DefaultTimeoutSeconds > 0 {
			defaults.Timeout = time.Duration(cfg.DefaultTimeoutSeconds) * time.Second
		}
		if cfg.DefaultMaxRetries >= 0 {
			defaults.MaxRetries = cfg.DefaultMaxRetries
		}
		if cfg.DefaultBackoffMs > 0 {
			defaults.Backoff = time.Duration(cfg.DefaultBackoffMs) * time.Millisecond
		}
		for service, seconds := range cfg.ServiceTimeouts {
			if seconds > 0 {
				timeouts[service] = time.Duration(seconds) * time.Second
			}
		}
		for service, rc := range cfg.ServiceRetries {
			retries[service] = rc
		}
	}
	return &PolicySet{
		defaults: defaults,
		timeouts: timeouts,
		retries:  retries,
		logger:   logger,
	}
}

// ForService returns the effective policy for a service name.
func (ps *PolicySet) ForService(service string) Policy {
	p := ps.defaults
	p.Logger = ps.logger
	if t, ok := ps.timeouts[service]; ok {
		p.Timeout = t
	}
	if rc, ok := ps.retries[service]; ok {
		if rc.MaxRetries != nil {
			p.MaxRetries = *rc.MaxRetries
		}
		if rc.BackoffMs > 0 {
			p.Backoff = time.Duration(rc.BackoffMs) * time.Millisecond
		}
	}
	return p
}

// Execute runs fn under the policy: the whole call is enclosed by the
// policy timeout, and transient failures are retried with exponential
// backoff. The returned attempts record every failure that was followed
// by a retry, so len(attempts) is the retry count. Permanent failures
// return immediately; the final error is the last attempt's error.
func (p Policy) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) ([]Attempt, error) {
	logger := p.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	var attempts []Attempt
	var lastErr error

	for try := 0; try <= p.MaxRetries; try++ {
		if err := ctx.Err(); err != nil {
			return attempts, p.envelopeErr(ctx, operation)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempts, nil
		}

		// The envelope expiring mid-call is a cancellation, not a
		// downstream failure; surface it without burning retries.
		if ctx.Err() != nil {
			return attempts, p.envelopeErr(ctx, operation)
		}

		category := core.ClassifyError(lastErr.Error(), core.StatusOf(lastErr))
		if category != core.CategoryTransient || try == p.MaxRetries {
			if category == core.CategoryTransient {
				// Keep lastErr in the chain so StatusOf still sees the
				// downstream HTTP status after the budget runs out.
				lastErr = fmt.Errorf("%s: %w: %w", operation, core.ErrMaxRetriesExceeded, lastErr)
			}
			return attempts, lastErr
		}

		// Retry k (1-indexed) waits backoff * 2^k
		wait := p.Backoff * (1 << (try + 1))
		attempts = append(attempts, Attempt{
			AttemptNumber: try + 1,
			Timestamp:     time.Now(),
			ErrorMessage:  lastErr.Error(),
			HTTPStatus:    core.StatusOf(lastErr),
			WaitBefore:    wait,
		})

		logger.Debug("Retrying after transient failure", map[string]interface{}{
			"operation": operation,
			"attempt":   try + 1,
			"wait_ms":   wait.Milliseconds(),
			"error":     lastErr.Error(),
		})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, p.envelopeErr(ctx, operation)
		case <-timer.C:
		}
	}

	return attempts, lastErr
}

// envelopeErr maps a context expiry to the right sentinel. A deadline hit
// is a transient timeout; a parent cancellation is not retried upstream.
func (p Policy) envelopeErr(ctx context.Context, operation string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s after %v: %w", operation, p.Timeout, core.ErrTimeout)
	}
	return fmt.Errorf("%s: %w", operation, core.ErrContextCanceled)
}
