// Package resilience provides the failure-handling layer of the gateway:
// a per-service circuit breaker table and the retry/timeout policy that
// wraps every downstream call.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/intentgate/intentgate/core"
)

// CircuitState represents the state of one service's circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the thresholds shared by all per-service breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close from half-open.
	SuccessThreshold int
	// HalfOpenTimeout is how long an open breaker waits before admitting a probe.
	HalfOpenTimeout time.Duration

	Logger    core.Logger
	Telemetry core.Telemetry
}

// DefaultBreakerConfig returns the gateway defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		HalfOpenTimeout:  60 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of one service's breaker.
type BreakerSnapshot struct {
	Service        string       `json:"service"`
	State          CircuitState `json:"state"`
	FailureCount   int          `json:"failure_count"`
	SuccessCount   int          `json:"success_count"`
	LastFailureAt  time.Time    `json:"last_failure_at"`
	StateChangedAt time.Time    `json:"state_changed_at"`
}

// breakerEntry holds the mutable state for one service. All fields are
// guarded by mu; transitions never block on external I/O.
type breakerEntry struct {
	mu             sync.Mutex
	state          CircuitState
	failureCount   int
	successCount   int
	lastFailureAt  time.Time
	stateChangedAt time.Time
	forcedOpen     bool
}

// BreakerTable tracks one circuit breaker per downstream service name.
// Unknown services report Closed. Entries for different services are
// fully independent.
type BreakerTable struct {
	config  *BreakerConfig
	entries sync.Map // map[string]*breakerEntry
	logger  core.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewBreakerTable creates a breaker table with the given configuration.
func NewBreakerTable(config *BreakerConfig) *BreakerTable {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.HalfOpenTimeout <= 0 {
		config.HalfOpenTimeout = 60 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BreakerTable{
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// SetLogger sets the logger provider
func (t *BreakerTable) SetLogger(logger core.Logger) {
	if logger == nil {
		t.logger = &core.NoOpLogger{}
	} else if cal, ok := logger.(core.ComponentAwareLogger); ok {
		t.logger = cal.WithComponent("resilience")
	} else {
		t.logger = logger
	}
}

func (t *BreakerTable) entry(service string) *breakerEntry {
	if e, ok := t.entries.Load(service); ok {
		return e.(*breakerEntry)
	}
	e, _ := t.entries.LoadOrStore(service, &breakerEntry{
		state:          StateClosed,
		stateChangedAt: t.now(),
	})
	return e.(*breakerEntry)
}

// Allow reports whether a call to the service may proceed. An open breaker
// whose half-open timeout has elapsed transitions to half-open and admits
// the probe. A denied call returns an error wrapping core.ErrCircuitOpen,
// which classifies as transient.
func (t *BreakerTable) Allow(service string) error {
	e := t.entry(service)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.forcedOpen {
		return fmt.Errorf("service %s unavailable: %w", service, core.ErrCircuitOpen)
	}

	switch e.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if t.now().Sub(e.stateChangedAt) >= t.config.HalfOpenTimeout {
			t.transition(e, service, StateHalfOpen)
			e.successCount = 0
			return nil
		}
		return fmt.Errorf("service %s unavailable: %w", service, core.ErrCircuitOpen)
	}
	return nil
}

// RecordSuccess notifies the breaker of a successful call.
func (t *BreakerTable) RecordSuccess(service string) {
	e := t.entry(service)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateClosed:
		e.failureCount = 0
	case StateHalfOpen:
		e.successCount++
		if e.successCount >= t.config.SuccessThreshold {
			t.transition(e, service, StateClosed)
			e.failureCount = 0
			e.successCount = 0
		}
	}
}

// RecordFailure notifies the breaker of a failed call.
func (t *BreakerTable) RecordFailure(service string) {
	e := t.entry(service)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastFailureAt = t.now()

	switch e.state {
	case StateClosed:
		e.failureCount++
		if e.failureCount >= t.config.FailureThreshold {
			t.transition(e, service, StateOpen)
		}
	case StateHalfOpen:
		// Any failure during the probe window re-opens
		t.transition(e, service, StateOpen)
		e.successCount = 0
	}
}

// State returns the current state for a service. Unknown services are Closed.
func (t *BreakerTable) State(service string) CircuitState {
	if e, ok := t.entries.Load(service); ok {
		entry := e.(*breakerEntry)
		entry.mu.Lock()
		defer entry.mu.Unlock()
		return entry.state
	}
	return StateClosed
}

// Snapshot returns a point-in-time view of a service's breaker.
func (t *BreakerTable) Snapshot(service string) BreakerSnapshot {
	e := t.entry(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	return BreakerSnapshot{
		Service:        service,
		State:          e.state,
		FailureCount:   e.failureCount,
		SuccessCount:   e.successCount,
		LastFailureAt:  e.lastFailureAt,
		StateChangedAt: e.stateChangedAt,
	}
}

// Reset forces a service's breaker to Closed and zeroes its counters.
func (t *BreakerTable) Reset(service string) {
	e := t.entry(service)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.forcedOpen = false
	if e.state != StateClosed {
		t.transition(e, service, StateClosed)
	}
	e.failureCount = 0
	e.successCount = 0
}

// ForceOpen holds a service's breaker open until Reset. Manual control for
// operational isolation of a misbehaving downstream.
func (t *BreakerTable) ForceOpen(service string) {
	e := t.entry(service)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forcedOpen = true
}

// transition moves an entry to a new state. Caller holds e.mu.
func (t *BreakerTable) transition(e *breakerEntry, service string, to CircuitState) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.stateChangedAt = t.now()

	t.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "breaker_transition",
		"service":   service,
		"from":      from.String(),
		"to":        to.String(),
	})
	if t.config.Telemetry != nil {
		t.config.Telemetry.RecordMetric("gateway.breaker.transitions", 1, map[string]string{
			"service": service,
			"from":    from.String(),
			"to":      to.String(),
		})
	}
}
