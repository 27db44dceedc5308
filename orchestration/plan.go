// Package orchestration turns an admitted intent into a plan of downstream
// calls and executes that plan step by step, piping data between steps and
// applying the resilience layer to every call.
package orchestration

import (
	"fmt"
	"time"

	"github.com/intentgate/intentgate/core"
	"github.com/intentgate/intentgate/resilience"
)

// Plan is an ordered sequence of downstream operations realizing an intent.
// Immutable once produced.
type Plan struct {
	ID     string `json:"id"`
	Intent string `json:"intent"`
	Steps  []Step `json:"steps"`
}

// Step describes one downstream operation: a named function on a named
// service. Parameter strings may contain ${...} references into earlier
// step results.
type Step struct {
	Order         int                    `json:"order"`
	ServiceName   string                 `json:"service_name"`
	FunctionName  string                 `json:"function_name"`
	Description   string                 `json:"description,omitempty"`
	Parameters    map[string]interface{} `json:"parameters,omitempty"`
	FallbackValue interface{}            `json:"fallback_value,omitempty"`
}

// HasFallback reports whether the step declares a fallback value.
func (s *Step) HasFallback() bool {
	return s.FallbackValue != nil
}

// RetryAttempt is the step-level view of one retried call. Mirrors
// resilience.Attempt with JSON-friendly durations.
type RetryAttempt struct {
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	ErrorMessage  string    `json:"error_message"`
	WaitBeforeMs  int64     `json:"wait_before_retry_ms"`
	HTTPStatus    int       `json:"http_status,omitempty"`
}

// StepError captures the failure details of one step.
type StepError struct {
	Message       string             `json:"message"`
	Category      core.ErrorCategory `json:"category"`
	RetryAttempts int                `json:"retry_attempts"`
	RetryHistory  []RetryAttempt     `json:"retry_history,omitempty"`
	HTTPStatus    int                `json:"http_status,omitempty"`
	UsedFallback  bool               `json:"used_fallback"`
	FallbackValue interface{}        `json:"fallback_value,omitempty"`
}

// StepResult records the outcome of one attempted step.
type StepResult struct {
	Order         int                `json:"order"`
	ServiceName   string             `json:"service_name"`
	FunctionName  string             `json:"function_name"`
	Success       bool               `json:"success"`
	Value         interface{}        `json:"value,omitempty"`
	Error         *StepError         `json:"error,omitempty"`
	Duration      time.Duration      `json:"duration"`
	RetryCount    int                `json:"retry_count"`
	UsedFallback  bool               `json:"used_fallback"`
	ErrorCategory core.ErrorCategory `json:"error_category,omitempty"`
}

// ExecutionResult is the aggregate outcome of a plan execution.
type ExecutionResult struct {
	PlanID           string        `json:"plan_id"`
	Intent           string        `json:"intent"`
	Success          bool          `json:"success"`
	AggregatedResult interface{}   `json:"aggregated_result,omitempty"`
	Steps            []StepResult  `json:"steps"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	TotalDuration    time.Duration `json:"total_duration"`
	ExecutedAt       time.Time     `json:"executed_at"`
	CorrelationID    string        `json:"correlation_id,omitempty"`
}

// ExecutionContext is the resolver's lookup environment for one execution.
// It lives for exactly one execution and is never shared across requests,
// so it needs no locking.
type ExecutionContext struct {
	UserID      string
	Intent      string
	Token       string
	StepResults []StepResult
	Variables   map[string]interface{}
}

// NewExecutionContext seeds a context with the principal and intent.
func NewExecutionContext(userID, intent, token string) *ExecutionContext {
	return &ExecutionContext{
		UserID:    userID,
		Intent:    intent,
		Token:     token,
		Variables: map[string]interface{}{},
	}
}

// ResultFor returns the result of the step with the given order, if any.
func (ec *ExecutionContext) ResultFor(order int) (*StepResult, bool) {
	for i := range ec.StepResults {
		if ec.StepResults[i].Order == order {
			return &ec.StepResults[i], true
		}
	}
	return nil, false
}

// Append records a completed step's result.
func (ec *ExecutionContext) Append(result StepResult) {
	ec.StepResults = append(ec.StepResults, result)
}

// ValidatePlan checks structural invariants before execution: at least one
// step, orders strictly increasing and gap-free from 1, and service and
// function names present on every step.
func ValidatePlan(plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("plan is nil: %w", core.ErrPlanInvalid)
	}
	if len(plan.Steps) == 0 {
		return fmt.Errorf("plan %s has no steps: %w", plan.ID, core.ErrPlanInvalid)
	}
	for i, step := range plan.Steps {
		if step.Order != i+1 {
			return fmt.Errorf("plan %s step at index %d has order %d, want %d: %w",
				plan.ID, i, step.Order, i+1, core.ErrPlanInvalid)
		}
		if step.ServiceName == "" {
			return fmt.Errorf("plan %s step %d missing service name: %w", plan.ID, step.Order, core.ErrPlanInvalid)
		}
		if step.FunctionName == "" {
			return fmt.Errorf("plan %s step %d missing function name: %w", plan.ID, step.Order, core.ErrPlanInvalid)
		}
	}
	return nil
}

// retryHistoryFrom converts resilience attempt records to the step view.
func retryHistoryFrom(attempts []resilience.Attempt) []RetryAttempt {
	if len(attempts) == 0 {
		return nil
	}
	history := make([]RetryAttempt, 0, len(attempts))
	for _, a := range attempts {
		history = append(history, RetryAttempt{
			AttemptNumber: a.AttemptNumber,
			Timestamp:     a.Timestamp,
			ErrorMessage:  a.ErrorMessage,
			WaitBeforeMs:  a.WaitBefore.Milliseconds(),
			HTTPStatus:    a.HTTPStatus,
		})
	}
	return history
}
