package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/intentgate/intentgate/core"
	"github.com/intentgate/intentgate/resilience"
)

// StepExecutor runs one plan step: parameter resolution, circuit breaker
// gate, downstream invocation under the retry/timeout envelope, and
// fallback handling.
type StepExecutor struct {
	resolver *Resolver
	client   ServiceClient
	breakers *resilience.BreakerTable
	policies *resilience.PolicySet
	logger   core.Logger
}

// NewStepExecutor wires the executor's collaborators.
func NewStepExecutor(client ServiceClient, breakers *resilience.BreakerTable, policies *resilience.PolicySet, logger core.Logger) *StepExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &StepExecutor{
		resolver: NewResolver(logger),
		client:   client,
		breakers: breakers,
		policies: policies,
		logger:   logger,
	}
}

// ExecuteStep runs one step against the execution context and returns its
// result. A failing step with a declared fallback value reports success so
// downstream data piping continues, with the failure retained in Error.
// Panics in resolution or invocation become failed results, never crashes.
func (e *StepExecutor) ExecuteStep(ctx context.Context, step Step, ec *ExecutionContext) (result StepResult) {
	start := time.Now()
	result = StepResult{
		Order:        step.Order,
		ServiceName:  step.ServiceName,
		FunctionName: step.FunctionName,
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Step execution panic", map[string]interface{}{
				"operation": "execute_step",
				"step":      step.Order,
				"service":   step.ServiceName,
				"panic":     fmt.Sprintf("%v", r),
				"stack":     string(debug.Stack()),
			})
			result = e.failedResult(step, fmt.Errorf("internal error executing step %d: %v", step.Order, r), nil, time.Since(start))
		}
	}()

	params, unresolved, err := e.resolver.ResolveParameters(ctx, step.Parameters, ec, step.Order)
	if err != nil {
		return e.failedResult(step, err, nil, time.Since(start))
	}

	var value interface{}
	policy := e.policies.ForService(step.ServiceName)
	if len(unresolved) > 0 {
		// A call carrying unresolved references cannot succeed by retrying
		policy.MaxRetries = 0
	}
	attempts, err := policy.Execute(ctx, fmt.Sprintf("%s.%s", step.ServiceName, step.FunctionName), func(callCtx context.Context) error {
		if gateErr := e.breakers.Allow(step.ServiceName); gateErr != nil {
			return gateErr
		}
		v, callErr := e.client.Call(callCtx, step.ServiceName, step.FunctionName, params, ec.Token)
		if callErr != nil {
			e.breakers.RecordFailure(step.ServiceName)
			return callErr
		}
		e.breakers.RecordSuccess(step.ServiceName)
		value = v
		return nil
	})

	duration := time.Since(start)
	if err != nil {
		if len(unresolved) > 0 {
			return e.failedResultAs(step, err, attempts, duration, core.CategoryPermanent)
		}
		return e.failedResult(step, err, attempts, duration)
	}

	result.Success = true
	result.Value = value
	result.RetryCount = len(attempts)
	result.Duration = duration
	if len(attempts) > 0 {
		// Surface the recovered failures without marking the step failed
		last := attempts[len(attempts)-1]
		result.ErrorCategory = core.ClassifyError(last.ErrorMessage, last.HTTPStatus)
	}
	return result
}

// failedResult builds the result for a step whose call did not succeed,
// applying the fallback value when one is declared.
func (e *StepExecutor) failedResult(step Step, err error, attempts []resilience.Attempt, duration time.Duration) StepResult {
	return e.failedResultAs(step, err, attempts, duration, core.ClassifyError(err.Error(), core.StatusOf(err)))
}

// failedResultAs is failedResult with the category fixed by the caller. A
// downstream failure on a step whose parameters did not fully resolve is
// permanent regardless of how the downstream error would classify.
func (e *StepExecutor) failedResultAs(step Step, err error, attempts []resilience.Attempt, duration time.Duration, category core.ErrorCategory) StepResult {
	stepErr := &StepError{
		Message:       err.Error(),
		Category:      category,
		RetryAttempts: len(attempts),
		RetryHistory:  retryHistoryFrom(attempts),
		HTTPStatus:    core.StatusOf(err),
	}

	result := StepResult{
		Order:         step.Order,
		ServiceName:   step.ServiceName,
		FunctionName:  step.FunctionName,
		Error:         stepErr,
		Duration:      duration,
		RetryCount:    len(attempts),
		ErrorCategory: category,
	}

	if step.HasFallback() {
		stepErr.UsedFallback = true
		stepErr.FallbackValue = step.FallbackValue
		result.Success = true
		result.Value = step.FallbackValue
		result.UsedFallback = true
		e.logger.Warn("Step failed, using fallback value", map[string]interface{}{
			"operation": "execute_step",
			"step":      step.Order,
			"service":   step.ServiceName,
			"category":  string(category),
			"error":     err.Error(),
		})
		return result
	}

	e.logger.Error("Step failed", map[string]interface{}{
		"operation": "execute_step",
		"step":      step.Order,
		"service":   step.ServiceName,
		"category":  string(category),
		"retries":   len(attempts),
		"error":     err.Error(),
	})
	return result
}
