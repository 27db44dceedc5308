package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/intentgate/intentgate/core"
)

// ExecutionAuditor receives the outcome of every plan execution. Satisfied
// by the security audit sink; nil disables auditing.
type ExecutionAuditor interface {
	RecordExecution(ctx context.Context, userID string, result *ExecutionResult)
}

// Metrics aggregates orchestrator counters across the process lifetime.
type Metrics struct {
	TotalExecutions      int64         `json:"total_executions"`
	SuccessfulExecutions int64         `json:"successful_executions"`
	FailedExecutions     int64         `json:"failed_executions"`
	PlanCacheHits        int64         `json:"plan_cache_hits"`
	PlanCacheMisses      int64         `json:"plan_cache_misses"`
	TotalDuration        time.Duration `json:"total_duration"`
}

// OrchestratorConfig tunes the orchestrator.
type OrchestratorConfig struct {
	// PlanTTL bounds how long a generated plan is reused for the same
	// intent and user.
	PlanTTL time.Duration
	// ResultTTL enables caching of successful execution results, keyed
	// by the intent and user fingerprint, when > 0.
	ResultTTL time.Duration
	// ExecutionTimeout bounds one whole execution when > 0.
	ExecutionTimeout time.Duration
	// HistorySize bounds the in-memory execution history ring.
	HistorySize int
}

// DefaultOrchestratorConfig returns the gateway defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		PlanTTL:     time.Hour,
		HistorySize: 100,
	}
}

// Orchestrator obtains a plan for an admitted intent and walks its steps
// in order, threading results between steps and aggregating the outcome.
type Orchestrator struct {
	planner   Planner
	executor  *StepExecutor
	cache     *Cache
	auditor   ExecutionAuditor
	config    OrchestratorConfig
	logger    core.Logger
	telemetry core.Telemetry

	mu      sync.RWMutex
	metrics Metrics
	history []*ExecutionResult
}

// NewOrchestrator wires the orchestrator's collaborators. cache and
// auditor may be nil.
func NewOrchestrator(planner Planner, executor *StepExecutor, cache *Cache, auditor ExecutionAuditor, config OrchestratorConfig, logger core.Logger, telemetry core.Telemetry) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
	if config.PlanTTL <= 0 {
		config.PlanTTL = time.Hour
	}
	return &Orchestrator{
		planner:   planner,
		executor:  executor,
		cache:     cache,
		auditor:   auditor,
		config:    config,
		logger:    logger,
		telemetry: telemetry,
	}
}

// GetPlan returns the plan for an intent, consulting the plan cache first.
// Generated plans are cached under a fingerprint of intent and user.
func (o *Orchestrator) GetPlan(ctx context.Context, intent string, principal core.Principal) (*Plan, error) {
	key := PlanKey(intent, principal.UserID)
	if o.cache != nil {
		if cached, ok := o.cache.Get("plan:" + key); ok {
			if plan, ok := cached.(*Plan); ok {
				o.countCacheHit(true)
				o.logger.Debug("Plan cache hit", map[string]interface{}{
					"operation": "get_plan",
					"plan_id":   plan.ID,
				})
				return plan, nil
			}
		}
		o.countCacheHit(false)
	}

	plan, err := o.planner.GeneratePlan(ctx, intent, principal)
	if err != nil {
		return nil, err
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	if o.cache != nil {
		o.cache.Set("plan:"+key, plan, o.config.PlanTTL)
	}
	return plan, nil
}

// Execute runs the full intent pipeline: plan, execute steps in order,
// aggregate, audit. The optional variables seed the resolver environment
// from the request's context mapping. The returned error covers only the
// inability to obtain a plan; step failures are reported inside the
// ExecutionResult.
func (o *Orchestrator) Execute(ctx context.Context, intent string, principal core.Principal, token string, variables map[string]interface{}) (*ExecutionResult, error) {
	return o.execute(ctx, intent, principal, token, variables, nil)
}

// execute is the shared core behind Execute and the streaming adapter.
// emit, when non-nil, receives events in the documented order.
func (o *Orchestrator) execute(ctx context.Context, intent string, principal core.Principal, token string, variables map[string]interface{}, emit func(Event)) (*ExecutionResult, error) {
	start := time.Now()
	correlationID := core.CorrelationIDFrom(ctx)

	if o.config.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.ExecutionTimeout)
		defer cancel()
	}

	var span core.Span
	if o.telemetry != nil {
		ctx, span = o.telemetry.StartSpan(ctx, "orchestrator.Execute")
		defer span.End()
		span.SetAttribute("user_id", principal.UserID)
	}

	send(emit, Event{
		EventType:     EventExecutionStarted,
		Data:          map[string]interface{}{"intent": intent},
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	})

	plan, err := o.GetPlan(ctx, intent, principal)
	if err != nil {
		o.logger.Error("Planning failed", map[string]interface{}{
			"operation": "execute",
			"user_id":   principal.UserID,
			"error":     err.Error(),
		})
		send(emit, Event{
			EventType:     EventExecutionFailed,
			Data:          map[string]interface{}{"error": err.Error(), "error_type": errorTypeOf(ctx, err)},
			Timestamp:     time.Now(),
			DurationMs:    time.Since(start).Milliseconds(),
			CorrelationID: correlationID,
		})
		return nil, err
	}

	send(emit, Event{
		EventType:     EventPlanGenerated,
		Data:          map[string]interface{}{"plan_id": plan.ID, "steps": len(plan.Steps)},
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	})

	resultKey := "result:" + PlanKey(intent, principal.UserID)
	if emit == nil && o.config.ResultTTL > 0 && o.cache != nil {
		if cached, ok := o.cache.Get(resultKey); ok {
			if prior, ok := cached.(*ExecutionResult); ok {
				// Serve a copy stamped with this request's identity, and
				// audit the serving request like any other execution.
				served := *prior
				served.ExecutedAt = start.UTC()
				served.CorrelationID = correlationID
				served.TotalDuration = time.Since(start)
				o.logger.Debug("Result cache hit", map[string]interface{}{
					"operation": "execute",
					"plan_id":   served.PlanID,
				})
				if o.auditor != nil {
					o.auditor.RecordExecution(ctx, principal.UserID, &served)
				}
				return &served, nil
			}
		}
	}

	ec := NewExecutionContext(principal.UserID, intent, token)
	for k, v := range variables {
		ec.Variables[k] = v
	}
	result := &ExecutionResult{
		PlanID:        plan.ID,
		Intent:        intent,
		Success:       true,
		ExecutedAt:    start.UTC(),
		CorrelationID: correlationID,
	}

	canceled := false
	for i, step := range plan.Steps {
		if ctx.Err() != nil {
			canceled = true
			o.markSkipped(result, plan.Steps[i:], "execution canceled before step ran")
			break
		}

		send(emit, Event{
			EventType:     EventStepStarted,
			StepOrder:     step.Order,
			ServiceName:   step.ServiceName,
			FunctionName:  step.FunctionName,
			Data:          map[string]interface{}{"description": step.Description},
			Timestamp:     time.Now(),
			CorrelationID: correlationID,
		})

		stepResult := o.executor.ExecuteStep(ctx, step, ec)
		ec.Append(stepResult)
		result.Steps = append(result.Steps, stepResult)

		if stepResult.Success {
			send(emit, Event{
				EventType:     EventStepCompleted,
				StepOrder:     step.Order,
				ServiceName:   step.ServiceName,
				FunctionName:  step.FunctionName,
				Data:          map[string]interface{}{"used_fallback": stepResult.UsedFallback},
				Timestamp:     time.Now(),
				DurationMs:    stepResult.Duration.Milliseconds(),
				CorrelationID: correlationID,
			})
			continue
		}

		result.Success = false
		if result.ErrorMessage == "" && stepResult.Error != nil {
			result.ErrorMessage = stepResult.Error.Message
		}
		send(emit, Event{
			EventType:     EventStepFailed,
			StepOrder:     step.Order,
			ServiceName:   step.ServiceName,
			FunctionName:  step.FunctionName,
			Data:          stepFailureData(stepResult),
			Timestamp:     time.Now(),
			DurationMs:    stepResult.Duration.Milliseconds(),
			CorrelationID: correlationID,
		})

		if ctx.Err() != nil {
			canceled = true
			o.markSkipped(result, plan.Steps[i+1:], "execution canceled")
			break
		}

		// A permanent failure with no fallback anywhere ahead cannot
		// produce a different outcome; stop calling downstreams.
		if stepResult.ErrorCategory == core.CategoryPermanent && !anyFallback(plan.Steps[i+1:]) {
			o.markSkipped(result, plan.Steps[i+1:], fmt.Sprintf("not executed: step %d failed permanently", step.Order))
			break
		}
	}

	result.TotalDuration = time.Since(start)
	result.AggregatedResult = aggregate(result.Steps)

	if canceled {
		result.Success = false
		if result.ErrorMessage == "" {
			result.ErrorMessage = core.ErrContextCanceled.Error()
		}
		send(emit, Event{
			EventType:     EventExecutionFailed,
			Data:          map[string]interface{}{"error": result.ErrorMessage, "error_type": "Canceled"},
			Timestamp:     time.Now(),
			DurationMs:    result.TotalDuration.Milliseconds(),
			CorrelationID: correlationID,
		})
	} else if result.Success {
		send(emit, Event{
			EventType:     EventExecutionCompleted,
			Data:          map[string]interface{}{"plan_id": plan.ID, "steps": len(result.Steps)},
			Timestamp:     time.Now(),
			DurationMs:    result.TotalDuration.Milliseconds(),
			CorrelationID: correlationID,
		})
	} else {
		send(emit, Event{
			EventType:     EventExecutionFailed,
			Data:          map[string]interface{}{"error": result.ErrorMessage, "error_type": "StepFailure"},
			Timestamp:     time.Now(),
			DurationMs:    result.TotalDuration.Milliseconds(),
			CorrelationID: correlationID,
		})
	}

	if result.Success && o.config.ResultTTL > 0 && o.cache != nil {
		o.cache.Set(resultKey, result, o.config.ResultTTL)
	}

	o.record(result)
	if span != nil {
		span.SetAttribute("success", result.Success)
		span.SetAttribute("steps", len(result.Steps))
	}
	if o.auditor != nil {
		o.auditor.RecordExecution(ctx, principal.UserID, result)
	}

	o.logger.Info("Execution finished", map[string]interface{}{
		"operation":   "execute",
		"plan_id":     plan.ID,
		"user_id":     principal.UserID,
		"success":     result.Success,
		"steps":       len(result.Steps),
		"duration_ms": result.TotalDuration.Milliseconds(),
	})
	return result, nil
}

// markSkipped records steps that never ran after an early termination.
func (o *Orchestrator) markSkipped(result *ExecutionResult, remaining []Step, reason string) {
	for _, step := range remaining {
		result.Steps = append(result.Steps, StepResult{
			Order:         step.Order,
			ServiceName:   step.ServiceName,
			FunctionName:  step.FunctionName,
			Success:       false,
			ErrorCategory: core.CategoryPermanent,
			Error: &StepError{
				Message:  reason,
				Category: core.CategoryPermanent,
			},
		})
	}
	result.Success = false
}

// aggregate builds the execution's top-level result value: a single step
// contributes its value directly, several steps contribute per-step views.
func aggregate(steps []StepResult) interface{} {
	if len(steps) == 1 {
		return steps[0].Value
	}
	views := make([]interface{}, 0, len(steps))
	for _, s := range steps {
		view := map[string]interface{}{
			"order":       s.Order,
			"service":     s.ServiceName,
			"function":    s.FunctionName,
			"success":     s.Success,
			"value":       s.Value,
			"duration_ms": s.Duration.Milliseconds(),
		}
		if s.Error != nil {
			view["error"] = s.Error
		}
		views = append(views, view)
	}
	return views
}

func anyFallback(steps []Step) bool {
	for i := range steps {
		if steps[i].HasFallback() {
			return true
		}
	}
	return false
}

func stepFailureData(result StepResult) map[string]interface{} {
	data := map[string]interface{}{
		"category":    string(result.ErrorCategory),
		"retry_count": result.RetryCount,
	}
	if result.Error != nil {
		data["error"] = result.Error.Message
		if result.Error.HTTPStatus != 0 {
			data["http_status"] = result.Error.HTTPStatus
		}
	}
	return data
}

func errorTypeOf(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "Canceled"
	}
	return "PlanningFailure"
}

func (o *Orchestrator) countCacheHit(hit bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if hit {
		o.metrics.PlanCacheHits++
	} else {
		o.metrics.PlanCacheMisses++
	}
}

func (o *Orchestrator) record(result *ExecutionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics.TotalExecutions++
	o.metrics.TotalDuration += result.TotalDuration
	if result.Success {
		o.metrics.SuccessfulExecutions++
	} else {
		o.metrics.FailedExecutions++
	}
	o.history = append(o.history, result)
	if len(o.history) > o.config.HistorySize {
		o.history = o.history[len(o.history)-o.config.HistorySize:]
	}
}

// Metrics returns a snapshot of the orchestrator counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.metrics
}

// History returns the most recent executions, newest last.
func (o *Orchestrator) History() []*ExecutionResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*ExecutionResult, len(o.history))
	copy(out, o.history)
	return out
}
