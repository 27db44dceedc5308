package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/intentgate/intentgate/core"
)

func validPlan() *Plan {
	return &Plan{
		ID:     "p1",
		Intent: "check balance",
		Steps: []Step{
			{Order: 1, ServiceName: "accounts", FunctionName: "lookup"},
			{Order: 2, ServiceName: "balances", FunctionName: "get"},
		},
	}
}

func TestValidatePlanAccepts(t *testing.T) {
	assert.NoError(t, ValidatePlan(validPlan()))
}

func TestValidatePlanRejectsNilAndEmpty(t *testing.T) {
	assert.ErrorIs(t, ValidatePlan(nil), core.ErrPlanInvalid)

	plan := validPlan()
	plan.Steps = nil
	assert.ErrorIs(t, ValidatePlan(plan), core.ErrPlanInvalid)
}

func TestValidatePlanRejectsGaps(t *testing.T) {
	plan := validPlan()
	plan.Steps[1].Order = 3
	assert.ErrorIs(t, ValidatePlan(plan), core.ErrPlanInvalid)
}

func TestValidatePlanRejectsDuplicateOrders(t *testing.T) {
	plan := validPlan()
	plan.Steps[1].Order = 1
	assert.ErrorIs(t, ValidatePlan(plan), core.ErrPlanInvalid)
}

func TestValidatePlanRejectsZeroStart(t *testing.T) {
	plan := validPlan()
	plan.Steps[0].Order = 0
	plan.Steps[1].Order = 1
	assert.ErrorIs(t, ValidatePlan(plan), core.ErrPlanInvalid)
}

func TestValidatePlanRejectsMissingNames(t *testing.T) {
	plan := validPlan()
	plan.Steps[0].ServiceName = ""
	assert.ErrorIs(t, ValidatePlan(plan), core.ErrPlanInvalid)

	plan = validPlan()
	plan.Steps[1].FunctionName = ""
	assert.ErrorIs(t, ValidatePlan(plan), core.ErrPlanInvalid)
}

func TestExecutionContextResultLookup(t *testing.T) {
	ec := NewExecutionContext("u", "i", "tok")
	ec.Append(StepResult{Order: 1, Success: true, Value: "a"})
	ec.Append(StepResult{Order: 2, Success: false})

	result, ok := ec.ResultFor(1)
	assert.True(t, ok)
	assert.Equal(t, "a", result.Value)

	_, ok = ec.ResultFor(3)
	assert.False(t, ok)
}

func TestStepHasFallback(t *testing.T) {
	step := Step{Order: 1, ServiceName: "s", FunctionName: "f"}
	assert.False(t, step.HasFallback())
	step.FallbackValue = map[string]interface{}{"role": "guest"}
	assert.True(t, step.HasFallback())
	assert.NoError(t, ValidatePlan(&Plan{ID: "x", Steps: []Step{step}}))
}
