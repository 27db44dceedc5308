package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/intentgate/intentgate/core"
)

// Planner translates an intent into an executable plan. The orchestrator
// validates every returned plan before running it, regardless of the
// planner implementation.
type Planner interface {
	GeneratePlan(ctx context.Context, intent string, principal core.Principal) (*Plan, error)
}

// PlanRule maps an intent keyword to a plan template for the static planner.
type PlanRule struct {
	// Keywords trigger the rule when any of them appears in the intent
	// (case-insensitive).
	Keywords []string
	Steps    []Step
}

// StaticPlanner produces plans from a fixed rule table. It backs dev mode
// and deployments that prefer deterministic routing over model output.
type StaticPlanner struct {
	rules   []PlanRule
	defined []Step // fallback steps when no rule matches; empty means error
	logger  core.Logger
}

// NewStaticPlanner creates a rule-table planner.
func NewStaticPlanner(rules []PlanRule, defaultSteps []Step, logger core.Logger) *StaticPlanner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &StaticPlanner{rules: rules, defined: defaultSteps, logger: logger}
}

// GeneratePlan matches the intent against the rule table.
func (p *StaticPlanner) GeneratePlan(ctx context.Context, intent string, principal core.Principal) (*Plan, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("planning canceled: %w", core.ErrContextCanceled)
	}

	lower := strings.ToLower(intent)
	steps := p.defined
match:
	for _, rule := range p.rules {
		for _, keyword := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(keyword)) {
				steps = rule.Steps
				break match
			}
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no rule matches intent: %w", core.ErrPlannerUnavailable)
	}

	plan := &Plan{
		ID:     uuid.New().String(),
		Intent: intent,
		Steps:  renumbered(steps),
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// renumbered copies steps with orders reassigned 1..N so rule tables
// can be written without counting.
func renumbered(steps []Step) []Step {
	out := make([]Step, len(steps))
	copy(out, steps)
	for i := range out {
		out[i].Order = i + 1
	}
	return out
}

// ModelPlanner asks a language model to produce a plan as JSON. The model
// output is treated as untrusted: the JSON object is extracted from
// whatever surrounds it, parsed, and validated before use.
type ModelPlanner struct {
	client    core.AIClient
	services  map[string]string
	logger    core.Logger
	telemetry core.Telemetry
}

// NewModelPlanner creates a model-backed planner. The services map scopes
// the prompt to routable destinations.
func NewModelPlanner(client core.AIClient, services map[string]string, logger core.Logger, telemetry core.Telemetry) *ModelPlanner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ModelPlanner{
		client:    client,
		services:  services,
		logger:    logger,
		telemetry: telemetry,
	}
}

// GeneratePlan prompts the model and parses its response into a plan.
func (p *ModelPlanner) GeneratePlan(ctx context.Context, intent string, principal core.Principal) (*Plan, error) {
	if p.client == nil {
		return nil, fmt.Errorf("no model client configured: %w", core.ErrPlannerUnavailable)
	}

	var span core.Span
	if p.telemetry != nil {
		ctx, span = p.telemetry.StartSpan(ctx, "planner.GeneratePlan")
		defer span.End()
	}

	prompt := p.buildPrompt(intent)
	response, err := p.client.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: 0.1,
		MaxTokens:   2000,
	})
	if err != nil {
		if span != nil {
			span.RecordError(err)
		}
		return nil, fmt.Errorf("model call failed: %w", core.ErrPlannerUnavailable)
	}

	plan, err := parsePlan(response.Content)
	if err != nil {
		p.logger.Error("Failed to parse model plan", map[string]interface{}{
			"operation": "generate_plan",
			"error":     err.Error(),
			"response":  truncate(response.Content, 500),
		})
		return nil, err
	}
	plan.Intent = intent
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	p.logger.Info("Plan generated", map[string]interface{}{
		"operation": "generate_plan",
		"plan_id":   plan.ID,
		"steps":     len(plan.Steps),
		"model":     response.Model,
		"tokens":    response.Usage.TotalTokens,
	})
	return plan, nil
}

func (p *ModelPlanner) buildPrompt(intent string) string {
	var sb strings.Builder
	sb.WriteString("You are a routing planner for an API gateway. Translate the user request into a JSON plan.\n\n")
	sb.WriteString("Available services:\n")
	for name := range p.services {
		sb.WriteString("- ")
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	sb.WriteString("\nRespond with ONLY a JSON object of this shape:\n")
	sb.WriteString(`{"steps":[{"order":1,"service_name":"...","function_name":"...","description":"...","parameters":{}}]}`)
	sb.WriteString("\n\nSteps must be ordered 1..N with no gaps. Parameters may reference earlier results with ${stepN.field} and built-ins ${userId} and ${intent}.\n\n")
	sb.WriteString("User request: ")
	sb.WriteString(intent)
	return sb.String()
}

// parsePlan extracts the first JSON object from model output and decodes
// it. Models wrap JSON in prose or fences often enough that a raw
// json.Unmarshal of the whole response is not reliable.
func parsePlan(content string) (*Plan, error) {
	start := findJSONStart(content)
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in model response: %w", core.ErrPlanInvalid)
	}
	end := findJSONEnd(content, start)
	if end < 0 {
		return nil, fmt.Errorf("unterminated JSON object in model response: %w", core.ErrPlanInvalid)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(content[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("decoding plan JSON: %v: %w", err, core.ErrPlanInvalid)
	}
	return &plan, nil
}

func findJSONStart(s string) int {
	return strings.IndexByte(s, '{')
}

// findJSONEnd returns the index of the brace closing the object opened at
// start, tracking nesting and string literals.
func findJSONEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}
