package orchestration

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/intentgate/intentgate/core"
)

// referencePattern matches ${EXPR} where EXPR is a dot-separated path.
var referencePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolver substitutes ${...} references in step parameters with values
// from earlier step results and execution built-ins. It never fabricates
// values: an unresolvable reference stays in the text, is logged, and is
// reported back to the caller.
type Resolver struct {
	logger core.Logger
}

// NewResolver creates a resolver with the given logger.
func NewResolver(logger core.Logger) *Resolver {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Resolver{logger: logger}
}

// ResolveParameters resolves every parameter of a step against the
// execution context. Only results of steps with order below maxOrder are
// visible. The input map is not mutated. The second return value lists
// every reference expression that could not be resolved.
func (r *Resolver) ResolveParameters(ctx context.Context, params map[string]interface{}, ec *ExecutionContext, maxOrder int) (map[string]interface{}, []string, error) {
	if len(params) == 0 {
		return params, nil, nil
	}
	var unresolved []string
	resolved := make(map[string]interface{}, len(params))
	for key, value := range params {
		if err := ctx.Err(); err != nil {
			return nil, nil, core.NewGatewayError("resolver.ResolveParameters", "orchestration", core.ErrContextCanceled)
		}
		resolved[key] = r.resolveValue(ctx, value, ec, maxOrder, &unresolved)
	}
	return resolved, unresolved, nil
}

// resolveValue walks a JSON-like value tree. Sequences resolve element-wise,
// mappings value-wise, strings are scanned for references. Other types pass
// through untouched.
func (r *Resolver) resolveValue(ctx context.Context, value interface{}, ec *ExecutionContext, maxOrder int, unresolved *[]string) interface{} {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, ec, maxOrder, unresolved)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			if ctx.Err() != nil {
				return value
			}
			out[k] = r.resolveValue(ctx, elem, ec, maxOrder, unresolved)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			if ctx.Err() != nil {
				return value
			}
			out[i] = r.resolveValue(ctx, elem, ec, maxOrder, unresolved)
		}
		return out
	default:
		return value
	}
}

// resolveString handles the two substitution modes: a string that is exactly
// one reference splices the referenced value with its original type; a string
// with embedded references gets each replaced by its string form.
func (r *Resolver) resolveString(s string, ec *ExecutionContext, maxOrder int, unresolved *[]string) interface{} {
	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole-string single reference keeps the resolved type
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		expr := s[matches[0][2]:matches[0][3]]
		if value, ok := r.lookup(expr, ec, maxOrder); ok {
			return value
		}
		r.noteUnresolved(expr, unresolved)
		return s
	}

	return referencePattern.ReplaceAllStringFunc(s, func(ref string) string {
		expr := ref[2 : len(ref)-1]
		if value, ok := r.lookup(expr, ec, maxOrder); ok {
			return core.Stringify(value)
		}
		r.noteUnresolved(expr, unresolved)
		return ref
	})
}

// lookup evaluates a dot-path expression. The first segment selects the
// root: userId, intent (case-insensitive), or stepN for an earlier step's
// value. Remaining segments navigate maps and sequences.
func (r *Resolver) lookup(expr string, ec *ExecutionContext, maxOrder int) (interface{}, bool) {
	segments := strings.Split(expr, ".")
	head := segments[0]

	var current interface{}
	switch {
	case strings.EqualFold(head, "userId"):
		current = ec.UserID
	case strings.EqualFold(head, "intent"):
		current = ec.Intent
	default:
		order, ok := parseStepRef(head)
		if !ok {
			if v, found := ec.Variables[head]; found {
				current = v
				break
			}
			return nil, false
		}
		if order >= maxOrder {
			return nil, false
		}
		result, found := ec.ResultFor(order)
		if !found {
			return nil, false
		}
		current = result.Value
	}

	for _, segment := range segments[1:] {
		next, ok := navigate(current, segment)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// navigate descends one path segment into a value: map key (exact match,
// then case-insensitive) or sequence index.
func navigate(value interface{}, segment string) (interface{}, bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		if elem, ok := v[segment]; ok {
			return elem, true
		}
		for k, elem := range v {
			if strings.EqualFold(k, segment) {
				return elem, true
			}
		}
		return nil, false
	case []interface{}:
		idx, err := strconv.Atoi(segment)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return v[idx], true
	default:
		return nil, false
	}
}

// parseStepRef extracts N from "stepN". Case-insensitive prefix, positive N.
func parseStepRef(segment string) (int, bool) {
	lower := strings.ToLower(segment)
	if !strings.HasPrefix(lower, "step") {
		return 0, false
	}
	n, err := strconv.Atoi(segment[4:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (r *Resolver) noteUnresolved(expr string, unresolved *[]string) {
	*unresolved = append(*unresolved, expr)
	r.logger.Warn("Unresolved parameter reference", map[string]interface{}{
		"operation": "resolve_parameters",
		"reference": expr,
	})
}
