package security

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/intentgate/intentgate/core"
)

// RefusalKind identifies why an admission was refused.
type RefusalKind string

const (
	RefusalUnauthorized       RefusalKind = "Unauthorized"
	RefusalInvalid            RefusalKind = "Invalid"
	RefusalPromptInjection    RefusalKind = "PromptInjectionDetected"
	RefusalSensitiveOperation RefusalKind = "SensitiveOperationDetected"
	RefusalRateLimit          RefusalKind = "RateLimitExceeded"
)

// HTTPStatus maps the refusal to its response code.
func (k RefusalKind) HTTPStatus() int {
	switch k {
	case RefusalUnauthorized:
		return http.StatusUnauthorized
	case RefusalRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

// Outcome is the result of one admission attempt. Either Allowed with a
// principal, or refused with a kind and reason. Quota is populated
// whenever the quota keeper was consulted.
type Outcome struct {
	Allowed       bool
	Principal     core.Principal
	CorrelationID string

	Kind       RefusalKind
	Reason     string
	RetryAfter time.Duration
	Quota      *QuotaDecision
}

// Pipeline composes the admission checks every intent passes through
// before planning: token verification, then guardrail, then quota. Every
// admission, allowed or refused, produces an audit record.
type Pipeline struct {
	verifier  core.TokenVerifier
	guardrail *Guardrail
	quota     QuotaKeeper
	audit     AuditSink
	logger    core.Logger
}

// NewPipeline wires the admission pipeline. audit may be nil.
func NewPipeline(verifier core.TokenVerifier, guardrail *Guardrail, quota QuotaKeeper, audit AuditSink, logger core.Logger) *Pipeline {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Pipeline{
		verifier:  verifier,
		guardrail: guardrail,
		quota:     quota,
		audit:     audit,
		logger:    logger,
	}
}

// Admit runs the checks in order and returns the outcome. The correlation
// id is taken from the request context when the middleware set one, else
// generated here so refusals are traceable too.
func (p *Pipeline) Admit(ctx context.Context, token, intent string) Outcome {
	correlationID := core.CorrelationIDFrom(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
		ctx = core.WithCorrelationID(ctx, correlationID)
	}

	principal, err := p.verifier.Verify(ctx, token)
	if err != nil {
		return p.refuse(ctx, Outcome{
			CorrelationID: correlationID,
			Kind:          RefusalUnauthorized,
			Reason:        err.Error(),
		}, "")
	}

	if err := p.guardrail.Check(principal.UserID, intent); err != nil {
		outcome := Outcome{
			Principal:     principal,
			CorrelationID: correlationID,
			Kind:          refusalKindOf(err),
			Reason:        err.Error(),
		}
		return p.refuse(ctx, outcome, principal.UserID)
	}

	decision := p.quota.Check(ctx, principal.UserID)
	if !decision.Allowed {
		outcome := Outcome{
			Principal:     principal,
			CorrelationID: correlationID,
			Kind:          RefusalRateLimit,
			Reason:        core.ErrRateLimitExceeded.Error(),
			RetryAfter:    decision.RetryAfter,
			Quota:         &decision,
		}
		return p.refuse(ctx, outcome, principal.UserID)
	}

	outcome := Outcome{
		Allowed:       true,
		Principal:     principal,
		CorrelationID: correlationID,
		Quota:         &decision,
	}
	p.record(ctx, principal.UserID, http.StatusOK, "")
	return outcome
}

func refusalKindOf(err error) RefusalKind {
	switch {
	case errors.Is(err, core.ErrPromptInjection):
		return RefusalPromptInjection
	case errors.Is(err, core.ErrSensitiveOperation):
		return RefusalSensitiveOperation
	default:
		return RefusalInvalid
	}
}

func (p *Pipeline) refuse(ctx context.Context, outcome Outcome, userID string) Outcome {
	p.logger.Warn("Admission refused", map[string]interface{}{
		"operation":      "admission",
		"kind":           string(outcome.Kind),
		"user_id":        userID,
		"correlation_id": outcome.CorrelationID,
	})
	p.record(ctx, userID, outcome.Kind.HTTPStatus(), outcome.Reason)
	return outcome
}

func (p *Pipeline) record(ctx context.Context, userID string, status int, errorMessage string) {
	if p.audit == nil {
		return
	}
	p.audit.Record(ctx, AuditRecord{
		UserID:       userID,
		Action:       ActionAccess,
		Resource:     "intent",
		StatusCode:   status,
		ErrorMessage: errorMessage,
	})
}
