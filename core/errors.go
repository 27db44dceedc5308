package core

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Admission errors
	ErrUnauthorized           = errors.New("unauthorized")
	ErrInvalidIntent          = errors.New("invalid intent")
	ErrPromptInjection        = errors.New("prompt injection detected")
	ErrSensitiveOperation     = errors.New("sensitive operation detected")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrMissingUserClaim       = errors.New("token has no user identity claim")

	// Orchestration errors
	ErrPlanInvalid        = errors.New("plan failed validation")
	ErrPlannerUnavailable = errors.New("planner unavailable")
	ErrServiceNotFound    = errors.New("service not found")
	ErrCircuitOpen        = errors.New("circuit breaker is open")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// ErrorCategory classifies a downstream failure for retry purposes.
type ErrorCategory string

const (
	// CategoryTransient failures are expected to clear on their own and
	// are eligible for retry with backoff.
	CategoryTransient ErrorCategory = "transient"
	// CategoryPermanent failures will not succeed on retry.
	CategoryPermanent ErrorCategory = "permanent"
	// CategoryUnknown covers everything else.
	CategoryUnknown ErrorCategory = "unknown"
)

var transientMarkers = []string{"timeout", "unavailable", "connection", "transient", "temporary"}
var permanentMarkers = []string{"unauthorized", "forbidden", "notfound", "invalid"}

var transientStatuses = map[int]bool{408: true, 429: true, 503: true, 504: true}
var permanentStatuses = map[int]bool{400: true, 401: true, 403: true, 404: true}

// ClassifyError derives the error category from the textual form of the
// error and any HTTP status carried with it. Status takes effect alongside
// the message; either signal is enough to classify.
func ClassifyError(message string, httpStatus int) ErrorCategory {
	lower := strings.ToLower(message)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return CategoryTransient
		}
	}
	if transientStatuses[httpStatus] {
		return CategoryTransient
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return CategoryPermanent
		}
	}
	if permanentStatuses[httpStatus] {
		return CategoryPermanent
	}
	return CategoryUnknown
}

// GatewayError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type GatewayError struct {
	Op         string // Operation that failed (e.g., "admission.Verify")
	Kind       string // Error kind (e.g., "auth", "quota", "planner")
	HTTPStatus int    // Optional downstream HTTP status
	Message    string // Human-readable message
	Err        error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *GatewayError) Error() string {
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a new GatewayError
func NewGatewayError(op, kind string, err error) *GatewayError {
	return &GatewayError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// StatusOf extracts the HTTP status carried by an error chain, or 0.
func StatusOf(err error) int {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.HTTPStatus
	}
	return 0
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrCircuitOpen) {
		return true
	}
	return ClassifyError(err.Error(), StatusOf(err)) == CategoryTransient
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
