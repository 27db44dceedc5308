// Package gateway exposes the intent pipeline over HTTP: execute, plan,
// stream, and health endpoints with bearer auth, rate-limit headers, and
// event-stream framing.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/intentgate/intentgate/core"
	"github.com/intentgate/intentgate/orchestration"
	"github.com/intentgate/intentgate/security"
)

// intentRequest is the body of the execute and plan endpoints.
type intentRequest struct {
	Intent  string                 `json:"intent"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// executeResponse is the success body of POST /api/intent/execute.
type executeResponse struct {
	Success         bool        `json:"success"`
	Result          interface{} `json:"result,omitempty"`
	Error           string      `json:"error,omitempty"`
	ExecutionTimeMs int64       `json:"executionTimeMs"`
	ExecutedAt      time.Time   `json:"executedAt"`
	PlanID          string      `json:"planId"`
}

// planResponse is the success body of POST /api/intent/plan.
type planResponse struct {
	PlanID string               `json:"planId"`
	Intent string               `json:"intent"`
	Steps  []orchestration.Step `json:"steps"`
}

// errorBody is the problem-details shape every error response uses.
type errorBody struct {
	StatusCode    int       `json:"statusCode"`
	Error         string    `json:"error"`
	Details       string    `json:"details,omitempty"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	TraceID       string    `json:"traceId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Path          string    `json:"path,omitempty"`
}

// Dependencies collects the server's collaborators. Admission and
// Orchestrator are required; the rest may be nil.
type Dependencies struct {
	Admission    *security.Pipeline
	Orchestrator *orchestration.Orchestrator
	Streaming    *orchestration.StreamingAdapter
	Audit        security.AuditSink
	Logger       core.Logger
	Telemetry    core.Telemetry
	Redis        *core.RedisClient
}

// Server is the gateway's HTTP front end.
type Server struct {
	config *core.Config
	deps   Dependencies
	logger core.Logger
	mux    *http.ServeMux
	server *http.Server
}

// NewServer builds the server and its route table.
func NewServer(config *core.Config, deps Dependencies) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config required: %w", core.ErrMissingConfiguration)
	}
	if deps.Admission == nil || deps.Orchestrator == nil {
		return nil, fmt.Errorf("admission pipeline and orchestrator required: %w", core.ErrMissingConfiguration)
	}
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if deps.Streaming == nil {
		deps.Streaming = orchestration.NewStreamingAdapter(deps.Orchestrator)
	}

	logger := deps.Logger
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("gateway")
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()

	handler := core.CorrelationMiddleware(deps.Telemetry)(
		core.CORSMiddleware(&config.CORS)(
			core.LoggingMiddleware(logger, config.Development.Mode)(s.mux)))

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Address, config.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/intent/execute", s.handleExecute)
	s.mux.HandleFunc("/api/intent/plan", s.handlePlan)
	s.mux.HandleFunc("/api/intent/stream/", s.handleStream)
	s.mux.HandleFunc("/health", s.handleHealth)
}

// Handler exposes the full middleware-wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Gateway listening", map[string]interface{}{
		"operation": "start",
		"address":   s.server.Addr,
	})
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway listener: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Gateway shutting down", map[string]interface{}{
		"operation": "stop",
	})
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "healthy"}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.HealthCheck(r.Context()); err != nil {
			status["redis"] = "degraded"
		} else {
			status["redis"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed", "", "")
		return
	}

	req, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}

	token := bearerToken(r)
	outcome := s.deps.Admission.Admit(r.Context(), token, req.Intent)
	if !outcome.Allowed {
		s.writeRefusal(w, r, outcome)
		return
	}

	result, err := s.deps.Orchestrator.Execute(r.Context(), req.Intent, outcome.Principal, token, req.Context)
	if err != nil {
		s.writeExecuteError(w, r, err)
		return
	}

	response := executeResponse{
		Success:         result.Success,
		Result:          result.AggregatedResult,
		ExecutionTimeMs: result.TotalDuration.Milliseconds(),
		ExecutedAt:      result.ExecutedAt,
		PlanID:          result.PlanID,
	}
	if !result.Success {
		response.Error = result.ErrorMessage
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed", "", "")
		return
	}

	req, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}

	token := bearerToken(r)
	outcome := s.deps.Admission.Admit(r.Context(), token, req.Intent)
	if !outcome.Allowed {
		s.writeRefusal(w, r, outcome)
		return
	}

	plan, err := s.deps.Orchestrator.GetPlan(r.Context(), req.Intent, outcome.Principal)
	if err != nil {
		s.writeExecuteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, planResponse{
		PlanID: plan.ID,
		Intent: plan.Intent,
		Steps:  plan.Steps,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, "method not allowed", "", "")
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/api/intent/stream/")
	intent, err := url.PathUnescape(raw)
	if err != nil || intent == "" {
		s.writeError(w, r, http.StatusBadRequest, "missing intent in path", "", "Invalid")
		return
	}

	token := bearerToken(r)
	outcome := s.deps.Admission.Admit(r.Context(), token, intent)
	if !outcome.Allowed {
		s.writeRefusal(w, r, outcome)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "streaming unsupported", err.Error(), "Internal")
		return
	}
	w.WriteHeader(http.StatusOK)

	events := s.deps.Streaming.Stream(r.Context(), intent, outcome.Principal, token)
	for event := range events {
		if err := sse.sendEvent(event); err != nil {
			// Client went away; the context cancellation stops the
			// producer side.
			s.logger.Debug("Stream write failed", map[string]interface{}{
				"operation": "stream",
				"error":     err.Error(),
			})
			return
		}
	}
}

// decodeIntent parses and bounds the request body. A false return means
// the error response was already written.
func (s *Server) decodeIntent(w http.ResponseWriter, r *http.Request) (intentRequest, bool) {
	var req intentRequest
	body := http.MaxBytesReader(w, r.Body, 1024*1024)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body", err.Error(), "Invalid")
		return req, false
	}
	return req, true
}

// writeRefusal maps an admission refusal to its response, adding the
// rate-limit header block on 429.
func (s *Server) writeRefusal(w http.ResponseWriter, r *http.Request, outcome security.Outcome) {
	status := outcome.Kind.HTTPStatus()

	if outcome.Kind == security.RefusalRateLimit && outcome.Quota != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(outcome.Quota.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(outcome.Quota.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(outcome.Quota.ResetAt.Unix(), 10))
		w.Header().Set("Retry-After", strconv.Itoa(int(outcome.RetryAfter.Seconds())))
	}

	s.writeError(w, r, status, string(outcome.Kind), outcome.Reason, string(outcome.Kind))
}

// writeExecuteError maps pipeline errors that happen after admission.
func (s *Server) writeExecuteError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrContextCanceled) || errors.Is(err, context.Canceled):
		s.writeError(w, r, http.StatusRequestTimeout, "request canceled", err.Error(), "Canceled")
	case errors.Is(err, core.ErrPlanInvalid):
		s.writeError(w, r, http.StatusInternalServerError, "planner produced an invalid plan", err.Error(), "Internal")
	case errors.Is(err, core.ErrPlannerUnavailable):
		s.writeError(w, r, http.StatusInternalServerError, "planning failed", err.Error(), "Internal")
	default:
		s.writeError(w, r, http.StatusInternalServerError, "internal error", err.Error(), "Internal")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, message, details, code string) {
	writeJSON(w, status, errorBody{
		StatusCode:    status,
		Error:         message,
		Details:       details,
		ErrorCode:     code,
		Timestamp:     time.Now().UTC(),
		TraceID:       core.TraceIDFrom(r.Context()),
		CorrelationID: core.CorrelationIDFrom(r.Context()),
		Path:          r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// bearerToken extracts the credential from the Authorization header.
// Scheme matching is ASCII case-insensitive.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// ExecutionAuditor bridges the orchestrator's audit hook to the security
// audit sink.
type ExecutionAuditor struct {
	sink security.AuditSink
}

// NewExecutionAuditor wraps an audit sink for execution records.
func NewExecutionAuditor(sink security.AuditSink) *ExecutionAuditor {
	return &ExecutionAuditor{sink: sink}
}

// RecordExecution audits one finished execution.
func (a *ExecutionAuditor) RecordExecution(ctx context.Context, userID string, result *orchestration.ExecutionResult) {
	if a.sink == nil {
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusInternalServerError
	}
	a.sink.Record(ctx, security.AuditRecord{
		UserID:       userID,
		Action:       security.ActionExecute,
		Resource:     "intent",
		StatusCode:   status,
		ErrorMessage: result.ErrorMessage,
		Context: map[string]interface{}{
			"plan_id":     result.PlanID,
			"steps":       len(result.Steps),
			"duration_ms": result.TotalDuration.Milliseconds(),
		},
	})
}
