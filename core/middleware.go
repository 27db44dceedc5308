package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	traceIDKey       contextKey = "trace_id"
)

// HeaderCorrelationID is echoed back if provided by the client, else generated.
const HeaderCorrelationID = "X-Correlation-Id"

// HeaderTraceID carries the observability trace id on every response.
const HeaderTraceID = "X-Trace-Id"

// CorrelationIDFrom returns the correlation id attached to the context,
// or an empty string if the request never passed through the middleware.
func CorrelationIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// TraceIDFrom returns the trace id attached to the context.
func TraceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// WithTraceID attaches a trace id to the context.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// CorrelationMiddleware assigns each request a correlation id (echoing the
// client's when present) and a trace id, sets both response headers, and
// threads both through the request context.
func CorrelationMiddleware(telemetry Telemetry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := r.Header.Get(HeaderCorrelationID)
			if correlationID == "" {
				correlationID = uuid.New().String()
			}

			ctx := r.Context()
			var span Span
			if telemetry != nil {
				ctx, span = telemetry.StartSpan(ctx, "http.request")
				defer span.End()
				span.SetAttribute("correlation_id", correlationID)
			}

			traceID := TraceIDFrom(ctx)
			if traceID == "" {
				traceID = uuid.New().String()
				ctx = WithTraceID(ctx, traceID)
			}
			ctx = WithCorrelationID(ctx, correlationID)

			w.Header().Set(HeaderCorrelationID, correlationID)
			w.Header().Set(HeaderTraceID, traceID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher to support SSE streaming.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// LoggingMiddleware logs HTTP requests and responses with structured logging.
// In development mode (devMode=true), it logs all requests.
// In production mode (devMode=false), it only logs non-2xx responses and slow requests (>1s).
func LoggingMiddleware(logger Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
				written:        false,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)

			shouldLog := devMode ||
				wrapped.statusCode >= 400 ||
				duration > time.Second

			if shouldLog && logger != nil {
				logData := map[string]interface{}{
					"method":      r.Method,
					"path":        r.URL.Path,
					"status":      wrapped.statusCode,
					"duration_ms": duration.Milliseconds(),
					"remote_addr": r.RemoteAddr,
				}
				if id := CorrelationIDFrom(r.Context()); id != "" {
					logData["correlation_id"] = id
				}
				if r.ContentLength > 0 {
					logData["content_length"] = r.ContentLength
				}

				if wrapped.statusCode >= 500 {
					logger.Error("HTTP request error", logData)
				} else if wrapped.statusCode >= 400 {
					logger.Warn("HTTP request client error", logData)
				} else if duration > time.Second {
					logger.Warn("HTTP request slow", logData)
				} else {
					logger.Info("HTTP request", logData)
				}
			}
		})
	}
}
