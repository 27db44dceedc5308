package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/intentgate/intentgate/core"
)

// ServiceClient invokes one function on one downstream service. The error
// carries the downstream HTTP status when one was received, so the retry
// layer can classify it.
type ServiceClient interface {
	Call(ctx context.Context, service, function string, params map[string]interface{}, bearer string) (interface{}, error)
}

// HTTPServiceClient calls downstream services over HTTP: POST JSON to
// {baseURL}/api/functions/{function}, propagating the caller's bearer token
// and the request correlation id.
type HTTPServiceClient struct {
	services   map[string]string
	httpClient *http.Client
	logger     core.Logger
}

// NewHTTPServiceClient builds a client over a service-name to base-URL map.
// The HTTP client carries no timeout of its own; deadlines come from the
// retry policy's context.
func NewHTTPServiceClient(services map[string]string, logger core.Logger) *HTTPServiceClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HTTPServiceClient{
		services: services,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Call invokes function on service with the given parameters.
func (c *HTTPServiceClient) Call(ctx context.Context, service, function string, params map[string]interface{}, bearer string) (interface{}, error) {
	baseURL, ok := c.services[service]
	if !ok {
		return nil, &core.GatewayError{
			Op:         "service.Call",
			Kind:       "orchestration",
			HTTPStatus: http.StatusNotFound,
			Message:    fmt.Sprintf("service %s not found in registry", service),
			Err:        core.ErrServiceNotFound,
		}
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, &core.GatewayError{
			Op:      "service.Call",
			Kind:    "orchestration",
			Message: fmt.Sprintf("invalid parameters for %s.%s", service, function),
			Err:     err,
		}
	}

	url := fmt.Sprintf("%s/api/functions/%s", baseURL, function)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if id := core.CorrelationIDFrom(ctx); id != "" {
		req.Header.Set(core.HeaderCorrelationID, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("calling %s.%s: %w", service, function, ctx.Err())
		}
		return nil, &core.GatewayError{
			Op:      "service.Call",
			Kind:    "orchestration",
			Message: fmt.Sprintf("connection to %s failed: %v", service, err),
			Err:     core.ErrConnectionFailed,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s.%s: %w", service, function, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Downstream call failed", map[string]interface{}{
			"operation": "service_call",
			"service":   service,
			"function":  function,
			"status":    resp.StatusCode,
		})
		return nil, &core.GatewayError{
			Op:         "service.Call",
			Kind:       "orchestration",
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("%s.%s returned status %d: %s", service, function, resp.StatusCode, truncate(string(data), 200)),
			Err:        core.ErrRequestFailed,
		}
	}

	if len(data) == 0 {
		return nil, nil
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		// Non-JSON bodies pass through as text
		return string(data), nil
	}
	return value, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
