// Package ai provides the model client backing the model planner. The
// client speaks the OpenAI-compatible chat completions protocol, which
// also covers self-hosted gateways exposing the same surface.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/intentgate/intentgate/core"
)

const defaultBaseURL = "https://api.openai.com/v1"
const defaultModel = "gpt-4o-mini"

// ClientConfig configures the model client.
type ClientConfig struct {
	// APIKey authenticates against the endpoint. Falls back to
	// OPENAI_API_KEY.
	APIKey string
	// BaseURL points at an OpenAI-compatible endpoint. Falls back to
	// INTENTGATE_AI_BASE_URL, then the public API.
	BaseURL string
	// Model is the default model when the caller does not pick one.
	Model   string
	Timeout time.Duration
	Logger  core.Logger
}

// Client implements core.AIClient over the chat completions endpoint.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     core.Logger
}

// NewClient creates a model client. Returns an error when no API key is
// available from config or environment.
func NewClient(config ClientConfig) (*Client, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("model API key: %w", core.ErrMissingConfiguration)
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("INTENTGATE_AI_BASE_URL")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := config.Model
	if model == "" {
		model = os.Getenv("INTENTGATE_AI_MODEL")
	}
	if model == "" {
		model = defaultModel
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// GenerateResponse sends one prompt and returns the model's reply.
func (c *Client) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if options == nil {
		options = &core.AIOptions{}
	}
	model := options.Model
	if model == "" {
		model = c.model
	}

	messages := make([]chatMessage, 0, 2)
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model request: %w", core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("reading model response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decoding model response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		message := string(data)
		if parsed.Error != nil {
			message = parsed.Error.Message
		}
		return nil, &core.GatewayError{
			Op:         "ai.GenerateResponse",
			Kind:       "ai",
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("model endpoint returned %d: %s", resp.StatusCode, message),
			Err:        core.ErrRequestFailed,
		}
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices: %w", core.ErrRequestFailed)
	}

	c.logger.Debug("Model call completed", map[string]interface{}{
		"operation":   "generate_response",
		"model":       parsed.Model,
		"tokens":      parsed.Usage.TotalTokens,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}
