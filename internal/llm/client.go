// Package llm provides the chat-completion client for the serverless
// inference endpoint, plus the cold-start retry caller every model call in
// the pipeline funnels through.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Default values for the completion client.
const (
	defaultModel     = "tgi"
	defaultMaxTokens = 2048
	defaultTimeout   = 180 * time.Second
)

// Request holds the parameters of one completion call.
type Request struct {
	// System is an optional system instruction.
	System string
	// Prompt is the user message.
	Prompt string
	// MaxTokens overrides the configured completion budget when > 0.
	MaxTokens int
	// Temperature is the sampling temperature.
	Temperature float64
}

// Completer is the single-turn completion interface the pipeline depends on.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// chatRequest represents the OpenAI-compatible Chat Completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// chatMessage represents a single message in the chat conversation.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse represents the Chat Completions response body.
type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
}

// chatChoice represents a single completion choice.
type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error apiErrorDetail `json:"error"`
}

// apiErrorDetail contains error details from the API.
type apiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Config holds the parameters needed to create a completion client.
type Config struct {
	// BaseURL is the endpoint base URL; the client appends /v1/chat/completions.
	BaseURL string
	// APIKey is the bearer token.
	APIKey string
	// Model is the model identifier sent in requests.
	Model string
	// MaxTokens is the default completion budget.
	MaxTokens int
	// Timeout is the per-attempt request timeout.
	Timeout time.Duration
}

// Client calls an OpenAI-compatible chat completion endpoint. It performs a
// single attempt per call; retry policy lives in Caller.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// Compile-time check that Client implements Completer.
var _ Completer = (*Client)(nil)

// NewClient creates a new completion client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: base URL is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg: cfg,
	}, nil
}

// Complete performs one chat completion call and returns the assistant text.
// Transport and HTTP failures are returned as *APIError so callers can
// distinguish transient cold-start conditions from permanent ones.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &APIError{
			Provider:   "completion",
			StatusCode: 0,
			Message:    err.Error(),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("llm: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", parseAPIError(resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices in response")
	}

	return chatResp.Choices[0].Message.Content, nil
}

// parseAPIError parses an API error from the response status code and body.
func parseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   "completion",
		StatusCode: statusCode,
		Message:    string(body),
	}

	var errResp apiErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		apiErr.Message = errResp.Error.Message
		apiErr.Type = errResp.Error.Type
		apiErr.Code = errResp.Error.Code
	}

	return apiErr
}
