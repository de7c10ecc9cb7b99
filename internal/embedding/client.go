package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/clinagent/evidence-service/internal/domain"
)

// Model identifies which embedding model vectorizes a text.
type Model string

const (
	// ModelE5 is the multilingual sentence embedder used for paper search.
	// Query texts must carry the "query: " prefix per the model's convention.
	ModelE5 Model = "e5"
	// ModelSapBERT is the biomedical-concept embedder used for fact search.
	ModelSapBERT Model = "sapbert"
)

// QueryPrefix is prepended to E5 query texts per the model's convention.
const QueryPrefix = "query: "

// Embedder vectorizes text with a named model. Vectors are L2-normalized by
// the service, so cosine similarity reduces to a dot product.
type Embedder interface {
	Embed(ctx context.Context, text string, model Model) ([]float32, error)
}

// Config configures the embedding service client.
type Config struct {
	// BaseURL is the embedding microservice base URL.
	BaseURL string
	// APIKey is the bearer token; empty disables authentication.
	APIKey string
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// RateLimit is the maximum requests per second.
	RateLimit float64
	// BurstSize is the token bucket burst size.
	BurstSize int
	// MaxRetries is the maximum retry attempts per embed call.
	MaxRetries int
	// RetryDelay is the base delay between retries.
	RetryDelay time.Duration
}

// Client calls the embedding microservice over HTTP with rate limiting and
// bounded retries on transient failures. It is safe for concurrent use.
type Client struct {
	client      *http.Client
	rateLimiter *RateLimiter
	cfg         Config
}

// Compile-time check that Client implements Embedder.
var _ Embedder = (*Client)(nil)

// NewClient creates a new embedding service client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding: base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = 5
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}

	return &Client{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.BurstSize),
		cfg:         cfg,
	}, nil
}

// embedRequest is the service's request body.
type embedRequest struct {
	Text string `json:"text"`
}

// embedResponse is the service's response body.
type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Dim       int       `json:"dim"`
	Error     string    `json:"error"`
}

// Embed vectorizes text with the given model. Transient failures (5xx,
// network errors) are retried up to MaxRetries times.
func (c *Client) Embed(ctx context.Context, text string, model Model) ([]float32, error) {
	if text == "" {
		return nil, domain.NewValidationError("text", "must not be empty")
	}

	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/embed/%s", c.cfg.BaseURL, model)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.waitForRetry(ctx, c.cfg.RetryDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding: rate limiter wait: %w", err)
		}

		vector, err := c.doRequest(ctx, endpoint, body)
		if err == nil {
			return vector, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		var apiErr *domain.ExternalAPIError
		if errors.As(err, &apiErr) && !isTransientStatus(apiErr.StatusCode) {
			return nil, err
		}
		lastErr = err
	}

	return nil, domain.NewUnavailableError("embedding", c.cfg.MaxRetries+1, lastErr)
}

// doRequest performs a single embed request.
func (c *Client) doRequest(ctx context.Context, endpoint string, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewExternalAPIError("embedding", 0, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("embedding: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		message := string(respBody)
		var errResp embedResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			message = errResp.Error
		}
		return nil, domain.NewExternalAPIError("embedding", resp.StatusCode, message, nil)
	}

	var embedResp embedResponse
	if err := json.Unmarshal(respBody, &embedResp); err != nil {
		return nil, fmt.Errorf("embedding: unmarshal response: %w", err)
	}
	if len(embedResp.Embedding) == 0 {
		return nil, fmt.Errorf("embedding: empty vector in response")
	}

	return embedResp.Embedding, nil
}

// isTransientStatus reports whether a status code warrants a retry.
func isTransientStatus(statusCode int) bool {
	return statusCode == 0 ||
		statusCode == http.StatusTooManyRequests ||
		statusCode >= 500
}

// waitForRetry waits for the specified duration, respecting context cancellation.
func (c *Client) waitForRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
