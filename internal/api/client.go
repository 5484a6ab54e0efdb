package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/metrics"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests
	DefaultHTTPTimeout = 120 * time.Second
	// DefaultMaxRetries is the default maximum number of retry attempts
	DefaultMaxRetries = 3
	// DefaultBaseRetryDelay is the base delay for exponential backoff
	DefaultBaseRetryDelay = 2 * time.Second
	// RateLimitBackoffMultiplier is the multiplier for rate limit backoff (3^n)
	RateLimitBackoffMultiplier = 3
)

// Caller is the chat completion surface the pipeline depends on.
// *Client implements it; tests substitute deterministic stubs.
// A nil error guarantees a response with at least one choice, so callers
// may index Choices[0] directly.
type Caller interface {
	ChatCompletion(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []Message) (*ChatCompletionResponse, error)
}

// Embedder is the embeddings surface used by the semantic comparison strategy
type Embedder interface {
	Embeddings(ctx context.Context, modelCfg config.ModelConfig, apiKey string, input []string) (*EmbeddingsResponse, error)
}

// Client handles HTTP requests to OpenAI-compatible API endpoints
type Client struct {
	httpClient      *http.Client
	rateLimiterPool *RateLimiterPool
	providerLimits  map[string]int
	logger          *slog.Logger
	baseRetryDelay  time.Duration
}

// NewClient creates a new API client
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: DefaultHTTPTimeout,
		},
		rateLimiterPool: NewRateLimiterPool(),
		logger:          logger,
		baseRetryDelay:  DefaultBaseRetryDelay,
	}
}

// SetProviderRateLimits installs provider-wide request budgets on top of
// the per-model limiters. Keys match config.GetProviderName.
func (c *Client) SetProviderRateLimits(limits map[string]int) {
	c.providerLimits = limits
}

// ChatCompletion sends a chat completion request to the specified model,
// retrying transient failures with exponential backoff
func (c *Client) ChatCompletion(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
) (*ChatCompletionResponse, error) {
	req := ChatCompletionRequest{
		Model:       modelCfg.ModelName,
		Messages:    messages,
		Temperature: modelCfg.Temperature,
		TopP:        modelCfg.TopP,
		MaxTokens:   modelCfg.MaxOutputTokens,
		N:           1,
	}
	if modelCfg.UseJSONMode {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	var resp ChatCompletionResponse
	err := c.doWithRetry(ctx, modelCfg, apiKey, "chat/completions", req, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned in response")
	}
	return &resp, nil
}

// Embeddings sends an embeddings request to the specified model
func (c *Client) Embeddings(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	input []string,
) (*EmbeddingsResponse, error) {
	req := EmbeddingsRequest{
		Model: modelCfg.ModelName,
		Input: input,
	}

	var resp EmbeddingsResponse
	err := c.doWithRetry(ctx, modelCfg, apiKey, "embeddings", req, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(input) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(input))
	}
	return &resp, nil
}

func (c *Client) doWithRetry(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	path string,
	payload any,
	out any,
) error {
	modelID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)

	maxRetries := modelCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	maxBackoff := time.Duration(modelCfg.MaxBackoffSeconds) * time.Second
	if maxBackoff == 0 {
		maxBackoff = 120 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseRetryDelay

			// Rate limit errors get longer delays (3^n: 6s, 18s, 54s)
			if apiErr, ok := lastErr.(*APIError); ok && apiErr.StatusCode == http.StatusTooManyRequests {
				backoff = time.Duration(math.Pow(RateLimitBackoffMultiplier, float64(attempt))) * c.baseRetryDelay
			}
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			jitter := time.Duration(float64(backoff) * 0.1 * (2*float64(time.Now().UnixNano()%100)/100 - 1))

			c.logger.Warn("Retrying API request",
				"attempt", attempt,
				"max_retries", maxRetries,
				"backoff", backoff+jitter,
				"model", modelCfg.ModelName)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		// Wait for the per-model rate limiter before dispatching
		waitStart := time.Now()
		if err := c.rateLimiterPool.Wait(ctx, modelID, modelCfg.RateLimitPerMinute); err != nil {
			return fmt.Errorf("rate limiter wait failed: %w", err)
		}
		provider := config.GetProviderName(modelCfg.BaseURL)
		if rpm, ok := c.providerLimits[provider]; ok && rpm > 0 {
			if err := c.rateLimiterPool.Wait(ctx, "provider:"+provider, rpm); err != nil {
				return fmt.Errorf("rate limiter wait failed: %w", err)
			}
		}
		metrics.RecordRateLimiterWait(modelCfg.ModelName, time.Since(waitStart))

		callStart := time.Now()
		err := c.doRequest(ctx, modelCfg, apiKey, path, payload, out)
		metrics.RecordAPIRequest(modelCfg.ModelName, time.Since(callStart), err == nil)
		if err == nil {
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	path string,
	payload any,
	out any,
) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := modelCfg.BaseURL
	if endpoint[len(endpoint)-1] != '/' {
		endpoint += "/"
	}
	endpoint += path

	// Per-call timeout
	timeout := time.Duration(modelCfg.HTTPTimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	} else {
		c.logger.Debug("API request without key", "endpoint", endpoint)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and timeouts are transient
		return &APIError{
			Message:    fmt.Sprintf("request failed: %v", err),
			StatusCode: 0,
			Retryable:  true,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		retryable := isStatusCodeRetryable(httpResp.StatusCode)

		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return &APIError{
				Message:    errResp.Error.Message,
				StatusCode: httpResp.StatusCode,
				Type:       errResp.Error.Type,
				Code:       errResp.Error.Code,
				Retryable:  retryable,
			}
		}

		return &APIError{
			Message:    fmt.Sprintf("API request failed with status %d: %s", httpResp.StatusCode, string(respBody)),
			StatusCode: httpResp.StatusCode,
			Retryable:  retryable,
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	return false
}

func isStatusCodeRetryable(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}
