// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the streaming completion transport for
// OpenAI-compatible chat backends such as OpenRouter.
package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/magland/chatgeneral/internal/model"
)

// Configuration constants for the completion backend.
const (
	// DefaultBaseURL is the base URL for the OpenRouter API.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultModel is used when no model is configured.
	DefaultModel = "openai/gpt-4o-mini"

	// DefaultMaxRetries is the number of retries after the first attempt for
	// rate-limited or network-failed requests.
	DefaultMaxRetries = 5

	// DefaultRetryBaseDelay is the first backoff delay; it doubles per retry.
	DefaultRetryBaseDelay = 1 * time.Second

	// DefaultRetryMaxDelay caps the backoff delay.
	DefaultRetryMaxDelay = 30 * time.Second

	// MaxResponseSize is the maximum allowed size of an error response body.
	MaxResponseSize = 10 * 1024 * 1024 // 10MB limit

	userAgent = "chatgeneral/0.1.0"
)

// Error variables for common backend errors.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrCancelled is returned when the caller cancelled the request. It is
	// not a failure: the accompanying Response holds the partial output.
	ErrCancelled = errors.New("request cancelled")
)

// APIError represents an error reported by the backend.
type APIError struct {
	Code    string
	Message string
	Status  int
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// NetworkError wraps a connection-level failure (dial, reset, truncated
// stream). These are retried under the same policy as rate limiting.
type NetworkError struct {
	Err error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// =============================================================================
// REQUEST / RESPONSE
// =============================================================================

// ToolDefinition describes a callable tool to the backend.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Request is a single completion request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []model.Message
	Tools        []ToolDefinition
}

// Response is the accumulated result of a streamed completion.
type Response struct {
	Content      string
	ToolCalls    []model.ToolCall
	Usage        model.Usage
	Model        string
	FinishReason string
}

// HasToolCalls reports whether the backend requested tool execution.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// PartialFunc receives the full accumulated text (or a waiting notice)
// every time it changes.
type PartialFunc func(text string)

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error struct {
		Code    interface{} `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client streams chat completions from an OpenAI-compatible backend.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	maxRetries     int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	siteURL  string
	siteName string
}

// NewClient creates a new client with the given API key.
// If the API key is empty, Complete fails with ErrNotConfigured.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: DefaultBaseURL,
		// No client timeout: streams are bounded by the caller's context.
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
			},
		},
		maxRetries:     DefaultMaxRetries,
		retryBaseDelay: DefaultRetryBaseDelay,
		retryMaxDelay:  DefaultRetryMaxDelay,
		siteURL:        "https://magland.github.io/chatgeneral",
		siteName:       "chatgeneral",
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithMaxRetries sets the maximum number of retries after the first attempt.
func (c *Client) WithMaxRetries(maxRetries int) *Client {
	if maxRetries >= 0 {
		c.maxRetries = maxRetries
	}
	return c
}

// WithRetryDelays sets the base and maximum backoff delays.
func (c *Client) WithRetryDelays(base, max time.Duration) *Client {
	if base > 0 {
		c.retryBaseDelay = base
	}
	if max > 0 {
		c.retryMaxDelay = max
	}
	return c
}

// WithRateLimit paces request starts to at most perMinute requests per
// minute. Zero disables pacing.
func (c *Client) WithRateLimit(perMinute int) *Client {
	if perMinute <= 0 {
		c.limiter = nil
		return c
	}
	c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1)
	return c
}

// WithSiteName sets the X-Title header value.
func (c *Client) WithSiteName(name string) *Client {
	c.siteName = name
	return c
}

// IsConfigured returns true if the client has an API key configured.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// BaseURL returns the configured base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIKeyMasked returns a masked version of the API key for display.
func (c *Client) APIKeyMasked() string {
	if c.apiKey == "" {
		return "[not set]"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(c.apiKey), hex.EncodeToString(h[:4]))
}

// =============================================================================
// LOGGING (without sensitive data)
// =============================================================================

// logRequest logs an API request. Headers and body are never logged.
func (c *Client) logRequest(req *http.Request, attempt int) {
	log.Printf("API Request: %s %s (attempt %d)", req.Method, req.URL.Path, attempt+1)
}

// logResponse logs an API response with duration.
func (c *Client) logResponse(resp *http.Response, duration time.Duration) {
	log.Printf("API Response: %s (%v)", resp.Status, duration)
}

// setHeaders sets the required headers for API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// =============================================================================
// COMPLETE
// =============================================================================

// Complete streams one completion. Text deltas are reported through
// onPartial as the full accumulated text. Rate-limited and network-failed
// attempts are retried with exponential backoff, and a waiting notice is
// reported through onPartial before each wait.
//
// When ctx is cancelled the call returns immediately with ErrCancelled and a
// Response holding whatever content had streamed so far.
func (c *Client) Complete(ctx context.Context, req Request, onPartial PartialFunc) (*Response, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if onPartial == nil {
		onPartial = func(string) {}
	}

	body, err := json.Marshal(buildChatRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return &Response{}, cancelled(err)
			}
		}

		resp, err := c.streamOnce(ctx, body, attempt, onPartial)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			if resp == nil {
				resp = &Response{}
			}
			return resp, cancelled(ctx.Err())
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
		if attempt >= c.maxRetries {
			return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
		}

		delay := c.calculateBackoff(attempt)
		onPartial(waitingNotice(err, delay, attempt+1, c.maxRetries))
		log.Printf("API retry in %v after: %v", delay, err)

		select {
		case <-ctx.Done():
			return &Response{}, cancelled(ctx.Err())
		case <-time.After(delay):
		}
	}
}

// cancelled wraps a context error so callers can match ErrCancelled.
func cancelled(cause error) error {
	return fmt.Errorf("%w: %v", ErrCancelled, cause)
}

// streamOnce performs one HTTP exchange and decodes the SSE stream. The
// returned Response holds partial content even when an error is returned.
func (c *Client) streamOnce(ctx context.Context, body []byte, attempt int, onPartial PartialFunc) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)
	c.logRequest(httpReq, attempt)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)

	// Clear the Authorization header so nothing downstream can log it.
	httpReq.Header.Del("Authorization")

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()
	c.logResponse(resp, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		respBody, readErr := readResponse(resp)
		if readErr != nil {
			respBody = nil
		}
		return nil, c.handleErrorResponse(resp.StatusCode, respBody)
	}

	acc := NewStreamAccumulator()
	err = processStream(ctx, resp.Body, func(chunk StreamChunk) error {
		if chunk.Error != nil {
			return chunkError(chunk.Error)
		}
		if acc.Add(chunk) {
			onPartial(acc.Content())
		}
		return nil
	})
	if err != nil {
		return acc.Response(), err
	}
	return acc.Response(), nil
}

// readResponse reads the response body with size limits to prevent memory exhaustion.
func readResponse(resp *http.Response) ([]byte, error) {
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// handleErrorResponse converts HTTP error responses to appropriate Go errors.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	message := strings.TrimSpace(string(body))
	code := ""

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
		if apiErr.Error.Code != nil {
			code = fmt.Sprint(apiErr.Error.Code)
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}

	if statusCode == http.StatusTooManyRequests || isRateLimitMessage(message) {
		return fmt.Errorf("%w: %s", ErrRateLimited, message)
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuthFailed, message)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", ErrInsufficientCredits, message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrModelNotFound, message)
	default:
		return &APIError{Code: code, Message: message, Status: statusCode}
	}
}

// chunkError converts an error object delivered inside the stream.
func chunkError(e *ChunkError) error {
	if isRateLimitMessage(e.Message) {
		return fmt.Errorf("%w: %s", ErrRateLimited, e.Message)
	}
	status := 0
	if n, ok := e.Code.(float64); ok {
		status = int(n)
	}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRateLimited, e.Message)
	}
	return &APIError{Code: fmt.Sprint(e.Code), Message: e.Message, Status: status}
}

// isRateLimitMessage reports whether an error message carries the rate
// limit signature.
func isRateLimitMessage(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "rate limit")
}

// isRetryable determines if an error should trigger a retry. Only rate
// limiting and bare network failures qualify; other non-2xx statuses end
// the turn immediately.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// calculateBackoff returns the delay to wait before retry number attempt+1.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > c.retryMaxDelay || delay <= 0 {
		delay = c.retryMaxDelay
	}
	return delay
}

// waitingNotice is the human-readable text shown while backing off.
func waitingNotice(err error, delay time.Duration, retry, maxRetries int) string {
	reason := "Network error"
	if errors.Is(err, ErrRateLimited) {
		reason = "Rate limited by the backend"
	}
	return fmt.Sprintf("%s. Retrying in %s (attempt %d of %d)...", reason, formatDelay(delay), retry, maxRetries)
}

func formatDelay(d time.Duration) string {
	if d >= time.Second {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	return d.String()
}
