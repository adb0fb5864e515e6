// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// Endpoint paths relative to the base URL.
const (
	ChatPath   = "/api/chat"
	ModelsPath = "/api/models"
)

const (
	// DefaultTimeout bounds non-streaming requests. Streams are bounded by
	// the caller's context only.
	DefaultTimeout = 30 * time.Second

	// DefaultRequestsPerSecond is the outbound request rate.
	DefaultRequestsPerSecond = 2.0

	// DefaultMaxRetries applies to the models listing only. Inference
	// requests are never retried.
	DefaultMaxRetries = 3

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 * 1024
)

// sharedTransport pools connections for every client.
var sharedTransport = &http.Transport{
	Proxy:               http.ProxyFromEnvironment,
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 10,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
	TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
}

var (
	// ErrNotConfigured indicates no endpoint URL is set.
	ErrNotConfigured = errors.New("chat endpoint not configured")

	// ErrRateLimited is matched by APIError values with status 429.
	ErrRateLimited = errors.New("rate limited")
)

// APIError is a non-200 response from the endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("endpoint error (HTTP %d)", e.StatusCode)
	}
	return fmt.Sprintf("endpoint error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Is reports 429 responses as ErrRateLimited.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == http.StatusTooManyRequests
}

// =============================================================================
// CLIENT
// =============================================================================

// Client streams chat turns from an HTTP endpoint serving the event
// vocabulary as Server-Sent Events. It implements stream.Transport.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	maxRetries int

	streamClient *http.Client
	httpClient   *http.Client
	limiter      *rate.Limiter
}

var _ stream.Transport = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the timeout of non-streaming requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit limits outbound requests to rps with the given burst.
// rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPClient replaces the underlying HTTP client for both streaming and
// plain requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.streamClient = hc
		c.httpClient = hc
	}
}

// WithMaxRetries sets the retry count for the models listing.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 1 {
			c.maxRetries = n
		}
	}
}

// NewClient creates a client for the endpoint at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		userAgent:    "chatcore/1.0",
		maxRetries:   DefaultMaxRetries,
		streamClient: &http.Client{Transport: sharedTransport},
		httpClient:   &http.Client{Transport: sharedTransport, Timeout: DefaultTimeout},
		limiter:      rate.NewLimiter(rate.Limit(DefaultRequestsPerSecond), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the endpoint base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IsConfigured reports whether an endpoint is set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// APIKeyMasked returns the key with all but the last four characters hidden.
func (c *Client) APIKeyMasked() string {
	if c.apiKey == "" {
		return "(not set)"
	}
	if len(c.apiKey) <= 8 {
		return "****"
	}
	return "****" + c.apiKey[len(c.apiKey)-4:]
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// readError converts a non-200 response into an APIError. A JSON body of
// the form {"error": "..."} supplies the message.
func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// =============================================================================
// MODELS
// =============================================================================

// Models fetches the model table the endpoint serves. Transient failures
// (429, 5xx) are retried with exponential backoff.
func (c *Client) Models(ctx context.Context) ([]model.ModelOption, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(calculateBackoff(attempt)):
			}
		}

		models, err := c.fetchModels(ctx)
		if err == nil {
			return models, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
		logging.Debug("MODELS_RETRY", "attempt", attempt+1, "err", err)
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) fetchModels(ctx context.Context) ([]model.ModelOption, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ModelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var payload struct {
		Models []model.ModelOption `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse models: %w", err)
	}
	return payload.Models, nil
}

// isRetryable reports whether err is a rate limit or a server error.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests ||
			(apiErr.StatusCode >= 500 && apiErr.StatusCode < 600)
	}
	return false
}

// calculateBackoff returns the delay before retry attempt: 1s, 2s, 4s, ...
// capped at retryMaxDelay.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}
