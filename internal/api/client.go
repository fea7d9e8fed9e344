// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/comptax/comptax-cli/internal/auth"
)

const (
	// DefaultTimeout bounds one REST call.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries applies to idempotent reads only.
	DefaultMaxRetries = 3

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 10 * time.Second

	// MaxResponseSize caps a response body.
	MaxResponseSize = 10 * 1024 * 1024
)

// sharedHTTPClient pools connections for every REST call. Timeouts are
// applied per request through the context.
var sharedHTTPClient = &http.Client{
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
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnauthorized is returned for 401 responses.
	ErrUnauthorized = errors.New("invalid credentials or expired session")

	// ErrBadRequest is returned for 400 responses.
	ErrBadRequest = errors.New("invalid data")

	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("not found")

	// ErrNotAuthenticated is returned without a network call when an
	// endpoint needs a token and none is available.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (status %d)", e.Status)
	}
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// Is maps status codes onto the sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrBadRequest:
		return e.Status == http.StatusBadRequest
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	}
	return false
}

// errorBody is the backend's error shape. detail may be a string or a list
// of validation errors.
type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
}

// handleErrorResponse extracts detail, then message, from the body.
func handleErrorResponse(status int, body []byte) error {
	apiErr := &APIError{Status: status}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		var detail string
		if len(eb.Detail) > 0 && json.Unmarshal(eb.Detail, &detail) != nil {
			detail = string(eb.Detail)
		}
		apiErr.Message = strings.TrimSpace(detail)
		if apiErr.Message == "" || apiErr.Message == "null" {
			apiErr.Message = eb.Message
		}
	}

	if apiErr.Message == "" {
		switch status {
		case http.StatusUnauthorized:
			apiErr.Message = ErrUnauthorized.Error()
		case http.StatusBadRequest:
			apiErr.Message = ErrBadRequest.Error()
		default:
			apiErr.Message = strings.TrimSpace(string(body))
		}
	}
	return apiErr
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the backend REST endpoints.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	logger     *slog.Logger
}

// New creates a client. A nil token source means anonymous.
func New(baseURL string, tokens auth.TokenSource) *Client {
	if tokens == nil {
		tokens = auth.Anonymous
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
		httpClient: sharedHTTPClient,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		logger:     slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)})),
	}
}

// WithHTTPClient replaces the pooled client, mainly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithTimeout sets the per-call timeout. Zero disables it.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.timeout = timeout
	return c
}

// WithMaxRetries sets the retry count for idempotent reads.
func (c *Client) WithMaxRetries(n int) *Client {
	c.maxRetries = n
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// BaseURL returns the backend root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Authenticated reports whether a token is currently available.
func (c *Client) Authenticated() bool {
	_, ok := c.tokens.Token()
	return ok
}

// Token returns the current token, if any.
func (c *Client) Token() (string, bool) {
	return c.tokens.Token()
}

// do performs one call and decodes a JSON response into out (which may be
// nil). GETs are retried on 5xx and 429 with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, body, out any, needAuth bool) error {
	token, hasToken := c.tokens.Token()
	if needAuth && !hasToken {
		return ErrNotAuthenticated
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	attempts := 1
	if method == http.MethodGet && c.maxRetries > 0 {
		attempts = c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(attempt - 1)):
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if hasToken {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", unwrapURLError(err))
			c.logger.Debug("api request failed", "method", method, "path", path, "error", lastErr)
			continue
		}

		data, readErr := readResponse(resp)
		resp.Body.Close()
		c.logger.Debug("api response", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			lastErr = handleErrorResponse(resp.StatusCode, data)
			if isRetryable(resp.StatusCode) {
				continue
			}
			return lastErr
		}

		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		return nil
	}
	if attempts > 1 {
		return fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	return lastErr
}

func isRetryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

// calculateBackoff returns the delay before retry number attempt+1.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// readResponse reads a body up to MaxResponseSize.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// unwrapURLError drops the *url.Error wrapper so request URLs stay out of
// user-facing messages.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

func escape(id string) string { return url.PathEscape(id) }

func itoa(i int) string { return strconv.Itoa(i) }
