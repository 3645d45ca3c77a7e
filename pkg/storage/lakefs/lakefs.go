// Package lakefs is a REST client for the versioned object store.
//
// The hub keeps one versioned repository per hub repo; every branch carries
// a linear history (no merges). Objects are never uploaded through this API;
// the commit engine stages physical S3 addresses and commits them, so the
// store only versions pointers.
//
// HTTP errors are translated to the hub's domain sentinels
// (models.ErrRepoNotFound, models.ErrRevisionNotFound, models.ErrEntryNotFound,
// models.ErrCommitConflict, ...) so nothing above this package sees
// transport detail.
package lakefs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// Client talks to a LakeFS-compatible versioned object store.
type Client struct {
	baseURL    string
	namespace  string
	httpClient *http.Client
	accessKey  string
	secretKey  string
	retry      retryConfig
}

// retryConfig holds retry settings for read operations.
type retryConfig struct {
	maxRetries        uint
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
}

// New creates a versioned object store client.
func New(cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		baseURL:   cfg.Endpoint + "/api/v1",
		namespace: cfg.RepoNamespace,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		retry: retryConfig{
			maxRetries:        cfg.MaxRetries,
			initialBackoff:    cfg.InitialBackoff,
			maxBackoff:        cfg.MaxBackoff,
			backoffMultiplier: cfg.BackoffMultiplier,
		},
	}, nil
}

// StorageNamespace returns the storage namespace for a versioned repo name.
func (c *Client) StorageNamespace(vosName string) string {
	return c.namespace + "/" + vosName
}

// Healthcheck pings the server's health endpoint.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthcheck", nil, nil, nil)
}

// APIError is an error response from the versioned store.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("versioned store: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("versioned store: status %d", e.StatusCode)
}

// do performs an HTTP request and decodes the response.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accessKey, c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(respBody, apiErr)
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// get performs a GET request with retries on transient errors.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	var lastErr error

	for attempt := 0; attempt <= int(c.retry.maxRetries); attempt++ {
		if attempt > 0 {
			backoff := c.calculateBackoff(attempt - 1)
			logger.Debug("retrying versioned store read", "path", path, "backoff", backoff, "attempt", attempt)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		lastErr = c.do(ctx, http.MethodGet, path, query, nil, result)
		if lastErr == nil {
			return nil
		}
		if !isRetryableError(lastErr) {
			return lastErr
		}
	}

	return lastErr
}

// post performs a POST request. Mutations are never retried.
func (c *Client) post(ctx context.Context, path string, query url.Values, body, result any) error {
	return c.do(ctx, http.MethodPost, path, query, body, result)
}

// put performs a PUT request. Mutations are never retried.
func (c *Client) put(ctx context.Context, path string, query url.Values, body, result any) error {
	return c.do(ctx, http.MethodPut, path, query, body, result)
}

// del performs a DELETE request. Deletes are idempotent but still not
// retried; callers treat 404 as success where that is safe.
func (c *Client) del(ctx context.Context, path string, query url.Values) error {
	return c.do(ctx, http.MethodDelete, path, query, nil, nil)
}

// calculateBackoff returns the backoff duration for a given attempt.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := float64(c.retry.initialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= c.retry.backoffMultiplier
	}
	if backoff > float64(c.retry.maxBackoff) {
		backoff = float64(c.retry.maxBackoff)
	}
	return time.Duration(backoff)
}

// isRetryableError reports whether a read should be retried. Only transport
// failures and 5xx responses qualify.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}

	// Transport errors are wrapped in ErrUpstream by do().
	return errors.Is(err, models.ErrUpstream)
}

// statusOf extracts the HTTP status from an error, or 0.
func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
