// Package restapi implements the REST collaborators of the reconcilers over HTTP.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/wadesk/syncd/internal/session"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxTries     = 3
	defaultRetryDelay   = 200 * time.Millisecond
	maxErrorBodyBytes   = 4096
	headerTenant        = "X-Tenant-ID"
	headerAuthorization = "Authorization"
)

var (
	// ErrInvalidClientConfig indicates that the client cannot be constructed.
	ErrInvalidClientConfig = errors.New("restapi: invalid client config")

	errMissingBaseURL  = errors.New("base url is required")
	errMissingIdentity = errors.New("identity is required")
)

// APIError describes a non-2xx backend response.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("restapi: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	if e.Message != "" {
		return fmt.Sprintf("restapi: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("restapi: status %d", e.StatusCode)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// ClientConfig bundles configuration required to build a Client.
type ClientConfig struct {
	BaseURL    string
	Identity   session.Identity
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxTries   uint
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Client talks to the backend REST API on behalf of one identity.
type Client struct {
	baseURL    *url.URL
	identity   session.Identity
	httpClient *http.Client
	maxTries   uint
	retryDelay time.Duration
	logger     *zap.Logger
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawURL := strings.TrimSpace(cfg.BaseURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, parsed.Scheme)
	}
	if cfg.Identity.IsZero() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingIdentity)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	maxTries := cfg.MaxTries
	if maxTries == 0 {
		maxTries = defaultMaxTries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    parsed,
		identity:   cfg.Identity,
		httpClient: httpClient,
		maxTries:   maxTries,
		retryDelay: retryDelay,
		logger:     logger,
	}, nil
}

// getJSON issues an idempotent GET, retrying transport failures and
// temporary backend errors.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any, keys ...string) error {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = c.retryDelay
	exponential.MaxInterval = 10 * c.retryDelay

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.do(ctx, http.MethodGet, path, query, nil, out, keys...)
		if err == nil {
			return struct{}{}, nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return struct{}{}, backoff.Permanent(err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Debug("rest request retry",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return struct{}{}, err
	},
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(c.maxTries),
	)
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any, keys ...string) error {
	return c.do(ctx, http.MethodPost, path, nil, payload, out, keys...)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, out any, keys ...string) error {
	endpoint := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("restapi: encode %s: %w", path, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(headerAuthorization, "Bearer "+c.identity.Token())
	req.Header.Set(headerTenant, c.identity.TenantID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("restapi: decode %s: %w", path, err)
	}
	if err := json.Unmarshal(unwrap(raw, keys...), out); err != nil {
		return fmt.Errorf("restapi: decode %s: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		apiErr.Message = http.StatusText(resp.StatusCode)
		return apiErr
	}
	var envelope struct {
		Code    string          `json:"code"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(body, &envelope) != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Code = envelope.Code
	apiErr.Message = envelope.Message
	if len(envelope.Error) > 0 {
		var text string
		if json.Unmarshal(envelope.Error, &text) == nil {
			if apiErr.Code == "" {
				apiErr.Code = text
			} else if apiErr.Message == "" {
				apiErr.Message = text
			}
		} else {
			var nested struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if json.Unmarshal(envelope.Error, &nested) == nil {
				apiErr.Code = firstNonEmpty(apiErr.Code, nested.Code)
				apiErr.Message = firstNonEmpty(apiErr.Message, nested.Message)
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// unwrap peels a {"data": ...} envelope and then the first matching key.
// Payloads without an envelope are returned unchanged.
func unwrap(raw json.RawMessage, keys ...string) json.RawMessage {
	current := raw
	for _, key := range append([]string{"data"}, keys...) {
		trimmed := bytes.TrimSpace(current)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return current
		}
		var object map[string]json.RawMessage
		if json.Unmarshal(trimmed, &object) != nil {
			return current
		}
		if inner, ok := object[key]; ok && len(bytes.TrimSpace(inner)) > 0 && string(bytes.TrimSpace(inner)) != "null" {
			current = inner
		}
	}
	return current
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
