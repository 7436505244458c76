// Package transport delivers mutations to the remote API over HTTP.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// IdempotencyHeader carries the mutation's idempotency key.
const IdempotencyHeader = "X-Idempotency-Key"

// maxResponseBody bounds how much of a response body is kept.
const maxResponseBody = 1 << 20

// Request is one mutation to deliver.
type Request struct {
	Method         string
	Path           string
	Body           []byte
	IdempotencyKey string
}

// Response is what the server answered. Any status code is a Response;
// only a missing answer is an error.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Sender abstracts delivery of a single mutation.
// Implementations must be safe for concurrent use.
type Sender interface {
	// Send delivers req and returns the server's answer. A non-nil error
	// means no response was received.
	Send(ctx context.Context, req *Request) (*Response, error)

	// HealthCheck returns nil if the server answered its health endpoint with 2xx.
	HealthCheck(ctx context.Context) error
}

// Tracer receives request and response traces. The root package's
// DebugLogger satisfies it.
type Tracer interface {
	LogRequest(method, url string, body []byte)
	LogResponse(statusCode int, status string, body []byte)
	LogError(operation string, err error)
}

// Error is a transport-level failure: the request never produced a response.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusError is returned by HealthCheck for a non-2xx answer.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPClient implements Sender using net/http.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	clientID   string
	healthPath string
	httpClient *http.Client
	tracer     Tracer
}

// NewHTTPClient creates a client for the API at baseURL.
// clientID is optional; if non-empty, it's sent as X-Outbox-Client-ID for observability.
func NewHTTPClient(baseURL, apiKey, clientID string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		clientID:   clientID,
		healthPath: "/api/health",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithHealthPath overrides the health endpoint path (default /api/health).
func (c *HTTPClient) WithHealthPath(path string) *HTTPClient {
	c.healthPath = path
	return c
}

// WithTracer enables request/response tracing.
func (c *HTTPClient) WithTracer(t Tracer) *HTTPClient {
	c.tracer = t
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", "outbox-client/1.0")
	if strings.TrimSpace(c.clientID) != "" {
		req.Header.Set("X-Outbox-Client-ID", c.clientID)
	}
}

// Send delivers req with its idempotency key attached.
func (c *HTTPClient) Send(ctx context.Context, req *Request) (*Response, error) {
	url := c.baseURL + "/" + strings.TrimPrefix(req.Path, "/")

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, &Error{Op: "send", Err: err}
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}

	if c.tracer != nil {
		c.tracer.LogRequest(req.Method, url, req.Body)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if c.tracer != nil {
			c.tracer.LogError("send", err)
		}
		return nil, &Error{Op: "send", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		// The status line arrived, so the server saw the request.
		respBody = nil
	}

	if c.tracer != nil {
		c.tracer.LogResponse(resp.StatusCode, resp.Status, respBody)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// HealthCheck validates connectivity with the API.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return &Error{Op: "health_check", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: "health_check", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Op: "health_check", StatusCode: resp.StatusCode, Body: Truncate(string(body), 200)}
	}
	return nil
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
