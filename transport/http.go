// Package transport issues the HTTP requests produced by the sender.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hsdfat/go-klog/klogerr"
)

// maxResponseBody bounds how much of an error response is kept for logging.
const maxResponseBody = 64 << 10

// Response is the outcome of a request that reached the server.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport sends a request to the ingestion endpoint. A non-nil error
// means the request did not complete; any HTTP status is reported through
// Response.
type Transport interface {
	Send(ctx context.Context, method, requestURI string, body []byte, header http.Header) (*Response, error)
	Close() error
}

// HealthReporter is implemented by transports that track the outcome of
// their last request.
type HealthReporter interface {
	IsHealthy() bool
	LastError() error
}

// HTTPConfig holds HTTP-specific configuration
type HTTPConfig struct {
	Endpoint  string        // base URL, e.g. https://klog-cn-beijing.ksyun.com
	Timeout   time.Duration // per-request timeout (default: 30s)
	UserAgent string        // optional User-Agent header
}

// HTTP sends requests over a shared http.Client.
type HTTP struct {
	config    HTTPConfig
	base      string
	client    *http.Client
	isHealthy atomic.Bool
	lastError atomic.Pointer[error]
}

// NewHTTP creates an HTTP transport for config.Endpoint. An endpoint
// without a scheme is treated as plain http.
func NewHTTP(config HTTPConfig) (*HTTP, error) {
	base, err := NormalizeEndpoint(config.Endpoint)
	if err != nil {
		return nil, err
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	t := &HTTP{
		config: config,
		base:   base,
		client: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	t.isHealthy.Store(true)
	return t, nil
}

// NormalizeEndpoint trims endpoint, adds a missing scheme and removes any
// trailing slash.
func NormalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", klogerr.Configf("endpoint is required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", klogerr.Configf("invalid endpoint %q: %v", endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", klogerr.Configf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", klogerr.Configf("endpoint %q has no host", endpoint)
	}
	return strings.TrimRight(endpoint, "/"), nil
}

// Endpoint returns the normalized base URL.
func (t *HTTP) Endpoint() string {
	return t.base
}

// Send issues method against requestURI relative to the endpoint.
func (t *HTTP) Send(ctx context.Context, method, requestURI string, body []byte, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.base+requestURI, bytes.NewReader(body))
	if err != nil {
		t.recordError(fmt.Errorf("failed to create request: %w", err))
		return nil, err
	}

	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if t.config.UserAgent != "" {
		req.Header.Set("User-Agent", t.config.UserAgent)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.recordError(fmt.Errorf("failed to send logs: %w", err))
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		t.recordError(fmt.Errorf("failed to read response: %w", err))
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		t.recordError(fmt.Errorf("HTTP error: %d %s - %s", resp.StatusCode, resp.Status, string(respBody)))
	} else {
		t.isHealthy.Store(true)
	}
	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Close closes the HTTP client
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// IsHealthy reports whether the last request succeeded.
func (t *HTTP) IsHealthy() bool {
	return t.isHealthy.Load()
}

// LastError returns the last error encountered
func (t *HTTP) LastError() error {
	if p := t.lastError.Load(); p != nil {
		return *p
	}
	return nil
}

// recordError records an error and marks the transport as unhealthy
func (t *HTTP) recordError(err error) {
	t.isHealthy.Store(false)
	t.lastError.Store(&err)
}
