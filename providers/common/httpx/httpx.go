// Package httpx is the shared JSON-over-HTTP plumbing for telephony
// provider variants. It normalizes transport failures and response
// statuses into the transient/permanent taxonomy the retry supervisor
// consumes.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/finch/callflow/providers"
)

const maxResponseBytes = 64 * 1024

// Client wraps an HTTP client with provider-oriented request helpers.
type Client struct {
	httpClient *http.Client
	baseURL    string
	headers    map[string]string
}

// Config configures a provider HTTP client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// New constructs a provider HTTP client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Headers == nil {
		cfg.Headers = map[string]string{}
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		headers:    cfg.Headers,
	}, nil
}

// PostJSON issues one JSON request and decodes the response body into
// out when out is non-nil. Failures are classified per the
// transient/permanent taxonomy.
func (c *Client) PostJSON(ctx context.Context, path string, body any, out any) error {
	return c.PostJSONAccepting(ctx, path, body, out)
}

// PostJSONAccepting is PostJSON with extra response statuses treated as
// success, for idempotent operations like hanging up an already-ended
// call.
func (c *Client) PostJSONAccepting(ctx context.Context, path string, body any, out any, accept ...int) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return providers.NewPermanentError("encode provider request", err)
		}
		reader = bytes.NewReader(encoded)
	}
	return c.do(ctx, path, "application/json", reader, out, accept)
}

// PostForm issues one form-encoded request, for vendors whose API is
// not JSON-in. The response is still decoded as JSON into out.
func (c *Client) PostForm(ctx context.Context, path string, form url.Values, out any, accept ...int) error {
	return c.do(ctx, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), out, accept)
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, out any, accept []int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return providers.NewPermanentError("build provider request", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ClassifyNetworkError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return providers.NewTransientError("read provider response", err)
	}
	accepted := false
	for _, status := range accept {
		if resp.StatusCode == status {
			accepted = true
			break
		}
	}
	if !accepted {
		if err := ClassifyStatus(resp.StatusCode); err != nil {
			return err
		}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return providers.NewTransientError("decode provider response", err)
	}
	return nil
}

// ClassifyNetworkError maps transport-level failures to the failure
// taxonomy. Network errors and timeouts are transient.
func ClassifyNetworkError(err error) error {
	if errors.Is(err, context.Canceled) {
		return providers.NewPermanentError("provider request cancelled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.NewTransientError("provider request timeout", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return providers.NewTransientError("provider request timeout", err)
	}
	return providers.NewTransientError("provider transport error", err)
}

// ClassifyStatus maps an HTTP response status to the failure taxonomy.
// 2xx is success, 4xx is permanent (bad request, credentials or
// configuration), everything else is transient.
func ClassifyStatus(status int) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return providers.NewPermanentError(fmt.Sprintf("provider rejected credentials (status %d)", status), nil)
	case status >= 400 && status <= 499:
		return providers.NewPermanentError(fmt.Sprintf("provider rejected request (status %d)", status), nil)
	default:
		return providers.NewTransientError(fmt.Sprintf("provider server error (status %d)", status), nil)
	}
}
