// Package ledger notifies an external credit-ledger collaborator when a
// call settles. The engine reports duration only; it never computes or
// stores monetary effects.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Settlement reports one finished call with a known duration.
type Settlement struct {
	SessionID       string `json:"session_id"`
	DurationSeconds int    `json:"duration_seconds"`
}

// Notifier receives call-settled notifications.
type Notifier interface {
	CallSettled(ctx context.Context, settlement Settlement) error
}

// NoopNotifier discards settlements. Used when no ledger collaborator
// is configured.
type NoopNotifier struct{}

// CallSettled implements Notifier.
func (NoopNotifier) CallSettled(ctx context.Context, settlement Settlement) error {
	return nil
}

// HTTPNotifier posts settlements as JSON to a collaborator endpoint.
type HTTPNotifier struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPNotifier constructs a notifier for the given endpoint.
func NewHTTPNotifier(endpoint string, timeout time.Duration) (*HTTPNotifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("ledger endpoint is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// CallSettled posts one settlement.
func (n *HTTPNotifier) CallSettled(ctx context.Context, settlement Settlement) error {
	if settlement.SessionID == "" {
		return fmt.Errorf("settlement session_id is required")
	}
	body, err := json.Marshal(settlement)
	if err != nil {
		return fmt.Errorf("encode settlement: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build settlement request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post settlement: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("settlement rejected with status %d", resp.StatusCode)
	}
	return nil
}
