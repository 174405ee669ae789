// Package fhir is a minimal REST client for the remote FHIR endpoint. The
// sync core treats payloads as opaque; this client only knows the verbs and
// the bundle envelope of search results.
package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TokenProvider yields the bearer credential for a request. The auth flow
// itself is outside this subsystem; it is consumed as a capability.
type TokenProvider func(ctx context.Context) (string, error)

// Client talks FHIR REST to one base URL.
type Client struct {
	base   string
	http   *http.Client
	token  TokenProvider
	maxGet time.Duration // cap on retry-with-backoff for idempotent reads
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fhir: server returned %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether a retry could plausibly succeed.
func (e *APIError) Transient() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusTooManyRequests
}

// NewClient creates a client for the given endpoint base URL.
func NewClient(baseURL string, timeout time.Duration, token TokenProvider) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		token:  token,
		maxGet: 15 * time.Second,
	}
}

// Create POSTs a new resource and returns the server-confirmed body.
func (c *Client) Create(ctx context.Context, resourceType string, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, c.base+"/"+resourceType, body)
}

// Update PUTs a resource at its id and returns the server-confirmed body.
func (c *Client) Update(ctx context.Context, resourceType, id string, body json.RawMessage) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPut, c.base+"/"+resourceType+"/"+id, body)
}

// Delete removes a resource remotely.
func (c *Client) Delete(ctx context.Context, resourceType, id string) error {
	_, err := c.do(ctx, http.MethodDelete, c.base+"/"+resourceType+"/"+id, nil)
	return err
}

// Get fetches a single resource by id.
func (c *Client) Get(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	return c.getWithRetry(ctx, c.base+"/"+resourceType+"/"+id)
}

// Search runs a search over a resource type and returns the entry
// resources of the result bundle. Idempotent, so transient server errors
// are retried with exponential backoff up to a bounded elapsed time.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) ([]json.RawMessage, error) {
	u := c.base + "/" + resourceType
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	body, err := c.getWithRetry(ctx, u)
	if err != nil {
		return nil, err
	}

	var bundle struct {
		Entry []struct {
			Resource json.RawMessage `json:"resource"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("failed to decode search bundle: %w", err)
	}
	out := make([]json.RawMessage, 0, len(bundle.Entry))
	for _, e := range bundle.Entry {
		out = append(out, e.Resource)
	}
	return out, nil
}

func (c *Client) getWithRetry(ctx context.Context, u string) (json.RawMessage, error) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(c.maxGet),
	), ctx)

	var body json.RawMessage
	op := func() error {
		var err error
		body, err = c.do(ctx, http.MethodGet, u, nil)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok && !apiErr.Transient() {
				return backoff.Permanent(err)
			}
			slog.Debug("fhir read failed, retrying", "url", u, "error", err)
		}
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return body, nil
}

// do runs one request. Mutating verbs get no in-call retry: the sync
// queue owns their retry bookkeeping.
func (c *Client) do(ctx context.Context, method, u string, body json.RawMessage) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// ResourceID extracts the id field from an opaque FHIR payload, empty when
// absent.
func ResourceID(body json.RawMessage) string {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.ID
}
