// Package transport implements the delta protocol client: cursor-based pulls
// and idempotent batched pushes over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	tethersync "github.com/hyperengineering/tether/internal/sync"
)

const defaultTimeout = 30 * time.Second

// Client talks to a sync authority. It is stateless; cursors and retry
// policy live with the caller.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a delta protocol client for the given server.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks connectivity and credentials against the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("ping", resp)
	}
	return nil
}

// Pull fetches one page of the server's change stream after cursor.
// An empty cursor starts from the beginning. limit of 0 uses the server
// default.
func (c *Client) Pull(ctx context.Context, cursor tethersync.Cursor, limit int) (*tethersync.PullResponse, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("after", string(cursor))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.baseURL + "/api/v1/sync/pull"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "pull", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("pull", resp)
	}

	var page tethersync.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, &ProtocolError{Op: "pull", Err: err}
	}
	return &page, nil
}

// Push submits a batch of change entries. The server answers with one result
// per entry, matched by idempotency key; a result missing for a submitted
// key is a protocol error.
func (c *Client) Push(ctx context.Context, push tethersync.PushRequest) (*tethersync.PushResponse, error) {
	body, err := json.Marshal(push)
	if err != nil {
		return nil, fmt.Errorf("encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "push", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("push", resp)
	}

	var out tethersync.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ProtocolError{Op: "push", Err: err}
	}

	if len(out.Results) != len(push.Entries) {
		return nil, &ProtocolError{Op: "push", Err: fmt.Errorf("got %d results for %d entries", len(out.Results), len(push.Entries))}
	}
	byKey := make(map[string]struct{}, len(out.Results))
	for _, r := range out.Results {
		byKey[r.IdempotencyKey] = struct{}{}
	}
	for _, e := range push.Entries {
		if _, ok := byKey[e.IdempotencyKey]; !ok {
			return nil, &ProtocolError{Op: "push", Err: fmt.Errorf("no result for entry %s", e.IdempotencyKey)}
		}
	}
	return &out, nil
}

// statusError classifies a non-200 response: 5xx means the server is in
// trouble and the request is worth retrying, anything else is a definitive
// refusal.
func statusError(op string, resp *http.Response) error {
	detail := readDetail(resp.Body)
	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransportError{Op: op, Err: fmt.Errorf("server status %d: %s", resp.StatusCode, detail)}
	}
	return &ServerRejection{Op: op, StatusCode: resp.StatusCode, Detail: detail}
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

// readDetail extracts a short error detail from a problem+json or plain
// text body.
func readDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var problem struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(data, &problem); err == nil {
		if problem.Detail != "" {
			return problem.Detail
		}
		if problem.Title != "" {
			return problem.Title
		}
	}
	return string(data)
}
