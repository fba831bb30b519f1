// Package client is a small HTTP/JSON client for the presenced API, used by
// the CLI subcommands and available to other services.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a presenced node over its HTTP API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client targeting the given base URL (e.g.
// "http://localhost:8080"). When token is non-empty, an Authorization header
// is set on every request.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// UserStatus is the reply from GET /v1/status/{user}.
type UserStatus struct {
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	Connections int        `json:"connections,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
}

// Health is the reply from GET /v1/health.
type Health struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
	Users  int    `json:"users"`

	Backplane *struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	} `json:"backplane,omitempty"`

	Cluster *struct {
		Degraded  bool     `json:"degraded"`
		LiveNodes []string `json:"live_nodes"`
	} `json:"cluster,omitempty"`

	Ingest *struct {
		Lag     uint64 `json:"lag"`
		Skipped int64  `json:"skipped"`
		Error   string `json:"error,omitempty"`
	} `json:"ingest,omitempty"`
}

// ClusterNodes is the reply from GET /v1/cluster/nodes.
type ClusterNodes struct {
	Self     string            `json:"self"`
	Degraded bool              `json:"degraded"`
	Nodes    []json.RawMessage `json:"nodes"`
}

// Status fetches one user's presence.
func (c *Client) Status(ctx context.Context, userID string) (*UserStatus, error) {
	var st UserStatus
	if err := c.doJSON(ctx, http.MethodGet, "/v1/status/"+url.PathEscape(userID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health fetches the node's health summary.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Nodes fetches the node's view of cluster membership.
func (c *Client) Nodes(ctx context.Context) (*ClusterNodes, error) {
	var n ClusterNodes
	if err := c.doJSON(ctx, http.MethodGet, "/v1/cluster/nodes", nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Watch follows the SSE event stream, invoking fn for each presence event
// until ctx is canceled or the stream breaks. users filters the stream;
// empty watches everything.
func (c *Client) Watch(ctx context.Context, users []string, fn func(data []byte)) error {
	path := "/v1/events/stream"
	if len(users) > 0 {
		path += "?users=" + url.QueryEscape(strings.Join(users, ","))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			fn([]byte(strings.TrimSpace(data)))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return ctx.Err()
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the
// JSON response.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
