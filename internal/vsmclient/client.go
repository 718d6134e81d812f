// Package vsmclient provides a shared Go client for vsmd's HTTP API,
// used by the vsmctl CLI. Grounded on internal/client/client.go's
// doJSON/doRaw request shape, adapted from a unix-socket transport to a
// plain TCP/HTTP client since vsmd listens on a TCP port, not a socket.
package vsmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to vsmd over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client against a vsmd instance listening at baseURL
// (e.g. "http://localhost:4000").
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Capabilities calls GET /capabilities.
func (c *Client) Capabilities(ctx context.Context) ([]string, error) {
	var out struct {
		Capabilities []string `json:"capabilities"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/capabilities", nil, &out)
	return out.Capabilities, err
}

// ServerSummary mirrors internal/api's server list entry.
type ServerSummary struct {
	ID        string    `json:"id"`
	Package   string    `json:"package"`
	PID       int       `json:"pid"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// Servers calls GET /mcp/servers.
func (c *Client) Servers(ctx context.Context) ([]ServerSummary, error) {
	var out struct {
		Servers []ServerSummary `json:"servers"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/mcp/servers", nil, &out)
	return out.Servers, err
}

// StopServer calls POST /mcp/servers/{id}/stop.
func (c *Client) StopServer(ctx context.Context, id, mode string) error {
	path := fmt.Sprintf("/mcp/servers/%s/stop", id)
	if mode != "" {
		path += "?mode=" + mode
	}
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// Trigger calls POST /autonomy/trigger.
func (c *Client) Trigger(ctx context.Context, capabilities []string) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodPost, "/autonomy/trigger", map[string]any{"capabilities": capabilities}, &out)
	return out, err
}

// Execute calls POST /mcp/execute.
func (c *Client) Execute(ctx context.Context, capability string, task any) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodPost, "/mcp/execute", map[string]any{"capability": capability, "task": task}, &out)
	return out, err
}

// DaemonStatus calls GET /daemon.
func (c *Client) DaemonStatus(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/daemon", nil, &out)
	return out, err
}

// Refresh calls POST /mcp/refresh.
func (c *Client) Refresh(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/mcp/refresh", nil, nil)
}

// Candidates calls GET /mcp/candidates?capability=X.
func (c *Client) Candidates(ctx context.Context, capability string) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodGet, "/mcp/candidates?capability="+capability, nil, &out)
	return out, err
}

// Logs calls GET /mcp/servers/{id}/logs and returns the raw NDJSON body
// for the caller to stream line-by-line.
func (c *Client) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	path := fmt.Sprintf("/mcp/servers/%s/logs", id)
	if follow {
		path += "?follow=true"
	}
	resp, err := c.doRaw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func (c *Client) doRaw(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("vsmd returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp, nil
}
