// Package mcp provides MCP server tools for the RPC fallback router.
package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a thin HTTP client for a running router.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new router client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Get performs a GET request and returns the raw JSON body.
func (c *Client) Get(path string) (json.RawMessage, error) {
	body, status, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", status, string(body))
	}
	return body, nil
}

// Probe performs a GET request and returns the body along with the status
// code. Unlike Get it does not treat 503 as a failure, since readiness
// endpoints report "not ready" that way.
func (c *Client) Probe(path string) (json.RawMessage, int, error) {
	body, status, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return nil, 0, err
	}
	if status >= 400 && status != http.StatusServiceUnavailable {
		return nil, status, fmt.Errorf("HTTP %d: %s", status, string(body))
	}
	return body, status, nil
}

// Post performs a POST request with optional JSON body.
func (c *Client) Post(path string, payload any) (json.RawMessage, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
	}

	body, status, err := c.do(http.MethodPost, path, data)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", status, string(body))
	}
	return body, nil
}

func (c *Client) do(method, path string, payload []byte) (json.RawMessage, int, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response: %w", err)
	}
	return json.RawMessage(body), resp.StatusCode, nil
}
