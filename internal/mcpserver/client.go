package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the toolpay platform.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	AgentAddress string // Agent's address, e.g. "0x..."
}

// Client is a pure HTTP client for the toolpay query API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the toolpay platform.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP GET to the platform and returns the response body.
func (c *Client) doRequest(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetBalance returns an agent's escrow balance on one chain.
func (c *Client) GetBalance(ctx context.Context, address, chain string) (json.RawMessage, error) {
	q := url.Values{}
	if chain != "" {
		q.Set("chain", chain)
	}
	return c.doRequest(ctx, "/v1/agents/"+address+"/balance", q)
}

// GetExecution returns a single execution record.
func (c *Client) GetExecution(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, "/v1/executions/"+id, nil)
}

// ListExecutions lists recent executions for an agent.
func (c *Client) ListExecutions(ctx context.Context, address string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, "/v1/agents/"+address+"/executions", q)
}

// GetBatch returns a confirmed settlement batch.
func (c *Client) GetBatch(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, "/v1/batches/"+id, nil)
}

// ListBatches lists recent settlement batches, optionally filtered by chain.
func (c *Client) ListBatches(ctx context.Context, chain string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if chain != "" {
		q.Set("chain", chain)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, "/v1/batches", q)
}
