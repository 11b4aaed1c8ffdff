package mcpserver

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
)

// Config holds the configuration for connecting to the Weft platform.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	UserID string // User the MCP session acts as, e.g. "user_1"
}

// WeftClient is a pure HTTP client for the Weft platform API.
type WeftClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewWeftClient creates a new client for the Weft platform.
func NewWeftClient(cfg Config) *WeftClient {
	return &WeftClient{
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

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *WeftClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListWorkflows returns the stored workflow definitions.
func (c *WeftClient) ListWorkflows(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/workflows", q, nil)
}

// ExecuteWorkflow dispatches a workflow execution with the given input.
func (c *WeftClient) ExecuteWorkflow(ctx context.Context, workflowID string, input map[string]any) (json.RawMessage, error) {
	body := map[string]any{
		"input":  input,
		"userId": c.cfg.UserID,
	}
	path := "/v1/workflows/" + workflowID + "/executions"
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// GetExecution returns an execution with its node results.
func (c *WeftClient) GetExecution(ctx context.Context, executionID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/executions/"+executionID, nil, nil)
}

// GetExecutionLogs returns an execution's log lines.
func (c *WeftClient) GetExecutionLogs(ctx context.Context, executionID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/executions/"+executionID+"/logs", q, nil)
}

// ListExecutions returns recent executions of a workflow.
func (c *WeftClient) ListExecutions(ctx context.Context, workflowID string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/workflows/" + workflowID + "/executions"
	return c.doRequest(ctx, http.MethodGet, path, q, nil)
}

// ValidateSessionKey runs a permission dry-run for an operation.
func (c *WeftClient) ValidateSessionKey(ctx context.Context, keyID, operation, amount, toAddress string) (json.RawMessage, error) {
	body := map[string]string{
		"operation": operation,
		"amount":    amount,
		"toAddress": toAddress,
	}
	path := "/v1/sessions/" + keyID + "/validate"
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// GetMonitorStatus returns the session monitor's aggregate view.
func (c *WeftClient) GetMonitorStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/monitor/status", nil, nil)
}
