package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL: ts.URL,
		UserID: "user_test",
	}
	client := NewWeftClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "workflow_not_found",
			"message": "No workflow with this id",
		})
	}))
	defer ts.Close()

	client := NewWeftClient(Config{APIURL: ts.URL, UserID: "u"})
	_, err := client.GetExecution(context.Background(), "exec_missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "No workflow with this id")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewWeftClient(Config{APIURL: ts.URL, UserID: "u"})
	_, err := client.ListWorkflows(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewWeftClient(Config{APIURL: "http://127.0.0.1:1", UserID: "u"})
	_, err := client.ListWorkflows(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewWeftClient(Config{APIURL: ts.URL, UserID: "u"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.ListWorkflows(ctx, 10)
	require.Error(t, err)
}

func TestClient_ListWorkflows_LimitParam(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/workflows", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"workflows":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewWeftClient(Config{APIURL: ts.URL, UserID: "u"})
	_, err := client.ListWorkflows(context.Background(), 5)
	require.NoError(t, err)
}

func TestClient_ListWorkflows_ZeroLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("limit"), "limit=0 should not be sent")
		_, _ = w.Write([]byte(`{"workflows":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewWeftClient(Config{APIURL: ts.URL, UserID: "u"})
	_, err := client.ListWorkflows(context.Background(), 0)
	require.NoError(t, err)
}

func TestClient_ExecuteWorkflow_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/workflows/wf_1/executions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "user_test", m["userId"])
		input, _ := m["input"].(map[string]any)
		assert.Equal(t, "0xDEAD", input["address"])

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "exec_1", "workflowId": "wf_1", "status": "running"})
	}))
	defer ts.Close()

	client := NewWeftClient(Config{APIURL: ts.URL, UserID: "user_test"})
	_, err := client.ExecuteWorkflow(context.Background(), "wf_1", map[string]any{"address": "0xDEAD"})
	require.NoError(t, err)
}

func TestClient_ValidateSessionKey_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/sk_9/validate", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "send", m["operation"])
		assert.Equal(t, "5.00", m["amount"])
		assert.Equal(t, "0xTO", m["toAddress"])

		_ = json.NewEncoder(w).Encode(map[string]any{"isValid": true})
	}))
	defer ts.Close()

	client := NewWeftClient(Config{APIURL: ts.URL, UserID: "u"})
	_, err := client.ValidateSessionKey(context.Background(), "sk_9", "send", "5.00", "0xTO")
	require.NoError(t, err)
}

// ============================================================
// Handler: list_workflows
// ============================================================

func TestHandleListWorkflows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"workflows": []map[string]any{
				{
					"id": "wf_1", "name": "Daily payout",
					"nodes": []map[string]any{{"id": "a"}, {"id": "b"}},
				},
				{
					"id": "wf_2", "name": "Price alert",
					"nodes": []map[string]any{{"id": "a"}},
				},
			},
			"count": 2,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.ListWorkflows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 workflow(s)")
	assert.Contains(t, text, "Daily payout")
	assert.Contains(t, text, "wf_1")
	assert.Contains(t, text, "Nodes: 2")
}

func TestHandleListWorkflows_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"workflows": []map[string]any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.ListWorkflows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No workflows found.", resultText(t, result))
}

// ============================================================
// Handler: execute_workflow
// ============================================================

func TestHandleExecuteWorkflow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/workflows/wf_1/executions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "exec_42", "workflowId": "wf_1", "status": "running",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.ExecuteWorkflow(context.Background(), makeRequest(map[string]any{
		"workflow_id": "wf_1",
		"input":       map[string]any{"amount": "1.00"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Execution started")
	assert.Contains(t, text, "exec_42")
	assert.Contains(t, text, "running")
	assert.Contains(t, text, "get_execution")
}

func TestHandleExecuteWorkflow_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NewServeMux())
	defer cleanup()

	result, err := h.ExecuteWorkflow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "workflow_id is required")
}

func TestHandleExecuteWorkflow_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/workflows/wf_missing/executions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "workflow_not_found",
			"message": "No workflow with this id",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.ExecuteWorkflow(context.Background(), makeRequest(map[string]any{
		"workflow_id": "wf_missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No workflow with this id")
}

// ============================================================
// Handler: get_execution
// ============================================================

func TestHandleGetExecution(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/executions/exec_42", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"execution": map[string]any{
				"id": "exec_42", "workflowId": "wf_1", "status": "failed",
				"error": "node fetch: upstream returned 500",
			},
			"nodes": []map[string]any{
				{"nodeId": "fetch", "status": "failed", "error": "upstream returned 500"},
				{"nodeId": "notify", "status": "skipped"},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.GetExecution(context.Background(), makeRequest(map[string]any{
		"execution_id": "exec_42",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Execution exec_42")
	assert.Contains(t, text, "Status: failed")
	assert.Contains(t, text, "fetch: failed")
	assert.Contains(t, text, "upstream returned 500")
	assert.Contains(t, text, "notify: skipped")
}

func TestHandleGetExecution_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.NewServeMux())
	defer cleanup()

	result, err := h.GetExecution(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// ============================================================
// Handler: get_execution_logs
// ============================================================

func TestHandleGetExecutionLogs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/executions/exec_42/logs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"logs": []map[string]any{
				{"level": "info", "nodeId": "fetch", "message": "node started"},
				{"level": "error", "nodeId": "fetch", "message": "upstream returned 500"},
			},
			"count": 2,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.GetExecutionLogs(context.Background(), makeRequest(map[string]any{
		"execution_id": "exec_42",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "2 log line(s)")
	assert.Contains(t, text, "[INFO] fetch: node started")
	assert.Contains(t, text, "[ERROR] fetch: upstream returned 500")
}

func TestHandleGetExecutionLogs_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/executions/exec_1/logs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"logs": []map[string]any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.GetExecutionLogs(context.Background(), makeRequest(map[string]any{
		"execution_id": "exec_1",
	}))
	require.NoError(t, err)
	assert.Equal(t, "No log lines recorded.", resultText(t, result))
}

// ============================================================
// Handler: list_executions
// ============================================================

func TestHandleListExecutions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/workflows/wf_1/executions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"executions": []map[string]any{
				{"id": "exec_2", "status": "completed", "startedAt": "2026-08-24T10:00:00Z"},
				{"id": "exec_1", "status": "failed"},
			},
			"count": 2,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.ListExecutions(context.Background(), makeRequest(map[string]any{
		"workflow_id": "wf_1",
		"limit":       3,
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 execution(s)")
	assert.Contains(t, text, "exec_2")
	assert.Contains(t, text, "Status: completed")
	assert.Contains(t, text, "2026-08-24T10:00:00Z")
}

// ============================================================
// Handler: validate_session_key
// ============================================================

func TestHandleValidateSessionKey_Allowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/sk_1/validate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"isValid":              true,
			"remainingDailyAmount": "95.000000",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.ValidateSessionKey(context.Background(), makeRequest(map[string]any{
		"key_id":    "sk_1",
		"operation": "send",
		"amount":    "5.00",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Allowed")
	assert.Contains(t, text, "send of 5.00")
	assert.Contains(t, text, "95.000000")
}

func TestHandleValidateSessionKey_Denied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/sk_1/validate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"isValid": false,
			"errors": []string{
				"amount 50.000000 exceeds per-transaction limit 10.000000",
			},
			"remainingDailyAmount": "100.000000",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.ValidateSessionKey(context.Background(), makeRequest(map[string]any{
		"key_id":    "sk_1",
		"operation": "send",
		"amount":    "50.00",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Denied")
	assert.Contains(t, text, "exceeds per-transaction limit")
}

func TestHandleValidateSessionKey_MissingArgs(t *testing.T) {
	h, cleanup := newTestSetup(http.NewServeMux())
	defer cleanup()

	result, err := h.ValidateSessionKey(context.Background(), makeRequest(map[string]any{
		"key_id": "sk_1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "operation is required")
}

// ============================================================
// Handler: get_monitor_status
// ============================================================

func TestHandleGetMonitorStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/monitor/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"activeSessions":  3,
			"pausedSessions":  1,
			"expiredSessions": 2,
			"alertsLast24h":   4,
			"topAlertTypes": map[string]any{
				"velocity_spike": 3,
				"new_recipient":  1,
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.GetMonitorStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Active sessions: 3")
	assert.Contains(t, text, "Paused sessions: 1")
	assert.Contains(t, text, "Alerts (24h): 4")
	assert.Contains(t, text, "velocity_spike: 3")
}
