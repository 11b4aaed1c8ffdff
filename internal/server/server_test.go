package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbirch/weft/internal/blocks"
	"github.com/mbirch/weft/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockSender implements blocks.ChainSender and blocks.BalanceReader for testing
type mockSender struct{}

func (m *mockSender) SendToken(ctx context.Context, sessionKeyID, toAddress, amount string) (*blocks.SendReceipt, error) {
	return &blocks.SendReceipt{TxHash: "0xmock", GasUsed: 21000}, nil
}

func (m *mockSender) BalanceOf(ctx context.Context, walletAddr, token string) (string, error) {
	return "1.000000", nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		RPCURL:             "https://sepolia.base.org",
		ChainID:            84532,
		TokenContract:      "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		NodeParallelism:    4,
		DefaultNodeTimeout: time.Minute,
		MonitorInterval:    time.Minute,
		SessionKeyMaxTTL:   30 * 24 * time.Hour,
		DelegationPurpose:  "workflow-automation",
	}
}

// newTestServer creates a server with mock dependencies
func newTestServer(t *testing.T) *Server {
	t.Helper()
	sender := &mockSender{}
	s, err := New(testConfig(), WithChainSender(sender, sender))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	s.router.ServeHTTP(w, req)
	return w
}

func parseBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	return resp
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	resp := parseBody(t, w)
	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/live", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/health/ready", "")
	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/workflows",
		"POST:/v1/workflows/:id/executions",
		"GET:/v1/executions/:id",
		"GET:/v1/executions/:id/logs",
		"POST:/v1/executions/:id/cancel",
		"POST:/v1/sessions",
		"POST:/v1/sessions/:keyId/validate",
		"GET:/v1/monitor/status",
		"POST:/v1/agent/snapshots/:id/replay",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Workflow tests
// ---------------------------------------------------------------------------

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestServer(t)

	body := `{"name":"notify","nodes":[{"id":"a","blockType":"webhook","config":{"url":"https://example.com"}}],"edges":[]}`
	w := doJSON(s, "POST", "/v1/workflows", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := parseBody(t, w)
	id, _ := resp["id"].(string)
	if !strings.HasPrefix(id, "wf_") {
		t.Errorf("Expected generated wf_ id, got %q", id)
	}

	w = doJSON(s, "GET", "/v1/workflows/"+id, "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for created workflow, got %d", w.Code)
	}
}

func TestCreateWorkflowRejectsCycle(t *testing.T) {
	s := newTestServer(t)

	body := `{"nodes":[{"id":"a","blockType":"webhook"},{"id":"b","blockType":"webhook"}],
		"edges":[{"source":"a","target":"b"},{"source":"b","target":"a"}]}`
	w := doJSON(s, "POST", "/v1/workflows", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for cyclic workflow, got %d", w.Code)
	}

	resp := parseBody(t, w)
	if resp["error"] != "invalid_workflow" {
		t.Errorf("Expected invalid_workflow error, got %v", resp["error"])
	}
}

func TestDispatchUnknownWorkflow(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/workflows/wf_missing/executions", `{}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDispatchAndPollExecution(t *testing.T) {
	s := newTestServer(t)

	// Upstream the webhook block will call
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	body := fmt.Sprintf(`{"nodes":[{"id":"ping","blockType":"webhook","config":{"url":%q}}],"edges":[]}`, upstream.URL)
	w := doJSON(s, "POST", "/v1/workflows", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Failed to create workflow: %d %s", w.Code, w.Body.String())
	}
	wfID := parseBody(t, w)["id"].(string)

	w = doJSON(s, "POST", "/v1/workflows/"+wfID+"/executions", `{"input":{"env":"test"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	execID := parseBody(t, w)["id"].(string)

	// The run happens on a background goroutine; poll until terminal
	deadline := time.Now().Add(3 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		w = doJSON(s, "GET", "/v1/executions/"+execID, "")
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200 polling execution, got %d", w.Code)
		}
		exec := parseBody(t, w)["execution"].(map[string]interface{})
		status, _ = exec["status"].(string)
		if status == "completed" || status == "failed" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("Execution did not complete, status %q", status)
	}

	w = doJSON(s, "GET", "/v1/executions/"+execID+"/logs", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for logs, got %d", w.Code)
	}
	logs := parseBody(t, w)
	if int(logs["count"].(float64)) == 0 {
		t.Error("Expected execution log lines")
	}
}

func TestCancelNotRunning(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/executions/exec_missing/cancel", "")
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for non-running execution, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Session key tests
// ---------------------------------------------------------------------------

const testSignature = "0xuser_wallet_signature_for_tests"

func createTestSessionKey(t *testing.T, s *Server) string {
	t.Helper()
	body := `{
		"userId": "user_1",
		"userSignature": "` + testSignature + `",
		"ownerAddress": "0xAAAA000000000000000000000000000000000001",
		"parentAddress": "0xBBBB000000000000000000000000000000000002",
		"validFor": "24h",
		"permissions": [{"operation":"send","maxAmountPerTx":"10","maxDailyAmount":"100"}]
	}`
	w := doJSON(s, "POST", "/v1/sessions", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Failed to create session key: %d %s", w.Code, w.Body.String())
	}
	resp := parseBody(t, w)
	key := resp["sessionKey"].(map[string]interface{})
	if resp["delegation"] == nil {
		t.Fatal("Expected delegation message in create response")
	}
	return key["id"].(string)
}

func TestSessionKeyLifecycle(t *testing.T) {
	s := newTestServer(t)
	keyID := createTestSessionKey(t, s)

	// Within limits
	w := doJSON(s, "POST", "/v1/sessions/"+keyID+"/validate", `{"operation":"send","amount":"5","toAddress":"0xCCCC000000000000000000000000000000000003"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if parseBody(t, w)["isValid"] != true {
		t.Error("Expected valid result for in-limit amount")
	}

	// Over the per-transaction cap
	w = doJSON(s, "POST", "/v1/sessions/"+keyID+"/validate", `{"operation":"send","amount":"50"}`)
	if parseBody(t, w)["isValid"] != false {
		t.Error("Expected invalid result over per-tx cap")
	}

	// Events were written for both validations
	w = doJSON(s, "GET", "/v1/sessions/"+keyID+"/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for events, got %d", w.Code)
	}
	if int(parseBody(t, w)["count"].(float64)) < 3 { // created + 2 validations
		t.Error("Expected created and validation events")
	}

	// Revoke, then validation fails
	w = doJSON(s, "DELETE", "/v1/sessions/"+keyID, `{"reason":"test cleanup"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for revoke, got %d", w.Code)
	}
	w = doJSON(s, "POST", "/v1/sessions/"+keyID+"/validate", `{"operation":"send","amount":"5"}`)
	if parseBody(t, w)["isValid"] != false {
		t.Error("Expected invalid result after revoke")
	}
}

func TestSessionKeyUnlock(t *testing.T) {
	s := newTestServer(t)
	keyID := createTestSessionKey(t, s)

	// Wrong signature cannot unlock
	w := doJSON(s, "POST", "/v1/sessions/"+keyID+"/unlock", `{"userSignature":"0xwrong"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for wrong signature, got %d", w.Code)
	}

	// Correct signature unlocks
	w = doJSON(s, "POST", "/v1/sessions/"+keyID+"/unlock", `{"userSignature":"`+testSignature+`"}`)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for unlock, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(s, "POST", "/v1/sessions/"+keyID+"/lock", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 for lock, got %d", w.Code)
	}
}

func TestSessionKeyNotFound(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/v1/sessions/sk_missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestListSessionKeysRequiresUser(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/v1/sessions", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without userId, got %d", w.Code)
	}

	createTestSessionKey(t, s)
	w = doJSON(s, "GET", "/v1/sessions?userId=user_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if int(parseBody(t, w)["count"].(float64)) != 1 {
		t.Error("Expected one session key for user_1")
	}
}

// ---------------------------------------------------------------------------
// Monitor and agent endpoints
// ---------------------------------------------------------------------------

func TestMonitorStatus(t *testing.T) {
	s := newTestServer(t)
	createTestSessionKey(t, s)

	w := doJSON(s, "GET", "/v1/monitor/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	resp := parseBody(t, w)
	if int(resp["activeSessions"].(float64)) != 1 {
		t.Errorf("Expected 1 active session, got %v", resp["activeSessions"])
	}
}

func TestReplayWithoutRunner(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "POST", "/v1/agent/snapshots/snap_1/replay", `{"mode":"exact"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without model provider, got %d", w.Code)
	}
}

func TestSnapshotNotFound(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/v1/agent/snapshots/snap_missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(s, "GET", "/v1/nonexistent", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
