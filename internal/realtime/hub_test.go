package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mbirch/weft/internal/engine"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventExecutionLog, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventExecutionLog, EventExecutionStatus},
	}}

	logEvent := &Event{Type: EventExecutionLog}
	statusEvent := &Event{Type: EventExecutionStatus}
	alertEvent := &Event{Type: EventSessionAlert}

	if !h.shouldSend(client, logEvent) {
		t.Error("Should receive execution_log events")
	}
	if !h.shouldSend(client, statusEvent) {
		t.Error("Should receive execution_status events")
	}
	if h.shouldSend(client, alertEvent) {
		t.Error("Should NOT receive session_alert events")
	}
}

func TestShouldSend_ExecutionFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		ExecutionIDs: []string{"exec_1"},
	}}

	matching := &Event{
		Type: EventExecutionLog,
		Data: map[string]interface{}{"executionId": "exec_1", "message": "node started"},
	}
	notMatching := &Event{
		Type: EventExecutionLog,
		Data: map[string]interface{}{"executionId": "exec_2", "message": "node started"},
	}
	matchingStatus := &Event{
		Type: EventExecutionStatus,
		Data: map[string]interface{}{"executionId": "exec_1", "status": "completed"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on executionId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated executions")
	}
	if !h.shouldSend(client, matchingStatus) {
		t.Error("Should match status events for watched execution")
	}
}

func TestShouldSend_MinLevelFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinLevel: "warn",
	}}

	errLine := &Event{
		Type: EventExecutionLog,
		Data: map[string]interface{}{"level": "error"},
	}
	infoLine := &Event{
		Type: EventExecutionLog,
		Data: map[string]interface{}{"level": "info"},
	}
	status := &Event{
		Type: EventExecutionStatus,
		Data: map[string]interface{}{"status": "running"},
	}

	if !h.shouldSend(client, errLine) {
		t.Error("Should receive error log lines")
	}
	if h.shouldSend(client, infoLine) {
		t.Error("Should NOT receive info log lines")
	}
	if !h.shouldSend(client, status) {
		t.Error("MinLevel filter should only apply to log events")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventExecutionLog}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		ExecutionIDs: []string{"exec_1"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventSessionAlert,
		Data: "string data not a map",
	}

	// Execution filter skips non-map data (can't extract the id), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when execution filter can't extract the id")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventExecutionLog, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastLogToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastLog(&engine.LogEntry{
		ID:          "log_1",
		ExecutionID: "exec_1",
		NodeID:      "fetch",
		Level:       engine.LogInfo,
		Message:     "node completed",
		CreatedAt:   time.Now().UTC(),
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_BroadcastExecutionStatus(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Should not panic
	h.BroadcastExecutionStatus("exec_1", engine.StatusCompleted)
	h.BroadcastSessionAlert(map[string]interface{}{
		"sessionKeyId": "sk_1", "alertType": "velocity", "level": "high",
	})
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants session alerts
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventSessionAlert}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a log event (should be filtered out)
	h.Broadcast(&Event{Type: EventExecutionLog, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive execution_log event")
	default:
		// Good - filtered out
	}

	// Send an alert event (should be received)
	h.Broadcast(&Event{Type: EventSessionAlert, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive session_alert event")
	}
}
