// Package metrics provides Prometheus instrumentation for the Weft engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ExecutionsTotal counts workflow executions by terminal status.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "executions_total",
			Help:      "Total workflow executions by terminal status.",
		},
		[]string{"status"},
	)

	// ExecutionDuration observes end-to-end execution latency.
	ExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "weft",
		Name:      "execution_duration_seconds",
		Help:      "Workflow execution duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	// NodeExecutionsTotal counts node executions by block type and status.
	NodeExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "node_executions_total",
			Help:      "Total node executions by block type and status.",
		},
		[]string{"block_type", "status"},
	)

	// NodeExecutionDuration observes per-node handler latency by block type.
	NodeExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "weft",
			Name:      "node_execution_duration_seconds",
			Help:      "Node handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"block_type"},
	)

	// RunningExecutions tracks currently running workflow executions.
	RunningExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weft",
		Name:      "running_executions",
		Help:      "Number of currently running workflow executions.",
	})

	// ActiveSessionKeys tracks current active session keys.
	ActiveSessionKeys = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weft",
		Name:      "active_session_keys",
		Help:      "Number of currently active session keys.",
	})

	// SessionValidationsTotal counts session key validations by result.
	SessionValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "session_validations_total",
			Help:      "Total session key validations by result.",
		},
		[]string{"result"},
	)

	// SessionAlertsTotal counts monitor security alerts by type.
	SessionAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "session_alerts_total",
			Help:      "Total session security alerts by alert type.",
		},
		[]string{"alert_type"},
	)

	// PausedSessions tracks sessions currently paused by the monitor.
	PausedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weft",
		Name:      "paused_sessions",
		Help:      "Number of sessions currently paused by the monitor.",
	})

	// AgentToolCallsTotal counts AI agent tool invocations by tool and result.
	AgentToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "agent_tool_calls_total",
			Help:      "Total AI agent tool invocations by tool name and result.",
		},
		[]string{"tool", "result"},
	)

	// ChainTransactionsTotal counts on-chain transactions by result.
	ChainTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "weft",
			Name:      "chain_transactions_total",
			Help:      "Total on-chain transactions submitted by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected log-stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weft",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weft", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weft", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weft", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "weft", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		NodeExecutionsTotal,
		NodeExecutionDuration,
		RunningExecutions,
		ActiveSessionKeys,
		SessionValidationsTotal,
		SessionAlertsTotal,
		PausedSessions,
		AgentToolCallsTotal,
		ChainTransactionsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
