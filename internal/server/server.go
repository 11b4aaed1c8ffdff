// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbirch/weft/internal/agent"
	"github.com/mbirch/weft/internal/blocks"
	"github.com/mbirch/weft/internal/config"
	"github.com/mbirch/weft/internal/defi"
	"github.com/mbirch/weft/internal/engine"
	"github.com/mbirch/weft/internal/logging"
	"github.com/mbirch/weft/internal/metrics"
	"github.com/mbirch/weft/internal/monitor"
	"github.com/mbirch/weft/internal/realtime"
	"github.com/mbirch/weft/internal/sessionkeys"
	"github.com/mbirch/weft/internal/validation"
	"github.com/mbirch/weft/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	store        engine.Store
	sessions     sessionkeys.Store
	snapshots    agent.SnapshotStore
	authority    *sessionkeys.Authority
	unlocker     *sessionkeys.Unlocker
	sender       blocks.ChainSender
	balances     blocks.BalanceReader
	walletSender *wallet.Sender // nil when a sender was injected or chain is disabled
	runner       *agent.Runner
	engine       *engine.Engine
	monitor      *monitor.Monitor
	monitorTimer *monitor.Timer
	realtimeHub  *realtime.Hub
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithChainSender injects a chain sender and balance reader (for testing)
func WithChainSender(sender blocks.ChainSender, balances blocks.BalanceReader) Option {
	return func(s *Server) {
		s.sender = sender
		s.balances = balances
	}
}

// WithModelProvider injects a model provider (for testing)
func WithModelProvider(provider agent.ModelProvider) Option {
	return func(s *Server) {
		s.runner = agent.NewRunner(provider, agent.NewToolbox(), s.cfg.AgentModel, s.logger)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set sender/logger/runner)
	for _, opt := range opts {
		opt(s)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = engine.NewPostgresStore(db)
		s.sessions = sessionkeys.NewPostgresStore(db)
		s.snapshots = agent.NewPostgresSnapshotStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.store = engine.NewMemoryStore()
		s.sessions = sessionkeys.NewMemoryStore()
		s.snapshots = agent.NewMemorySnapshotStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Session key authority and signature cache
	s.authority = sessionkeys.NewAuthority(s.sessions, s.logger, cfg.ChainID, cfg.SessionKeyMaxTTL, cfg.DelegationPurpose)
	s.unlocker = sessionkeys.NewUnlocker(s.authority, sessionkeys.DefaultUnlockTTL)

	// Chain sender if not injected. ethclient dials lazily over HTTP, so
	// startup succeeds even when the RPC endpoint is briefly unreachable.
	if s.sender == nil && cfg.RPCURL != "" {
		w, err := wallet.New(wallet.Config{
			RPCURL:        cfg.RPCURL,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
		}, s.unlocker, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet sender: %w", err)
		}
		s.walletSender = w
		s.sender = w
		s.balances = w
		s.logger.Info("on-chain execution enabled", "chain_id", cfg.ChainID, "token", cfg.TokenContract)
	}

	// AI agent runner if not injected and an API key is configured
	if s.runner == nil && cfg.AnthropicAPIKey != "" {
		provider, err := agent.NewAnthropicProviderFromAPIKey(cfg.AnthropicAPIKey, cfg.AgentModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create model provider: %w", err)
		}
		s.runner = agent.NewRunner(provider, s.buildToolbox(), cfg.AgentModel, s.logger,
			agent.WithSnapshots(s.snapshots))
		s.logger.Info("agent runner enabled", "model", cfg.AgentModel)
	}

	// Realtime hub for WebSocket log streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.logger.Info("realtime streaming enabled")

	// Block registry and execution engine
	registry := blocks.NewRegistry()
	registry.Register(blocks.NewWebhookHandler(nil))
	registry.Register(blocks.NewChainSendHandler())
	registry.Register(blocks.NewAIAgentHandler())
	registry.Register(blocks.NewDefiPositionHandler())

	services := &blocks.Services{
		Sessions: &authorityAdapter{s.authority},
		Sender:   s.sender,
		Protocol: defi.NewSimulated(),
		Balances: s.balances,
	}
	if s.runner != nil {
		services.Agent = s.runner
	}

	s.engine = engine.New(s.store, registry, services, s.logger,
		engine.WithParallelism(int64(cfg.NodeParallelism)),
		engine.WithNodeTimeout(cfg.DefaultNodeTimeout),
		engine.WithLogObserver(s.realtimeHub.BroadcastLog),
	)

	// Session monitor
	s.monitor = monitor.New(s.sessions, s.logger)
	s.monitorTimer = monitor.NewTimer(s.monitor, cfg.MonitorInterval, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// buildToolbox assembles the tools the agent block may select from.
func (s *Server) buildToolbox() *agent.Toolbox {
	var tools []agent.Tool
	if s.balances != nil {
		balances := s.balances
		token := s.cfg.TokenContract
		tools = append(tools, agent.NewTool(
			"get_balance",
			"Read the settlement token balance of a wallet address.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"wallet": map[string]any{"type": "string", "description": "0x wallet address"},
				},
				"required": []string{"wallet"},
			},
			false,
			func(ctx context.Context, params map[string]any) (any, error) {
				addr, _ := params["wallet"].(string)
				if !validation.IsValidEthAddress(addr) {
					return nil, fmt.Errorf("invalid wallet address %q", addr)
				}
				balance, err := balances.BalanceOf(ctx, addr, token)
				if err != nil {
					return nil, err
				}
				return map[string]any{"wallet": addr, "balance": balance}, nil
			},
		))
	}
	return agent.NewToolbox(tools...)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// authorityAdapter adapts sessionkeys.Authority to blocks.SessionAuthority
type authorityAdapter struct {
	a *sessionkeys.Authority
}

func (ad *authorityAdapter) Validate(ctx context.Context, keyID, operation, amount, toAddress string) (bool, []string, error) {
	res, err := ad.a.Validate(ctx, keyID, operation, amount, toAddress)
	if err != nil {
		return false, nil, err
	}
	return res.IsValid, res.Errors, nil
}

func (ad *authorityAdapter) RecordUsage(ctx context.Context, keyID, amount, toAddress, txHash string) error {
	return ad.a.RecordUsage(ctx, keyID, amount, toAddress, txHash)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithLogger(c.Request.Context(), s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		// Set response header
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time log streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")

	// Workflows and executions
	v1.POST("/workflows", s.createWorkflow)
	v1.GET("/workflows", s.listWorkflows)
	v1.GET("/workflows/:id", s.getWorkflow)
	v1.POST("/workflows/:id/executions", s.dispatchExecution)
	v1.GET("/workflows/:id/executions", s.listExecutions)

	v1.GET("/executions/:id", s.getExecution)
	v1.GET("/executions/:id/logs", s.getExecutionLogs)
	v1.POST("/executions/:id/cancel", s.cancelExecution)
	v1.POST("/executions/:id/pause", s.pauseExecution)
	v1.POST("/executions/:id/resume", s.resumeExecution)

	// Session keys
	v1.POST("/sessions", s.createSessionKey)
	v1.GET("/sessions", s.listSessionKeys)
	v1.GET("/sessions/:keyId", s.getSessionKey)
	v1.DELETE("/sessions/:keyId", s.revokeSessionKey)
	v1.POST("/sessions/:keyId/validate", s.validateSessionKey)
	v1.GET("/sessions/:keyId/events", s.listSessionEvents)
	v1.POST("/sessions/:keyId/unlock", s.unlockSessionKey)
	v1.POST("/sessions/:keyId/lock", s.lockSessionKey)

	// Monitor and realtime stats
	v1.GET("/monitor/status", s.monitorStatus)
	v1.GET("/realtime/stats", s.realtimeStats)

	// Agent snapshots and replay
	v1.GET("/agent/snapshots", s.listSnapshots)
	v1.GET("/agent/snapshots/:id", s.getSnapshot)
	v1.POST("/agent/snapshots/:id/replay", s.replaySnapshot)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Weft",
		"description": "Workflow automation for on-chain agents",
		"version":     "0.1.0",
		"chainId":     s.cfg.ChainID,
	})
}

func (s *Server) realtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Start session monitor sweeps
	go s.monitorTimer.Start(runCtx)

	// Sample DB pool stats into Prometheus
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, monitor)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop monitor timer
	s.monitorTimer.Stop()
	s.logger.Info("session monitor stopped")

	// Close wallet RPC connection
	if s.walletSender != nil {
		if err := s.walletSender.Close(); err != nil {
			s.logger.Error("wallet close error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
