// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL        string
	ChainID       int64
	TokenContract string // ERC-20 settlement token

	// Engine settings
	NodeParallelism    int           // max concurrently running nodes per execution
	DefaultNodeTimeout time.Duration // per-node wall-clock timeout

	// Session key settings
	MonitorInterval   time.Duration // session monitor sweep interval
	SessionKeyMaxTTL  time.Duration // hard cap on session key validity
	DelegationPurpose string        // purpose string embedded in delegation messages

	// AI provider
	AnthropicAPIKey string
	AgentModel      string
	AgentStepBudget int

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret string
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultTokenContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultAgentModel    = "claude-sonnet-4-5"
	DefaultStepBudget    = 10
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:             getEnv("RPC_URL", DefaultRPCURL),
		ChainID:            getEnvInt64("CHAIN_ID", DefaultChainID),
		TokenContract:      getEnv("TOKEN_CONTRACT", DefaultTokenContract),
		NodeParallelism:    int(getEnvInt64("NODE_PARALLELISM", 4)),
		DefaultNodeTimeout: getEnvDuration("NODE_TIMEOUT", 5*time.Minute),
		MonitorInterval:    getEnvDuration("MONITOR_INTERVAL", 5*time.Minute),
		SessionKeyMaxTTL:   getEnvDuration("SESSION_KEY_MAX_TTL", 30*24*time.Hour),
		DelegationPurpose:  getEnv("DELEGATION_PURPOSE", "workflow-automation"),
		AnthropicAPIKey:    os.Getenv("ANTHROPIC_API_KEY"),
		AgentModel:         getEnv("AGENT_MODEL", DefaultAgentModel),
		AgentStepBudget:    int(getEnvInt64("AGENT_STEP_BUDGET", DefaultStepBudget)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.NodeParallelism <= 0 {
		return fmt.Errorf("NODE_PARALLELISM must be positive")
	}
	if c.DefaultNodeTimeout <= 0 {
		return fmt.Errorf("NODE_TIMEOUT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
