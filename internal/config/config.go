// Package config provides environment-aware configuration management for
// the cognitive engine runtime.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

// Config holds all runtime configuration for the cognizes engine.
type Config struct {
	Env Environment

	// Database
	DatabaseDSN      string
	DBMinConnections int
	DBMaxConnections int
	DBIdleTimeout    time.Duration
	DBConnLifetime   time.Duration

	// Notify / Event Bridge
	NotifyChannel     string
	HeartbeatInterval time.Duration
	SubscriberQueue   int

	// Consolidation Worker
	ConsolidationBatchSize int
	ConsolidationInterval  time.Duration
	LMRateLimitPerSecond   float64

	// Retention Manager
	RetentionDecayRate     float64
	RetentionCleanupPeriod time.Duration
	RetentionMinAgeDays    int
	RetentionThreshold     float64

	// Retrieval Pipeline
	RetrievalL0Limit         int
	RetrievalL1Limit         int
	RetrievalEfSearch        int
	RerankRateLimitPerSecond float64

	// Context Assembler
	ContextMaxTokens     int
	ContextSystemRatio   float64
	ContextFactsRatio    float64
	ContextMemoriesRatio float64
	ContextHistoryRatio  float64

	// Agent Executor
	AgentMaxSteps       int
	AgentTimeoutSeconds int

	// Language-model / embedding providers (external collaborators)
	LMAPIKey         string
	LMAPIBaseURL     string
	LMModel          string
	EmbeddingAPIKey  string
	EmbeddingBaseURL string
	EmbeddingModel   string
	EmbeddingDim     int

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Ops HTTP surface
	HTTPListenAddr string
	JWTSigningKey  string

	// Features
	MetricsEnabled bool
	TestMode       bool
}

// Load loads configuration, preferring an environment-selected .env file,
// then environment variables, then built-in defaults.
func Load() (*Config, error) {
	envStr := os.Getenv("COGNIZES_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env := Environment(envStr)
	switch env {
	case Development, Testing, Production:
	default:
		return nil, fmt.Errorf("invalid COGNIZES_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := fmt.Sprintf("%s.env", env)
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.DatabaseDSN = getEnv("DATABASE_DSN", "")
	if c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}
	c.DBMinConnections = getIntEnv("DB_MIN_CONNECTIONS", 2)
	c.DBMaxConnections = getIntEnv("DB_MAX_CONNECTIONS", 10)

	idleTimeout, err := getDurationEnv("DB_IDLE_TIMEOUT", "5m")
	if err != nil {
		return fmt.Errorf("invalid DB_IDLE_TIMEOUT: %w", err)
	}
	c.DBIdleTimeout = idleTimeout

	connLifetime, err := getDurationEnv("DB_CONN_LIFETIME", "30m")
	if err != nil {
		return fmt.Errorf("invalid DB_CONN_LIFETIME: %w", err)
	}
	c.DBConnLifetime = connLifetime

	c.NotifyChannel = getEnv("NOTIFY_CHANNEL", "event_stream")
	heartbeat, err := getDurationEnv("HEARTBEAT_INTERVAL", "30s")
	if err != nil {
		return fmt.Errorf("invalid HEARTBEAT_INTERVAL: %w", err)
	}
	c.HeartbeatInterval = heartbeat
	c.SubscriberQueue = getIntEnv("SUBSCRIBER_QUEUE_SIZE", 256)

	c.ConsolidationBatchSize = getIntEnv("CONSOLIDATION_BATCH_SIZE", 50)
	consolidationInterval, err := getDurationEnv("CONSOLIDATION_SWEEP_INTERVAL", "1h")
	if err != nil {
		return fmt.Errorf("invalid CONSOLIDATION_SWEEP_INTERVAL: %w", err)
	}
	c.ConsolidationInterval = consolidationInterval
	c.LMRateLimitPerSecond, err = getFloatEnv("LM_RATE_LIMIT_PER_SECOND", 5)
	if err != nil {
		return fmt.Errorf("invalid LM_RATE_LIMIT_PER_SECOND: %w", err)
	}

	c.RetentionDecayRate, err = getFloatEnv("RETENTION_DECAY_RATE", 0.1)
	if err != nil {
		return fmt.Errorf("invalid RETENTION_DECAY_RATE: %w", err)
	}
	cleanupPeriod, err := getDurationEnv("RETENTION_CLEANUP_INTERVAL", "24h")
	if err != nil {
		return fmt.Errorf("invalid RETENTION_CLEANUP_INTERVAL: %w", err)
	}
	c.RetentionCleanupPeriod = cleanupPeriod
	c.RetentionMinAgeDays = getIntEnv("RETENTION_MIN_AGE_DAYS", 7)
	c.RetentionThreshold, err = getFloatEnv("RETENTION_THRESHOLD", 0.1)
	if err != nil {
		return fmt.Errorf("invalid RETENTION_THRESHOLD: %w", err)
	}

	c.RetrievalL0Limit = getIntEnv("RETRIEVAL_L0_LIMIT", 50)
	c.RetrievalL1Limit = getIntEnv("RETRIEVAL_L1_LIMIT", 10)
	c.RetrievalEfSearch = getIntEnv("RETRIEVAL_EF_SEARCH", 200)
	c.RerankRateLimitPerSecond, err = getFloatEnv("RERANK_RATE_LIMIT_PER_SECOND", 10)
	if err != nil {
		return fmt.Errorf("invalid RERANK_RATE_LIMIT_PER_SECOND: %w", err)
	}

	c.ContextMaxTokens = getIntEnv("CONTEXT_MAX_TOKENS", 8000)
	c.ContextSystemRatio, err = getFloatEnv("CONTEXT_SYSTEM_RATIO", 0.1)
	if err != nil {
		return fmt.Errorf("invalid CONTEXT_SYSTEM_RATIO: %w", err)
	}
	c.ContextFactsRatio, err = getFloatEnv("CONTEXT_FACTS_RATIO", 0.2)
	if err != nil {
		return fmt.Errorf("invalid CONTEXT_FACTS_RATIO: %w", err)
	}
	c.ContextMemoriesRatio, err = getFloatEnv("CONTEXT_MEMORIES_RATIO", 0.3)
	if err != nil {
		return fmt.Errorf("invalid CONTEXT_MEMORIES_RATIO: %w", err)
	}
	c.ContextHistoryRatio, err = getFloatEnv("CONTEXT_HISTORY_RATIO", 0.4)
	if err != nil {
		return fmt.Errorf("invalid CONTEXT_HISTORY_RATIO: %w", err)
	}

	c.AgentMaxSteps = getIntEnv("AGENT_MAX_STEPS", 10)
	c.AgentTimeoutSeconds = getIntEnv("AGENT_TIMEOUT_SECONDS", 300)

	c.LMAPIKey = getEnv("LM_API_KEY", "")
	c.LMAPIBaseURL = getEnv("LM_API_BASE_URL", "")
	c.LMModel = getEnv("LM_MODEL", "claude-3-5-haiku-20241022")
	c.EmbeddingAPIKey = getEnv("EMBEDDING_API_KEY", "")
	c.EmbeddingBaseURL = getEnv("EMBEDDING_API_BASE_URL", "")
	c.EmbeddingModel = getEnv("EMBEDDING_MODEL", "text-embedding-3-small")
	c.EmbeddingDim = getIntEnv("EMBEDDING_DIM", 1536)

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "text")
	c.LogOutput = getEnv("LOG_OUTPUT", "stdout")

	c.HTTPListenAddr = getEnv("HTTP_LISTEN_ADDR", ":8090")
	c.JWTSigningKey = getEnv("JWT_SIGNING_KEY", "")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", true)
	c.TestMode = getBoolEnv("TEST_MODE", false)

	return nil
}

// IsDevelopment returns true if running in the development environment.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsTesting returns true if running in the testing environment.
func (c *Config) IsTesting() bool { return c.Env == Testing }

// IsProduction returns true if running in the production environment.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate checks production-safety invariants and numeric ranges.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWTSigningKey == "" {
			return fmt.Errorf("JWT_SIGNING_KEY must be set in production")
		}
		if c.TestMode {
			return fmt.Errorf("TEST_MODE must be false in production")
		}
	}
	if c.DBMinConnections < 0 || c.DBMaxConnections < c.DBMinConnections {
		return fmt.Errorf("invalid connection pool bounds: min=%d max=%d", c.DBMinConnections, c.DBMaxConnections)
	}
	ratioSum := c.ContextSystemRatio + c.ContextFactsRatio + c.ContextMemoriesRatio + c.ContextHistoryRatio
	if ratioSum <= 0 || ratioSum > 1.0001 {
		return fmt.Errorf("context budget ratios must sum to at most 1.0, got %f", ratioSum)
	}
	return nil
}

// EnvReader is the environment abstraction the getEnv helpers read
// through, so tests can inject a fake source (by replacing
// OSEnvironment) instead of mutating process-wide environment variables.
type EnvReader interface {
	Getenv(key string) string
}

type osEnvironment struct{}

func (osEnvironment) Getenv(key string) string { return os.Getenv(key) }

// OSEnvironment is the default EnvReader backed by the process environment.
var OSEnvironment EnvReader = osEnvironment{}

func getEnv(key, defaultValue string) string {
	if value := OSEnvironment.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := OSEnvironment.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := OSEnvironment.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) (float64, error) {
	value := OSEnvironment.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func getDurationEnv(key, defaultValue string) (time.Duration, error) {
	value := getEnv(key, defaultValue)
	return time.ParseDuration(strings.TrimSpace(value))
}
