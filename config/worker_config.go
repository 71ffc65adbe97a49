package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// generateWorkerID creates a unique worker ID using hostname and PID
func generateWorkerID() string {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Database
	DatabaseURL string
	MongoDBURL  string
	MongoDBName string
	RedisURL    string

	// JWT
	JWTSecret string

	// OpenAI
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	LLMModel          string
	LLMBatchModel     string
	LLMFallbackModel  string
	LLMTimeoutSec     int
	LLMRequestsPerSec float64

	// Score cache
	CacheHotTTL        time.Duration
	CacheWarmTTL       time.Duration
	CachePatternTTL    time.Duration
	CacheHotSize       int
	CacheWarmSize      int
	CachePatternSize   int
	CachePromotionHits int
	WorkHoursStart     int
	WorkHoursEnd       int

	// Scoring
	RulesFile string

	// Dispatch
	BatchSize               int
	BatchTimeout            time.Duration
	MaxConcurrentBatches    int
	RestrictedOverrideScore int

	// Budget
	BudgetDefaultLimitCents int64
	BudgetWarningRatio      float64

	// Learning
	LearningWindowSize int
	LearningMinSamples int

	// Monitor
	MonitorWindow     time.Duration
	MonitorBufferSize int

	// Worker
	WorkerID              string
	WorkerCount           int
	WorkerPriorityCount   int
	WorkerMaxRetries      int
	WorkerRatePerSecond   float64
	ConsumerBatchSize     int
	ConsumerBlockMS       int
	ConsumerMaxRetries    int
	ConsumerPendingChkSec int

	// HTTP
	RateLimitRequests  int
	RateLimitWindowSec int
	RateLimitBurst     int
	AllowedOrigins     []string
	MonitorAllowedIPs  []string
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		MongoDBURL:  getEnv("MONGODB_URL", ""),
		MongoDBName: getEnv("MONGODB_DATABASE", "priority"),
		RedisURL:    getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", ""),

		// OpenAI
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", ""),
		LLMModel:          getEnv("LLM_MODEL", "gpt-4o"),
		LLMBatchModel:     getEnv("LLM_BATCH_MODEL", "gpt-4o-mini"),
		LLMFallbackModel:  getEnv("LLM_FALLBACK_MODEL", "gpt-4o-mini"),
		LLMTimeoutSec:     getEnvInt("LLM_TIMEOUT_SEC", 30),
		LLMRequestsPerSec: getEnvFloat("LLM_REQUESTS_PER_SEC", 5),

		// Score cache
		CacheHotTTL:        time.Duration(getEnvInt("CACHE_HOT_TTL_SEC", 300)) * time.Second,
		CacheWarmTTL:       time.Duration(getEnvInt("CACHE_WARM_TTL_SEC", 1800)) * time.Second,
		CachePatternTTL:    time.Duration(getEnvInt("CACHE_PATTERN_TTL_SEC", 7200)) * time.Second,
		CacheHotSize:       getEnvInt("CACHE_HOT_SIZE", 1000),
		CacheWarmSize:      getEnvInt("CACHE_WARM_SIZE", 5000),
		CachePatternSize:   getEnvInt("CACHE_PATTERN_SIZE", 500),
		CachePromotionHits: getEnvInt("CACHE_PROMOTION_HITS", 3),
		WorkHoursStart:     getEnvInt("WORK_HOURS_START", 9),
		WorkHoursEnd:       getEnvInt("WORK_HOURS_END", 18),

		// Scoring
		RulesFile: getEnv("RULES_FILE", ""),

		// Dispatch
		BatchSize:               getEnvInt("BATCH_SIZE", 10),
		BatchTimeout:            time.Duration(getEnvInt("BATCH_TIMEOUT_SEC", 30)) * time.Second,
		MaxConcurrentBatches:    getEnvInt("MAX_CONCURRENT_BATCHES", 4),
		RestrictedOverrideScore: getEnvInt("RESTRICTED_OVERRIDE_SCORE", 90),

		// Budget
		BudgetDefaultLimitCents: int64(getEnvInt("BUDGET_DEFAULT_LIMIT_CENTS", 200)),
		BudgetWarningRatio:      getEnvFloat("BUDGET_WARNING_RATIO", 0.8),

		// Learning
		LearningWindowSize: getEnvInt("LEARNING_WINDOW_SIZE", 20),
		LearningMinSamples: getEnvInt("LEARNING_MIN_SAMPLES", 5),

		// Monitor
		MonitorWindow:     time.Duration(getEnvInt("MONITOR_WINDOW_SEC", 300)) * time.Second,
		MonitorBufferSize: getEnvInt("MONITOR_BUFFER_SIZE", 10000),

		// Worker
		WorkerID:              getEnv("WORKER_ID", generateWorkerID()),
		WorkerCount:           getEnvInt("WORKER_COUNT", 16),
		WorkerPriorityCount:   getEnvInt("WORKER_PRIORITY_COUNT", 4),
		WorkerMaxRetries:      getEnvInt("WORKER_MAX_RETRIES", 3),
		WorkerRatePerSecond:   getEnvFloat("WORKER_RATE_PER_SEC", 200),
		ConsumerBatchSize:     getEnvInt("CONSUMER_BATCH_SIZE", 50),
		ConsumerBlockMS:       getEnvInt("CONSUMER_BLOCK_MS", 5000),
		ConsumerMaxRetries:    getEnvInt("CONSUMER_MAX_RETRIES", 3),
		ConsumerPendingChkSec: getEnvInt("CONSUMER_PENDING_CHECK_SEC", 60),

		// HTTP
		RateLimitRequests:  getEnvInt("RATE_LIMIT_REQUESTS", 600),
		RateLimitWindowSec: getEnvInt("RATE_LIMIT_WINDOW_SEC", 60),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 50),
		AllowedOrigins:     getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		MonitorAllowedIPs:  getEnvSlice("MONITOR_ALLOWED_IPS", nil),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.WorkHoursStart < 0 || c.WorkHoursStart > 23 || c.WorkHoursEnd < 1 || c.WorkHoursEnd > 24 ||
		c.WorkHoursStart >= c.WorkHoursEnd {
		return fmt.Errorf("invalid work hours %d-%d", c.WorkHoursStart, c.WorkHoursEnd)
	}
	if c.BudgetWarningRatio <= 0 || c.BudgetWarningRatio >= 1 {
		return fmt.Errorf("BUDGET_WARNING_RATIO must be in (0,1), got %v", c.BudgetWarningRatio)
	}
	if c.BudgetDefaultLimitCents < 0 {
		return fmt.Errorf("BUDGET_DEFAULT_LIMIT_CENTS must not be negative")
	}
	if c.RestrictedOverrideScore < 0 || c.RestrictedOverrideScore > 100 {
		return fmt.Errorf("RESTRICTED_OVERRIDE_SCORE must be in [0,100]")
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
