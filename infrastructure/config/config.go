package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all subsystem configuration
type Config struct {
	// Server configuration
	ServerAddress string `validate:"required"`
	Environment   string `validate:"oneof=development staging production"`

	// Logging
	LogLevel string `validate:"oneof=debug info warn error"`

	// Cache configuration
	CacheMaxSlots     int `validate:"gte=1"`
	WarmupConcurrency int `validate:"gte=1,lte=8"`

	// Retry configuration
	RetryMaxAttempts int `validate:"gte=1,lte=10"`
	RetryBaseDelayMS int `validate:"gte=1"`
	RetryMaxDelayMS  int `validate:"gtefield=RetryBaseDelayMS"`

	// Health scoring
	CriticalFanInThreshold int `validate:"gte=1"`

	// Prediction configuration
	ScoreThreshold      float64 `validate:"gt=0,lte=1"`
	ConfidenceThreshold float64 `validate:"gt=0,lte=1"`
	MaxRecommendations  int     `validate:"gte=1,lte=10"`
	HistoryLimit        int     `validate:"gte=16"`
	AffinityAlpha       float64 `validate:"gt=0,lt=1"`
	AffinityBeta        float64 `validate:"gt=0,lt=1"`

	// Feature flags
	EnableCORS    bool
	EnableMetrics bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		CacheMaxSlots:     getEnvInt("CACHE_MAX_SLOTS", 24),
		WarmupConcurrency: getEnvInt("WARMUP_CONCURRENCY", 2),

		RetryMaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelayMS: getEnvInt("RETRY_BASE_DELAY_MS", 50),
		RetryMaxDelayMS:  getEnvInt("RETRY_MAX_DELAY_MS", 2000),

		CriticalFanInThreshold: getEnvInt("CRITICAL_FANIN_THRESHOLD", 3),

		ScoreThreshold:      getEnvFloat("PREDICTION_SCORE_THRESHOLD", 0.6),
		ConfidenceThreshold: getEnvFloat("PREDICTION_CONFIDENCE_THRESHOLD", 0.7),
		MaxRecommendations:  getEnvInt("PREDICTION_MAX_RECOMMENDATIONS", 3),
		HistoryLimit:        getEnvInt("PREDICTION_HISTORY_LIMIT", 512),
		AffinityAlpha:       getEnvFloat("AFFINITY_ALPHA", 0.2),
		AffinityBeta:        getEnvFloat("AFFINITY_BETA", 0.05),

		EnableCORS:    getEnvBool("ENABLE_CORS", true),
		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// The EMA gain must dominate the decay or affinities drift to zero.
	if c.AffinityAlpha <= c.AffinityBeta {
		return fmt.Errorf("invalid configuration: AFFINITY_ALPHA (%v) must exceed AFFINITY_BETA (%v)",
			c.AffinityAlpha, c.AffinityBeta)
	}
	return nil
}

// RetryBaseDelay returns the base retry delay as a duration
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMS) * time.Millisecond
}

// RetryMaxDelay returns the retry delay ceiling as a duration
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
