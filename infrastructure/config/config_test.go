package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicekit/infrastructure/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddress)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 24, cfg.CacheMaxSlots)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.RetryBaseDelay())
	assert.Equal(t, 2*time.Second, cfg.RetryMaxDelay())
	assert.Equal(t, 3, cfg.CriticalFanInThreshold)
	assert.InDelta(t, 0.6, cfg.ScoreThreshold, 1e-9)
	assert.InDelta(t, 0.7, cfg.ConfidenceThreshold, 1e-9)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("CACHE_MAX_SLOTS", "48")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("PREDICTION_SCORE_THRESHOLD", "0.75")
	t.Setenv("ENABLE_CORS", "false")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 48, cfg.CacheMaxSlots)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.InDelta(t, 0.75, cfg.ScoreThreshold, 1e-9)
	assert.False(t, cfg.EnableCORS)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfigIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("CACHE_MAX_SLOTS", "lots")
	t.Setenv("AFFINITY_ALPHA", "fast")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 24, cfg.CacheMaxSlots)
	assert.InDelta(t, 0.2, cfg.AffinityAlpha, 1e-9)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown environment", "ENVIRONMENT", "testing"},
		{"unknown log level", "LOG_LEVEL", "verbose"},
		{"zero slots", "CACHE_MAX_SLOTS", "0"},
		{"too many attempts", "RETRY_MAX_ATTEMPTS", "50"},
		{"max delay below base", "RETRY_MAX_DELAY_MS", "10"},
		{"score threshold above one", "PREDICTION_SCORE_THRESHOLD", "1.5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := config.LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestValidateRejectsAlphaNotAboveBeta(t *testing.T) {
	t.Setenv("AFFINITY_ALPHA", "0.05")
	t.Setenv("AFFINITY_BETA", "0.05")

	_, err := config.LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AFFINITY_ALPHA")
}
