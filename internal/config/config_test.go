package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 6000, cfg.RateLimit.TokensPerMinute)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 5.0, cfg.Alerting.PriceDropPct)
	assert.Equal(t, 10.0, cfg.Alerting.SentimentDeltaPct)
	assert.Equal(t, 1000, cfg.Classifier.MaxInputChars)
	assert.Equal(t, 5, cfg.Metrics.MinReviews)
	assert.Equal(t, []string{"log"}, cfg.Alerting.Channels)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: memory
ratelimit:
  requests_per_minute: 10
alerting:
  channels: log,telegram
  telegram:
    enabled: true
    bot_token: abc
    chat_id: "42"
`), 0o600))

	t.Setenv("SENTINEL_CLASSIFIER_API_KEY", "gsk_test")
	t.Setenv("SENTINEL_PIPELINE_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 10, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, "gsk_test", cfg.Classifier.APIKey)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, []string{"log", "telegram"}, cfg.Alerting.Channels)
	require.NoError(t, cfg.RequireClassifier())
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())

	cases := []struct{ key, value string }{
		{"SENTINEL_RATELIMIT_TOKENS_PER_MINUTE", "0"},
		{"SENTINEL_ALERTING_PRICE_DROP_PCT", "-1"},
		{"SENTINEL_ALERTING_PRICE_DROP_PCT", "0"},
		{"SENTINEL_ALERTING_PRICE_RISE_PCT", "0"},
		{"SENTINEL_ALERTING_SENTIMENT_DELTA_PCT", "0"},
		{"SENTINEL_PIPELINE_MAX_SWEEPS", "-1"},
		{"SENTINEL_DATABASE_DRIVER", "mysql"},
		{"SENTINEL_STATE_BACKEND", "azblob"},
		{"SENTINEL_ALERTING_TELEGRAM_ENABLED", "true"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load("")
			require.Error(t, err)
		})
	}
}

func TestRequireClassifier(t *testing.T) {
	cfg := &Config{}
	cfg.Classifier.BaseURL = "https://example.test"
	require.Error(t, cfg.RequireClassifier())
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	assert.Equal(t, 500, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 20, cfg.ResolveMaxPoints(20))
}
