package config

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("INSTANCE_ID", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Address())
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 100, cfg.EntityCacheSize)
	assert.Equal(t, 50, cfg.RelationshipCacheSize)
	assert.Equal(t, 5*time.Minute, cfg.QueryCacheTTL)
	assert.Equal(t, 10*time.Minute, cfg.AnalyticsCacheTTL)
	assert.Equal(t, time.Second, cfg.RecalcDebounce)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBaseDelay)
	assert.True(t, strings.HasPrefix(cfg.InstanceID, "instance-"))
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("QUERY_CACHE_TTL", "30s")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("INSTANCE_ID", "node-a")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, 30*time.Second, cfg.QueryCacheTTL)
	assert.Equal(t, "node-a", cfg.InstanceID)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"ENTITY_CACHE_SIZE":  "0",
		"RECALC_DEBOUNCE":    "-1s",
		"RETRY_MAX_ATTEMPTS": "0",
		"LOG_FORMAT":         "xml",
		"LOG_LEVEL":          "loud",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadRejectsUnparsableDuration(t *testing.T) {
	t.Setenv("QUERY_CACHE_TTL", "soon")
	_, err := Load()
	require.Error(t, err)
}

func TestNewLoggerHonoursFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{LogFormat: "json", LogLevel: "warn"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "test", entry["component"])
}
