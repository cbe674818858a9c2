package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_DefaultsWhenUnset(t *testing.T) {
	t.Setenv("SIGNING_KEY", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PORT", "")
	t.Setenv("TIMEOUT_SCAN_INTERVAL_SECONDS", "")

	cfg := Load()
	assert.Equal(t, "", cfg.SigningKey)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 10, cfg.TimeoutScanIntervalSeconds)
	assert.Equal(t, 10*time.Second, cfg.TimeoutScanInterval())
	assert.Equal(t, 86400, cfg.DefaultApprovalTimeoutSeconds)
}

func TestLoad_ReadsOverrides(t *testing.T) {
	t.Setenv("SIGNING_KEY", "topsecret")
	t.Setenv("PORT", "9090")
	t.Setenv("EVENT_BUS_BACKOFF_MULTIPLIER", "3.5")
	t.Setenv("LOG_FORMAT", "json")

	cfg := Load()
	assert.Equal(t, "topsecret", cfg.SigningKey)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 3.5, cfg.EventBusBackoffMultiplier)
	assert.Equal(t, "json", cfg.LogFormat)
}
