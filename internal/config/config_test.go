package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SCANBRIDGE_HTTP_PORT",
		"SCANBRIDGE_MQTT_BIND",
		"SCANBRIDGE_DATABASE_PATH",
		"SCANBRIDGE_LOG_LEVEL",
		"SCANBRIDGE_SESSION_TTL",
		"SCANBRIDGE_SWEEP_INTERVAL",
		"SCANBRIDGE_SITE_URL",
		"SCANBRIDGE_WEB_ROOT",
		"SCANBRIDGE_MDNS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":1883", cfg.MQTTBindAddress)
	assert.Equal(t, "data/scanbridge.db", cfg.DatabasePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "web", cfg.WebRoot)
	assert.True(t, cfg.MDNSEnabled)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCANBRIDGE_HTTP_PORT", "9000")
	t.Setenv("SCANBRIDGE_MQTT_BIND", "127.0.0.1:11883")
	t.Setenv("SCANBRIDGE_SESSION_TTL", "30m")
	t.Setenv("SCANBRIDGE_SWEEP_INTERVAL", "5s")
	t.Setenv("SCANBRIDGE_SITE_URL", "https://scan.example.com")
	t.Setenv("SCANBRIDGE_MDNS", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, "127.0.0.1:11883", cfg.MQTTBindAddress)
	assert.Equal(t, 30*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, "https://scan.example.com", cfg.SiteURL)
	assert.False(t, cfg.MDNSEnabled)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"SCANBRIDGE_HTTP_PORT":      "eighty",
		"SCANBRIDGE_SESSION_TTL":    "-1h",
		"SCANBRIDGE_SWEEP_INTERVAL": "soon",
		"SCANBRIDGE_MDNS":           "maybe",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_PortOutOfRange(t *testing.T) {
	clearEnv(t)
	t.Setenv("SCANBRIDGE_HTTP_PORT", "70000")

	_, err := Load()
	require.Error(t, err)
}
