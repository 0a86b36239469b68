package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the scanbridge server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	DatabasePath    string
	LogLevel        string
	SessionTTL      time.Duration
	SweepInterval   time.Duration
	SiteURL         string
	WebRoot         string
	MDNSEnabled     bool
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/scanbridge.db"
	defaultLogLevel        = "info"
	defaultSessionTTL      = 24 * time.Hour
	defaultSweepInterval   = time.Minute
	defaultSiteURL         = "http://localhost:8080"
	defaultWebRoot         = "web"
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		SessionTTL:      defaultSessionTTL,
		SweepInterval:   defaultSweepInterval,
		SiteURL:         defaultSiteURL,
		WebRoot:         defaultWebRoot,
		MDNSEnabled:     true,
	}

	if v := os.Getenv("SCANBRIDGE_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SCANBRIDGE_HTTP_PORT: %w", err)
		}
		if port < 1 || port > 65535 {
			return Config{}, fmt.Errorf("invalid SCANBRIDGE_HTTP_PORT: %d out of range", port)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("SCANBRIDGE_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("SCANBRIDGE_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("SCANBRIDGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("SCANBRIDGE_SESSION_TTL"); v != "" {
		ttl, err := parsePositiveDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SCANBRIDGE_SESSION_TTL: %w", err)
		}
		cfg.SessionTTL = ttl
	}

	if v := os.Getenv("SCANBRIDGE_SWEEP_INTERVAL"); v != "" {
		interval, err := parsePositiveDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SCANBRIDGE_SWEEP_INTERVAL: %w", err)
		}
		cfg.SweepInterval = interval
	}

	if v := os.Getenv("SCANBRIDGE_SITE_URL"); v != "" {
		cfg.SiteURL = v
	}

	if v := os.Getenv("SCANBRIDGE_WEB_ROOT"); v != "" {
		cfg.WebRoot = v
	}

	if v := os.Getenv("SCANBRIDGE_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SCANBRIDGE_MDNS: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	return cfg, nil
}

func parsePositiveDuration(v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", d)
	}
	return d, nil
}
