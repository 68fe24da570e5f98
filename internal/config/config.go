// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all client configuration.
type Config struct {
	// BaseURL is the backend root; the WebSocket endpoint is derived from it
	// by swapping the scheme.
	BaseURL        string
	DBPath         string
	Language       string
	VillaCode      string
	IdleTimeout    time.Duration
	ReconnectDelay time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:        getEnv("CONCIERGE_API_URL", "https://bali-v92r.onrender.com"),
		DBPath:         getEnv("CONCIERGE_DB_PATH", "./data/concierge.db"),
		Language:       getEnv("CONCIERGE_LANGUAGE", "EN"),
		VillaCode:      getEnv("CONCIERGE_VILLA_CODE", "WEB_VILLA_01"),
		IdleTimeout:    getEnvDuration("CONCIERGE_IDLE_TIMEOUT", 120*time.Second),
		ReconnectDelay: getEnvDuration("CONCIERGE_RECONNECT_DELAY", 3*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("CONCIERGE_API_URL cannot be empty")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("CONCIERGE_API_URL must be an http(s) URL")
	}
	if c.DBPath == "" {
		return fmt.Errorf("CONCIERGE_DB_PATH cannot be empty")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("CONCIERGE_IDLE_TIMEOUT must be > 0")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("CONCIERGE_RECONNECT_DELAY must be > 0")
	}
	return nil
}

// IsDevelopment returns true if pointed at a local backend.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.BaseURL, "localhost") ||
		strings.Contains(c.BaseURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
