package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the client core.
type Config struct {
	Gateway GatewayConfig
	Backend BackendConfig
	Poll    PollConfig
	CORS    CORSConfig
	Log     LogConfig
}

// GatewayConfig holds the local gateway listener configuration.
type GatewayConfig struct {
	Host string
	Port string
	Env  string
}

// BackendConfig holds the remote trading backend configuration.
type BackendConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// PollConfig holds the status reconciliation cadence.
type PollConfig struct {
	StatusInterval time.Duration
}

// CORSConfig holds CORS configuration for browser surfaces.
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Gateway: GatewayConfig{
			Host: getEnv("GATEWAY_HOST", "127.0.0.1"),
			Port: getEnv("GATEWAY_PORT", "7420"),
			Env:  getEnv("GATEWAY_ENV", "development"),
		},
		Backend: BackendConfig{
			BaseURL:        getEnv("BACKEND_URL", ""),
			RequestTimeout: time.Duration(getEnvAsInt("BACKEND_REQUEST_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		Poll: PollConfig{
			StatusInterval: time.Duration(getEnvAsInt("STATUS_POLL_INTERVAL_SECONDS", 10)) * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}, ","),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("BACKEND_URL is required")
	}
	if cfg.Backend.RequestTimeout <= 0 {
		return nil, fmt.Errorf("BACKEND_REQUEST_TIMEOUT_SECONDS must be positive")
	}
	if cfg.Poll.StatusInterval <= 0 {
		return nil, fmt.Errorf("STATUS_POLL_INTERVAL_SECONDS must be positive")
	}

	return cfg, nil
}

// Address returns the full gateway listen address.
func (c *GatewayConfig) Address() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// IsProduction returns true if running in production mode.
func (c *GatewayConfig) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string, separator string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	return strings.Split(valueStr, separator)
}
