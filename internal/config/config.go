// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir    string // Base directory for the local cache database (always absolute)
	OwnerID    string // Owner whose portfolio this instance synchronizes
	RemoteURL  string // Base URL of the remote data API
	StreamURL  string // WebSocket URL for realtime change notifications (empty disables realtime)
	RemoteKey  string // API key for the remote data API
	MarketURL  string // Base URL of the market data API
	MarketKey  string // API key for the market data API
	LogLevel   string
	Port       int
	DevMode    bool
	HTTPTimout time.Duration // Timeout for outbound remote/market calls
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic
	// 1. Check FOLIOSYNC_DATA_DIR environment variable
	// 2. If not set, default to ./data
	// 3. Always resolve to absolute path
	// 4. Ensure directory exists
	dataDir := getEnv("FOLIOSYNC_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:    absDataDir,
		OwnerID:    getEnv("FOLIOSYNC_OWNER_ID", ""),
		RemoteURL:  getEnv("REMOTE_API_URL", "http://localhost:3000"),
		StreamURL:  getEnv("REMOTE_STREAM_URL", ""),
		RemoteKey:  getEnv("REMOTE_API_KEY", ""),
		MarketURL:  getEnv("MARKET_API_URL", "http://localhost:9100"),
		MarketKey:  getEnv("MARKET_API_KEY", ""),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		Port:       getEnvAsInt("GO_PORT", 8001),
		DevMode:    getEnvAsBool("DEV_MODE", false),
		HTTPTimout: time.Duration(getEnvAsInt("HTTP_TIMEOUT_SECONDS", 10)) * time.Second,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.OwnerID == "" {
		return fmt.Errorf("FOLIOSYNC_OWNER_ID is required")
	}
	if c.RemoteURL == "" {
		return fmt.Errorf("REMOTE_API_URL is required")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
