// Package config reads process configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr           string
	ScanInterval   time.Duration
	AllowedOrigins []string
}

// Load reads the .env file if one exists, then resolves every setting
// with a default.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:           getEnv("TOURNEYSYNC_ADDR", ":8080"),
		ScanInterval:   time.Duration(getEnvAsInt("TOURNEYSYNC_SCAN_INTERVAL_MS", 100)) * time.Millisecond,
		AllowedOrigins: splitList(getEnv("TOURNEYSYNC_ALLOWED_ORIGINS", "")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
