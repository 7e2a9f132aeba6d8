// Package config loads runtime settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/halcyonlab/persistguard/internal/models"
)

// Config is the full runtime configuration
type Config struct {
	DBPath   string
	LogLevel string

	APIAddr   string
	JWTSecret string

	NATSURL string

	WatchCooldown  time.Duration
	RescanDebounce time.Duration
	MinRelevance   int
	AutoStart      bool
	AutoStartGrace time.Duration

	Categories []models.Category
}

// Load reads the environment, applying defaults for anything unset. A
// missing .env file is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBPath:         getEnvOrDefault("DB_PATH", "persistguard.db"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		APIAddr:        getEnvOrDefault("API_ADDR", "127.0.0.1:8787"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		NATSURL:        os.Getenv("NATS_URL"),
		WatchCooldown:  getEnvDuration("WATCH_COOLDOWN", 5*time.Second),
		RescanDebounce: getEnvDuration("RESCAN_DEBOUNCE", 2*time.Second),
		MinRelevance:   getEnvInt("MIN_RELEVANCE", 30),
		AutoStart:      getEnvBool("AUTO_START", false),
		AutoStartGrace: getEnvDuration("AUTO_START_GRACE", 3*time.Second),
		Categories:     parseCategories(os.Getenv("CATEGORIES")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would silently misbehave at runtime
func (c *Config) Validate() error {
	if c.WatchCooldown < 100*time.Millisecond {
		return fmt.Errorf("WATCH_COOLDOWN must be at least 100ms")
	}
	if c.RescanDebounce < 100*time.Millisecond {
		return fmt.Errorf("RESCAN_DEBOUNCE must be at least 100ms")
	}
	if c.MinRelevance < 0 || c.MinRelevance > 100 {
		return fmt.Errorf("MIN_RELEVANCE must be between 0 and 100")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("no valid categories configured")
	}
	return nil
}

// parseCategories reads a comma-separated category list; unknown names
// are dropped. An empty value means all categories.
func parseCategories(raw string) []models.Category {
	if strings.TrimSpace(raw) == "" {
		return models.AllCategories
	}
	known := make(map[models.Category]bool, len(models.AllCategories))
	for _, c := range models.AllCategories {
		known[c] = true
	}
	var out []models.Category
	for _, part := range strings.Split(raw, ",") {
		c := models.Category(strings.TrimSpace(part))
		if known[c] {
			out = append(out, c)
		}
	}
	return out
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
