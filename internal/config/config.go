package config

import (
	"os"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string

	// Redis is optional; empty disables the cross-instance bridge.
	RedisURL string

	// Search corpus
	CorpusPath string

	// Persisted cache directory; empty keeps the cache in memory only.
	CacheDir string

	// Push channel timing
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration

	// Document status delivery: "push" or "poll"
	StatusMode   string
	PollInterval time.Duration

	// Token pacing for the chat stream (0 disables)
	TokenDelay time.Duration
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "3001"),
		Environment: getEnv("ENVIRONMENT", "development"),
		RedisURL:    getEnv("REDIS_URL", ""),
		CorpusPath:  getEnv("CORPUS_PATH", ""),
		CacheDir:    getEnv("CACHE_DIR", ""),

		HeartbeatInterval: getDurationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		SweepInterval:     getDurationEnv("SWEEP_INTERVAL", 30*time.Second),

		StatusMode:   getEnv("STATUS_MODE", "push"),
		PollInterval: getDurationEnv("POLL_INTERVAL", 2*time.Second),

		TokenDelay: getDurationEnv("TOKEN_DELAY", 15*time.Millisecond),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
